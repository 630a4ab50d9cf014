package main

import (
	"context"
	"fmt"

	"github.com/example/es-engine/internal/domain/cart"
	"github.com/example/es-engine/internal/eventstore"
)

type cartStore = eventstore.Store[*cart.Cart]

type reportFunc func(format string, args ...any)

// lifecycleScenario saves three events, soft deletes, reads the deleted
// aggregate back and restores it.
func lifecycleScenario(ctx context.Context, s *cartStore, id string, report reportFunc) error {
	c := s.Create(id)
	if err := c.Open("demo-user"); err != nil {
		return err
	}
	if err := c.AddItem("book", 1, 1200); err != nil {
		return err
	}
	if err := c.AddItem("pen", 3, 150); err != nil {
		return err
	}
	if _, err := s.Save(ctx, c); err != nil {
		return fmt.Errorf("save: %w", err)
	}
	if err := expectVersion("save", c.SavedVersion(), 3); err != nil {
		return err
	}
	report("saved %s at version %d (total %d)", id, c.SavedVersion(), c.Total())

	loaded, err := s.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("get: %w", err)
	}
	if _, err := s.Delete(ctx, loaded); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if !loaded.IsDeleted() {
		return fmt.Errorf("delete: aggregate not marked deleted")
	}
	if err := expectVersion("delete", loaded.SavedVersion(), 4); err != nil {
		return err
	}
	report("deleted %s at version %d", id, loaded.SavedVersion())

	deleted, err := s.GetDeleted(ctx, id)
	if err != nil {
		return fmt.Errorf("get deleted: %w", err)
	}
	if !deleted.IsDeleted() {
		return fmt.Errorf("get deleted: aggregate not deleted")
	}
	if err := expectVersion("get deleted", deleted.SavedVersion(), 4); err != nil {
		return err
	}

	if _, err := s.Restore(ctx, deleted); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	if deleted.IsDeleted() {
		return fmt.Errorf("restore: aggregate still deleted")
	}
	if err := expectVersion("restore", deleted.SavedVersion(), 5); err != nil {
		return err
	}
	report("restored %s at version %d", id, deleted.SavedVersion())
	return nil
}

// chunkedScenario commits n events in one save.
func chunkedScenario(ctx context.Context, s *cartStore, id string, n int, report reportFunc) error {
	c := s.Create(id)
	if err := c.Open("demo-user"); err != nil {
		return err
	}
	for i := 1; i < n; i++ {
		if err := c.AddItem(fmt.Sprintf("sku-%04d", i), 1, i); err != nil {
			return err
		}
	}
	res, err := s.Save(ctx, c)
	if err != nil {
		return fmt.Errorf("save: %w", err)
	}
	if err := expectVersion("chunked save", res.Version, int64(n)); err != nil {
		return err
	}

	loaded, err := s.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("get: %w", err)
	}
	if err := expectVersion("chunked get", loaded.CurrentVersion(), int64(n)); err != nil {
		return err
	}
	report("saved %d events to %s in one commit", n, id)
	return nil
}

func expectVersion(step string, got, want int64) error {
	if got != want {
		return fmt.Errorf("%s: version %d, want %d", step, got, want)
	}
	return nil
}
