package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/es-engine/internal/infrastructure/store"
)

// Delete soft deletes agg by committing the delete marker through the save
// path. With PermanentlyDelete it instead erases an aggregate that is already
// soft deleted.
func (s *Store[T]) Delete(ctx context.Context, agg T, opts ...SaveOption) (deleted bool, err error) {
	var o saveOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.permanentlyDelete {
		return s.purge(ctx, agg)
	}

	b := agg.Aggregate()
	ctx, span := startSpan(ctx, "Delete", s.typ.Name(), b.ID())
	defer func() { endSpan(span, err) }()

	if b.IsLocked() {
		return false, s.newError(KindLocked, "delete", b.ID(), nil)
	}
	if b.IsDeleted() {
		return false, s.newError(KindAlreadyDeleted, "delete", b.ID(), nil)
	}
	if err := s.opts.feed.BeforeDelete(ctx, agg); err != nil {
		return false, fmt.Errorf("before delete %s: %w", b.ID(), err)
	}
	if err := b.MarkDeleted(); err != nil {
		return false, s.newError(classify(err), "delete", b.ID(), err)
	}

	o.skipValidation = true
	if _, err := s.save(ctx, agg, o); err != nil {
		return false, err
	}
	if err := s.opts.feed.AfterDelete(ctx, agg, false); err != nil {
		s.log.WarnContext(ctx, "after delete hook failed", aggLog(b), slog.Any("error", err))
	}
	return true, nil
}

// Restore commits the restore marker on a soft-deleted aggregate.
func (s *Store[T]) Restore(ctx context.Context, agg T, opts ...SaveOption) (restored bool, err error) {
	var o saveOptions
	for _, opt := range opts {
		opt(&o)
	}
	b := agg.Aggregate()
	ctx, span := startSpan(ctx, "Restore", s.typ.Name(), b.ID())
	defer func() { endSpan(span, err) }()

	if b.IsLocked() {
		return false, s.newError(KindLocked, "restore", b.ID(), nil)
	}
	if !b.IsDeleted() {
		return false, s.newError(KindNotDeleted, "restore", b.ID(), nil)
	}
	if err := b.MarkRestored(); err != nil {
		return false, s.newError(classify(err), "restore", b.ID(), err)
	}

	o.skipValidation = true
	o.permanentlyDelete = false
	if _, err := s.save(ctx, agg, o); err != nil {
		return false, err
	}
	return true, nil
}

// purge erases the overflow blobs of a soft-deleted aggregate, then every
// row, then locks the instance. Rows go last so a failed attempt still lists
// its blobs and can be retried with the same instance. It reports success
// only after every deletion succeeded.
func (s *Store[T]) purge(ctx context.Context, agg T) (purged bool, err error) {
	b := agg.Aggregate()
	ctx, span := startSpan(ctx, "PermanentDelete", s.typ.Name(), b.ID())
	defer func() { endSpan(span, err) }()

	fail := func(kind Kind, err error) (bool, error) {
		return false, s.newError(kind, "permanent_delete", b.ID(), err)
	}
	if b.IsLocked() {
		return fail(KindLocked, nil)
	}
	if !b.WasDeletedAtSave() || b.HasUnsavedEvents() {
		return fail(KindNotDeleted, errors.New("soft delete and save it first"))
	}

	pk := s.partitionKey(b.ID())
	row, err := s.driver.Get(ctx, pk, store.StreamRowKey)
	if errors.Is(err, store.ErrNotFound) {
		return fail(KindNotFound, nil)
	}
	if err != nil {
		return fail(KindCommitFailure, err)
	}
	if !row.Deleted {
		return fail(KindNotDeleted, errors.New("stored stream is not deleted"))
	}

	keys, err := s.blobKeys(ctx, pk)
	if err != nil {
		return fail(KindCommitFailure, err)
	}
	if len(keys) > 0 && s.opts.blobs == nil {
		return fail(KindCommitFailure, fmt.Errorf("%d overflow blobs but no blob store configured", len(keys)))
	}
	if err := s.opts.feed.BeforeDelete(ctx, agg); err != nil {
		return false, fmt.Errorf("before delete %s: %w", b.ID(), err)
	}

	var errs []error
	for _, key := range keys {
		if err := s.opts.blobs.Delete(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("delete blob %s: %w", key, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fail(KindCommitFailure, err)
	}
	if err := s.driver.DeleteAll(ctx, pk); err != nil {
		return fail(KindCommitFailure, err)
	}
	b.Lock()
	if s.states != nil {
		s.states.Delete(pk)
	}

	if err := s.opts.feed.AfterDelete(ctx, agg, true); err != nil {
		s.log.WarnContext(ctx, "after delete hook failed", aggLog(b), slog.Any("error", err))
	}
	s.log.InfoContext(ctx, "permanently deleted", aggLog(b), slog.Int("blobs", len(keys)))
	return true, nil
}

// blobKeys lists the overflow blobs referenced by the pointer rows of pk and
// by a claim left there.
func (s *Store[T]) blobKeys(ctx context.Context, pk string) ([]string, error) {
	var keys []string
	rec, err := s.driver.Get(ctx, pk, store.ClaimRowKey)
	switch {
	case err == nil:
		var c claim
		if err := json.Unmarshal(rec.Data, &c); err != nil {
			return nil, fmt.Errorf("decode claim of %s: %w", pk, err)
		}
		keys = append(keys, c.Blobs...)
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	q := store.Query{PartitionKey: pk, Kind: store.KindPointer, Limit: s.opts.pageSize}
	for {
		page, err := s.driver.Query(ctx, q)
		if err != nil {
			return nil, err
		}
		for _, rec := range page.Records {
			key, err := pointerKey(rec)
			if err != nil {
				return nil, err
			}
			keys = append(keys, key)
		}
		if page.ContinuationToken == "" {
			return keys, nil
		}
		q.ContinuationToken = page.ContinuationToken
	}
}
