package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/es-engine/internal/domain/aggregate"
)

// Commit describes the events made durable by one save.
type Commit struct {
	PreviousVersion int64
	PreviousDeleted bool
	IsNew           bool
	Events          []aggregate.Envelope
}

// ChangeFeed is notified around saves and deletes. Before hooks may veto the
// operation by returning an error; errors from after hooks are logged only.
// Save hooks run only when at least one event is committed.
type ChangeFeed interface {
	BeforeSave(ctx context.Context, agg aggregate.Root, isNew bool) error
	AfterSave(ctx context.Context, agg aggregate.Root, commit Commit) error
	BeforeDelete(ctx context.Context, agg aggregate.Root) error
	AfterDelete(ctx context.Context, agg aggregate.Root, permanent bool) error
}

// NopChangeFeed implements every hook as a no-op; embed it to override a few.
type NopChangeFeed struct{}

func (NopChangeFeed) BeforeSave(context.Context, aggregate.Root, bool) error  { return nil }
func (NopChangeFeed) AfterSave(context.Context, aggregate.Root, Commit) error { return nil }
func (NopChangeFeed) BeforeDelete(context.Context, aggregate.Root) error      { return nil }
func (NopChangeFeed) AfterDelete(context.Context, aggregate.Root, bool) error { return nil }

type feeds []ChangeFeed

// ChangeFeeds fans hooks out to every feed in order. A before hook stops at
// the first error; after hooks all run and their errors are joined.
func ChangeFeeds(fs ...ChangeFeed) ChangeFeed { return feeds(fs) }

func (fs feeds) BeforeSave(ctx context.Context, agg aggregate.Root, isNew bool) error {
	for _, f := range fs {
		if err := f.BeforeSave(ctx, agg, isNew); err != nil {
			return err
		}
	}
	return nil
}

func (fs feeds) AfterSave(ctx context.Context, agg aggregate.Root, commit Commit) error {
	var errs []error
	for _, f := range fs {
		errs = append(errs, f.AfterSave(ctx, agg, commit))
	}
	return errors.Join(errs...)
}

func (fs feeds) BeforeDelete(ctx context.Context, agg aggregate.Root) error {
	for _, f := range fs {
		if err := f.BeforeDelete(ctx, agg); err != nil {
			return err
		}
	}
	return nil
}

func (fs feeds) AfterDelete(ctx context.Context, agg aggregate.Root, permanent bool) error {
	var errs []error
	for _, f := range fs {
		errs = append(errs, f.AfterDelete(ctx, agg, permanent))
	}
	return errors.Join(errs...)
}

// Change is the message published for every committed event, and once more
// with Purged set when an aggregate is permanently deleted.
type Change struct {
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Version       int64           `json:"version"`
	EventType     string          `json:"event_type,omitempty"`
	IdempotencyID string          `json:"idempotency_id,omitempty"`
	When          time.Time       `json:"when"`
	Deleted       bool            `json:"deleted"`
	Purged        bool            `json:"purged,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Key orders changes of one aggregate onto one partition of a log.
func (c Change) Key() string {
	return c.AggregateType + "/" + c.AggregateID
}

// Changes builds the messages for a commit. Deleted reflects the state after
// each event.
func Changes(agg aggregate.Root, commit Commit) ([]Change, error) {
	b := agg.Aggregate()
	deleted := commit.PreviousDeleted
	out := make([]Change, 0, len(commit.Events))
	for _, env := range commit.Events {
		switch env.Payload.(type) {
		case aggregate.AggregateDeletedEvent:
			deleted = true
		case aggregate.AggregateRestoredEvent:
			deleted = false
		}
		payload, err := json.Marshal(env.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode change %s v%d: %w", env.EventType, env.AggregateVersion, err)
		}
		out = append(out, Change{
			AggregateType: b.AggregateType(),
			AggregateID:   b.ID(),
			Version:       env.AggregateVersion,
			EventType:     env.EventType,
			IdempotencyID: env.IdempotencyID,
			When:          env.When,
			Deleted:       deleted,
			Payload:       payload,
		})
	}
	return out, nil
}

// PurgeChange is the message for a permanent delete.
func PurgeChange(agg aggregate.Root, when time.Time) Change {
	b := agg.Aggregate()
	return Change{
		AggregateType: b.AggregateType(),
		AggregateID:   b.ID(),
		Version:       b.CurrentVersion(),
		When:          when,
		Deleted:       true,
		Purged:        true,
	}
}
