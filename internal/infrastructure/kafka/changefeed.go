package kafka

import (
	"context"
	"time"

	"github.com/example/es-engine/internal/domain/aggregate"
	"github.com/example/es-engine/internal/eventstore"
)

// Publisher delivers change messages; *Producer is the production implementation.
type Publisher interface {
	PublishChanges(ctx context.Context, changes []eventstore.Change) error
}

// ChangeFeed publishes every committed event, and a purge marker for
// permanent deletes, once the store has made them durable.
type ChangeFeed struct {
	eventstore.NopChangeFeed
	publisher Publisher
	now       func() time.Time
}

var _ eventstore.ChangeFeed = (*ChangeFeed)(nil)

func NewChangeFeed(publisher Publisher) *ChangeFeed {
	return &ChangeFeed{publisher: publisher, now: func() time.Time { return time.Now().UTC() }}
}

func (f *ChangeFeed) AfterSave(ctx context.Context, agg aggregate.Root, commit eventstore.Commit) error {
	changes, err := eventstore.Changes(agg, commit)
	if err != nil {
		return err
	}
	return f.publisher.PublishChanges(ctx, changes)
}

func (f *ChangeFeed) AfterDelete(ctx context.Context, agg aggregate.Root, permanent bool) error {
	if !permanent {
		// the deletion event was published by AfterSave
		return nil
	}
	return f.publisher.PublishChanges(ctx, []eventstore.Change{eventstore.PurgeChange(agg, f.now())})
}
