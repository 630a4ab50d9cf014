package eventstore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/es-engine/internal/domain/aggregate"
	"github.com/example/es-engine/internal/domain/cart"
	"github.com/example/es-engine/internal/infrastructure/store"
)

type recordingFeed struct {
	mu           sync.Mutex
	calls        []string
	commits      []Commit
	beforeSave   error
	afterSave    error
	beforeDelete error
}

func (f *recordingFeed) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *recordingFeed) BeforeSave(_ context.Context, _ aggregate.Root, isNew bool) error {
	if isNew {
		f.record("before_save:new")
	} else {
		f.record("before_save")
	}
	return f.beforeSave
}

func (f *recordingFeed) AfterSave(_ context.Context, _ aggregate.Root, commit Commit) error {
	f.record("after_save")
	f.mu.Lock()
	f.commits = append(f.commits, commit)
	f.mu.Unlock()
	return f.afterSave
}

func (f *recordingFeed) BeforeDelete(context.Context, aggregate.Root) error {
	f.record("before_delete")
	return f.beforeDelete
}

func (f *recordingFeed) AfterDelete(_ context.Context, _ aggregate.Root, permanent bool) error {
	if permanent {
		f.record("after_delete:permanent")
	} else {
		f.record("after_delete")
	}
	return nil
}

// ============================================
// Change Feed Hook Tests
// ============================================

func TestHooks_Lifecycle(t *testing.T) {
	feed := &recordingFeed{}
	env := newTestStore(t, store.Limits{}, WithChangeFeed(feed))
	ctx := context.Background()

	c := newOpenCart(t, env.store, "c1", "p1")
	_, err := env.store.Save(ctx, c)
	require.NoError(t, err)
	_, err = env.store.Save(ctx, c) // nothing to save, no hooks
	require.NoError(t, err)
	_, err = env.store.Delete(ctx, c)
	require.NoError(t, err)
	_, err = env.store.Delete(ctx, c, PermanentlyDelete())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"before_save:new", "after_save",
		"before_delete", "before_save", "after_save", "after_delete",
		"before_delete", "after_delete:permanent",
	}, feed.calls)

	require.Len(t, feed.commits, 2)
	first := feed.commits[0]
	assert.True(t, first.IsNew)
	assert.Zero(t, first.PreviousVersion)
	assert.Len(t, first.Events, 2)
	second := feed.commits[1]
	assert.False(t, second.IsNew)
	assert.Equal(t, int64(2), second.PreviousVersion)
	require.Len(t, second.Events, 1)
	assert.Equal(t, aggregate.AggregateDeletedEvent{}, second.Events[0].Payload)
}

func TestHooks_BeforeSaveVetoes(t *testing.T) {
	feed := &recordingFeed{beforeSave: errors.New("quota exceeded")}
	env := newTestStore(t, store.Limits{}, WithChangeFeed(feed))
	c := newOpenCart(t, env.store, "c1")

	_, err := env.store.Save(context.Background(), c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
	assert.Equal(t, 0, env.driver.WriteCount())
	assert.True(t, c.HasUnsavedEvents())
}

func TestHooks_BeforeDeleteVetoes(t *testing.T) {
	feed := &recordingFeed{}
	env := newTestStore(t, store.Limits{}, WithChangeFeed(feed))
	ctx := context.Background()
	c := newOpenCart(t, env.store, "c1")
	_, err := env.store.Save(ctx, c)
	require.NoError(t, err)

	feed.beforeDelete = errors.New("legal hold")
	_, err = env.store.Delete(ctx, c)
	require.Error(t, err)
	assert.False(t, c.IsDeleted())
	assert.False(t, c.HasUnsavedEvents())
}

func TestHooks_AfterSaveErrorIsTolerated(t *testing.T) {
	feed := &recordingFeed{afterSave: errors.New("broker down")}
	env := newTestStore(t, store.Limits{}, WithChangeFeed(feed))
	c := newOpenCart(t, env.store, "c1")

	res, err := env.store.Save(context.Background(), c)
	require.NoError(t, err)
	assert.True(t, res.Saved)
	assert.Equal(t, int64(1), c.SavedVersion())
}

func TestChangeFeeds_FanOut(t *testing.T) {
	a := &recordingFeed{afterSave: errors.New("a failed")}
	b := &recordingFeed{beforeSave: errors.New("b vetoed"), afterSave: errors.New("b failed")}
	c := &recordingFeed{}
	feed := ChangeFeeds(a, b, c)
	ctx := context.Background()
	agg := cart.Type.New()

	err := feed.BeforeSave(ctx, agg, true)
	assert.EqualError(t, err, "b vetoed")
	assert.Empty(t, c.calls)

	err = feed.AfterSave(ctx, agg, Commit{})
	assert.ErrorContains(t, err, "a failed")
	assert.ErrorContains(t, err, "b failed")
	assert.Equal(t, []string{"after_save"}, c.calls)

	assert.NoError(t, feed.AfterDelete(ctx, agg, false))
}

// ============================================
// Change Message Tests
// ============================================

func TestChanges(t *testing.T) {
	c := cart.Type.NewWithID("c1")
	require.NoError(t, c.Open("u1"))
	require.NoError(t, c.MarkDeleted())
	require.NoError(t, c.MarkRestored())
	require.NoError(t, c.AddItem("p1", 2, 10))

	changes, err := Changes(c, Commit{Events: c.UnsavedEvents()})
	require.NoError(t, err)
	require.Len(t, changes, 4)

	var deleted []bool
	for i, ch := range changes {
		assert.Equal(t, cart.AggregateType, ch.AggregateType)
		assert.Equal(t, "c1", ch.AggregateID)
		assert.Equal(t, int64(i+1), ch.Version)
		assert.Equal(t, "Cart/c1", ch.Key())
		deleted = append(deleted, ch.Deleted)
	}
	assert.Equal(t, []bool{false, true, false, false}, deleted)
	assert.Equal(t, cart.EventItemAdded, changes[3].EventType)
	assert.JSONEq(t, `{"product_id":"p1","quantity":2,"price":10}`, string(changes[3].Payload))
}

func TestChanges_StartsFromPreviousDeletedState(t *testing.T) {
	c := cart.Type.NewWithID("c1")
	require.NoError(t, c.Open("u1"))
	require.NoError(t, c.MarkDeleted())
	c.MarkCommitted(2, "etag")
	require.NoError(t, c.MarkRestored())

	changes, err := Changes(c, Commit{PreviousVersion: 2, PreviousDeleted: true, Events: c.UnsavedEvents()})
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.False(t, changes[0].Deleted)
	assert.Equal(t, int64(3), changes[0].Version)
}

func TestPurgeChange(t *testing.T) {
	c := cart.Type.NewWithID("c1")
	require.NoError(t, c.Open("u1"))

	ch := PurgeChange(c, c.Updated())
	assert.True(t, ch.Purged)
	assert.True(t, ch.Deleted)
	assert.Equal(t, int64(1), ch.Version)
	assert.Empty(t, ch.Payload)
}
