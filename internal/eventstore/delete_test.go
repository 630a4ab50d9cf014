package eventstore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/es-engine/internal/domain/cart"
	"github.com/example/es-engine/internal/infrastructure/store"
)

// ============================================
// Soft Delete Tests
// ============================================

func TestDelete_RestoreLifecycle(t *testing.T) {
	env := newTestStore(t, store.Limits{})
	ctx := context.Background()

	c := newOpenCart(t, env.store, "c1", "p1", "p2")
	res, err := env.store.Save(ctx, c)
	require.NoError(t, err)
	require.Equal(t, int64(3), res.Version)

	loaded, err := env.store.Get(ctx, "c1")
	require.NoError(t, err)
	deleted, err := env.store.Delete(ctx, loaded)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.True(t, loaded.IsDeleted())
	assert.Equal(t, int64(4), loaded.SavedVersion())

	got, err := env.store.GetDeleted(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, got.IsDeleted())
	assert.Equal(t, int64(4), got.SavedVersion())
	assert.Len(t, got.Items, 2)

	restored, err := env.store.Restore(ctx, got)
	require.NoError(t, err)
	assert.True(t, restored)
	assert.False(t, got.IsDeleted())
	assert.Equal(t, int64(5), got.SavedVersion())

	again, err := env.store.Get(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, again.IsDeleted())
	assert.Equal(t, int64(5), again.CurrentVersion())
}

func TestDelete_ReadModes(t *testing.T) {
	env := newTestStore(t, store.Limits{})
	ctx := context.Background()
	c := newOpenCart(t, env.store, "c1")
	_, err := env.store.Save(ctx, c)
	require.NoError(t, err)
	_, err = env.store.Delete(ctx, c)
	require.NoError(t, err)

	tests := []struct {
		name    string
		mode    DeletedMode
		wantErr error
	}{
		{name: "as not found", mode: DeletedAsNotFound, wantErr: ErrNotFound},
		{name: "as error", mode: DeletedAsError, wantErr: ErrAlreadyDeleted},
		{name: "included", mode: IncludeDeleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := env.store.Get(ctx, "c1", WithDeleted(tt.mode))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.True(t, got.IsDeleted())
		})
	}

	_, err = env.store.Get(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotFound)

	s := MustNew[*cart.Cart](env.reg, cart.AggregateType, env.driver, WithLogger(newTestLogger()), WithDeletedMode(IncludeDeleted))
	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, got.IsDeleted())
}

func TestDelete_Errors(t *testing.T) {
	env := newTestStore(t, store.Limits{})
	ctx := context.Background()
	c := newOpenCart(t, env.store, "c1")
	_, err := env.store.Save(ctx, c)
	require.NoError(t, err)

	_, err = env.store.Restore(ctx, c)
	assert.ErrorIs(t, err, ErrNotDeleted)

	_, err = env.store.GetDeleted(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotDeleted)

	_, err = env.store.Delete(ctx, c)
	require.NoError(t, err)
	_, err = env.store.Delete(ctx, c)
	assert.ErrorIs(t, err, ErrAlreadyDeleted)

	historical, err := env.store.GetAt(ctx, "c1", 1)
	require.NoError(t, err)
	_, err = env.store.Delete(ctx, historical)
	assert.ErrorIs(t, err, ErrLocked)
}

func TestDelete_SkipsValidation(t *testing.T) {
	env := newTestStore(t, store.Limits{})
	ctx := context.Background()
	c := newOpenCart(t, env.store, "c1")
	_, err := env.store.Save(ctx, c)
	require.NoError(t, err)

	c.UserID = "" // state that would fail validation
	deleted, err := env.store.Delete(ctx, c)
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestDelete_ConcurrencyConflict(t *testing.T) {
	env := newTestStore(t, store.Limits{})
	ctx := context.Background()
	_, err := env.store.Save(ctx, newOpenCart(t, env.store, "c1"))
	require.NoError(t, err)

	stale, err := env.store.Get(ctx, "c1")
	require.NoError(t, err)
	fresh, err := env.store.Get(ctx, "c1")
	require.NoError(t, err)
	require.NoError(t, fresh.AddItem("p1", 1, 1))
	_, err = env.store.Save(ctx, fresh)
	require.NoError(t, err)

	_, err = env.store.Delete(ctx, stale)
	assert.ErrorIs(t, err, ErrConcurrencyConflict)

	st, err := env.store.Exists(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, StatusExists, st)
}

// ============================================
// Permanent Delete Tests
// ============================================

func TestPermanentDelete_RemovesEverything(t *testing.T) {
	env := newTestStore(t, store.Limits{MaxPayloadBytes: 2048}, WithSnapshotPolicy(EveryN(2)))
	ctx := context.Background()

	c := newOpenCart(t, env.store, "c1", "p1")
	require.NoError(t, c.SetNote(strings.Repeat("long note ", 500)))
	_, err := env.store.Save(ctx, c, WithIdempotencyID("req-1"))
	require.NoError(t, err)
	require.Len(t, env.blobs.Keys(), 1)

	_, err = env.store.Save(ctx, newOpenCart(t, env.store, "other"))
	require.NoError(t, err)

	_, err = env.store.Delete(ctx, c)
	require.NoError(t, err)

	purged, err := env.store.Delete(ctx, c, PermanentlyDelete())
	require.NoError(t, err)
	assert.True(t, purged)
	assert.True(t, c.IsLocked())

	st, err := env.store.Exists(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, st)
	_, err = env.store.GetDeleted(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotFound)

	for _, prefix := range []string{store.EventRowPrefix, store.SnapshotRowPrefix, store.IdempotencyPrefix, store.StreamRowKey} {
		assert.Empty(t, env.rows(t, "c1", prefix), prefix)
	}
	assert.Empty(t, env.blobs.Keys())
	assert.Equal(t, []string{store.PartitionKey(cart.AggregateType, "c1")}, env.driver.DeleteAllCalls)

	other, err := env.store.Exists(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, StatusExists, other)
}

func TestPermanentDelete_ThroughSave(t *testing.T) {
	env := newTestStore(t, store.Limits{})
	ctx := context.Background()
	c := newOpenCart(t, env.store, "c1")
	_, err := env.store.Save(ctx, c)
	require.NoError(t, err)
	_, err = env.store.Delete(ctx, c)
	require.NoError(t, err)

	res, err := env.store.Save(ctx, c, PermanentlyDelete())
	require.NoError(t, err)
	assert.True(t, res.Saved)

	mem, ok := env.driver.Inner().(*store.MemoryDriver)
	require.True(t, ok)
	assert.Zero(t, mem.Len())
}

func TestPermanentDelete_RequiresSoftDelete(t *testing.T) {
	env := newTestStore(t, store.Limits{})
	ctx := context.Background()
	c := newOpenCart(t, env.store, "c1")
	_, err := env.store.Save(ctx, c)
	require.NoError(t, err)

	_, err = env.store.Delete(ctx, c, PermanentlyDelete())
	assert.ErrorIs(t, err, ErrNotDeleted)

	// deleted in memory but not yet saved
	require.NoError(t, c.MarkDeleted())
	_, err = env.store.Delete(ctx, c, PermanentlyDelete())
	assert.ErrorIs(t, err, ErrNotDeleted)

	assert.Empty(t, env.driver.DeleteAllCalls)
	assert.False(t, c.IsLocked())
}

func TestPermanentDelete_BackendFailure(t *testing.T) {
	env := newTestStore(t, store.Limits{})
	ctx := context.Background()
	c := newOpenCart(t, env.store, "c1")
	_, err := env.store.Save(ctx, c)
	require.NoError(t, err)
	_, err = env.store.Delete(ctx, c)
	require.NoError(t, err)

	env.driver.DeleteAllErr = errors.New("unavailable")
	purged, err := env.store.Delete(ctx, c, PermanentlyDelete())
	assert.False(t, purged)
	assert.ErrorIs(t, err, ErrCommitFailure)
}

// flakyBlobStore fails the first failures deletes.
type flakyBlobStore struct {
	store.BlobStore
	mu       sync.Mutex
	failures int
}

func (f *flakyBlobStore) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return errors.New("blob store unavailable")
	}
	return f.BlobStore.Delete(ctx, key)
}

func TestPermanentDelete_BlobFailureKeepsRowsForRetry(t *testing.T) {
	flaky := &flakyBlobStore{failures: 1}
	env := newTestStore(t, store.Limits{MaxPayloadBytes: 2048}, WithBlobStore(flaky))
	flaky.BlobStore = env.blobs
	ctx := context.Background()

	c := newOpenCart(t, env.store, "c1")
	require.NoError(t, c.SetNote(strings.Repeat("first note ", 500)))
	require.NoError(t, c.SetNote(strings.Repeat("second note ", 500)))
	_, err := env.store.Save(ctx, c)
	require.NoError(t, err)
	require.Len(t, env.blobs.Keys(), 2)
	_, err = env.store.Delete(ctx, c)
	require.NoError(t, err)

	purged, err := env.store.Delete(ctx, c, PermanentlyDelete())
	require.ErrorIs(t, err, ErrCommitFailure)
	assert.False(t, purged)
	assert.False(t, c.IsLocked())
	assert.Empty(t, env.driver.DeleteAllCalls)
	assert.Len(t, env.rows(t, "c1", store.EventRowPrefix), 4)
	st, err := env.store.Exists(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, StatusDeleted, st)

	purged, err = env.store.Delete(ctx, c, PermanentlyDelete())
	require.NoError(t, err)
	assert.True(t, purged)
	assert.True(t, c.IsLocked())
	assert.Empty(t, env.blobs.Keys())
	st, err = env.store.Exists(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, st)
}
