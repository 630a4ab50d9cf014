package store_test

import (
	"context"
	"testing"

	"github.com/example/es-engine/internal/infrastructure/store"
	"github.com/example/es-engine/internal/infrastructure/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDriver_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Driver {
		return store.NewMemoryDriver(store.Limits{MaxBatchItems: 50, MaxPayloadBytes: 4096})
	})
}

func TestMemoryDriver_Defaults(t *testing.T) {
	d := store.NewMemoryDriver(store.Limits{})
	assert.Equal(t, store.Limits{MaxBatchItems: store.DefaultMaxBatchItems, MaxPayloadBytes: store.DefaultMaxPayloadBytes}, d.Limits())
}

func TestMemoryDriver_ReturnsCopies(t *testing.T) {
	d := store.NewMemoryDriver(store.Limits{})
	ctx := context.Background()
	rec := storetest.NewRecord("a", store.EventRowKey(1), store.KindEvent, 1)
	require.NoError(t, d.ConditionalWrite(ctx, rec.PartitionKey, rec, 0))

	got, err := d.Get(ctx, rec.PartitionKey, rec.RowKey)
	require.NoError(t, err)
	got.Data[0] = 'X'

	again, err := d.Get(ctx, rec.PartitionKey, rec.RowKey)
	require.NoError(t, err)
	assert.Equal(t, rec.Data, again.Data)
	assert.Equal(t, 1, d.Len())
}

func TestMemoryDriver_CancelledContext(t *testing.T) {
	d := store.NewMemoryDriver(store.Limits{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := storetest.NewRecord("a", store.StreamRowKey, store.KindStream, 1)
	assert.ErrorIs(t, d.ConditionalWrite(ctx, rec.PartitionKey, rec, 0), context.Canceled)
	assert.ErrorIs(t, d.AtomicBatch(ctx, rec.PartitionKey, []store.Write{store.Put(rec)}), context.Canceled)
	assert.Equal(t, 0, d.Len())
}

func TestMemoryBlobStore_Contract(t *testing.T) {
	storetest.RunBlob(t, func(t *testing.T) store.BlobStore {
		return store.NewMemoryBlobStore()
	})
}

func TestBlobKey(t *testing.T) {
	assert.Equal(t, "Cart/a/00000000000000000012", store.BlobKey("Cart/a", 12))
}

func TestRowKeysSortNumerically(t *testing.T) {
	assert.Less(t, store.EventRowKey(9), store.EventRowKey(10))
	assert.Less(t, store.SnapshotRowKey(99), store.SnapshotRowKey(100))
	assert.Equal(t, "idem/x", store.IdempotencyRowKey("x"))

	typ, id, ok := store.SplitPartitionKey(store.PartitionKey("Cart", "a/b"))
	require.True(t, ok)
	assert.Equal(t, "Cart", typ)
	assert.Equal(t, "a/b", id)
}

func TestPutIfVersion(t *testing.T) {
	rec := storetest.NewRecord("a", store.StreamRowKey, store.KindStream, 1)

	assert.Equal(t, store.CondMustNotExist, store.PutIfVersion(rec, 0).Condition)
	w := store.PutIfVersion(rec, 3)
	assert.Equal(t, store.CondVersionEquals, w.Condition)
	assert.Equal(t, int64(3), w.ExpectedVersion)
}
