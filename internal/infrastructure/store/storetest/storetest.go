// Package storetest holds the behaviour every store.Driver and
// store.BlobStore implementation must share.
package storetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/example/es-engine/internal/infrastructure/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ts = time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.UTC)

// NewRecord builds a record in the Cart partition of id.
func NewRecord(id, rowKey string, kind store.Kind, version int64) store.Record {
	return store.Record{
		PartitionKey:  store.PartitionKey("Cart", id),
		RowKey:        rowKey,
		Kind:          kind,
		AggregateType: "Cart",
		AggregateID:   id,
		Version:       version,
		Timestamp:     ts,
		Data:          []byte(fmt.Sprintf(`{"v":%d}`, version)),
	}
}

func event(id string, v int64) store.Record {
	r := NewRecord(id, store.EventRowKey(v), store.KindEvent, v)
	r.EventType = "ItemAddedToCartEvent"
	return r
}

func stream(id string, v int64) store.Record {
	return NewRecord(id, store.StreamRowKey, store.KindStream, v)
}

// Run executes the driver contract against fresh drivers from newDriver.
func Run(t *testing.T, newDriver func(t *testing.T) store.Driver) {
	t.Helper()
	ctx := context.Background()

	t.Run("GetMissing", func(t *testing.T) {
		d := newDriver(t)
		_, err := d.Get(ctx, store.PartitionKey("Cart", "nope"), store.StreamRowKey)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("RoundTrip", func(t *testing.T) {
		d := newDriver(t)
		rec := event("a", 1)
		rec.IdempotencyID = "idem-1"
		rec.ETag = "etag-1"
		rec.Deleted = true
		require.NoError(t, d.AtomicBatch(ctx, rec.PartitionKey, []store.Write{store.Put(rec)}))

		got, err := d.Get(ctx, rec.PartitionKey, rec.RowKey)
		require.NoError(t, err)
		AssertRecordEqual(t, rec, got)
	})

	t.Run("ConditionalWrite", func(t *testing.T) {
		d := newDriver(t)
		pk := store.PartitionKey("Cart", "a")

		require.NoError(t, d.ConditionalWrite(ctx, pk, stream("a", 3), 0))
		assert.ErrorIs(t, d.ConditionalWrite(ctx, pk, stream("a", 4), 0), store.ErrVersionConflict)
		assert.ErrorIs(t, d.ConditionalWrite(ctx, pk, stream("a", 4), 2), store.ErrVersionConflict)
		require.NoError(t, d.ConditionalWrite(ctx, pk, stream("a", 4), 3))
		require.NoError(t, d.ConditionalWrite(ctx, pk, stream("a", 9), store.AnyVersion))

		got, err := d.Get(ctx, pk, store.StreamRowKey)
		require.NoError(t, err)
		assert.Equal(t, int64(9), got.Version)
	})

	t.Run("ConditionalWriteMissingRow", func(t *testing.T) {
		d := newDriver(t)
		pk := store.PartitionKey("Cart", "a")
		assert.ErrorIs(t, d.ConditionalWrite(ctx, pk, stream("a", 2), 1), store.ErrVersionConflict)
	})

	t.Run("AtomicBatchAllOrNothing", func(t *testing.T) {
		d := newDriver(t)
		pk := store.PartitionKey("Cart", "a")
		require.NoError(t, d.ConditionalWrite(ctx, pk, event("a", 2), 0))

		err := d.AtomicBatch(ctx, pk, []store.Write{
			store.PutIfAbsent(event("a", 1)),
			store.PutIfAbsent(event("a", 2)),
			store.PutIfVersion(stream("a", 2), 0),
		})

		require.Error(t, err)
		assert.ErrorIs(t, err, store.ErrVersionConflict)
		assert.Equal(t, 1, store.FailedIndex(err))
		_, err = d.Get(ctx, pk, store.EventRowKey(1))
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = d.Get(ctx, pk, store.StreamRowKey)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("AtomicBatchVersionCondition", func(t *testing.T) {
		d := newDriver(t)
		pk := store.PartitionKey("Cart", "a")
		require.NoError(t, d.AtomicBatch(ctx, pk, []store.Write{
			store.PutIfAbsent(event("a", 1)),
			store.PutIfVersion(stream("a", 1), 0),
		}))

		err := d.AtomicBatch(ctx, pk, []store.Write{
			store.PutIfAbsent(event("a", 2)),
			store.PutIfVersion(stream("a", 2), 5),
		})
		assert.ErrorIs(t, err, store.ErrVersionConflict)
		assert.Equal(t, 1, store.FailedIndex(err))

		require.NoError(t, d.AtomicBatch(ctx, pk, []store.Write{
			store.PutIfAbsent(event("a", 2)),
			store.PutIfVersion(stream("a", 2), 1),
		}))
		got, err := d.Get(ctx, pk, store.StreamRowKey)
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)
	})

	t.Run("AtomicBatchDelete", func(t *testing.T) {
		d := newDriver(t)
		pk := store.PartitionKey("Cart", "a")
		require.NoError(t, d.AtomicBatch(ctx, pk, []store.Write{store.Put(event("a", 1)), store.Put(event("a", 2))}))

		require.NoError(t, d.AtomicBatch(ctx, pk, []store.Write{store.DeleteRow(pk, store.EventRowKey(1))}))

		_, err := d.Get(ctx, pk, store.EventRowKey(1))
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = d.Get(ctx, pk, store.EventRowKey(2))
		assert.NoError(t, err)
	})

	t.Run("AtomicBatchETagCondition", func(t *testing.T) {
		d := newDriver(t)
		pk := store.PartitionKey("Cart", "a")
		rec := event("a", 1)
		rec.ETag = "etag-1"
		require.NoError(t, d.AtomicBatch(ctx, pk, []store.Write{store.Put(rec)}))

		err := d.AtomicBatch(ctx, pk, []store.Write{store.DeleteIfETag(pk, rec.RowKey, "etag-2")})
		assert.ErrorIs(t, err, store.ErrVersionConflict)
		assert.Equal(t, 0, store.FailedIndex(err))
		err = d.AtomicBatch(ctx, pk, []store.Write{store.DeleteIfETag(pk, store.EventRowKey(9), "etag-1")})
		assert.ErrorIs(t, err, store.ErrVersionConflict)
		_, err = d.Get(ctx, pk, rec.RowKey)
		require.NoError(t, err)

		require.NoError(t, d.AtomicBatch(ctx, pk, []store.Write{store.DeleteIfETag(pk, rec.RowKey, "etag-1")}))
		_, err = d.Get(ctx, pk, rec.RowKey)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("PartitionKeyMismatch", func(t *testing.T) {
		d := newDriver(t)
		pk := store.PartitionKey("Cart", "a")

		err := d.AtomicBatch(ctx, pk, []store.Write{store.Put(event("a", 1)), store.Put(event("b", 1))})

		assert.ErrorIs(t, err, store.ErrPartitionKeyMismatch)
		assert.Equal(t, 1, store.FailedIndex(err))
		_, err = d.Get(ctx, pk, store.EventRowKey(1))
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.ErrorIs(t, d.ConditionalWrite(ctx, pk, event("b", 1), 0), store.ErrPartitionKeyMismatch)
	})

	t.Run("BatchTooLarge", func(t *testing.T) {
		d := newDriver(t)
		pk := store.PartitionKey("Cart", "a")
		n := d.Limits().MaxBatchItems + 1
		writes := make([]store.Write, 0, n)
		for v := 1; v <= n; v++ {
			writes = append(writes, store.Put(event("a", int64(v))))
		}

		assert.ErrorIs(t, d.AtomicBatch(ctx, pk, writes), store.ErrBatchTooLarge)
		page, err := d.Query(ctx, store.Query{PartitionKey: pk})
		require.NoError(t, err)
		assert.Empty(t, page.Records)
	})

	t.Run("PayloadTooLarge", func(t *testing.T) {
		d := newDriver(t)
		rec := event("a", 1)
		rec.Data = bytes.Repeat([]byte("x"), d.Limits().MaxPayloadBytes+1)

		assert.ErrorIs(t, d.AtomicBatch(ctx, rec.PartitionKey, []store.Write{store.Put(rec)}), store.ErrPayloadTooLarge)
		assert.ErrorIs(t, d.ConditionalWrite(ctx, rec.PartitionKey, rec, 0), store.ErrPayloadTooLarge)
	})

	t.Run("QueryPartition", func(t *testing.T) {
		d := newDriver(t)
		pk := seedPartition(t, d, "a", 5)
		seedPartition(t, d, "b", 2)

		page, err := d.Query(ctx, store.Query{PartitionKey: pk, RowKeyPrefix: store.EventRowPrefix})
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2, 3, 4, 5}, versions(page.Records))
		assert.Empty(t, page.ContinuationToken)

		page, err = d.Query(ctx, store.Query{PartitionKey: pk, FromRowKey: store.EventRowKey(2), ToRowKey: store.EventRowKey(4)})
		require.NoError(t, err)
		assert.Equal(t, []int64{2, 3, 4}, versions(page.Records))

		page, err = d.Query(ctx, store.Query{PartitionKey: pk, RowKeyPrefix: store.EventRowPrefix, Descending: true})
		require.NoError(t, err)
		assert.Equal(t, []int64{5, 4, 3, 2, 1}, versions(page.Records))

		page, err = d.Query(ctx, store.Query{PartitionKey: pk, Kind: store.KindStream})
		require.NoError(t, err)
		require.Len(t, page.Records, 1)
		assert.Equal(t, store.StreamRowKey, page.Records[0].RowKey)
	})

	t.Run("QueryPagination", func(t *testing.T) {
		d := newDriver(t)
		pk := seedPartition(t, d, "a", 7)

		for _, desc := range []bool{false, true} {
			q := store.Query{PartitionKey: pk, RowKeyPrefix: store.EventRowPrefix, Limit: 3, Descending: desc}
			all := Drain(t, d, q)
			assert.Len(t, all, 7)
			want := []int64{1, 2, 3, 4, 5, 6, 7}
			if desc {
				want = []int64{7, 6, 5, 4, 3, 2, 1}
			}
			assert.Equal(t, want, versions(all))
		}
	})

	t.Run("QueryPredicate", func(t *testing.T) {
		d := newDriver(t)
		pk := seedPartition(t, d, "a", 6)

		all := Drain(t, d, store.Query{
			PartitionKey: pk,
			Kind:         store.KindEvent,
			Predicate:    func(r store.Record) bool { return r.Version%2 == 0 },
			Limit:        2,
		})
		assert.Equal(t, []int64{2, 4, 6}, versions(all))
	})

	t.Run("QueryAcrossPartitions", func(t *testing.T) {
		d := newDriver(t)
		for _, id := range []string{"c", "a", "b"} {
			seedPartition(t, d, id, 1)
		}
		other := NewRecord("z", store.StreamRowKey, store.KindStream, 1)
		other.AggregateType = "Order"
		other.PartitionKey = store.PartitionKey("Order", "z")
		require.NoError(t, d.ConditionalWrite(ctx, other.PartitionKey, other, 0))

		all := Drain(t, d, store.Query{Kind: store.KindStream, AggregateType: "Cart", Limit: 2})
		ids := make([]string, 0, len(all))
		for _, r := range all {
			ids = append(ids, r.AggregateID)
		}
		assert.ElementsMatch(t, []string{"a", "b", "c"}, ids)
	})

	t.Run("InvalidToken", func(t *testing.T) {
		d := newDriver(t)
		_, err := d.Query(ctx, store.Query{PartitionKey: "Cart/a", ContinuationToken: "%%%"})
		assert.ErrorIs(t, err, store.ErrInvalidToken)
	})

	t.Run("Delete", func(t *testing.T) {
		d := newDriver(t)
		pk := seedPartition(t, d, "a", 2)

		require.NoError(t, d.Delete(ctx, pk, store.EventRowKey(1)))
		require.NoError(t, d.Delete(ctx, pk, store.EventRowKey(1)))

		_, err := d.Get(ctx, pk, store.EventRowKey(1))
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("DeleteAll", func(t *testing.T) {
		d := newDriver(t)
		pk := seedPartition(t, d, "a", 30)
		other := seedPartition(t, d, "b", 1)

		require.NoError(t, d.DeleteAll(ctx, pk))
		require.NoError(t, d.DeleteAll(ctx, pk))

		page, err := d.Query(ctx, store.Query{PartitionKey: pk})
		require.NoError(t, err)
		assert.Empty(t, page.Records)
		page, err = d.Query(ctx, store.Query{PartitionKey: other})
		require.NoError(t, err)
		assert.Len(t, page.Records, 2)
	})
}

// seedPartition writes n events and the stream row for id.
func seedPartition(t *testing.T, d store.Driver, id string, n int) string {
	t.Helper()
	pk := store.PartitionKey("Cart", id)
	writes := make([]store.Write, 0, n+1)
	for v := 1; v <= n; v++ {
		writes = append(writes, store.PutIfAbsent(event(id, int64(v))))
	}
	writes = append(writes, store.PutIfVersion(stream(id, int64(n)), 0))
	require.NoError(t, d.AtomicBatch(context.Background(), pk, writes))
	return pk
}

// Drain follows continuation tokens until the last page.
func Drain(t *testing.T, d store.Driver, q store.Query) []store.Record {
	t.Helper()
	var all []store.Record
	for i := 0; ; i++ {
		require.Less(t, i, 1000, "pagination does not terminate")
		page, err := d.Query(context.Background(), q)
		require.NoError(t, err)
		if q.Limit > 0 {
			require.LessOrEqual(t, len(page.Records), q.Limit)
		}
		all = append(all, page.Records...)
		if page.ContinuationToken == "" {
			return all
		}
		q.ContinuationToken = page.ContinuationToken
	}
}

// AssertRecordEqual compares records with time equality instead of struct equality.
func AssertRecordEqual(t *testing.T, want, got store.Record) {
	t.Helper()
	assert.True(t, want.Timestamp.Equal(got.Timestamp), "timestamp %v != %v", want.Timestamp, got.Timestamp)
	want.Timestamp, got.Timestamp = time.Time{}, time.Time{}
	assert.Equal(t, want, got)
}

func versions(recs []store.Record) []int64 {
	out := make([]int64, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Version)
	}
	return out
}

// RunBlob executes the blob store contract.
func RunBlob(t *testing.T, newStore func(t *testing.T) store.BlobStore) {
	t.Helper()
	ctx := context.Background()

	t.Run("PutGet", func(t *testing.T) {
		s := newStore(t)
		data := bytes.Repeat([]byte{0, 1, 2, 255}, 4096)
		require.NoError(t, s.Put(ctx, "Cart/a/00000000000000000001", data))

		got, err := s.Get(ctx, "Cart/a/00000000000000000001")
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})

	t.Run("Overwrite", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, "k", []byte("one")))
		require.NoError(t, s.Put(ctx, "k", []byte("two")))

		got, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("two"), got)
	})

	t.Run("Missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, "missing")
		assert.True(t, errors.Is(err, store.ErrBlobNotFound), "got %v", err)
	})

	t.Run("Delete", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Put(ctx, "k", []byte("v")))
		require.NoError(t, s.Delete(ctx, "k"))
		require.NoError(t, s.Delete(ctx, "k"))

		_, err := s.Get(ctx, "k")
		assert.ErrorIs(t, err, store.ErrBlobNotFound)
	})
}
