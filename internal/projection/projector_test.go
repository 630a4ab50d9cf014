package projection

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/es-engine/internal/domain/cart"
	"github.com/example/es-engine/internal/eventstore"
	"github.com/example/es-engine/internal/infrastructure/store/mocks"
	"github.com/example/es-engine/internal/readmodel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestProjector() (*Projector, *mocks.MockReadStore) {
	readStore := mocks.NewMockReadStore()
	projector := NewProjector(readStore, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return projector, readStore
}

func makeChange(version int64, eventType string, data any) eventstore.Change {
	payload, _ := json.Marshal(data)
	return eventstore.Change{
		AggregateType: cart.AggregateType,
		AggregateID:   "c1",
		Version:       version,
		EventType:     eventType,
		When:          testTime.Add(time.Duration(version) * time.Second),
		Payload:       payload,
	}
}

func makeMessage(ch eventstore.Change) []byte {
	value, _ := json.Marshal(ch)
	return value
}

// ============================================
// Stream Index Tests
// ============================================

func TestProjector_IndexesStreams(t *testing.T) {
	projector, readStore := newTestProjector()
	ctx := context.Background()

	require.NoError(t, projector.HandleEvent(ctx, []byte("Cart/c1"), makeMessage(makeChange(1, cart.EventCartOpened, cart.CartOpened{UserID: "u1"}))))
	require.NoError(t, projector.HandleEvent(ctx, []byte("Cart/c1"), makeMessage(makeChange(2, cart.EventItemAdded, cart.ItemAddedToCart{ProductID: "p1", Quantity: 2, Price: 100}))))

	var entry readmodel.StreamReadModel
	require.True(t, readStore.GetData(CollectionStreams, "Cart/c1", &entry))
	assert.Equal(t, int64(2), entry.Version)
	assert.Equal(t, 2, entry.EventCount)
	assert.Equal(t, cart.EventItemAdded, entry.LastEventType)
	assert.Equal(t, "c1", entry.AggregateID)
	assert.False(t, entry.Deleted)
	assert.True(t, testTime.Add(2*time.Second).Equal(entry.UpdatedAt))

	streams, err := projector.Streams(ctx)
	require.NoError(t, err)
	require.Len(t, streams, 1)
	assert.Equal(t, "Cart/c1", streams[0].Key)
}

func TestProjector_IgnoresRedelivery(t *testing.T) {
	projector, readStore := newTestProjector()
	ctx := context.Background()
	opened := makeChange(1, cart.EventCartOpened, cart.CartOpened{UserID: "u1"})
	added := makeChange(2, cart.EventItemAdded, cart.ItemAddedToCart{ProductID: "p1", Quantity: 1, Price: 5})

	for _, ch := range []eventstore.Change{opened, added, added, opened} {
		require.NoError(t, projector.Apply(ctx, ch))
	}

	var entry readmodel.StreamReadModel
	require.True(t, readStore.GetData(CollectionStreams, "Cart/c1", &entry))
	assert.Equal(t, 2, entry.EventCount)

	rm, ok, err := projector.Cart(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []readmodel.CartItemReadModel{{ProductID: "p1", Quantity: 1, Price: 5}}, rm.Items)
	assert.Len(t, readStore.SetCalls, 4)
}

func TestProjector_InvalidMessage(t *testing.T) {
	projector, _ := newTestProjector()
	err := projector.HandleEvent(context.Background(), []byte("k"), []byte("invalid json"))
	assert.Error(t, err)
}

func TestProjector_ReadStoreFailure(t *testing.T) {
	projector, readStore := newTestProjector()
	readStore.SetErr = errors.New("db down")

	err := projector.Apply(context.Background(), makeChange(1, cart.EventCartOpened, cart.CartOpened{UserID: "u1"}))
	assert.EqualError(t, err, "db down")

	readStore.SetErr = nil
	require.NoError(t, projector.Apply(context.Background(), makeChange(1, cart.EventCartOpened, cart.CartOpened{UserID: "u1"})))
}

// ============================================
// Cart Summary Tests
// ============================================

func TestProjector_CartSummary(t *testing.T) {
	tests := []struct {
		name      string
		changes   []eventstore.Change
		wantItems []readmodel.CartItemReadModel
		wantTotal int
		wantNote  string
	}{
		{
			name: "items are merged and sorted",
			changes: []eventstore.Change{
				makeChange(1, cart.EventCartOpened, cart.CartOpened{UserID: "u1"}),
				makeChange(2, cart.EventItemAdded, cart.ItemAddedToCart{ProductID: "p2", Quantity: 1, Price: 300}),
				makeChange(3, cart.EventItemAdded, cart.ItemAddedToCart{ProductID: "p1", Quantity: 2, Price: 100}),
				makeChange(4, cart.EventItemAdded, cart.ItemAddedToCart{ProductID: "p1", Quantity: 1, Price: 120}),
			},
			wantItems: []readmodel.CartItemReadModel{
				{ProductID: "p1", Quantity: 3, Price: 120},
				{ProductID: "p2", Quantity: 1, Price: 300},
			},
			wantTotal: 660,
		},
		{
			name: "item removed",
			changes: []eventstore.Change{
				makeChange(1, cart.EventCartOpened, cart.CartOpened{UserID: "u1"}),
				makeChange(2, cart.EventItemAdded, cart.ItemAddedToCart{ProductID: "p1", Quantity: 1, Price: 10}),
				makeChange(3, cart.EventItemAdded, cart.ItemAddedToCart{ProductID: "p2", Quantity: 1, Price: 20}),
				makeChange(4, cart.EventItemRemoved, cart.ItemRemovedFromCart{ProductID: "p1"}),
			},
			wantItems: []readmodel.CartItemReadModel{{ProductID: "p2", Quantity: 1, Price: 20}},
			wantTotal: 20,
		},
		{
			name: "cleared with note",
			changes: []eventstore.Change{
				makeChange(1, cart.EventCartOpened, cart.CartOpened{UserID: "u1"}),
				makeChange(2, cart.EventItemAdded, cart.ItemAddedToCart{ProductID: "p1", Quantity: 1, Price: 10}),
				makeChange(3, cart.EventCartCleared, cart.CartCleared{}),
				makeChange(4, cart.EventNoteSet, cart.CartNoteSet{Note: "leave at door"}),
			},
			wantNote: "leave at door",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			projector, _ := newTestProjector()
			ctx := context.Background()
			for _, ch := range tt.changes {
				require.NoError(t, projector.Apply(ctx, ch))
			}

			rm, ok, err := projector.Cart(ctx, "c1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "u1", rm.UserID)
			assert.Equal(t, tt.wantTotal, rm.Total)
			assert.Equal(t, tt.wantNote, rm.Note)
			assert.Equal(t, int64(len(tt.changes)), rm.Version)
			if len(tt.wantItems) == 0 {
				assert.Empty(t, rm.Items)
			} else {
				assert.Equal(t, tt.wantItems, rm.Items)
			}
		})
	}
}

func TestProjector_DeleteRestoreAndPurge(t *testing.T) {
	projector, readStore := newTestProjector()
	ctx := context.Background()

	require.NoError(t, projector.Apply(ctx, makeChange(1, cart.EventCartOpened, cart.CartOpened{UserID: "u1"})))

	deleted := makeChange(2, "AggregateDeletedEvent", struct{}{})
	deleted.Deleted = true
	require.NoError(t, projector.Apply(ctx, deleted))

	var entry readmodel.StreamReadModel
	require.True(t, readStore.GetData(CollectionStreams, "Cart/c1", &entry))
	assert.True(t, entry.Deleted)
	rm, _, err := projector.Cart(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, rm.Deleted)

	require.NoError(t, projector.Apply(ctx, makeChange(3, "AggregateRestoredEvent", struct{}{})))
	rm, _, err = projector.Cart(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, rm.Deleted)

	require.NoError(t, projector.Apply(ctx, eventstore.Change{
		AggregateType: cart.AggregateType, AggregateID: "c1", Version: 4, Deleted: true, Purged: true,
	}))
	assert.False(t, readStore.GetData(CollectionStreams, "Cart/c1", &entry))
	_, ok, err := projector.Cart(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, readStore.DeleteCalls, 2)
}

func TestProjector_ChangeWithoutPayload(t *testing.T) {
	projector, readStore := newTestProjector()
	ctx := context.Background()
	require.NoError(t, projector.Apply(ctx, makeChange(1, cart.EventCartOpened, cart.CartOpened{UserID: "u1"})))

	pointer := makeChange(2, cart.EventNoteSet, nil)
	pointer.Payload = nil
	require.NoError(t, projector.Apply(ctx, pointer))

	var entry readmodel.StreamReadModel
	require.True(t, readStore.GetData(CollectionStreams, "Cart/c1", &entry))
	assert.Equal(t, int64(2), entry.Version)

	rm, _, err := projector.Cart(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rm.Version)
}

func TestProjector_OtherAggregateTypes(t *testing.T) {
	projector, readStore := newTestProjector()
	ch := eventstore.Change{AggregateType: "Order", AggregateID: "o1", Version: 1, EventType: "OrderPlaced", Payload: json.RawMessage(`{}`)}

	require.NoError(t, projector.Apply(context.Background(), ch))

	var entry readmodel.StreamReadModel
	assert.True(t, readStore.GetData(CollectionStreams, "Order/o1", &entry))
	_, ok, err := projector.Cart(context.Background(), "o1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProjector_PublishChanges(t *testing.T) {
	projector, _ := newTestProjector()
	ctx := context.Background()

	err := projector.PublishChanges(ctx, []eventstore.Change{
		makeChange(1, cart.EventCartOpened, cart.CartOpened{UserID: "u1"}),
		makeChange(2, cart.EventItemAdded, cart.ItemAddedToCart{ProductID: "p1", Quantity: 1, Price: 40}),
	})
	require.NoError(t, err)

	rm, found, err := projector.Cart(ctx, "c1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 40, rm.Total)
	assert.Equal(t, int64(2), rm.Version)

	bad := makeChange(3, cart.EventItemAdded, nil)
	bad.Payload = []byte(`{"product_id":`)
	assert.Error(t, projector.PublishChanges(ctx, []eventstore.Change{bad}))
}
