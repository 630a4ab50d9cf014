package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/es-engine/internal/domain/aggregate"
	"github.com/example/es-engine/internal/domain/cart"
	"github.com/example/es-engine/internal/eventstore"
	"github.com/example/es-engine/internal/infrastructure/store"
	"github.com/example/es-engine/internal/projection"
)

func TestReplay(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := aggregate.NewRegistry()
	require.NoError(t, aggregate.Register(reg, cart.Type))
	carts, err := eventstore.New[*cart.Cart](reg, cart.AggregateType, store.NewMemoryDriver(store.Limits{}),
		eventstore.WithLogger(logger))
	require.NoError(t, err)

	for _, user := range []string{"u1", "u2"} {
		c := carts.Create(cart.GetCartID(user))
		require.NoError(t, c.Open(user))
		require.NoError(t, c.AddItem("p1", 3, 10))
		_, err := carts.Save(ctx, c)
		require.NoError(t, err)
	}
	gone, err := carts.Get(ctx, cart.GetCartID("u2"))
	require.NoError(t, err)
	_, err = carts.Delete(ctx, gone)
	require.NoError(t, err)

	projector := projection.NewProjector(store.NewReadStore(), logger)
	n, err := replay(ctx, carts, projector)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rm, found, err := projector.Cart(ctx, cart.GetCartID("u1"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 30, rm.Total)

	rm, found, err = projector.Cart(ctx, cart.GetCartID("u2"))
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, rm.Deleted)

	// a second replay finds everything indexed
	n, err = replay(ctx, carts, projector)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	streams, err := projector.Streams(ctx)
	require.NoError(t, err)
	require.Len(t, streams, 2)
	assert.Equal(t, 2, streams[0].EventCount)
	assert.Equal(t, 3, streams[1].EventCount)
}
