package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/es-engine/internal/infrastructure/store"
	"github.com/example/es-engine/internal/projection"
)

func insertRecord(t *testing.T, seq, version, eventType, data string) events.KinesisEventRecord {
	t.Helper()
	rec := events.DynamoDBEventRecord{
		EventName: "INSERT",
		Change: events.DynamoDBStreamRecord{NewImage: map[string]events.DynamoDBAttributeValue{
			"pk":             events.NewStringAttribute("Cart/c1"),
			"sk":             events.NewStringAttribute("event/" + version),
			"kind":           events.NewStringAttribute(string(store.KindEvent)),
			"aggregate_type": events.NewStringAttribute("Cart"),
			"aggregate_id":   events.NewStringAttribute("c1"),
			"version":        events.NewNumberAttribute(version),
			"event_type":     events.NewStringAttribute(eventType),
			"data":           events.NewStringAttribute(data),
		}},
	}
	raw, err := json.Marshal(rec)
	require.NoError(t, err)
	return events.KinesisEventRecord{
		EventID: "shardId-000:" + seq,
		Kinesis: events.KinesisRecord{SequenceNumber: seq, Data: raw},
	}
}

func TestHandle(t *testing.T) {
	ctx := context.Background()
	p := projection.NewProjector(store.NewReadStore(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	resp := handle(ctx, p, events.KinesisEvent{Records: []events.KinesisEventRecord{
		insertRecord(t, "100", "1", "CartOpenedEvent", `{"user_id":"u1"}`),
		{EventID: "broken", Kinesis: events.KinesisRecord{SequenceNumber: "101", Data: []byte("not json")}},
		insertRecord(t, "102", "2", "ItemAddedToCartEvent", `{"product_id":"p1","quantity":2,"price":150}`),
		insertRecord(t, "103", "3", "ItemAddedToCartEvent", `{"product_id":`),
	}})

	require.Len(t, resp.BatchItemFailures, 2)
	assert.Equal(t, "101", resp.BatchItemFailures[0].ItemIdentifier)
	assert.Equal(t, "103", resp.BatchItemFailures[1].ItemIdentifier)

	rm, found, err := p.Cart(ctx, "c1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "u1", rm.UserID)
	assert.Equal(t, int64(2), rm.Version)
	assert.Equal(t, 300, rm.Total)
}
