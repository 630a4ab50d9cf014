package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/es-engine/internal/infrastructure/store"
)

// marker is the body of an idempotency row: the versions one save produced
// and the etag of the stream row it committed.
type marker struct {
	FirstVersion int64  `json:"first_version"`
	LastVersion  int64  `json:"last_version"`
	ETag         string `json:"etag"`
}

func markerRecord(pk, aggType, aggID, idempotencyID string, m marker, at time.Time) (store.Record, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return store.Record{}, fmt.Errorf("encode idempotency marker: %w", err)
	}
	return store.Record{
		PartitionKey:  pk,
		RowKey:        store.IdempotencyRowKey(idempotencyID),
		Kind:          store.KindIdempotency,
		AggregateType: aggType,
		AggregateID:   aggID,
		Version:       m.LastVersion,
		IdempotencyID: idempotencyID,
		Timestamp:     at,
		Data:          data,
	}, nil
}

// findMarker returns the marker of idempotencyID, if one was committed.
func findMarker(ctx context.Context, d store.Driver, pk, idempotencyID string) (marker, bool, error) {
	rec, err := d.Get(ctx, pk, store.IdempotencyRowKey(idempotencyID))
	if errors.Is(err, store.ErrNotFound) {
		return marker{}, false, nil
	}
	if err != nil {
		return marker{}, false, err
	}
	var m marker
	if err := json.Unmarshal(rec.Data, &m); err != nil {
		return marker{}, false, fmt.Errorf("decode idempotency marker %s: %w", idempotencyID, err)
	}
	return m, true, nil
}
