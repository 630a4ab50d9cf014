package eventstore

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/example/es-engine/internal/domain/aggregate"
	"github.com/example/es-engine/internal/infrastructure/store"
)

// eventRecord encodes one event row. Rows carry the etag of the commit that
// wrote them.
func (s *Store[T]) eventRecord(b *aggregate.Base, env aggregate.Envelope, etag string) (store.Record, error) {
	data, err := s.typ.Encode(env.Payload)
	if err != nil {
		return store.Record{}, err
	}
	return store.Record{
		PartitionKey:  s.partitionKey(b.ID()),
		RowKey:        store.EventRowKey(env.AggregateVersion),
		Kind:          store.KindEvent,
		AggregateType: s.typ.Name(),
		AggregateID:   b.ID(),
		Version:       env.AggregateVersion,
		EventType:     env.EventType,
		IdempotencyID: env.IdempotencyID,
		ETag:          etag,
		Timestamp:     env.When,
		Data:          data,
	}, nil
}

// envelope turns an event or pointer row back into an envelope. Payloads
// that no longer decode are replaced with an UnknownEvent so replay goes on.
func (s *Store[T]) envelope(ctx context.Context, rec store.Record) (aggregate.Envelope, error) {
	data := rec.Data
	if rec.Kind == store.KindPointer {
		var err error
		if data, err = s.resolve(ctx, rec); err != nil {
			return aggregate.Envelope{}, err
		}
	}

	e, known, err := s.typ.Decode(rec.EventType, data)
	switch {
	case err != nil:
		s.log.WarnContext(ctx, "undecodable event replaced",
			slog.String("agg_id", rec.AggregateID),
			slog.Int64("version", rec.Version),
			slog.String("event_type", rec.EventType),
			slog.Any("error", err))
		e = aggregate.UnknownEvent{Name: rec.EventType, Raw: json.RawMessage(append([]byte(nil), data...))}
	case !known:
		s.log.WarnContext(ctx, "unknown event type replaced",
			slog.String("agg_id", rec.AggregateID),
			slog.Int64("version", rec.Version),
			slog.String("event_type", rec.EventType))
	}

	return aggregate.Envelope{
		AggregateVersion: rec.Version,
		EventType:        rec.EventType,
		IdempotencyID:    rec.IdempotencyID,
		When:             rec.Timestamp,
		Payload:          e,
	}, nil
}
