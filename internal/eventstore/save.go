package eventstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/es-engine/internal/domain/aggregate"
	"github.com/example/es-engine/internal/infrastructure/store"
)

// SaveResult reports the outcome of a save. Expected outcomes (nothing to
// save, an already applied idempotency id, failed validation) are reported
// here; exceptional ones come back as *Error.
type SaveResult struct {
	Saved            bool
	Skipped          bool
	ValidationErrors []aggregate.ValidationError
	Version          int64
	Events           []aggregate.Envelope
}

type saveOptions struct {
	idempotencyID     string
	permanentlyDelete bool
	skipValidation    bool
}

type SaveOption func(*saveOptions)

// WithIdempotencyID makes the save a no-op when a save with the same id was
// already committed for the aggregate.
func WithIdempotencyID(id string) SaveOption {
	return func(o *saveOptions) { o.idempotencyID = id }
}

// PermanentlyDelete erases every row of an already soft-deleted aggregate
// instead of saving it.
func PermanentlyDelete() SaveOption {
	return func(o *saveOptions) { o.permanentlyDelete = true }
}

// Save commits the unsaved events of agg. On success the events are cleared
// from agg and its saved version advances. A failed save leaves the events
// buffered and already applied; reload the aggregate to discard them.
func (s *Store[T]) Save(ctx context.Context, agg T, opts ...SaveOption) (res SaveResult, err error) {
	var o saveOptions
	for _, opt := range opts {
		opt(&o)
	}
	b := agg.Aggregate()

	if o.permanentlyDelete {
		if _, err := s.purge(ctx, agg); err != nil {
			return res, err
		}
		return SaveResult{Saved: true, Version: b.CurrentVersion()}, nil
	}

	ctx, span := startSpan(ctx, "Save", s.typ.Name(), b.ID())
	defer func() { endSpan(span, err) }()
	defer s.metrics.SaveDuration(s.typ.Name()).ObserveDuration()

	return s.save(ctx, agg, o)
}

func (s *Store[T]) save(ctx context.Context, agg T, o saveOptions) (SaveResult, error) {
	b := agg.Aggregate()
	saveErr := func(kind Kind, err error) *Error {
		e := s.newError(kind, "save", b.ID(), err)
		e.IdempotencyID = o.idempotencyID
		e.ExpectedVersion = b.SavedVersion()
		return e
	}
	fail := func(kind Kind, err error) (SaveResult, error) {
		return SaveResult{}, saveErr(kind, err)
	}

	if b.IsLocked() {
		return fail(KindLocked, aggregate.ErrLocked)
	}
	if v, ok := any(agg).(aggregate.Validator); ok && !o.skipValidation {
		if errs := v.Validate(); len(errs) > 0 {
			return SaveResult{ValidationErrors: errs}, nil
		}
	}
	if !b.HasUnsavedEvents() {
		return SaveResult{Skipped: true, Version: b.SavedVersion()}, nil
	}
	if b.ID() == "" {
		if err := b.SetID(s.opts.newID()); err != nil {
			return fail(KindIDAlreadySet, err)
		}
	}

	unsaved := b.UnsavedEvents()
	if b.WasDeletedAtSave() {
		if _, restore := unsaved[0].Payload.(aggregate.AggregateRestoredEvent); !restore {
			return fail(KindAlreadyDeleted, fmt.Errorf("%s must be restored before it accepts events", b.ID()))
		}
	}

	pk := s.partitionKey(b.ID())
	log := s.log.With(aggLog(b))

	if o.idempotencyID != "" {
		m, found, err := findMarker(ctx, s.driver, pk, o.idempotencyID)
		if err != nil {
			return fail(KindCommitFailure, err)
		}
		if found {
			s.alreadyApplied(b, unsaved, m)
			s.metrics.IdempotentSkip(s.typ.Name())
			log.DebugContext(ctx, "idempotent save skipped", slog.String("idempotency_id", o.idempotencyID))
			return SaveResult{Skipped: true, Version: m.LastVersion}, nil
		}
	}

	isNew := b.SavedVersion() == 0
	if err := s.opts.feed.BeforeSave(ctx, agg, isNew); err != nil {
		return SaveResult{}, fmt.Errorf("before save %s: %w", b.ID(), err)
	}

	previous := b.SavedVersion()
	previousDeleted := b.WasDeletedAtSave()
	version := b.CurrentVersion()
	etag := s.opts.newETag()
	now := s.opts.now()

	for i := range unsaved {
		unsaved[i].IdempotencyID = o.idempotencyID
	}

	var tail []store.Write
	if o.idempotencyID != "" {
		rec, err := markerRecord(pk, s.typ.Name(), b.ID(), o.idempotencyID,
			marker{FirstVersion: unsaved[0].AggregateVersion, LastVersion: version, ETag: etag}, now)
		if err != nil {
			return fail(KindCommitFailure, err)
		}
		tail = append(tail, store.PutIfAbsent(rec))
	}
	snapshotted := false
	if s.opts.policy.ShouldSnapshot(previous, version, b.SnapshotVersion()) {
		if rec, ok := s.snapshotRecord(ctx, agg, pk, now); ok {
			tail = append(tail, store.Put(rec))
			snapshotted = true
		}
	}
	tail = append(tail, store.PutIfVersion(store.Record{
		PartitionKey:  pk,
		RowKey:        store.StreamRowKey,
		Kind:          store.KindStream,
		AggregateType: s.typ.Name(),
		AggregateID:   b.ID(),
		Version:       version,
		Deleted:       b.IsDeleted(),
		ETag:          etag,
		Timestamp:     now,
	}, previous))

	p := commitPlan{pk: pk, etag: etag}
	if err := s.prepare(ctx, b, unsaved, tail, now, &p); err != nil {
		return fail(classify(err), err)
	}
	err := s.submit(ctx, &p)
	if err != nil && classify(err) == KindConcurrencyConflict {
		// a crashed multi-chunk commit may still hold the rows this one needs
		recovered, rerr := s.recoverOrphans(ctx, pk)
		if rerr != nil {
			log.WarnContext(ctx, "orphan recovery failed", slog.Any("error", rerr))
		}
		if recovered {
			if err = s.prepare(ctx, b, unsaved, tail, now, &p); err == nil {
				err = s.submit(ctx, &p)
			}
		}
	}
	if err != nil {
		kind := classify(err)
		if kind == KindConcurrencyConflict && o.idempotencyID != "" {
			// a concurrent save with the same idempotency id may have won
			if m, found, _ := findMarker(ctx, s.driver, pk, o.idempotencyID); found {
				s.metrics.IdempotentSkip(s.typ.Name())
				return SaveResult{Skipped: true, Version: m.LastVersion}, nil
			}
		}
		if kind == KindConcurrencyConflict {
			s.metrics.ConcurrencyConflict(s.typ.Name())
			e := saveErr(kind, err)
			e.ActualVersion = s.storedVersion(ctx, pk)
			log.InfoContext(ctx, "concurrency conflict",
				slog.Int64("expected", e.ExpectedVersion), slog.Int64("actual", e.ActualVersion))
			return SaveResult{}, e
		}
		log.ErrorContext(ctx, "commit failed", slog.Int("chunks", len(p.chunks)), slog.Any("error", err))
		return fail(kind, err)
	}

	b.MarkCommitted(version, etag)
	if snapshotted {
		b.MarkSnapshot(version)
		s.metrics.SnapshotWritten(s.typ.Name())
	}
	s.metrics.EventsAppended(s.typ.Name(), len(unsaved))
	s.metrics.CommitChunks(s.typ.Name(), len(p.chunks))
	s.refreshCache(ctx, agg)

	commit := Commit{PreviousVersion: previous, PreviousDeleted: previousDeleted, IsNew: isNew, Events: unsaved}
	if err := s.opts.feed.AfterSave(ctx, agg, commit); err != nil {
		log.WarnContext(ctx, "after save hook failed", slog.Any("error", err))
	}

	log.DebugContext(ctx, "saved",
		slog.Int("num_events", len(unsaved)),
		slog.Int("chunks", len(p.chunks)),
		slog.Bool("snapshot", snapshotted),
	)
	return SaveResult{Saved: true, Version: version, Events: unsaved}, nil
}

// eventWrites encodes the unsaved events, offloading oversized payloads.
// Uploaded blob keys are recorded on p for cleanup.
func (s *Store[T]) eventWrites(ctx context.Context, b *aggregate.Base, unsaved []aggregate.Envelope, p *commitPlan) ([]store.Write, error) {
	writes := make([]store.Write, 0, len(unsaved))
	for _, env := range unsaved {
		rec, err := s.eventRecord(b, env, p.etag)
		if err != nil {
			return nil, err
		}
		if s.oversized(rec) {
			if s.opts.blobs == nil {
				return nil, fmt.Errorf("%w: %s v%d is %d bytes", store.ErrPayloadTooLarge, env.EventType, env.AggregateVersion, rec.Size())
			}
			var key string
			rec, key, err = s.offload(ctx, rec, p.etag)
			if key != "" {
				p.blobs = append(p.blobs, key)
			}
			if err != nil {
				return nil, err
			}
			s.metrics.PayloadOverflowed(s.typ.Name())
		}
		writes = append(writes, store.PutIfAbsent(rec))
	}
	return writes, nil
}

// snapshotRecord encodes the full state of agg. Snapshots are an optimisation,
// so one that cannot be encoded or stored is skipped.
func (s *Store[T]) snapshotRecord(ctx context.Context, agg T, pk string, now time.Time) (store.Record, bool) {
	b := agg.Aggregate()
	data, err := s.typ.EncodeSnapshot(agg)
	if err != nil {
		s.log.WarnContext(ctx, "snapshot skipped", aggLog(b), slog.Any("error", err))
		return store.Record{}, false
	}
	rec := store.Record{
		PartitionKey:  pk,
		RowKey:        store.SnapshotRowKey(b.CurrentVersion()),
		Kind:          store.KindSnapshot,
		AggregateType: s.typ.Name(),
		AggregateID:   b.ID(),
		Version:       b.CurrentVersion(),
		Deleted:       b.IsDeleted(),
		Timestamp:     now,
		Data:          data,
	}
	if s.oversized(rec) {
		s.log.WarnContext(ctx, "snapshot skipped: exceeds payload limit", aggLog(b), slog.Int("bytes", rec.Size()))
		return store.Record{}, false
	}
	return rec, true
}

// alreadyApplied settles agg when a retried save finds its marker and the
// buffered events are exactly the ones that marker committed.
func (s *Store[T]) alreadyApplied(b *aggregate.Base, unsaved []aggregate.Envelope, m marker) {
	if unsaved[0].AggregateVersion == m.FirstVersion && b.CurrentVersion() == m.LastVersion {
		b.MarkCommitted(m.LastVersion, m.ETag)
	}
}

// storedVersion reads the committed version for error reporting; -1 when it
// cannot be read.
func (s *Store[T]) storedVersion(ctx context.Context, pk string) int64 {
	rec, err := s.driver.Get(ctx, pk, store.StreamRowKey)
	if errors.Is(err, store.ErrNotFound) {
		return 0
	}
	if err != nil {
		return -1
	}
	return rec.Version
}
