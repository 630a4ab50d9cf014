package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/example/es-engine/internal/domain/aggregate"
	"github.com/example/es-engine/internal/infrastructure/store"
)

// compensationTimeout bounds the cleanup of a failed multi-chunk commit,
// which runs even when the caller's context is already cancelled.
const compensationTimeout = 10 * time.Second

// commitPlan is the write set of one save, split to the driver's batch limit.
type commitPlan struct {
	pk     string
	etag   string
	chunks [][]store.Write
	blobs  []string

	// claim is written before the first chunk of a multi-chunk commit and
	// released by its final chunk.
	claim   store.Record
	claimed bool
}

// claim is the payload of a claim row: the versions and blobs of the commit
// holding it, so a later writer can remove them if that commit never lands.
type claim struct {
	FirstVersion int64    `json:"first_version"`
	LastVersion  int64    `json:"last_version"`
	Blobs        []string `json:"blobs,omitempty"`
}

// chunk splits a commit into ordered chunks of at most limit writes. Events
// fill the leading chunks; the tail rows (idempotency marker, snapshot and
// stream row) always travel in the final chunk so the stream row commits
// only after every event is durable.
func chunk(events, tail []store.Write, limit int) [][]store.Write {
	if limit <= 0 || len(events)+len(tail) <= limit {
		all := make([]store.Write, 0, len(events)+len(tail))
		all = append(all, events...)
		return [][]store.Write{append(all, tail...)}
	}

	var chunks [][]store.Write
	rest := events
	for len(rest)+len(tail) > limit {
		n := min(limit, len(rest))
		chunks = append(chunks, rest[:n])
		rest = rest[n:]
	}
	final := make([]store.Write, 0, len(rest)+len(tail))
	final = append(final, rest...)
	return append(chunks, append(final, tail...))
}

// prepare encodes the events of a commit, uploads oversized payloads and
// splits the result into chunks. A commit needing more than one chunk gets a
// claim row, released in its final chunk.
func (s *Store[T]) prepare(ctx context.Context, b *aggregate.Base, unsaved []aggregate.Envelope, tail []store.Write, now time.Time, p *commitPlan) error {
	p.blobs, p.claimed = nil, false
	events, err := s.eventWrites(ctx, b, unsaved, p)
	if err != nil {
		s.dropBlobs(ctx, p.blobs)
		return err
	}
	p.chunks = chunk(events, tail, s.limits.MaxBatchItems)
	if len(p.chunks) == 1 {
		return nil
	}

	data, err := json.Marshal(claim{
		FirstVersion: unsaved[0].AggregateVersion,
		LastVersion:  unsaved[len(unsaved)-1].AggregateVersion,
		Blobs:        p.blobs,
	})
	if err != nil {
		s.dropBlobs(ctx, p.blobs)
		return err
	}
	p.claim = store.Record{
		PartitionKey:  p.pk,
		RowKey:        store.ClaimRowKey,
		Kind:          store.KindClaim,
		AggregateType: s.typ.Name(),
		AggregateID:   b.ID(),
		Version:       b.CurrentVersion(),
		ETag:          p.etag,
		Timestamp:     now,
		Data:          data,
	}
	release := store.DeleteIfETag(p.pk, store.ClaimRowKey, p.etag)
	p.chunks = chunk(events, slices.Concat(tail, []store.Write{release}), s.limits.MaxBatchItems)
	return nil
}

// submit writes the chunks in order. On failure it undoes the chunks already
// applied, unless the stream row shows the commit landed after all.
func (s *Store[T]) submit(ctx context.Context, p *commitPlan) error {
	if len(p.chunks) > 1 {
		err := s.driver.ConditionalWrite(ctx, p.pk, p.claim, 0)
		if err != nil {
			// only a refused claim is known not to exist
			p.claimed = !errors.Is(err, store.ErrVersionConflict)
			s.compensate(ctx, p, nil)
			return err
		}
		p.claimed = true
	}

	for i, c := range p.chunks {
		err := s.driver.AtomicBatch(ctx, p.pk, c)
		if err == nil {
			continue
		}
		landed, checkErr := s.landed(ctx, p)
		switch {
		case landed:
			s.log.WarnContext(ctx, "commit landed despite error",
				slog.String("partition", p.pk), slog.Any("error", err))
			return nil
		case checkErr != nil:
			// outcome unknown: removing rows could corrupt a committed stream
			s.log.WarnContext(ctx, "commit outcome unknown, skipping compensation",
				slog.String("partition", p.pk), slog.Any("error", checkErr))
		default:
			s.compensate(ctx, p, p.chunks[:i])
		}
		return err
	}
	return nil
}

// landed reports whether the stream row carries this commit's etag, which
// means the final chunk was applied although the driver returned an error.
func (s *Store[T]) landed(ctx context.Context, p *commitPlan) (bool, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()
	rec, err := s.driver.Get(ctx, p.pk, store.StreamRowKey)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.ETag == p.etag, nil
}

// compensate deletes the rows of committed chunks, newest first, then the
// claim and the uploaded blobs. Rows are only deleted while they carry the
// commit's etag. When a row cannot be removed the claim stays, so a later
// save can clear the commit once the orphan grace has passed.
func (s *Store[T]) compensate(ctx context.Context, p *commitPlan, committed [][]store.Write) {
	if len(committed) == 0 && len(p.blobs) == 0 && !p.claimed {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	clean := true
	for i := len(committed) - 1; i >= 0; i-- {
		clean = s.undo(ctx, p.pk, p.etag, committed[i]) && clean
	}
	if p.claimed {
		if !clean {
			s.log.WarnContext(ctx, "claim kept for recovery", slog.String("partition", p.pk), slog.String("etag", p.etag))
		} else if err := s.driver.AtomicBatch(ctx, p.pk, []store.Write{store.DeleteIfETag(p.pk, store.ClaimRowKey, p.etag)}); err != nil {
			s.log.WarnContext(ctx, "claim release failed", slog.String("partition", p.pk), slog.Any("error", err))
		}
	}
	s.dropBlobs(ctx, p.blobs)
}

// undo removes the rows one chunk wrote. A refused batch means some row is
// gone or owned by another commit, so the rest are removed one by one.
func (s *Store[T]) undo(ctx context.Context, pk, etag string, c []store.Write) bool {
	deletes := make([]store.Write, 0, len(c))
	for _, w := range c {
		if w.Op == store.OpPut {
			deletes = append(deletes, store.DeleteIfETag(pk, w.Record.RowKey, etag))
		}
	}
	if len(deletes) == 0 {
		return true
	}
	err := s.driver.AtomicBatch(ctx, pk, deletes)
	if err == nil {
		return true
	}
	if !errors.Is(err, store.ErrVersionConflict) {
		s.log.WarnContext(ctx, "compensation failed",
			slog.String("partition", pk),
			slog.String("from", deletes[0].Record.RowKey),
			slog.Int("rows", len(deletes)),
			slog.Any("error", err))
		return false
	}

	ok := true
	for _, d := range deletes {
		err := s.driver.AtomicBatch(ctx, pk, []store.Write{d})
		if err != nil && !errors.Is(err, store.ErrVersionConflict) {
			s.log.WarnContext(ctx, "compensation failed",
				slog.String("partition", pk), slog.String("row", d.Record.RowKey), slog.Any("error", err))
			ok = false
		}
	}
	return ok
}

func (s *Store[T]) dropBlobs(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()
	for _, key := range keys {
		if err := s.opts.blobs.Delete(ctx, key); err != nil {
			s.log.WarnContext(ctx, "blob cleanup failed", slog.String("key", key), slog.Any("error", err))
		}
	}
}
