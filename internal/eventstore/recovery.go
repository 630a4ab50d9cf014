package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/es-engine/internal/infrastructure/store"
)

// defaultOrphanGrace is how old a claim must be before a save treats the
// commit holding it as crashed.
const defaultOrphanGrace = time.Minute

// recoverOrphans clears a claim older than the orphan grace together with
// the event rows and blobs of the commit that left it. A younger claim may
// belong to a commit that is still landing and is left alone. It reports
// whether a claim was cleared.
func (s *Store[T]) recoverOrphans(ctx context.Context, pk string) (bool, error) {
	rec, err := s.driver.Get(ctx, pk, store.ClaimRowKey)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read claim of %s: %w", pk, err)
	}
	age := s.opts.now().Sub(rec.Timestamp)
	if age < s.opts.orphanGrace {
		return false, nil
	}
	var c claim
	if err := json.Unmarshal(rec.Data, &c); err != nil {
		return false, fmt.Errorf("decode claim of %s: %w", pk, err)
	}

	// rows of a claimed commit are never committed while the claim stands
	var orphans []store.Write
	q := store.Query{
		PartitionKey: pk,
		RowKeyPrefix: store.EventRowPrefix,
		FromRowKey:   store.EventRowKey(c.FirstVersion),
		ToRowKey:     store.EventRowKey(c.LastVersion),
		Predicate:    func(r store.Record) bool { return r.ETag == rec.ETag },
		Limit:        s.opts.pageSize,
	}
	for {
		page, err := s.driver.Query(ctx, q)
		if err != nil {
			return false, fmt.Errorf("find orphans of %s: %w", pk, err)
		}
		for _, r := range page.Records {
			orphans = append(orphans, store.DeleteIfETag(pk, r.RowKey, rec.ETag))
		}
		if page.ContinuationToken == "" {
			break
		}
		q.ContinuationToken = page.ContinuationToken
	}

	if len(orphans) > 0 {
		for _, batch := range chunk(orphans, nil, s.limits.MaxBatchItems) {
			if err := s.driver.AtomicBatch(ctx, pk, batch); err != nil {
				return false, fmt.Errorf("remove orphans of %s: %w", pk, err)
			}
		}
	}
	if len(c.Blobs) > 0 && s.opts.blobs == nil {
		return false, fmt.Errorf("claim of %s names blobs but no blob store is configured", pk)
	}
	for _, key := range c.Blobs {
		if err := s.opts.blobs.Delete(ctx, key); err != nil {
			return false, fmt.Errorf("remove orphaned blob %s: %w", key, err)
		}
	}
	if err := s.driver.AtomicBatch(ctx, pk, []store.Write{store.DeleteIfETag(pk, store.ClaimRowKey, rec.ETag)}); err != nil {
		return false, fmt.Errorf("release claim of %s: %w", pk, err)
	}

	s.log.WarnContext(ctx, "recovered orphaned commit",
		slog.String("partition", pk),
		slog.String("etag", rec.ETag),
		slog.Int("rows", len(orphans)),
		slog.Int("blobs", len(c.Blobs)),
		slog.Duration("age", age))
	return true, nil
}
