package eventstore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/example/es-engine/internal/cache"
	"github.com/example/es-engine/internal/domain/aggregate"
	"github.com/example/es-engine/internal/infrastructure/store"
)

// Status is the stored state of an aggregate id.
type Status int

const (
	StatusNotFound Status = iota
	StatusExists
	StatusDeleted
)

func (s Status) String() string {
	switch s {
	case StatusExists:
		return "exists"
	case StatusDeleted:
		return "deleted"
	}
	return "not_found"
}

type getOptions struct {
	mode DeletedMode
}

type GetOption func(*getOptions)

// WithDeleted overrides the store's DeletedMode for one read.
func WithDeleted(mode DeletedMode) GetOption {
	return func(o *getOptions) { o.mode = mode }
}

// cachedState is the immutable form of a committed aggregate kept in the
// cache. Every hit decodes a fresh instance.
type cachedState struct {
	Version         int64
	ETag            string
	SnapshotVersion int64
	Data            []byte
}

// Get loads the latest committed state of id. Absent ids fail with
// ErrNotFound; deleted ones follow the DeletedMode.
func (s *Store[T]) Get(ctx context.Context, id string, opts ...GetOption) (agg T, err error) {
	o := getOptions{mode: s.opts.deletedMode}
	for _, opt := range opts {
		opt(&o)
	}
	ctx, span := startSpan(ctx, "Get", s.typ.Name(), id)
	defer func() { endSpan(span, err) }()
	defer s.metrics.LoadDuration(s.typ.Name()).ObserveDuration()

	return s.load(ctx, id, 0, o.mode)
}

// GetAt rebuilds id as it was at version. Below the latest version the
// result is locked, a historical view that cannot be saved. Deleted
// aggregates are included.
func (s *Store[T]) GetAt(ctx context.Context, id string, version int64) (agg T, err error) {
	ctx, span := startSpan(ctx, "GetAt", s.typ.Name(), id)
	defer func() { endSpan(span, err) }()
	defer s.metrics.LoadDuration(s.typ.Name()).ObserveDuration()

	if version < 1 {
		return agg, s.newError(KindNotFound, "get_at", id, fmt.Errorf("invalid version %d", version))
	}
	return s.load(ctx, id, version, IncludeDeleted)
}

// GetDeleted loads id only if it is soft deleted.
func (s *Store[T]) GetDeleted(ctx context.Context, id string) (T, error) {
	agg, err := s.Get(ctx, id, WithDeleted(IncludeDeleted))
	if err != nil {
		return agg, err
	}
	if !agg.Aggregate().IsDeleted() {
		var zero T
		return zero, s.newError(KindNotDeleted, "get_deleted", id, nil)
	}
	return agg, nil
}

// GetOrCreate loads id, or returns a new unsaved aggregate when it does not
// exist. A deleted id fails with ErrAlreadyDeleted.
func (s *Store[T]) GetOrCreate(ctx context.Context, id string) (T, error) {
	if id == "" {
		return s.Create(""), nil
	}
	agg, err := s.Get(ctx, id, WithDeleted(DeletedAsError))
	if errors.Is(err, ErrNotFound) {
		return s.Create(id), nil
	}
	return agg, err
}

// Exists reads only the stream row.
func (s *Store[T]) Exists(ctx context.Context, id string) (Status, error) {
	row, err := s.driver.Get(ctx, s.partitionKey(id), store.StreamRowKey)
	if errors.Is(err, store.ErrNotFound) {
		return StatusNotFound, nil
	}
	if err != nil {
		return StatusNotFound, fmt.Errorf("exists %s: %w", id, err)
	}
	if row.Deleted {
		return StatusDeleted, nil
	}
	return StatusExists, nil
}

func (s *Store[T]) IsDeleted(ctx context.Context, id string) (bool, error) {
	st, err := s.Exists(ctx, id)
	return st == StatusDeleted, err
}

// GetAggregateIDs yields the id of every stored aggregate of this type. A
// read error is yielded once and ends the sequence.
func (s *Store[T]) GetAggregateIDs(ctx context.Context, includeDeleted bool) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		q := store.Query{
			Kind:          store.KindStream,
			AggregateType: s.typ.Name(),
			Limit:         s.opts.pageSize,
		}
		for {
			page, err := s.driver.Query(ctx, q)
			if err != nil {
				yield("", fmt.Errorf("list %s ids: %w", s.typ.Name(), err))
				return
			}
			for _, rec := range page.Records {
				if rec.Deleted && !includeDeleted {
					continue
				}
				if !yield(rec.AggregateID, nil) {
					return
				}
			}
			if page.ContinuationToken == "" {
				return
			}
			q.ContinuationToken = page.ContinuationToken
		}
	}
}

// GetEventRange returns the committed events of id from start through end,
// in order. An end of 0 means through the latest version.
func (s *Store[T]) GetEventRange(ctx context.Context, id string, start, end int64) (events []aggregate.Envelope, err error) {
	ctx, span := startSpan(ctx, "GetEventRange", s.typ.Name(), id)
	defer func() { endSpan(span, err) }()

	pk := s.partitionKey(id)
	row, err := s.driver.Get(ctx, pk, store.StreamRowKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, s.newError(KindNotFound, "get_event_range", id, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("get event range %s: %w", id, err)
	}

	start = max(start, 1)
	if end <= 0 || end > row.Version {
		end = row.Version
	}
	if start > end {
		return nil, nil
	}
	err = s.scanEvents(ctx, pk, start, end, func(env aggregate.Envelope) error {
		events = append(events, env)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// ListOptions pages through the aggregates of one type. Filter runs on the
// materialised aggregate, so a page may hold fewer than PageSize items while
// a continuation token is still returned.
type ListOptions[T any] struct {
	IncludeDeleted    bool
	PageSize          int
	ContinuationToken string
	Filter            func(T) bool
}

type Page[T any] struct {
	Items             []T
	ContinuationToken string
}

func (s *Store[T]) List(ctx context.Context, opts ListOptions[T]) (page Page[T], err error) {
	ctx, span := startSpan(ctx, "List", s.typ.Name(), "")
	defer func() { endSpan(span, err) }()

	limit := opts.PageSize
	if limit <= 0 {
		limit = s.opts.pageSize
	}
	rows, err := s.driver.Query(ctx, store.Query{
		Kind:              store.KindStream,
		AggregateType:     s.typ.Name(),
		Predicate:         func(r store.Record) bool { return opts.IncludeDeleted || !r.Deleted },
		Limit:             limit,
		ContinuationToken: opts.ContinuationToken,
	})
	if err != nil {
		return page, fmt.Errorf("list %s: %w", s.typ.Name(), err)
	}

	for _, row := range rows.Records {
		agg, err := s.load(ctx, row.AggregateID, 0, IncludeDeleted)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return Page[T]{}, err
		}
		if opts.Filter != nil && !opts.Filter(agg) {
			continue
		}
		page.Items = append(page.Items, agg)
	}
	page.ContinuationToken = rows.ContinuationToken
	return page, nil
}

// load reads the stream row, then replays up to at, or to the latest
// version when at is 0.
func (s *Store[T]) load(ctx context.Context, id string, at int64, mode DeletedMode) (T, error) {
	var zero T
	if id == "" {
		return zero, s.newError(KindNotFound, "get", id, errors.New("empty id"))
	}
	pk := s.partitionKey(id)
	row, err := s.driver.Get(ctx, pk, store.StreamRowKey)
	if errors.Is(err, store.ErrNotFound) {
		return zero, s.newError(KindNotFound, "get", id, nil)
	}
	if err != nil {
		return zero, fmt.Errorf("get %s: %w", id, err)
	}

	if at == 0 && row.Deleted {
		switch mode {
		case DeletedAsNotFound:
			return zero, s.newError(KindNotFound, "get", id, errors.New("soft deleted"))
		case DeletedAsError:
			return zero, s.newError(KindAlreadyDeleted, "get", id, nil)
		}
	}
	if at > row.Version {
		return zero, s.newError(KindNotFound, "get_at", id, fmt.Errorf("version %d is beyond %d", at, row.Version))
	}
	if at == 0 || at == row.Version {
		if s.states != nil {
			return s.loadCached(ctx, id, row)
		}
		return s.replay(ctx, id, row, row.Version)
	}

	agg, err := s.replay(ctx, id, row, at)
	if err != nil {
		return zero, err
	}
	agg.Aggregate().Lock()
	return agg, nil
}

// replay rebuilds id at target from the newest snapshot at or below target
// and the events after it.
func (s *Store[T]) replay(ctx context.Context, id string, row store.Record, target int64) (T, error) {
	var zero T
	pk := row.PartitionKey
	log := s.log.With(slog.Group("agg", slog.String("id", id), slog.Int64("target", target)))

	agg := s.typ.NewWithID(id)
	if snap, ok, err := s.latestSnapshot(ctx, pk, target); err != nil {
		return zero, fmt.Errorf("get %s snapshot: %w", id, err)
	} else if ok {
		restored, err := s.typ.DecodeSnapshot(snap.Data)
		switch {
		case err != nil:
			log.WarnContext(ctx, "snapshot ignored", slog.Int64("snapshot", snap.Version), slog.Any("error", err))
		case restored.Aggregate().ID() != id || restored.Aggregate().CurrentVersion() != snap.Version:
			log.WarnContext(ctx, "snapshot ignored: header mismatch", slog.Int64("snapshot", snap.Version))
		default:
			agg = restored
		}
	}

	b := agg.Aggregate()
	from := b.CurrentVersion() + 1
	if from <= target {
		err := s.scanEvents(ctx, pk, from, target, func(env aggregate.Envelope) error {
			if want := b.CurrentVersion() + 1; env.AggregateVersion != want {
				return s.newError(KindCorruptStream, "get", id, fmt.Errorf("found version %d, want %d", env.AggregateVersion, want))
			}
			if err := b.ApplyEvent(env); err != nil {
				return s.newError(KindCorruptStream, "get", id, err)
			}
			return nil
		})
		if err != nil {
			return zero, err
		}
	}
	if b.CurrentVersion() != target {
		return zero, s.newError(KindCorruptStream, "get", id,
			fmt.Errorf("replayed to version %d, stream is at %d", b.CurrentVersion(), target))
	}

	b.MarkLoaded(row.ETag)
	log.DebugContext(ctx, "loaded", slog.Int64("snapshot", b.SnapshotVersion()))
	return agg, nil
}

func (s *Store[T]) latestSnapshot(ctx context.Context, pk string, atOrBelow int64) (store.Record, bool, error) {
	page, err := s.driver.Query(ctx, store.Query{
		PartitionKey: pk,
		RowKeyPrefix: store.SnapshotRowPrefix,
		ToRowKey:     store.SnapshotRowKey(atOrBelow),
		Descending:   true,
		Limit:        1,
	})
	if err != nil || len(page.Records) == 0 {
		return store.Record{}, false, err
	}
	return page.Records[0], true, nil
}

// scanEvents feeds the events from..to of one partition to fn in order.
func (s *Store[T]) scanEvents(ctx context.Context, pk string, from, to int64, fn func(aggregate.Envelope) error) error {
	q := store.Query{
		PartitionKey: pk,
		RowKeyPrefix: store.EventRowPrefix,
		FromRowKey:   store.EventRowKey(from),
		ToRowKey:     store.EventRowKey(to),
		Limit:        s.opts.pageSize,
	}
	for {
		page, err := s.driver.Query(ctx, q)
		if err != nil {
			return fmt.Errorf("read events of %s: %w", pk, err)
		}
		for _, rec := range page.Records {
			env, err := s.envelope(ctx, rec)
			if err != nil {
				return s.newError(KindCorruptStream, "get", rec.AggregateID, err)
			}
			if err := fn(env); err != nil {
				return err
			}
		}
		if page.ContinuationToken == "" {
			return nil
		}
		q.ContinuationToken = page.ContinuationToken
	}
}

// loadCached serves the latest version from the cache when the entry matches
// the stream row's etag. Misses replay once per id and etag however many
// callers race for it. The shared replay is detached from every caller's
// context; each caller stops waiting when its own context ends.
func (s *Store[T]) loadCached(ctx context.Context, id string, row store.Record) (T, error) {
	pk := row.PartitionKey
	if st, ok := s.states.Get(pk); ok && st.ETag == row.ETag {
		if agg, err := s.fromState(st); err == nil {
			s.metrics.CacheHit(s.typ.Name())
			return agg, nil
		}
		s.states.Delete(pk)
	}
	s.metrics.CacheMiss(s.typ.Name())

	shared := context.WithoutCancel(ctx)
	ch := s.loads.DoChan(pk+"@"+row.ETag, func() (any, error) {
		agg, err := s.replay(shared, id, row, row.Version)
		if err != nil {
			return nil, err
		}
		st, err := s.stateOf(agg)
		if err != nil {
			s.log.WarnContext(shared, "cache skipped", slog.String("agg_id", id), slog.Any("error", err))
			return nil, nil
		}
		s.putState(pk, st)
		return st, nil
	})

	var zero T
	var res singleflight.Result
	select {
	case <-ctx.Done():
		return zero, fmt.Errorf("get %s: %w", id, ctx.Err())
	case res = <-ch:
	}
	if res.Err != nil {
		return zero, res.Err
	}
	if st, ok := res.Val.(cachedState); ok {
		return s.fromState(st)
	}
	// not cacheable: every caller replays on its own
	return s.replay(ctx, id, row, row.Version)
}

func (s *Store[T]) stateOf(agg T) (cachedState, error) {
	b := agg.Aggregate()
	data, err := s.typ.EncodeSnapshot(agg)
	if err != nil {
		return cachedState{}, err
	}
	return cachedState{Version: b.CurrentVersion(), ETag: b.ETag(), SnapshotVersion: b.SnapshotVersion(), Data: data}, nil
}

func (s *Store[T]) fromState(st cachedState) (T, error) {
	agg, err := s.typ.DecodeSnapshot(st.Data)
	if err != nil {
		return agg, err
	}
	b := agg.Aggregate()
	b.MarkSnapshot(st.SnapshotVersion)
	b.MarkLoaded(st.ETag)
	return agg, nil
}

func (s *Store[T]) putState(pk string, st cachedState) {
	if s.opts.cacheTTL > 0 {
		s.states.Put(pk, st, cache.WithTTL(s.opts.cacheTTL))
		return
	}
	s.states.Put(pk, st)
}

// refreshCache replaces the entry of a just committed aggregate.
func (s *Store[T]) refreshCache(ctx context.Context, agg T) {
	if s.states == nil {
		return
	}
	b := agg.Aggregate()
	pk := s.partitionKey(b.ID())
	if b.IsDeleted() && s.opts.evictOnDelete {
		s.states.Delete(pk)
		return
	}
	st, err := s.stateOf(agg)
	if err != nil {
		s.states.Delete(pk)
		s.log.WarnContext(ctx, "cache refresh failed", aggLog(b), slog.Any("error", err))
		return
	}
	s.putState(pk, st)
}
