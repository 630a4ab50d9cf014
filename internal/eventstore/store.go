// Package eventstore persists event-sourced aggregates through a
// store.Driver: optimistic concurrency on a stream-version row, idempotent
// saves, versioned snapshots, overflow of large payloads to a blob store and
// chunked commits for backends with small transaction ceilings.
package eventstore

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/sync/singleflight"

	"github.com/example/es-engine/internal/cache"
	"github.com/example/es-engine/internal/domain/aggregate"
	"github.com/example/es-engine/internal/infrastructure/store"
)

// minBatchItems leaves room for the stream row, an idempotency marker, a
// snapshot and the claim release in the final chunk of a commit.
const minBatchItems = 4

// defaultPageSize bounds the records read per driver query during replay.
const defaultPageSize = 500

// DeletedMode selects how reads treat soft-deleted aggregates.
type DeletedMode int

const (
	// DeletedAsNotFound reports a deleted aggregate like an absent one.
	DeletedAsNotFound DeletedMode = iota
	// DeletedAsError fails with ErrAlreadyDeleted.
	DeletedAsError
	// IncludeDeleted returns deleted aggregates.
	IncludeDeleted
)

type options struct {
	policy        SnapshotPolicy
	blobs         store.BlobStore
	feed          ChangeFeed
	cache         cache.Cache
	cacheTTL      time.Duration
	log           *slog.Logger
	metrics       Metrics
	deletedMode   DeletedMode
	evictOnDelete bool
	compress      bool
	pageSize      int
	orphanGrace   time.Duration
	newID         func() string
	newETag       func() string
	now           func() time.Time
}

type Option func(*options)

func WithSnapshotPolicy(p SnapshotPolicy) Option {
	return func(o *options) { o.policy = p }
}

// WithBlobStore enables overflow of payloads above the driver's payload limit.
// Without it such saves fail with ErrPayloadTooLarge.
func WithBlobStore(b store.BlobStore) Option {
	return func(o *options) { o.blobs = b }
}

func WithChangeFeed(f ChangeFeed) Option {
	return func(o *options) { o.feed = f }
}

// WithCache enables the read-through cache of committed aggregate state.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(o *options) {
		o.cache = c
		o.cacheTTL = ttl
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

func WithMetrics(m Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func WithDeletedMode(m DeletedMode) Option {
	return func(o *options) { o.deletedMode = m }
}

// WithEvictOnDelete drops the cache entry of a soft-deleted aggregate instead
// of refreshing it.
func WithEvictOnDelete(evict bool) Option {
	return func(o *options) { o.evictOnDelete = evict }
}

// WithCompression toggles zstd compression of overflow blobs. On by default.
func WithCompression(on bool) Option {
	return func(o *options) { o.compress = on }
}

// WithPageSize sets how many records one driver query returns during replay
// and listing.
func WithPageSize(n int) Option {
	return func(o *options) { o.pageSize = n }
}

// WithClock overrides the time source used for stream rows and claims.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithOrphanGrace sets how long a multi-chunk commit may hold its claim
// before a later save treats it as crashed and removes the rows it left.
// It must exceed the longest time a live commit takes to land.
func WithOrphanGrace(d time.Duration) Option {
	return func(o *options) { o.orphanGrace = d }
}

// WithIDGenerator overrides the generator of new aggregate ids.
func WithIDGenerator(gen func() string) Option {
	return func(o *options) { o.newID = gen }
}

// Store persists aggregates of one type. It is safe for concurrent use;
// the aggregates it returns are not.
type Store[T aggregate.Root] struct {
	typ     *aggregate.Type[T]
	driver  store.Driver
	limits  store.Limits
	opts    options
	log     *slog.Logger
	metrics Metrics
	states  cache.TypedCache[cachedState]
	loads   singleflight.Group
	enc     *zstd.Encoder
	dec     *zstd.Decoder
}

// New returns the store for the aggregate type registered under typeName.
func New[T aggregate.Root](registry *aggregate.Registry, typeName string, driver store.Driver, opts ...Option) (*Store[T], error) {
	if registry == nil || driver == nil {
		return nil, errors.New("eventstore: registry and driver are required")
	}
	typ, err := aggregate.Lookup[T](registry, typeName)
	if err != nil {
		return nil, fmt.Errorf("eventstore: %w", err)
	}

	o := options{
		policy:      EveryN(DefaultSnapshotInterval),
		feed:        NopChangeFeed{},
		log:         slog.Default(),
		metrics:     NopMetrics(),
		compress:    true,
		pageSize:    defaultPageSize,
		orphanGrace: defaultOrphanGrace,
		newID:       uuid.NewString,
		newETag:     func() string { return gonanoid.Must() },
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(&o)
	}

	limits := driver.Limits()
	if limits.MaxBatchItems > 0 && limits.MaxBatchItems < minBatchItems {
		return nil, fmt.Errorf("eventstore: driver batch limit %d is below %d", limits.MaxBatchItems, minBatchItems)
	}

	s := &Store[T]{
		typ:     typ,
		driver:  driver,
		limits:  limits,
		opts:    o,
		log:     o.log.With(slog.String("component", "eventstore"), slog.String("aggregate_type", typ.Name())),
		metrics: o.metrics,
	}
	if o.cache != nil {
		s.states = cache.NewTyped[cachedState](o.cache)
	}
	if o.blobs != nil {
		if s.enc, err = zstd.NewWriter(nil); err != nil {
			return nil, fmt.Errorf("eventstore: zstd encoder: %w", err)
		}
		if s.dec, err = zstd.NewReader(nil); err != nil {
			return nil, fmt.Errorf("eventstore: zstd decoder: %w", err)
		}
	}
	return s, nil
}

// MustNew is like New but panics on error.
func MustNew[T aggregate.Root](registry *aggregate.Registry, typeName string, driver store.Driver, opts ...Option) *Store[T] {
	s, err := New[T](registry, typeName, driver, opts...)
	if err != nil {
		panic(err)
	}
	return s
}

// Type returns the aggregate type this store persists.
func (s *Store[T]) Type() *aggregate.Type[T] { return s.typ }

// Create returns a new, unsaved aggregate. An empty id is replaced with a
// generated one.
func (s *Store[T]) Create(id string) T {
	if id == "" {
		id = s.opts.newID()
	}
	return s.typ.NewWithID(id)
}

func (s *Store[T]) partitionKey(id string) string {
	return store.PartitionKey(s.typ.Name(), id)
}

func (s *Store[T]) newError(kind Kind, op, id string, err error) *Error {
	return &Error{Kind: kind, Op: op, AggregateType: s.typ.Name(), AggregateID: id, Err: err}
}

func aggLog(b *aggregate.Base) slog.Attr {
	return slog.Group("agg",
		slog.String("id", b.ID()),
		slog.Int64("version", b.CurrentVersion()),
	)
}
