// Package backend opens the storage selected by config.Config and turns the
// remaining settings into event store options.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/es-engine/internal/cache"
	"github.com/example/es-engine/internal/eventstore"
	"github.com/example/es-engine/internal/infrastructure/store"
	"github.com/example/es-engine/internal/platform/config"
)

// Backend bundles a driver with its blob store and owns their connections.
type Backend struct {
	Driver store.Driver
	Blobs  store.BlobStore

	closers []func() error
}

// Open connects the configured driver and blob store.
func Open(ctx context.Context, cfg config.Config) (_ *Backend, err error) {
	b := &Backend{}
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	limits := store.Limits{MaxBatchItems: cfg.MaxBatchItems, MaxPayloadBytes: cfg.MaxPayloadBytes}
	switch cfg.Backend {
	case config.BackendMemory:
		b.Driver = store.NewMemoryDriver(limits)
	case config.BackendSQLite:
		db, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, db.Close)
		if b.Driver, err = store.NewSQLDriver(ctx, db, store.SQLite, limits); err != nil {
			return nil, err
		}
	case config.BackendPostgres:
		db, err := store.ConnectPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		b.closers = append(b.closers, db.Close)
		if b.Driver, err = store.NewSQLDriver(ctx, db, store.Postgres, limits); err != nil {
			return nil, err
		}
	case config.BackendDynamo:
		client, err := store.NewDynamoClient(ctx, cfg.AWSRegion, cfg.DynamoEndpoint)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureDynamoTable(ctx, client, cfg.DynamoTable); err != nil {
			return nil, err
		}
		b.Driver = store.NewDynamoDriver(client, cfg.DynamoTable, limits)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}

	switch cfg.BlobBackend {
	case config.BlobNone:
	case config.BlobMemory:
		b.Blobs = store.NewMemoryBlobStore()
	case config.BlobBolt:
		bolt, err := store.OpenBoltBlobStore(cfg.BoltPath)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, bolt.Close)
		b.Blobs = bolt
	case config.BlobNATS:
		connect := store.ConnectNATSDefault()
		if cfg.NATSURL != "" {
			connect = store.ConnectNATS(cfg.NATSURL)
		}
		nats, err := store.NewNATSBlobStore(ctx, store.NATSBlobConfig{Connect: connect, Bucket: cfg.NATSBucket})
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() error { nats.Close(); return nil })
		b.Blobs = nats
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.BlobBackend)
	}
	return b, nil
}

// Close releases connections in reverse order of opening.
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	b.closers = nil
	return errors.Join(errs...)
}

// StoreOptions maps the tuning settings onto event store options. logger,
// metrics and feed may be nil.
func (b *Backend) StoreOptions(cfg config.Config, logger *slog.Logger, metrics eventstore.Metrics, feed eventstore.ChangeFeed) []eventstore.Option {
	opts := []eventstore.Option{
		eventstore.WithBlobStore(b.Blobs),
		eventstore.WithCompression(cfg.CompressOverflow),
	}
	if logger != nil {
		opts = append(opts, eventstore.WithLogger(logger))
	}
	if cfg.SnapshotInterval > 0 {
		opts = append(opts, eventstore.WithSnapshotPolicy(eventstore.EveryN(cfg.SnapshotInterval)))
	} else {
		opts = append(opts, eventstore.WithSnapshotPolicy(eventstore.NeverSnapshot()))
	}
	if cfg.CacheSize > 0 {
		opts = append(opts, eventstore.WithCache(cache.NewLRU(cache.LRUOpts{Size: cfg.CacheSize}), cfg.CacheTTL))
	}
	if metrics != nil {
		opts = append(opts, eventstore.WithMetrics(metrics))
	}
	if feed != nil {
		opts = append(opts, eventstore.WithChangeFeed(feed))
	}
	return opts
}
