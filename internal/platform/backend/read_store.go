package backend

import (
	"context"
	"database/sql"

	"github.com/example/es-engine/internal/infrastructure/store"
	"github.com/example/es-engine/internal/platform/config"
)

// OpenReadStore returns the read model store matching the configured SQL
// backend. The other backends keep read models in memory.
func OpenReadStore(ctx context.Context, cfg config.Config) (store.ReadStoreInterface, func() error, error) {
	var (
		db      *sql.DB
		dialect store.Dialect
		err     error
	)
	switch cfg.Backend {
	case config.BackendSQLite:
		db, err = store.OpenSQLite(cfg.SQLitePath)
		dialect = store.SQLite
	case config.BackendPostgres:
		db, err = store.ConnectPostgres(cfg.DatabaseURL)
		dialect = store.Postgres
	default:
		return store.NewReadStore(), func() error { return nil }, nil
	}
	if err != nil {
		return nil, nil, err
	}
	rs, err := store.NewSQLReadStore(ctx, db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return rs, db.Close, nil
}
