package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const readModelTable = "read_models"

// SQLReadStore implements ReadStoreInterface on one document table of a
// PostgreSQL or SQLite database.
type SQLReadStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLReadStore wraps db and creates the read model table if needed.
func NewSQLReadStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLReadStore, error) {
	rs := &SQLReadStore{db: db, dialect: dialect}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		collection %s NOT NULL,
		id %s NOT NULL,
		data %s NOT NULL,
		updated_at BIGINT NOT NULL,
		PRIMARY KEY (collection, id)
	)`, readModelTable, dialect.KeyType, dialect.KeyType, dialect.BlobType)
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, fmt.Errorf("migrate %s: %w", readModelTable, err)
	}
	return rs, nil
}

// Set stores a read model
func (rs *SQLReadStore) Set(ctx context.Context, collection, id string, data any) error {
	b, err := encodeReadModel(data)
	if err != nil {
		return err
	}
	_, err = rs.db.ExecContext(ctx, rs.dialect.Rebind(`
		INSERT INTO `+readModelTable+` (collection, id, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at
	`), collection, id, b, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", collection, id, err)
	}
	return nil
}

// Get retrieves a read model by id
func (rs *SQLReadStore) Get(ctx context.Context, collection, id string, out any) (bool, error) {
	var b []byte
	err := rs.db.QueryRowContext(ctx, rs.dialect.Rebind(
		`SELECT data FROM `+readModelTable+` WHERE collection = ? AND id = ?`,
	), collection, id).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return true, decodeReadModel(b, out)
}

// GetAll retrieves all items in a collection
func (rs *SQLReadStore) GetAll(ctx context.Context, collection string) ([]json.RawMessage, error) {
	rows, err := rs.db.QueryContext(ctx, rs.dialect.Rebind(
		`SELECT data FROM `+readModelTable+` WHERE collection = ? ORDER BY id`,
	), collection)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	defer rows.Close()

	items := []json.RawMessage{}
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		items = append(items, json.RawMessage(b))
	}
	return items, rows.Err()
}

// Delete removes a read model
func (rs *SQLReadStore) Delete(ctx context.Context, collection, id string) error {
	_, err := rs.db.ExecContext(ctx, rs.dialect.Rebind(
		`DELETE FROM `+readModelTable+` WHERE collection = ? AND id = ?`,
	), collection, id)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	return nil
}
