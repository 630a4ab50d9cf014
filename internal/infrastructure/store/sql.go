package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect captures the differences between the supported SQL engines.
type Dialect struct {
	Name string
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string
	BlobType    string
	KeyType     string
}

var (
	Postgres = Dialect{
		Name:        "postgres",
		Placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
		BlobType:    "BYTEA",
		KeyType:     `TEXT COLLATE "C"`,
	}
	SQLite = Dialect{
		Name:        "sqlite",
		Placeholder: func(int) string { return "?" },
		BlobType:    "BLOB",
		KeyType:     "TEXT",
	}
)

const (
	DefaultSQLMaxBatchItems   = 1000
	DefaultSQLMaxPayloadBytes = 1 << 20
	recordTable               = "es_records"
	recordColumns             = "partition_key, row_key, kind, aggregate_type, aggregate_id, version, event_type, idempotency_id, deleted, etag, ts, data"
)

// SQLDriver stores records in one table of a PostgreSQL or SQLite database.
// AtomicBatch runs inside a single transaction.
type SQLDriver struct {
	db      *sql.DB
	dialect Dialect
	limits  Limits
}

// NewSQLDriver wraps db and creates the record table if needed.
func NewSQLDriver(ctx context.Context, db *sql.DB, dialect Dialect, limits Limits) (*SQLDriver, error) {
	if limits.MaxBatchItems <= 0 {
		limits.MaxBatchItems = DefaultSQLMaxBatchItems
	}
	if limits.MaxPayloadBytes <= 0 {
		limits.MaxPayloadBytes = DefaultSQLMaxPayloadBytes
	}
	d := &SQLDriver{db: db, dialect: dialect, limits: limits}
	if err := d.migrate(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// ConnectPostgres establishes a connection to PostgreSQL
func ConnectPostgres(connStr string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

// OpenSQLite opens a SQLite database file in WAL mode.
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// a single connection serialises writers
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return db, nil
}

func (d *SQLDriver) migrate(ctx context.Context) error {
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			partition_key %s NOT NULL,
			row_key %s NOT NULL,
			kind TEXT NOT NULL,
			aggregate_type TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			version BIGINT NOT NULL,
			event_type TEXT NOT NULL DEFAULT '',
			idempotency_id TEXT NOT NULL DEFAULT '',
			deleted INTEGER NOT NULL DEFAULT 0,
			etag TEXT NOT NULL DEFAULT '',
			ts BIGINT NOT NULL,
			data %s,
			PRIMARY KEY (partition_key, row_key)
		)`, recordTable, d.dialect.KeyType, d.dialect.KeyType, d.dialect.BlobType),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_kind_type ON %s (kind, aggregate_type)`, recordTable, recordTable),
	}
	for _, stmt := range ddl {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", recordTable, err)
		}
	}
	return nil
}

func (d *SQLDriver) Limits() Limits { return d.limits }

// DB returns the underlying handle.
func (d *SQLDriver) DB() *sql.DB { return d.db }

func (d *SQLDriver) ConditionalWrite(ctx context.Context, partitionKey string, rec Record, expectedVersion int64) error {
	if err := validateRecord(partitionKey, rec, d.limits); err != nil {
		return err
	}

	w := Put(rec)
	switch {
	case expectedVersion == 0:
		w = PutIfAbsent(rec)
	case expectedVersion > 0:
		w = PutIfVersion(rec, expectedVersion)
	}
	ok, err := d.apply(ctx, d.db, w)
	if err != nil {
		return fmt.Errorf("conditional write %s/%s: %w", partitionKey, rec.RowKey, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s/%s expected version %d", ErrVersionConflict, partitionKey, rec.RowKey, expectedVersion)
	}
	return nil
}

func (d *SQLDriver) AtomicBatch(ctx context.Context, partitionKey string, writes []Write) (err error) {
	if err := validateBatch(partitionKey, writes, d.limits); err != nil {
		return err
	}
	if len(writes) == 0 {
		return nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for i, w := range writes {
		ok, err := d.apply(ctx, tx, w)
		if err != nil {
			return &BatchError{Index: i, Err: err}
		}
		if !ok {
			return &BatchError{Index: i, Err: fmt.Errorf("%w: %s", ErrVersionConflict, w.Record.RowKey)}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// apply executes one write. ok is false when its condition did not hold.
func (d *SQLDriver) apply(ctx context.Context, db execer, w Write) (ok bool, err error) {
	r := w.Record
	var (
		query string
		args  []any
	)
	values := []any{r.PartitionKey, r.RowKey, string(r.Kind), r.AggregateType, r.AggregateID, r.Version,
		r.EventType, r.IdempotencyID, boolToInt(r.Deleted), r.ETag, r.Timestamp.UnixNano(), r.Data}

	switch {
	case w.Op == OpDelete && w.Condition == CondETagEquals:
		query = "DELETE FROM " + recordTable + " WHERE partition_key = ? AND row_key = ? AND etag = ?"
		args = []any{r.PartitionKey, r.RowKey, w.ExpectedETag}
	case w.Op == OpDelete:
		query = "DELETE FROM " + recordTable + " WHERE partition_key = ? AND row_key = ?"
		args = []any{r.PartitionKey, r.RowKey}
	case w.Condition == CondETagEquals:
		query = "UPDATE " + recordTable + " SET kind = ?, aggregate_type = ?, aggregate_id = ?, version = ?, event_type = ?, " +
			"idempotency_id = ?, deleted = ?, etag = ?, ts = ?, data = ? WHERE partition_key = ? AND row_key = ? AND etag = ?"
		args = append(append([]any{}, values[2:]...), r.PartitionKey, r.RowKey, w.ExpectedETag)
	case w.Condition == CondMustNotExist:
		query = "INSERT INTO " + recordTable + " (" + recordColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) " +
			"ON CONFLICT (partition_key, row_key) DO NOTHING"
		args = values
	case w.Condition == CondVersionEquals:
		query = "UPDATE " + recordTable + " SET kind = ?, aggregate_type = ?, aggregate_id = ?, version = ?, event_type = ?, " +
			"idempotency_id = ?, deleted = ?, etag = ?, ts = ?, data = ? WHERE partition_key = ? AND row_key = ? AND version = ?"
		args = append(append([]any{}, values[2:]...), r.PartitionKey, r.RowKey, w.ExpectedVersion)
	default:
		query = "INSERT INTO " + recordTable + " (" + recordColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) " +
			"ON CONFLICT (partition_key, row_key) DO UPDATE SET kind = excluded.kind, aggregate_type = excluded.aggregate_type, " +
			"aggregate_id = excluded.aggregate_id, version = excluded.version, event_type = excluded.event_type, " +
			"idempotency_id = excluded.idempotency_id, deleted = excluded.deleted, etag = excluded.etag, ts = excluded.ts, data = excluded.data"
		args = values
	}

	res, err := db.ExecContext(ctx, d.rebind(query), args...)
	if err != nil {
		return false, err
	}
	if w.Condition == CondNone || (w.Op == OpDelete && w.Condition != CondETagEquals) {
		return true, nil
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (d *SQLDriver) Get(ctx context.Context, partitionKey, rowKey string) (Record, error) {
	row := d.db.QueryRowContext(ctx,
		d.rebind("SELECT "+recordColumns+" FROM "+recordTable+" WHERE partition_key = ? AND row_key = ?"),
		partitionKey, rowKey)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s/%s", ErrNotFound, partitionKey, rowKey)
	}
	if err != nil {
		return Record{}, fmt.Errorf("get %s/%s: %w", partitionKey, rowKey, err)
	}
	return rec, nil
}

func (d *SQLDriver) Query(ctx context.Context, q Query) (Page, error) {
	pos, hasPos, err := decodeToken(q.ContinuationToken)
	if err != nil {
		return Page{}, err
	}

	var (
		where []string
		args  []any
	)
	if q.PartitionKey != "" {
		where = append(where, "partition_key = ?")
		args = append(args, q.PartitionKey)
	}
	if q.RowKeyPrefix != "" {
		where = append(where, fmt.Sprintf("substr(row_key, 1, %d) = ?", len(q.RowKeyPrefix)))
		args = append(args, q.RowKeyPrefix)
	}
	if q.FromRowKey != "" {
		where = append(where, "row_key >= ?")
		args = append(args, q.FromRowKey)
	}
	if q.ToRowKey != "" {
		where = append(where, "row_key <= ?")
		args = append(args, q.ToRowKey)
	}
	if q.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(q.Kind))
	}
	if q.AggregateType != "" {
		where = append(where, "aggregate_type = ?")
		args = append(args, q.AggregateType)
	}
	cmp, order := ">", "ASC"
	if q.Descending {
		cmp, order = "<", "DESC"
	}
	if hasPos {
		where = append(where, fmt.Sprintf("(partition_key %s ? OR (partition_key = ? AND row_key %s ?))", cmp, cmp))
		args = append(args, pos.PartitionKey, pos.PartitionKey, pos.RowKey)
	}

	query := "SELECT " + recordColumns + " FROM " + recordTable
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY partition_key %s, row_key %s", order, order)
	if q.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(q.Limit)
	}

	rows, err := d.db.QueryContext(ctx, d.rebind(query), args...)
	if err != nil {
		return Page{}, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var (
		page    Page
		scanned int
		last    Record
	)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return Page{}, fmt.Errorf("scan record: %w", err)
		}
		scanned++
		last = rec
		if q.Predicate == nil || q.Predicate(rec) {
			page.Records = append(page.Records, rec)
		}
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("query records: %w", err)
	}
	if q.Limit > 0 && scanned == q.Limit {
		page.ContinuationToken = encodeToken(position{PartitionKey: last.PartitionKey, RowKey: last.RowKey})
	}
	return page, nil
}

func (d *SQLDriver) Delete(ctx context.Context, partitionKey, rowKey string) error {
	_, err := d.db.ExecContext(ctx,
		d.rebind("DELETE FROM "+recordTable+" WHERE partition_key = ? AND row_key = ?"), partitionKey, rowKey)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", partitionKey, rowKey, err)
	}
	return nil
}

func (d *SQLDriver) DeleteAll(ctx context.Context, partitionKey string) error {
	_, err := d.db.ExecContext(ctx, d.rebind("DELETE FROM "+recordTable+" WHERE partition_key = ?"), partitionKey)
	if err != nil {
		return fmt.Errorf("delete partition %s: %w", partitionKey, err)
	}
	return nil
}

func (d *SQLDriver) rebind(query string) string { return d.dialect.Rebind(query) }

// Rebind rewrites "?" placeholders for the dialect.
func (d Dialect) Rebind(query string) string {
	if d.Placeholder == nil {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteString(d.Placeholder(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (Record, error) {
	var (
		rec     Record
		kind    string
		deleted int64
		ts      int64
	)
	err := s.Scan(&rec.PartitionKey, &rec.RowKey, &kind, &rec.AggregateType, &rec.AggregateID, &rec.Version,
		&rec.EventType, &rec.IdempotencyID, &deleted, &rec.ETag, &ts, &rec.Data)
	if err != nil {
		return Record{}, err
	}
	rec.Kind = Kind(kind)
	rec.Deleted = deleted != 0
	rec.Timestamp = time.Unix(0, ts).UTC()
	return rec, nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

var _ Driver = (*SQLDriver)(nil)
