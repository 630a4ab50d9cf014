package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound             = errors.New("record not found")
	ErrVersionConflict      = errors.New("version conflict")
	ErrPartitionKeyMismatch = errors.New("batch spans more than one partition")
	ErrBatchTooLarge        = errors.New("batch exceeds the driver item limit")
	ErrPayloadTooLarge      = errors.New("record exceeds the driver payload limit")
	ErrInvalidToken         = errors.New("invalid continuation token")
)

// AnyVersion makes ConditionalWrite unconditional.
const AnyVersion int64 = -1

// Limits are the physical ceilings of a backend. Chunking and overflow are
// computed from them, never from constants.
type Limits struct {
	MaxBatchItems   int
	MaxPayloadBytes int
}

// Driver is the capability contract a backend must offer to the event store.
// All writes of one call are scoped to a single partition.
type Driver interface {
	Limits() Limits

	// ConditionalWrite puts rec if the stored row's version equals
	// expectedVersion. Zero means the row must not exist yet and AnyVersion
	// skips the check. Fails with ErrVersionConflict.
	ConditionalWrite(ctx context.Context, partitionKey string, rec Record, expectedVersion int64) error

	// AtomicBatch applies every write or none. A failing write is reported as
	// a *BatchError carrying its index.
	AtomicBatch(ctx context.Context, partitionKey string, writes []Write) error

	// Get returns ErrNotFound when the row is absent.
	Get(ctx context.Context, partitionKey, rowKey string) (Record, error)

	Query(ctx context.Context, q Query) (Page, error)

	// Delete and DeleteAll succeed when nothing matches.
	Delete(ctx context.Context, partitionKey, rowKey string) error
	DeleteAll(ctx context.Context, partitionKey string) error
}

type Op int

const (
	OpPut Op = iota
	OpDelete
)

type Condition int

const (
	CondNone Condition = iota
	CondMustNotExist
	CondVersionEquals
	// CondETagEquals requires the stored row to exist with ExpectedETag.
	CondETagEquals
)

// Write is one element of an atomic batch. Conditions apply to deletes as
// well as puts.
type Write struct {
	Op              Op
	Record          Record
	Condition       Condition
	ExpectedVersion int64
	ExpectedETag    string
}

func Put(rec Record) Write {
	return Write{Op: OpPut, Record: rec}
}

func PutIfAbsent(rec Record) Write {
	return Write{Op: OpPut, Record: rec, Condition: CondMustNotExist}
}

// PutIfVersion conditions the put on the stored version. Version 0 means the
// row must not exist.
func PutIfVersion(rec Record, expected int64) Write {
	if expected == 0 {
		return PutIfAbsent(rec)
	}
	return Write{Op: OpPut, Record: rec, Condition: CondVersionEquals, ExpectedVersion: expected}
}

func DeleteRow(partitionKey, rowKey string) Write {
	return Write{Op: OpDelete, Record: Record{PartitionKey: partitionKey, RowKey: rowKey}}
}

// DeleteIfETag deletes the row only while it still carries etag.
func DeleteIfETag(partitionKey, rowKey, etag string) Write {
	w := DeleteRow(partitionKey, rowKey)
	w.Condition = CondETagEquals
	w.ExpectedETag = etag
	return w
}

// BatchError reports the first write of a batch that failed.
type BatchError struct {
	Index int
	Err   error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch write %d: %v", e.Index, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// FailedIndex returns the failing index of a batch error, or -1.
func FailedIndex(err error) int {
	var be *BatchError
	if errors.As(err, &be) {
		return be.Index
	}
	return -1
}

// Query selects records in key order: by partition, then row key. Predicate
// runs after the backend has read a page, so a page may hold fewer than Limit
// records while a continuation token is still returned.
type Query struct {
	PartitionKey      string // empty queries every partition
	RowKeyPrefix      string
	FromRowKey        string // inclusive
	ToRowKey          string // inclusive
	Kind              Kind
	AggregateType     string
	Predicate         func(Record) bool
	Descending        bool
	Limit             int // 0 returns everything
	ContinuationToken string
}

func (q Query) matches(r Record) bool {
	if q.PartitionKey != "" && r.PartitionKey != q.PartitionKey {
		return false
	}
	if q.RowKeyPrefix != "" && !strings.HasPrefix(r.RowKey, q.RowKeyPrefix) {
		return false
	}
	if q.FromRowKey != "" && r.RowKey < q.FromRowKey {
		return false
	}
	if q.ToRowKey != "" && r.RowKey > q.ToRowKey {
		return false
	}
	if q.Kind != "" && r.Kind != q.Kind {
		return false
	}
	if q.AggregateType != "" && r.AggregateType != q.AggregateType {
		return false
	}
	return q.Predicate == nil || q.Predicate(r)
}

type Page struct {
	Records           []Record
	ContinuationToken string
}

// validateBatch runs the checks every driver performs before touching its
// backend.
func validateBatch(partitionKey string, writes []Write, limits Limits) error {
	if len(writes) == 0 {
		return nil
	}
	if limits.MaxBatchItems > 0 && len(writes) > limits.MaxBatchItems {
		return fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(writes), limits.MaxBatchItems)
	}
	seen := make(map[string]bool, len(writes))
	for i, w := range writes {
		if seen[w.Record.RowKey] {
			return &BatchError{Index: i, Err: fmt.Errorf("duplicate row %s in batch", w.Record.RowKey)}
		}
		seen[w.Record.RowKey] = true
		if w.Record.PartitionKey != partitionKey {
			return &BatchError{Index: i, Err: fmt.Errorf("%w: %q in %q", ErrPartitionKeyMismatch, w.Record.PartitionKey, partitionKey)}
		}
		if w.Op == OpPut && limits.MaxPayloadBytes > 0 && w.Record.Size() > limits.MaxPayloadBytes {
			return &BatchError{Index: i, Err: fmt.Errorf("%w: %s is %d bytes", ErrPayloadTooLarge, w.Record.RowKey, w.Record.Size())}
		}
	}
	return nil
}

func validateRecord(partitionKey string, rec Record, limits Limits) error {
	if rec.PartitionKey != partitionKey {
		return fmt.Errorf("%w: %q in %q", ErrPartitionKeyMismatch, rec.PartitionKey, partitionKey)
	}
	if limits.MaxPayloadBytes > 0 && rec.Size() > limits.MaxPayloadBytes {
		return fmt.Errorf("%w: %s is %d bytes", ErrPayloadTooLarge, rec.RowKey, rec.Size())
	}
	return nil
}
