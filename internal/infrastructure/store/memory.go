package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Defaults mirroring a typical partitioned table service.
const (
	DefaultMaxBatchItems   = 100
	DefaultMaxPayloadBytes = 64 * 1024
)

// MemoryDriver keeps records in process memory. It honours the same limits
// and conditions as the persistent drivers and backs tests and local runs.
type MemoryDriver struct {
	mu         sync.RWMutex
	partitions map[string]map[string]Record // partitionKey -> rowKey -> record
	limits     Limits
}

func NewMemoryDriver(limits Limits) *MemoryDriver {
	if limits.MaxBatchItems <= 0 {
		limits.MaxBatchItems = DefaultMaxBatchItems
	}
	if limits.MaxPayloadBytes <= 0 {
		limits.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	return &MemoryDriver{
		partitions: make(map[string]map[string]Record),
		limits:     limits,
	}
}

func (d *MemoryDriver) Limits() Limits { return d.limits }

func (d *MemoryDriver) ConditionalWrite(ctx context.Context, partitionKey string, rec Record, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateRecord(partitionKey, rec, d.limits); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	current, exists := d.partitions[partitionKey][rec.RowKey]
	switch {
	case expectedVersion == AnyVersion:
	case expectedVersion == 0 && exists:
		return fmt.Errorf("%w: %s/%s exists at version %d", ErrVersionConflict, partitionKey, rec.RowKey, current.Version)
	case expectedVersion > 0 && (!exists || current.Version != expectedVersion):
		return fmt.Errorf("%w: %s/%s expected version %d", ErrVersionConflict, partitionKey, rec.RowKey, expectedVersion)
	}
	d.put(rec)
	return nil
}

func (d *MemoryDriver) AtomicBatch(ctx context.Context, partitionKey string, writes []Write) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateBatch(partitionKey, writes, d.limits); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// check every condition before applying anything
	for i, w := range writes {
		current, exists := d.partitions[partitionKey][w.Record.RowKey]
		switch w.Condition {
		case CondMustNotExist:
			if exists {
				return &BatchError{Index: i, Err: fmt.Errorf("%w: %s exists", ErrVersionConflict, w.Record.RowKey)}
			}
		case CondVersionEquals:
			if !exists || current.Version != w.ExpectedVersion {
				return &BatchError{Index: i, Err: fmt.Errorf("%w: %s expected version %d", ErrVersionConflict, w.Record.RowKey, w.ExpectedVersion)}
			}
		case CondETagEquals:
			if !exists || current.ETag != w.ExpectedETag {
				return &BatchError{Index: i, Err: fmt.Errorf("%w: %s expected etag %s", ErrVersionConflict, w.Record.RowKey, w.ExpectedETag)}
			}
		}
	}

	for _, w := range writes {
		switch w.Op {
		case OpPut:
			d.put(w.Record)
		case OpDelete:
			delete(d.partitions[partitionKey], w.Record.RowKey)
		}
	}
	if len(d.partitions[partitionKey]) == 0 {
		delete(d.partitions, partitionKey)
	}
	return nil
}

func (d *MemoryDriver) Get(ctx context.Context, partitionKey, rowKey string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	rec, ok := d.partitions[partitionKey][rowKey]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s/%s", ErrNotFound, partitionKey, rowKey)
	}
	return cloneRecord(rec), nil
}

func (d *MemoryDriver) Query(ctx context.Context, q Query) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	pos, hasPos, err := decodeToken(q.ContinuationToken)
	if err != nil {
		return Page{}, err
	}

	d.mu.RLock()
	var matched []Record
	for pk, rows := range d.partitions {
		if q.PartitionKey != "" && pk != q.PartitionKey {
			continue
		}
		for _, rec := range rows {
			if hasPos && !pos.beyond(rec.PartitionKey, rec.RowKey, q.Descending) {
				continue
			}
			if q.matches(rec) {
				matched = append(matched, cloneRecord(rec))
			}
		}
	}
	d.mu.RUnlock()

	sortRecords(matched, q.Descending)

	if q.Limit <= 0 || len(matched) <= q.Limit {
		return Page{Records: matched}, nil
	}
	page := matched[:q.Limit]
	last := page[len(page)-1]
	return Page{
		Records:           page,
		ContinuationToken: encodeToken(position{PartitionKey: last.PartitionKey, RowKey: last.RowKey}),
	}, nil
}

func (d *MemoryDriver) Delete(ctx context.Context, partitionKey, rowKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.partitions[partitionKey], rowKey)
	if len(d.partitions[partitionKey]) == 0 {
		delete(d.partitions, partitionKey)
	}
	return nil
}

func (d *MemoryDriver) DeleteAll(ctx context.Context, partitionKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.partitions, partitionKey)
	return nil
}

// Len returns the number of records stored across all partitions.
func (d *MemoryDriver) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, rows := range d.partitions {
		n += len(rows)
	}
	return n
}

func (d *MemoryDriver) put(rec Record) {
	rows, ok := d.partitions[rec.PartitionKey]
	if !ok {
		rows = make(map[string]Record)
		d.partitions[rec.PartitionKey] = rows
	}
	rows[rec.RowKey] = cloneRecord(rec)
}

func cloneRecord(rec Record) Record {
	if rec.Data != nil {
		rec.Data = append([]byte(nil), rec.Data...)
	}
	return rec
}

func sortRecords(recs []Record, descending bool) {
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		if a.PartitionKey != b.PartitionKey {
			return (a.PartitionKey < b.PartitionKey) != descending
		}
		return (a.RowKey < b.RowKey) != descending
	})
}

var _ Driver = (*MemoryDriver)(nil)
