package store

import (
	"fmt"
	"strings"
	"time"
)

// Kind tells the rows of one aggregate partition apart.
type Kind string

const (
	KindStream      Kind = "stream"
	KindEvent       Kind = "event"
	KindPointer     Kind = "pointer"
	KindIdempotency Kind = "idempotency"
	KindSnapshot    Kind = "snapshot"
	// KindClaim marks a multi-chunk commit that is still landing.
	KindClaim Kind = "claim"
)

// Row key layout inside one aggregate partition. Version numbers are zero
// padded so lexical order equals numeric order.
const (
	StreamRowKey      = "stream"
	ClaimRowKey       = "claim"
	EventRowPrefix    = "event/"
	IdempotencyPrefix = "idem/"
	SnapshotRowPrefix = "snap/"
)

// Record is one stored row. Every aggregate owns a partition of records:
// its stream-version row, events (or overflow pointers), idempotency markers
// and snapshots.
type Record struct {
	PartitionKey  string    `json:"pk"`
	RowKey        string    `json:"rk"`
	Kind          Kind      `json:"kind"`
	AggregateType string    `json:"aggregate_type"`
	AggregateID   string    `json:"aggregate_id"`
	Version       int64     `json:"version"`
	EventType     string    `json:"event_type,omitempty"`
	IdempotencyID string    `json:"idempotency_id,omitempty"`
	Deleted       bool      `json:"deleted,omitempty"`
	ETag          string    `json:"etag,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Data          []byte    `json:"data,omitempty"`
}

// Size approximates the stored size of r, used against Limits.MaxPayloadBytes.
func (r Record) Size() int {
	return len(r.PartitionKey) + len(r.RowKey) + len(r.Kind) + len(r.AggregateType) +
		len(r.AggregateID) + len(r.EventType) + len(r.IdempotencyID) + len(r.ETag) +
		len(r.Data) + 64
}

// PartitionKey returns the partition holding every row of one aggregate.
func PartitionKey(aggregateType, aggregateID string) string {
	return aggregateType + "/" + aggregateID
}

// SplitPartitionKey reverses PartitionKey. Aggregate types never contain "/".
func SplitPartitionKey(pk string) (aggregateType, aggregateID string, ok bool) {
	return strings.Cut(pk, "/")
}

func EventRowKey(version int64) string {
	return fmt.Sprintf("%s%020d", EventRowPrefix, version)
}

func SnapshotRowKey(version int64) string {
	return fmt.Sprintf("%s%020d", SnapshotRowPrefix, version)
}

func IdempotencyRowKey(id string) string {
	return IdempotencyPrefix + id
}
