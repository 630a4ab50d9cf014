package eventstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/example/es-engine/internal/domain/aggregate"
	"github.com/example/es-engine/internal/infrastructure/store"
)

// Kind classifies the failures the store raises as errors. Expected business
// outcomes (nothing to save, validation failures) are reported in SaveResult.
type Kind int

const (
	KindCommitFailure Kind = iota
	KindConcurrencyConflict
	KindAlreadyDeleted
	KindNotDeleted
	KindLocked
	KindUnregisteredEvent
	KindIDAlreadySet
	KindPartitionKeyMismatch
	KindNotFound
	KindCorruptStream
	KindPayloadTooLarge
)

var (
	ErrCommitFailure        = errors.New("commit failed")
	ErrConcurrencyConflict  = errors.New("concurrency conflict")
	ErrAlreadyDeleted       = errors.New("aggregate is deleted")
	ErrNotDeleted           = errors.New("aggregate is not deleted")
	ErrLocked               = errors.New("aggregate is locked")
	ErrUnregisteredEvent    = errors.New("event type is not registered")
	ErrIDAlreadySet         = errors.New("aggregate id already set")
	ErrPartitionKeyMismatch = errors.New("partition key mismatch")
	ErrNotFound             = errors.New("aggregate not found")
	ErrCorruptStream        = errors.New("corrupt event stream")
	ErrPayloadTooLarge      = errors.New("payload too large")
)

func (k Kind) sentinel() error {
	switch k {
	case KindConcurrencyConflict:
		return ErrConcurrencyConflict
	case KindAlreadyDeleted:
		return ErrAlreadyDeleted
	case KindNotDeleted:
		return ErrNotDeleted
	case KindLocked:
		return ErrLocked
	case KindUnregisteredEvent:
		return ErrUnregisteredEvent
	case KindIDAlreadySet:
		return ErrIDAlreadySet
	case KindPartitionKeyMismatch:
		return ErrPartitionKeyMismatch
	case KindNotFound:
		return ErrNotFound
	case KindCorruptStream:
		return ErrCorruptStream
	case KindPayloadTooLarge:
		return ErrPayloadTooLarge
	}
	return ErrCommitFailure
}

func (k Kind) String() string { return k.sentinel().Error() }

// Error carries the context needed to diagnose a failed operation.
// errors.Is matches it against the sentinel of its Kind and against the
// wrapped cause.
type Error struct {
	Kind            Kind
	Op              string
	AggregateType   string
	AggregateID     string
	IdempotencyID   string
	ExpectedVersion int64
	ActualVersion   int64
	Err             error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(" ")
	b.WriteString(e.AggregateType)
	if e.AggregateID != "" {
		b.WriteString("/")
		b.WriteString(e.AggregateID)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.IdempotencyID != "" {
		fmt.Fprintf(&b, " (idempotency_id=%s)", e.IdempotencyID)
	}
	if e.Kind == KindConcurrencyConflict || e.ExpectedVersion != 0 || e.ActualVersion != 0 {
		fmt.Fprintf(&b, " (expected_version=%d actual_version=%d)", e.ExpectedVersion, e.ActualVersion)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == e.Kind.sentinel() }

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// classify maps driver and engine errors to a Kind.
func classify(err error) Kind {
	switch {
	case errors.Is(err, store.ErrVersionConflict):
		return KindConcurrencyConflict
	case errors.Is(err, store.ErrPartitionKeyMismatch):
		return KindPartitionKeyMismatch
	case errors.Is(err, store.ErrPayloadTooLarge):
		return KindPayloadTooLarge
	case errors.Is(err, aggregate.ErrLocked):
		return KindLocked
	case errors.Is(err, aggregate.ErrUnregisteredEvent):
		return KindUnregisteredEvent
	case errors.Is(err, aggregate.ErrIDAlreadySet):
		return KindIDAlreadySet
	}
	return KindCommitFailure
}
