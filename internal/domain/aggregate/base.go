package aggregate

import (
	"fmt"
	"time"
)

// Root is implemented by every aggregate through an embedded Base.
type Root interface {
	Aggregate() *Base
}

// dispatcher routes domain events to the handlers of one aggregate instance.
type dispatcher interface {
	has(name string) bool
	apply(e Event) error
}

// State is the aggregate metadata persisted with a snapshot.
type State struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Version int64     `json:"version"`
	Deleted bool      `json:"deleted"`
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// Base is embedded by aggregates. It tracks identity, versions, deletion and
// lock flags and the buffer of events recorded since the last save.
//
// Invariants: the id is set at most once, CurrentVersion >= SavedVersion >= 0,
// and no event may be recorded while the aggregate is locked.
type Base struct {
	id              string
	aggregateType   string
	currentVersion  int64
	savedVersion    int64
	snapshotVersion int64
	deleted         bool
	savedDeleted    bool
	locked          bool
	isNew           bool
	created         time.Time
	updated         time.Time
	etag            string
	unsaved         []Envelope

	dispatch dispatcher
	now      func() time.Time
}

func (b *Base) Aggregate() *Base { return b }

func (b *Base) ID() string             { return b.id }
func (b *Base) AggregateType() string  { return b.aggregateType }
func (b *Base) CurrentVersion() int64  { return b.currentVersion }
func (b *Base) SavedVersion() int64    { return b.savedVersion }
func (b *Base) SnapshotVersion() int64 { return b.snapshotVersion }
func (b *Base) IsDeleted() bool        { return b.deleted }
func (b *Base) IsLocked() bool         { return b.locked }
func (b *Base) IsNew() bool            { return b.isNew }
func (b *Base) Created() time.Time     { return b.created }
func (b *Base) Updated() time.Time     { return b.updated }
func (b *Base) ETag() string           { return b.etag }
func (b *Base) WasDeletedAtSave() bool { return b.savedDeleted }
func (b *Base) HasUnsavedEvents() bool { return len(b.unsaved) > 0 }
func (b *Base) UnsavedEventCount() int { return len(b.unsaved) }

// SetID assigns the aggregate id. Changing an id that is already set fails.
func (b *Base) SetID(id string) error {
	if b.id != "" && b.id != id {
		return fmt.Errorf("%w: %q cannot become %q", ErrIDAlreadySet, b.id, id)
	}
	b.id = id
	return nil
}

// UnsavedEvents returns a copy of the events recorded since the last save.
func (b *Base) UnsavedEvents() []Envelope {
	out := make([]Envelope, len(b.unsaved))
	copy(out, b.unsaved)
	return out
}

// RecordAndApply stamps e with the next version and the current time, applies
// it and appends it to the unsaved buffer. Nothing changes when it fails.
func (b *Base) RecordAndApply(e Event) error {
	if b.locked {
		return fmt.Errorf("%w: %s", ErrLocked, b.id)
	}
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrUnregisteredEvent)
	}
	name := e.EventName()
	if !b.registered(name) {
		return fmt.Errorf("%w: %s on %s", ErrUnregisteredEvent, name, b.aggregateType)
	}

	env := Envelope{
		AggregateVersion: b.currentVersion + 1,
		EventType:        name,
		When:             b.clock(),
		Payload:          e,
	}
	if err := b.ApplyEvent(env); err != nil {
		return err
	}
	b.unsaved = append(b.unsaved, env)
	return nil
}

// ApplyEvent applies an already versioned event. It is used by RecordAndApply
// and during replay.
func (b *Base) ApplyEvent(env Envelope) error {
	if env.Payload == nil {
		return fmt.Errorf("apply version %d: nil payload", env.AggregateVersion)
	}

	switch env.Payload.(type) {
	case AggregateDeletedEvent:
		b.deleted = true
	case AggregateRestoredEvent:
		b.deleted = false
	case ForceSaveEvent, UnknownEvent:
	default:
		if b.dispatch == nil {
			return fmt.Errorf("%w: %s", ErrUnregisteredEvent, env.Payload.EventName())
		}
		if err := b.dispatch.apply(env.Payload); err != nil {
			return fmt.Errorf("apply %s v%d: %w", env.Payload.EventName(), env.AggregateVersion, err)
		}
	}

	b.currentVersion = env.AggregateVersion
	b.updated = env.When
	if env.AggregateVersion == 1 {
		b.created = env.When
	}
	return nil
}

// ClearUnsavedEvents drops buffered events at or below upTo, or all of them
// when upTo is omitted, and rewinds CurrentVersion by the number removed.
// State already mutated by the dropped events is not rolled back; reload the
// aggregate to discard it.
func (b *Base) ClearUnsavedEvents(upTo ...int64) int {
	removed := b.dropUnsaved(upTo...)
	b.currentVersion -= int64(removed)
	return removed
}

func (b *Base) dropUnsaved(upTo ...int64) int {
	if len(upTo) == 0 {
		n := len(b.unsaved)
		b.unsaved = nil
		return n
	}
	kept := make([]Envelope, 0, len(b.unsaved))
	for _, env := range b.unsaved {
		if env.AggregateVersion > upTo[0] {
			kept = append(kept, env)
		}
	}
	removed := len(b.unsaved) - len(kept)
	if len(kept) == 0 {
		kept = nil
	}
	b.unsaved = kept
	return removed
}

// MarkDeleted records the soft-delete marker.
func (b *Base) MarkDeleted() error { return b.RecordAndApply(AggregateDeletedEvent{}) }

// MarkRestored records the restore marker.
func (b *Base) MarkRestored() error { return b.RecordAndApply(AggregateRestoredEvent{}) }

// ForceSave records a marker that bumps the version without changing state.
func (b *Base) ForceSave() error { return b.RecordAndApply(ForceSaveEvent{}) }

// Lock forbids any further mutation of this instance. It cannot be undone.
func (b *Base) Lock() { b.locked = true }

// MarkCommitted records that every buffered event up to version is durable.
func (b *Base) MarkCommitted(version int64, etag string) {
	b.dropUnsaved(version)
	b.savedVersion = version
	b.savedDeleted = b.deleted
	b.isNew = false
	b.etag = etag
}

// MarkSnapshot records the version of the latest persisted snapshot.
func (b *Base) MarkSnapshot(version int64) { b.snapshotVersion = version }

// MarkLoaded records that the replayed state matches the stored stream.
func (b *Base) MarkLoaded(etag string) {
	b.savedVersion = b.currentVersion
	b.savedDeleted = b.deleted
	b.isNew = false
	b.etag = etag
}

// State returns the metadata to persist with a snapshot.
func (b *Base) State() State {
	return State{
		ID:      b.id,
		Type:    b.aggregateType,
		Version: b.currentVersion,
		Deleted: b.deleted,
		Created: b.created,
		Updated: b.updated,
	}
}

// Restore seeds the metadata from a snapshot before trailing events are replayed.
func (b *Base) Restore(s State) {
	b.id = s.ID
	b.currentVersion = s.Version
	b.snapshotVersion = s.Version
	b.deleted = s.Deleted
	b.created = s.Created
	b.updated = s.Updated
}

func (b *Base) registered(name string) bool {
	if isRecordableSystemEvent(name) {
		return true
	}
	return b.dispatch != nil && b.dispatch.has(name)
}

func (b *Base) clock() time.Time {
	if b.now != nil {
		return b.now()
	}
	return time.Now().UTC()
}
