package aggregate

import (
	"encoding/json"
	"fmt"
)

// Built-in events handled by Base itself. Their names are reserved.
type (
	// AggregateDeletedEvent marks the aggregate as soft deleted.
	AggregateDeletedEvent struct{}
	// AggregateRestoredEvent reverses a soft delete.
	AggregateRestoredEvent struct{}
	// ForceSaveEvent changes nothing; it only forces a commit of an otherwise unchanged aggregate.
	ForceSaveEvent struct{}
	// UnknownEvent stands in for a persisted event whose type is no longer registered.
	UnknownEvent struct {
		Name string          `json:"name"`
		Raw  json.RawMessage `json:"raw,omitempty"`
	}
)

func (AggregateDeletedEvent) EventName() string  { return "AggregateDeletedEvent" }
func (AggregateRestoredEvent) EventName() string { return "AggregateRestoredEvent" }
func (ForceSaveEvent) EventName() string         { return "ForceSaveEvent" }
func (UnknownEvent) EventName() string           { return "UnknownEvent" }

func isSystemEvent(name string) bool {
	switch name {
	case AggregateDeletedEvent{}.EventName(),
		AggregateRestoredEvent{}.EventName(),
		ForceSaveEvent{}.EventName(),
		UnknownEvent{}.EventName():
		return true
	}
	return false
}

// recordable system events; UnknownEvent only ever comes out of replay.
func isRecordableSystemEvent(name string) bool {
	return isSystemEvent(name) && name != (UnknownEvent{}).EventName()
}

func decodeSystemEvent(name string, data []byte) (Event, error) {
	switch name {
	case AggregateDeletedEvent{}.EventName():
		return AggregateDeletedEvent{}, nil
	case AggregateRestoredEvent{}.EventName():
		return AggregateRestoredEvent{}, nil
	case ForceSaveEvent{}.EventName():
		return ForceSaveEvent{}, nil
	case UnknownEvent{}.EventName():
		var e UnknownEvent
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e); err != nil {
				return nil, fmt.Errorf("decode %s: %w", name, err)
			}
		}
		return e, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnregisteredEvent, name)
}
