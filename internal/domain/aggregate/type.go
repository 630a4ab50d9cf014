package aggregate

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Type describes one aggregate kind: its name, a constructor for blank state
// and the handler table. Values are immutable once Define returns.
type Type[T Root] struct {
	name     string
	newState func() T
	handlers *Handlers[T]
}

// Define builds an aggregate type. newState must return a fresh, non-nil
// instance on every call; register binds the event handlers with On.
func Define[T Root](name string, newState func() T, register func(*Handlers[T]) error) (*Type[T], error) {
	if strings.TrimSpace(name) == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("define aggregate: invalid type name %q", name)
	}
	if newState == nil {
		return nil, errors.New("define aggregate: newState is required")
	}

	h := newHandlers[T](name)
	if register != nil {
		if err := register(h); err != nil {
			return nil, fmt.Errorf("define %s: %w", name, err)
		}
	}
	return &Type[T]{name: name, newState: newState, handlers: h}, nil
}

// MustDefine is like Define but panics on error. Meant for package-level vars.
func MustDefine[T Root](name string, newState func() T, register func(*Handlers[T]) error) *Type[T] {
	t, err := Define(name, newState, register)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Type[T]) Name() string         { return t.name }
func (t *Type[T]) EventNames() []string { return t.handlers.Names() }

// New returns a blank instance bound to this type's handlers.
func (t *Type[T]) New() T {
	agg := t.newState()
	b := agg.Aggregate()
	b.aggregateType = t.name
	b.dispatch = bound[T]{handlers: t.handlers, target: agg}
	b.isNew = true
	return agg
}

// NewWithID returns a blank instance with its id set.
func (t *Type[T]) NewWithID(id string) T {
	agg := t.New()
	agg.Aggregate().id = id
	return agg
}

// Decode turns a stored payload back into an event. Names that are neither
// built in nor registered come back as UnknownEvent with known=false so
// replay can carry on.
func (t *Type[T]) Decode(name string, data []byte) (e Event, known bool, err error) {
	if isSystemEvent(name) {
		e, err = decodeSystemEvent(name, data)
		return e, err == nil, err
	}
	dec, ok := t.handlers.decode[name]
	if !ok {
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return UnknownEvent{Name: name, Raw: raw}, false, nil
	}
	e, err = dec(data)
	if err != nil {
		return nil, true, err
	}
	return e, true, nil
}

// Encode serializes an event payload.
func (t *Type[T]) Encode(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", e.EventName(), err)
	}
	return data, nil
}

type snapshotDoc struct {
	State State           `json:"state"`
	Data  json.RawMessage `json:"data"`
}

// EncodeSnapshot serializes the full state of agg: Base metadata plus the
// exported fields of the aggregate.
func (t *Type[T]) EncodeSnapshot(agg T) ([]byte, error) {
	data, err := json.Marshal(agg)
	if err != nil {
		return nil, fmt.Errorf("encode %s snapshot: %w", t.name, err)
	}
	return json.Marshal(snapshotDoc{State: agg.Aggregate().State(), Data: data})
}

// DecodeSnapshot rebuilds an instance from EncodeSnapshot output.
func (t *Type[T]) DecodeSnapshot(data []byte) (T, error) {
	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		var zero T
		return zero, fmt.Errorf("decode %s snapshot: %w", t.name, err)
	}
	agg := t.New()
	if len(doc.Data) > 0 {
		if err := json.Unmarshal(doc.Data, agg); err != nil {
			var zero T
			return zero, fmt.Errorf("decode %s snapshot: %w", t.name, err)
		}
	}
	agg.Aggregate().Restore(doc.State)
	return agg, nil
}
