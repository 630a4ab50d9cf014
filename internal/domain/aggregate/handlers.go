package aggregate

import (
	"encoding/json"
	"fmt"
	"sort"
)

type (
	applyFunc[T any] func(T, Event) error
	decodeFunc       func([]byte) (Event, error)
)

// Handlers is the closed dispatch table of one aggregate type: event name to
// apply function and decoder. It is filled once inside Define and read-only
// afterwards.
type Handlers[T any] struct {
	typeName string
	apply    map[string]applyFunc[T]
	decode   map[string]decodeFunc
}

func newHandlers[T any](typeName string) *Handlers[T] {
	return &Handlers[T]{
		typeName: typeName,
		apply:    make(map[string]applyFunc[T]),
		decode:   make(map[string]decodeFunc),
	}
}

// On binds fn as the handler for events of type E.
//
// E must be a value type whose EventName ends in "Event" and does not collide
// with a built-in marker or an earlier registration.
func On[E Event, T any](h *Handlers[T], fn func(T, E) error) error {
	var zero E
	name := zero.EventName()
	if !ValidEventName(name) {
		return fmt.Errorf("%w: %q on %s", ErrInvalidEventName, name, h.typeName)
	}
	if isSystemEvent(name) {
		return fmt.Errorf("%w: %s is reserved", ErrDuplicateHandler, name)
	}
	if _, ok := h.apply[name]; ok {
		return fmt.Errorf("%w: %s on %s", ErrDuplicateHandler, name, h.typeName)
	}

	h.apply[name] = func(target T, e Event) error {
		typed, ok := e.(E)
		if !ok {
			return fmt.Errorf("%w: %s got %T", ErrEventTypeMismatch, name, e)
		}
		return fn(target, typed)
	}
	h.decode[name] = func(data []byte) (Event, error) {
		var e E
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		return e, nil
	}
	return nil
}

// Names returns the registered event names in sorted order.
func (h *Handlers[T]) Names() []string {
	names := make([]string, 0, len(h.apply))
	for name := range h.apply {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// bound ties a handler table to one aggregate instance.
type bound[T any] struct {
	handlers *Handlers[T]
	target   T
}

func (b bound[T]) has(name string) bool {
	_, ok := b.handlers.apply[name]
	return ok
}

func (b bound[T]) apply(e Event) error {
	fn, ok := b.handlers.apply[e.EventName()]
	if !ok {
		return fmt.Errorf("%w: %s on %s", ErrUnregisteredEvent, e.EventName(), b.handlers.typeName)
	}
	return fn(b.target, e)
}
