package aggregate

import (
	"fmt"
	"sort"
	"sync"
)

// Descriptor is the untyped view of a registered Type.
type Descriptor interface {
	Name() string
	EventNames() []string
}

// Registry holds the aggregate types known to a process. Register types once
// at startup and pass the registry to the stores that need it.
type Registry struct {
	mu    sync.RWMutex
	types map[string]Descriptor
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[string]Descriptor)}
}

// Register adds t to r. A name can only be registered once.
func Register[T Root](r *Registry, t *Type[T]) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[t.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateType, t.Name())
	}
	r.types[t.Name()] = t
	return nil
}

// Lookup returns the type registered under name with the concrete aggregate T.
func Lookup[T Root](r *Registry, name string) (*Type[T], error) {
	r.mu.RLock()
	d, ok := r.types[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, name)
	}
	t, ok := d.(*Type[T])
	if !ok {
		return nil, fmt.Errorf("%w: %s is registered for %T", ErrUnknownType, name, d)
	}
	return t, nil
}

// Describe returns the untyped descriptor for name.
func (r *Registry) Describe(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.types[name]
	return d, ok
}

// Names returns every registered type name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
