package pipeline

import (
	"fmt"
	"slices"
	"sync"
)

// UnknownTagError is returned when a tag has no registered entry.
type UnknownTagError struct {
	Registry string
	Tag      string
}

func (e *UnknownTagError) Error() string {
	return fmt.Sprintf("%s: unknown tag %q", e.Registry, e.Tag)
}

// Registry maps a finite set of tags to values. It is filled once at
// startup; lookups never instantiate anything.
type Registry[T ~string, V any] struct {
	name    string
	mu      sync.RWMutex
	entries map[T]V
}

// NewRegistry creates an empty registry. name appears in errors.
func NewRegistry[T ~string, V any](name string) *Registry[T, V] {
	return &Registry[T, V]{name: name, entries: make(map[T]V)}
}

// Register adds an entry. Registering a tag twice is an error.
func (r *Registry[T, V]) Register(tag T, v V) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[tag]; exists {
		return fmt.Errorf("%s: tag %q already registered", r.name, tag)
	}
	r.entries[tag] = v
	return nil
}

// Resolve returns the entry for a raw tag value, or *UnknownTagError.
func (r *Registry[T, V]) Resolve(raw string) (V, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.entries[T(raw)]
	if !ok {
		var zero V
		return zero, &UnknownTagError{Registry: r.name, Tag: raw}
	}
	return v, nil
}

// Tags returns the registered tags in sorted order.
func (r *Registry[T, V]) Tags() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]T, 0, len(r.entries))
	for t := range r.entries {
		tags = append(tags, t)
	}
	slices.Sort(tags)
	return tags
}

// Len returns the number of registered entries.
func (r *Registry[T, V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
