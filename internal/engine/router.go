package engine

import (
	"fmt"
	"sort"
)

// Router maps engine names to implementations with a fallback default.
type Router[T any] struct {
	backends map[string]T
	fallback string
}

// NewRouter creates a router with the given backends and a fallback name
// used when the requested one is not registered.
func NewRouter[T any](backends map[string]T, fallback string) *Router[T] {
	return &Router[T]{backends: backends, fallback: fallback}
}

// Route returns the backend for name, falling back to the default.
func (r *Router[T]) Route(name string) (T, error) {
	if backend, ok := r.backends[name]; ok {
		return backend, nil
	}
	if backend, ok := r.backends[r.fallback]; ok {
		return backend, nil
	}
	var zero T
	return zero, fmt.Errorf("no engine %q", name)
}

// Has reports whether name is registered.
func (r *Router[T]) Has(name string) bool {
	_, ok := r.backends[name]
	return ok
}

// Names returns the registered names in sorted order.
func (r *Router[T]) Names() []string {
	names := make([]string, 0, len(r.backends))
	for k := range r.backends {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
