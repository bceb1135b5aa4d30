package pipeline

import (
	"fmt"
	"slices"
)

// Router maps engine names to backends. A request naming no engine, or one that is not
// registered, resolves to the fallback engine.
type Router[T any] struct {
	backends map[string]T
	names    []string
	fallback string
}

// NewRouter builds a router over backends. The map is copied.
func NewRouter[T any](backends map[string]T, fallback string) *Router[T] {
	r := &Router[T]{backends: make(map[string]T, len(backends)), fallback: fallback}
	for name, b := range backends {
		r.Register(name, b)
	}
	return r
}

// Register adds or replaces the backend for name. It is not safe to call once the
// router is shared between sessions.
func (r *Router[T]) Register(name string, backend T) {
	if _, exists := r.backends[name]; !exists {
		i, _ := slices.BinarySearch(r.names, name)
		r.names = slices.Insert(r.names, i, name)
	}
	r.backends[name] = backend
}

// Resolve returns the engine name a request for engine is served by.
func (r *Router[T]) Resolve(engine string) string {
	if _, ok := r.backends[engine]; ok {
		return engine
	}
	return r.fallback
}

// Route returns the backend serving engine.
func (r *Router[T]) Route(engine string) (T, error) {
	name := r.Resolve(engine)
	backend, ok := r.backends[name]
	if !ok {
		var zero T
		return zero, fmt.Errorf("no backend for engine %q", engine)
	}
	return backend, nil
}

func (r *Router[T]) Has(engine string) bool {
	_, ok := r.backends[engine]
	return ok
}

func (r *Router[T]) Fallback() string { return r.fallback }

// Engines lists registered engine names in sorted order.
func (r *Router[T]) Engines() []string { return slices.Clone(r.names) }
