// Package invoker keeps the named execution bodies that YAML table
// definitions bind their actions to.
package invoker

import (
	"fmt"
	"sort"
	"sync"

	"github.com/juju/clock"

	"github.com/pitabwire/tabula/table"
)

// Factory builds an execution body for one binding. It returns an error
// when the binding cannot be served, e.g. a write handler over a read-only
// source.
type Factory func(b table.Binding) (table.Handler, error)

// Static adapts a fixed handler to a Factory.
func Static(h table.Handler) Factory {
	return func(table.Binding) (table.Handler, error) { return h, nil }
}

// Registry stores named handler factories. It is safe for concurrent use
// after initial registration.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	breaker   *BreakerSettings
	clock     clock.Clock
}

// Option configures a Registry.
type Option func(*Registry)

// WithCircuitBreaker guards every bound handler with its own circuit
// breaker.
func WithCircuitBreaker(s BreakerSettings) Option {
	return func(r *Registry) { r.breaker = &s }
}

// WithClock sets the clock used by circuit breakers.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// NewRegistry creates a registry holding the built-in handlers.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
		clock:     clock.WallClock,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.Register(HandlerDelete, deleteFactory)
	r.Register(HandlerUpdate, updateFactory)
	return r
}

// Register adds a factory under name. Panics if the name is already
// registered, since this indicates a wiring mistake at startup.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		panic(fmt.Sprintf("invoker: handler %q already registered", name))
	}
	r.factories[name] = f
}

// Has reports whether a handler is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// Names returns all registered handler names, sorted alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Bind builds the execution body registered under name for b.
func (r *Registry) Bind(name string, b table.Binding) (table.Handler, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("invoker: handler %q not found", name)
	}

	h, err := f(b)
	if err != nil {
		return nil, fmt.Errorf("invoker: binding %q to %s.%s: %w", name, b.Table, b.Operation, err)
	}
	if r.breaker != nil {
		h = guard(h, NewCircuitBreaker(*r.breaker, r.clock))
	}
	return h, nil
}
