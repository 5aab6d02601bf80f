package bastion

import (
	"context"
	"sort"
	"sync"
)

// BreakerFactory builds a breaker for a dependency name on first use.
type BreakerFactory func(name string) Breaker

// Registry maps dependency names to breaker instances. It replaces hidden
// per-call-site breaker globals with one explicit object the application
// constructs at startup and passes to call sites.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]Breaker
	factory  BreakerFactory
}

// NewRegistry creates a registry. The factory is invoked by GetOrCreate for
// unknown names; a nil factory yields in-process breakers with default
// configuration.
func NewRegistry(factory BreakerFactory) *Registry {
	if factory == nil {
		factory = func(name string) Breaker {
			return NewCircuitBreaker(CircuitBreakerConfig{Name: name})
		}
	}
	return &Registry{
		breakers: make(map[string]Breaker),
		factory:  factory,
	}
}

// Register adds or replaces the breaker for name.
func (r *Registry) Register(name string, b Breaker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers[name] = b
}

// Get returns the breaker for name, if registered.
func (r *Registry) Get(name string) (Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[name]
	return b, ok
}

// GetOrCreate returns the breaker for name, building it with the factory on
// first use. Concurrent callers for the same name receive the same instance.
func (r *Registry) GetOrCreate(name string) Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = r.factory(name)
	r.breakers[name] = b
	return b
}

// Names returns the registered breaker names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset forces the named breaker closed. Unknown names are a no-op.
func (r *Registry) Reset(ctx context.Context, name string) error {
	if b, ok := r.Get(name); ok {
		return b.Reset(ctx)
	}
	return nil
}

// ResetAll forces every registered breaker closed, stopping at the first
// store error.
func (r *Registry) ResetAll(ctx context.Context) error {
	r.mu.RLock()
	breakers := make([]Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	for _, b := range breakers {
		if err := b.Reset(ctx); err != nil {
			return err
		}
	}
	return nil
}
