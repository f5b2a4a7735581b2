package config

import (
	"errors"
	"fmt"
	"sync"
)

// ErrProviderNotRegistered is returned when a config names a provider that no
// factory was registered for.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to constructor functions. Provider packages
// register themselves at init time against the process-wide [Default]
// registry; tests build private registries with [NewRegistry].
type Registry[T any] struct {
	mu        sync.RWMutex
	factories map[string]func(ProviderEntry) (T, error)
}

// NewRegistry returns an empty registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{factories: make(map[string]func(ProviderEntry) (T, error))}
}

// Register installs a factory under name, replacing any previous one.
func (r *Registry[T]) Register(name string, factory func(ProviderEntry) (T, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Build constructs the provider named by entry.Name.
func (r *Registry[T]) Build(entry ProviderEntry) (T, error) {
	r.mu.RLock()
	factory, ok := r.factories[entry.Name]
	r.mu.RUnlock()

	var zero T
	if !ok {
		return zero, fmt.Errorf("%w: %q", ErrProviderNotRegistered, entry.Name)
	}
	p, err := factory(entry)
	if err != nil {
		return zero, fmt.Errorf("config: build provider %q: %w", entry.Name, err)
	}
	return p, nil
}

// Names returns the registered provider names in no particular order.
func (r *Registry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}
