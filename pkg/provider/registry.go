package provider

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/twinfer/kaitai-json/pkg/projector"
)

// Registry holds generated parser constructors linked into the binary,
// keyed by schema type name.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// DefaultRegistry is the registry generated packages register with from
// their init functions.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds the constructor for typeName to DefaultRegistry.
func Register(typeName string, factory Factory) {
	DefaultRegistry.Register(typeName, factory)
}

// Register adds or replaces the constructor for typeName.
func (r *Registry) Register(typeName string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typeName] = factory
}

// Has reports whether typeName has a registered constructor.
func (r *Registry) Has(typeName string) bool {
	_, ok := r.Lookup(typeName)
	return ok
}

// Lookup returns the constructor registered for typeName.
func (r *Registry) Lookup(typeName string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[typeName]
	return f, ok
}

// Types lists the registered type names in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.factories))
}

// Provider returns a provider parsing with the registered constructors.
func (r *Registry) Provider(opts ...Option) *Generated {
	o := newOptions(opts)
	return &Generated{
		lookup: func(typeName string) (Factory, error) {
			f, ok := r.Lookup(typeName)
			if !ok {
				return nil, fmt.Errorf("%w: no generated parser registered for %q", projector.ErrTypeResolution, typeName)
			}
			return f, nil
		},
		fs:     o.fs,
		logger: o.logger,
	}
}
