package module

import (
	"fmt"
	"sync"
)

// Factory constructs a fresh module instance from its (already rendered)
// raw parameters. Instances are never reused across task-target pairs.
type Factory func(params map[string]interface{}) (Module, error)

// Registry maps module names to factories. Module names are unique.
type Registry struct {
	// mu protects the factory map.
	mu sync.RWMutex

	// factories maps module name to factory.
	factories map[string]Factory
}

// NewRegistry creates an empty module registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a module factory. Registering a name twice is an error.
func (r *Registry) Register(name string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("module %q already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// Build constructs a fresh module instance for one task-target execution.
func (r *Registry) Build(name string, params map[string]interface{}) (Module, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, NewValidationError("unknown module %q", name)
	}
	return factory(params)
}

// Names returns the registered module names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}
