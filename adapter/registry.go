package adapter

import (
	"errors"
	"sort"
	"sync"

	"github.com/BaSui01/fetchflow/types"
)

// Registry is a thread-safe registry of execution engines keyed by backend name.
// Contents are fixed at process start; tasks naming an unregistered backend are
// rejected rather than falling back to any default.
type Registry struct {
	adapters map[string]Adapter
	mu       sync.RWMutex
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
	}
}

// Register adds an adapter under its own name.
// Registering the same name twice is a configuration error.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := a.Name()
	if name == "" {
		return types.NewConfigurationError("adapter name is empty")
	}
	if _, ok := r.adapters[name]; ok {
		return types.NewConfigurationError("adapter %q already registered", name)
	}
	r.adapters[name] = a
	return nil
}

// Get retrieves an adapter by backend name.
// An unknown name yields a ConfigurationError carrying the registered set.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, types.NewConfigurationError("unknown backend %q, registered: %v", name, r.namesLocked())
	}
	return a, nil
}

// Has reports whether a backend name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[name]
	return ok
}

// List returns the sorted names of all registered adapters.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

// Len returns the number of registered adapters.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}

// CloseAll closes every registered adapter and joins their errors.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for name, a := range r.adapters {
		if err := a.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(r.adapters, name)
	}
	return errors.Join(errs...)
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
