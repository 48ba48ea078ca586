package gateway

import (
	"fmt"
	"sync"

	"github.com/CedrosPay/settlement/internal/storage"
)

// Registry maps methods to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[storage.Method]Adapter
	order    []storage.Method
}

// NewRegistry creates a registry holding adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[storage.Method]Adapter)}
	for _, a := range adapters {
		_ = r.Register(a)
	}
	return r
}

// Register adds an adapter. Registering a method twice is an error.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := a.Method()
	if _, exists := r.adapters[m]; exists {
		return fmt.Errorf("gateway: method %q already registered", m)
	}
	r.adapters[m] = a
	r.order = append(r.order, m)
	return nil
}

// Get returns the adapter for method.
func (r *Registry) Get(method storage.Method) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[method]
	return a, ok
}

// Methods lists registered methods in registration order.
func (r *Registry) Methods() []storage.Method {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]storage.Method, len(r.order))
	copy(out, r.order)
	return out
}

// PollingMethods lists registered methods whose adapters require polling.
func (r *Registry) PollingMethods() []storage.Method {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []storage.Method
	for _, m := range r.order {
		if r.adapters[m].RequiresPolling() {
			out = append(out, m)
		}
	}
	return out
}
