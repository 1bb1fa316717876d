package hypervisor

import (
	"fmt"
	"sort"
	"sync"
)

// Info pairs a backend name with its capabilities.
type Info struct {
	Name         string       `json:"name"`
	Capabilities Capabilities `json:"capabilities"`
}

// Registry holds registered hypervisor backends by name.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Hypervisor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]Hypervisor),
	}
}

// Register adds a backend under the given name, replacing any previous one.
func (r *Registry) Register(name string, h Hypervisor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = h
}

// Resolve returns the backend registered under name.
func (r *Registry) Resolve(name string) (Hypervisor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.backends[name]
	if !ok {
		return nil, fmt.Errorf("hypervisor %q is not registered", name)
	}
	return h, nil
}

// List returns every registered backend sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.backends))
	for name, h := range r.backends {
		infos = append(infos, Info{
			Name:         name,
			Capabilities: h.Capabilities(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
