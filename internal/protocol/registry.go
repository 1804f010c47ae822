package protocol

import (
	"sort"
	"sync"
)

// Provider creates SubProtocol instances for one protocol name
type Provider struct {
	Name string
	// Priority breaks ties between providers of the same name; highest wins
	Priority int
	New      func() SubProtocol
}

// Registry resolves protocol names to providers.
// It is populated at start-up and read-only once frozen.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	frozen    bool
}

// NewRegistry creates a registry holding the given providers
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		_ = r.Register(p)
	}
	return r
}

// Register adds a provider. A provider replaces an existing one of the same
// name only when its priority is strictly higher.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrRegistryFrozen
	}
	if cur, ok := r.providers[p.Name]; ok && cur.Priority >= p.Priority {
		return nil
	}
	r.providers[p.Name] = p
	return nil
}

// Freeze rejects further registrations
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Lookup returns a fresh instance of the named protocol
func (r *Registry) Lookup(name string) (SubProtocol, error) {
	r.mu.RLock()
	p, ok := r.providers[name]
	r.mu.RUnlock()

	if !ok || p.New == nil {
		return nil, &NotFoundError{Protocol: name}
	}
	return p.New(), nil
}

// Names returns the registered protocol names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
