package actor

import (
	"context"
	"fmt"
	"sync"
)

// Registry holds the node's actor systems by name. Remote calls and the
// topology watcher resolve systems through it; shutdown stops them in
// reverse registration order.
type Registry struct {
	mu      sync.RWMutex
	systems map[string]*System
	order   []string
}

func NewRegistry() *Registry {
	return &Registry{systems: make(map[string]*System)}
}

// Register adds a system. Names must be unique.
func (r *Registry) Register(s *System) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.systems[s.Name()]; ok {
		return fmt.Errorf("registering actor system %q: already registered", s.Name())
	}
	r.systems[s.Name()] = s
	r.order = append(r.order, s.Name())
	return nil
}

// Get returns the system by name.
func (r *Registry) Get(name string) (*System, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.systems[name]
	return s, ok
}

// Names lists registered system names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// StopAll stops every system in reverse registration order, so dependents
// registered later go down before what they depend on.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.RLock()
	order := make([]string, len(r.order))
	copy(order, r.order)
	r.mu.RUnlock()

	for i := len(order) - 1; i >= 0; i-- {
		if s, ok := r.Get(order[i]); ok {
			s.StopAll(ctx)
		}
	}
}
