package gateway

import (
	"errors"
	"fmt"
	"sync"
)

// ErrAlreadyConnected rejects a second live connection for one identity
var ErrAlreadyConnected = errors.New("already connected")

// Registry tracks the live connection of each identity. The gateway keeps
// one for clients and one for edges.
type Registry[H comparable] struct {
	mu      sync.RWMutex
	handles map[string]H
}

// NewRegistry creates an empty registry
func NewRegistry[H comparable]() *Registry[H] {
	return &Registry[H]{handles: make(map[string]H)}
}

// Claim records h as the connection for id, failing if another is live
func (r *Registry[H]) Claim(id string, h H) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.handles[id]; ok && existing != h {
		return fmt.Errorf("%s: %w", id, ErrAlreadyConnected)
	}
	r.handles[id] = h
	return nil
}

// Release forgets id, but only while h still owns it
func (r *Registry[H]) Release(id string, h H) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.handles[id]; !ok || existing != h {
		return false
	}
	delete(r.handles, id)
	return true
}

// Get returns the live connection for id
func (r *Registry[H]) Get(id string) (H, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	return h, ok
}

// Len returns the number of live connections
func (r *Registry[H]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// Each calls fn for a snapshot of the live connections
func (r *Registry[H]) Each(fn func(id string, h H)) {
	r.mu.RLock()
	snapshot := make(map[string]H, len(r.handles))
	for id, h := range r.handles {
		snapshot[id] = h
	}
	r.mu.RUnlock()

	for id, h := range snapshot {
		fn(id, h)
	}
}
