// Package registry implements the in-memory Consumer Registry (spec.md
// §4.D): the source of truth for which queues are currently being
// consumed, keyed by queue name.
package registry

import (
	"sync"

	"github.com/pedrofnts/queue-consumer/internal/model"
)

// Registry is a thread-safe map of queue -> *model.RuntimeConsumer.
type Registry struct {
	mu        sync.RWMutex
	consumers map[string]*model.RuntimeConsumer
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{consumers: make(map[string]*model.RuntimeConsumer)}
}

// Insert adds or replaces the runtime record for a queue.
func (r *Registry) Insert(rc *model.RuntimeConsumer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumers[rc.Queue] = rc
}

// Remove deletes the runtime record for a queue, if present.
func (r *Registry) Remove(queue string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.consumers, queue)
}

// Get returns the runtime record for a queue and whether it was found.
func (r *Registry) Get(queue string) (*model.RuntimeConsumer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rc, ok := r.consumers[queue]
	return rc, ok
}

// Snapshot returns a new slice holding every current runtime record. The
// slice shares no backing storage with the registry's internal map, so
// callers may iterate it freely without holding a lock; its elements are
// the live records themselves, not copies.
func (r *Registry) Snapshot() []*model.RuntimeConsumer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.RuntimeConsumer, 0, len(r.consumers))
	for _, rc := range r.consumers {
		out = append(out, rc)
	}
	return out
}

// Clear removes every runtime record. Used by the Reconnect Supervisor
// immediately before restoring consumers from the Config Store.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consumers = make(map[string]*model.RuntimeConsumer)
}

// SetPaused updates the runtime pause mirror for a queue, if present.
// Reports whether the queue was found.
func (r *Registry) SetPaused(queue string, paused bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rc, ok := r.consumers[queue]
	if !ok {
		return false
	}
	rc.Paused = paused
	return true
}

// UpdateLast records the last successfully forwarded decoded payload for a
// queue, if present.
func (r *Registry) UpdateLast(queue string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rc, ok := r.consumers[queue]; ok {
		rc.LastMessage = payload
	}
}

// SetNextInterval records the pre-drawn delay for a queue's next delivery,
// if present.
func (r *Registry) SetNextInterval(queue string, ms int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rc, ok := r.consumers[queue]; ok {
		rc.NextIntervalMs = ms
	}
}

// Len returns the number of active runtime records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.consumers)
}
