// Package epoch implements the process-wide channel generation counter
// (spec.md §4.C). Every RuntimeConsumer records the epoch active at its
// creation; every channel-facing operation checks it is still current
// before acting, which is how stale deliveries from a replaced AMQP channel
// are neutralized without an explicit unsubscribe race.
package epoch

import "sync/atomic"

// Manager is a monotonically increasing generation counter, safe for
// concurrent use from any number of delivery pipelines, the API, and the
// reconnect supervisor. The zero value starts at epoch 0, matching
// spec.md's "initialized to 0".
type Manager struct {
	value atomic.Int64
}

// New returns a Manager initialized to epoch 0.
func New() *Manager {
	return &Manager{}
}

// Current returns the epoch active right now.
func (m *Manager) Current() int64 {
	return m.value.Load()
}

// Bump increments the epoch and returns the new value. Called exactly once
// per fresh channel: initial connect, full reconnect, or channel-only
// recreation.
func (m *Manager) Bump() int64 {
	return m.value.Add(1)
}

// Valid reports whether a captured epoch is still the current one. Every
// channel-facing step in the Delivery Loop gates on this before acting.
func (m *Manager) Valid(captured int64) bool {
	return captured == m.Current()
}
