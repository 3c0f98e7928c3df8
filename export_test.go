package evcache

import "time"

// SetNow overrides the manager clock for deterministic expiry tests.
func (m *Manager) SetNow(fn func() time.Time) {
	m.nowFn = fn
}
