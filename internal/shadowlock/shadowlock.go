// Package shadowlock implements the orchestrator's shadow lock map: a
// self-expiring per-order claim that keeps one pipeline stage's in-flight
// chain call (a rotation's cancel-then-place, say) from being raced by
// another stage deciding to act on the same order before the first call
// resolves. Generalizes the lock registry's self-heal-by-timeout idea
// (see internal/orchestrator/locks.go) from a small fixed set of named
// locks to an open set of order ids.
package shadowlock

import (
	"sync"
	"time"
)

// Map tracks which order ids are currently claimed and until when.
type Map struct {
	mu    sync.Mutex
	until map[string]time.Time
	ttl   time.Duration
}

// New returns a Map whose claims self-expire after ttl.
func New(ttl time.Duration) *Map {
	return &Map{until: make(map[string]time.Time), ttl: ttl}
}

// Lock claims orderID until ttl elapses from now, overwriting any existing
// claim. Holding gridLock while calling this is the caller's job; Map
// itself only arbitrates the claim, not the underlying order mutation.
func (m *Map) Lock(orderID string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.until[orderID] = now.Add(m.ttl)
}

// Unlock releases orderID's claim early, once the in-flight call that
// justified it has resolved.
func (m *Map) Unlock(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.until, orderID)
}

// IsOrderLocked reports whether orderID is currently claimed. A claim past
// its ttl is lazily dropped here rather than by a background sweep, so a
// crashed holder cannot indefinitely block a slot.
func (m *Map) IsOrderLocked(orderID string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	expiry, ok := m.until[orderID]
	if !ok {
		return false
	}
	if !now.Before(expiry) {
		delete(m.until, orderID)
		return false
	}
	return true
}
