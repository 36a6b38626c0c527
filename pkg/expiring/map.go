// Package expiring provides a small concurrency-safe map whose entries
// carry an optional time-to-live. It backs the diagnosis cache, the blocked
// IP set, and other short-lived lookaside state.
package expiring

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Map stores values by key with per-entry TTLs. A TTL of zero or less means
// the entry never expires. The zero value is not usable; call New.
type Map[K comparable, V any] struct {
	mu      sync.RWMutex
	entries map[K]entry[V]
	now     func() time.Time
}

// New returns an empty map.
func New[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{
		entries: make(map[K]entry[V]),
		now:     time.Now,
	}
}

// Set stores value under key. A positive ttl schedules expiry; zero or
// negative keeps the entry until deleted.
func (m *Map[K, V]) Set(key K, value V, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expires time.Time
	if ttl > 0 {
		expires = m.now().Add(ttl)
	}
	m.entries[key] = entry[V]{value: value, expiresAt: expires}
}

// Get retrieves the value for key if present and not expired. Expired
// entries are removed lazily on the next Set, Purge, or Delete; Get itself
// only reads.
func (m *Map[K, V]) Get(key K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var zero V
	e, ok := m.entries[key]
	if !ok {
		return zero, false
	}
	if m.expired(e) {
		return zero, false
	}
	return e.value, true
}

// Contains reports whether key holds a live entry.
func (m *Map[K, V]) Contains(key K) bool {
	_, ok := m.Get(key)
	return ok
}

// Delete removes an entry.
func (m *Map[K, V]) Delete(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

// Len counts live entries.
func (m *Map[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, e := range m.entries {
		if !m.expired(e) {
			n++
		}
	}
	return n
}

// Keys returns the keys of all live entries in map order.
func (m *Map[K, V]) Keys() []K {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]K, 0, len(m.entries))
	for k, e := range m.entries {
		if !m.expired(e) {
			keys = append(keys, k)
		}
	}
	return keys
}

// Purge removes expired entries and returns how many were dropped. Callers
// that hold large maps run this from a periodic sweep.
func (m *Map[K, V]) Purge() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	dropped := 0
	for k, e := range m.entries {
		if m.expired(e) {
			delete(m.entries, k)
			dropped++
		}
	}
	return dropped
}

func (m *Map[K, V]) expired(e entry[V]) bool {
	return !e.expiresAt.IsZero() && m.now().After(e.expiresAt)
}
