// Package cache provides the shared key-value store used by the limiter and the fetcher.
package cache

import (
	"sync"
	"time"
)

// Store is a key-value store with per-key expiry and an atomic sliding-window counter.
type Store interface {
	Get(key string) (interface{}, bool)
	Set(key string, value interface{}, ttl time.Duration)
	Delete(key string)
	// SlideWindow purges timestamps older than window, then registers now when
	// fewer than limit remain. It returns whether now was admitted and the
	// oldest timestamp still inside the window.
	SlideWindow(key string, now time.Time, window time.Duration, limit int) (admitted bool, oldest time.Time, count int)
}

type entry struct {
	value     interface{}
	expiresAt time.Time
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
	windows map[string][]time.Time
	now     func() time.Time

	hits   uint64
	misses uint64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]entry),
		windows: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// SetClock replaces the clock used for expiry checks.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Get returns the value for key if it has not expired.
func (m *MemoryStore) Get(key string) (interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		m.misses++
		return nil, false
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		m.misses++
		return nil, false
	}
	m.hits++
	return e.value, true
}

// Set stores value under key. A non-positive ttl never expires.
func (m *MemoryStore) Set(key string, value interface{}, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = e
}

// Delete removes key.
func (m *MemoryStore) Delete(key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

// SlideWindow implements Store.
func (m *MemoryStore) SlideWindow(key string, now time.Time, window time.Duration, limit int) (bool, time.Time, int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-window)
	stamps := m.windows[key]
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	stamps = stamps[i:]

	if len(stamps) >= limit {
		m.windows[key] = stamps
		return false, stamps[0], len(stamps)
	}

	stamps = append(stamps, now)
	m.windows[key] = stamps
	return true, stamps[0], len(stamps)
}

// Sweep drops expired entries and empty windows.
func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for k, e := range m.entries {
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			delete(m.entries, k)
			removed++
		}
	}
	for k, w := range m.windows {
		if len(w) == 0 {
			delete(m.windows, k)
		}
	}
	return removed
}

// Stats returns hit/miss counters and the live key count.
func (m *MemoryStore) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Hits: m.hits, Misses: m.misses, Keys: len(m.entries)}
}

// Stats contains cache counters.
type Stats struct {
	Hits   uint64
	Misses uint64
	Keys   int
}

var _ Store = (*MemoryStore)(nil)
