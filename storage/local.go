package storage

import (
	"sync"
	"time"
)

type memoryEntry struct {
	value     any
	expiresAt time.Time
}

// MemoryCache is a small in-process keyed store with per-entry TTL. Expiry
// is lazy: Get stops returning an entry once its deadline passes, with no
// background sweep. Expired entries stay in place until overwritten or
// deleted so GetStale can serve them as a last resort. A process restart
// clears everything, which is acceptable since this is a pure optimization
// layer.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry

	now func() time.Time
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Get returns the value stored under key, or false when the key is absent
// or its TTL has elapsed.
func (m *MemoryCache) Get(key string) (any, bool) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || m.now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

// GetStale returns the value stored under key even when its TTL has
// elapsed. Deleted keys are still absent.
func (m *MemoryCache) GetStale(key string) (any, bool) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Set stores value under key, overwriting any previous entry.
func (m *MemoryCache) Set(key string, value any, ttl time.Duration) {
	m.mu.Lock()
	m.entries[key] = memoryEntry{value: value, expiresAt: m.now().Add(ttl)}
	m.mu.Unlock()
}

// Delete removes the entry stored under key, if any.
func (m *MemoryCache) Delete(key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}
