// Package cache provides an in-memory key/value store with per-entry TTL
// expiration. Eviction is lazy: expired entries are dropped on the read that
// discovers them, no background sweeper runs. Callers share one keyspace and
// namespace their keys by purpose and target login.
package cache

import (
	"sync"
	"time"
)

type entry struct {
	data      any
	storedAt  time.Time
	expiresAt time.Time
}

// Store is a TTL cache safe for concurrent use. There is no single-flight
// de-duplication: two concurrent misses on one key may both fetch, and the
// later Set simply overwrites with equally fresh data.
type Store struct {
	mutex   sync.RWMutex
	entries map[string]entry
	now     func() time.Time
}

// NewStore constructs an empty Store using the wall clock.
func NewStore() *Store {
	return NewStoreWithClock(time.Now)
}

// NewStoreWithClock constructs an empty Store with an injected clock.
func NewStoreWithClock(clock func() time.Time) *Store {
	if clock == nil {
		clock = time.Now
	}
	return &Store{
		entries: make(map[string]entry),
		now:     clock,
	}
}

// Set stores a value under the key. The entry expires ttl after now.
func (store *Store) Set(key string, value any, ttl time.Duration) {
	storedAt := store.now()
	store.mutex.Lock()
	store.entries[key] = entry{
		data:      value,
		storedAt:  storedAt,
		expiresAt: storedAt.Add(ttl),
	}
	store.mutex.Unlock()
}

// Get returns the value stored under the key, or false when the key is
// absent or expired. An expired entry is evicted on the way out.
func (store *Store) Get(key string) (any, bool) {
	store.mutex.RLock()
	cachedEntry, exists := store.entries[key]
	store.mutex.RUnlock()

	if !exists {
		return nil, false
	}
	if store.now().After(cachedEntry.expiresAt) {
		store.Clear(key)
		return nil, false
	}
	return cachedEntry.data, true
}

// Has reports whether the key holds an unexpired entry.
func (store *Store) Has(key string) bool {
	_, exists := store.Get(key)
	return exists
}

// Clear removes the key from the store.
func (store *Store) Clear(key string) {
	store.mutex.Lock()
	delete(store.entries, key)
	store.mutex.Unlock()
}

// ClearAll removes every entry from the store.
func (store *Store) ClearAll() {
	store.mutex.Lock()
	store.entries = make(map[string]entry)
	store.mutex.Unlock()
}
