package cache_test

import (
	"sync"
	"testing"
	"time"

	"github.com/gitstuff/gitstuff/internal/cache"
)

const (
	cacheTestKey      = "stats:octocat"
	cacheTestValue    = "cached-value"
	cacheTestOtherKey = "followers-list:octocat"
	cacheTestTTL      = 5 * time.Minute
)

type manualClock struct {
	mutex   sync.Mutex
	current time.Time
}

func newManualClock() *manualClock {
	return &manualClock{current: time.Date(2026, time.January, 10, 12, 0, 0, 0, time.UTC)}
}

func (clock *manualClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *manualClock) Advance(delta time.Duration) {
	clock.mutex.Lock()
	clock.current = clock.current.Add(delta)
	clock.mutex.Unlock()
}

func TestStoreSetGet(t *testing.T) {
	t.Parallel()

	clock := newManualClock()
	store := cache.NewStoreWithClock(clock.Now)

	store.Set(cacheTestKey, cacheTestValue, cacheTestTTL)

	value, exists := store.Get(cacheTestKey)
	if !exists {
		t.Fatal("expected value immediately after set")
	}
	if value != cacheTestValue {
		t.Fatalf("expected %q, got %v", cacheTestValue, value)
	}
	if !store.Has(cacheTestKey) {
		t.Fatal("expected Has to report the fresh entry")
	}
}

func TestStoreExpiration(t *testing.T) {
	t.Parallel()

	clock := newManualClock()
	store := cache.NewStoreWithClock(clock.Now)

	store.Set(cacheTestKey, cacheTestValue, cacheTestTTL)

	clock.Advance(cacheTestTTL)
	if _, exists := store.Get(cacheTestKey); !exists {
		t.Fatal("entry at exactly expiresAt should still be valid")
	}

	clock.Advance(time.Nanosecond)
	if _, exists := store.Get(cacheTestKey); exists {
		t.Fatal("entry past expiresAt should be evicted")
	}
	if store.Has(cacheTestKey) {
		t.Fatal("Has should report false for the expired entry")
	}
}

func TestStoreClear(t *testing.T) {
	t.Parallel()

	store := cache.NewStore()
	store.Set(cacheTestKey, cacheTestValue, cacheTestTTL)
	store.Set(cacheTestOtherKey, cacheTestValue, cacheTestTTL)

	store.Clear(cacheTestKey)
	if store.Has(cacheTestKey) {
		t.Fatal("cleared key should be absent")
	}
	if !store.Has(cacheTestOtherKey) {
		t.Fatal("other key should survive a single clear")
	}

	store.ClearAll()
	if store.Has(cacheTestOtherKey) {
		t.Fatal("ClearAll should drop every entry")
	}
}

func TestStoreOverwriteRefreshesExpiry(t *testing.T) {
	t.Parallel()

	clock := newManualClock()
	store := cache.NewStoreWithClock(clock.Now)

	store.Set(cacheTestKey, "stale", cacheTestTTL)
	clock.Advance(4 * time.Minute)
	store.Set(cacheTestKey, cacheTestValue, cacheTestTTL)
	clock.Advance(4 * time.Minute)

	value, exists := store.Get(cacheTestKey)
	if !exists {
		t.Fatal("overwritten entry should use the newer expiry")
	}
	if value != cacheTestValue {
		t.Fatalf("expected %q, got %v", cacheTestValue, value)
	}
}
