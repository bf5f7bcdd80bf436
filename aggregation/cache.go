package aggregation

import (
	"sync"
	"sync/atomic"
	"time"
)

type cacheEntry struct {
	view          AggregatedView
	frame         []byte
	sourceVersion uint64
	expiry        time.Time

	hits   atomic.Uint64
	misses atomic.Uint64
}

// Cache maps a Key to the view computed from one book version. An entry is
// only served while its version is current and its TTL has not elapsed.
type Cache struct {
	mu      sync.RWMutex
	entries map[Key]*cacheEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[Key]*cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the entry for key when it was computed from version and is not
// expired. A hit is recorded on the entry.
func (c *Cache) Get(key Key, version uint64) (*cacheEntry, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || !entry.validFor(version, c.now()) {
		return nil, false
	}
	entry.hits.Add(1)
	return entry, true
}

func (c *Cache) put(key Key, view AggregatedView, frame []byte) *cacheEntry {
	entry := &cacheEntry{
		view:          view,
		frame:         frame,
		sourceVersion: view.SourceVersion,
		expiry:        c.now().Add(c.ttl),
	}

	c.mu.Lock()
	if prev, ok := c.entries[key]; ok {
		entry.hits.Store(prev.hits.Load())
		entry.misses.Store(prev.misses.Load())
	}
	entry.misses.Add(1)
	c.entries[key] = entry
	c.mu.Unlock()

	return entry
}

// InvalidateSymbol drops the symbol's entries computed before version.
func (c *Cache) InvalidateSymbol(symbol string, version uint64) int {
	return c.removeIf(func(key Key, entry *cacheEntry) bool {
		return key.Symbol == symbol && entry.sourceVersion < version
	})
}

func (c *Cache) EvictSymbol(symbol string) int {
	return c.removeIf(func(key Key, _ *cacheEntry) bool {
		return key.Symbol == symbol
	})
}

func (c *Cache) SweepExpired() int {
	now := c.now()
	return c.removeIf(func(_ Key, entry *cacheEntry) bool {
		return !now.Before(entry.expiry)
	})
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.entries)
}

// Stats returns the hit and miss counters of key's entry.
func (c *Cache) Stats(key Key) (hits, misses uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if entry, ok := c.entries[key]; ok {
		return entry.hits.Load(), entry.misses.Load()
	}
	return 0, 0
}

func (c *Cache) removeIf(match func(Key, *cacheEntry) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if match(key, entry) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

func (e *cacheEntry) validFor(version uint64, now time.Time) bool {
	return e.sourceVersion == version && now.Before(e.expiry)
}
