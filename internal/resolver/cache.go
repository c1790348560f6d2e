package resolver

import (
	"sort"
	"sync"
	"time"
)

type cacheEntry struct {
	result   ValueResult
	storedAt time.Time
}

// CacheStats is a point-in-time view of cache activity.
type CacheStats struct {
	Entries   int   `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// Cache keeps the latest successful result per identifier for a bounded
// time. Expired entries are logical misses and stay in memory until they
// are overwritten, invalidated or evicted.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	entries map[string]cacheEntry

	hits      int64
	misses    int64
	evictions int64
}

// NewCache builds a cache. Non-positive ttl or maxSize fall back to the
// defaults.
func NewCache(ttl time.Duration, maxSize int, now func() time.Time) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxCacheSize
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		entries: make(map[string]cacheEntry),
	}
}

// Get returns the cached result for id while it is younger than the TTL.
func (c *Cache) Get(id string) (ValueResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[id]
	if !ok || c.now().Sub(entry.storedAt) >= c.ttl {
		c.misses++
		return ValueResult{}, false
	}

	c.hits++
	res := entry.result
	res.FromCache = true
	return res, true
}

// Put stores result under id, then trims the cache when it grows past
// maxSize.
func (c *Cache) Put(id string, result ValueResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	result.FromCache = false
	c.entries[id] = cacheEntry{result: result, storedAt: c.now()}

	if len(c.entries) > c.maxSize {
		c.evictLocked(id)
	}
}

// evictLocked drops the oldest tenth of capacity (at least one entry),
// skipping the key that triggered the eviction.
func (c *Cache) evictLocked(keep string) {
	batch := c.maxSize / 10
	if batch < 1 {
		batch = 1
	}

	type aged struct {
		id       string
		storedAt time.Time
	}
	candidates := make([]aged, 0, len(c.entries))
	for id, entry := range c.entries {
		if id == keep {
			continue
		}
		candidates = append(candidates, aged{id: id, storedAt: entry.storedAt})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].storedAt.Equal(candidates[j].storedAt) {
			return candidates[i].id < candidates[j].id
		}
		return candidates[i].storedAt.Before(candidates[j].storedAt)
	})

	if batch > len(candidates) {
		batch = len(candidates)
	}
	for _, victim := range candidates[:batch] {
		delete(c.entries, victim.id)
		c.evictions++
	}
}

// Invalidate removes id from the cache.
func (c *Cache) Invalidate(id string) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// Len counts stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Contains reports whether id is physically stored, regardless of TTL.
func (c *Cache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

// Stats returns hit/miss/eviction counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Entries:   len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}
