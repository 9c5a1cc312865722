// Package build turns source files into served or written output.
//
// A FileBuilder owns the build of one file for one (mode, SSR) combination;
// the Cache holds FileBuilders keyed by urls.CacheKey with LRU eviction; the
// Builder runs a production build of every mounted file over a worker pool.
package build

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Cache holds FileBuilders with LRU eviction and an optional TTL.
type Cache struct {
	entries    map[string]*CacheEntry
	mutex      sync.Mutex
	maxEntries int
	ttl        time.Duration
	// LRU implementation
	head *CacheEntry
	tail *CacheEntry
	// Statistics tracking (atomic for thread safety)
	hits      int64
	misses    int64
	sets      int64
	deletes   int64
	evictions int64
}

// CacheEntry is one cached FileBuilder.
type CacheEntry struct {
	Key        string
	Builder    *FileBuilder
	CreatedAt  time.Time
	AccessedAt time.Time
	// LRU doubly-linked list pointers
	prev *CacheEntry
	next *CacheEntry
}

// CacheStats is a snapshot of cache counters.
type CacheStats struct {
	Entries   int
	Hits      int64
	Misses    int64
	Sets      int64
	Deletes   int64
	Evictions int64
}

// HitRate returns hits over lookups, between 0 and 1.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// NewCache creates a cache holding at most maxEntries builders. A zero
// maxEntries or ttl disables that limit.
func NewCache(maxEntries int, ttl time.Duration) *Cache {
	cache := &Cache{
		entries:    make(map[string]*CacheEntry),
		maxEntries: maxEntries,
		ttl:        ttl,
	}

	// Initialize LRU doubly-linked list with dummy head and tail
	cache.head = &CacheEntry{}
	cache.tail = &CacheEntry{}
	cache.head.next = cache.tail
	cache.tail.prev = cache.head

	return cache
}

// Get returns the builder stored under key.
func (c *Cache) Get(key string) (*FileBuilder, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, ok := c.lookup(key)
	if !ok {
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}
	atomic.AddInt64(&c.hits, 1)
	return entry.Builder, true
}

// GetOrCreate returns the builder stored under key, storing the result of
// create first if there is none. Concurrent callers for one key share a
// single builder.
func (c *Cache) GetOrCreate(key string, create func() *FileBuilder) (*FileBuilder, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if entry, ok := c.lookup(key); ok {
		atomic.AddInt64(&c.hits, 1)
		return entry.Builder, true
	}
	atomic.AddInt64(&c.misses, 1)
	fb := create()
	c.insert(key, fb)
	return fb, false
}

// Set stores fb under key, replacing any previous builder.
func (c *Cache) Set(key string, fb *FileBuilder) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.insert(key, fb)
}

// lookup must be called with the mutex held.
func (c *Cache) lookup(key string) (*CacheEntry, bool) {
	entry, exists := c.entries[key]
	if !exists {
		return nil, false
	}
	if c.ttl > 0 && time.Since(entry.CreatedAt) > c.ttl {
		c.remove(entry)
		return nil, false
	}
	c.moveToFront(entry)
	entry.AccessedAt = time.Now()
	return entry, true
}

func (c *Cache) insert(key string, fb *FileBuilder) {
	if existing, exists := c.entries[key]; exists {
		existing.Builder = fb
		existing.CreatedAt = time.Now()
		existing.AccessedAt = existing.CreatedAt
		c.moveToFront(existing)
		atomic.AddInt64(&c.sets, 1)
		return
	}

	c.evictIfNeeded()
	now := time.Now()
	entry := &CacheEntry{Key: key, Builder: fb, CreatedAt: now, AccessedAt: now}
	c.entries[key] = entry
	c.addToFront(entry)
	atomic.AddInt64(&c.sets, 1)
}

// evictIfNeeded makes room for one more entry.
func (c *Cache) evictIfNeeded() {
	if c.maxEntries <= 0 {
		return
	}
	for len(c.entries) >= c.maxEntries && c.tail.prev != c.head {
		c.remove(c.tail.prev)
		atomic.AddInt64(&c.evictions, 1)
	}
}

func (c *Cache) remove(entry *CacheEntry) {
	c.removeFromList(entry)
	delete(c.entries, entry.Key)
}

// Delete removes key and reports whether it was present.
func (c *Cache) Delete(key string) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, exists := c.entries[key]
	if !exists {
		return false
	}
	c.remove(entry)
	atomic.AddInt64(&c.deletes, 1)
	return true
}

// DeleteFile removes every build of fileLoc, whatever its mode.
func (c *Cache) DeleteFile(fileLoc string) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	prefix := fileLoc + "?"
	removed := 0
	for key, entry := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.remove(entry)
			removed++
		}
	}
	atomic.AddInt64(&c.deletes, int64(removed))
	return removed
}

// Builders returns the cached builders, most recently used first.
func (c *Cache) Builders() []*FileBuilder {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	out := make([]*FileBuilder, 0, len(c.entries))
	for e := c.head.next; e != c.tail; e = e.next {
		out = append(out, e.Builder)
	}
	return out
}

// Clear clears all cache entries and resets statistics
func (c *Cache) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.entries = make(map[string]*CacheEntry)
	c.head.next = c.tail
	c.tail.prev = c.head

	atomic.StoreInt64(&c.hits, 0)
	atomic.StoreInt64(&c.misses, 0)
	atomic.StoreInt64(&c.sets, 0)
	atomic.StoreInt64(&c.deletes, 0)
	atomic.StoreInt64(&c.evictions, 0)
}

// Stats returns cache statistics
func (c *Cache) Stats() CacheStats {
	c.mutex.Lock()
	count := len(c.entries)
	c.mutex.Unlock()

	return CacheStats{
		Entries:   count,
		Hits:      atomic.LoadInt64(&c.hits),
		Misses:    atomic.LoadInt64(&c.misses),
		Sets:      atomic.LoadInt64(&c.sets),
		Deletes:   atomic.LoadInt64(&c.deletes),
		Evictions: atomic.LoadInt64(&c.evictions),
	}
}

// LRU doubly-linked list operations
func (c *Cache) addToFront(entry *CacheEntry) {
	entry.prev = c.head
	entry.next = c.head.next
	c.head.next.prev = entry
	c.head.next = entry
}

func (c *Cache) removeFromList(entry *CacheEntry) {
	entry.prev.next = entry.next
	entry.next.prev = entry.prev
}

func (c *Cache) moveToFront(entry *CacheEntry) {
	c.removeFromList(entry)
	c.addToFront(entry)
}
