package speedlayer

import (
	"container/list"
	"sync"
	"time"
)

// ============================================================================
// TIER 1 — MEMORY CACHE
// ============================================================================

// MemoryCache is a bounded LRU of fingerprint → Decision with per-entry
// TTLs. Lookups are O(1) and never block on eviction.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used
	maxSize int
	now     func() time.Time
}

type cacheEntry struct {
	key      string
	decision *Decision
	expires  time.Time
}

// NewMemoryCache builds a cache bounded to maxSize entries (default 4096).
func NewMemoryCache(maxSize int) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 4096
	}
	return &MemoryCache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Get returns a live cached decision and refreshes its LRU position.
func (c *MemoryCache) Get(key string) (*Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if c.now().After(entry.expires) {
		c.order.Remove(el)
		delete(c.entries, key)
		return nil, false
	}
	c.order.MoveToFront(el)
	return entry.decision, true
}

// Put stores a decision with a TTL, evicting the LRU tail when full.
func (c *MemoryCache) Put(key string, d *Decision, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(ttl)
	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.decision = d
		entry.expires = expires
		c.order.MoveToFront(el)
		return
	}

	for len(c.entries) >= c.maxSize {
		tail := c.order.Back()
		if tail == nil {
			break
		}
		c.order.Remove(tail)
		delete(c.entries, tail.Value.(*cacheEntry).key)
	}
	c.entries[key] = c.order.PushFront(&cacheEntry{key: key, decision: d, expires: expires})
}

// Len returns the number of cached entries, including expired ones not yet
// touched.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
