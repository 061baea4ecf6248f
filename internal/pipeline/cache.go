package pipeline

import (
	"container/list"
	"sync"

	"tissuealign/internal/masking"
)

// CacheKey identifies one mask computation: the source, the hash of the
// mask-affecting configuration and the grid the mask was produced on.
type CacheKey struct {
	SourceID   string
	ConfigHash string
	Grid       string
}

// MaskCache stores generated masks across requests. Implementations must
// be safe for concurrent use.
type MaskCache interface {
	Get(key CacheKey) (masking.Result, bool)
	Put(key CacheKey, r masking.Result)
}

// LRUCache is a bounded MaskCache evicting the least recently used entry.
type LRUCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front is most recently used
	items    map[CacheKey]*list.Element

	hits, misses, evictions int
}

type lruEntry struct {
	key CacheKey
	val masking.Result
}

// NewLRUCache returns a cache holding at most capacity entries (minimum 1).
func NewLRUCache(capacity int) *LRUCache {
	if capacity < 1 {
		capacity = 1
	}
	return &LRUCache{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[CacheKey]*list.Element),
	}
}

func (c *LRUCache) Get(key CacheKey) (masking.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		c.misses++
		return masking.Result{}, false
	}
	c.hits++
	c.order.MoveToFront(el)
	return el.Value.(*lruEntry).val, true
}

func (c *LRUCache) Put(key CacheKey, r masking.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*lruEntry).val = r
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(&lruEntry{key: key, val: r})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*lruEntry).key)
		c.evictions++
	}
}

// Len returns the number of cached entries.
func (c *LRUCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Keys lists entries from most to least recently used.
func (c *LRUCache) Keys() []CacheKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CacheKey, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*lruEntry).key)
	}
	return out
}

// CacheStats counts cache traffic.
type CacheStats struct {
	Hits, Misses, Evictions int
}

func (c *LRUCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Hits: c.hits, Misses: c.misses, Evictions: c.evictions}
}
