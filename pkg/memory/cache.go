package memory

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

type cacheEntry struct {
	results   []ScoredMemory
	expiresAt time.Time
}

// queryCache bounds retrieval results by entry count and TTL. On overflow the
// least-recently-used 10% of entries are evicted in one sweep so a hot cache
// does not churn one insert at a time. Eviction never surfaces an error.
type queryCache struct {
	mu      sync.Mutex
	lru     *simplelru.LRU[string, cacheEntry]
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

func newQueryCache(maxSize int, ttl time.Duration) *queryCache {
	if maxSize <= 0 {
		maxSize = 100
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	// maxSize+1 headroom: the wrapper evicts before the LRU would.
	lru, _ := simplelru.NewLRU[string, cacheEntry](maxSize+1, nil)
	return &queryCache{lru: lru, ttl: ttl, maxSize: maxSize, now: time.Now}
}

func (c *queryCache) get(key string) ([]ScoredMemory, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expiresAt) {
		c.lru.Remove(key)
		return nil, false
	}
	return entry.results, true
}

func (c *queryCache) put(key string, results []ScoredMemory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lru.Contains(key) && c.lru.Len() >= c.maxSize {
		drop := c.maxSize / 10
		if drop < 1 {
			drop = 1
		}
		for i := 0; i < drop; i++ {
			if _, _, ok := c.lru.RemoveOldest(); !ok {
				break
			}
		}
	}
	c.lru.Add(key, cacheEntry{results: results, expiresAt: c.now().Add(c.ttl)})
}

// purgeExpired drops every entry past its TTL. Called by the janitor.
func (c *queryCache) purgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	purged := 0
	for _, key := range c.lru.Keys() {
		if entry, ok := c.lru.Peek(key); ok && now.After(entry.expiresAt) {
			c.lru.Remove(key)
			purged++
		}
	}
	return purged
}

func (c *queryCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
