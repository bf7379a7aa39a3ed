package optimizer

import (
	"container/list"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/zjrosen/conclave/internal/log"
)

// DefaultCacheSize and DefaultCacheTTL are the standard defaults for
// the memoized-read cache (1000 entries, 60s TTL).
const (
	DefaultCacheSize = 1000
	DefaultCacheTTL = 60 * time.Second
)

// Cache memoizes idempotent reads (e.g. worktree status) behind a TTL,
// evicting the least recently set entry when a new key arrives at the
// configured size. Grounded on a cachemanager.InMemoryCacheManager-style
// wrapper wrapping patrickmn/go-cache for TTL expiry; go-cache has no
// built-in eviction-by-count, so Cache layers a list ordered by last Set
// on top (re-setting a key moves it to the back) and evicts its front.
type Cache struct {
	mu sync.Mutex
	backing *gocache.Cache
	order *list.List
	elems map[string]*list.Element
	maxSize int
	ttl time.Duration
}

// NewCache creates a Cache. A zero size or ttl falls back to the
// package defaults.
func NewCache(size int, ttl time.Duration) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		backing: gocache.New(ttl, ttl),
		order: list.New(),
		elems: make(map[string]*list.Element),
		maxSize: size,
		ttl: ttl,
	}
}

// Get returns the cached value for key, if present and unexpired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.backing.Get(key)
	if ok {
		log.Debug(log.CatOptimizer, "cache hit", "key", key)
	}
	return v, ok
}

// Set stores value under key, evicting the oldest entry first if the
// cache is already at capacity.
func (c *Cache) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.elems[key]; ok {
		c.order.MoveToBack(elem)
	} else {
		if c.order.Len() >= c.maxSize {
			c.evictOldestLocked()
		}
		c.elems[key] = c.order.PushBack(key)
	}
	c.backing.Set(key, value, c.ttl)
}

// Invalidate removes key from the cache, if present.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backing.Delete(key)
	if elem, ok := c.elems[key]; ok {
		c.order.Remove(elem)
		delete(c.elems, key)
	}
}

// Len reports the current number of entries (including any not yet
// cleaned up by go-cache's own janitor after expiry).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backing.ItemCount()
}

// Resize changes the size cap applied on future Set calls, evicting
// immediately if the cache is already over the new cap.
func (c *Cache) Resize(size int) {
	if size <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxSize = size
	for c.order.Len() > c.maxSize {
		c.evictOldestLocked()
	}
}

func (c *Cache) evictOldestLocked() {
	oldest := c.order.Front()
	if oldest == nil {
		return
	}
	key := oldest.Value.(string)
	c.order.Remove(oldest)
	delete(c.elems, key)
	c.backing.Delete(key)
	log.Debug(log.CatOptimizer, "cache evicted oldest entry", "key", key)
}
