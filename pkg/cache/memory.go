package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/lborres/susi/core"
)

// InMemoryCache implements an in-memory account profile cache keyed by email
type InMemoryCache struct {
	cache   map[string]*cachedRecord
	mu      sync.RWMutex
	ttl     time.Duration
	maxSize int

	// counters
	hits      int64
	misses    int64
	sets      int64
	deletes   int64
	evictions int64
}

var _ core.CacheWithStats = (*InMemoryCache)(nil)

type cachedRecord struct {
	profile  *core.AccountProfile
	cachedAt time.Time
}

// NewInMemoryCache creates a new in-memory cache
func NewInMemoryCache(c core.CacheConfig) *InMemoryCache {
	if c.TTL == 0 {
		c.TTL = 5 * time.Minute
	}
	if c.MaxSize == 0 {
		c.MaxSize = 500
	}

	return &InMemoryCache{
		cache:   make(map[string]*cachedRecord),
		ttl:     c.TTL,
		maxSize: c.MaxSize,
	}
}

// Get retrieves a profile from cache. Callers get a copy.
func (c *InMemoryCache) Get(email string) (*core.AccountProfile, error) {
	c.mu.RLock()
	record, exists := c.cache[email]
	c.mu.RUnlock()

	if !exists {
		atomic.AddInt64(&c.misses, 1)
		return nil, core.ErrCacheNotFound
	}

	if time.Since(record.cachedAt) > c.ttl {
		// expired
		atomic.AddInt64(&c.misses, 1)
		if err := c.Delete(email); err != nil {
			return nil, err
		}
		return nil, core.ErrCacheNotFound
	}

	atomic.AddInt64(&c.hits, 1)
	profile := *record.profile
	return &profile, nil
}

// Set stores a profile in cache
func (c *InMemoryCache) Set(email string, profile *core.AccountProfile) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Simple eviction if full
	if _, replacing := c.cache[email]; !replacing && len(c.cache) >= c.maxSize {
		for k := range c.cache {
			delete(c.cache, k)
			atomic.AddInt64(&c.evictions, 1)
			break
		}
	}

	stored := *profile
	c.cache[email] = &cachedRecord{
		profile:  &stored,
		cachedAt: time.Now(),
	}

	atomic.AddInt64(&c.sets, 1)
	return nil
}

// Delete removes a profile from cache
func (c *InMemoryCache) Delete(email string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, existed := c.cache[email]; existed {
		delete(c.cache, email)
		atomic.AddInt64(&c.deletes, 1)
	}
	return nil
}

// Clear removes all profiles from cache
func (c *InMemoryCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]*cachedRecord)
	return nil
}

// Len returns the number of cached profiles
func (c *InMemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

// Stats returns cache statistics
func (c *InMemoryCache) Stats() core.CacheStats {
	return core.CacheStats{
		Hits:      atomic.LoadInt64(&c.hits),
		Misses:    atomic.LoadInt64(&c.misses),
		Sets:      atomic.LoadInt64(&c.sets),
		Deletes:   atomic.LoadInt64(&c.deletes),
		Evictions: atomic.LoadInt64(&c.evictions),
		Size:      c.Len(),
		TTL:       c.ttl,
	}
}
