package cache

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
)

// IPCache is a TTL-and-size bounded cache for per-address lookup results,
// keyed by canonical address text. Entries expire after the configured TTL;
// once maxEntries live entries exist, the least recently used one is
// evicted. All operations are safe for concurrent use.
type IPCache[V any] struct {
	lru        *expirable.LRU[string, V]
	ttl        time.Duration
	maxEntries int
	logger     *logrus.Logger
	// Statistics
	hits      int64
	misses    int64
	evictions int64
}

// NewIPCache creates a cache with the given TTL and entry bound.
func NewIPCache[V any](ttl time.Duration, maxEntries int, logger *logrus.Logger) *IPCache[V] {
	c := &IPCache[V]{
		ttl:        ttl,
		maxEntries: maxEntries,
		logger:     logger,
	}

	c.lru = expirable.NewLRU[string, V](maxEntries, func(string, V) {
		atomic.AddInt64(&c.evictions, 1)
	}, ttl)

	return c
}

// Get retrieves the cached value for an address.
func (c *IPCache[V]) Get(ip string) (V, bool) {
	value, found := c.lru.Get(ip)
	if found {
		atomic.AddInt64(&c.hits, 1)
	} else {
		atomic.AddInt64(&c.misses, 1)
	}
	return value, found
}

// Set stores a lookup result for an address.
func (c *IPCache[V]) Set(ip string, value V) {
	c.lru.Add(ip, value)
}

// Clear removes all entries and resets the statistics. Called after a
// snapshot reload so stale placements never outlive their tables.
func (c *IPCache[V]) Clear() {
	c.lru.Purge()
	atomic.StoreInt64(&c.hits, 0)
	atomic.StoreInt64(&c.misses, 0)
	atomic.StoreInt64(&c.evictions, 0)

	c.logger.Info("Cache cleared")
}

// GetStats returns cache statistics.
func (c *IPCache[V]) GetStats() map[string]interface{} {
	hits := atomic.LoadInt64(&c.hits)
	misses := atomic.LoadInt64(&c.misses)

	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	return map[string]interface{}{
		"entries":     c.lru.Len(),
		"hits":        hits,
		"misses":      misses,
		"evictions":   atomic.LoadInt64(&c.evictions),
		"hit_rate":    hitRate,
		"ttl_seconds": c.ttl.Seconds(),
		"max_entries": c.maxEntries,
	}
}

// Size returns the current number of entries in the cache.
func (c *IPCache[V]) Size() int {
	return c.lru.Len()
}
