// Package cache is the TTL+LRU cache in front of read-only device
// resources. Entries are scoped per identity where the resource is,
// and writes to a device evict everything cached for it.
package cache

import (
	"strings"
	"time"

	"github.com/bluele/gcache"
	"golang.org/x/sync/singleflight"

	"github.com/rosfleet/rosfleet/pkg/metrics"
)

// Config tunes the resource cache
type Config struct {
	// MaxEntries bounds the LRU
	MaxEntries int

	// DefaultTTL applies when the tool does not override it
	DefaultTTL time.Duration
}

// DefaultConfig returns the cache defaults
func DefaultConfig() Config {
	return Config{
		MaxEntries: 1000,
		DefaultTTL: 300 * time.Second,
	}
}

// Cache holds resource payloads keyed by (uri, identity)
type Cache struct {
	cfg   Config
	store gcache.Cache
	group singleflight.Group
}

// New creates a resource cache
func New(cfg Config) *Cache {
	if cfg.MaxEntries == 0 {
		cfg = DefaultConfig()
	}
	return &Cache{
		cfg:   cfg,
		store: gcache.New(cfg.MaxEntries).LRU().Build(),
	}
}

func cacheKey(uri, identity string) string {
	return uri + "|" + identity
}

// GetOrLoad returns the cached payload for (uri, identity) or runs the
// loader. Concurrent misses on the same key are coalesced into one
// loader call. The second return value reports a cache hit.
func (c *Cache) GetOrLoad(uri, identity string, ttl time.Duration, load func() (interface{}, error)) (interface{}, bool, error) {
	key := cacheKey(uri, identity)

	if value, err := c.store.Get(key); err == nil {
		metrics.CacheHits.Inc()
		return value, true, nil
	}
	metrics.CacheMisses.Inc()

	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}

	value, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Another coalesced caller may have filled the entry already
		if value, err := c.store.Get(key); err == nil {
			return value, nil
		}
		value, err := load()
		if err != nil {
			return nil, err
		}
		if err := c.store.SetWithExpire(key, value, ttl); err != nil {
			return value, nil
		}
		return value, nil
	})
	if err != nil {
		return nil, false, err
	}
	return value, false, nil
}

// InvalidateDevice drops every entry whose resource URI references the
// device. Called after any successful write.
func (c *Cache) InvalidateDevice(deviceID string) {
	for _, key := range c.store.Keys(false) {
		if s, ok := key.(string); ok && strings.Contains(s, deviceID) {
			c.store.Remove(key)
		}
	}
}

// Invalidate drops one (uri, identity) entry
func (c *Cache) Invalidate(uri, identity string) {
	c.store.Remove(cacheKey(uri, identity))
}

// Purge empties the cache
func (c *Cache) Purge() {
	c.store.Purge()
}

// Len returns the live entry count
func (c *Cache) Len() int {
	return c.store.Len(true)
}
