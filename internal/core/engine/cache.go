package engine

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/rpclens/rpclens/internal/core"
)

// CacheConfig tunes the result cache.
type CacheConfig struct {
	// MaxSize bounds stored entries; the oldest are evicted first.
	MaxSize int
	// TTL is how long a resolved entry stays fresh. Expiry is lazy: an
	// entry older than TTL reads as a miss.
	TTL time.Duration
	// Methods lists the cacheable (idempotent, short-lived-answer) methods.
	Methods []string
}

func (c CacheConfig) withDefaults() CacheConfig {
	if c.MaxSize < 1 {
		c.MaxSize = 1024
	}
	if c.TTL <= 0 {
		c.TTL = 2 * time.Second
	}
	return c
}

// ResultCache combines in-flight coalescing with a short-TTL result cache.
// Per key there is at most one outbound call at any instant: concurrent
// callers for the same key join the in-flight call and all observe the
// leader's single result.
type ResultCache struct {
	group singleflight.Group
	lru   *expirable.LRU[string, core.Result]
}

// NewResultCache creates a cache of at most maxSize entries with the given
// TTL.
func NewResultCache(maxSize int, ttl time.Duration) *ResultCache {
	return &ResultCache{
		lru: expirable.NewLRU[string, core.Result](maxSize, nil, ttl),
	}
}

// Do returns the cached value for key when fresh, otherwise runs fn once
// for all concurrent callers of the key and caches a successful result.
// The second return reports whether this caller was served without
// dispatching (a cache hit or a join of another caller's in-flight call).
func (c *ResultCache) Do(key string, fn func() (core.Result, error)) (core.Result, bool, error) {
	if v, ok := c.lru.Get(key); ok {
		return v, true, nil
	}

	led := false
	v, err, _ := c.group.Do(key, func() (any, error) {
		led = true
		// A racing leader may have populated the cache between our miss and
		// joining the flight.
		if v, ok := c.lru.Get(key); ok {
			return v, nil
		}
		res, err := fn()
		if err != nil {
			return nil, err
		}
		c.lru.Add(key, res)
		return res, nil
	})
	if err != nil {
		return nil, !led, err
	}
	return v.(core.Result), !led, nil
}

// Len returns the number of stored entries.
func (c *ResultCache) Len() int { return c.lru.Len() }

// CacheKey derives the cache key for a call: the method plus the compacted
// params JSON. Returns "" (non-cacheable) when params are not valid JSON.
func CacheKey(method string, params json.RawMessage) string {
	if len(params) == 0 {
		return method
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, params); err != nil {
		return ""
	}
	return method + ":" + buf.String()
}
