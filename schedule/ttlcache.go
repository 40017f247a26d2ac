package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const defaultTTLCacheSize = 1024

// TTLCache is a get-or-fetch memo over an expiring LRU. Expiry and eviction
// belong to the LRU; fetch only produces values. Failed fetches are not
// cached and concurrent misses for the same key share one fetch.
type TTLCache[K comparable, V any] struct {
	lru   *expirable.LRU[K, V]
	group singleflight.Group
}

func NewTTLCache[K comparable, V any](ttl time.Duration) *TTLCache[K, V] {
	return &TTLCache[K, V]{lru: expirable.NewLRU[K, V](defaultTTLCacheSize, nil, ttl)}
}

// Get returns a live cached value.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	return c.lru.Get(key)
}

// Set stores value for the cache TTL.
func (c *TTLCache[K, V]) Set(key K, value V) {
	c.lru.Add(key, value)
}

// Invalidate drops key.
func (c *TTLCache[K, V]) Invalidate(key K) {
	c.lru.Remove(key)
}

// GetOrFetch returns the cached value for key or calls fetch and caches its result.
func (c *TTLCache[K, V]) GetOrFetch(ctx context.Context, key K, fetch func(ctx context.Context) (V, error)) (V, error) {
	if v, ok := c.lru.Get(key); ok {
		return v, nil
	}

	res, err, _ := c.group.Do(fmt.Sprint(key), func() (any, error) {
		if v, ok := c.lru.Get(key); ok {
			return v, nil
		}
		v, err := fetch(ctx)
		if err != nil {
			return v, err
		}
		c.lru.Add(key, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	v, _ := res.(V)
	return v, nil
}
