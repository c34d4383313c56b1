// Package authcache caches positive authorization decisions for a
// fixed TTL, mirroring the original gateway's CHECKSESSIONS_CACHE:
// negative results are never cached and always re-check against the
// authorization backend (spec.md §4.5).
package authcache

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultTTL is the fixed one-hour cache lifetime spec.md §4.5 names.
const DefaultTTL = time.Hour

// DefaultSize bounds the cache's entry count; eviction beyond this
// simply forces a re-check on the next call, it does not affect
// correctness.
const DefaultSize = 4096

// Cache caches "this (column, value) pair was authorized" decisions.
type Cache struct {
	cache *lru.LRU[string, struct{}]
}

// New returns a Cache with the default TTL and size.
func New() *Cache {
	return &Cache{cache: lru.NewLRU[string, struct{}](DefaultSize, nil, DefaultTTL)}
}

func key(column, value string) string {
	return column + ":" + value
}

// Allow reports whether (column, value) was marked authorized within
// the TTL window.
func (c *Cache) Allow(column, value string) bool {
	_, ok := c.cache.Get(key(column, value))
	return ok
}

// MarkAuthorized records a positive authorization decision. Negative
// decisions must never call this — the caller always re-checks them.
func (c *Cache) MarkAuthorized(column, value string) {
	c.cache.Add(key(column, value), struct{}{})
}
