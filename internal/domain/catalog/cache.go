package catalog

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultCacheSize = 1024
	DefaultCacheTTL  = time.Minute
)

// CachedLookup memoizes successful lookups for a bounded time. Misses are
// never cached so a product made sellable shows up on the next call.
type CachedLookup struct {
	next  Lookup
	cache *expirable.LRU[uuid.UUID, Product]
}

func NewCachedLookup(next Lookup, size int, ttl time.Duration) *CachedLookup {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedLookup{
		next:  next,
		cache: expirable.NewLRU[uuid.UUID, Product](size, nil, ttl),
	}
}

func (c *CachedLookup) LookupProduct(ctx context.Context, id uuid.UUID) (*Product, error) {
	if p, ok := c.cache.Get(id); ok {
		return &p, nil
	}
	p, err := c.next.LookupProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	c.cache.Add(id, *p)
	return p, nil
}

func (c *CachedLookup) Invalidate(id uuid.UUID) {
	c.cache.Remove(id)
}

func (c *CachedLookup) Len() int {
	return c.cache.Len()
}
