package api

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type cachedResponse struct {
	status int
	body   []byte
}

// idempotencyCache keeps successful spawn answers keyed by operation and
// Idempotency-Key. Failed requests are never cached.
type idempotencyCache struct {
	entries *expirable.LRU[string, cachedResponse]
}

func newIdempotencyCache(size int, ttl time.Duration) *idempotencyCache {
	return &idempotencyCache{entries: expirable.NewLRU[string, cachedResponse](size, nil, ttl)}
}

func (c *idempotencyCache) get(op, key string) (cachedResponse, bool) {
	return c.entries.Get(op + ":" + key)
}

func (c *idempotencyCache) put(op, key string, resp cachedResponse) {
	c.entries.Add(op+":"+key, resp)
}
