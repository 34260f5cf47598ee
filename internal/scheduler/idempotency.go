// idempotency.go — At-most-one semantics per call_id within a configurable
// memory window (spec §4.6 edge cases, §8 round-trip law). Grounded in the
// Permissions Broker's `hashicorp/golang-lru/v2/expirable` cache idiom,
// reused here for a second, independent bounded-TTL cache.
package scheduler

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/brennhill/unified-browser-kernel/internal/ids"
)

type idempotencyCache struct {
	cache *expirable.LRU[ids.CallId, *Future]
}

func newIdempotencyCache(size int, window time.Duration) *idempotencyCache {
	if size <= 0 {
		size = 4096
	}
	if window <= 0 {
		window = 10 * time.Minute
	}
	return &idempotencyCache{cache: expirable.NewLRU[ids.CallId, *Future](size, nil, window)}
}

// claim returns (existingFuture, true) if callID was already submitted
// within the window; otherwise it registers f as the future for callID and
// returns (f, false). A blank callID never dedups.
func (c *idempotencyCache) claim(callID ids.CallId, f *Future) (*Future, bool) {
	if callID == "" {
		return f, false
	}
	if existing, ok := c.cache.Get(callID); ok {
		return existing, true
	}
	c.cache.Add(callID, f)
	return f, false
}
