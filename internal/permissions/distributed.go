// distributed.go — optional Redis-backed mirror of the permissions decision
// cache (spec §4.11 domain stack): "multiple kernel replicas share the warm
// cache" while the in-process LRU remains authoritative per the spec's
// single-process concurrency model. Grounded in goadesign-goa-ai and
// jordigilh-kubernaut's go.mod use of redis/go-redis/v9.
package permissions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistributedCache mirrors EnsureFor decisions to a shared store so a
// replica that has never seen an origin can still warm-start from another
// replica's evaluation, instead of re-running the pattern match.
type DistributedCache interface {
	Get(ctx context.Context, origin, permission string) (DecisionResult, bool)
	Set(ctx context.Context, origin, permission string, result DecisionResult, ttl time.Duration)
}

// RedisMirror implements DistributedCache over a redis.Client. Keys are
// namespaced "perm:<origin>:<permission>"; values are JSON-encoded
// DecisionResult. Best-effort: a redis error degrades to a cache miss
// rather than failing the broker's decision.
type RedisMirror struct {
	client *redis.Client
	prefix string
}

// NewRedisMirror builds a RedisMirror keyed under prefix (default "perm:").
func NewRedisMirror(client *redis.Client, prefix string) *RedisMirror {
	if prefix == "" {
		prefix = "perm:"
	}
	return &RedisMirror{client: client, prefix: prefix}
}

func (m *RedisMirror) key(origin, permission string) string {
	return m.prefix + origin + ":" + permission
}

// Get returns the mirrored decision, if any and still unexpired per redis's
// own TTL accounting.
func (m *RedisMirror) Get(ctx context.Context, origin, permission string) (DecisionResult, bool) {
	raw, err := m.client.Get(ctx, m.key(origin, permission)).Result()
	if err != nil {
		return DecisionResult{}, false
	}
	var result DecisionResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return DecisionResult{}, false
	}
	return result, true
}

// Set mirrors a decision with the same TTL the local cache entry carries. A
// zero TTL mirrors with no expiry.
func (m *RedisMirror) Set(ctx context.Context, origin, permission string, result DecisionResult, ttl time.Duration) {
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	m.client.Set(ctx, m.key(origin, permission), raw, ttl)
}

// SetDistributedCache installs the optional mirror. A nil cache (the
// default) keeps the broker purely in-process.
func (b *Broker) SetDistributedCache(cache DistributedCache) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.distributed = cache
}
