// gate.go — Global concurrency gate and per-tenant/per-tool counters
// (spec §4.6 dispatch loop, §8 "concurrent running calls ≤ per_tenant[t]").
// The global gate is a golang.org/x/sync/semaphore.Weighted swapped
// atomically whenever the policy-driven global_slots value changes, so a
// runtime override (scenario 6) takes effect without disturbing calls
// already holding a slot on the outgoing semaphore.
package scheduler

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

type slotGate struct {
	sem  *semaphore.Weighted
	size int64
}

func newSlotGate(n int64) *slotGate {
	if n <= 0 {
		n = 1
	}
	return &slotGate{sem: semaphore.NewWeighted(n), size: n}
}

// globalGate holds the live slotGate behind an atomic pointer so workers
// always acquire against the current policy-sized semaphore.
type globalGate struct {
	ptr atomic.Pointer[slotGate]
}

func newGlobalGate(initial int64) *globalGate {
	g := &globalGate{}
	g.ptr.Store(newSlotGate(initial))
	return g
}

func (g *globalGate) current() *slotGate { return g.ptr.Load() }

// resize installs a fresh semaphore if n differs from the current size.
// Tokens already acquired against the outgoing semaphore remain valid and
// are released back to it, not the new one.
func (g *globalGate) resize(n int64) {
	cur := g.ptr.Load()
	if cur != nil && cur.size == n {
		return
	}
	g.ptr.Store(newSlotGate(n))
}

// availableSlots reports the current gate's configured size; slots already
// held by running calls are not subtracted.
func (g *globalGate) availableSlots() int64 {
	cur := g.ptr.Load()
	if cur == nil {
		return 0
	}
	return cur.size
}

// concurrencyCounters tracks in-flight running calls per tenant and per
// tool so admission and the dispatch loop can enforce policy-defined caps.
type concurrencyCounters struct {
	mu     sync.Mutex
	tenant map[string]int
	tool   map[string]int
}

func newConcurrencyCounters() *concurrencyCounters {
	return &concurrencyCounters{tenant: make(map[string]int), tool: make(map[string]int)}
}

func (c *concurrencyCounters) tenantCount(tenant string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tenant[tenant]
}

func (c *concurrencyCounters) toolCount(tool string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tool[tool]
}

func (c *concurrencyCounters) acquire(tenant, tool string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tenant[tenant]++
	c.tool[tool]++
}

func (c *concurrencyCounters) release(tenant, tool string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tenant[tenant] > 0 {
		c.tenant[tenant]--
	}
	if c.tool[tool] > 0 {
		c.tool[tool]--
	}
}
