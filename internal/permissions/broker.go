// broker.go — Permissions Broker (spec §4.7): longest-pattern-match policy
// lookup with a TTL-bounded decision cache and best-effort policy
// application to the browser transport.
package permissions

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/brennhill/unified-browser-kernel/internal/eventbus"
)

type cacheKey struct {
	origin     string
	permission string
}

// cacheEntry pairs a cached decision with its own expiry, since the rule
// that produced it may carry a shorter TTL than the cache-wide default the
// LRU itself enforces.
type cacheEntry struct {
	result    DecisionResult
	expiresAt time.Time // zero value means only the cache-wide TTL applies
}

// Applier pushes a granted permission decision onto the live browser
// session. Implemented by the CDP transport; best-effort by contract.
type Applier interface {
	ApplyPermission(origin, permission string, granted bool) error
}

// Broker answers ensure_for queries against a set of site-pattern Rules.
type Broker struct {
	mu    sync.RWMutex
	rules []Rule

	cache *expirable.LRU[cacheKey, cacheEntry]

	// distributed optionally mirrors decisions to a shared store so other
	// kernel replicas can warm-start from this one; nil keeps the broker
	// purely in-process (spec §4.11).
	distributed DistributedCache

	bus *eventbus.Bus
	log logr.Logger
}

// New creates a Broker with the given rule set and a cache sized for
// cacheSize distinct (origin, permission) pairs, with defaultTTL used for
// entries whose matching rule has no explicit TTL.
func New(rules []Rule, cacheSize int, defaultTTL time.Duration, bus *eventbus.Bus, log logr.Logger) *Broker {
	return &Broker{
		rules: append([]Rule(nil), rules...),
		cache: expirable.NewLRU[cacheKey, cacheEntry](cacheSize, nil, defaultTTL),
		bus:   bus,
		log:   log.WithName("permissions"),
	}
}

// SetRules atomically replaces the rule set and invalidates the cache,
// since previously-cached decisions may no longer reflect any rule.
func (b *Broker) SetRules(rules []Rule) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rules = append([]Rule(nil), rules...)
	b.cache.Purge()
}

// EnsureFor decides whether origin may exercise each permission in needs,
// consulting the cache first and falling back to the longest-pattern-match
// policy evaluation on a miss.
func (b *Broker) EnsureFor(origin string, needs []string) DecisionResult {
	sortedNeeds := append([]string(nil), needs...)
	sort.Strings(sortedNeeds)

	b.mu.RLock()
	rule, matched := b.matchRule(origin)
	b.mu.RUnlock()

	var granted, missing []string
	ttl := time.Duration(0)
	if matched {
		ttl = rule.TTL
	}

	for _, need := range sortedNeeds {
		key := cacheKey{origin: origin, permission: need}
		if cached, ok := b.cachedDecision(key); ok {
			if cached.Decision == Allow {
				granted = append(granted, need)
			} else {
				missing = append(missing, need)
			}
			continue
		}
		if b.distributed != nil {
			if cached, ok := b.distributed.Get(context.Background(), origin, need); ok {
				b.cacheLocal(key, cached, ttl)
				if cached.Decision == Allow {
					granted = append(granted, need)
				} else {
					missing = append(missing, need)
				}
				continue
			}
		}

		allowed := matched && contains(rule.Allow, need) && !contains(rule.Deny, need)
		var single DecisionResult
		if allowed {
			single = DecisionResult{Decision: Allow, Granted: []string{need}, TTL: ttl}
			granted = append(granted, need)
		} else {
			single = DecisionResult{Decision: Deny, Missing: []string{need}, TTL: ttl}
			missing = append(missing, need)
		}
		b.cacheLocal(key, single, ttl)
		if b.distributed != nil {
			b.distributed.Set(context.Background(), origin, need, single, ttl)
		}
	}

	result := classify(granted, missing, ttl)
	b.publishAudit(origin, sortedNeeds, granted, missing, result.Decision, ttl)
	return result
}

// cachedDecision reads the local LRU, treating an entry past its own
// rule-level expiry as a miss even when the cache-wide TTL has not lapsed.
func (b *Broker) cachedDecision(key cacheKey) (DecisionResult, bool) {
	entry, ok := b.cache.Get(key)
	if !ok {
		return DecisionResult{}, false
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		b.cache.Remove(key)
		return DecisionResult{}, false
	}
	return entry.result, true
}

func (b *Broker) cacheLocal(key cacheKey, result DecisionResult, ttl time.Duration) {
	entry := cacheEntry{result: result}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	b.cache.Add(key, entry)
}

func classify(granted, missing []string, ttl time.Duration) DecisionResult {
	switch {
	case len(missing) == 0 && len(granted) > 0:
		return DecisionResult{Decision: Allow, Granted: granted, TTL: ttl}
	case len(granted) == 0 && len(missing) > 0:
		return DecisionResult{Decision: Deny, Missing: missing, TTL: ttl}
	case len(granted) > 0 && len(missing) > 0:
		return DecisionResult{Decision: Partial, Granted: granted, Missing: missing, TTL: ttl}
	default:
		return DecisionResult{Decision: Prompt, TTL: ttl}
	}
}

func (b *Broker) matchRule(origin string) (Rule, bool) {
	idx := bestMatch(b.rules, origin)
	if idx < 0 {
		return Rule{}, false
	}
	return b.rules[idx], true
}

// ApplyPolicy evaluates needs for origin (through the cache, as EnsureFor
// does) and pushes each granted permission as a grant and each missing one
// as a reset onto the transport. Best-effort: any
// per-permission failure is reported on the event bus and does not abort
// the remaining permissions.
func (b *Broker) ApplyPolicy(origin string, needs []string, applier Applier) {
	result := b.EnsureFor(origin, needs)
	for _, perm := range result.Granted {
		if err := applier.ApplyPermission(origin, perm, true); err != nil {
			b.publishApplyFailure(origin, perm, err)
		}
	}
	for _, perm := range result.Missing {
		if err := applier.ApplyPermission(origin, perm, false); err != nil {
			b.publishApplyFailure(origin, perm, err)
		}
	}
}

func (b *Broker) publishAudit(origin string, requested, granted, denied []string, decision Decision, ttl time.Duration) {
	if b.bus == nil {
		return
	}
	b.bus.Publish("permissions.decision", AuditEvent{
		Origin:    origin,
		Requested: requested,
		Granted:   granted,
		Denied:    denied,
		TTL:       ttl,
		Decision:  decision,
	})
}

func (b *Broker) publishApplyFailure(origin, permission string, err error) {
	if b.bus == nil {
		return
	}
	b.bus.Publish("permissions.apply_failed", map[string]any{
		"origin":     origin,
		"permission": permission,
		"error":      err.Error(),
	})
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
