// waittier.go — Post-action wait bundles (spec §5, GLOSSARY "Wait tier"):
// dom_ready blocks until the target page reports an interactive or complete
// load state, idle additionally requires the page's network-quiet flag.
// Each tier is bounded by its own policy-configured cap, the call's
// deadline, and the cancel token.
package scheduler

import (
	"time"

	"github.com/brennhill/unified-browser-kernel/internal/registry"
)

const tierPollInterval = 50 * time.Millisecond

// awaitWaitTier blocks until the call's wait tier is satisfied or its
// bound elapses. Best-effort: a cap expiry or a raised cancel token ends
// the wait without failing the already-successful call.
func (s *Scheduler) awaitWaitTier(call *ToolCall) {
	if call.WaitTier == "" || call.WaitTier == WaitNone {
		return
	}

	snap := s.policy.Snapshot()
	var tierCap time.Duration
	switch call.WaitTier {
	case WaitDomReady:
		tierCap = time.Duration(snap.GetInt("wait.dom_ready_ms", 5000)) * time.Millisecond
	case WaitIdle:
		tierCap = time.Duration(snap.GetInt("wait.idle_ms", 10000)) * time.Millisecond
	default:
		return
	}

	bound := time.Now().Add(tierCap)
	if !call.Deadline.IsZero() && call.Deadline.Before(bound) {
		bound = call.Deadline
	}
	timer := time.NewTimer(time.Until(bound))
	defer timer.Stop()
	ticker := time.NewTicker(tierPollInterval)
	defer ticker.Stop()

	for {
		if s.tierSatisfied(call) {
			return
		}
		select {
		case <-ticker.C:
		case <-call.Cancel.Done():
			return
		case <-timer.C:
			return
		case <-s.stopCh:
			return
		}
	}
}

// tierSatisfied reads the route's page snapshot and evaluates the tier
// condition. A page that disappeared mid-wait counts as satisfied — the
// route-stale outcome belongs to the next call, not to this wait.
func (s *Scheduler) tierSatisfied(call *ToolCall) bool {
	page, ok := s.registry.Page(call.Route.SessionId, call.Route.PageId)
	if !ok {
		return true
	}
	loaded := page.LoadState == registry.LoadInteractive || page.LoadState == registry.LoadComplete
	switch call.WaitTier {
	case WaitDomReady:
		return loaded
	case WaitIdle:
		return loaded && page.Health.Quiet
	default:
		return true
	}
}
