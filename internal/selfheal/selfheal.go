// selfheal.go — Self-Heal Registry (spec §4.8): an ordered list of
// strategies matching a FailureDescriptor to a bounded recovery action.
// Grounded in the teacher's capture/circuit_breaker.go streak-counting FSM
// (generalized here from a single circuit into a per-call-id fire-once
// guard) and goadesign-goa-ai's go.mod for golang.org/x/time/rate, used for
// the literal "bounded ... per minute" auto-retry cap in spec §4.8.
package selfheal

import (
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/time/rate"

	"github.com/brennhill/unified-browser-kernel/internal/eventbus"
	"github.com/brennhill/unified-browser-kernel/internal/ids"
	"github.com/brennhill/unified-browser-kernel/internal/kernelerr"
	"github.com/brennhill/unified-browser-kernel/internal/scheduler"
)

// Action enumerates the three recovery actions a Strategy may take.
type Action string

const (
	ActionAutoRetry     Action = "auto_retry"
	ActionAnnotate      Action = "annotate"
	ActionHumanApproval Action = "human_approval"
	ActionNone          Action = "none"
)

// Predicate reports whether fd matches this strategy's trigger condition.
// Descriptors carry everything a predicate needs: the error kind, the tool
// name, the route, the attempt number, and caller-supplied context tags.
type Predicate func(fd scheduler.FailureDescriptor) bool

// Strategy is one named rule (spec §4.8): a predicate, an action, an
// enabled flag, and a telemetry label. Rearmable allows a strategy that
// would otherwise fire once per call id to fire again for later attempts
// of the same call (spec §4.8 Bounds: "at most once per call id unless
// explicitly declared as re-armable").
type Strategy struct {
	ID              string
	Match           Predicate
	Action          Action
	ExtraAttempts   int
	Severity        string
	Note            string
	ApprovalTimeout time.Duration
	Enabled         bool
	Rearmable       bool
	TelemetryLabel  string
}

// ApprovalSink is consulted by a human_approval strategy to obtain the
// Resume channel a parked call blocks on. The default implementation is an
// in-process buffered channel per call; RedisApprovals (redis-backed) is an
// alternative a composition root can pass in instead.
type ApprovalSink interface {
	// Await registers a pending approval for actionID and returns a channel
	// that receives true (resume) or false/closed (cancel).
	Await(actionID ids.ActionId) <-chan bool
	// Resolve is called by an external approval API to unblock a parked
	// call. Resolving an unknown or already-resolved action id is a no-op.
	Resolve(actionID ids.ActionId, approve bool)
}

// Registry implements scheduler.SelfHealer: an ordered strategy list plus a
// global per-minute auto-retry cap and a fired-once-per-call-id guard.
type Registry struct {
	mu         sync.RWMutex
	strategies []Strategy

	autoRetryLimiter *rate.Limiter

	firedMu sync.Mutex
	fired   map[ids.CallId]map[string]bool

	approvals ApprovalSink

	bus *eventbus.Bus
	log logr.Logger
}

// SelfHealEvent is published to the bus (and, by the caller, inserted into
// the State Center) whenever a strategy fires.
type SelfHealEvent struct {
	StrategyID string
	ActionID   ids.ActionId
	CallID     ids.CallId
	Tool       string
	Kind       kernelerr.Kind
	Action     Action
	Severity   string
	Note       string
}

// New builds a Registry. perMinuteCap bounds the rate at which auto_retry
// decisions are granted (spec §4.8 "global per-minute cap ... policy-tunable");
// a non-positive cap disables the limiter (unbounded, for tests).
func New(strategies []Strategy, perMinuteCap int, approvals ApprovalSink, bus *eventbus.Bus, log logr.Logger) *Registry {
	var limiter *rate.Limiter
	if perMinuteCap > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(perMinuteCap)/60.0), perMinuteCap)
	}
	if approvals == nil {
		approvals = NewInProcessApprovals()
	}
	return &Registry{
		strategies:       append([]Strategy(nil), strategies...),
		autoRetryLimiter: limiter,
		fired:            make(map[ids.CallId]map[string]bool),
		approvals:        approvals,
		bus:              bus,
		log:              log.WithName("selfheal"),
	}
}

// SetStrategies atomically replaces the ordered strategy list.
func (r *Registry) SetStrategies(strategies []Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies = append([]Strategy(nil), strategies...)
}

// Approvals exposes the ApprovalSink so an external approval API (a
// collaborator, not part of the core) can resolve parked calls.
func (r *Registry) Approvals() ApprovalSink { return r.approvals }

// Consult matches fd against the enabled strategies in declared order and
// returns the first match's decision, bounding auto_retry by the per-minute
// cap and the per-call-id fire-once rule.
func (r *Registry) Consult(fd scheduler.FailureDescriptor) scheduler.SelfHealDecision {
	r.mu.RLock()
	strategies := r.strategies
	r.mu.RUnlock()

	for _, st := range strategies {
		if !st.Enabled || st.Match == nil || !st.Match(fd) {
			continue
		}
		if r.alreadyFired(fd.CallID, st.ID) && !st.Rearmable {
			continue
		}

		action := st.Action
		if action == ActionAutoRetry && r.autoRetryLimiter != nil && !r.autoRetryLimiter.Allow() {
			// Per-minute cap exhausted: degrade to annotate rather than
			// silently dropping the failure on the floor.
			action = ActionAnnotate
		}

		r.markFired(fd.CallID, st.ID)
		r.publish(st, fd, action)

		switch action {
		case ActionAutoRetry:
			return scheduler.SelfHealDecision{Action: string(ActionAutoRetry), ExtraAttempts: st.ExtraAttempts}
		case ActionHumanApproval:
			timeout := st.ApprovalTimeout
			if timeout <= 0 {
				timeout = 5 * time.Minute
			}
			return scheduler.SelfHealDecision{
				Action:          string(ActionHumanApproval),
				Severity:        st.Severity,
				Note:            st.Note,
				ApprovalTimeout: timeout,
				Resume:          r.approvals.Await(fd.ActionID),
			}
		default:
			return scheduler.SelfHealDecision{Action: string(ActionAnnotate), Severity: st.Severity, Note: st.Note}
		}
	}
	return scheduler.SelfHealDecision{Action: string(ActionNone)}
}

func (r *Registry) alreadyFired(callID ids.CallId, strategyID string) bool {
	r.firedMu.Lock()
	defer r.firedMu.Unlock()
	return r.fired[callID][strategyID]
}

func (r *Registry) markFired(callID ids.CallId, strategyID string) {
	if callID == "" {
		return
	}
	r.firedMu.Lock()
	defer r.firedMu.Unlock()
	m, ok := r.fired[callID]
	if !ok {
		m = make(map[string]bool)
		r.fired[callID] = m
	}
	m[strategyID] = true
}

func (r *Registry) publish(st Strategy, fd scheduler.FailureDescriptor, action Action) {
	evt := SelfHealEvent{
		StrategyID: st.ID,
		ActionID:   fd.ActionID,
		CallID:     fd.CallID,
		Tool:       fd.Tool,
		Kind:       fd.Kind,
		Action:     action,
		Severity:   st.Severity,
		Note:       st.Note,
	}
	if r.bus != nil {
		r.bus.Publish("selfheal.action", evt)
	}
	r.log.V(1).Info("self-heal strategy fired", "strategy", st.ID, "action", action, "tool", fd.Tool, "kind", fd.Kind)
}

// ForgetCall releases the fire-once bookkeeping for a terminated call id,
// so the map does not grow unbounded across a long-running process.
func (r *Registry) ForgetCall(callID ids.CallId) {
	if callID == "" {
		return
	}
	r.firedMu.Lock()
	defer r.firedMu.Unlock()
	delete(r.fired, callID)
}

var _ scheduler.SelfHealer = (*Registry)(nil)
