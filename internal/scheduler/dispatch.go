// dispatch.go — The worker pool: claim, run, retry, self-heal, record (spec
// §4.6 Dispatch Loop, §5 Concurrency & Resource Model).
package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/brennhill/unified-browser-kernel/internal/kernelerr"
	"github.com/brennhill/unified-browser-kernel/internal/obstrace"
)

// cancelGrace is how long a worker waits for a tool executor to honor a
// raised CancelToken before abandoning the goroutine as orphaned (spec §5).
const cancelGrace = 2 * time.Second

// runWorker polls the queue for an eligible call until ctx is cancelled.
// Eligibility is checked inside the queue's own lock via a closure so an
// ineligible call (route held, tenant/tool at cap) is skipped without being
// removed, and without blocking unrelated routes (spec §4.6 Fairness).
func (s *Scheduler) runWorker(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
		}

		if call := s.tryClaimOne(); call != nil {
			s.runCall(ctx, call)
		}
	}
}

// tryClaimOne attempts a single claim against the gate and queue for this
// worker's tick. Returns nil if the gate has no free slot, the queue is
// empty, or every queued call is currently ineligible (route held, tenant/
// tool at cap) — the worker simply waits for its next tick rather than
// busy-spinning.
func (s *Scheduler) tryClaimOne() *ToolCall {
	gate := s.gate.current()
	if !gate.sem.TryAcquire(1) {
		return nil
	}

	var routeMu *sync.Mutex
	call, ok := s.queue.PopEligible(func(c *ToolCall) bool {
		if c.Cancel.Cancelled() {
			return true
		}
		rm := s.routeMutex(c.Route.RouteKey())
		if !rm.TryLock() {
			return false
		}
		snap := s.policy.Snapshot()
		tenantCap := snap.GetInt("scheduler.limits.per_tenant", s.cfg.DefaultPerTenantCap)
		toolCap := snap.GetInt("scheduler.limits.per_tool", s.cfg.DefaultPerToolCap)
		if s.counters.tenantCount(c.Tenant) >= tenantCap || s.counters.toolCount(c.Tool) >= toolCap {
			rm.Unlock()
			return false
		}
		routeMu = rm
		return true
	})
	if !ok {
		gate.sem.Release(1)
		return nil
	}
	if call.Cancel.Cancelled() {
		gate.sem.Release(1)
		if routeMu != nil {
			routeMu.Unlock()
		}
		s.cancelQueued(call)
		return nil
	}

	s.counters.acquire(call.Tenant, call.Tool)
	s.inFlightMu.Lock()
	s.inFlight[call.ActionID] = call
	s.inFlightMu.Unlock()

	call.claimedAt = time.Now()
	call.gate = gate
	call.routeLock = routeMu
	if s.met != nil {
		s.met.ActiveRouteLocks.Inc()
	}
	s.recordEvent(call, StatusClaimed, 0, time.Since(call.SubmittedAt), 0, nil, nil)
	return call
}

// runCall drives one claimed call through retries to a terminal outcome,
// releasing the route mutex, gate slot, and concurrency counters exactly
// once regardless of outcome.
func (s *Scheduler) runCall(ctx context.Context, call *ToolCall) {
	defer func() {
		if call.routeLock != nil {
			call.routeLock.Unlock()
		}
		call.gate.sem.Release(1)
		s.counters.release(call.Tenant, call.Tool)
		if s.met != nil {
			s.met.ActiveRouteLocks.Dec()
		}
		s.inFlightMu.Lock()
		delete(s.inFlight, call.ActionID)
		s.inFlightMu.Unlock()
	}()

	waitDur := time.Since(call.SubmittedAt)
	outcome := s.attemptWithRetries(ctx, call, waitDur)
	if s.met != nil {
		s.met.DispatchLatency.WithLabelValues(call.Tool).Observe(time.Since(call.claimedAt).Seconds())
	}
	call.future.resolve(outcome)
}

// attemptWithRetries runs the call's executor, consulting self-heal after
// every failed attempt and retrying per policy-driven backoff, a relocation-
// safe one-time re-resolve on RouteStale, or a self-heal auto_retry grant
// (spec §4.8, §4.6 retry semantics).
func (s *Scheduler) attemptWithRetries(ctx context.Context, call *ToolCall, waitDur time.Duration) DispatchOutcome {
	snap := s.policy.Snapshot()
	maxAttempts := call.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = snap.GetInt("scheduler.retry.max_attempts", 3)
	}
	baseBackoff := call.Retry.BaseBackoff
	if baseBackoff <= 0 {
		baseBackoff = time.Duration(snap.GetInt("scheduler.retry.base_backoff_ms", 200)) * time.Millisecond
	}
	jitterPct := call.Retry.JitterPct
	if jitterPct <= 0 {
		jitterPct = 0.2
		if v, ok := snap.Get("scheduler.retry.jitter_pct"); ok {
			if f, ok := v.(float64); ok && f > 0 {
				jitterPct = f
			}
		}
	}

	relocated := false
	attempt := 0
	for {
		attempt++
		runStart := time.Now()
		s.recordEvent(call, StatusRunning, attempt, waitDur, 0, nil, nil)

		output, err := s.runOnce(ctx, call, attempt)
		runDur := time.Since(runStart)

		if err == nil {
			s.awaitWaitTier(call)
			runDur = time.Since(runStart)
			s.recordEvent(call, StatusCompleted, attempt, waitDur, runDur, nil, output.Data)
			return DispatchOutcome{Status: StatusCompleted, Attempts: attempt, LatencyMs: runDur.Milliseconds(), Output: output.Data}
		}

		kerr := s.classifyToolError(err)

		if kerr.Kind == kernelerr.KindCancelled {
			s.recordEvent(call, StatusCancelled, attempt, waitDur, runDur, kerr, nil)
			return DispatchOutcome{Status: StatusCancelled, Attempts: attempt, Error: kerr}
		}

		if kerr.Kind == kernelerr.KindRouteStale && call.RelocationSafe && !relocated {
			if _, rerr := s.registry.ResolveRoute(call.Route); rerr == nil {
				relocated = true
				continue
			}
		}

		decision := s.consultSelfHeal(call, kerr, attempt)
		switch decision.Action {
		case "human_approval":
			resumed := s.awaitApproval(call, decision)
			if !resumed {
				s.recordEvent(call, StatusCancelled, attempt, waitDur, runDur, kerr, nil)
				return DispatchOutcome{Status: StatusCancelled, Attempts: attempt, Error: kerr}
			}
			continue
		case "auto_retry":
			maxAttempts += decision.ExtraAttempts
		case "annotate":
			// fallthrough to normal retry/terminal accounting below; the
			// self-heal registry has already published the note as a
			// self-heal event.
		}

		retryable := kerr.Retryable && attempt < maxAttempts
		if !retryable {
			s.recordEvent(call, StatusFailed, attempt, waitDur, runDur, kerr, nil)
			return DispatchOutcome{Status: StatusFailed, Attempts: attempt, LatencyMs: runDur.Milliseconds(), Error: kerr}
		}

		backoff := computeBackoff(baseBackoff, attempt, jitterPct)
		select {
		case <-time.After(backoff):
		case <-call.Cancel.Done():
			s.recordEvent(call, StatusCancelled, attempt, waitDur, runDur, kerr, nil)
			return DispatchOutcome{Status: StatusCancelled, Attempts: attempt, Error: kerr}
		case <-ctx.Done():
			s.recordEvent(call, StatusCancelled, attempt, waitDur, runDur, kerr, nil)
			return DispatchOutcome{Status: StatusCancelled, Attempts: attempt, Error: kernelerr.Wrap(kernelerr.KindCancelled, ctx.Err(), "scheduler shutting down")}
		}
	}
}

// runOnce invokes the executor in its own goroutine so a hung tool cannot
// block the worker past the call's cancel token or deadline; a panic is
// recovered and classified as KindInternal (spec §5 orphaned-worker note).
func (s *Scheduler) runOnce(ctx context.Context, call *ToolCall, attempt int) (ToolOutput, error) {
	ctx, span := obstrace.Start(ctx, "scheduler.dispatch")
	span.SetAttributes(
		attribute.String("kernel.tool", call.Tool),
		attribute.Int("kernel.attempt", attempt),
		attribute.String("kernel.route", call.Route.RouteKey().String()),
	)
	defer span.End()

	out, err := s.runOnceTraced(ctx, call, attempt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func (s *Scheduler) runOnceTraced(ctx context.Context, call *ToolCall, attempt int) (ToolOutput, error) {
	if s.executor == nil {
		return ToolOutput{}, kernelerr.New(kernelerr.KindInternal, "no tool executor registered")
	}

	tc := ToolCtx{
		Route:    call.Route,
		Deadline: call.Deadline,
		Cancel:   call.Cancel,
		Policy:   s.policy.Snapshot(),
		ActionID: call.ActionID,
		Attempt:  attempt,
	}

	type result struct {
		out ToolOutput
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: kernelerr.New(kernelerr.KindInternal, "tool executor panicked")}
				return
			}
		}()
		out, err := s.executor.Execute(ctx, tc, call.Tool, call.Params)
		done <- result{out: out, err: err}
	}()

	var deadlineCh <-chan time.Time
	if !call.Deadline.IsZero() {
		timer := time.NewTimer(time.Until(call.Deadline))
		defer timer.Stop()
		deadlineCh = timer.C
	}

	select {
	case r := <-done:
		return r.out, r.err
	case <-call.Cancel.Done():
		select {
		case r := <-done:
			return r.out, r.err
		case <-time.After(cancelGrace):
			if s.met != nil {
				s.met.OrphanedWorkers.Inc()
			}
			return ToolOutput{}, kernelerr.New(kernelerr.KindCancelled, "cancelled")
		}
	case <-deadlineCh:
		select {
		case r := <-done:
			return r.out, r.err
		case <-time.After(cancelGrace):
			if s.met != nil {
				s.met.OrphanedWorkers.Inc()
			}
			return ToolOutput{}, kernelerr.New(kernelerr.KindTimeout, "deadline exceeded")
		}
	case <-ctx.Done():
		return ToolOutput{}, kernelerr.Wrap(kernelerr.KindCancelled, ctx.Err(), "scheduler shutting down")
	}
}

func (s *Scheduler) classifyToolError(err error) *kernelerr.KernelError {
	var ke *kernelerr.KernelError
	if errors.As(err, &ke) {
		return ke
	}
	var te *ToolError
	if errors.As(err, &te) {
		return &kernelerr.KernelError{Kind: te.Kind, Message: te.Message, Retryable: te.Retryable, Err: err}
	}
	return kernelerr.Wrap(kernelerr.KindToolFailure, err, err.Error())
}

func (s *Scheduler) consultSelfHeal(call *ToolCall, kerr *kernelerr.KernelError, attempt int) SelfHealDecision {
	if s.selfHeal == nil {
		return SelfHealDecision{Action: "none"}
	}
	fd := FailureDescriptor{
		ActionID: call.ActionID,
		CallID:   call.CallID,
		Tool:     call.Tool,
		Route:    call.Route,
		Attempt:  attempt,
		Kind:     kerr.Kind,
	}
	decision := s.selfHeal.Consult(fd)
	if s.met != nil {
		s.met.SelfHealActions.WithLabelValues(decision.Action).Inc()
	}
	return decision
}

// awaitApproval parks the call on the self-heal decision's Resume channel,
// bounded by ApprovalTimeout (spec §4.8 human_approval). A closed channel or
// a timeout both resolve to cancellation, never to a silent retry.
func (s *Scheduler) awaitApproval(call *ToolCall, decision SelfHealDecision) bool {
	timeout := decision.ApprovalTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resumed, ok := <-decision.Resume:
		return ok && resumed
	case <-call.Cancel.Done():
		return false
	case <-timer.C:
		return false
	}
}

func computeBackoff(base time.Duration, attempt int, jitterPct float64) time.Duration {
	d := base << uint(attempt-1)
	if d <= 0 || d > time.Minute {
		d = time.Minute
	}
	if jitterPct <= 0 {
		return d
	}
	delta := float64(d) * jitterPct
	offset := time.Duration(rand.Float64()*2*delta - delta)
	result := d + offset
	if result < 0 {
		result = d
	}
	return result
}
