package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/brennhill/unified-browser-kernel/internal/eventbus"
	"github.com/brennhill/unified-browser-kernel/internal/ids"
	"github.com/brennhill/unified-browser-kernel/internal/kernelerr"
	"github.com/brennhill/unified-browser-kernel/internal/permissions"
	"github.com/brennhill/unified-browser-kernel/internal/policy"
	"github.com/brennhill/unified-browser-kernel/internal/registry"
	"github.com/brennhill/unified-browser-kernel/internal/statecenter"
)

// recordingExecutor runs fn for every call and counts concurrent invocations
// per route so per-route serialization can be asserted.
type recordingExecutor struct {
	mu       sync.Mutex
	fn       func(ctx context.Context, tc ToolCtx) (ToolOutput, error)
	byRoute  map[ids.RouteKey]int
	maxRoute map[ids.RouteKey]int
	calls    int32
}

func newRecordingExecutor(fn func(ctx context.Context, tc ToolCtx) (ToolOutput, error)) *recordingExecutor {
	return &recordingExecutor{fn: fn, byRoute: make(map[ids.RouteKey]int), maxRoute: make(map[ids.RouteKey]int)}
}

func (e *recordingExecutor) Execute(ctx context.Context, tc ToolCtx, toolName string, params any) (ToolOutput, error) {
	atomic.AddInt32(&e.calls, 1)
	key := tc.Route.RouteKey()
	e.mu.Lock()
	e.byRoute[key]++
	if e.byRoute[key] > e.maxRoute[key] {
		e.maxRoute[key] = e.byRoute[key]
	}
	e.mu.Unlock()

	out, err := e.fn(ctx, tc)

	e.mu.Lock()
	e.byRoute[key]--
	e.mu.Unlock()
	return out, err
}

func newSchedulerWithConfig(t *testing.T, cfg Config) (*Scheduler, *registry.Registry, ids.SessionId, ids.PageId) {
	t.Helper()
	bus := eventbus.New(256)
	reg := registry.New(bus, logr.Discard())
	pol := policy.New(bus, logr.Discard())
	redactor := statecenter.NewRedactor(statecenter.RedactorConfig{})
	events := statecenter.New(redactor, statecenter.DefaultRingSizes)
	perm := permissions.New(nil, 64, time.Minute, bus, logr.Discard())

	s := New(cfg, reg, pol, perm, events, bus, nil, logr.Discard())

	sid := reg.CreateSession("tenant-a")
	pid, err := reg.AttachPage(sid, "https://example.com")
	require.NoError(t, err)

	return s, reg, sid, pid
}

func newTestScheduler(t *testing.T) (*Scheduler, *registry.Registry, ids.SessionId, ids.PageId) {
	t.Helper()
	return newSchedulerWithConfig(t, Config{MaxWorkers: 4, PollInterval: time.Millisecond, DefaultGlobalSlots: 4})
}

func startScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		cancel()
		s.Stop()
	})
}

func TestSubmitHappyPathCompletes(t *testing.T) {
	s, _, sid, pid := newTestScheduler(t)
	exec := newRecordingExecutor(func(ctx context.Context, tc ToolCtx) (ToolOutput, error) {
		return ToolOutput{Data: "ok"}, nil
	})
	s.SetExecutor(exec)
	startScheduler(t, s)

	future := s.Submit(&ToolCall{
		CallID:   "call-1",
		Tool:     "click",
		Route:    ids.ExecRoute{SessionId: sid, PageId: pid},
		Tenant:   "tenant-a",
		Priority: PriorityNormal,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	outcome, err := future.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, outcome.Status)
	require.Equal(t, "ok", outcome.Output)
	require.Equal(t, 1, outcome.Attempts)
}

func TestSubmitRejectsStaleRoute(t *testing.T) {
	s, _, _, _ := newTestScheduler(t)
	startScheduler(t, s)

	future := s.Submit(&ToolCall{
		CallID: "call-stale",
		Tool:   "click",
		Route:  ids.ExecRoute{SessionId: "nope", PageId: "nope"},
		Tenant: "tenant-a",
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	outcome, err := future.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, outcome.Status)
	require.Equal(t, kernelerr.KindRouteStale, outcome.Error.Kind)
}

func TestSubmitRejectsOverQuota(t *testing.T) {
	s, _, sid, pid := newTestScheduler(t)
	s.cfg.DefaultPerTenantCap = 1
	block := make(chan struct{})
	exec := newRecordingExecutor(func(ctx context.Context, tc ToolCtx) (ToolOutput, error) {
		<-block
		return ToolOutput{}, nil
	})
	s.SetExecutor(exec)
	startScheduler(t, s)

	route := ids.ExecRoute{SessionId: sid, PageId: pid}
	f1 := s.Submit(&ToolCall{CallID: "a", Tool: "click", Route: route, Tenant: "tenant-a"})
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&exec.calls) >= 1
	}, time.Second, time.Millisecond)

	f2 := s.Submit(&ToolCall{CallID: "b", Tool: "click", Route: route, Tenant: "tenant-a"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	outcome, err := f2.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, outcome.Status)
	require.Equal(t, kernelerr.KindQuotaExceeded, outcome.Error.Kind)

	close(block)
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	_, _ = f1.Wait(ctx2)
}

func TestPerRouteSerialization(t *testing.T) {
	s, _, sid, pid := newTestScheduler(t)
	s.cfg.DefaultPerTenantCap = 10
	s.cfg.DefaultPerToolCap = 10
	route := ids.ExecRoute{SessionId: sid, PageId: pid}

	var wg sync.WaitGroup
	exec := newRecordingExecutor(func(ctx context.Context, tc ToolCtx) (ToolOutput, error) {
		time.Sleep(5 * time.Millisecond)
		return ToolOutput{}, nil
	})
	s.SetExecutor(exec)
	startScheduler(t, s)

	futures := make([]*Future, 0, 5)
	for i := 0; i < 5; i++ {
		f := s.Submit(&ToolCall{CallID: ids.CallId("r" + string(rune('a'+i))), Tool: "click", Route: route, Tenant: "tenant-a"})
		futures = append(futures, f)
	}
	wg.Add(len(futures))
	for _, f := range futures {
		go func(f *Future) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, _ = f.Wait(ctx)
		}(f)
	}
	wg.Wait()

	exec.mu.Lock()
	defer exec.mu.Unlock()
	require.LessOrEqual(t, exec.maxRoute[route.RouteKey()], 1)
}

func TestCancelQueuedCall(t *testing.T) {
	s, _, sid, pid := newSchedulerWithConfig(t, Config{MaxWorkers: 4, PollInterval: time.Millisecond, DefaultGlobalSlots: 1})
	route := ids.ExecRoute{SessionId: sid, PageId: pid}
	block := make(chan struct{})
	exec := newRecordingExecutor(func(ctx context.Context, tc ToolCtx) (ToolOutput, error) {
		<-block
		return ToolOutput{}, nil
	})
	s.SetExecutor(exec)
	startScheduler(t, s)

	blocker := s.Submit(&ToolCall{CallID: "blocker", Tool: "click", Route: route, Tenant: "tenant-a"})
	require.Eventually(t, func() bool { return atomic.LoadInt32(&exec.calls) >= 1 }, time.Second, time.Millisecond)

	queued := &ToolCall{CallID: "queued-1", Tool: "click", Route: route, Tenant: "tenant-a"}
	f := s.Submit(queued)
	require.Eventually(t, func() bool { return s.queue.Len() >= 1 }, time.Second, time.Millisecond)

	s.CancelAction(queued.ActionID)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	outcome, err := f.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, outcome.Status)

	close(block)
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	_, _ = blocker.Wait(ctx2)
}

func TestIdempotentSubmitReturnsSameFuture(t *testing.T) {
	s, _, sid, pid := newTestScheduler(t)
	route := ids.ExecRoute{SessionId: sid, PageId: pid}
	exec := newRecordingExecutor(func(ctx context.Context, tc ToolCtx) (ToolOutput, error) {
		return ToolOutput{Data: "done"}, nil
	})
	s.SetExecutor(exec)
	startScheduler(t, s)

	first := s.Submit(&ToolCall{CallID: "dup", Tool: "click", Route: route, Tenant: "tenant-a"})
	second := s.Submit(&ToolCall{CallID: "dup", Tool: "click", Route: route, Tenant: "tenant-a"})
	require.Same(t, first, second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	outcome, err := first.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, outcome.Status)
}

func TestWaitTierDomReadyBlocksUntilLoadState(t *testing.T) {
	s, reg, sid, pid := newTestScheduler(t)
	route := ids.ExecRoute{SessionId: sid, PageId: pid}
	exec := newRecordingExecutor(func(ctx context.Context, tc ToolCtx) (ToolOutput, error) {
		return ToolOutput{Data: "navigated"}, nil
	})
	s.SetExecutor(exec)
	startScheduler(t, s)

	start := time.Now()
	released := make(chan struct{})
	go func() {
		time.Sleep(30 * time.Millisecond)
		reg.UpdatePageLoadState(sid, pid, registry.LoadInteractive, "https://example.com/next")
		close(released)
	}()

	f := s.Submit(&ToolCall{
		CallID:   "wait-1",
		Tool:     "navigate",
		Route:    route,
		Tenant:   "tenant-a",
		WaitTier: WaitDomReady,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	outcome, err := f.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, outcome.Status)

	<-released
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond,
		"dom_ready tier should hold the call until the page leaves the blank state")
}

type retryExecutor struct {
	attempts int32
	failN    int32
}

func (e *retryExecutor) Execute(ctx context.Context, tc ToolCtx, toolName string, params any) (ToolOutput, error) {
	n := atomic.AddInt32(&e.attempts, 1)
	if n <= e.failN {
		return ToolOutput{}, kernelerr.New(kernelerr.KindTimeout, "transient")
	}
	return ToolOutput{Data: "recovered"}, nil
}

func TestRetryOnRetryableKind(t *testing.T) {
	s, _, sid, pid := newTestScheduler(t)
	route := ids.ExecRoute{SessionId: sid, PageId: pid}
	exec := &retryExecutor{failN: 2}
	s.SetExecutor(exec)
	startScheduler(t, s)

	f := s.Submit(&ToolCall{
		CallID: "retry-1",
		Tool:   "click",
		Route:  route,
		Tenant: "tenant-a",
		Retry:  RetryPolicy{MaxAttempts: 5, BaseBackoff: time.Millisecond, JitterPct: 0.1},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	outcome, err := f.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, outcome.Status)
	require.Equal(t, 3, outcome.Attempts)
}

type fakeSelfHealer struct {
	decision SelfHealDecision
	consults int32
}

func (h *fakeSelfHealer) Consult(fd FailureDescriptor) SelfHealDecision {
	atomic.AddInt32(&h.consults, 1)
	return h.decision
}

func TestSelfHealAutoRetryGrantsExtraAttempts(t *testing.T) {
	s, _, sid, pid := newTestScheduler(t)
	route := ids.ExecRoute{SessionId: sid, PageId: pid}
	exec2 := &retryPermanentExecutor{}
	s.SetExecutor(exec2)
	heal := &fakeSelfHealer{decision: SelfHealDecision{Action: "auto_retry", ExtraAttempts: 3}}
	s.SetSelfHeal(heal)
	startScheduler(t, s)

	f := s.Submit(&ToolCall{
		CallID: "heal-1",
		Tool:   "click",
		Route:  route,
		Tenant: "tenant-a",
		Retry:  RetryPolicy{MaxAttempts: 1, BaseBackoff: time.Millisecond, JitterPct: 0},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	outcome, err := f.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, outcome.Status)
	require.True(t, atomic.LoadInt32(&heal.consults) >= 1)
	require.Equal(t, 3, outcome.Attempts)
}

type retryPermanentExecutor struct{ attempts int32 }

func (e *retryPermanentExecutor) Execute(ctx context.Context, tc ToolCtx, toolName string, params any) (ToolOutput, error) {
	n := atomic.AddInt32(&e.attempts, 1)
	if n < 3 {
		return ToolOutput{}, kernelerr.New(kernelerr.KindTimeout, "still failing")
	}
	return ToolOutput{Data: "eventually"}, nil
}
