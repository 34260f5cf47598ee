// scheduler.go — The kernel's dispatch heart (spec §4.6): three-stage
// admission, priority + per-route-mutex queueing, a bounded worker pool
// supervised by golang.org/x/sync/errgroup, and the three cancellation
// surfaces. Retry/self-heal wiring lives in dispatch.go.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/brennhill/unified-browser-kernel/internal/eventbus"
	"github.com/brennhill/unified-browser-kernel/internal/ids"
	"github.com/brennhill/unified-browser-kernel/internal/kernelerr"
	"github.com/brennhill/unified-browser-kernel/internal/metrics"
	"github.com/brennhill/unified-browser-kernel/internal/permissions"
	"github.com/brennhill/unified-browser-kernel/internal/policy"
	"github.com/brennhill/unified-browser-kernel/internal/registry"
	"github.com/brennhill/unified-browser-kernel/internal/statecenter"
)

// Config parameterizes one Scheduler.
type Config struct {
	MaxWorkers           int
	PollInterval         time.Duration
	DefaultGlobalSlots   int64
	DefaultPerTenantCap  int
	DefaultPerToolCap    int
	IdempotencyCacheSize int
	IdempotencyWindow    time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 64
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Millisecond
	}
	if c.DefaultGlobalSlots <= 0 {
		c.DefaultGlobalSlots = 4
	}
	if c.DefaultPerTenantCap <= 0 {
		c.DefaultPerTenantCap = 8
	}
	if c.DefaultPerToolCap <= 0 {
		c.DefaultPerToolCap = 16
	}
	return c
}

// Scheduler is the spec §4.6 Scheduler component.
type Scheduler struct {
	cfg Config

	registry    *registry.Registry
	policy      *policy.Center
	permissions *permissions.Broker
	executor    ToolExecutor
	events      *statecenter.EventLog
	bus         *eventbus.Bus
	met         *metrics.Surface
	log         logr.Logger
	selfHeal    SelfHealer

	queue    *Queue
	gate     *globalGate
	counters *concurrencyCounters
	idem     *idempotencyCache

	routesMu sync.Mutex
	routes   map[ids.RouteKey]*sync.Mutex

	inFlightMu sync.Mutex
	inFlight   map[ids.ActionId]*ToolCall

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a Scheduler. executor and selfHeal may be nil at
// construction and set later via SetExecutor/SetSelfHeal, since the Kernel
// Facade composes tool registration after every core component exists.
func New(cfg Config, reg *registry.Registry, pol *policy.Center, perm *permissions.Broker, events *statecenter.EventLog, bus *eventbus.Bus, met *metrics.Surface, log logr.Logger) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:         cfg,
		registry:    reg,
		policy:      pol,
		permissions: perm,
		events:      events,
		bus:         bus,
		met:         met,
		log:         log.WithName("scheduler"),
		queue:       NewQueue(),
		gate:        newGlobalGate(cfg.DefaultGlobalSlots),
		counters:    newConcurrencyCounters(),
		idem:        newIdempotencyCache(cfg.IdempotencyCacheSize, cfg.IdempotencyWindow),
		routes:      make(map[ids.RouteKey]*sync.Mutex),
		inFlight:    make(map[ids.ActionId]*ToolCall),
		stopCh:      make(chan struct{}),
	}
	return s
}

// SetExecutor installs the tool executor the dispatch loop drives.
func (s *Scheduler) SetExecutor(executor ToolExecutor) { s.executor = executor }

// SetSelfHeal installs the self-heal consultant invoked after failures.
func (s *Scheduler) SetSelfHeal(sh SelfHealer) { s.selfHeal = sh }

// Start launches the worker pool and the policy-revision watcher that
// resizes the global concurrency gate. Returns once workers are running;
// call Stop to shut down.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.watchPolicyRevisions()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.MaxWorkers; i++ {
		g.Go(func() error {
			s.runWorker(gctx)
			return nil
		})
	}
	go func() { _ = g.Wait() }()
}

// Stop signals every worker and the revision watcher to exit and waits for
// the watcher goroutine (workers are daemonized against ctx and return on
// their own when it's cancelled).
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) watchPolicyRevisions() {
	defer s.wg.Done()
	sub := s.policy.Subscribe()
	defer sub.Unsubscribe()
	s.applyGlobalSlots()
	for {
		select {
		case <-s.stopCh:
			return
		case _, ok := <-sub.Events():
			if !ok {
				return
			}
			s.applyGlobalSlots()
		}
	}
}

func (s *Scheduler) applyGlobalSlots() {
	snap := s.policy.Snapshot()
	slots := int64(snap.GetInt("scheduler.limits.global_slots", int(s.cfg.DefaultGlobalSlots)))
	s.gate.resize(slots)
}

func (s *Scheduler) routeMutex(key ids.RouteKey) *sync.Mutex {
	s.routesMu.Lock()
	defer s.routesMu.Unlock()
	if m, ok := s.routes[key]; ok {
		return m
	}
	m := &sync.Mutex{}
	s.routes[key] = m
	return m
}

// Submit runs the three admission checks against a pinned policy snapshot
// and registry view, then either enqueues the call or fails it immediately
// (spec §4.6 Admission).
func (s *Scheduler) Submit(call *ToolCall) *Future {
	if call.Cancel == nil {
		call.Cancel = NewCancelToken()
	}
	call.ActionID = ids.NewActionId()
	call.SubmittedAt = time.Now()
	if call.Deadline.IsZero() && call.Timeout > 0 {
		call.Deadline = call.SubmittedAt.Add(call.Timeout)
	}

	future := newFuture()
	call.future = future
	if existing, dup := s.idem.claim(call.CallID, future); dup {
		return existing
	}

	snap := s.policy.Snapshot()

	// 1. Route validity.
	if _, err := s.registry.ResolveRoute(call.Route); err != nil {
		s.failAdmission(call, future, kernelerr.Wrap(kernelerr.KindRouteStale, err, "route invalid at admission"))
		return future
	}

	// 2. Quotas.
	tenantCap := snap.GetInt("scheduler.limits.per_tenant", s.cfg.DefaultPerTenantCap)
	toolCap := snap.GetInt("scheduler.limits.per_tool", s.cfg.DefaultPerToolCap)
	if s.counters.tenantCount(call.Tenant) >= tenantCap || s.counters.toolCount(call.Tool) >= toolCap {
		if s.met != nil {
			s.met.QuotaRejections.WithLabelValues(call.Tenant).Inc()
		}
		s.failAdmission(call, future, kernelerr.New(kernelerr.KindQuotaExceeded, "tenant or tool concurrency cap reached"))
		return future
	}

	// 3. Permission.
	if len(call.OriginNeeded) > 0 && s.permissions != nil {
		decision := s.permissions.EnsureFor(call.Origin, call.OriginNeeded)
		if decision.Decision == permissions.Deny || (call.RequireAll && decision.Decision == permissions.Partial) {
			s.failAdmission(call, future, kernelerr.New(kernelerr.KindPermissionDenied, "origin permission denied"))
			return future
		}
	}

	s.queue.Push(call)
	s.recordEvent(call, StatusQueued, 0, 0, 0, nil, nil)
	if s.met != nil {
		s.met.QueueDepth.WithLabelValues(string(call.Priority)).Set(float64(s.queue.Len()))
	}
	return future
}

func (s *Scheduler) failAdmission(call *ToolCall, future *Future, err *kernelerr.KernelError) {
	s.recordEvent(call, StatusFailed, 0, 0, 0, err, nil)
	future.resolve(DispatchOutcome{Status: StatusFailed, Attempts: 0, Error: err})
}

// CancelAction cancels a specific call by action id: removes it from the
// queue if unclaimed, otherwise raises its cancel token so the claimed/
// running worker observes it at its next suspension point (spec §4.6).
func (s *Scheduler) CancelAction(id ids.ActionId) {
	if call, ok := s.queue.RemoveByAction(id); ok {
		s.cancelQueued(call)
		return
	}
	s.inFlightMu.Lock()
	call, ok := s.inFlight[id]
	s.inFlightMu.Unlock()
	if ok {
		call.Cancel.Cancel("cancelled")
	}
}

// CancelCall cancels by client idempotency key — useful for queued-but-not-
// claimed calls (spec §4.6).
func (s *Scheduler) CancelCall(id ids.CallId) {
	if call, ok := s.queue.RemoveByCall(id); ok {
		s.cancelQueued(call)
		return
	}
	s.inFlightMu.Lock()
	for _, call := range s.inFlight {
		if call.CallID == id {
			call.Cancel.Cancel("cancelled")
		}
	}
	s.inFlightMu.Unlock()
}

// CancelTask cancels every outstanding call bearing task id, queued or
// in-flight.
func (s *Scheduler) CancelTask(id ids.TaskId) {
	for _, call := range s.queue.RemoveAllByTask(id) {
		s.cancelQueued(call)
	}
	s.inFlightMu.Lock()
	for _, call := range s.inFlight {
		if call.TaskID == id {
			call.Cancel.Cancel("cancelled")
		}
	}
	s.inFlightMu.Unlock()
}

func (s *Scheduler) cancelQueued(call *ToolCall) {
	call.Cancel.Cancel("cancelled")
	s.recordEvent(call, StatusCancelled, 0, 0, 0, nil, nil)
	call.future.resolve(DispatchOutcome{Status: StatusCancelled, Attempts: 0})
}

func (s *Scheduler) recordEvent(call *ToolCall, status Status, attempt int, waitQueue, runDur time.Duration, err *kernelerr.KernelError, output any) {
	evt := DispatchEvent{
		ActionID:          call.ActionID,
		CallID:            call.CallID,
		TaskID:            call.TaskID,
		Tool:              call.Tool,
		Status:            status,
		Attempt:           attempt,
		WaitQueueDuration: waitQueue,
		RunDuration:       runDur,
		Pending:           s.queue.Len(),
		AvailableSlots:    s.gate.availableSlots(),
		Route:             call.Route,
		Timestamp:         time.Now(),
		Output:            output,
	}
	if err != nil {
		evt.Error = err.Error()
	}
	if s.events != nil {
		s.events.Insert("dispatch."+string(status), statecenter.Scope{
			SessionID: call.Route.SessionId,
			PageID:    call.Route.PageId,
			TaskID:    call.TaskID,
		}, evt)
	}
	if s.bus != nil {
		s.bus.Publish("scheduler.dispatch."+string(status), evt)
	}
	if s.met != nil && (status == StatusCompleted || status == StatusFailed || status == StatusCancelled) {
		s.met.DispatchTotal.WithLabelValues(call.Tool, string(status)).Inc()
	}
}
