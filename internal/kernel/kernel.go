// kernel.go — Kernel Facade (spec §4.9): the single construction entry
// point that composes every component above into one AppContext and
// exposes the collaborator-facing submit(ToolCall) dispatch contract.
// Collaborators hold a reference to AppContext and never construct the
// Registry, Scheduler, Policy Center, etc. directly (spec §9 redesign note:
// "Global mutable state ... Replaced by explicit handles composed in the
// Kernel Facade and injected into each component; no ambient globals").
package kernel

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/brennhill/unified-browser-kernel/internal/eventbus"
	"github.com/brennhill/unified-browser-kernel/internal/ids"
	"github.com/brennhill/unified-browser-kernel/internal/metrics"
	"github.com/brennhill/unified-browser-kernel/internal/permissions"
	"github.com/brennhill/unified-browser-kernel/internal/policy"
	"github.com/brennhill/unified-browser-kernel/internal/registry"
	"github.com/brennhill/unified-browser-kernel/internal/scheduler"
	"github.com/brennhill/unified-browser-kernel/internal/selfheal"
	"github.com/brennhill/unified-browser-kernel/internal/statecenter"
	"github.com/brennhill/unified-browser-kernel/internal/transport"
)

// Config bundles everything needed to construct one AppContext. Zero values
// fall back to the defaults each owned component already applies.
type Config struct {
	Log logr.Logger
	Reg prometheus.Registerer // defaults to prometheus.NewRegistry() if nil

	EventBusBufferSize int

	RedactorConfig statecenter.RedactorConfig
	RingSizes      statecenter.RingSizes

	PolicyAllowList []policy.AllowedPath
	PolicyBuiltin   map[string]any

	TransportConfig transport.Config

	PermissionRules      []permissions.Rule
	PermissionCacheSize  int
	PermissionDefaultTTL time.Duration

	SelfHealStrategies   []selfheal.Strategy
	SelfHealPerMinuteCap int
	SelfHealApprovals    selfheal.ApprovalSink

	SchedulerConfig scheduler.Config
}

// AppContext bundles shared handles to every kernel component (spec §4.9).
// It is the only thing a collaborator (gateway, CLI, agent executor) is
// ever handed; it never exposes the components' constructors.
type AppContext struct {
	Log logr.Logger

	Bus         *eventbus.Bus
	Registry    *registry.Registry
	Policy      *policy.Center
	Events      *statecenter.EventLog
	Transport   *transport.Transport
	Permissions *permissions.Broker
	SelfHeal    *selfheal.Registry
	Metrics     *metrics.Surface
	Scheduler   *scheduler.Scheduler

	promReg           prometheus.Registerer
	transportEndpoint string
}

// New composes every component in dependency order (leaves first, per
// spec §2's table) into one AppContext. The tool executor is registered
// separately via RegisterExecutor once collaborators have constructed it,
// since the perception-aware action layer depends on a live AppContext to
// build its own CDP-driving tools (spec §9: dynamic dispatch across tools
// resolved via a capability set registered at composition time, not at
// construction time).
func New(cfg Config) *AppContext {
	log := cfg.Log
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	bus := eventbus.New(cfg.EventBusBufferSize)

	reg := cfg.Reg
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	met := metrics.New(reg)

	pol := policy.New(bus, log)
	if cfg.PolicyBuiltin != nil {
		pol.SetBuiltin(cfg.PolicyBuiltin)
	}
	if cfg.PolicyAllowList != nil {
		pol.SetAllowList(cfg.PolicyAllowList)
	}
	pol.StartSweeper()

	redactor := statecenter.NewRedactor(cfg.RedactorConfig)
	ringSizes := cfg.RingSizes
	if ringSizes == (statecenter.RingSizes{}) {
		ringSizes = statecenter.DefaultRingSizes
	}
	events := statecenter.New(redactor, ringSizes)

	regy := registry.New(bus, log)

	tport := transport.New(cfg.TransportConfig, bus, met, log)

	permCacheSize := cfg.PermissionCacheSize
	if permCacheSize <= 0 {
		permCacheSize = 4096
	}
	broker := permissions.New(cfg.PermissionRules, permCacheSize, cfg.PermissionDefaultTTL, bus, log)

	healer := selfheal.New(cfg.SelfHealStrategies, cfg.SelfHealPerMinuteCap, cfg.SelfHealApprovals, bus, log)

	sched := scheduler.New(cfg.SchedulerConfig, regy, pol, broker, events, bus, met, log)
	sched.SetSelfHeal(healer)

	ac := &AppContext{
		Log:         log,
		Bus:         bus,
		Registry:    regy,
		Policy:      pol,
		Events:      events,
		Transport:   tport,
		Permissions: broker,
		SelfHeal:    healer,
		Metrics:     met,
		Scheduler:   sched,

		promReg:           reg,
		transportEndpoint: cfg.TransportConfig.Endpoint,
	}

	ac.wireRegistryIngestion()
	ac.wireStateCenterRecording()
	return ac
}

// RegisterExecutor installs the tool executor the scheduler's dispatch
// loop drives. Collaborators build their ToolExecutor against this same
// AppContext (for CDP access, permission checks, etc.) then call this once
// before Start.
func (ac *AppContext) RegisterExecutor(executor scheduler.ToolExecutor) {
	ac.Scheduler.SetExecutor(executor)
}

// Start launches the transport, policy sweeper (already started at
// construction), and the scheduler's worker pool. ctx governs the worker
// pool's lifetime; call Shutdown for an orderly teardown of the rest.
// With no CDP endpoint configured, the transport stays in Init and only the
// dispatch core comes up — a collaborator can still submit calls against
// executors that do not touch the browser.
func (ac *AppContext) Start(ctx context.Context) error {
	if ac.transportEndpoint != "" {
		if err := ac.Transport.Launch(ctx); err != nil {
			return err
		}
	}
	ac.Scheduler.Start(ctx)
	return nil
}

// Shutdown tears down the scheduler worker pool, the transport, and the
// policy center's background goroutines, in reverse dependency order.
func (ac *AppContext) Shutdown() {
	ac.Scheduler.Stop()
	ac.Transport.Shutdown()
	ac.Policy.Close()
}

// Submit is the collaborator-facing dispatch entry point (spec §6):
// submit(ToolCall) → Future<DispatchOutcome>.
func (ac *AppContext) Submit(call *scheduler.ToolCall) *scheduler.Future {
	return ac.Scheduler.Submit(call)
}

// NewSession is a thin convenience wrapper so collaborators never reach
// into ac.Registry directly for the most common operation.
func (ac *AppContext) NewSession(tenant string) ids.SessionId {
	return ac.Registry.CreateSession(tenant)
}

// PrometheusRegisterer exposes the registry backing the Metrics Surface so
// the composition root (cmd/kerneld) can mount a /metrics HTTP handler —
// itself a gateway concern, outside this package's scope.
func (ac *AppContext) PrometheusRegisterer() prometheus.Registerer { return ac.promReg }
