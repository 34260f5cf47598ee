// metrics.go — Named counters/gauges/histograms consumed by an external
// Prometheus exporter. Every kernel component receives a *Surface at
// construction and never touches the underlying registry directly.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Surface bundles every metric the kernel exposes. Registered against a
// caller-supplied prometheus.Registerer so the Kernel Facade can mount it on
// its own HTTP handler or share a process-wide registry.
type Surface struct {
	DispatchTotal       *prometheus.CounterVec
	DispatchLatency     *prometheus.HistogramVec
	QuotaRejections     *prometheus.CounterVec
	QueueDepth          *prometheus.GaugeVec
	ActiveRouteLocks    prometheus.Gauge
	TransportReconnects prometheus.Counter
	TransportState      *prometheus.GaugeVec
	SelfHealActions     *prometheus.CounterVec
	PermissionDecisions *prometheus.CounterVec
	OrphanedWorkers     prometheus.Counter
}

// New registers every metric against reg and returns the bundle. reg is
// typically a dedicated prometheus.NewRegistry() owned by the Kernel Facade.
func New(reg prometheus.Registerer) *Surface {
	s := &Surface{
		DispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernel",
			Subsystem: "scheduler",
			Name:      "dispatch_total",
			Help:      "ToolCall terminal outcomes by tool and status.",
		}, []string{"tool", "status"}),
		DispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kernel",
			Subsystem: "scheduler",
			Name:      "dispatch_latency_seconds",
			Help:      "Run duration of a ToolCall from claim to terminal outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),
		QuotaRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernel",
			Subsystem: "scheduler",
			Name:      "quota_rejections_total",
			Help:      "Admission-time quota rejections by tenant.",
		}, []string{"tenant"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kernel",
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Pending calls by priority class.",
		}, []string{"priority"}),
		ActiveRouteLocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kernel",
			Subsystem: "scheduler",
			Name:      "active_route_locks",
			Help:      "Number of routes currently holding their per-route mutex.",
		}),
		TransportReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kernel",
			Subsystem: "transport",
			Name:      "reconnects_total",
			Help:      "Number of times the CDP transport has reconnected.",
		}),
		TransportState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kernel",
			Subsystem: "transport",
			Name:      "state",
			Help:      "1 if the transport is currently in the given state, else 0.",
		}, []string{"state"}),
		SelfHealActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernel",
			Subsystem: "selfheal",
			Name:      "actions_total",
			Help:      "Self-heal strategy invocations by action kind.",
		}, []string{"action"}),
		PermissionDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kernel",
			Subsystem: "permissions",
			Name:      "decisions_total",
			Help:      "Permission broker decisions by outcome.",
		}, []string{"decision"}),
		OrphanedWorkers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kernel",
			Subsystem: "scheduler",
			Name:      "orphaned_workers_total",
			Help:      "Workers whose cancellation deadline expired and were force-released.",
		}),
	}

	reg.MustRegister(
		s.DispatchTotal, s.DispatchLatency, s.QuotaRejections, s.QueueDepth,
		s.ActiveRouteLocks, s.TransportReconnects, s.TransportState,
		s.SelfHealActions, s.PermissionDecisions, s.OrphanedWorkers,
	)
	return s
}

// SetTransportState zeroes every known state gauge then sets the active one,
// so dashboards never show two states lit simultaneously.
func (s *Surface) SetTransportState(active string, known []string) {
	for _, st := range known {
		if st == active {
			s.TransportState.WithLabelValues(st).Set(1)
		} else {
			s.TransportState.WithLabelValues(st).Set(0)
		}
	}
}
