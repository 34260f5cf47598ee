// main.go — kerneld: the thin composition-root binary that wires a
// *kernel.AppContext together and keeps it running. CLI argument parsing
// itself is a Non-goal (spec §1); this file only collects the handful of
// flag values the Policy Center's CLI layer expects and otherwise defers
// every decision to the core packages. Grounded in cklxx-elephant.ai's
// cmd/alex cobra root, kept deliberately thin.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/brennhill/unified-browser-kernel/internal/kernel"
	"github.com/brennhill/unified-browser-kernel/internal/obslog"
	"github.com/brennhill/unified-browser-kernel/internal/obstrace"
	"github.com/brennhill/unified-browser-kernel/internal/policy"
	"github.com/brennhill/unified-browser-kernel/internal/scheduler"
	"github.com/brennhill/unified-browser-kernel/internal/transport"
)

var (
	flagPolicyFile  string
	flagMetricsAddr string
	flagBrowserWS   string
	flagDevelopment bool
	flagGlobalSlots int
	flagServiceName string
)

func main() {
	root := &cobra.Command{
		Use:   "kerneld",
		Short: "Unified browser-automation kernel (CDP transport + dispatch core)",
		RunE:  run,
	}

	root.Flags().StringVar(&flagPolicyFile, "policy-file", os.Getenv("POLICY_FILE"), "path to the layered policy YAML document")
	root.Flags().StringVar(&flagMetricsAddr, "metrics-addr", ":9090", "address the Prometheus /metrics handler listens on")
	root.Flags().StringVar(&flagBrowserWS, "browser-ws", os.Getenv("BROWSER_WEBSOCKET_URL"), "CDP websocket endpoint (BROWSER_WEBSOCKET_URL)")
	root.Flags().BoolVar(&flagDevelopment, "development", false, "use zap's human-readable console encoder instead of JSON")
	root.Flags().IntVar(&flagGlobalSlots, "global-slots", 0, "builtin default for scheduler.limits.global_slots (0 keeps the scheduler's own default)")
	root.Flags().StringVar(&flagServiceName, "service-name", "unified-browser-kernel", "service name attached to emitted traces")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	log, flushLog, err := obslog.New(flagDevelopment)
	if err != nil {
		return fmt.Errorf("kerneld: build logger: %w", err)
	}
	defer flushLog()

	shutdownTracing, err := obstrace.Setup(flagServiceName)
	if err != nil {
		return fmt.Errorf("kerneld: setup tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	builtin := map[string]any{
		"scheduler": map[string]any{
			"limits": map[string]any{
				"per_tenant": 8,
				"per_tool":   16,
			},
			"retry": map[string]any{
				"max_attempts":    3,
				"base_backoff_ms": 200,
				"jitter_pct":      0.2,
			},
		},
		"wait": map[string]any{
			"dom_ready_ms": 5000,
			"idle_ms":      10000,
		},
		"state_center": map[string]any{
			"ring_capacity": map[string]any{
				"global":  10000,
				"session": 2000,
				"page":    1000,
				"task":    500,
			},
		},
		"permissions": map[string]any{
			"cache_ttl_ms": 30000,
		},
		"self_heal": map[string]any{
			"auto_retry_per_minute_cap": 30,
		},
	}
	if flagGlobalSlots > 0 {
		builtin["scheduler"].(map[string]any)["limits"].(map[string]any)["global_slots"] = flagGlobalSlots
	}

	ac := kernel.New(kernel.Config{
		Log:                  log,
		PolicyBuiltin:        builtin,
		PolicyAllowList:      policy.DefaultAllowList,
		TransportConfig:      transport.Config{Endpoint: flagBrowserWS},
		SelfHealPerMinuteCap: 30,
		SchedulerConfig:      scheduler.Config{},
	})

	if flagPolicyFile != "" {
		if err := ac.Policy.WatchFile(flagPolicyFile); err != nil {
			return fmt.Errorf("kerneld: load policy file: %w", err)
		}
	}
	ac.Policy.LoadEnv("KERNELD", []string{
		"scheduler.limits.global_slots",
		"scheduler.limits.per_tenant",
		"scheduler.limits.per_tool",
	})

	mux := http.NewServeMux()
	if gatherer, ok := ac.PrometheusRegisterer().(prometheus.Gatherer); ok {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	metricsSrv := &http.Server{Addr: flagMetricsAddr, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(err, "metrics server exited")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ac.Start(ctx); err != nil {
		return fmt.Errorf("kerneld: start kernel: %w", err)
	}
	log.Info("kernel started", "browser_ws", flagBrowserWS, "metrics_addr", flagMetricsAddr)

	<-ctx.Done()
	log.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	ac.Shutdown()
	return nil
}
