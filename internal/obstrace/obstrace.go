// obstrace.go — OpenTelemetry tracing ambient layer (SPEC_FULL.md §4.10):
// wraps scheduler admission/dispatch and transport command round-trips with
// spans, grounded in cklxx-elephant.ai's full otel wiring through its
// kernel/observability packages. The kernel never depends on a specific
// exporter; Setup installs a tracer provider whose exporter is supplied by
// the Kernel Facade's composition root (cmd/kerneld), keeping the core free
// of any particular backend (Jaeger, OTLP, stdout).
package obstrace

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/brennhill/unified-browser-kernel"

// Setup installs a global TracerProvider tagged with serviceName. Span
// export is left to the Kernel Facade's composition root (cmd/kerneld),
// which attaches whatever exporter the deployment wants (OTLP, Jaeger,
// stdout) via sdktrace.WithBatcher — the core never imports a concrete
// exporter. Returns a shutdown func the caller should defer.
func Setup(serviceName string) (func(context.Context) error, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(attribute.String("service.name", serviceName)),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the kernel's shared tracer, resolved against whatever
// TracerProvider is globally installed (a no-op one if Setup was never
// called, which is the correct behavior for unit tests).
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// Start begins a span named name as a child of ctx's span, if any.
func Start(ctx context.Context, name string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name)
}
