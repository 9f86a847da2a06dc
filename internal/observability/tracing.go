// Package observability wires OpenTelemetry trace export.
//
// Spans go to an OTLP HTTP collector (an otel-collector sidecar, a
// Datadog Agent with the OTLP receiver enabled, Jaeger all-in-one)
// addressed by host:port. The collector handles authentication and
// forwarding, so no vendor credentials pass through the process.
//
// Two span sources feed the same exporter: the application's own spans
// through the global otel tracer provider, and Genkit's model call
// spans through its private provider. Without a configured endpoint
// both stay no-ops.
package observability

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/firebase/genkit/go/core/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Config for trace export.
type Config struct {
	// OTLPEndpoint is the collector's OTLP HTTP endpoint as host:port.
	// Empty disables tracing entirely.
	OTLPEndpoint string
	// ServiceName tags exported spans (default: strand).
	ServiceName string
	// Environment is the deployment environment (dev, staging, prod).
	Environment string
}

// DefaultServiceName is used when Config.ServiceName is empty.
const DefaultServiceName = "strand"

// Setup installs an OTLP HTTP span exporter behind a batch processor
// and returns a shutdown function that flushes pending spans.
//
// An unreachable collector is not an error: the exporter buffers and
// retries, and a failure to construct it only disables tracing.
func Setup(ctx context.Context, cfg Config, logger *slog.Logger) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.OTLPEndpoint == "" {
		logger.Debug("tracing disabled, no otlp endpoint configured")
		return noop, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = DefaultServiceName
	}

	// Both the SDK's default resource detector and Genkit's provider
	// read these from the environment.
	_ = os.Setenv("OTEL_SERVICE_NAME", serviceName)
	if cfg.Environment != "" {
		_ = os.Setenv("OTEL_RESOURCE_ATTRIBUTES", "deployment.environment="+cfg.Environment)
	}

	// The collector runs next to the process; TLS terminates there.
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		logger.Warn("failed to create otlp exporter, tracing disabled", "error", err)
		return noop, nil
	}

	processor := sdktrace.NewBatchSpanProcessor(exporter)

	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(processor))
	otel.SetTracerProvider(provider)

	// Genkit keeps its own provider for model call spans; feed it the
	// same processor so both pipelines land in one place.
	tracing.TracerProvider().RegisterSpanProcessor(processor)

	logger.Debug("tracing enabled",
		"endpoint", cfg.OTLPEndpoint,
		"service", serviceName,
		"environment", cfg.Environment,
	)

	return func(ctx context.Context) error {
		return errors.Join(
			provider.Shutdown(ctx),
			tracing.TracerProvider().Shutdown(ctx),
		)
	}, nil
}
