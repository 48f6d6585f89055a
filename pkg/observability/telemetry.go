// Package observability wires OpenTelemetry tracing and metrics for the
// projection fold, catch-up and rebuild coordination components.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// instrumentationName is the meter and default tracer scope.
const instrumentationName = "projections"

// Config selects the exporters. A nil exporter or reader disables that signal.
type Config struct {
	ServiceName    string
	ServiceVersion string

	// TraceExporter receives spans. TraceSampleRate is clamped to [0, 1].
	TraceExporter   sdktrace.SpanExporter
	TraceSampleRate float64

	// MetricReader collects the projection instruments, see PrometheusReader.
	MetricReader sdkmetric.Reader

	Logger *slog.Logger
}

// Telemetry holds the providers and the projection metric instruments.
// Components take their tracer and *Metrics from here; both are no-ops when
// the corresponding signal is disabled.
type Telemetry struct {
	Metrics *Metrics

	tracers  trace.TracerProvider
	logger   *slog.Logger
	shutdown []func(context.Context) error
}

// Init builds the telemetry stack and installs the providers globally.
// A signal whose setup fails is logged and left disabled.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "projectiond"
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	t := &Telemetry{
		Metrics: NoopMetrics(),
		tracers: noop.NewTracerProvider(),
		logger:  cfg.Logger,
	}

	if cfg.TraceExporter != nil {
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(cfg.TraceExporter),
			sdktrace.WithSampler(sampler(cfg.TraceSampleRate)),
		)
		t.tracers = tp
		t.shutdown = append(t.shutdown, tp.Shutdown)
		otel.SetTracerProvider(tp)
	}

	if cfg.MetricReader != nil {
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(cfg.MetricReader),
		)
		metrics, err := NewMetrics(mp.Meter(instrumentationName))
		if err != nil {
			cfg.Logger.Warn("metrics setup failed, continuing without metrics", "error", err)
			_ = mp.Shutdown(ctx)
		} else {
			t.Metrics = metrics
			t.shutdown = append(t.shutdown, mp.Shutdown)
			otel.SetMeterProvider(mp)
		}
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	cfg.Logger.Info("telemetry initialized",
		"service", cfg.ServiceName,
		"tracing", cfg.TraceExporter != nil,
		"metrics", cfg.MetricReader != nil)
	return t, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0:
		return sdktrace.NeverSample()
	case rate >= 1:
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// Shutdown flushes and stops the exporters.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if len(t.shutdown) > 0 {
		t.logger.Info("shutting down telemetry")
	}
	var errs []error
	for _, fn := range t.shutdown {
		errs = append(errs, fn(ctx))
	}
	t.shutdown = nil
	return errors.Join(errs...)
}

// Tracer returns a tracer scoped to one component, e.g. "catchup".
func (t *Telemetry) Tracer(component string) trace.Tracer {
	return t.tracers.Tracer(instrumentationName + "/" + component)
}
