package observe

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures [InitProvider].
type ProviderConfig struct {
	// ServiceName identifies the service in exported telemetry.
	// Defaults to "voxwire".
	ServiceName string

	// ServiceVersion is attached to the telemetry resource.
	ServiceVersion string

	// TraceExporter receives finished spans. When nil, spans are still
	// created (correlation IDs keep working) but nothing exports them.
	TraceExporter sdktrace.SpanExporter
}

// shutdownFuncs aggregates provider teardown so InitProvider can hand the
// caller a single function.
type shutdownFuncs []func(context.Context) error

func (s shutdownFuncs) shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range s {
		errs = append(errs, fn(ctx))
	}
	return errors.Join(errs...)
}

// InitProvider installs the global OpenTelemetry meter and tracer providers
// plus the W3C trace-context propagator. The returned function flushes and
// shuts down both providers; call it on process exit.
func InitProvider(ctx context.Context, cfg ProviderConfig) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "voxwire"
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("observe: build resource: %w", err)
	}

	var shutdowns shutdownFuncs

	mp, err := newMeterProvider(res)
	if err != nil {
		return nil, fmt.Errorf("observe: init meter provider: %w", err)
	}
	shutdowns = append(shutdowns, mp.Shutdown)
	otel.SetMeterProvider(mp)

	tp := newTracerProvider(res, cfg.TraceExporter)
	shutdowns = append(shutdowns, tp.Shutdown)
	otel.SetTracerProvider(tp)

	otel.SetTextMapPropagator(propagation.TraceContext{})

	return shutdowns.shutdown, nil
}

func newResource(ctx context.Context, cfg ProviderConfig) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
}

// newMeterProvider wires the Prometheus exporter bridge so instruments
// recorded through the OTel API surface on the standard /metrics endpoint.
func newMeterProvider(res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	reader, err := prometheus.New()
	if err != nil {
		return nil, err
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	), nil
}

func newTracerProvider(res *resource.Resource, exp sdktrace.SpanExporter) *sdktrace.TracerProvider {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exp != nil {
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	return sdktrace.NewTracerProvider(opts...)
}
