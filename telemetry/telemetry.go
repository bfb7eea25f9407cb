// Package telemetry sets up OpenTelemetry tracing and metrics for the
// deployment pipeline. With no endpoint configured the global no-op
// providers stay in place.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/teranos/agentdeploy/errors"
	"github.com/teranos/agentdeploy/version"
)

// Instrumentation scope shared by every instrument.
const scope = "github.com/teranos/agentdeploy/pipeline"

// Metric names.
const (
	MetricStageDuration = "agentdeploy.stage.duration"
	MetricJobsFinished  = "agentdeploy.jobs.finished"
)

// Config selects the OTLP collector.
type Config struct {
	Endpoint       string        // host:port of an OTLP/HTTP collector; empty disables export
	Insecure       bool          // plain HTTP instead of HTTPS
	ServiceName    string        // resource service.name
	MetricInterval time.Duration // export period for metrics
}

// Shutdown flushes and stops the providers installed by Setup.
type Shutdown func(ctx context.Context) error

// Setup installs global tracer and meter providers exporting to cfg.Endpoint.
func Setup(ctx context.Context, cfg Config, log *zap.SugaredLogger) (Shutdown, error) {
	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "agentdeploy"
	}
	if cfg.MetricInterval <= 0 {
		cfg.MetricInterval = 30 * time.Second
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", version.Get().Short()),
	)

	traceOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	metricOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}

	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create trace exporter")
	}
	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create metric exporter")
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(cfg.MetricInterval))),
		sdkmetric.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	if log != nil {
		log.Infow("Telemetry export enabled", "endpoint", cfg.Endpoint, "service", cfg.ServiceName)
	}

	return func(ctx context.Context) error {
		return errors.CombineErrors(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

// Instruments are the pipeline's tracer and metrics.
type Instruments struct {
	Tracer        trace.Tracer
	StageDuration metric.Float64Histogram
	JobsFinished  metric.Int64Counter
}

// NewInstruments creates the pipeline instruments from explicit providers.
func NewInstruments(tp trace.TracerProvider, mp metric.MeterProvider) (*Instruments, error) {
	meter := mp.Meter(scope)
	hist, err := meter.Float64Histogram(MetricStageDuration,
		metric.WithDescription("Time spent in a pipeline stage"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create stage duration histogram")
	}
	counter, err := meter.Int64Counter(MetricJobsFinished,
		metric.WithDescription("Deployment jobs that reached a terminal status"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create jobs finished counter")
	}
	return &Instruments{
		Tracer:        tp.Tracer(scope),
		StageDuration: hist,
		JobsFinished:  counter,
	}, nil
}

// Global returns instruments bound to the global providers. Instrument
// creation only fails on invalid names, so errors fall back to no-op.
func Global() *Instruments {
	ins, err := NewInstruments(otel.GetTracerProvider(), otel.GetMeterProvider())
	if err != nil {
		ins, _ = NewInstruments(tracenoop.NewTracerProvider(), metricnoop.NewMeterProvider())
	}
	return ins
}
