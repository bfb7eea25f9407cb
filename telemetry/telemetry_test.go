package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{}, nil)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))

	assert.NotNil(t, Global())
}

func TestInstrumentsRecord(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	ins, err := NewInstruments(tp, mp)
	require.NoError(t, err)

	ctx, span := ins.Tracer.Start(context.Background(), "pipeline.building")
	ins.StageDuration.Record(ctx, 1.5, metric.WithAttributes(attribute.String("stage", "building")))
	ins.JobsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "completed")))
	span.End()

	ended := spans.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "pipeline.building", ended[0].Name())

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		assert.Equal(t, scope, sm.Scope.Name)
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	assert.True(t, names[MetricStageDuration])
	assert.True(t, names[MetricJobsFinished])
}
