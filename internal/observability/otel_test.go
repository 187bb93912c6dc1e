package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func resetGlobals(t *testing.T) {
	t.Cleanup(func() {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
	})
}

func TestOptions(t *testing.T) {
	s := defaultSettings()
	for _, opt := range []Option{
		WithEndpoint("collector:4318"),
		WithHeaders(map[string]string{"api-key": "k"}),
		WithTLS(),
		WithEnvironment("production"),
		WithSampleRatio(0.1),
		WithExportInterval(5 * time.Second),
		WithoutMetrics(),
	} {
		opt(&s)
	}

	assert.Equal(t, "collector:4318", s.endpoint)
	assert.Equal(t, "k", s.headers["api-key"])
	assert.True(t, s.secure)
	assert.Equal(t, "production", s.environment)
	assert.Equal(t, 0.1, s.sampleRatio)
	assert.Equal(t, 5*time.Second, s.exportInterval)
	assert.True(t, s.traces)
	assert.False(t, s.metrics)
}

func TestSampler(t *testing.T) {
	var traceID trace.TraceID
	for i := range traceID {
		traceID[i] = 0xff
	}
	root := sdktrace.SamplingParameters{ParentContext: context.Background(), TraceID: traceID, Name: "root"}

	assert.Equal(t, sdktrace.RecordAndSample, sampler(1).ShouldSample(root).Decision)
	assert.Equal(t, sdktrace.Drop, sampler(0).ShouldSample(root).Decision)
	assert.Equal(t, sdktrace.Drop, sampler(0.01).ShouldSample(root).Decision, "high trace ids fall outside a small ratio")

	// A sampled parent wins over the ratio.
	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     trace.SpanID{1},
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	child := sdktrace.SamplingParameters{
		ParentContext: trace.ContextWithRemoteSpanContext(context.Background(), parent),
		TraceID:       traceID,
		Name:          "child",
	}
	assert.Equal(t, sdktrace.RecordAndSample, sampler(0).ShouldSample(child).Decision)
}

func TestSetupInstallsTracerProvider(t *testing.T) {
	resetGlobals(t)
	ctx := context.Background()

	tel, err := Setup(ctx, WithEndpoint("127.0.0.1:1"), WithoutMetrics())
	require.NoError(t, err)
	require.NotNil(t, tel.traces)
	assert.Nil(t, tel.metrics)
	assert.Same(t, tel.traces, otel.GetTracerProvider())

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	assert.NoError(t, tel.Shutdown(shutdownCtx))
}

func TestShutdownNilTelemetry(t *testing.T) {
	var tel *Telemetry
	assert.NoError(t, tel.Shutdown(context.Background()))

	assert.NoError(t, (&Telemetry{}).Shutdown(context.Background()))
}
