package observability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// ServiceName identifies Herald in exported telemetry.
const ServiceName = "herald"

// Version is reported as service.version and as the instrumentation
// version of Herald's tracers and meters. Release builds set it with
// -ldflags "-X github.com/sarathsp06/herald/internal/observability.Version=...".
var Version = "dev"

// Option adjusts how Setup exports telemetry.
type Option func(*settings)

type settings struct {
	endpoint       string
	headers        map[string]string
	secure         bool
	environment    string
	sampleRatio    float64
	exportInterval time.Duration
	traces         bool
	metrics        bool
}

func defaultSettings() settings {
	return settings{
		endpoint:       "localhost:4318",
		environment:    "development",
		sampleRatio:    1,
		exportInterval: 30 * time.Second,
		traces:         true,
		metrics:        true,
	}
}

// WithEndpoint sets the host:port of the OTLP/HTTP collector.
func WithEndpoint(endpoint string) Option {
	return func(s *settings) { s.endpoint = endpoint }
}

// WithHeaders adds headers, such as an API key, to every export request.
func WithHeaders(headers map[string]string) Option {
	return func(s *settings) { s.headers = headers }
}

// WithTLS exports over HTTPS. The default is plain HTTP to a local collector.
func WithTLS() Option {
	return func(s *settings) { s.secure = true }
}

// WithEnvironment sets deployment.environment on the resource.
func WithEnvironment(env string) Option {
	return func(s *settings) { s.environment = env }
}

// WithSampleRatio keeps that share of root traces. Child spans follow the
// decision of their parent.
func WithSampleRatio(ratio float64) Option {
	return func(s *settings) { s.sampleRatio = ratio }
}

// WithExportInterval sets how often metrics are pushed.
func WithExportInterval(d time.Duration) Option {
	return func(s *settings) { s.exportInterval = d }
}

// WithoutTraces leaves the global tracer provider untouched.
func WithoutTraces() Option {
	return func(s *settings) { s.traces = false }
}

// WithoutMetrics leaves the global meter provider untouched.
func WithoutMetrics() Option {
	return func(s *settings) { s.metrics = false }
}

// Telemetry holds the SDK providers Setup installed as globals.
type Telemetry struct {
	traces  *sdktrace.TracerProvider
	metrics *sdkmetric.MeterProvider
}

// Setup installs OTLP/HTTP trace and metric pipelines as the global
// providers, along with W3C trace context propagation. Call Shutdown on the
// result to flush what is buffered.
func Setup(ctx context.Context, opts ...Option) (*Telemetry, error) {
	s := defaultSettings()
	for _, opt := range opts {
		opt(&s)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(ServiceName),
			semconv.ServiceVersionKey.String(Version),
			semconv.DeploymentEnvironmentKey.String(s.environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	t := &Telemetry{}
	if s.traces {
		if t.traces, err = newTracerProvider(ctx, res, s); err != nil {
			return nil, err
		}
		otel.SetTracerProvider(t.traces)
	}
	if s.metrics {
		if t.metrics, err = newMeterProvider(ctx, res, s); err != nil {
			_ = t.Shutdown(ctx)
			return nil, err
		}
		otel.SetMeterProvider(t.metrics)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return t, nil
}

// Shutdown flushes and stops the providers. Spans go first so that the
// metrics describing them are not exported without them.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	if t.traces != nil {
		if err := t.traces.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("traces: %w", err))
		}
	}
	if t.metrics != nil {
		if err := t.metrics.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics: %w", err))
		}
	}
	return errors.Join(errs...)
}

func newTracerProvider(ctx context.Context, res *resource.Resource, s settings) (*sdktrace.TracerProvider, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(s.endpoint)}
	if !s.secure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(s.headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(s.headers))
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(s.sampleRatio)),
	), nil
}

func newMeterProvider(ctx context.Context, res *resource.Resource, s settings) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(s.endpoint)}
	if !s.secure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	if len(s.headers) > 0 {
		opts = append(opts, otlpmetrichttp.WithHeaders(s.headers))
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(s.exportInterval))
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	), nil
}

// sampler honours an upstream sampling decision and samples root spans by
// trace id ratio.
func sampler(ratio float64) sdktrace.Sampler {
	var root sdktrace.Sampler
	switch {
	case ratio >= 1:
		root = sdktrace.AlwaysSample()
	case ratio <= 0:
		root = sdktrace.NeverSample()
	default:
		root = sdktrace.TraceIDRatioBased(ratio)
	}
	return sdktrace.ParentBased(root)
}

// GetTracer returns a named tracer from the global provider.
func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name, trace.WithInstrumentationVersion(Version))
}

// GetMeter returns a named meter from the global provider.
func GetMeter(name string) metric.Meter {
	return otel.Meter(name, metric.WithInstrumentationVersion(Version))
}
