package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "spatialsync"

// Config selects the Jaeger collector and sampling for one binary.
type Config struct {
	Enabled     bool
	ServiceName string
	JaegerURL   string
	Environment string
	SampleRate  float64
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "spatialsync",
		JaegerURL:   "http://localhost:14268/api/traces",
		Environment: "development",
		SampleRate:  1.0,
	}
}

// TracerProvider owns the exporter pipeline. The zero value is a disabled
// provider whose Shutdown does nothing.
type TracerProvider struct {
	sdk *tracesdk.TracerProvider
}

// Init installs a Jaeger-backed provider and W3C propagation globally.
// Disabled configs leave the otel no-op provider in place.
func Init(cfg Config) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{}, nil
	}

	exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("create jaeger exporter for %s: %w", cfg.JaegerURL, err)
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceNameKey.String(cfg.ServiceName),
		attribute.String("environment", cfg.Environment),
	))
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}

	sdk := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exporter),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(sdk)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return &TracerProvider{sdk: sdk}, nil
}

// Shutdown flushes pending spans.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp == nil || tp.sdk == nil {
		return nil
	}
	return tp.sdk.Shutdown(ctx)
}

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, opts...)
}

// AddSpanAttributes annotates the span in ctx, if one is recording.
func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// RecordError marks the span in ctx as failed with err.
func RecordError(ctx context.Context, err error) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

var (
	ClientIDKey    = attribute.Key("client.id")
	FrameKey       = attribute.Key("frame.number")
	BytesKey       = attribute.Key("payload.bytes")
	OrientationKey = attribute.Key("capture.orientation")
	EndpointKey    = attribute.Key("upload.endpoint")
)

// TraceHTTPRequest opens a server span for an ingest route.
func TraceHTTPRequest(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return StartSpan(ctx, "http."+method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPMethodKey.String(method),
			semconv.HTTPRouteKey.String(route),
		),
	)
}

// TraceUpload opens a client span around one frame upload.
func TraceUpload(ctx context.Context, endpoint string, imageBytes int, orientation string) (context.Context, trace.Span) {
	return StartSpan(ctx, "upload.frame",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			EndpointKey.String(endpoint),
			BytesKey.Int(imageBytes),
			OrientationKey.String(orientation),
		),
	)
}

// TraceIngest opens a span for storing one numbered frame.
func TraceIngest(ctx context.Context, clientID string, frame int) (context.Context, trace.Span) {
	return StartSpan(ctx, "ingest.frame", trace.WithAttributes(
		ClientIDKey.String(clientID),
		FrameKey.Int(frame),
	))
}
