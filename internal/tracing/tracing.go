// Package tracing wires OpenTelemetry trace export for the forwarding engine.
package tracing

import (
	"context"

	"github.com/Laisky/errors/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Provider holds the tracer provider so it can be drained on shutdown.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
}

// Init configures the global tracer provider when enabled. Returns nil, nil
// when tracing is disabled so callers can unconditionally defer Shutdown.
func Init(ctx context.Context, enabled bool, endpoint, serviceName string) (*Provider, error) {
	if !enabled {
		return nil, nil
	}
	if endpoint == "" {
		return nil, errors.New("tracing enabled but OTEL_EXPORTER_OTLP_ENDPOINT is empty")
	}

	res, err := sdkresource.New(ctx,
		sdkresource.WithFromEnv(),
		sdkresource.WithHost(),
		sdkresource.WithTelemetrySDK(),
		sdkresource.WithAttributes(attribute.String("service.name", serviceName)),
	)
	if err != nil {
		return nil, errors.Wrap(err, "build otel resource")
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create OTLP trace exporter")
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	return &Provider{tracerProvider: tracerProvider}, nil
}

// Shutdown drains the tracer provider, flushing any pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tracerProvider == nil {
		return nil
	}
	return errors.Wrap(p.tracerProvider.Shutdown(ctx), "shutdown tracer provider")
}

// Tracer is the tracer used for forward-engine spans.
func Tracer() oteltrace.Tracer {
	return otel.Tracer("cerebras-proxy/forward")
}

// StartAttempt starts a span covering one upstream attempt.
func StartAttempt(ctx context.Context, upstream, credentialName string) (context.Context, oteltrace.Span) {
	return Tracer().Start(ctx, "forward.attempt",
		oteltrace.WithAttributes(
			attribute.String("upstream", upstream),
			attribute.String("credential.name", credentialName),
		),
	)
}

// EndAttempt records the outcome on the span and ends it.
func EndAttempt(span oteltrace.Span, outcome string, err error) {
	span.SetAttributes(attribute.String("outcome", outcome))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
