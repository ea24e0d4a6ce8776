// Package bridgetrace provides OTel tracer initialization for ACP protocol
// calls (spec.md §6 "Tracing"), grounded on the teacher's
// internal/agentctl/tracing package. Without TracingConfig.OTLPEndpoint
// set, every span goes to a no-op tracer at zero overhead.
package bridgetrace

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "acp-bridge"

var (
	initOnce       sync.Once
	tracerProvider trace.TracerProvider = noop.NewTracerProvider()
	sdkProvider    *sdktrace.TracerProvider
	initEndpoint   string
	initService    string
)

// Configure records the tracing settings used the first time Tracer is
// called. Must be called during bootstrap, before any ACP session starts.
func Configure(otlpEndpoint, serviceName string) {
	initEndpoint = otlpEndpoint
	initService = serviceName
	if initService == "" {
		initService = tracerName
	}
}

func initTracing() {
	if initEndpoint == "" {
		return
	}

	ctx := context.Background()

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpointHost(initEndpoint)),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(initService)))
	if err != nil {
		res = resource.Default()
	}

	sdkProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	tracerProvider = sdkProvider
	otel.SetTracerProvider(tracerProvider)
}

func endpointHost(endpoint string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(endpoint, prefix) {
			return endpoint[len(prefix):]
		}
	}
	return endpoint
}

// Tracer returns the package-level ACP protocol tracer.
func Tracer() trace.Tracer {
	initOnce.Do(initTracing)
	return tracerProvider.Tracer(tracerName)
}

// Shutdown flushes pending spans, if a real exporter was configured.
func Shutdown(ctx context.Context) error {
	if sdkProvider != nil {
		return sdkProvider.Shutdown(ctx)
	}
	return nil
}

// StartProtocolSpan starts a client-kind span for one ACP JSON-RPC call.
func StartProtocolSpan(ctx context.Context, method, acpSessionID string) (context.Context, trace.Span) {
	ctx, span := Tracer().Start(ctx, "acp."+method, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("acp_session_id", acpSessionID))
	return ctx, span
}
