// Package tracing initializes the shared OTel tracer for termd's HTTP
// surface and session lifecycle spans (spawn, persist, restore).
//
// Spans are exported only when OTEL_EXPORTER_OTLP_ENDPOINT is set; otherwise
// every tracer handed out is a no-op.
package tracing

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const serviceName = "termd"

var (
	initOnce sync.Once
	provider trace.TracerProvider = noop.NewTracerProvider()
	sdk      *sdktrace.TracerProvider
)

// Tracer returns a named tracer, initializing the provider on first use.
func Tracer(name string) trace.Tracer {
	initOnce.Do(initProvider)
	return provider.Tracer(name)
}

// Shutdown flushes pending spans. Returns nil when tracing never left
// no-op mode.
func Shutdown(ctx context.Context) error {
	if sdk == nil {
		return nil
	}
	return sdk.Shutdown(ctx)
}

func initProvider() {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return
	}

	ctx := context.Background()
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(stripScheme(endpoint)),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		// Exporter failure leaves the no-op provider in place.
		return
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		res = resource.Default()
	}

	sdk = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	provider = sdk
	otel.SetTracerProvider(sdk)
}

// stripScheme removes an http(s):// prefix; otlptracehttp wants a bare host.
func stripScheme(endpoint string) string {
	if host, ok := strings.CutPrefix(endpoint, "https://"); ok {
		return host
	}
	if host, ok := strings.CutPrefix(endpoint, "http://"); ok {
		return host
	}
	return endpoint
}
