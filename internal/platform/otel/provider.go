// Package otel wires optional OTLP trace export for the device.
package otel

import (
	"context"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	EnvEndpoint = "PAXCOUNT_OTEL_ENDPOINT"
	EnvEnabled  = "PAXCOUNT_OTEL_ENABLED"
	EnvRatio    = "PAXCOUNT_OTEL_SAMPLE_RATIO"
)

// Setup installs a global tracer provider exporting over OTLP/HTTP.
//
// Tracing is opt-in: with PAXCOUNT_OTEL_ENDPOINT empty or
// PAXCOUNT_OTEL_ENABLED=false the returned shutdown is a no-op and the
// global provider stays the default no-op one, so spans opened by the sync
// client cost nothing.
//
// The device uploads over a metered link, so PAXCOUNT_OTEL_SAMPLE_RATIO
// (0..1, default 1) can thin out traces.
func Setup(ctx context.Context, serviceName, serialNumber string) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	if strings.EqualFold(os.Getenv(EnvEnabled), "false") {
		return noop, nil
	}
	endpoint := strings.TrimSpace(os.Getenv(EnvEndpoint))
	if endpoint == "" {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return noop, err
	}

	attrs := []resource.Option{resource.WithAttributes(semconv.ServiceName(serviceName))}
	if serialNumber != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceInstanceID(serialNumber)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio()))),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}

func sampleRatio() float64 {
	raw := strings.TrimSpace(os.Getenv(EnvRatio))
	if raw == "" {
		return 1
	}
	r, err := strconv.ParseFloat(raw, 64)
	if err != nil || r < 0 || r > 1 {
		return 1
	}
	return r
}
