// Package telemetry wires the ambient logging and tracing stack shared by
// every service: the process-wide slog logger and, when enabled, an
// OpenTelemetry TracerProvider exporting to an OTLP collector.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// TraceConfig mirrors config.TelemetryConfig without this package
// depending on internal/config.
type TraceConfig struct {
	Enabled        bool
	Endpoint       string
	Protocol       string // "grpc" (default) or "http"
	Insecure       bool
	ServiceName    string
	ServiceVersion string
	Headers        map[string]string
}

// noopShutdown is returned whenever tracing stays disabled, so callers can
// always unconditionally defer the shutdown func.
func noopShutdown(context.Context) error { return nil }

// Setup registers a TracerProvider as the OpenTelemetry global provider and
// returns a shutdown func to flush and close it on exit. With cfg.Enabled
// false (or Endpoint empty), it leaves the default no-op provider in place;
// every span created via otel.Tracer(...) elsewhere in this module (e.g.
// internal/agent's LLM-call spans) then costs nothing and exports nothing.
func Setup(ctx context.Context, cfg TraceConfig) (func(context.Context) error, error) {
	if !cfg.Enabled || cfg.Endpoint == "" {
		return noopShutdown, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "agentfabric-gateway"
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build otlp exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		res = resource.Default()
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return provider.Shutdown, nil
}

func newExporter(ctx context.Context, cfg TraceConfig) (sdktrace.SpanExporter, error) {
	if cfg.Protocol == "http" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
		}
		return otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	return otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
}
