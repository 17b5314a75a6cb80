package tessitura

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/honeycombio/otel-config-go/otelconfig"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// InitOTel selects an exporter by name and returns its shutdown.
// "honeycomb" uses the Honeycomb launcher, "otlp" a plain OTLP/HTTP exporter
// configured from the standard OTEL_EXPORTER_OTLP_* variables.
func InitOTel(ctx context.Context, kind string) (func(context.Context) error, error) {
	switch kind {
	case "", "none":
		return func(context.Context) error { return nil }, nil
	case "honeycomb":
		shutdown, err := InitOTelHNY()
		if err != nil {
			return nil, err
		}
		return func(context.Context) error { shutdown(); return nil }, nil
	case "otlp":
		tp, err := InitOTelOTLP(ctx)
		if err != nil {
			return nil, err
		}
		return tp.Shutdown, nil
	default:
		return nil, fmt.Errorf("unknown otel exporter %q", kind)
	}
}

// InitOTelHNY uses the Honeycomb library to interface with OTel
func InitOTelHNY() (func(), error) {
	otelShutdown, err := otelconfig.ConfigureOpenTelemetry()
	if err != nil {
		return nil, fmt.Errorf("failed to configure OpenTelemetry: %w", err)
	}
	slog.Info("OpenTelemetry configured", slog.String("exporter", "honeycomb"))
	return func() { otelShutdown() }, nil
}

// InitOTelOTLP sets a global tracer provider with Baggage propagation
func InitOTelOTLP(ctx context.Context) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient())
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))
	slog.Info("OpenTelemetry configured", slog.String("exporter", "otlp"))
	return tp, nil
}
