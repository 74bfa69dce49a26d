// Package telemetry installs the global OpenTelemetry TracerProvider the
// cloud link (C9) pulls its Tracer from via otel.Tracer(...); the SM fleet
// control plane (C6) creates no spans. With no endpoint configured, the default no-op
// provider is left in place and span creation is a cheap no-op.
//
// Grounded on pack repo eschercloudai-unikorn's
// pkg/server/server.go#SetupOpenTelemetry, adapted to the otlptracegrpc
// exporter this module's go.mod carries instead of otlptracehttp.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Shutdown flushes and stops the installed exporter, if one was set up.
type Shutdown func(ctx context.Context) error

// Setup installs a batching OTLP/gRPC exporter as the global
// TracerProvider when endpoint is non-empty. An empty endpoint leaves the
// process-wide no-op provider in place.
func Setup(ctx context.Context, endpoint string) (Shutdown, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating otlp exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(provider)

	return provider.Shutdown, nil
}
