// Package tracing sets up the process-wide OpenTelemetry TracerProvider
// used by the pipeline executor to emit a span per step and per node. When no OTLP endpoint is configured, tracing is a no-op: spans
// are created and discarded with no exporter overhead.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Provider wraps the process TracerProvider along with a Shutdown that
// flushes any batched spans before the process exits.
type Provider struct {
	tp       *sdktrace.TracerProvider
	tracer   trace.Tracer
	shutdown func(context.Context) error
}

// Setup constructs a Provider. When endpoint is empty, tracing is wired to a
// TracerProvider with no span processors: Start still returns usable
// (no-op-exported) spans, so instrumented code never needs to branch on
// whether tracing is enabled.
func Setup(ctx context.Context, endpoint, serviceVersion string) (*Provider, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName("fleetctl"),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: building resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	shutdown := func(context.Context) error { return nil }

	if endpoint != "" {
		conn, err := grpc.NewClient(endpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		)
		if err != nil {
			return nil, fmt.Errorf("tracing: dialing OTLP endpoint %s: %w", endpoint, err)
		}

		exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, fmt.Errorf("tracing: creating OTLP exporter: %w", err)
		}

		opts = append(opts, sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(2*time.Second)))
		shutdown = func(shutdownCtx context.Context) error {
			if err := exporter.Shutdown(shutdownCtx); err != nil {
				return err
			}
			return conn.Close()
		}
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)

	return &Provider{
		tp:       tp,
		tracer:   tp.Tracer("github.com/fleetctl/fleetctl"),
		shutdown: shutdown,
	}, nil
}

// Tracer returns the tracer apply/pipeline spans should be started from.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Shutdown flushes any pending spans and tears down the exporter connection.
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := p.tp.Shutdown(ctx); err != nil {
		return err
	}
	return p.shutdown(ctx)
}
