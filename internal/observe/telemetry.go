// Package observe bootstraps OpenTelemetry for the process: tracer and
// meter providers with OTLP gRPC exporters (stdout for local development),
// plus the instrumented HTTP plumbing the server and outbound clients use.
package observe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/zerologr"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/farmlokal/catalog-api/internal/config"
)

// Configure initializes the global tracer and meter providers. The returned
// function flushes and shuts the providers down; it must run before process
// exit. When telemetry is disabled the defaults remain in place (no-op
// providers) and shutdown does nothing.
func Configure(ctx context.Context, cfg config.ObserveConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		log.Info().Msg("telemetry: disabled")
		return func(context.Context) error { return nil }, nil
	}

	configureSDKLogging(cfg)

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource configuration failed: %w", err)
	}

	var shutdownFuncs []func(context.Context) error

	traceExporter, err := newTraceExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("trace exporter configuration failed: %w", err)
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter,
			sdktrace.WithBatchTimeout(time.Duration(cfg.TraceBatchTimeoutSeconds)*time.Second)),
	)
	otel.SetTracerProvider(tracerProvider)
	shutdownFuncs = append(shutdownFuncs, tracerProvider.Shutdown)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if cfg.MetricsEnabled {
		metricExporter, err := newMetricExporter(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("metric exporter configuration failed: %w", err)
		}

		meterProvider := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter,
				sdkmetric.WithInterval(time.Duration(cfg.MetricReadIntervalSeconds)*time.Second))),
		)
		otel.SetMeterProvider(meterProvider)
		shutdownFuncs = append(shutdownFuncs, meterProvider.Shutdown)
	}

	log.Info().
		Str("type", cfg.Type).
		Bool("metrics", cfg.MetricsEnabled).
		Msg("telemetry: configured")

	return func(ctx context.Context) error {
		var err error
		for _, fn := range shutdownFuncs {
			err = errors.Join(err, fn(ctx))
		}
		return err
	}, nil
}

// HTTPTransport wraps the base transport with OTel span and metric
// instrumentation for outbound requests.
func HTTPTransport(base http.RoundTripper, cfg config.ObserveConfig) http.RoundTripper {
	if !cfg.Enabled || !cfg.HTTPTransportEnabled {
		return base
	}
	return otelhttp.NewTransport(base)
}

// configureSDKLogging routes the OTel SDK's internal logging through
// zerolog at its own level, independent of the application level.
func configureSDKLogging(cfg config.ObserveConfig) {
	level, err := zerolog.ParseLevel(cfg.SDKLogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	sdkLogger := log.Logger.Level(level).With().Str("component", "otel").Logger()
	otel.SetLogger(zerologr.New(&sdkLogger))
}

func newTraceExporter(ctx context.Context, cfg config.ObserveConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Type {
	case "grpc":
		// endpoint and TLS come from the standard OTEL_EXPORTER_* variables
		return otlptracegrpc.New(ctx)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("unknown telemetry type %q", cfg.Type)
	}
}

func newMetricExporter(ctx context.Context, cfg config.ObserveConfig) (sdkmetric.Exporter, error) {
	switch cfg.Type {
	case "grpc":
		return otlpmetricgrpc.New(ctx)
	case "stdout":
		return stdoutmetric.New()
	default:
		return nil, fmt.Errorf("unknown telemetry type %q", cfg.Type)
	}
}
