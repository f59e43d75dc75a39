package observability

import (
	"context"
	"fmt"
	"time"

	"council/internal/config"

	"go.opentelemetry.io/contrib/instrumentation/host"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
)

// InitOTel installs a tracer and meter provider carrying the process
// resource attributes. When cfg.OTelEndpoint is set, spans and metrics are
// batched out over OTLP/HTTP to it, exactly like the teacher's otel.go. An
// unset endpoint (the local/dev default) falls back to providers with no
// exporter attached, so handlers still get real spans and instruments to
// record against without requiring a collector to be running.
func InitOTel(ctx context.Context, cfg config.Config) (func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithProcess(),
		resource.WithOS(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.OTelServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("init resource: %w", err)
	}

	var tpOpts []sdktrace.TracerProviderOption
	var mpOpts []metric.Option
	tpOpts = append(tpOpts, sdktrace.WithResource(res))
	mpOpts = append(mpOpts, metric.WithResource(res))

	if cfg.OTelEndpoint != "" {
		trExp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.OTelEndpoint), otlptracehttp.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("init trace exporter: %w", err)
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(trExp))

		mExp, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(cfg.OTelEndpoint), otlpmetrichttp.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("init metrics exporter: %w", err)
		}
		mpOpts = append(mpOpts, metric.WithReader(metric.NewPeriodicReader(mExp, metric.WithInterval(10*time.Second))))
	}

	tp := sdktrace.NewTracerProvider(tpOpts...)
	mp := metric.NewMeterProvider(mpOpts...)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	if err := host.Start(host.WithMeterProvider(mp)); err != nil {
		return nil, fmt.Errorf("failed to start host metrics: %w", err)
	}

	return func(ctx context.Context) error {
		var first error
		if err := mp.Shutdown(ctx); err != nil {
			first = err
		}
		if err := tp.Shutdown(ctx); err != nil && first == nil {
			first = err
		}
		return first
	}, nil
}
