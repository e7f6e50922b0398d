package main

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/rendis/convo/internal/streaming"
	"github.com/rendis/convo/internal/telemetry"
)

const instrumentationName = "github.com/rendis/convo"

// observability holds the OpenTelemetry providers for serve. Metrics are
// kept in a manual reader and summarized on shutdown; spans are exported
// over OTLP/HTTP when an endpoint is configured.
type observability struct {
	publishers []streaming.Publisher
	reader     *sdkmetric.ManualReader
	shutdowns  []func(context.Context) error
}

func setupTelemetry(ctx context.Context, cfg Config) (*observability, error) {
	res := resource.NewSchemaless(
		attribute.String("service.name", "convo"),
		attribute.String("service.version", version),
	)

	o := &observability{reader: sdkmetric.NewManualReader()}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(o.reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	o.shutdowns = append(o.shutdowns, mp.Shutdown)

	metrics, err := telemetry.NewMetricsHandler(mp.Meter(instrumentationName))
	if err != nil {
		return nil, errors.Join(err, o.shutdown(ctx))
	}
	o.publishers = append(o.publishers, metrics)

	if cfg.OTLPEndpoint == "" {
		return o, nil
	}
	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(cfg.OTLPEndpoint))
	if err != nil {
		return nil, errors.Join(err, o.shutdown(ctx))
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	o.shutdowns = append(o.shutdowns, tp.Shutdown)
	o.publishers = append(o.publishers, telemetry.NewTracingHandler(tp.Tracer(instrumentationName)))
	return o, nil
}

// logSummary logs the total of every counter collected so far.
func (o *observability) logSummary(ctx context.Context, logger *slog.Logger) {
	var rm metricdata.ResourceMetrics
	if err := o.reader.Collect(ctx, &rm); err != nil {
		logger.WarnContext(ctx, "collect metrics", slog.String("error", err.Error()))
		return
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			logger.InfoContext(ctx, "metric", slog.String("name", m.Name), slog.Int64("total", total))
		}
	}
}

func (o *observability) shutdown(ctx context.Context) error {
	var errs []error
	for i := len(o.shutdowns) - 1; i >= 0; i-- {
		errs = append(errs, o.shutdowns[i](ctx))
	}
	return errors.Join(errs...)
}
