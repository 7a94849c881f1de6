package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/sreeram77/gpu-collector/internal/telemetry"
)

const meterName = "github.com/sreeram77/gpu-collector/engine"

// engineMetrics holds the self-metrics of the collection pipeline
type engineMetrics struct {
	passes       metric.Int64Counter
	samples      metric.Int64Counter
	fetchErrors  metric.Int64Counter
	passDuration metric.Float64Histogram
	evicted      metric.Int64Counter
}

func newEngineMetrics() engineMetrics {
	meter := otel.GetMeterProvider().Meter(meterName)

	passes, _ := meter.Int64Counter(
		"collector_update_passes_total",
		metric.WithDescription("Total number of collection passes"),
	)
	samples, _ := meter.Int64Counter(
		"collector_samples_total",
		metric.WithDescription("Total number of samples stored in the cache"),
	)
	fetchErrors, _ := meter.Int64Counter(
		"collector_fetch_errors_total",
		metric.WithDescription("Total number of failed field fetches"),
	)
	passDuration, _ := meter.Float64Histogram(
		"collector_update_pass_duration_seconds",
		metric.WithDescription("Time taken by one collection pass"),
		metric.WithUnit("s"),
	)
	evicted, _ := meter.Int64Counter(
		"collector_samples_evicted_total",
		metric.WithDescription("Total number of samples dropped by retention"),
	)

	return engineMetrics{
		passes:       passes,
		samples:      samples,
		fetchErrors:  fetchErrors,
		passDuration: passDuration,
		evicted:      evicted,
	}
}

func (m engineMetrics) recordPass(ctx context.Context, took time.Duration, stored int) {
	m.passes.Add(ctx, 1)
	m.samples.Add(ctx, int64(stored))
	m.passDuration.Record(ctx, took.Seconds())
}

func (m engineMetrics) recordFetchError(ctx context.Context, err error) {
	m.fetchErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", telemetry.StatusOf(err).String()),
	))
}
