package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/a-cube-io/opqueue/item"
)

// meterName is the instrumentation scope name for queue metrics.
const meterName = "github.com/a-cube-io/opqueue"

// Metrics returns middleware that records per-call metrics using the
// global OTel MeterProvider.
//
// Instruments:
//   - opqueue.processor.duration (Float64Histogram): call time in seconds,
//     with attributes resource, operation, status ("ok" or "error")
//   - opqueue.processor.calls (Int64Counter): total calls, same attributes
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter returns metrics middleware using the provided meter.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// On error the API returns noop instruments.
	duration, _ := meter.Float64Histogram( //nolint:errcheck // noop fallback
		"opqueue.processor.duration",
		metric.WithDescription("Duration of processor calls in seconds"),
		metric.WithUnit("s"),
	)
	calls, _ := meter.Int64Counter( //nolint:errcheck // noop fallback
		"opqueue.processor.calls",
		metric.WithDescription("Total number of processor calls"),
		metric.WithUnit("{call}"),
	)

	return func(ctx context.Context, it *item.Item, next Handler) (any, error) {
		start := time.Now()
		res, err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		if err != nil {
			status = "error"
		}
		attrs := metric.WithAttributes(
			attribute.String("resource", string(it.Resource)),
			attribute.String("operation", string(it.Operation)),
			attribute.String("status", status),
		)
		duration.Record(ctx, elapsed, attrs)
		calls.Add(ctx, 1, attrs)
		return res, err
	}
}
