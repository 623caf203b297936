package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/a-cube-io/opqueue/batch"
	"github.com/a-cube-io/opqueue/ext"
	"github.com/a-cube-io/opqueue/item"
	"github.com/a-cube-io/opqueue/retry"
)

// Compile-time interface checks.
var (
	_ ext.Extension        = (*MetricsExtension)(nil)
	_ ext.ItemAdded        = (*MetricsExtension)(nil)
	_ ext.ItemCompleted    = (*MetricsExtension)(nil)
	_ ext.ItemFailed       = (*MetricsExtension)(nil)
	_ ext.ItemRetrying     = (*MetricsExtension)(nil)
	_ ext.ItemDead         = (*MetricsExtension)(nil)
	_ ext.RetriesExhausted = (*MetricsExtension)(nil)
	_ ext.CircuitChanged   = (*MetricsExtension)(nil)
	_ ext.Backpressure     = (*MetricsExtension)(nil)
	_ ext.BatchCompleted   = (*MetricsExtension)(nil)
	_ ext.BatchFailed      = (*MetricsExtension)(nil)
)

const meterName = "github.com/a-cube-io/opqueue/observability"

// MetricsExtension records lifecycle metrics through an OTel meter.
// Register it as an extension to track enqueue rates, completion and
// failure counts, retries, dead items, circuit transitions, rejected
// enqueues and batch outcomes. Item counters carry resource and
// operation attributes.
type MetricsExtension struct {
	ItemAdded        metric.Int64Counter
	ItemCompleted    metric.Int64Counter
	ItemFailed       metric.Int64Counter
	ItemRetried      metric.Int64Counter
	ItemDead         metric.Int64Counter
	RetriesExhausted metric.Int64Counter
	ItemDuration     metric.Float64Histogram
	CircuitChanges   metric.Int64Counter
	Backpressure     metric.Int64Counter
	BatchCompleted   metric.Int64Counter
	BatchFailed      metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension on the global MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the given
// meter. Instrument creation errors yield noop instruments.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	counter := func(name, desc string) metric.Int64Counter {
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc)) //nolint:errcheck // noop fallback
		return c
	}
	dur, _ := meter.Float64Histogram("opqueue.item.duration", //nolint:errcheck // noop fallback
		metric.WithDescription("Time from processing start to completion in seconds"),
		metric.WithUnit("s"),
	)
	return &MetricsExtension{
		ItemAdded:        counter("opqueue.item.added", "Items accepted into the queue"),
		ItemCompleted:    counter("opqueue.item.completed", "Items processed successfully"),
		ItemFailed:       counter("opqueue.item.failed", "Failed processing attempts"),
		ItemRetried:      counter("opqueue.item.retried", "Retries scheduled"),
		ItemDead:         counter("opqueue.item.dead", "Items moved to dead"),
		RetriesExhausted: counter("opqueue.item.retries_exhausted", "Items that ran out of retries"),
		ItemDuration:     dur,
		CircuitChanges:   counter("opqueue.circuit.transitions", "Circuit breaker state transitions"),
		Backpressure:     counter("opqueue.queue.backpressure", "Enqueues rejected at capacity"),
		BatchCompleted:   counter("opqueue.batch.completed", "Batches that completed"),
		BatchFailed:      counter("opqueue.batch.failed", "Batches that failed or partially failed"),
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func itemAttrs(it *item.Item) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("resource", string(it.Resource)),
		attribute.String("operation", string(it.Operation)),
	)
}

// ── Item lifecycle hooks ────────────────────────────

// OnItemAdded implements ext.ItemAdded.
func (m *MetricsExtension) OnItemAdded(ctx context.Context, it *item.Item) error {
	m.ItemAdded.Add(ctx, 1, itemAttrs(it))
	return nil
}

// OnItemCompleted implements ext.ItemCompleted.
func (m *MetricsExtension) OnItemCompleted(ctx context.Context, it *item.Item, elapsed time.Duration) error {
	m.ItemCompleted.Add(ctx, 1, itemAttrs(it))
	m.ItemDuration.Record(ctx, elapsed.Seconds(), itemAttrs(it))
	return nil
}

// OnItemFailed implements ext.ItemFailed.
func (m *MetricsExtension) OnItemFailed(ctx context.Context, it *item.Item, _ error) error {
	m.ItemFailed.Add(ctx, 1, itemAttrs(it))
	return nil
}

// OnItemRetrying implements ext.ItemRetrying.
func (m *MetricsExtension) OnItemRetrying(ctx context.Context, it *item.Item, _ int, _ time.Time) error {
	m.ItemRetried.Add(ctx, 1, itemAttrs(it))
	return nil
}

// OnItemDead implements ext.ItemDead.
func (m *MetricsExtension) OnItemDead(ctx context.Context, it *item.Item, _ error) error {
	m.ItemDead.Add(ctx, 1, itemAttrs(it))
	return nil
}

// OnRetriesExhausted implements ext.RetriesExhausted.
func (m *MetricsExtension) OnRetriesExhausted(ctx context.Context, it *item.Item, _ error) error {
	m.RetriesExhausted.Add(ctx, 1, itemAttrs(it))
	return nil
}

// ── Queue and circuit hooks ─────────────────────────

// OnCircuitChanged implements ext.CircuitChanged.
func (m *MetricsExtension) OnCircuitChanged(ctx context.Context, t retry.Transition) error {
	m.CircuitChanges.Add(ctx, 1, metric.WithAttributes(
		attribute.String("resource", string(t.Resource)),
		attribute.String("to", string(t.To)),
	))
	return nil
}

// OnBackpressure implements ext.Backpressure.
func (m *MetricsExtension) OnBackpressure(ctx context.Context, _, _ int) error {
	m.Backpressure.Add(ctx, 1)
	return nil
}

// ── Batch hooks ─────────────────────────────────────

// OnBatchCompleted implements ext.BatchCompleted.
func (m *MetricsExtension) OnBatchCompleted(ctx context.Context, b *batch.Batch, _ time.Duration) error {
	m.BatchCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("strategy", b.Strategy)))
	return nil
}

// OnBatchFailed implements ext.BatchFailed.
func (m *MetricsExtension) OnBatchFailed(ctx context.Context, b *batch.Batch, _ error) error {
	m.BatchFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("strategy", b.Strategy),
		attribute.String("status", string(b.Status)),
	))
	return nil
}
