package observability_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/a-cube-io/opqueue/batch"
	"github.com/a-cube-io/opqueue/ext"
	"github.com/a-cube-io/opqueue/id"
	"github.com/a-cube-io/opqueue/item"
	"github.com/a-cube-io/opqueue/observability"
	"github.com/a-cube-io/opqueue/retry"
)

func newTestExtension() (*observability.MetricsExtension, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return observability.NewMetricsExtensionWithMeter(mp.Meter("test")), reader
}

func newTestItem() *item.Item {
	return &item.Item{
		ID:        id.NewItemID(),
		Priority:  item.PriorityNormal,
		Operation: item.OperationCreate,
		Resource:  item.ResourceReceipts,
	}
}

func newTestBatch() *batch.Batch {
	return &batch.Batch{ID: id.NewBatchID(), Strategy: "resource", Status: batch.StatusPartial}
}

// counterValues sums every Sum[int64] data point by metric name.
func counterValues(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				out[m.Name] += dp.Value
			}
		}
	}
	return out
}

func TestMetricsExtension_Name(t *testing.T) {
	e, _ := newTestExtension()
	if e.Name() != "observability-metrics" {
		t.Errorf("expected name %q, got %q", "observability-metrics", e.Name())
	}
}

func TestMetricsExtension_Hooks(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	tests := []struct {
		name   string
		metric string
		call   func(e *observability.MetricsExtension) error
	}{
		{"added", "opqueue.item.added", func(e *observability.MetricsExtension) error {
			return e.OnItemAdded(ctx, newTestItem())
		}},
		{"completed", "opqueue.item.completed", func(e *observability.MetricsExtension) error {
			return e.OnItemCompleted(ctx, newTestItem(), 100*time.Millisecond)
		}},
		{"failed", "opqueue.item.failed", func(e *observability.MetricsExtension) error {
			return e.OnItemFailed(ctx, newTestItem(), boom)
		}},
		{"retrying", "opqueue.item.retried", func(e *observability.MetricsExtension) error {
			return e.OnItemRetrying(ctx, newTestItem(), 1, time.Now().Add(time.Minute))
		}},
		{"dead", "opqueue.item.dead", func(e *observability.MetricsExtension) error {
			return e.OnItemDead(ctx, newTestItem(), boom)
		}},
		{"exhausted", "opqueue.item.retries_exhausted", func(e *observability.MetricsExtension) error {
			return e.OnRetriesExhausted(ctx, newTestItem(), boom)
		}},
		{"circuit", "opqueue.circuit.transitions", func(e *observability.MetricsExtension) error {
			return e.OnCircuitChanged(ctx, retry.Transition{Resource: item.ResourceReceipts, To: retry.CircuitOpen})
		}},
		{"backpressure", "opqueue.queue.backpressure", func(e *observability.MetricsExtension) error {
			return e.OnBackpressure(ctx, 10, 10)
		}},
		{"batch completed", "opqueue.batch.completed", func(e *observability.MetricsExtension) error {
			return e.OnBatchCompleted(ctx, newTestBatch(), time.Second)
		}},
		{"batch failed", "opqueue.batch.failed", func(e *observability.MetricsExtension) error {
			return e.OnBatchFailed(ctx, newTestBatch(), boom)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, reader := newTestExtension()
			if err := tt.call(e); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got := counterValues(t, reader)
			if got[tt.metric] != 1 {
				t.Errorf("%s: want 1, got %d", tt.metric, got[tt.metric])
			}
		})
	}
}

func TestMetricsExtension_ViaRegistry(t *testing.T) {
	e, reader := newTestExtension()

	reg := ext.NewRegistry(slog.Default())
	reg.Register(e)

	ctx := context.Background()
	it := newTestItem()

	reg.EmitItemAdded(ctx, it)
	reg.EmitItemCompleted(ctx, it, 50*time.Millisecond)
	reg.EmitItemFailed(ctx, it, errors.New("fail"))
	reg.EmitItemRetrying(ctx, it, 1, time.Now())
	reg.EmitItemDead(ctx, it, errors.New("dead"))
	reg.EmitRetriesExhausted(ctx, it, errors.New("dead"))
	reg.EmitBackpressure(ctx, 5, 5)

	got := counterValues(t, reader)
	for _, name := range []string{
		"opqueue.item.added",
		"opqueue.item.completed",
		"opqueue.item.failed",
		"opqueue.item.retried",
		"opqueue.item.dead",
		"opqueue.item.retries_exhausted",
		"opqueue.queue.backpressure",
	} {
		if got[name] != 1 {
			t.Errorf("%s: want 1, got %d", name, got[name])
		}
	}
}

func TestMetricsExtension_DefaultNoopSafe(t *testing.T) {
	e := observability.NewMetricsExtension()
	if err := e.OnItemAdded(context.Background(), newTestItem()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
