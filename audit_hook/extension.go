package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/a-cube-io/opqueue/batch"
	"github.com/a-cube-io/opqueue/ext"
	"github.com/a-cube-io/opqueue/item"
	"github.com/a-cube-io/opqueue/retry"
)

// Compile-time interface checks.
var (
	_ ext.Extension        = (*Extension)(nil)
	_ ext.ItemAdded        = (*Extension)(nil)
	_ ext.ItemCompleted    = (*Extension)(nil)
	_ ext.ItemFailed       = (*Extension)(nil)
	_ ext.ItemRetrying     = (*Extension)(nil)
	_ ext.ItemDead         = (*Extension)(nil)
	_ ext.RetriesExhausted = (*Extension)(nil)
	_ ext.CircuitChanged   = (*Extension)(nil)
	_ ext.QueuePaused      = (*Extension)(nil)
	_ ext.QueueResumed     = (*Extension)(nil)
	_ ext.Backpressure     = (*Extension)(nil)
	_ ext.BatchCompleted   = (*Extension)(nil)
	_ ext.BatchFailed      = (*Extension)(nil)
)

// Recorder persists audit events.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is one audit record.
type AuditEvent struct {
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc adapts a plain function to Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Severity levels.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Extension records queue lifecycle events through a [Recorder].
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through r.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit-hook" }

// ── Item lifecycle hooks ────────────────────────────

// OnItemAdded implements ext.ItemAdded.
func (e *Extension) OnItemAdded(ctx context.Context, it *item.Item) error {
	return e.recordItem(ctx, ActionItemAdded, SeverityInfo, OutcomeSuccess, it, nil,
		"priority", string(it.Priority),
	)
}

// OnItemCompleted implements ext.ItemCompleted.
func (e *Extension) OnItemCompleted(ctx context.Context, it *item.Item, elapsed time.Duration) error {
	return e.recordItem(ctx, ActionItemCompleted, SeverityInfo, OutcomeSuccess, it, nil,
		"elapsed_ms", elapsed.Milliseconds(),
		"retry_count", it.RetryCount,
	)
}

// OnItemFailed implements ext.ItemFailed.
func (e *Extension) OnItemFailed(ctx context.Context, it *item.Item, itemErr error) error {
	return e.recordItem(ctx, ActionItemFailed, SeverityWarning, OutcomeFailure, it, itemErr,
		"retry_count", it.RetryCount,
		"max_retries", it.MaxRetries,
	)
}

// OnItemRetrying implements ext.ItemRetrying.
func (e *Extension) OnItemRetrying(ctx context.Context, it *item.Item, attempt int, nextRunAt time.Time) error {
	return e.recordItem(ctx, ActionItemRetrying, SeverityWarning, OutcomeFailure, it, nil,
		"attempt", attempt,
		"next_run_at", nextRunAt.Format(time.RFC3339),
	)
}

// OnItemDead implements ext.ItemDead.
func (e *Extension) OnItemDead(ctx context.Context, it *item.Item, itemErr error) error {
	return e.recordItem(ctx, ActionItemDead, SeverityCritical, OutcomeFailure, it, itemErr,
		"retry_count", it.RetryCount,
	)
}

// OnRetriesExhausted implements ext.RetriesExhausted.
func (e *Extension) OnRetriesExhausted(ctx context.Context, it *item.Item, itemErr error) error {
	return e.recordItem(ctx, ActionRetriesExhausted, SeverityCritical, OutcomeFailure, it, itemErr,
		"retry_count", it.RetryCount,
		"max_retries", it.MaxRetries,
	)
}

// ── Circuit and queue hooks ─────────────────────────

// OnCircuitChanged implements ext.CircuitChanged.
func (e *Extension) OnCircuitChanged(ctx context.Context, t retry.Transition) error {
	action, severity, outcome := ActionCircuitClosed, SeverityInfo, OutcomeSuccess
	switch t.To {
	case retry.CircuitOpen:
		action, severity, outcome = ActionCircuitOpened, SeverityWarning, OutcomeFailure
	case retry.CircuitHalfOpen:
		action = ActionCircuitHalfOpen
	}
	return e.record(ctx, action, severity, outcome,
		ResourceCircuit, string(t.Resource), CategoryCircuit, nil,
		"from", string(t.From),
		"to", string(t.To),
		"reason", t.Reason,
	)
}

// OnQueuePaused implements ext.QueuePaused.
func (e *Extension) OnQueuePaused(ctx context.Context) error {
	return e.record(ctx, ActionQueuePaused, SeverityInfo, OutcomeSuccess,
		ResourceQueue, "", CategoryQueue, nil)
}

// OnQueueResumed implements ext.QueueResumed.
func (e *Extension) OnQueueResumed(ctx context.Context) error {
	return e.record(ctx, ActionQueueResumed, SeverityInfo, OutcomeSuccess,
		ResourceQueue, "", CategoryQueue, nil)
}

// OnBackpressure implements ext.Backpressure.
func (e *Extension) OnBackpressure(ctx context.Context, size, maxSize int) error {
	return e.record(ctx, ActionBackpressure, SeverityWarning, OutcomeFailure,
		ResourceQueue, "", CategoryQueue, nil,
		"size", size,
		"max_size", maxSize,
	)
}

// ── Batch hooks ─────────────────────────────────────

// OnBatchCompleted implements ext.BatchCompleted.
func (e *Extension) OnBatchCompleted(ctx context.Context, b *batch.Batch, elapsed time.Duration) error {
	return e.record(ctx, ActionBatchCompleted, SeverityInfo, OutcomeSuccess,
		ResourceBatch, b.ID.String(), CategoryBatch, nil,
		"items", len(b.Items),
		"resource", string(b.Resource),
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnBatchFailed implements ext.BatchFailed.
func (e *Extension) OnBatchFailed(ctx context.Context, b *batch.Batch, batchErr error) error {
	return e.record(ctx, ActionBatchFailed, SeverityCritical, OutcomeFailure,
		ResourceBatch, b.ID.String(), CategoryBatch, batchErr,
		"items", len(b.Items),
		"resource", string(b.Resource),
	)
}

// ── Internal helpers ────────────────────────────────

func (e *Extension) recordItem(
	ctx context.Context,
	action, severity, outcome string,
	it *item.Item,
	err error,
	kvPairs ...any,
) error {
	kvPairs = append(kvPairs,
		"resource", string(it.Resource),
		"operation", string(it.Operation),
	)
	return e.record(ctx, action, severity, outcome,
		ResourceItem, it.ID.String(), CategoryItem, err, kvPairs...)
}

// record builds and sends an audit event if the action is enabled.
// kvPairs are added to Metadata. Recorder failures are logged and never
// returned, so auditing cannot stall the queue.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			slog.String("action", action),
			slog.String("resource_id", resourceID),
			slog.String("error", recErr.Error()),
		)
	}
	return nil
}
