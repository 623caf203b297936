package audithook

// Audit event actions. Each constant becomes the Action field of the
// recorded event.
const (
	ActionItemAdded        = "item.added"
	ActionItemCompleted    = "item.completed"
	ActionItemFailed       = "item.failed"
	ActionItemRetrying     = "item.retrying"
	ActionItemDead         = "item.dead"
	ActionRetriesExhausted = "item.retries_exhausted"
	ActionCircuitOpened    = "circuit.opened"
	ActionCircuitHalfOpen  = "circuit.half_open"
	ActionCircuitClosed    = "circuit.closed"
	ActionQueuePaused      = "queue.paused"
	ActionQueueResumed     = "queue.resumed"
	ActionBackpressure     = "queue.backpressure"
	ActionBatchCompleted   = "batch.completed"
	ActionBatchFailed      = "batch.failed"
)

// Audit event categories group related actions.
const (
	CategoryItem    = "opqueue.item"
	CategoryCircuit = "opqueue.circuit"
	CategoryQueue   = "opqueue.queue"
	CategoryBatch   = "opqueue.batch"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceItem    = "queue_item"
	ResourceCircuit = "circuit"
	ResourceQueue   = "queue"
	ResourceBatch   = "batch"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionItemAdded,
		ActionItemCompleted,
		ActionItemFailed,
		ActionItemRetrying,
		ActionItemDead,
		ActionRetriesExhausted,
		ActionCircuitOpened,
		ActionCircuitHalfOpen,
		ActionCircuitClosed,
		ActionQueuePaused,
		ActionQueueResumed,
		ActionBackpressure,
		ActionBatchCompleted,
		ActionBatchFailed,
	}
}
