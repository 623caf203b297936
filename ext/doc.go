// Package ext defines the extension system for the queue engine.
//
// Extensions are notified of lifecycle events and can react to them by
// recording metrics, streaming events to clients or writing audit logs.
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	// Opt in to specific hooks by implementing their interfaces.
//	func (e *MyExtension) OnItemCompleted(ctx context.Context, it *item.Item, elapsed time.Duration) error {
//	    log.Printf("item %s completed in %s", it.ID, elapsed)
//	    return nil
//	}
//
// # Item Lifecycle Hooks
//
//   - [ItemAdded]: item was accepted into the queue
//   - [ItemProcessing]: a processor began executing the item
//   - [ItemCompleted]: the processor succeeded
//   - [ItemFailed]: an attempt failed
//   - [ItemRetrying]: a failed item was scheduled for another attempt
//   - [ItemDead]: the item was moved to the dead-letter queue
//   - [RetriesExhausted]: the item used up its retry budget
//
// # Queue and Circuit Hooks
//
//   - [CircuitChanged]: a resource's breaker changed state
//   - [Backpressure]: an enqueue was rejected at capacity
//   - [QueuePaused], [QueueResumed], [QueueDrained]
//
// # Batch Hooks
//
//   - [BatchCreated], [BatchCompleted], [BatchFailed]
//
// # Other Hooks
//
//   - [Shutdown]: the engine is being destroyed
//
// The [Registry] fans out each event to all registered extensions that
// implement the corresponding hook interface.
package ext
