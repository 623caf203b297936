// Package dlq provides the dead letter queue for items that have exhausted
// their retry budget. It supports inspection, replay, and purging.
//
// When an item fails and its retries are used up, the engine calls
// [Service.Push] to copy it into the DLQ. The original payload, final
// error, error code and retry counts are preserved for debugging.
//
// # Entry
//
// An [Entry] captures:
//   - ItemID / Resource / Operation / Priority: original item identity
//   - Payload: the raw payload at time of failure
//   - Error / Code: the final error and its classification
//   - RetryCount / MaxRetries: exhausted retry budget
//   - FailedAt: when the terminal failure occurred
//   - ReplayedAt: set when the entry is replayed (nil if not yet replayed)
//
// # Service
//
//	svc := dlq.NewService(store, engine.Requeue)
//
//	svc.Push(ctx, deadItem, err)
//	svc.List(ctx, dlq.ListOpts{Resource: item.ResourceReceipts, Limit: 50})
//	svc.Purge(ctx, 7*24*time.Hour)
//
// # Replay
//
// Replaying an entry re-enqueues the original operation as a fresh
// pending item with a new ID and zero retry count, and sets ReplayedAt
// on the entry.
package dlq
