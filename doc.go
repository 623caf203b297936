// Package opqueue provides an offline-resilient operation queue engine for
// Go. It buffers state-changing operations (create, update, delete) against
// remote resources, dispatches them in priority order when the network is
// available, retries failures with backoff behind per-resource circuit
// breakers, and reports on queue health.
//
// The engine is a library, not a service. Build one with engine.New,
// register processors as ordinary Go functions, and enqueue operations.
//
// # Quick Start
//
//	cfg, err := opqueue.NewConfig(
//	    opqueue.WithMaxRetries(5),
//	    opqueue.WithMaxConcurrentProcessing(4),
//	)
//	eng, err := engine.New(cfg, engine.WithLogger(logger))
//	err = eng.Start(ctx)
//	eng.RegisterProcessor(item.ResourceReceipts, item.OperationCreate, createReceipt)
//	itemID, err := eng.Enqueue(ctx, item.OperationCreate, item.ResourceReceipts, payload)
//
// # Architecture
//
// The root package holds configuration and the error taxonomy. Subsystems
// live in their own packages: store (priority store), retry (backoff and
// circuit breakers), batch (grouping), analytics (insights), stream
// (events), dlq (dead letters) and persist (snapshot backends). The engine
// package wires them together. The api package serves an admin HTTP API
// and a WebSocket event feed over an engine, and client consumes that
// feed from another process. cmd/opqueue runs the whole thing as a
// standalone server configured from the environment.
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package opqueue
