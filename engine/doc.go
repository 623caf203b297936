// Package engine wires all queue subsystems together and provides the
// application-level API for registering processors, enqueuing operations
// and observing the queue.
//
// The engine package sits above every subsystem package (store, retry,
// batch, analytics, stream, dlq, worker) and below the application
// layer, so the root opqueue package never imports them back.
//
// # Building an Engine
//
//	cfg, err := opqueue.NewConfig(
//	    opqueue.WithMaxRetries(5),
//	    opqueue.WithCircuitBreaker(5, time.Minute),
//	)
//
//	eng, err := engine.New(cfg,
//	    engine.WithLogger(logger),
//	    engine.WithPersistence(redisstore.New(client)),
//	    engine.WithLimits(limiter.Config{Resource: item.ResourceReceipts, RateLimit: 10}),
//	)
//	defer eng.Destroy(ctx)
//
// # Registering Processors
//
//	eng.RegisterProcessor(item.ResourceReceipts, item.OperationCreate, createReceipt)
//
//	// Typed payloads
//	engine.Register(eng, item.ResourceMerchants, item.OperationUpdate,
//	    func(ctx context.Context, it *item.Item, m Merchant) (any, error) { ... })
//
// # Enqueuing Operations
//
//	itemID, err := eng.Enqueue(ctx, item.OperationCreate, item.ResourceReceipts, payload,
//	    item.WithPriority(item.PriorityHigh),
//	)
//	itemID, err = engine.EnqueueJSON(ctx, eng, item.OperationDelete, item.ResourceCashiers, ref)
//
// # Processing
//
// Start restores the persisted snapshot and, with AutoProcessing, runs a
// pass every ProcessingInterval. ProcessNext and ProcessAll run passes on
// demand; only one pass runs at a time.
//
// # Options
//
//   - [WithLogger]: set the structured logger
//   - [WithExtension]: register a lifecycle extension
//   - [WithMiddleware]: add a middleware to the processor chain
//   - [WithPersistence]: save snapshots through a persistence adapter
//   - [WithDLQStore]: keep dead letters in a specific store
//   - [WithLimits], [WithOperationLimits]: per-resource rate and concurrency limits
//   - [WithCustomBackoff]: the strategy for items using the custom retry strategy
//   - [WithTracerProvider], [WithMeterProvider]: OpenTelemetry providers
package engine
