// Package limiter enforces per-resource and per-operation rate limits and
// concurrency caps at dispatch time.
//
// Each [Config] names a resource and sets a token-bucket rate
// (golang.org/x/time/rate) and an active-count gate:
//
//	limiter.Config{
//	    Resource:       item.ResourceReceipts,
//	    MaxConcurrency: 5,  // at most 5 receipt calls in flight
//	    RateLimit:      10, // at most 10 calls/s
//	    RateBurst:      20,
//	}
//
// [OperationConfig] narrows limits further to one operation on a
// resource, e.g. throttling deletes while creates flow freely.
//
//	m := limiter.NewManager(configs...)
//	if m.Acquire(it.Resource, it.Operation) {
//	    defer m.Release(it.Resource, it.Operation)
//	    // call the processor
//	}
//
// Resources without a Config have no limits beyond the engine-wide
// concurrency. An item whose Acquire fails stays pending and is picked
// up on a later processing pass.
package limiter
