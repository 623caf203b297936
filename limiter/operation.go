package limiter

import "github.com/a-cube-io/opqueue/item"

// OperationConfig defines limits for one operation on one resource.
// They apply on top of the resource-level Config.
type OperationConfig struct {
	Resource  item.Resource
	Operation item.Operation

	// RateLimit is the sustained calls per second for this operation.
	RateLimit float64

	// RateBurst is the burst size for the operation's rate limiter.
	RateBurst int

	// MaxConcurrency limits simultaneous calls for this operation.
	// Zero means no operation-specific concurrency limit.
	MaxConcurrency int
}

type opKey struct {
	resource  item.Resource
	operation item.Operation
}

// SetOperationConfig configures limits for one resource+operation pair.
// Calling it again for the same pair replaces the previous limits and
// keeps the active count.
func (m *Manager) SetOperationConfig(cfg OperationConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := opKey{cfg.Resource, cfg.Operation}
	g := newGate(cfg.RateLimit, cfg.RateBurst, cfg.MaxConcurrency)
	if existing := m.operations[key]; existing != nil {
		g.active = existing.active
	}
	m.operations[key] = g
}

// OperationActiveCount returns the in-flight calls for a resource+operation
// pair with an OperationConfig.
func (m *Manager) OperationActiveCount(r item.Resource, op item.Operation) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g := m.operations[opKey{r, op}]; g != nil {
		return g.active
	}
	return 0
}
