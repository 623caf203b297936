package limiter

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/a-cube-io/opqueue/item"
)

// Config defines per-resource rate limiting and concurrency.
type Config struct {
	// Resource is the resource these limits apply to.
	Resource item.Resource

	// MaxConcurrency limits how many items of this resource may be in
	// flight at once. Zero means no resource-specific limit.
	MaxConcurrency int

	// RateLimit is the maximum sustained processor calls per second.
	// Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the token-bucket burst size. Defaults to 1 if
	// RateLimit is set but RateBurst is zero.
	RateBurst int
}

// gate is the runtime state for one limited key.
type gate struct {
	limiter        *rate.Limiter
	maxConcurrency int
	active         int
}

func newGate(limit float64, burst, maxConcurrency int) *gate {
	g := &gate{maxConcurrency: maxConcurrency}
	if limit > 0 {
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(limit), burst)
	}
	return g
}

// full reports whether the concurrency cap is reached.
func (g *gate) full() bool {
	return g.maxConcurrency > 0 && g.active >= g.maxConcurrency
}

// Manager controls per-resource and per-operation limits.
// It is safe for concurrent use.
type Manager struct {
	mu         sync.Mutex
	resources  map[item.Resource]*gate
	operations map[opKey]*gate
}

// NewManager creates a Manager with the given resource configurations.
func NewManager(configs ...Config) *Manager {
	m := &Manager{
		resources:  make(map[item.Resource]*gate, len(configs)),
		operations: make(map[opKey]*gate),
	}
	for _, cfg := range configs {
		m.resources[cfg.Resource] = newGate(cfg.RateLimit, cfg.RateBurst, cfg.MaxConcurrency)
	}
	return m
}

// Acquire checks concurrency and rate limits for the resource and
// operation. If the call may proceed it increments the active counters
// and returns true. The caller MUST call Release afterwards.
//
// Concurrency caps are checked before any token is taken, so a call
// rejected for concurrency does not consume rate budget.
func (m *Manager) Acquire(r item.Resource, op item.Operation) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	rg := m.resources[r]
	og := m.operations[opKey{r, op}]

	if (rg != nil && rg.full()) || (og != nil && og.full()) {
		return false
	}
	if rg != nil && rg.limiter != nil && !rg.limiter.Allow() {
		return false
	}
	if og != nil && og.limiter != nil && !og.limiter.Allow() {
		return false
	}

	if rg != nil {
		rg.active++
	}
	if og != nil {
		og.active++
	}
	return true
}

// Release decrements the active counts for the resource and operation.
func (m *Manager) Release(r item.Resource, op item.Operation) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rg := m.resources[r]; rg != nil && rg.active > 0 {
		rg.active--
	}
	if og := m.operations[opKey{r, op}]; og != nil && og.active > 0 {
		og.active--
	}
}

// SetConfig dynamically updates (or creates) a resource configuration.
// The active count is preserved.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g := newGate(cfg.RateLimit, cfg.RateBurst, cfg.MaxConcurrency)
	if existing := m.resources[cfg.Resource]; existing != nil {
		g.active = existing.active
	}
	m.resources[cfg.Resource] = g
}

// ActiveCount returns the number of in-flight calls for a resource.
// Unconfigured resources always report zero.
func (m *Manager) ActiveCount(r item.Resource) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g := m.resources[r]; g != nil {
		return g.active
	}
	return 0
}
