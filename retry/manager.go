package retry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/a-cube-io/opqueue/backoff"
	"github.com/a-cube-io/opqueue/item"
)

// ReadyFunc is called when an item's retry delay has elapsed.
type ReadyFunc func(it *item.Item)

// Scheduled describes an armed retry.
type Scheduled struct {
	ItemID   string        `json:"item_id"`
	Resource item.Resource `json:"resource"`
	Attempt  int           `json:"attempt"`
	Delay    time.Duration `json:"delay"`
	DueAt    time.Time     `json:"due_at"`
}

type pending struct {
	timer *time.Timer
	info  Scheduled
}

// Manager arms one timer per scheduled retry. It is safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	params   backoff.Params
	custom   backoff.Strategy
	breakers *Breakers
	onReady  ReadyFunc
	logger   *slog.Logger
	timers   map[string]*pending
	stopped  bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithBreakers gates retries on the resource's circuit.
func WithBreakers(b *Breakers) ManagerOption {
	return func(m *Manager) { m.breakers = b }
}

// WithCustomStrategy sets the strategy used by items with the custom
// retry strategy.
func WithCustomStrategy(s backoff.Strategy) ManagerOption {
	return func(m *Manager) { m.custom = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a retry manager. onReady is called from the timer
// goroutine when a retry is due.
func NewManager(params backoff.Params, onReady ReadyFunc, opts ...ManagerOption) *Manager {
	m := &Manager{
		params:  params,
		onReady: onReady,
		logger:  slog.Default(),
		timers:  make(map[string]*pending),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Delay returns the backoff delay for the item's next attempt. The jitter
// stretch is keyed on the item ID, so one item's delays never shrink.
func (m *Manager) Delay(it *item.Item) time.Duration {
	p := m.params
	p.Seed = xxhash.Sum64String(it.ID.String())
	return backoff.For(it.RetryStrategy, p, m.custom).Delay(it.RetryCount + 1)
}

// ScheduleRetry arms a retry for it. It returns false when the item's
// retry budget is spent, the resource's circuit is open, or the manager
// is stopped.
func (m *Manager) ScheduleRetry(it *item.Item) (Scheduled, bool) {
	if it.RetryCount >= it.MaxRetries {
		return Scheduled{}, false
	}
	if m.breakers != nil && m.breakers.IsOpen(it.Resource) {
		return Scheduled{}, false
	}

	delay := m.Delay(it)
	key := it.ID.String()
	info := Scheduled{
		ItemID:   key,
		Resource: it.Resource,
		Attempt:  it.RetryCount + 1,
		Delay:    delay,
		DueAt:    time.Now().Add(delay),
	}
	snapshot := it.Clone()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return Scheduled{}, false
	}
	if old, ok := m.timers[key]; ok {
		old.timer.Stop()
	}
	p := &pending{info: info}
	p.timer = time.AfterFunc(delay, func() { m.fire(key, p, snapshot) })
	m.timers[key] = p

	m.logger.Debug("retry scheduled",
		slog.String("item_id", key),
		slog.String("resource", string(it.Resource)),
		slog.Int("attempt", info.Attempt),
		slog.Duration("delay", delay),
	)
	return info, true
}

func (m *Manager) fire(key string, p *pending, it *item.Item) {
	m.mu.Lock()
	if cur, ok := m.timers[key]; !ok || cur != p || m.stopped {
		m.mu.Unlock()
		return
	}
	delete(m.timers, key)
	m.mu.Unlock()

	if m.onReady != nil {
		m.onReady(it)
	}
}

// Cancel stops a pending retry. It returns false if none was armed.
func (m *Manager) Cancel(itemID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.timers[itemID]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(m.timers, itemID)
	return true
}

// Pending returns the armed retries.
func (m *Manager) Pending() []Scheduled {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Scheduled, 0, len(m.timers))
	for _, p := range m.timers {
		out = append(out, p.info)
	}
	return out
}

// Stop cancels every pending retry and refuses new ones.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	for key, p := range m.timers {
		p.timer.Stop()
		delete(m.timers, key)
	}
}
