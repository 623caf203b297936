package retry

import (
	"sync"
	"time"

	"github.com/a-cube-io/opqueue/item"
)

// CircuitState is the state of one resource's breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

// BreakerConfig configures the per-resource breakers.
type BreakerConfig struct {
	// Threshold is the number of consecutive failures that opens the circuit.
	Threshold int
	// Timeout is how long an open circuit waits before allowing a probe.
	Timeout time.Duration
	// MonitoringWindow bounds how far apart consecutive failures may be.
	// A failure older than the window starts a new run. Zero disables it.
	MonitoringWindow time.Duration
}

// Transition describes a breaker state change.
type Transition struct {
	Resource item.Resource
	From     CircuitState
	To       CircuitState
	Reason   string
	At       time.Time
}

// CircuitSnapshot is a read-only view of one breaker.
type CircuitSnapshot struct {
	Resource            item.Resource `json:"resource"`
	State               CircuitState  `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastFailure         time.Time     `json:"last_failure,omitzero"`
	OpenedAt            time.Time     `json:"opened_at,omitzero"`
	NextAttempt         time.Time     `json:"next_attempt,omitzero"`
}

type breaker struct {
	state       CircuitState
	failures    int
	lastFailure time.Time
	openedAt    time.Time
	probing     bool
}

// Breakers holds one circuit breaker per resource. Breakers are created
// lazily in the closed state. It is safe for concurrent use.
type Breakers struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	now      func() time.Time
	byRes    map[item.Resource]*breaker
	onChange func(Transition)
}

// NewBreakers creates a breaker set. onChange, if non-nil, is called for
// every state transition after the internal lock is released.
func NewBreakers(cfg BreakerConfig, onChange func(Transition)) *Breakers {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	return &Breakers{
		cfg:      cfg,
		now:      time.Now,
		byRes:    make(map[item.Resource]*breaker),
		onChange: onChange,
	}
}

// SetClock overrides the time source.
func (b *Breakers) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

func (b *Breakers) get(r item.Resource) *breaker {
	br, ok := b.byRes[r]
	if !ok {
		br = &breaker{state: CircuitClosed}
		b.byRes[r] = br
	}
	return br
}

// move changes state and returns the transition to report.
func (b *Breakers) move(r item.Resource, br *breaker, to CircuitState, reason string, now time.Time) *Transition {
	if br.state == to {
		return nil
	}
	t := &Transition{Resource: r, From: br.state, To: to, Reason: reason, At: now}
	br.state = to
	return t
}

func (b *Breakers) emit(t *Transition) {
	if t != nil && b.onChange != nil {
		b.onChange(*t)
	}
}

// Allow reports whether an item for r may be dispatched. An open breaker
// whose timeout has elapsed moves to half-open and admits exactly one
// probe. Every admitted call must be followed by RecordSuccess,
// RecordFailure or Release.
func (b *Breakers) Allow(r item.Resource) bool {
	b.mu.Lock()
	now := b.now()
	br := b.get(r)

	var t *Transition
	allowed := false
	switch br.state {
	case CircuitClosed:
		allowed = true
	case CircuitOpen:
		if now.Sub(br.openedAt) >= b.cfg.Timeout {
			t = b.move(r, br, CircuitHalfOpen, "timeout elapsed", now)
			br.probing = true
			allowed = true
		}
	case CircuitHalfOpen:
		if !br.probing {
			br.probing = true
			allowed = true
		}
	}
	b.mu.Unlock()

	b.emit(t)
	return allowed
}

// IsOpen reports whether r is currently rejecting work. Unlike Allow it
// never changes state.
func (b *Breakers) IsOpen(r item.Resource) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	br, ok := b.byRes[r]
	if !ok {
		return false
	}
	switch br.state {
	case CircuitOpen:
		return b.now().Sub(br.openedAt) < b.cfg.Timeout
	case CircuitHalfOpen:
		return br.probing
	}
	return false
}

// Release gives back an admission that was never used.
func (b *Breakers) Release(r item.Resource) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if br, ok := b.byRes[r]; ok && br.state == CircuitHalfOpen {
		br.probing = false
	}
}

// RecordSuccess closes a half-open breaker and clears the failure run.
func (b *Breakers) RecordSuccess(r item.Resource) {
	b.mu.Lock()
	now := b.now()
	br := b.get(r)
	br.failures = 0
	br.probing = false
	var t *Transition
	if br.state == CircuitHalfOpen {
		t = b.move(r, br, CircuitClosed, "probe succeeded", now)
	}
	b.mu.Unlock()
	b.emit(t)
}

// RecordFailure counts a failure for r. A closed breaker opens once the
// threshold is reached; a half-open breaker re-opens immediately.
func (b *Breakers) RecordFailure(r item.Resource, reason string) {
	b.mu.Lock()
	now := b.now()
	br := b.get(r)

	if b.cfg.MonitoringWindow > 0 && !br.lastFailure.IsZero() && now.Sub(br.lastFailure) > b.cfg.MonitoringWindow {
		br.failures = 0
	}
	br.failures++
	br.lastFailure = now

	var t *Transition
	switch br.state {
	case CircuitHalfOpen:
		br.probing = false
		br.openedAt = now
		t = b.move(r, br, CircuitOpen, reason, now)
	case CircuitClosed:
		if br.failures >= b.cfg.Threshold {
			br.openedAt = now
			t = b.move(r, br, CircuitOpen, reason, now)
		}
	}
	b.mu.Unlock()
	b.emit(t)
}

// State returns the state of r's breaker. An open breaker past its
// timeout still reports open until the next Allow.
func (b *Breakers) State(r item.Resource) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if br, ok := b.byRes[r]; ok {
		return br.state
	}
	return CircuitClosed
}

// States returns a snapshot of every known breaker.
func (b *Breakers) States() []CircuitSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]CircuitSnapshot, 0, len(b.byRes))
	for _, r := range item.Resources {
		br, ok := b.byRes[r]
		if !ok {
			continue
		}
		s := CircuitSnapshot{
			Resource:            r,
			State:               br.state,
			ConsecutiveFailures: br.failures,
			LastFailure:         br.lastFailure,
		}
		if br.state == CircuitOpen {
			s.OpenedAt = br.openedAt
			s.NextAttempt = br.openedAt.Add(b.cfg.Timeout)
		}
		out = append(out, s)
	}
	return out
}

// Reset forces r's breaker closed.
func (b *Breakers) Reset(r item.Resource) {
	b.mu.Lock()
	now := b.now()
	br := b.get(r)
	br.failures = 0
	br.probing = false
	br.openedAt = time.Time{}
	t := b.move(r, br, CircuitClosed, "reset", now)
	b.mu.Unlock()
	b.emit(t)
}
