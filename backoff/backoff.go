// Package backoff provides retry delay strategies for queue items.
// All strategies are safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/a-cube-io/opqueue/item"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// StrategyFunc adapts a plain function to Strategy.
type StrategyFunc func(attempt int) time.Duration

// Delay calls f(attempt).
func (f StrategyFunc) Delay(attempt int) time.Duration { return f(attempt) }

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always returns the same delay regardless of attempt number.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential multiplies the delay by Factor each attempt.
// Delay = min(Base * Factor^(attempt-1), Max).
// A Factor of 1 yields a flat delay; values below 1 are treated as 1.
type Exponential struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(base time.Duration, factor float64, maxDelay time.Duration) *Exponential {
	return &Exponential{Base: base, Factor: factor, Max: maxDelay}
}

// Delay returns Base * Factor^(attempt-1), capped at Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := e.Factor
	if factor < 1 {
		factor = 1
	}
	d := float64(e.Base) * math.Pow(factor, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		return e.Max
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// ──────────────────────────────────────────────────
// Jitter
// ──────────────────────────────────────────────────

// Jitter stretches another strategy's delays by a fixed random share of
// up to Fraction, so that items failing together do not all come back at
// the same time. The share is drawn once per Jitter, which keeps the
// delays of one item non-decreasing whenever the wrapped strategy's are.
// The result never exceeds Max when Max is set.
type Jitter struct {
	Strategy Strategy
	Fraction float64
	Max      time.Duration

	// Share is the applied stretch, in [0, Fraction].
	Share float64
}

// WithJitter wraps s with up to +fraction jitter, capped at maxDelay.
// The stretch is drawn at random.
func WithJitter(s Strategy, fraction float64, maxDelay time.Duration) Strategy {
	return WithSeededJitter(s, fraction, maxDelay, rand.Uint64()) //nolint:gosec // jitter intentionally uses non-crypto rand
}

// WithSeededJitter is WithJitter with the stretch derived from seed, so
// the same seed always yields the same delays.
func WithSeededJitter(s Strategy, fraction float64, maxDelay time.Duration, seed uint64) Strategy {
	if fraction <= 0 {
		return s
	}
	fraction = math.Min(fraction, 1)
	unit := float64(seed>>11) / (1 << 53)
	return &Jitter{Strategy: s, Fraction: fraction, Max: maxDelay, Share: unit * fraction}
}

// Delay returns the wrapped delay stretched by Share.
func (j *Jitter) Delay(attempt int) time.Duration {
	d := float64(j.Strategy.Delay(attempt)) * (1 + j.Share)
	if j.Max > 0 && d > float64(j.Max) {
		d = float64(j.Max)
	}
	return time.Duration(d)
}

// ──────────────────────────────────────────────────
// Per-item selection
// ──────────────────────────────────────────────────

// Params are the queue-wide backoff settings.
type Params struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64

	// Seed fixes the jitter stretch. Zero draws it at random.
	Seed uint64
}

// DefaultParams returns 1s base, 30s max, factor 2 and 10% jitter.
func DefaultParams() Params {
	return Params{Base: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: 0.1}
}

// For returns the strategy for an item's retry strategy. Linear uses a
// factor of 1. Custom uses the supplied strategy, or exponential when
// none was registered.
func For(rs item.RetryStrategy, p Params, custom Strategy) Strategy {
	switch rs {
	case item.RetryLinear:
		return p.jitter(NewExponential(p.Base, 1, p.Max))
	case item.RetryCustom:
		if custom != nil {
			return custom
		}
	}
	return p.jitter(NewExponential(p.Base, p.Factor, p.Max))
}

func (p Params) jitter(s Strategy) Strategy {
	if p.Seed == 0 {
		return WithJitter(s, p.Jitter, p.Max)
	}
	return WithSeededJitter(s, p.Jitter, p.Max, p.Seed)
}

// DefaultStrategy returns the default backoff used by the engine.
func DefaultStrategy() Strategy {
	return For(item.RetryExponential, DefaultParams(), nil)
}
