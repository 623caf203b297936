package opqueue

import (
	"time"

	"github.com/a-cube-io/opqueue/item"
)

// Option configures the engine's Config.
type Option func(*Config) error

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(c *Config) error {
		*c = cfg
		return nil
	}
}

// WithMaxSize sets the store capacity.
func WithMaxSize(n int) Option {
	return func(c *Config) error {
		c.MaxSize = n
		return nil
	}
}

// WithMaxRetries sets the default retry budget for new items.
func WithMaxRetries(n int) Option {
	return func(c *Config) error {
		c.MaxRetries = n
		return nil
	}
}

// WithDefaultPriority sets the priority used when an item has none.
func WithDefaultPriority(p item.Priority) Option {
	return func(c *Config) error {
		c.DefaultPriority = p
		return nil
	}
}

// WithBatching enables batching with the given batch size and grouping
// window.
func WithBatching(size int, window time.Duration) Option {
	return func(c *Config) error {
		c.BatchingEnabled = true
		c.BatchSize = size
		c.BatchTimeout = window
		return nil
	}
}

// WithDeadLetter toggles dead-lettering of exhausted items.
func WithDeadLetter(enabled bool) Option {
	return func(c *Config) error {
		c.DeadLetterEnabled = enabled
		return nil
	}
}

// WithCircuitBreaker configures the per-resource circuit breakers.
func WithCircuitBreaker(threshold int, timeout time.Duration) Option {
	return func(c *Config) error {
		c.CircuitBreakerEnabled = threshold > 0
		c.CircuitBreakerThreshold = threshold
		c.CircuitBreakerTimeout = timeout
		return nil
	}
}

// WithDeduplication configures the dedup window. A zero window disables
// deduplication.
func WithDeduplication(window time.Duration) Option {
	return func(c *Config) error {
		c.DeduplicationEnabled = window > 0
		c.DeduplicationWindow = window
		return nil
	}
}

// WithAutoProcessing toggles the background scheduler and sets its tick.
func WithAutoProcessing(enabled bool, interval time.Duration) Option {
	return func(c *Config) error {
		c.AutoProcessing = enabled
		if interval > 0 {
			c.ProcessingInterval = interval
		}
		return nil
	}
}

// WithMaxConcurrentProcessing bounds in-flight processor calls.
func WithMaxConcurrentProcessing(n int) Option {
	return func(c *Config) error {
		c.MaxConcurrentProcessing = n
		return nil
	}
}

// WithRetryBackoff sets the backoff shape used for retries.
func WithRetryBackoff(base, maxDelay time.Duration, factor, jitter float64) Option {
	return func(c *Config) error {
		c.BaseRetryDelay = base
		c.MaxRetryDelay = maxDelay
		c.BackoffFactor = factor
		c.RetryJitter = jitter
		return nil
	}
}

// WithCompletedRetention sets how long completed items remain readable.
func WithCompletedRetention(d time.Duration) Option {
	return func(c *Config) error {
		c.CompletedRetention = d
		return nil
	}
}

// WithSnapshotSchedule sets the cron expression for periodic snapshots.
func WithSnapshotSchedule(spec string) Option {
	return func(c *Config) error {
		c.SnapshotSchedule = spec
		return nil
	}
}

// NewConfig applies opts on top of DefaultConfig and validates the result.
func NewConfig(opts ...Option) (Config, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
