package opqueue

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/a-cube-io/opqueue/item"
)

// Config holds configuration for the queue engine.
type Config struct {
	// MaxSize is the maximum number of live items the store will hold.
	MaxSize int `env:"MAX_SIZE" envDefault:"1000"`

	// MaxRetries is the default retry budget for new items.
	MaxRetries int `env:"MAX_RETRIES" envDefault:"3"`

	DefaultPriority           item.Priority           `env:"DEFAULT_PRIORITY" envDefault:"normal"`
	DefaultRetryStrategy      item.RetryStrategy      `env:"DEFAULT_RETRY_STRATEGY" envDefault:"exponential"`
	DefaultConflictResolution item.ConflictResolution `env:"DEFAULT_CONFLICT_RESOLUTION" envDefault:"server-wins"`

	// BatchingEnabled groups ready items before dispatch.
	BatchingEnabled bool `env:"BATCHING_ENABLED" envDefault:"false"`

	// BatchSize bounds the number of items per batch.
	BatchSize int `env:"BATCH_SIZE" envDefault:"10"`

	// BatchTimeout is the readiness window used to group items.
	BatchTimeout time.Duration `env:"BATCH_TIMEOUT" envDefault:"5s"`

	// DeadLetterEnabled moves items that exhausted their retries to dead.
	DeadLetterEnabled bool `env:"DEAD_LETTER_ENABLED" envDefault:"true"`

	CircuitBreakerEnabled   bool          `env:"CIRCUIT_BREAKER_ENABLED" envDefault:"true"`
	CircuitBreakerThreshold int           `env:"CIRCUIT_BREAKER_THRESHOLD" envDefault:"5"`
	CircuitBreakerTimeout   time.Duration `env:"CIRCUIT_BREAKER_TIMEOUT" envDefault:"1m"`
	CircuitBreakerWindow    time.Duration `env:"CIRCUIT_BREAKER_WINDOW" envDefault:"5m"`

	DeduplicationEnabled bool          `env:"DEDUPLICATION_ENABLED" envDefault:"true"`
	DeduplicationWindow  time.Duration `env:"DEDUPLICATION_WINDOW" envDefault:"1m"`

	// AutoProcessing starts the scheduler loop on Start.
	AutoProcessing bool `env:"AUTO_PROCESSING" envDefault:"true"`

	// ProcessingInterval is how often the scheduler ticks.
	ProcessingInterval time.Duration `env:"PROCESSING_INTERVAL" envDefault:"5s"`

	// MaxConcurrentProcessing bounds in-flight processor calls.
	MaxConcurrentProcessing int `env:"MAX_CONCURRENT_PROCESSING" envDefault:"3"`

	BaseRetryDelay time.Duration `env:"BASE_RETRY_DELAY" envDefault:"1s"`
	MaxRetryDelay  time.Duration `env:"MAX_RETRY_DELAY" envDefault:"30s"`
	BackoffFactor  float64       `env:"BACKOFF_FACTOR" envDefault:"2"`

	// RetryJitter is the largest per-item stretch applied to retry delays,
	// as a fraction (0 disables).
	RetryJitter float64 `env:"RETRY_JITTER" envDefault:"0.1"`

	// CompletedRetention is how long completed items stay observable
	// before removal.
	CompletedRetention time.Duration `env:"COMPLETED_RETENTION" envDefault:"5s"`

	// PersistenceEnabled saves a snapshot after mutating operations when
	// a persistence adapter is configured.
	PersistenceEnabled bool `env:"PERSISTENCE_ENABLED" envDefault:"true"`

	// SnapshotSchedule is a cron expression for periodic snapshots.
	// Empty disables the periodic snapshot.
	SnapshotSchedule string `env:"SNAPSHOT_SCHEDULE" envDefault:"@every 30s"`

	// DLQRetention is how long dead-letter entries are kept before the
	// scheduled purge removes them. Zero disables purging.
	DLQRetention time.Duration `env:"DLQ_RETENTION" envDefault:"720h"`

	// AnalyticsHistorySize bounds the rolling metric history.
	AnalyticsHistorySize int `env:"ANALYTICS_HISTORY_SIZE" envDefault:"1000"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxSize:                   1000,
		MaxRetries:                3,
		DefaultPriority:           item.PriorityNormal,
		DefaultRetryStrategy:      item.RetryExponential,
		DefaultConflictResolution: item.ConflictServerWins,
		BatchSize:                 10,
		BatchTimeout:              5 * time.Second,
		DeadLetterEnabled:         true,
		CircuitBreakerEnabled:     true,
		CircuitBreakerThreshold:   5,
		CircuitBreakerTimeout:     time.Minute,
		CircuitBreakerWindow:      5 * time.Minute,
		DeduplicationEnabled:      true,
		DeduplicationWindow:       time.Minute,
		AutoProcessing:            true,
		ProcessingInterval:        5 * time.Second,
		MaxConcurrentProcessing:   3,
		BaseRetryDelay:            time.Second,
		MaxRetryDelay:             30 * time.Second,
		BackoffFactor:             2,
		RetryJitter:               0.1,
		CompletedRetention:        5 * time.Second,
		PersistenceEnabled:        true,
		SnapshotSchedule:          "@every 30s",
		DLQRetention:              30 * 24 * time.Hour,
		AnalyticsHistorySize:      1000,
	}
}

// LoadConfig reads OPQUEUE_* environment variables on top of the defaults.
func LoadConfig() (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, env.Options{Prefix: "OPQUEUE_"}); err != nil {
		return Config{}, fmt.Errorf("opqueue: load config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.MaxSize <= 0:
		return fmt.Errorf("%w: MaxSize must be positive", ErrInvalidConfig)
	case c.MaxRetries < 0:
		return fmt.Errorf("%w: MaxRetries must not be negative", ErrInvalidConfig)
	case !c.DefaultPriority.Valid():
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidConfig, c.DefaultPriority)
	case !c.DefaultRetryStrategy.Valid():
		return fmt.Errorf("%w: unknown retry strategy %q", ErrInvalidConfig, c.DefaultRetryStrategy)
	case !c.DefaultConflictResolution.Valid():
		return fmt.Errorf("%w: unknown conflict resolution %q", ErrInvalidConfig, c.DefaultConflictResolution)
	case c.BatchingEnabled && c.BatchSize <= 0:
		return fmt.Errorf("%w: BatchSize must be positive when batching", ErrInvalidConfig)
	case c.CircuitBreakerEnabled && c.CircuitBreakerThreshold <= 0:
		return fmt.Errorf("%w: CircuitBreakerThreshold must be positive", ErrInvalidConfig)
	case c.MaxConcurrentProcessing <= 0:
		return fmt.Errorf("%w: MaxConcurrentProcessing must be positive", ErrInvalidConfig)
	case c.AutoProcessing && c.ProcessingInterval <= 0:
		return fmt.Errorf("%w: ProcessingInterval must be positive", ErrInvalidConfig)
	case c.BackoffFactor < 1:
		return fmt.Errorf("%w: BackoffFactor must be >= 1", ErrInvalidConfig)
	case c.RetryJitter < 0 || c.RetryJitter > 1:
		return fmt.Errorf("%w: RetryJitter must be within [0,1]", ErrInvalidConfig)
	}
	return nil
}
