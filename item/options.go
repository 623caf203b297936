package item

import "time"

// Options configures per-item behavior at enqueue time. Zero values are
// replaced by the engine defaults.
type Options struct {
	Priority           Priority
	MaxRetries         *int
	RetryStrategy      RetryStrategy
	ConflictResolution ConflictResolution
	ScheduledAt        time.Time
	OptimisticID       string
	Dependencies       []string
	Metadata           map[string]string
}

// Option is a functional option for configuring an item.
type Option func(*Options)

// WithPriority sets the item priority.
func WithPriority(p Priority) Option {
	return func(o *Options) { o.Priority = p }
}

// WithMaxRetries overrides the retry budget.
func WithMaxRetries(n int) Option {
	return func(o *Options) { o.MaxRetries = &n }
}

// WithRetryStrategy sets the backoff strategy.
func WithRetryStrategy(s RetryStrategy) Option {
	return func(o *Options) { o.RetryStrategy = s }
}

// WithConflictResolution declares the conflict resolution intent.
func WithConflictResolution(c ConflictResolution) Option {
	return func(o *Options) { o.ConflictResolution = c }
}

// WithScheduledAt delays eligibility until t.
func WithScheduledAt(t time.Time) Option {
	return func(o *Options) { o.ScheduledAt = t }
}

// WithOptimisticID correlates the item with an optimistic UI update.
func WithOptimisticID(oid string) Option {
	return func(o *Options) { o.OptimisticID = oid }
}

// WithDependencies makes the item wait for the given item IDs to complete.
func WithDependencies(ids ...string) Option {
	return func(o *Options) { o.Dependencies = append(o.Dependencies, ids...) }
}

// WithMetadata attaches a metadata entry.
func WithMetadata(key, value string) Option {
	return func(o *Options) {
		if o.Metadata == nil {
			o.Metadata = make(map[string]string)
		}
		o.Metadata[key] = value
	}
}

// Apply builds Options from opts.
func Apply(opts ...Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
