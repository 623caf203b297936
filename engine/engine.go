package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	opqueue "github.com/a-cube-io/opqueue"
	"github.com/a-cube-io/opqueue/analytics"
	"github.com/a-cube-io/opqueue/backoff"
	"github.com/a-cube-io/opqueue/batch"
	"github.com/a-cube-io/opqueue/dedup"
	"github.com/a-cube-io/opqueue/dlq"
	"github.com/a-cube-io/opqueue/ext"
	"github.com/a-cube-io/opqueue/item"
	"github.com/a-cube-io/opqueue/limiter"
	mw "github.com/a-cube-io/opqueue/middleware"
	"github.com/a-cube-io/opqueue/observability"
	"github.com/a-cube-io/opqueue/persist"
	"github.com/a-cube-io/opqueue/persist/memory"
	"github.com/a-cube-io/opqueue/processor"
	"github.com/a-cube-io/opqueue/retry"
	"github.com/a-cube-io/opqueue/store"
	"github.com/a-cube-io/opqueue/stream"
	"github.com/a-cube-io/opqueue/worker"
)

const instrumentationName = "github.com/a-cube-io/opqueue"

// Housekeeping task names.
const (
	TaskSnapshot   = "snapshot"
	TaskDLQPurge   = "dlq-purge"
	TaskDedupPrune = "dedup-prune"
)

// Engine is the queue orchestrator.
type Engine struct {
	cfg    opqueue.Config
	logger *slog.Logger

	store      *store.Store
	processors *processor.Registry
	dedup      *dedup.Index
	breakers   *retry.Breakers
	classifier *retry.Classifier
	retries    *retry.Manager
	batcher    *batch.Processor
	analytics  *analytics.Engine
	extensions *ext.Registry
	broker     *stream.Broker
	limits     *limiter.Manager
	dlqService *dlq.Service
	executor   *worker.Executor
	scheduler  *worker.Scheduler
	house      *worker.Housekeeper
	guard      worker.Guard

	adapter persist.Adapter
	persist persistState

	destroyed atomic.Bool
	started   atomic.Bool

	// Collected by options, applied in New.
	pendingExt     []ext.Extension
	mws            []mw.Middleware
	dlqStore       dlq.Store
	customBackoff  backoff.Strategy
	limitConfigs   []limiter.Config
	opLimitConfigs []limiter.OperationConfig
	grouping       *batch.Grouping
	timeout        time.Duration
	brokerOpts     []stream.BrokerOption
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used by the engine and its subsystems.
func WithLogger(l *slog.Logger) Option {
	return func(eng *Engine) { eng.logger = l }
}

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) { eng.pendingExt = append(eng.pendingExt, e) }
}

// WithMiddleware adds middleware to the processor chain. It runs inside
// the default recover, tracing, metrics and logging middleware.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) { eng.mws = append(eng.mws, m) }
}

// WithPersistence sets the snapshot adapter. When the adapter also
// implements dlq.Store and no DLQ store was set, it stores dead letters
// too.
func WithPersistence(a persist.Adapter) Option {
	return func(eng *Engine) { eng.adapter = a }
}

// WithDLQStore sets where dead-letter entries are kept. The default is
// an in-memory store.
func WithDLQStore(s dlq.Store) Option {
	return func(eng *Engine) { eng.dlqStore = s }
}

// WithCustomBackoff sets the strategy used by items with the custom
// retry strategy.
func WithCustomBackoff(s backoff.Strategy) Option {
	return func(eng *Engine) { eng.customBackoff = s }
}

// WithClassifier replaces the default error classifier.
func WithClassifier(c *retry.Classifier) Option {
	return func(eng *Engine) { eng.classifier = c }
}

// WithLimits registers per-resource rate limiting and concurrency
// configurations. Resources not listed have no limits.
func WithLimits(configs ...limiter.Config) Option {
	return func(eng *Engine) { eng.limitConfigs = append(eng.limitConfigs, configs...) }
}

// WithOperationLimits registers limits for resource and operation pairs.
func WithOperationLimits(configs ...limiter.OperationConfig) Option {
	return func(eng *Engine) { eng.opLimitConfigs = append(eng.opLimitConfigs, configs...) }
}

// WithBatchGrouping overrides how ready items are grouped when batching
// is enabled. The configured BatchSize and BatchTimeout apply when the
// grouping leaves them zero.
func WithBatchGrouping(g batch.Grouping) Option {
	return func(eng *Engine) { eng.grouping = &g }
}

// WithProcessorTimeout bounds every processor call. Zero, the default,
// leaves timeouts to the processor.
func WithProcessorTimeout(d time.Duration) Option {
	return func(eng *Engine) { eng.timeout = d }
}

// WithBrokerOptions configures the event broker.
func WithBrokerOptions(opts ...stream.BrokerOption) Option {
	return func(eng *Engine) { eng.brokerOpts = append(eng.brokerOpts, opts...) }
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// Both the metrics middleware and the observability extension use it.
// If not set, the global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// New builds an Engine from cfg. Call Start to restore persisted state
// and begin automatic processing.
func New(cfg opqueue.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	eng := &Engine{
		cfg:        cfg,
		logger:     slog.Default(),
		processors: processor.NewRegistry(),
	}
	for _, opt := range opts {
		opt(eng)
	}
	logger := eng.logger

	// Extensions: the broker first so subscribers see events before
	// user extensions run.
	eng.extensions = ext.NewRegistry(logger)
	eng.broker = stream.NewBroker(logger, eng.brokerOpts...)
	eng.extensions.Register(eng.broker)

	var obsExt *observability.MetricsExtension
	if eng.meterProvider != nil {
		obsExt = observability.NewMetricsExtensionWithMeter(eng.meterProvider.Meter(instrumentationName + "/observability"))
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	eng.extensions.Register(obsExt)
	for _, e := range eng.pendingExt {
		eng.extensions.Register(e)
	}

	eng.store = store.New(
		store.WithMaxSize(cfg.MaxSize),
		store.WithObserver(storeObserver{eng: eng}),
	)
	if cfg.DeduplicationEnabled {
		eng.dedup = dedup.NewIndex(cfg.DeduplicationWindow)
	}
	eng.analytics = analytics.New(analytics.WithHistorySize(cfg.AnalyticsHistorySize))
	if eng.classifier == nil {
		eng.classifier = retry.NewClassifier()
	}

	if cfg.CircuitBreakerEnabled {
		eng.breakers = retry.NewBreakers(retry.BreakerConfig{
			Threshold:        cfg.CircuitBreakerThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
			MonitoringWindow: cfg.CircuitBreakerWindow,
		}, eng.onCircuitChange)
	}

	retryOpts := []retry.ManagerOption{retry.WithLogger(logger)}
	if eng.breakers != nil {
		retryOpts = append(retryOpts, retry.WithBreakers(eng.breakers))
	}
	if eng.customBackoff != nil {
		retryOpts = append(retryOpts, retry.WithCustomStrategy(eng.customBackoff))
	}
	eng.retries = retry.NewManager(backoff.Params{
		Base:   cfg.BaseRetryDelay,
		Max:    cfg.MaxRetryDelay,
		Factor: cfg.BackoffFactor,
		Jitter: cfg.RetryJitter,
	}, eng.onRetryReady, retryOpts...)

	if eng.dlqStore == nil {
		if ds, ok := eng.adapter.(dlq.Store); ok {
			eng.dlqStore = ds
		} else {
			eng.dlqStore = memory.New()
		}
	}
	eng.dlqService = dlq.NewService(eng.dlqStore, eng.requeue)

	if len(eng.limitConfigs) > 0 || len(eng.opLimitConfigs) > 0 {
		eng.limits = limiter.NewManager(eng.limitConfigs...)
		for _, oc := range eng.opLimitConfigs {
			eng.limits.SetOperationConfig(oc)
		}
	}

	eng.batcher = batch.NewProcessor(
		batch.WithGrouping(eng.batchGrouping()),
		batch.WithMaxConcurrency(cfg.MaxConcurrentProcessing),
		batch.WithLogger(logger),
	)

	execOpts := []worker.ExecutorOption{
		worker.WithClassifier(eng.classifier),
		worker.WithRetries(eng.retries),
		worker.WithDLQ(eng.dlqService),
		worker.WithAnalytics(eng.analytics),
		worker.WithDeadLetter(cfg.DeadLetterEnabled),
		worker.WithMiddleware(eng.middlewareStack()...),
	}
	if eng.breakers != nil {
		execOpts = append(execOpts, worker.WithBreakers(eng.breakers))
	}
	if eng.limits != nil {
		execOpts = append(execOpts, worker.WithLimiter(eng.limits))
	}
	eng.executor = worker.NewExecutor(eng.processors, eng.store, eng.extensions, logger, execOpts...)

	interval := cfg.ProcessingInterval
	if interval <= 0 {
		interval = opqueue.DefaultConfig().ProcessingInterval
	}
	eng.scheduler = worker.NewScheduler(eng.tick, interval, logger)

	eng.house = worker.NewHousekeeper(logger)
	if err := eng.registerHousekeeping(); err != nil {
		return nil, err
	}

	return eng, nil
}

// middlewareStack builds recover → tracing → metrics → logging →
// timeout → user middleware.
func (eng *Engine) middlewareStack() []mw.Middleware {
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer(instrumentationName))
	} else {
		tracingMw = mw.Tracing()
	}

	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter(instrumentationName))
	} else {
		metricsMw = mw.Metrics()
	}

	stack := []mw.Middleware{
		mw.Recover(eng.logger),
		tracingMw,
		metricsMw,
		mw.Logging(eng.logger),
	}
	if eng.timeout > 0 {
		stack = append(stack, mw.Timeout(eng.timeout))
	}
	return append(stack, eng.mws...)
}

func (eng *Engine) batchGrouping() batch.Grouping {
	if eng.grouping != nil {
		g := *eng.grouping
		if g.MaxItems <= 0 {
			g.MaxItems = eng.cfg.BatchSize
		}
		if g.Window <= 0 {
			g.Window = eng.cfg.BatchTimeout
		}
		return g
	}
	g := batch.DefaultGrouping()
	g.MaxItems = eng.cfg.BatchSize
	g.Window = eng.cfg.BatchTimeout
	return g
}

func (eng *Engine) registerHousekeeping() error {
	if eng.cfg.PersistenceEnabled && eng.adapter != nil && eng.cfg.SnapshotSchedule != "" {
		if err := eng.house.Add(TaskSnapshot, eng.cfg.SnapshotSchedule, eng.saveSnapshot); err != nil {
			return fmt.Errorf("%w: %w", opqueue.ErrInvalidConfig, err)
		}
	}
	if eng.cfg.DLQRetention > 0 {
		if err := eng.house.Add(TaskDLQPurge, "@hourly", eng.purgeDLQ); err != nil {
			return err
		}
	}
	if eng.dedup != nil {
		if err := eng.house.Add(TaskDedupPrune, "@every 1m", eng.pruneDedup); err != nil {
			return err
		}
	}
	return nil
}

// RegisterProcessor registers fn for resource and operation. An empty
// operation registers fn for every operation on the resource.
func (eng *Engine) RegisterProcessor(r item.Resource, op item.Operation, fn processor.Func) error {
	if !r.Valid() {
		return fmt.Errorf("%w: %q", opqueue.ErrInvalidResource, r)
	}
	if op != "" && !op.Valid() {
		return fmt.Errorf("%w: unknown operation %q", opqueue.ErrInvalidConfig, op)
	}
	eng.processors.Register(r, op, fn)
	return nil
}

// RegisterBatchProcessor registers a processor that receives a whole
// batch of items for resource. It is used only when batching is enabled.
func (eng *Engine) RegisterBatchProcessor(r item.Resource, fn processor.BatchFunc) error {
	if !r.Valid() {
		return fmt.Errorf("%w: %q", opqueue.ErrInvalidResource, r)
	}
	eng.processors.RegisterBatch(r, fn)
	return nil
}

// Register registers a typed processor that receives the item's payload
// decoded as JSON into T.
func Register[T any](eng *Engine, r item.Resource, op item.Operation, fn func(ctx context.Context, it *item.Item, payload T) (any, error)) error {
	return eng.RegisterProcessor(r, op, processor.Typed(fn))
}

// Config returns the engine configuration.
func (eng *Engine) Config() opqueue.Config { return eng.cfg }

// Logger returns the engine logger.
func (eng *Engine) Logger() *slog.Logger { return eng.logger }

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Broker returns the event broker.
func (eng *Engine) Broker() *stream.Broker { return eng.broker }

// Processors returns the processor registry.
func (eng *Engine) Processors() *processor.Registry { return eng.processors }

// DLQ returns the dead-letter service for inspection, replay and purge.
func (eng *Engine) DLQ() *dlq.Service { return eng.dlqService }

// Limits returns the limiter, or nil if no limits were configured.
func (eng *Engine) Limits() *limiter.Manager { return eng.limits }

// Housekeeper returns the maintenance task runner.
func (eng *Engine) Housekeeper() *worker.Housekeeper { return eng.house }
