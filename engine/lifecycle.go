package engine

import (
	"context"
	"log/slog"
	"time"

	opqueue "github.com/a-cube-io/opqueue"
	"github.com/a-cube-io/opqueue/analytics"
	"github.com/a-cube-io/opqueue/item"
	"github.com/a-cube-io/opqueue/retry"
	"github.com/a-cube-io/opqueue/store"
	"github.com/a-cube-io/opqueue/stream"
)

// Start restores the persisted snapshot, starts housekeeping and, when
// AutoProcessing is set, the processing scheduler. A failed restore is
// logged and the engine starts empty.
func (eng *Engine) Start(ctx context.Context) error {
	if eng.destroyed.Load() {
		return opqueue.ErrDestroyed
	}
	if !eng.started.CompareAndSwap(false, true) {
		return nil
	}

	eng.restore(ctx)
	eng.house.Start()

	if eng.cfg.AutoProcessing {
		if err := eng.scheduler.Start(ctx); err != nil {
			return err
		}
	}

	eng.logger.Info("queue engine started",
		slog.Int("items", eng.store.Size()),
		slog.Bool("auto_processing", eng.cfg.AutoProcessing),
		slog.Duration("interval", eng.cfg.ProcessingInterval),
		slog.Int("max_concurrency", eng.cfg.MaxConcurrentProcessing),
	)
	return nil
}

// Destroy stops scheduling, waits for the running pass (cancelling
// in-flight processors if ctx ends first), cancels pending retries,
// saves a final snapshot and closes every subscriber. The engine cannot
// be used afterwards.
func (eng *Engine) Destroy(ctx context.Context) error {
	if !eng.destroyed.CompareAndSwap(false, true) {
		return nil
	}

	if err := eng.scheduler.Stop(ctx); err != nil {
		eng.logger.Error("scheduler stop error", slog.String("error", err.Error()))
	}
	if err := eng.guard.Wait(ctx); err != nil {
		eng.logger.Warn("processing pass still running at shutdown, cancelling active items")
		eng.executor.CancelActive()
		_ = eng.guard.Wait(context.Background()) //nolint:errcheck // background context never ends
	}
	if err := eng.house.Stop(ctx); err != nil {
		eng.logger.Warn("housekeeper stop error", slog.String("error", err.Error()))
	}
	eng.retries.Stop()

	if eng.persistenceOn() {
		if err := eng.saveSnapshot(context.WithoutCancel(ctx)); err != nil {
			eng.logger.Error("final snapshot failed", slog.String("error", err.Error()))
		}
	}

	eng.extensions.EmitShutdown(ctx)
	eng.logger.Info("queue engine destroyed", slog.Int("items", eng.store.Size()))
	return nil
}

// Destroyed reports whether Destroy was called.
func (eng *Engine) Destroyed() bool { return eng.destroyed.Load() }

// Pause stops automatic processing. In-flight items finish normally and
// ProcessNext still works when called directly.
func (eng *Engine) Pause(ctx context.Context) {
	if eng.scheduler.Pause() {
		eng.logger.Info("queue paused")
		eng.extensions.EmitQueuePaused(ctx)
	}
}

// Resume restarts automatic processing after Pause.
func (eng *Engine) Resume(ctx context.Context) {
	if eng.scheduler.Resume() {
		eng.logger.Info("queue resumed")
		eng.extensions.EmitQueueResumed(ctx)
	}
}

// Paused reports whether automatic processing is paused.
func (eng *Engine) Paused() bool { return eng.scheduler.Paused() }

// Processing reports whether a processing pass is running.
func (eng *Engine) Processing() bool { return eng.guard.Busy() }

// ──────────────────────────────────────────────────
// Observation
// ──────────────────────────────────────────────────

// Stats returns the store statistics.
func (eng *Engine) Stats() store.Stats { return eng.store.Stats() }

// Size returns the number of items in the store.
func (eng *Engine) Size() int { return eng.store.Size() }

// Metrics returns the analytics samples recorded within window.
func (eng *Engine) Metrics(window time.Duration) []analytics.Metric {
	return eng.analytics.Metrics(window)
}

// Insights analyses the samples recorded within window.
func (eng *Engine) Insights(window time.Duration) analytics.Insights {
	return eng.analytics.Insights(window)
}

// TrendAnalysis compares the two halves of window.
func (eng *Engine) TrendAnalysis(window time.Duration) analytics.Trend {
	return eng.analytics.TrendAnalysis(window)
}

// HealthScore returns the 0–100 health score for window.
func (eng *Engine) HealthScore(window time.Duration) float64 {
	return eng.analytics.HealthScore(window)
}

// Analytics returns the analytics engine.
func (eng *Engine) Analytics() *analytics.Engine { return eng.analytics }

// CircuitStates returns every known circuit breaker. It is empty when
// circuit breaking is disabled.
func (eng *Engine) CircuitStates() []retry.CircuitSnapshot {
	if eng.breakers == nil {
		return nil
	}
	return eng.breakers.States()
}

// CircuitState returns the state of r's breaker.
func (eng *Engine) CircuitState(r item.Resource) retry.CircuitState {
	if eng.breakers == nil {
		return retry.CircuitClosed
	}
	return eng.breakers.State(r)
}

// ResetCircuit closes r's breaker and clears its failure count.
func (eng *Engine) ResetCircuit(r item.Resource) {
	if eng.breakers != nil {
		eng.breakers.Reset(r)
	}
}

// Subscribe registers a subscriber for live events. With no topics it
// receives every event. See package stream for topic names.
func (eng *Engine) Subscribe(subscriberID string, topics ...string) *stream.Subscriber {
	return eng.broker.Subscribe(subscriberID, topics...)
}

// Unsubscribe removes a subscriber and closes its channel.
func (eng *Engine) Unsubscribe(subscriberID string) {
	eng.broker.RemoveSubscriber(subscriberID)
}
