package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	opqueue "github.com/a-cube-io/opqueue"
	"github.com/a-cube-io/opqueue/dedup"
	"github.com/a-cube-io/opqueue/item"
)

type persistState struct {
	mu        sync.Mutex
	lastSaved time.Time
	lastErr   error
	saves     int64
	failures  int64
}

// PersistenceStatus reports the outcome of snapshot saves.
type PersistenceStatus struct {
	Enabled     bool      `json:"enabled"`
	Saves       int64     `json:"saves"`
	Failures    int64     `json:"failures"`
	LastSavedAt time.Time `json:"last_saved_at,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
}

func (eng *Engine) persistenceOn() bool {
	return eng.cfg.PersistenceEnabled && eng.adapter != nil
}

// PersistenceStatus returns the snapshot save counters.
func (eng *Engine) PersistenceStatus() PersistenceStatus {
	eng.persist.mu.Lock()
	defer eng.persist.mu.Unlock()
	st := PersistenceStatus{
		Enabled:     eng.persistenceOn(),
		Saves:       eng.persist.saves,
		Failures:    eng.persist.failures,
		LastSavedAt: eng.persist.lastSaved,
	}
	if eng.persist.lastErr != nil {
		st.LastError = eng.persist.lastErr.Error()
	}
	return st
}

// Snapshot saves the current queue immediately.
func (eng *Engine) Snapshot(ctx context.Context) error {
	if !eng.persistenceOn() {
		return nil
	}
	return eng.saveSnapshot(ctx)
}

// saveSnapshot writes the whole store through the adapter. Saves are
// serialized so a later save always carries later state.
func (eng *Engine) saveSnapshot(ctx context.Context) error {
	eng.persist.mu.Lock()
	defer eng.persist.mu.Unlock()

	items := eng.store.ToArray()
	if err := eng.adapter.Save(ctx, items); err != nil {
		eng.persist.failures++
		eng.persist.lastErr = err
		return fmt.Errorf("%w: save snapshot: %w", opqueue.ErrPersistence, err)
	}
	eng.persist.saves++
	eng.persist.lastErr = nil
	eng.persist.lastSaved = time.Now().UTC()
	return nil
}

// persistBestEffort saves a snapshot and logs failures.
func (eng *Engine) persistBestEffort(ctx context.Context) {
	if !eng.persistenceOn() {
		return
	}
	if err := eng.saveSnapshot(ctx); err != nil {
		eng.logger.Warn("snapshot save failed", slog.String("error", err.Error()))
	}
}

// restore loads the persisted snapshot into the store.
func (eng *Engine) restore(ctx context.Context) {
	if !eng.persistenceOn() {
		return
	}
	items, err := eng.adapter.Load(ctx)
	if err != nil {
		eng.logger.Error("failed to load snapshot, starting with an empty queue",
			slog.String("error", err.Error()),
		)
		return
	}

	n := eng.store.Restore(items)
	if eng.dedup != nil {
		for _, it := range eng.store.ByStatus(item.StatusPending) {
			eng.dedup.Record(dedup.Fingerprint(it.Resource, it.Operation, it.Payload), it.ID.String())
		}
	}
	eng.logger.Info("queue restored from snapshot",
		slog.Int("loaded", len(items)),
		slog.Int("restored", n),
	)
}

// purgeDLQ drops dead-letter entries older than DLQRetention.
func (eng *Engine) purgeDLQ(ctx context.Context) error {
	n, err := eng.dlqService.Purge(ctx, eng.cfg.DLQRetention)
	if err != nil {
		return fmt.Errorf("opqueue/engine: purge DLQ: %w", err)
	}
	if n > 0 {
		eng.logger.Info("dead letters purged",
			slog.Int64("count", n),
			slog.Duration("older_than", eng.cfg.DLQRetention),
		)
	}
	return nil
}

// pruneDedup drops fingerprints that fell out of the dedup window.
func (eng *Engine) pruneDedup(context.Context) error {
	if n := eng.dedup.Prune(); n > 0 {
		eng.logger.Debug("dedup fingerprints pruned", slog.Int("count", n))
	}
	return nil
}
