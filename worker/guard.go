package worker

import (
	"context"
	"sync"
)

// Guard lets at most one processing pass run at a time. A pass that
// finds the guard held is skipped rather than queued.
type Guard struct {
	mu   sync.Mutex
	busy bool
	done chan struct{}
}

// TryEnter takes the guard. It returns false if a pass is in progress.
func (g *Guard) TryEnter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.busy {
		return false
	}
	g.busy = true
	g.done = make(chan struct{})
	return true
}

// Leave releases the guard and wakes waiters.
func (g *Guard) Leave() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.busy {
		return
	}
	g.busy = false
	close(g.done)
}

// Busy reports whether a pass holds the guard.
func (g *Guard) Busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.busy
}

// Wait blocks until the guard is free or ctx ends.
func (g *Guard) Wait(ctx context.Context) error {
	g.mu.Lock()
	if !g.busy {
		g.mu.Unlock()
		return nil
	}
	done := g.done
	g.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
