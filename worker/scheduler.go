package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// PassFunc runs one processing pass.
type PassFunc func(ctx context.Context)

// Scheduler calls a PassFunc on a fixed interval from a single
// goroutine, so passes it starts never overlap.
type Scheduler struct {
	pass     PassFunc
	interval time.Duration
	logger   *slog.Logger

	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	paused  atomic.Bool
	passes  atomic.Int64
}

// NewScheduler creates a Scheduler. It does nothing until Start.
func NewScheduler(pass PassFunc, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		pass:     pass,
		interval: interval,
		logger:   logger,
	}
}

// Start launches the tick loop. It returns immediately. Passes receive a
// context detached from ctx's cancellation that is cancelled when Stop
// times out.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})

	passCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	s.logger.Info("scheduler starting", slog.Duration("interval", s.interval))

	s.wg.Add(1)
	go s.loop(passCtx, s.stopCh)
	return nil
}

// Stop signals the loop to exit and waits for the current pass. If ctx
// ends first, the pass context is cancelled before waiting again.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	cancel := s.cancel
	s.mu.Unlock()

	s.logger.Info("scheduler stopping")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("scheduler shutdown timed out, cancelling current pass")
		cancel()
		<-done
	}
	cancel()
	return nil
}

// Pause stops ticks from running passes. It reports whether the state
// changed.
func (s *Scheduler) Pause() bool { return s.paused.CompareAndSwap(false, true) }

// Resume lets ticks run passes again. It reports whether the state
// changed.
func (s *Scheduler) Resume() bool { return s.paused.CompareAndSwap(true, false) }

// Paused reports whether the scheduler is paused.
func (s *Scheduler) Paused() bool { return s.paused.Load() }

// Running reports whether the tick loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Passes returns how many passes the loop has run.
func (s *Scheduler) Passes() int64 { return s.passes.Load() }

func (s *Scheduler) loop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if s.paused.Load() {
				continue
			}
			s.passes.Add(1)
			s.pass(ctx)
		}
	}
}
