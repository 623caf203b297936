package worker_test

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/a-cube-io/opqueue/worker"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for condition")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestSchedulerStartStop(t *testing.T) {
	s := worker.NewScheduler(func(context.Context) {}, 10*time.Millisecond, slog.Default())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	// Double start should be no-op.
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("unexpected double-start error: %v", err)
	}
	if !s.Running() {
		t.Fatal("Running() = false after Start")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
	// Double stop should be no-op.
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("unexpected double-stop error: %v", err)
	}
	if s.Running() {
		t.Fatal("Running() = true after Stop")
	}
}

func TestSchedulerRunsPasses(t *testing.T) {
	var n atomic.Int64
	s := worker.NewScheduler(func(context.Context) { n.Add(1) }, 5*time.Millisecond, slog.Default())
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop(context.Background()) //nolint:errcheck // best-effort cleanup

	waitFor(t, func() bool { return n.Load() >= 3 })
	if s.Passes() < 3 {
		t.Errorf("Passes() = %d, want >= 3", s.Passes())
	}
}

func TestSchedulerPause(t *testing.T) {
	var n atomic.Int64
	s := worker.NewScheduler(func(context.Context) { n.Add(1) }, 5*time.Millisecond, slog.Default())
	if !s.Pause() {
		t.Fatal("Pause() = false on a fresh scheduler")
	}
	if s.Pause() {
		t.Fatal("second Pause() = true")
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop(context.Background()) //nolint:errcheck // best-effort cleanup

	time.Sleep(40 * time.Millisecond)
	if got := n.Load(); got != 0 {
		t.Fatalf("passes while paused = %d, want 0", got)
	}

	if !s.Resume() {
		t.Fatal("Resume() = false")
	}
	waitFor(t, func() bool { return n.Load() > 0 })
}

func TestSchedulerStopCancelsSlowPass(t *testing.T) {
	entered := make(chan struct{}, 1)
	s := worker.NewScheduler(func(ctx context.Context) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-ctx.Done()
	}, 5*time.Millisecond, slog.Default())
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = s.Stop(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not cancel the running pass")
	}
}

func TestGuard(t *testing.T) {
	var g worker.Guard
	if !g.TryEnter() {
		t.Fatal("TryEnter on a free guard = false")
	}
	if g.TryEnter() {
		t.Fatal("TryEnter on a held guard = true")
	}
	if !g.Busy() {
		t.Fatal("Busy() = false while held")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := g.Wait(ctx); err == nil {
		t.Fatal("Wait returned nil while the guard was held")
	}

	released := make(chan error, 1)
	go func() { released <- g.Wait(context.Background()) }()
	g.Leave()
	if err := <-released; err != nil {
		t.Fatalf("Wait after Leave: %v", err)
	}
	if !g.TryEnter() {
		t.Fatal("TryEnter after Leave = false")
	}
	g.Leave()
	g.Leave()
}
