package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// ErrUnknownTask is returned by Run for names that were never added.
var ErrUnknownTask = errors.New("opqueue/worker: unknown task")

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression and returns the schedule.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// Task is a maintenance job run by the Housekeeper.
type Task func(ctx context.Context) error

// TaskInfo describes a registered task.
type TaskInfo struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next"`
	Prev     time.Time `json:"prev,omitzero"`
}

type task struct {
	schedule string
	run      Task
	entry    cronlib.EntryID
}

// Housekeeper runs named maintenance tasks on cron schedules. A task
// still running when its next tick arrives skips that tick.
type Housekeeper struct {
	cron   *cronlib.Cron
	logger *slog.Logger

	mu      sync.Mutex
	tasks   map[string]*task
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// NewHousekeeper creates an idle Housekeeper.
func NewHousekeeper(logger *slog.Logger) *Housekeeper {
	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Housekeeper{
		cron: cronlib.New(
			cronlib.WithParser(cronParser),
			cronlib.WithLogger(cl),
			cronlib.WithChain(cronlib.Recover(cl), cronlib.SkipIfStillRunning(cl)),
		),
		logger: logger,
		tasks:  make(map[string]*task),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers fn under name on the cron expression spec. Adding a name
// twice replaces the earlier task.
func (h *Housekeeper) Add(name, spec string, fn Task) error {
	sched, err := ParseSchedule(spec)
	if err != nil {
		return fmt.Errorf("opqueue/worker: task %q: invalid schedule %q: %w", name, spec, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.tasks[name]; ok {
		h.cron.Remove(old.entry)
	}
	t := &task{schedule: spec, run: fn}
	t.entry = h.cron.Schedule(sched, cronlib.FuncJob(func() { h.execute(name, t) }))
	h.tasks[name] = t
	return nil
}

// Remove unregisters a task. It returns false for unknown names.
func (h *Housekeeper) Remove(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.tasks[name]
	if !ok {
		return false
	}
	h.cron.Remove(t.entry)
	delete(h.tasks, name)
	return true
}

// Run executes a task immediately, outside its schedule.
func (h *Housekeeper) Run(ctx context.Context, name string) error {
	h.mu.Lock()
	t, ok := h.tasks[name]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	return t.run(ctx)
}

// Tasks lists registered tasks sorted by name.
func (h *Housekeeper) Tasks() []TaskInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]TaskInfo, 0, len(h.tasks))
	for name, t := range h.tasks {
		e := h.cron.Entry(t.entry)
		out = append(out, TaskInfo{Name: name, Schedule: t.schedule, Next: e.Next, Prev: e.Prev})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start begins running scheduled tasks.
func (h *Housekeeper) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return
	}
	h.running = true
	h.cron.Start()
	h.logger.Info("housekeeper started", slog.Int("tasks", len(h.tasks)))
}

// Stop halts the schedule and waits for running tasks until ctx ends,
// after which their context is cancelled. A stopped Housekeeper cannot
// be restarted.
func (h *Housekeeper) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		h.cancel()
		return nil
	}
	h.running = false
	h.mu.Unlock()

	stopped := h.cron.Stop()
	select {
	case <-stopped.Done():
		h.cancel()
		return nil
	case <-ctx.Done():
		h.cancel()
		return fmt.Errorf("opqueue/worker: housekeeper stop: %w", ctx.Err())
	}
}

func (h *Housekeeper) execute(name string, t *task) {
	start := time.Now()
	if err := t.run(h.ctx); err != nil {
		h.logger.Warn("housekeeping task failed",
			slog.String("task", name),
			slog.String("error", err.Error()),
		)
		return
	}
	h.logger.Debug("housekeeping task done",
		slog.String("task", name),
		slog.Duration("elapsed", time.Since(start)),
	)
}

// cronLogger adapts slog to the cron library's logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, slog.String("error", err.Error()))...)
}
