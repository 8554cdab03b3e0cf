package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Fantasim/hdcustody/internal/config"
)

// JobFunc is one scheduled unit of work. ctx is cancelled on Stop.
type JobFunc func(ctx context.Context) error

type job struct {
	name     string
	schedule string
	fn       JobFunc
	running  atomic.Bool
	runs     atomic.Int64
	skips    atomic.Int64
}

// Scheduler runs background jobs on cron schedules. A job still running when
// its next tick fires is skipped, never run twice at once.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]*job
}

// New creates a stopped scheduler.
func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*job),
	}
}

// Add registers fn under name. schedule is a standard five-field cron expression
// or a descriptor such as "@every 1m".
func (s *Scheduler) Add(name, schedule string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("%w: job %q registered twice", config.ErrInvalidConfig, name)
	}
	j := &job{name: name, schedule: schedule, fn: fn}
	if _, err := s.cron.AddFunc(schedule, func() { s.run(j) }); err != nil {
		return fmt.Errorf("%w: schedule %q for %s: %v", config.ErrInvalidConfig, schedule, name, err)
	}
	s.jobs[name] = j

	slog.Info("job scheduled", "job", name, "schedule", schedule)
	return nil
}

// Start begins firing jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("scheduler started", "jobs", len(s.jobs))
}

// Stop halts the schedule and cancels running jobs, waiting for them up to
// timeout.
func (s *Scheduler) Stop(timeout time.Duration) {
	stopped := s.cron.Stop()
	s.cancel()

	select {
	case <-stopped.Done():
		slog.Info("scheduler stopped")
	case <-time.After(timeout):
		slog.Warn("scheduler stop timed out, jobs still running", "timeout", timeout)
	}
}

// Stats returns how often name ran and how often it was skipped.
func (s *Scheduler) Stats(name string) (runs, skips int64) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return 0, 0
	}
	return j.runs.Load(), j.skips.Load()
}

// run executes j unless its previous run is still going.
func (s *Scheduler) run(j *job) {
	if !j.running.CompareAndSwap(false, true) {
		j.skips.Add(1)
		slog.Warn("job still running, skipping tick", "job", j.name)
		return
	}
	defer j.running.Store(false)

	if s.ctx.Err() != nil {
		return
	}

	start := time.Now()
	j.runs.Add(1)
	slog.Debug("job started", "job", j.name)

	if err := j.fn(s.ctx); err != nil {
		slog.Error("job failed",
			"job", j.name,
			"error", err,
			"elapsed", time.Since(start).Round(time.Millisecond),
		)
		return
	}
	slog.Debug("job finished", "job", j.name, "elapsed", time.Since(start).Round(time.Millisecond))
}
