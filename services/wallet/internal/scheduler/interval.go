package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// IntervalRunner runs every job once at Start and then on its interval.
// Schedules are process-local: several processes each run every job.
type IntervalRunner struct {
	logger  *slog.Logger
	metrics Metrics

	mu      sync.Mutex
	jobs    []Job
	names   map[string]struct{}
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewIntervalRunner(logger *slog.Logger, metrics Metrics) *IntervalRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &IntervalRunner{
		logger:  logger,
		metrics: metrics,
		names:   make(map[string]struct{}),
	}
}

func (r *IntervalRunner) Register(job Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("register %s: %w", job.Name, ErrAlreadyStarted)
	}
	if _, ok := r.names[job.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.Name)
	}
	r.names[job.Name] = struct{}{}
	r.jobs = append(r.jobs, job)
	return nil
}

func (r *IntervalRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrAlreadyStarted
	}
	r.started = true

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	for _, job := range r.jobs {
		r.wg.Add(1)
		go r.loop(ctx, job)
	}
	r.logger.Info("interval scheduler started", "jobs", len(r.jobs))
	return nil
}

// Stop cancels all schedules and waits for in-flight runs to return.
func (r *IntervalRunner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

func (r *IntervalRunner) loop(ctx context.Context, job Job) {
	defer r.wg.Done()

	var inFlight atomic.Bool
	var runs sync.WaitGroup
	defer runs.Wait()

	fire := func() {
		if !inFlight.CompareAndSwap(false, true) {
			r.logger.Warn("skipping overlapping job run", "job", job.Name)
			observe(r.metrics, job.Name, "skipped", 0)
			return
		}
		runs.Add(1)
		go func() {
			defer runs.Done()
			defer inFlight.Store(false)
			_ = runGuarded(ctx, job, r.logger, r.metrics)
		}()
	}

	fire()
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fire()
		}
	}
}
