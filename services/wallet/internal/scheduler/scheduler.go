package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrAlreadyStarted = errors.New("scheduler already started")
	ErrDuplicateJob   = errors.New("job already registered")
	ErrInvalidJob     = errors.New("invalid job")
)

// Job is a named unit of periodic work.
type Job struct {
	Name     string
	Interval time.Duration
	// Payload is stored alongside the schedule by broker-backed runners.
	Payload string
	Run     func(ctx context.Context) error
}

func (j Job) validate() error {
	if strings.TrimSpace(j.Name) == "" {
		return fmt.Errorf("%w: name required", ErrInvalidJob)
	}
	if j.Interval <= 0 {
		return fmt.Errorf("%w: %s: interval must be positive", ErrInvalidJob, j.Name)
	}
	if j.Run == nil {
		return fmt.Errorf("%w: %s: run func required", ErrInvalidJob, j.Name)
	}
	return nil
}

type Runner interface {
	Register(job Job) error
	Start(ctx context.Context) error
	Stop()
}

type Metrics interface {
	ObserveJob(name, status string, duration time.Duration)
}

type Config struct {
	RedisURL     string
	KeyPrefix    string
	PollInterval time.Duration
	LeaseTTL     time.Duration
	RetryBackoff time.Duration
	MaxAttempts  int
}

// New returns the Redis runner when cfg.RedisURL is set and reachable,
// otherwise the in-process interval runner.
func New(ctx context.Context, cfg Config, logger *slog.Logger, metrics Metrics) Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(cfg.RedisURL) == "" {
		logger.Warn("redis url not configured, using in-process interval scheduler")
		return NewIntervalRunner(logger, metrics)
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("invalid redis url, using in-process interval scheduler", "error", err)
		return NewIntervalRunner(logger, metrics)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		logger.Warn("redis unreachable, using in-process interval scheduler", "error", err)
		return NewIntervalRunner(logger, metrics)
	}

	logger.Info("using redis-backed scheduler", "addr", opts.Addr)
	runner := NewRedisRunner(client, cfg, logger, metrics)
	runner.ownsClient = true
	return runner
}

// runGuarded executes one job invocation, converting a panic into an error.
func runGuarded(ctx context.Context, job Job, logger *slog.Logger, metrics Metrics) (err error) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, rec)
			logger.Error("scheduled job panicked",
				"job", job.Name,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			observe(metrics, job.Name, "panic", time.Since(start))
			return
		}
		if err != nil {
			logger.Error("scheduled job failed", "job", job.Name, "error", err)
			observe(metrics, job.Name, "error", time.Since(start))
			return
		}
		observe(metrics, job.Name, "success", time.Since(start))
	}()
	return job.Run(ctx)
}

func observe(metrics Metrics, name, status string, d time.Duration) {
	if metrics == nil {
		return
	}
	metrics.ObserveJob(name, status, d)
}
