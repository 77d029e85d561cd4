package scheduler

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

//go:embed lua/claim.lua
var luaClaim string

//go:embed lua/complete.lua
var luaComplete string

//go:embed lua/fail.lua
var luaFail string

const (
	defaultKeyPrefix    = "custody:scheduler"
	defaultPollInterval = time.Second
	defaultLeaseTTL     = 5 * time.Minute
	defaultRetryBackoff = 5 * time.Second
	defaultMaxAttempts  = 3
)

type jobSpec struct {
	IntervalMS int64  `json:"interval_ms"`
	Payload    string `json:"payload,omitempty"`
}

// RedisRunner keeps job schedules in a Redis sorted set scored by the next due
// time in unix milliseconds. Any number of processes may poll the same set;
// the claim script hands a due occurrence to exactly one of them by moving its
// score to the lease expiry. An unfinished lease becomes due again when it
// expires.
type RedisRunner struct {
	rdb        redis.UniversalClient
	ownsClient bool
	cfg        Config
	logger     *slog.Logger
	metrics    Metrics
	now        func() time.Time

	scrClaim    *redis.Script
	scrComplete *redis.Script
	scrFail     *redis.Script

	mu       sync.Mutex
	jobs     map[string]Job
	order    []string
	inFlight map[string]bool
	started  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	runs     sync.WaitGroup
}

func NewRedisRunner(rdb redis.UniversalClient, cfg Config, logger *slog.Logger, metrics Metrics) *RedisRunner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaultRetryBackoff
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	return &RedisRunner{
		rdb:         rdb,
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		now:         time.Now,
		scrClaim:    redis.NewScript(luaClaim),
		scrComplete: redis.NewScript(luaComplete),
		scrFail:     redis.NewScript(luaFail),
		jobs:        make(map[string]Job),
		inFlight:    make(map[string]bool),
	}
}

func (r *RedisRunner) dueKey() string      { return r.cfg.KeyPrefix + ":due" }
func (r *RedisRunner) specKey() string     { return r.cfg.KeyPrefix + ":jobs" }
func (r *RedisRunner) attemptsKey() string { return r.cfg.KeyPrefix + ":attempts" }

func (r *RedisRunner) leaseKey(job string) string {
	return fmt.Sprintf("%s:lease:{%s}", r.cfg.KeyPrefix, job)
}

func (r *RedisRunner) Register(job Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("register %s: %w", job.Name, ErrAlreadyStarted)
	}
	if _, ok := r.jobs[job.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.Name)
	}
	r.jobs[job.Name] = job
	r.order = append(r.order, job.Name)
	return nil
}

// Enqueue records a repeatable schedule for name. An existing schedule keeps
// its due time, so restarting a process does not trigger an extra run.
func (r *RedisRunner) Enqueue(ctx context.Context, name, payload string, interval time.Duration) (bool, error) {
	spec, err := json.Marshal(jobSpec{IntervalMS: interval.Milliseconds(), Payload: payload})
	if err != nil {
		return false, fmt.Errorf("encode job spec: %w", err)
	}
	if err := r.rdb.HSet(ctx, r.specKey(), name, spec).Err(); err != nil {
		return false, fmt.Errorf("store job spec: %w", err)
	}
	added, err := r.rdb.ZAddNX(ctx, r.dueKey(), redis.Z{
		Score:  float64(r.now().UnixMilli()),
		Member: name,
	}).Result()
	if err != nil {
		return false, fmt.Errorf("schedule job %s: %w", name, err)
	}
	return added == 1, nil
}

func (r *RedisRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	r.started = true
	names := append([]string(nil), r.order...)
	jobs := make([]Job, 0, len(names))
	for _, name := range names {
		jobs = append(jobs, r.jobs[name])
	}
	r.mu.Unlock()

	for _, job := range jobs {
		added, err := r.Enqueue(ctx, job.Name, job.Payload, job.Interval)
		if err != nil {
			return err
		}
		r.logger.Info("job scheduled", "job", job.Name, "interval", job.Interval.String(), "new", added)
	}

	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go r.pollLoop(ctx)
	r.logger.Info("redis scheduler started", "jobs", len(jobs), "prefix", r.cfg.KeyPrefix)
	return nil
}

func (r *RedisRunner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
	r.runs.Wait()
	if r.ownsClient {
		if err := r.rdb.Close(); err != nil {
			r.logger.Warn("redis close failed", "error", err)
		}
	}
}

func (r *RedisRunner) pollLoop(ctx context.Context) {
	defer r.wg.Done()
	r.poll(ctx)
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

// poll claims every due job this process knows and runs each claimed one on
// its own goroutine.
func (r *RedisRunner) poll(ctx context.Context) int {
	nowMS := r.now().UnixMilli()
	due, err := r.rdb.ZRangeByScore(ctx, r.dueKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(nowMS, 10),
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("scheduler poll failed", "error", err)
		}
		return 0
	}

	claimed := 0
	for _, name := range due {
		r.mu.Lock()
		job, known := r.jobs[name]
		busy := r.inFlight[name]
		r.mu.Unlock()
		if !known || busy {
			continue
		}

		c, ok, err := r.claim(ctx, name, nowMS)
		if err != nil {
			r.logger.Error("scheduler claim failed", "job", name, "error", err)
			continue
		}
		if !ok {
			continue
		}

		claimed++
		r.mu.Lock()
		r.inFlight[name] = true
		r.mu.Unlock()
		r.runs.Add(1)
		go func() {
			defer r.runs.Done()
			defer func() {
				r.mu.Lock()
				delete(r.inFlight, job.Name)
				r.mu.Unlock()
			}()
			r.execute(ctx, job, c)
		}()
	}
	return claimed
}

type claimResult struct {
	token    string
	dueMS    int64
	attempts int
}

func (r *RedisRunner) claim(ctx context.Context, name string, nowMS int64) (claimResult, bool, error) {
	token := uuid.NewString()
	leaseMS := r.cfg.LeaseTTL.Milliseconds()
	keys := []string{r.dueKey(), r.leaseKey(name), r.attemptsKey()}
	args := []any{
		name,
		strconv.FormatInt(nowMS, 10),
		strconv.FormatInt(nowMS+leaseMS, 10),
		token,
		strconv.FormatInt(leaseMS, 10),
	}
	res, err := r.scrClaim.Run(ctx, r.rdb, keys, args...).Slice()
	if err != nil {
		return claimResult{}, false, err
	}
	if len(res) == 0 || toInt64(res[0]) != 1 || len(res) < 3 {
		return claimResult{}, false, nil
	}
	dueScore, err := strconv.ParseFloat(fmt.Sprint(res[1]), 64)
	if err != nil {
		return claimResult{}, false, fmt.Errorf("parse due score: %w", err)
	}
	attempts, _ := strconv.Atoi(fmt.Sprint(res[2]))
	return claimResult{token: token, dueMS: int64(dueScore), attempts: attempts}, true, nil
}

func (r *RedisRunner) execute(ctx context.Context, job Job, c claimResult) {
	runErr := runGuarded(ctx, job, r.logger, r.metrics)
	if ctx.Err() != nil && runErr != nil {
		// shutting down; the lease expires and another instance retries
		return
	}

	// the lease must be settled even when the run context is gone
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	nowMS := r.now().UnixMilli()
	next := nextDue(c.dueMS, job.Interval.Milliseconds(), nowMS)
	keys := []string{r.dueKey(), r.leaseKey(job.Name), r.attemptsKey()}

	if runErr == nil {
		ok, err := r.scrComplete.Run(settleCtx, r.rdb, keys, job.Name, c.token, strconv.FormatInt(next, 10)).Int()
		r.logSettle(job.Name, "complete", ok, err)
		return
	}

	attempts := c.attempts + 1
	if attempts >= r.cfg.MaxAttempts {
		r.logger.Error("job exhausted retries, waiting for next interval", "job", job.Name, "attempts", attempts)
		ok, err := r.scrFail.Run(settleCtx, r.rdb, keys, job.Name, c.token, strconv.FormatInt(next, 10), "0").Int()
		r.logSettle(job.Name, "fail", ok, err)
		return
	}

	retryAt := nowMS + backoff(r.cfg.RetryBackoff, attempts).Milliseconds()
	r.logger.Warn("job failed, retry scheduled", "job", job.Name, "attempt", attempts, "retry_at", time.UnixMilli(retryAt).UTC())
	ok, err := r.scrFail.Run(settleCtx, r.rdb, keys, job.Name, c.token, strconv.FormatInt(retryAt, 10), strconv.Itoa(attempts)).Int()
	r.logSettle(job.Name, "retry", ok, err)
}

func (r *RedisRunner) logSettle(job, action string, ok int, err error) {
	if err != nil {
		r.logger.Error("scheduler settle failed", "job", job, "action", action, "error", err)
		return
	}
	if ok != 1 {
		r.logger.Warn("scheduler lease lost before settle", "job", job, "action", action)
	}
}

// nextDue keeps a fixed cadence from the previous due time and skips
// occurrences missed while no instance was running.
func nextDue(dueMS, intervalMS, nowMS int64) int64 {
	next := dueMS + intervalMS
	if next <= nowMS {
		next = nowMS + intervalMS
	}
	return next
}

func backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base << (attempt - 1)
	if d <= 0 || d > time.Hour {
		return time.Hour
	}
	return d
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}
