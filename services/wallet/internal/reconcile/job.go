package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/AfshinJalili/custody/libs/trace"
	"github.com/AfshinJalili/custody/services/wallet/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "wallet-reconcile"

var DefaultTolerance = decimal.RequireFromString("0.0001")

var (
	ErrRunInProgress = errors.New("reconciliation already running")
	ErrRunIncomplete = errors.New("reconciliation did not complete")
)

type Status string

const (
	StatusOK            Status = "ok"
	StatusDiscrepancies Status = "discrepancies"
	StatusAborted       Status = "aborted"
	StatusFailed        Status = "failed"
)

type BalanceSource interface {
	FetchBalances(ctx context.Context) (map[string]decimal.Decimal, error)
}

type LedgerReader interface {
	SumBalancesByCurrency(ctx context.Context) ([]storage.CurrencyTotal, error)
}

// AlertSink receives every report that carries discrepancies.
type AlertSink interface {
	Name() string
	Alert(ctx context.Context, report Report) error
}

type Metrics interface {
	ObserveReconciliation(status string, diffs map[string]float64, finished time.Time)
}

type Discrepancy struct {
	Currency  string          `json:"currency"`
	External  decimal.Decimal `json:"external"`
	Internal  decimal.Decimal `json:"internal"`
	Diff      decimal.Decimal `json:"diff"`
	CheckedAt time.Time       `json:"checked_at"`
}

type Report struct {
	RunID         uuid.UUID     `json:"run_id"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at"`
	Status        Status        `json:"status"`
	Checked       int           `json:"checked"`
	Discrepancies []Discrepancy `json:"discrepancies"`
	Error         string        `json:"error,omitempty"`
}

// Job compares the exchange's custodial balances with the ledger totals. It
// only reads balances.
type Job struct {
	source    BalanceSource
	ledger    LedgerReader
	tolerance decimal.Decimal
	sinks     []AlertSink
	logger    *slog.Logger
	metrics   Metrics
	now       func() time.Time
	running   atomic.Bool
}

func NewJob(source BalanceSource, ledger LedgerReader, tolerance decimal.Decimal, logger *slog.Logger, metrics Metrics, sinks ...AlertSink) *Job {
	if logger == nil {
		logger = slog.Default()
	}
	if tolerance.IsNegative() || tolerance.IsZero() {
		tolerance = DefaultTolerance
	}
	return &Job{
		source:    source,
		ledger:    ledger,
		tolerance: tolerance,
		sinks:     sinks,
		logger:    logger,
		metrics:   metrics,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Trigger runs the job unless a run is already in progress in this process.
func (j *Job) Trigger(ctx context.Context) (Report, error) {
	if !j.running.CompareAndSwap(false, true) {
		return Report{}, ErrRunInProgress
	}
	defer j.running.Store(false)
	return j.Run(ctx), nil
}

// Scheduled adapts the job to the scheduler. Aborted and failed runs are
// reported as errors so broker-backed runners retry them.
func (j *Job) Scheduled(ctx context.Context) error {
	report, err := j.Trigger(ctx)
	if err != nil {
		return err
	}
	switch report.Status {
	case StatusAborted, StatusFailed:
		return fmt.Errorf("%w: %s: %s", ErrRunIncomplete, report.Status, report.Error)
	}
	return nil
}

// Run performs one reconciliation pass and never panics.
func (j *Job) Run(ctx context.Context) (report Report) {
	report = Report{
		RunID:         uuid.New(),
		StartedAt:     j.now(),
		Discrepancies: []Discrepancy{},
	}
	ctx, span := trace.StartSpan(ctx, tracerName, "reconciliation.run")
	span.SetAttributes(attribute.String("reconcile.run_id", report.RunID.String()))

	defer func() {
		if rec := recover(); rec != nil {
			j.logger.Error("reconciliation panicked",
				"run_id", report.RunID.String(),
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			report.Status = StatusFailed
			report.Error = fmt.Sprintf("panic: %v", rec)
			report.Discrepancies = []Discrepancy{}
		}
		report.FinishedAt = j.now()
		span.SetAttributes(
			attribute.String("reconcile.status", string(report.Status)),
			attribute.Int("reconcile.discrepancies", len(report.Discrepancies)),
		)
		if report.Status == StatusFailed {
			span.SetStatus(codes.Error, report.Error)
		}
		span.End()
		j.observe(report)
	}()

	external, err := j.source.FetchBalances(ctx)
	if err != nil {
		j.logger.Warn("reconciliation aborted: exchange balances unavailable",
			"run_id", report.RunID.String(),
			"error", err,
		)
		report.Status = StatusAborted
		report.Error = err.Error()
		return report
	}

	totals, err := j.ledger.SumBalancesByCurrency(ctx)
	if err != nil {
		j.logger.Error("reconciliation failed: ledger totals unavailable",
			"run_id", report.RunID.String(),
			"error", err,
		)
		report.Status = StatusFailed
		report.Error = err.Error()
		return report
	}

	report.Discrepancies = compare(external, totals, j.tolerance, report.StartedAt)
	report.Checked = len(external)
	if len(report.Discrepancies) == 0 {
		report.Status = StatusOK
		j.logger.Info("reconciliation ok",
			"run_id", report.RunID.String(),
			"currencies", report.Checked,
		)
		j.logUnreported(external, totals)
		return report
	}

	report.Status = StatusDiscrepancies
	j.logger.Warn("reconciliation discrepancies detected",
		"run_id", report.RunID.String(),
		"count", len(report.Discrepancies),
		"tolerance", j.tolerance.String(),
		"discrepancies", summarize(report.Discrepancies),
	)
	j.logUnreported(external, totals)
	j.alert(ctx, report)
	return report
}

// compare checks every currency reported by the exchange. Currencies without
// ledger wallets count as an internal balance of zero.
func compare(external map[string]decimal.Decimal, totals []storage.CurrencyTotal, tolerance decimal.Decimal, checkedAt time.Time) []Discrepancy {
	internal := make(map[string]decimal.Decimal, len(totals))
	for _, t := range totals {
		internal[strings.ToUpper(t.Currency)] = t.Total
	}

	currencies := make([]string, 0, len(external))
	for currency := range external {
		currencies = append(currencies, currency)
	}
	sort.Strings(currencies)

	out := []Discrepancy{}
	for _, currency := range currencies {
		ext := external[currency]
		in := internal[currency]
		diff := ext.Sub(in)
		if diff.Abs().GreaterThan(tolerance) {
			out = append(out, Discrepancy{
				Currency:  currency,
				External:  ext,
				Internal:  in,
				Diff:      diff,
				CheckedAt: checkedAt,
			})
		}
	}
	return out
}

func (j *Job) logUnreported(external map[string]decimal.Decimal, totals []storage.CurrencyTotal) {
	var missing []string
	for _, t := range totals {
		if _, ok := external[strings.ToUpper(t.Currency)]; !ok && !t.Total.IsZero() {
			missing = append(missing, t.Currency)
		}
	}
	if len(missing) > 0 {
		j.logger.Info("ledger currencies not reported by exchange", "currencies", missing)
	}
}

func (j *Job) alert(ctx context.Context, report Report) {
	for _, sink := range j.sinks {
		if err := sink.Alert(ctx, report); err != nil {
			j.logger.Error("reconciliation alert failed",
				"sink", sink.Name(),
				"run_id", report.RunID.String(),
				"error", err,
			)
		}
	}
}

func (j *Job) observe(report Report) {
	if j.metrics == nil {
		return
	}
	diffs := make(map[string]float64, len(report.Discrepancies))
	for _, d := range report.Discrepancies {
		diffs[d.Currency] = d.Diff.InexactFloat64()
	}
	j.metrics.ObserveReconciliation(string(report.Status), diffs, report.FinishedAt)
}

func summarize(items []Discrepancy) []string {
	out := make([]string, 0, len(items))
	for _, d := range items {
		out = append(out, fmt.Sprintf("%s external=%s internal=%s diff=%s", d.Currency, d.External, d.Internal, d.Diff))
	}
	return out
}
