package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	AdjustmentsTotal      *prometheus.CounterVec
	AdjustmentDuration    *prometheus.HistogramVec
	ReconciliationRuns    *prometheus.CounterVec
	ReconciliationDiff    *prometheus.GaugeVec
	ReconciliationLastRun prometheus.Gauge
	InternalBalance       *prometheus.GaugeVec
	TransactionsCount     *prometheus.GaugeVec
	JobRuns               *prometheus.CounterVec
	JobDuration           *prometheus.HistogramVec
	EventsConsumed        *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		AdjustmentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_adjustments_total",
				Help: "Total balance adjustments by outcome.",
			},
			[]string{"status", "type"},
		),
		AdjustmentDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wallet_adjustment_duration_seconds",
				Help:    "Balance adjustment duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		ReconciliationRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_reconciliation_runs_total",
				Help: "Total reconciliation runs by status.",
			},
			[]string{"status"},
		),
		ReconciliationDiff: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wallet_reconciliation_discrepancy",
				Help: "External minus internal balance for currencies out of tolerance in the last run.",
			},
			[]string{"currency"},
		),
		ReconciliationLastRun: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "wallet_reconciliation_last_run_timestamp_seconds",
				Help: "Unix time of the last completed reconciliation run.",
			},
		),
		InternalBalance: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wallet_internal_balance_total",
				Help: "Sum of wallet balances per currency.",
			},
			[]string{"currency"},
		),
		TransactionsCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wallet_transactions_count",
				Help: "Number of transaction log entries per currency.",
			},
			[]string{"currency"},
		),
		JobRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_scheduled_job_runs_total",
				Help: "Scheduled job invocations by outcome.",
			},
			[]string{"job", "status"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wallet_scheduled_job_duration_seconds",
				Help:    "Scheduled job duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"job"},
		),
		EventsConsumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_adjustment_events_total",
				Help: "Adjustment events consumed from Kafka by outcome.",
			},
			[]string{"status"},
		),
	}

	registry.MustRegister(
		m.AdjustmentsTotal,
		m.AdjustmentDuration,
		m.ReconciliationRuns,
		m.ReconciliationDiff,
		m.ReconciliationLastRun,
		m.InternalBalance,
		m.TransactionsCount,
		m.JobRuns,
		m.JobDuration,
		m.EventsConsumed,
	)
	return m
}

func (m *Metrics) ObserveAdjustment(status, entryType string, duration time.Duration) {
	if m == nil {
		return
	}
	m.AdjustmentsTotal.WithLabelValues(status, entryType).Inc()
	m.AdjustmentDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// ObserveReconciliation records a finished run. The discrepancy gauge is reset
// so currencies back within tolerance disappear from it.
func (m *Metrics) ObserveReconciliation(status string, diffs map[string]float64, finished time.Time) {
	if m == nil {
		return
	}
	m.ReconciliationRuns.WithLabelValues(status).Inc()
	if status == "aborted" || status == "failed" {
		return
	}
	m.ReconciliationDiff.Reset()
	for currency, diff := range diffs {
		m.ReconciliationDiff.WithLabelValues(currency).Set(diff)
	}
	m.ReconciliationLastRun.Set(float64(finished.Unix()))
}

func (m *Metrics) SetInternalBalance(currency string, total float64) {
	if m == nil {
		return
	}
	m.InternalBalance.WithLabelValues(currency).Set(total)
}

func (m *Metrics) SetTransactionCount(currency string, count int64) {
	if m == nil {
		return
	}
	m.TransactionsCount.WithLabelValues(currency).Set(float64(count))
}

func (m *Metrics) ObserveJob(name, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.JobRuns.WithLabelValues(name, status).Inc()
	if status != "skipped" {
		m.JobDuration.WithLabelValues(name).Observe(duration.Seconds())
	}
}

func (m *Metrics) IncEvent(status string) {
	if m == nil {
		return
	}
	m.EventsConsumed.WithLabelValues(status).Inc()
}
