package service

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveAdjustment("success", "credit", time.Millisecond)
	m.ObserveReconciliation("ok", nil, time.Now())
	m.SetInternalBalance("BTC", 1)
	m.SetTransactionCount("BTC", 1)
	m.ObserveJob("reconcile", "success", time.Millisecond)
	m.IncEvent("processed")
}

func TestReconciliationGaugeResetsBetweenRuns(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ObserveReconciliation("discrepancies", map[string]float64{"BTC": 0.01, "ETH": -2}, time.Unix(100, 0))
	if got := testutil.ToFloat64(m.ReconciliationDiff.WithLabelValues("BTC")); got != 0.01 {
		t.Fatalf("expected BTC diff 0.01, got %v", got)
	}

	m.ObserveReconciliation("ok", map[string]float64{}, time.Unix(200, 0))
	if got := testutil.CollectAndCount(m.ReconciliationDiff); got != 0 {
		t.Fatalf("expected gauge to be cleared, got %d series", got)
	}
	if got := testutil.ToFloat64(m.ReconciliationLastRun); got != 200 {
		t.Fatalf("expected last run 200, got %v", got)
	}

	// an aborted run leaves the previous view in place
	m.ObserveReconciliation("aborted", nil, time.Unix(300, 0))
	if got := testutil.ToFloat64(m.ReconciliationLastRun); got != 200 {
		t.Fatalf("expected last run to stay at 200, got %v", got)
	}
	if got := testutil.ToFloat64(m.ReconciliationRuns.WithLabelValues("aborted")); got != 1 {
		t.Fatalf("expected one aborted run, got %v", got)
	}
}

func TestObserveJobSkipsDurationForSkippedRuns(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.ObserveJob("reconcile", "skipped", 0)
	if got := testutil.ToFloat64(m.JobRuns.WithLabelValues("reconcile", "skipped")); got != 1 {
		t.Fatalf("expected skipped count 1, got %v", got)
	}
	if got := testutil.CollectAndCount(m.JobDuration); got != 0 {
		t.Fatalf("expected no duration samples, got %d", got)
	}
}
