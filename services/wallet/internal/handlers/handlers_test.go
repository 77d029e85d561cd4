package handlers

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/AfshinJalili/custody/libs/logging"
	"github.com/AfshinJalili/custody/services/testutil"
	"github.com/AfshinJalili/custody/services/wallet/internal/ledger"
	"github.com/AfshinJalili/custody/services/wallet/internal/reconcile"
	"github.com/AfshinJalili/custody/services/wallet/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type fakeReconciler struct {
	report reconcile.Report
	err    error
}

func (f *fakeReconciler) Trigger(context.Context) (reconcile.Report, error) {
	return f.report, f.err
}

type failingAdjuster struct {
	err error
}

func (f failingAdjuster) Adjust(context.Context, string, string, decimal.Decimal, ledger.AdjustOptions) (ledger.AdjustResult, error) {
	return ledger.AdjustResult{}, f.err
}

func setupRouter(t *testing.T, reconciler Reconciler) (*gin.Engine, *storage.MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := storage.NewMemoryStore()
	l := ledger.New(store, logging.Discard(), nil)
	router := gin.New()
	New(l, store, reconciler, logging.Discard()).Register(router)
	return router, store
}

func TestAdjustCreatesWallet(t *testing.T) {
	router, store := setupRouter(t, nil)
	userID := testutil.UniqueUserID("adjust")

	resp := testutil.MakeAPIRequest(router, http.MethodPost, "/v1/wallets/adjustments", map[string]any{
		"user_id":  userID,
		"currency": "btc",
		"delta":    "1.25",
		"options":  map[string]any{"tx_hash": "0xabc", "fee": "0.0001"},
	})
	testutil.AssertHTTPStatus(t, resp, http.StatusCreated)

	var body adjustResponse
	testutil.DecodeJSON(t, resp, &body)
	if body.Balance != "1.25" {
		t.Fatalf("expected balance 1.25, got %s", body.Balance)
	}
	if _, err := uuid.Parse(body.TransactionID); err != nil {
		t.Fatalf("expected transaction id, got %q", body.TransactionID)
	}

	w, err := store.GetWallet(context.Background(), userID, "BTC")
	if err != nil {
		t.Fatalf("GetWallet: %v", err)
	}
	if w.ID.String() != body.WalletID {
		t.Fatalf("wallet id mismatch")
	}
}

func TestAdjustRequiresDelta(t *testing.T) {
	router, _ := setupRouter(t, nil)
	resp := testutil.MakeAPIRequest(router, http.MethodPost, "/v1/wallets/adjustments", map[string]any{
		"user_id":  testutil.DemoUserID,
		"currency": "BTC",
	})
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
	testutil.AssertErrorMessage(t, resp, "delta is required")
}

func TestAdjustRejectsInvalidInput(t *testing.T) {
	router, _ := setupRouter(t, nil)
	cases := []struct {
		name string
		body map[string]any
	}{
		{"bad delta", map[string]any{"user_id": "u", "currency": "BTC", "delta": "abc"}},
		{"missing user", map[string]any{"currency": "BTC", "delta": "1"}},
		{"missing currency", map[string]any{"user_id": "u", "delta": "1"}},
		{"bad fee", map[string]any{"user_id": "u", "currency": "BTC", "delta": "1", "options": map[string]any{"fee": "x"}}},
		{"negative fee", map[string]any{"user_id": "u", "currency": "BTC", "delta": "1", "options": map[string]any{"fee": "-1"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := testutil.MakeAPIRequest(router, http.MethodPost, "/v1/wallets/adjustments", tc.body)
			testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
		})
	}
}

func TestAdjustDuplicateTxHash(t *testing.T) {
	router, _ := setupRouter(t, nil)
	body := map[string]any{
		"user_id":  testutil.TraderUserID,
		"currency": "ETH",
		"delta":    "2",
		"options":  map[string]any{"tx_hash": "0xdup"},
	}
	first := testutil.MakeAPIRequest(router, http.MethodPost, "/v1/wallets/adjustments", body)
	testutil.AssertHTTPStatus(t, first, http.StatusCreated)

	second := testutil.MakeAPIRequest(router, http.MethodPost, "/v1/wallets/adjustments", body)
	testutil.AssertErrorCode(t, second, testutil.ErrorCodeDuplicateTx)
}

func TestAdjustInternalError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	New(failingAdjuster{err: errors.New("db down")}, storage.NewMemoryStore(), nil, logging.Discard()).Register(router)

	resp := testutil.MakeAPIRequest(router, http.MethodPost, "/v1/wallets/adjustments", map[string]any{
		"user_id": "u", "currency": "BTC", "delta": "1",
	})
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInternalError)
}

func TestGetWallet(t *testing.T) {
	router, _ := setupRouter(t, nil)
	userID := testutil.UniqueUserID("get")

	resp := testutil.MakeAPIRequest(router, http.MethodGet, "/v1/wallets/"+userID+"/BTC", nil)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeWalletNotFound)

	for _, delta := range []string{"5", "-7.5"} {
		r := testutil.MakeAPIRequest(router, http.MethodPost, "/v1/wallets/adjustments", map[string]any{
			"user_id": userID, "currency": "BTC", "delta": delta,
		})
		testutil.AssertHTTPStatus(t, r, http.StatusCreated)
	}

	resp = testutil.MakeAPIRequest(router, http.MethodGet, "/v1/wallets/"+userID+"/btc", nil)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	var body walletResponse
	testutil.DecodeJSON(t, resp, &body)
	if body.Balance != "-2.5" || body.Currency != "BTC" || body.UserID != userID {
		t.Fatalf("unexpected wallet %+v", body)
	}
}

func TestListTransactions(t *testing.T) {
	router, _ := setupRouter(t, nil)
	userID := testutil.UniqueUserID("list")
	for _, delta := range []string{"1", "2", "-0.5"} {
		r := testutil.MakeAPIRequest(router, http.MethodPost, "/v1/wallets/adjustments", map[string]any{
			"user_id": userID, "currency": "SOL", "delta": delta,
		})
		testutil.AssertHTTPStatus(t, r, http.StatusCreated)
	}

	resp := testutil.MakeAPIRequest(router, http.MethodGet, "/v1/wallets/"+userID+"/SOL/transactions?limit=2", nil)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	var body transactionsResponse
	testutil.DecodeJSON(t, resp, &body)
	if len(body.Transactions) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(body.Transactions))
	}
	latest := body.Transactions[0]
	if latest.Type != storage.TypeDebit || latest.Amount != "0.5" || latest.Status != storage.StatusCompleted {
		t.Fatalf("unexpected latest entry %+v", latest)
	}

	bad := testutil.MakeAPIRequest(router, http.MethodGet, "/v1/wallets/"+userID+"/SOL/transactions?limit=-1", nil)
	testutil.AssertErrorCode(t, bad, testutil.ErrorCodeInvalidRequest)
}

func TestRunReconciliation(t *testing.T) {
	runID := uuid.New()
	router, _ := setupRouter(t, &fakeReconciler{report: reconcile.Report{RunID: runID, Status: reconcile.StatusOK, Checked: 2}})

	resp := testutil.MakeAPIRequest(router, http.MethodPost, "/v1/reconciliation/runs", nil)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	var body reconcile.Report
	testutil.DecodeJSON(t, resp, &body)
	if body.RunID != runID || body.Status != reconcile.StatusOK || body.Checked != 2 {
		t.Fatalf("unexpected report %+v", body)
	}
}

func TestRunReconciliationInProgress(t *testing.T) {
	router, _ := setupRouter(t, &fakeReconciler{err: reconcile.ErrRunInProgress})
	resp := testutil.MakeAPIRequest(router, http.MethodPost, "/v1/reconciliation/runs", nil)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeReconcileInProgress)
}

func TestListDiscrepancies(t *testing.T) {
	router, store := setupRouter(t, nil)
	runID := uuid.New()
	err := store.InsertDiscrepancies(context.Background(), []storage.Discrepancy{{
		ID:       uuid.New(),
		RunID:    runID,
		Currency: "BTC",
		External: decimal.RequireFromString("100.01"),
		Internal: decimal.RequireFromString("100"),
		Diff:     decimal.RequireFromString("0.01"),
	}})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp := testutil.MakeAPIRequest(router, http.MethodGet, "/v1/reconciliation/discrepancies", nil)
	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	var body discrepanciesResponse
	testutil.DecodeJSON(t, resp, &body)
	if len(body.Discrepancies) != 1 || body.Discrepancies[0].RunID != runID.String() || body.Discrepancies[0].Diff != "0.01" {
		t.Fatalf("unexpected discrepancies %+v", body.Discrepancies)
	}
}

func TestParseLimit(t *testing.T) {
	cases := []struct {
		raw  string
		want int
		ok   bool
	}{
		{"", defaultListLimit, true},
		{"10", 10, true},
		{"10000", maxListLimit, true},
		{"0", 0, false},
		{"abc", 0, false},
	}
	for _, tc := range cases {
		got, ok := parseLimit(tc.raw)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("parseLimit(%q) = %d, %v", tc.raw, got, ok)
		}
	}
}
