package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/AfshinJalili/custody/services/wallet/internal/ledger"
	"github.com/AfshinJalili/custody/services/wallet/internal/reconcile"
	"github.com/AfshinJalili/custody/services/wallet/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type Adjuster interface {
	Adjust(ctx context.Context, userID, currency string, delta decimal.Decimal, opts ledger.AdjustOptions) (ledger.AdjustResult, error)
}

type WalletReader interface {
	GetWallet(ctx context.Context, userID, currency string) (storage.Wallet, error)
	ListTransactions(ctx context.Context, userID, currency string, limit int) ([]storage.Transaction, error)
	ListDiscrepancies(ctx context.Context, limit int) ([]storage.Discrepancy, error)
}

type Reconciler interface {
	Trigger(ctx context.Context) (reconcile.Report, error)
}

type Handler struct {
	Ledger     Adjuster
	Store      WalletReader
	Reconciler Reconciler
	Logger     *slog.Logger
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type adjustOptions struct {
	TxHash        string         `json:"tx_hash"`
	FromAddress   string         `json:"from_address"`
	ToAddress     string         `json:"to_address"`
	Fee           *string        `json:"fee"`
	Status        string         `json:"status"`
	Type          string         `json:"type"`
	Confirmations int            `json:"confirmations"`
	Metadata      map[string]any `json:"metadata"`
	Timestamp     *time.Time     `json:"timestamp"`
}

type adjustRequest struct {
	UserID   string        `json:"user_id"`
	Currency string        `json:"currency"`
	Delta    *string       `json:"delta"`
	Options  adjustOptions `json:"options"`
}

type adjustResponse struct {
	WalletID      string `json:"wallet_id"`
	TransactionID string `json:"transaction_id"`
	Balance       string `json:"balance"`
}

type walletResponse struct {
	WalletID  string `json:"wallet_id"`
	UserID    string `json:"user_id"`
	Currency  string `json:"currency"`
	Balance   string `json:"balance"`
	UpdatedAt string `json:"updated_at"`
}

type transactionResponse struct {
	ID            string         `json:"id"`
	WalletID      string         `json:"wallet_id"`
	TxHash        string         `json:"tx_hash,omitempty"`
	FromAddress   string         `json:"from_address,omitempty"`
	ToAddress     string         `json:"to_address,omitempty"`
	Amount        string         `json:"amount"`
	Currency      string         `json:"currency"`
	Fee           string         `json:"fee"`
	Status        string         `json:"status"`
	Type          string         `json:"type"`
	Timestamp     string         `json:"timestamp"`
	Confirmations int            `json:"confirmations"`
	Metadata      map[string]any `json:"metadata"`
	CreatedAt     string         `json:"created_at"`
}

type transactionsResponse struct {
	Transactions []transactionResponse `json:"transactions"`
}

type discrepancyResponse struct {
	ID        string `json:"id"`
	RunID     string `json:"run_id"`
	Currency  string `json:"currency"`
	External  string `json:"external"`
	Internal  string `json:"internal"`
	Diff      string `json:"diff"`
	CheckedAt string `json:"checked_at"`
}

type discrepanciesResponse struct {
	Discrepancies []discrepancyResponse `json:"discrepancies"`
}

func New(ledger Adjuster, store WalletReader, reconciler Reconciler, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Ledger: ledger, Store: store, Reconciler: reconciler, Logger: logger}
}

func (h *Handler) Register(r *gin.Engine) {
	v1 := r.Group("/v1")
	v1.POST("/wallets/adjustments", h.Adjust)
	v1.GET("/wallets/:user_id/:currency", h.GetWallet)
	v1.GET("/wallets/:user_id/:currency/transactions", h.ListTransactions)
	v1.POST("/reconciliation/runs", h.RunReconciliation)
	v1.GET("/reconciliation/discrepancies", h.ListDiscrepancies)
}

func (h *Handler) Adjust(c *gin.Context) {
	var req adjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid json body"})
		return
	}
	if req.Delta == nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "delta is required"})
		return
	}
	delta, err := decimal.NewFromString(strings.TrimSpace(*req.Delta))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "delta must be a decimal string"})
		return
	}

	opts := ledger.AdjustOptions{
		TxHash:        req.Options.TxHash,
		FromAddress:   req.Options.FromAddress,
		ToAddress:     req.Options.ToAddress,
		Status:        req.Options.Status,
		Type:          req.Options.Type,
		Confirmations: req.Options.Confirmations,
		Metadata:      req.Options.Metadata,
	}
	if req.Options.Fee != nil {
		fee, err := decimal.NewFromString(strings.TrimSpace(*req.Options.Fee))
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "fee must be a decimal string"})
			return
		}
		opts.Fee = fee
	}
	if req.Options.Timestamp != nil {
		opts.Timestamp = *req.Options.Timestamp
	}

	res, err := h.Ledger.Adjust(c.Request.Context(), req.UserID, req.Currency, delta, opts)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInvalidArgument):
			c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: err.Error()})
		case errors.Is(err, storage.ErrDuplicateTxHash):
			c.JSON(http.StatusConflict, errorResponse{Code: "DUPLICATE_TRANSACTION", Message: "transaction hash already recorded"})
		default:
			h.Logger.Error("adjust failed", "error", err)
			c.JSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL_ERROR", Message: "internal error"})
		}
		return
	}

	c.JSON(http.StatusCreated, adjustResponse{
		WalletID:      res.WalletID.String(),
		TransactionID: res.TransactionID.String(),
		Balance:       res.Balance.String(),
	})
}

func (h *Handler) GetWallet(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))
	currency := ledger.NormalizeCurrency(c.Param("currency"))

	w, err := h.Store.GetWallet(c.Request.Context(), userID, currency)
	if err != nil {
		if errors.Is(err, storage.ErrWalletNotFound) {
			c.JSON(http.StatusNotFound, errorResponse{Code: "WALLET_NOT_FOUND", Message: "wallet not found"})
			return
		}
		h.Logger.Error("wallet lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL_ERROR", Message: "internal error"})
		return
	}

	c.JSON(http.StatusOK, walletResponse{
		WalletID:  w.ID.String(),
		UserID:    w.UserID,
		Currency:  w.Currency,
		Balance:   w.Balance.String(),
		UpdatedAt: w.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
}

func (h *Handler) ListTransactions(c *gin.Context) {
	userID := strings.TrimSpace(c.Param("user_id"))
	currency := ledger.NormalizeCurrency(c.Param("currency"))
	limit, ok := parseLimit(c.Query("limit"))
	if !ok {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid limit"})
		return
	}

	txs, err := h.Store.ListTransactions(c.Request.Context(), userID, currency, limit)
	if err != nil {
		h.Logger.Error("list transactions failed", "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL_ERROR", Message: "internal error"})
		return
	}

	resp := transactionsResponse{Transactions: make([]transactionResponse, 0, len(txs))}
	for _, t := range txs {
		resp.Transactions = append(resp.Transactions, transactionResponse{
			ID:            t.ID.String(),
			WalletID:      t.WalletID.String(),
			TxHash:        t.TxHash,
			FromAddress:   t.FromAddress,
			ToAddress:     t.ToAddress,
			Amount:        t.Amount.String(),
			Currency:      t.Currency,
			Fee:           t.Fee.String(),
			Status:        t.Status,
			Type:          t.Type,
			Timestamp:     t.Timestamp.UTC().Format(time.RFC3339Nano),
			Confirmations: t.Confirmations,
			Metadata:      t.Metadata,
			CreatedAt:     t.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) RunReconciliation(c *gin.Context) {
	if h.Reconciler == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse{Code: "RECONCILIATION_DISABLED", Message: "reconciliation not configured"})
		return
	}
	report, err := h.Reconciler.Trigger(c.Request.Context())
	if err != nil {
		if errors.Is(err, reconcile.ErrRunInProgress) {
			c.JSON(http.StatusConflict, errorResponse{Code: "RECONCILIATION_IN_PROGRESS", Message: "reconciliation already running"})
			return
		}
		h.Logger.Error("reconciliation trigger failed", "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL_ERROR", Message: "internal error"})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) ListDiscrepancies(c *gin.Context) {
	limit, ok := parseLimit(c.Query("limit"))
	if !ok {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "invalid limit"})
		return
	}
	items, err := h.Store.ListDiscrepancies(c.Request.Context(), limit)
	if err != nil {
		h.Logger.Error("list discrepancies failed", "error", err)
		c.JSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL_ERROR", Message: "internal error"})
		return
	}

	resp := discrepanciesResponse{Discrepancies: make([]discrepancyResponse, 0, len(items))}
	for _, d := range items {
		resp.Discrepancies = append(resp.Discrepancies, discrepancyResponse{
			ID:        d.ID.String(),
			RunID:     d.RunID.String(),
			Currency:  d.Currency,
			External:  d.External.String(),
			Internal:  d.Internal.String(),
			Diff:      d.Diff.String(),
			CheckedAt: d.CheckedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	c.JSON(http.StatusOK, resp)
}

func parseLimit(raw string) (int, bool) {
	if raw == "" {
		return defaultListLimit, true
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		return 0, false
	}
	if val > maxListLimit {
		val = maxListLimit
	}
	return val, true
}
