package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AfshinJalili/custody/services/wallet/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrAuditWriteFailed is returned by the non-atomic mode when the balance
	// was written but the audit entry was not.
	ErrAuditWriteFailed = errors.New("audit entry write failed after balance update")
)

// Transactor runs fn in one all-or-nothing unit.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context, w storage.WalletWriter) error) error
}

type Metrics interface {
	ObserveAdjustment(status, entryType string, duration time.Duration)
}

// AdjustOptions carries the optional audit attributes of an adjustment. Zero values
// take the defaults: status completed, type derived from the delta sign, fee 0,
// confirmations 0, empty metadata. A non-empty EventID is recorded in the same
// unit as the balance change; a repeat fails with storage.ErrEventProcessed.
type AdjustOptions struct {
	EventID       string
	TxHash        string
	FromAddress   string
	ToAddress     string
	Fee           decimal.Decimal
	Status        string
	Type          string
	Confirmations int
	Metadata      map[string]any
	Timestamp     time.Time
}

type AdjustResult struct {
	WalletID      uuid.UUID
	TransactionID uuid.UUID
	Balance       decimal.Decimal
	Created       bool
}

// Ledger is the only writer of wallet balances.
type Ledger struct {
	tx      Transactor
	direct  storage.WalletWriter
	logger  *slog.Logger
	metrics Metrics
	now     func() time.Time
	newID   func() uuid.UUID
}

func New(tx Transactor, logger *slog.Logger, metrics Metrics) *Ledger {
	return newLedger(tx, nil, logger, metrics)
}

// NewNonAtomic builds a ledger for stores without transactions. The balance is
// written before the audit entry; a failed audit write surfaces as
// ErrAuditWriteFailed and leaves the balance changed.
func NewNonAtomic(w storage.WalletWriter, logger *slog.Logger, metrics Metrics) *Ledger {
	return newLedger(nil, w, logger, metrics)
}

func newLedger(tx Transactor, direct storage.WalletWriter, logger *slog.Logger, metrics Metrics) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		tx:      tx,
		direct:  direct,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.New,
	}
}

// Adjust applies a signed delta to the (userID, currency) wallet and records one
// audit entry for it. A missing wallet is created with delta as its balance.
// Negative resulting balances are not rejected here.
func (l *Ledger) Adjust(ctx context.Context, userID, currency string, delta decimal.Decimal, opts AdjustOptions) (AdjustResult, error) {
	start := time.Now()
	entry, err := l.buildEntry(userID, currency, delta, opts)
	if err != nil {
		l.observe("invalid", "", start)
		return AdjustResult{}, err
	}

	var res AdjustResult
	if l.tx != nil {
		err = l.tx.InTx(ctx, func(ctx context.Context, w storage.WalletWriter) error {
			var applyErr error
			res, applyErr = l.apply(ctx, w, entry, delta, opts.EventID)
			return applyErr
		})
	} else {
		res, err = l.applyNonAtomic(ctx, entry, delta, opts.EventID)
	}
	if errors.Is(err, storage.ErrEventProcessed) {
		l.observe("duplicate", entry.Type, start)
		return AdjustResult{}, err
	}
	if err != nil {
		l.observe("error", entry.Type, start)
		l.logger.Error("wallet adjustment failed",
			"user_id", entry.UserID,
			"currency", entry.Currency,
			"delta", delta.String(),
			"type", entry.Type,
			"tx_hash", entry.TxHash,
			"error", err,
		)
		return AdjustResult{}, err
	}

	l.observe("success", entry.Type, start)
	l.logger.Debug("wallet adjusted",
		"user_id", entry.UserID,
		"currency", entry.Currency,
		"wallet_id", res.WalletID.String(),
		"transaction_id", res.TransactionID.String(),
		"delta", delta.String(),
		"balance", res.Balance.String(),
	)
	return res, nil
}

func (l *Ledger) apply(ctx context.Context, w storage.WalletWriter, entry storage.Transaction, delta decimal.Decimal, eventID string) (AdjustResult, error) {
	if err := markEvent(ctx, w, eventID); err != nil {
		return AdjustResult{}, err
	}
	wallet, created, err := l.upsertBalance(ctx, w, entry.UserID, entry.Currency, delta, entry.UpdatedAt)
	if err != nil {
		return AdjustResult{}, err
	}

	entry.WalletID = wallet.ID
	if err := w.InsertTransaction(ctx, entry); err != nil {
		return AdjustResult{}, fmt.Errorf("insert wallet transaction: %w", err)
	}

	return AdjustResult{
		WalletID:      wallet.ID,
		TransactionID: entry.ID,
		Balance:       wallet.Balance,
		Created:       created,
	}, nil
}

func (l *Ledger) applyNonAtomic(ctx context.Context, entry storage.Transaction, delta decimal.Decimal, eventID string) (AdjustResult, error) {
	if l.direct == nil {
		return AdjustResult{}, fmt.Errorf("ledger store not configured")
	}
	if err := markEvent(ctx, l.direct, eventID); err != nil {
		return AdjustResult{}, err
	}
	wallet, created, err := l.upsertBalance(ctx, l.direct, entry.UserID, entry.Currency, delta, entry.UpdatedAt)
	if err != nil {
		return AdjustResult{}, err
	}

	entry.WalletID = wallet.ID
	if err := l.direct.InsertTransaction(ctx, entry); err != nil {
		l.logger.Error("balance written without audit entry",
			"wallet_id", wallet.ID.String(),
			"user_id", entry.UserID,
			"currency", entry.Currency,
			"delta", delta.String(),
			"error", err,
		)
		return AdjustResult{}, fmt.Errorf("%w: wallet %s: %w", ErrAuditWriteFailed, wallet.ID, err)
	}

	return AdjustResult{
		WalletID:      wallet.ID,
		TransactionID: entry.ID,
		Balance:       wallet.Balance,
		Created:       created,
	}, nil
}

func markEvent(ctx context.Context, w storage.WalletWriter, eventID string) error {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return nil
	}
	first, err := w.MarkEventProcessed(ctx, eventID)
	if err != nil {
		return err
	}
	if !first {
		return fmt.Errorf("%w: %s", storage.ErrEventProcessed, eventID)
	}
	return nil
}

// upsertBalance locks the wallet row, or creates it with delta as its initial
// balance. Losing a creation race falls back to lock-and-add so the delta is
// never dropped.
func (l *Ledger) upsertBalance(ctx context.Context, w storage.WalletWriter, userID, currency string, delta decimal.Decimal, now time.Time) (*storage.Wallet, bool, error) {
	wallet, err := w.GetWalletForUpdate(ctx, userID, currency)
	if err != nil && !errors.Is(err, storage.ErrWalletNotFound) {
		return nil, false, fmt.Errorf("lock wallet: %w", err)
	}

	if wallet == nil {
		fresh := storage.Wallet{
			ID:        l.newID(),
			UserID:    userID,
			Currency:  currency,
			Balance:   delta,
			CreatedAt: now,
			UpdatedAt: now,
		}
		inserted, err := w.InsertWallet(ctx, fresh)
		if err != nil {
			return nil, false, fmt.Errorf("create wallet: %w", err)
		}
		if inserted {
			return &fresh, true, nil
		}
		wallet, err = w.GetWalletForUpdate(ctx, userID, currency)
		if err != nil {
			return nil, false, fmt.Errorf("lock wallet after create race: %w", err)
		}
	}

	next := wallet.Balance.Add(delta)
	if err := w.UpdateWalletBalance(ctx, wallet.ID, next, now); err != nil {
		return nil, false, fmt.Errorf("update wallet balance: %w", err)
	}
	wallet.Balance = next
	wallet.UpdatedAt = now
	return wallet, false, nil
}

func (l *Ledger) buildEntry(userID, currency string, delta decimal.Decimal, opts AdjustOptions) (storage.Transaction, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return storage.Transaction{}, fmt.Errorf("%w: user_id is required", ErrInvalidArgument)
	}
	currency = NormalizeCurrency(currency)
	if currency == "" {
		return storage.Transaction{}, fmt.Errorf("%w: currency is required", ErrInvalidArgument)
	}

	entryType := strings.ToLower(strings.TrimSpace(opts.Type))
	switch entryType {
	case "":
		entryType = storage.TypeCredit
		if delta.IsNegative() {
			entryType = storage.TypeDebit
		}
	case storage.TypeCredit, storage.TypeDebit:
	default:
		return storage.Transaction{}, fmt.Errorf("%w: type must be credit or debit", ErrInvalidArgument)
	}

	status := strings.ToLower(strings.TrimSpace(opts.Status))
	switch status {
	case "":
		status = storage.StatusCompleted
	case storage.StatusPending, storage.StatusCompleted, storage.StatusFailed:
	default:
		return storage.Transaction{}, fmt.Errorf("%w: status must be pending, completed or failed", ErrInvalidArgument)
	}

	if opts.Fee.IsNegative() {
		return storage.Transaction{}, fmt.Errorf("%w: fee must be non-negative", ErrInvalidArgument)
	}
	if opts.Confirmations < 0 {
		return storage.Transaction{}, fmt.Errorf("%w: confirmations must be non-negative", ErrInvalidArgument)
	}

	now := l.now()
	ts := opts.Timestamp
	if ts.IsZero() {
		ts = now
	}
	metadata := opts.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	return storage.Transaction{
		ID:            l.newID(),
		UserID:        userID,
		TxHash:        strings.TrimSpace(opts.TxHash),
		FromAddress:   strings.TrimSpace(opts.FromAddress),
		ToAddress:     strings.TrimSpace(opts.ToAddress),
		Amount:        delta.Abs(),
		Currency:      currency,
		Fee:           opts.Fee,
		Status:        status,
		Type:          entryType,
		Timestamp:     ts.UTC(),
		Confirmations: opts.Confirmations,
		Metadata:      metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func (l *Ledger) observe(status, entryType string, start time.Time) {
	if l.metrics == nil {
		return
	}
	l.metrics.ObserveAdjustment(status, entryType, time.Since(start))
}

func NormalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}
