package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schemaSQL string

var (
	ErrWalletNotFound  = errors.New("wallet not found")
	ErrDuplicateTxHash = errors.New("transaction hash already recorded")
	ErrEventProcessed  = errors.New("event already processed")
)

// WalletWriter is the set of statements an adjustment issues. Implementations
// bound to a transaction must lock the row returned by GetWalletForUpdate until
// commit or rollback.
type WalletWriter interface {
	GetWalletForUpdate(ctx context.Context, userID, currency string) (*Wallet, error)
	// InsertWallet reports false when a row for (user, currency) already exists.
	InsertWallet(ctx context.Context, w Wallet) (bool, error)
	UpdateWalletBalance(ctx context.Context, walletID uuid.UUID, balance decimal.Decimal, updatedAt time.Time) error
	InsertTransaction(ctx context.Context, t Transaction) error
	// MarkEventProcessed records eventID and reports false when it was
	// already recorded.
	MarkEventProcessed(ctx context.Context, eventID string) (bool, error)
}

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		pool:   pool,
		logger: logger,
	}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InTx runs fn inside one database transaction. The transaction commits only
// when fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, w WalletWriter) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(ctx, &pgWriter{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	committed = true
	return nil
}

func (s *Store) GetWallet(ctx context.Context, userID, currency string) (Wallet, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, currency, balance::text, created_at, updated_at
		FROM wallets
		WHERE user_id = $1 AND currency = $2
	`, userID, currency)
	w, err := scanWallet(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, ErrWalletNotFound
		}
		return Wallet{}, err
	}
	return *w, nil
}

func (s *Store) ListTransactions(ctx context.Context, userID, currency string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, wallet_id, COALESCE(tx_hash, ''), COALESCE(from_address, ''), COALESCE(to_address, ''),
		       amount::text, currency, fee::text, status, type, timestamp, confirmations, metadata, created_at, updated_at
		FROM wallet_transactions
		WHERE user_id = $1 AND currency = $2
		ORDER BY created_at DESC, id
		LIMIT $3
	`, userID, currency, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var t Transaction
		var amountStr, feeStr string
		var meta []byte
		if err := rows.Scan(&t.ID, &t.UserID, &t.WalletID, &t.TxHash, &t.FromAddress, &t.ToAddress,
			&amountStr, &t.Currency, &feeStr, &t.Status, &t.Type, &t.Timestamp, &t.Confirmations, &meta, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		if t.Amount, err = decimal.NewFromString(amountStr); err != nil {
			return nil, fmt.Errorf("parse amount: %w", err)
		}
		if t.Fee, err = decimal.NewFromString(feeStr); err != nil {
			return nil, fmt.Errorf("parse fee: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &t.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		out = append(out, t)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// SumBalancesByCurrency returns the internal total per currency across all
// wallets.
func (s *Store) SumBalancesByCurrency(ctx context.Context) ([]CurrencyTotal, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT currency, SUM(balance)::text, COUNT(*)
		FROM wallets
		GROUP BY currency
		ORDER BY currency
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var totals []CurrencyTotal
	for rows.Next() {
		var ct CurrencyTotal
		var totalStr string
		if err := rows.Scan(&ct.Currency, &totalStr, &ct.Wallets); err != nil {
			return nil, err
		}
		if ct.Total, err = decimal.NewFromString(totalStr); err != nil {
			return nil, fmt.Errorf("parse currency total: %w", err)
		}
		totals = append(totals, ct)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return totals, nil
}

func (s *Store) CountTransactionsByCurrency(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT currency, COUNT(*)
		FROM wallet_transactions
		GROUP BY currency
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var currency string
		var n int64
		if err := rows.Scan(&currency, &n); err != nil {
			return nil, err
		}
		counts[currency] = n
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return counts, nil
}

func (s *Store) InsertDiscrepancies(ctx context.Context, items []Discrepancy) error {
	if len(items) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, d := range items {
		id := d.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		batch.Queue(`
			INSERT INTO reconciliation_discrepancies (id, run_id, currency, external, internal, diff, checked_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, id, d.RunID, d.Currency, d.External.String(), d.Internal.String(), d.Diff.String(), d.CheckedAt)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert discrepancies: %w", err)
	}
	return nil
}

func (s *Store) ListDiscrepancies(ctx context.Context, limit int) ([]Discrepancy, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, run_id, currency, external::text, internal::text, diff::text, checked_at
		FROM reconciliation_discrepancies
		ORDER BY checked_at DESC, currency
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Discrepancy
	for rows.Next() {
		var d Discrepancy
		var ext, internal, diff string
		if err := rows.Scan(&d.ID, &d.RunID, &d.Currency, &ext, &internal, &diff, &d.CheckedAt); err != nil {
			return nil, err
		}
		if d.External, err = decimal.NewFromString(ext); err != nil {
			return nil, fmt.Errorf("parse external: %w", err)
		}
		if d.Internal, err = decimal.NewFromString(internal); err != nil {
			return nil, fmt.Errorf("parse internal: %w", err)
		}
		if d.Diff, err = decimal.NewFromString(diff); err != nil {
			return nil, fmt.Errorf("parse diff: %w", err)
		}
		out = append(out, d)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

type pgWriter struct {
	tx pgx.Tx
}

func (w *pgWriter) GetWalletForUpdate(ctx context.Context, userID, currency string) (*Wallet, error) {
	row := w.tx.QueryRow(ctx, `
		SELECT id, user_id, currency, balance::text, created_at, updated_at
		FROM wallets
		WHERE user_id = $1 AND currency = $2
		FOR UPDATE
	`, userID, currency)
	wallet, err := scanWallet(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return wallet, nil
}

func (w *pgWriter) InsertWallet(ctx context.Context, wallet Wallet) (bool, error) {
	tag, err := w.tx.Exec(ctx, `
		INSERT INTO wallets (id, user_id, currency, balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (user_id, currency) DO NOTHING
	`, wallet.ID, wallet.UserID, wallet.Currency, wallet.Balance.String(), wallet.UpdatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (w *pgWriter) UpdateWalletBalance(ctx context.Context, walletID uuid.UUID, balance decimal.Decimal, updatedAt time.Time) error {
	tag, err := w.tx.Exec(ctx, `
		UPDATE wallets
		SET balance = $1, updated_at = $2
		WHERE id = $3
	`, balance.String(), updatedAt, walletID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("%w: %s", ErrWalletNotFound, walletID)
	}
	return nil
}

func (w *pgWriter) InsertTransaction(ctx context.Context, t Transaction) error {
	meta, err := encodeMetadata(t.Metadata)
	if err != nil {
		return err
	}
	_, err = w.tx.Exec(ctx, `
		INSERT INTO wallet_transactions (
			id, user_id, wallet_id, tx_hash, from_address, to_address, amount, currency, fee,
			status, type, timestamp, confirmations, metadata, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14::jsonb, $15, $15)
	`, t.ID, t.UserID, t.WalletID, nullString(t.TxHash), nullString(t.FromAddress), nullString(t.ToAddress),
		t.Amount.String(), t.Currency, t.Fee.String(), t.Status, t.Type, t.Timestamp, t.Confirmations, meta, t.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateTxHash, t.TxHash)
		}
		return err
	}
	return nil
}

func (w *pgWriter) MarkEventProcessed(ctx context.Context, eventID string) (bool, error) {
	key := processedEventKey(eventID)
	if key == "" {
		return true, nil
	}
	tag, err := w.tx.Exec(ctx, `
		INSERT INTO processed_events (event_id)
		VALUES ($1)
		ON CONFLICT (event_id) DO NOTHING
	`, key)
	if err != nil {
		return false, fmt.Errorf("mark event processed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func processedEventKey(eventID string) string {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return ""
	}
	return "wallet:" + eventID
}

func scanWallet(row pgx.Row) (*Wallet, error) {
	var w Wallet
	var balanceStr string
	if err := row.Scan(&w.ID, &w.UserID, &w.Currency, &balanceStr, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	balance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}
	w.Balance = balance
	return &w, nil
}

func encodeMetadata(meta map[string]any) (string, error) {
	if len(meta) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(raw), nil
}

func nullString(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
