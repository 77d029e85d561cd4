package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/AfshinJalili/custody/services/testutil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

func setupStore(t *testing.T) (*Store, *pgxpool.Pool) {
	t.Helper()
	if os.Getenv("RUN_DB_INTEGRATION") == "" {
		t.Skip("set RUN_DB_INTEGRATION=1 to run")
	}

	pool, err := testutil.SetupTestDB()
	if err != nil {
		t.Skipf("db connection failed: %v", err)
	}
	t.Cleanup(pool.Close)

	store := New(pool, nil)
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return store, pool
}

func insertWalletTx(t *testing.T, ctx context.Context, store *Store, userID, currency string, balance decimal.Decimal) Wallet {
	t.Helper()
	now := time.Now().UTC()
	w := Wallet{ID: uuid.New(), UserID: userID, Currency: currency, Balance: balance, CreatedAt: now, UpdatedAt: now}
	err := store.InTx(ctx, func(ctx context.Context, wr WalletWriter) error {
		ok, err := wr.InsertWallet(ctx, w)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("wallet already exists")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert wallet: %v", err)
	}
	return w
}

func TestPostgresInTxRollback(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	userID := testutil.UniqueUserID("rollback")
	w := insertWalletTx(t, ctx, store, userID, "BTC", decimal.NewFromInt(2))

	boom := errors.New("boom")
	err := store.InTx(ctx, func(ctx context.Context, wr WalletWriter) error {
		locked, err := wr.GetWalletForUpdate(ctx, userID, "BTC")
		if err != nil {
			return err
		}
		if err := wr.UpdateWalletBalance(ctx, locked.ID, decimal.NewFromInt(99), time.Now().UTC()); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	got, err := store.GetWallet(ctx, userID, "BTC")
	if err != nil {
		t.Fatalf("GetWallet: %v", err)
	}
	if got.ID != w.ID || !got.Balance.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected untouched wallet, got %+v", got)
	}
}

func TestPostgresInsertWalletConflict(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	userID := testutil.UniqueUserID("conflict")
	insertWalletTx(t, ctx, store, userID, "ETH", decimal.Zero)

	err := store.InTx(ctx, func(ctx context.Context, wr WalletWriter) error {
		ok, err := wr.InsertWallet(ctx, Wallet{ID: uuid.New(), UserID: userID, Currency: "ETH", UpdatedAt: time.Now().UTC()})
		if err != nil {
			return err
		}
		if ok {
			t.Fatalf("expected conflict to report false")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}
}

func TestPostgresTransactionLog(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	userID := testutil.UniqueUserID("log")
	w := insertWalletTx(t, ctx, store, userID, "BTC", decimal.NewFromInt(1))
	now := time.Now().UTC()

	entry := Transaction{
		ID:        uuid.New(),
		UserID:    userID,
		WalletID:  w.ID,
		TxHash:    "0x" + uuid.NewString(),
		Amount:    decimal.RequireFromString("1.000000000000000001"),
		Currency:  "BTC",
		Fee:       decimal.Zero,
		Status:    StatusCompleted,
		Type:      TypeCredit,
		Timestamp: now,
		Metadata:  map[string]any{"source": "test"},
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := store.InTx(ctx, func(ctx context.Context, wr WalletWriter) error {
		return wr.InsertTransaction(ctx, entry)
	})
	if err != nil {
		t.Fatalf("insert transaction: %v", err)
	}

	dup := entry
	dup.ID = uuid.New()
	err = store.InTx(ctx, func(ctx context.Context, wr WalletWriter) error {
		return wr.InsertTransaction(ctx, dup)
	})
	if !errors.Is(err, ErrDuplicateTxHash) {
		t.Fatalf("expected duplicate tx hash, got %v", err)
	}

	txs, err := store.ListTransactions(ctx, userID, "BTC", 10)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(txs))
	}
	if !txs[0].Amount.Equal(entry.Amount) {
		t.Fatalf("expected full precision amount, got %s", txs[0].Amount)
	}
	if txs[0].Metadata["source"] != "test" {
		t.Fatalf("unexpected metadata %v", txs[0].Metadata)
	}

	if _, err := pool.Exec(ctx, `UPDATE wallet_transactions SET amount = 0 WHERE id = $1`, entry.ID); err == nil {
		t.Fatalf("expected transaction log to reject updates")
	}
	if _, err := pool.Exec(ctx, `DELETE FROM wallet_transactions WHERE id = $1`, entry.ID); err == nil {
		t.Fatalf("expected transaction log to reject deletes")
	}
}

func TestPostgresAggregates(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	if err := testutil.CleanupTestData(ctx, pool); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	insertWalletTx(t, ctx, store, testutil.UniqueUserID("agg"), "SOL", decimal.RequireFromString("1.25"))
	insertWalletTx(t, ctx, store, testutil.UniqueUserID("agg"), "SOL", decimal.RequireFromString("2.75"))

	totals, err := store.SumBalancesByCurrency(ctx)
	if err != nil {
		t.Fatalf("SumBalancesByCurrency: %v", err)
	}
	if len(totals) != 1 || totals[0].Currency != "SOL" || !totals[0].Total.Equal(decimal.NewFromInt(4)) || totals[0].Wallets != 2 {
		t.Fatalf("unexpected totals %+v", totals)
	}

	runID := uuid.New()
	err = store.InsertDiscrepancies(ctx, []Discrepancy{{
		ID:        uuid.New(),
		RunID:     runID,
		Currency:  "SOL",
		External:  decimal.NewFromInt(5),
		Internal:  decimal.NewFromInt(4),
		Diff:      decimal.NewFromInt(1),
		CheckedAt: time.Now().UTC(),
	}})
	if err != nil {
		t.Fatalf("InsertDiscrepancies: %v", err)
	}
	items, err := store.ListDiscrepancies(ctx, 10)
	if err != nil {
		t.Fatalf("ListDiscrepancies: %v", err)
	}
	if len(items) != 1 || items[0].RunID != runID || !items[0].Diff.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("unexpected discrepancies %+v", items)
	}
}

func TestPostgresMarkEventProcessed(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	eventID := uuid.NewString()
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM processed_events WHERE event_id = $1`, "wallet:"+eventID)
	})

	mark := func() bool {
		t.Helper()
		var first bool
		err := store.InTx(ctx, func(ctx context.Context, wr WalletWriter) error {
			var err error
			first, err = wr.MarkEventProcessed(ctx, eventID)
			return err
		})
		if err != nil {
			t.Fatalf("MarkEventProcessed: %v", err)
		}
		return first
	}

	if !mark() {
		t.Fatalf("expected first mark to insert")
	}
	if mark() {
		t.Fatalf("expected second mark to report already processed")
	}
}
