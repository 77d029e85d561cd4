package ledger

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/AfshinJalili/custody/services/testutil"
	"github.com/AfshinJalili/custody/services/wallet/internal/storage"
	"github.com/shopspring/decimal"
	"log/slog"
)

func TestPostgresConcurrentCredits(t *testing.T) {
	if os.Getenv("RUN_DB_INTEGRATION") == "" {
		t.Skip("set RUN_DB_INTEGRATION=1 to run")
	}

	pool, err := testutil.SetupTestDB()
	if err != nil {
		t.Skipf("db connection failed: %v", err)
	}
	defer pool.Close()

	ctx := context.Background()
	store := storage.New(pool, slog.Default())
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	l := New(store, slog.Default(), nil)
	userID := testutil.UniqueUserID("concurrent")

	const workers = 100
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Adjust(ctx, userID, "BTC", decimal.NewFromInt(1), AdjustOptions{}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Adjust: %v", err)
	}

	w, err := store.GetWallet(ctx, userID, "BTC")
	if err != nil {
		t.Fatalf("GetWallet: %v", err)
	}
	if !w.Balance.Equal(decimal.NewFromInt(workers)) {
		t.Fatalf("expected balance %d, got %s", workers, w.Balance)
	}
	txs, err := store.ListTransactions(ctx, userID, "BTC", 1000)
	if err != nil {
		t.Fatalf("ListTransactions: %v", err)
	}
	if len(txs) != workers {
		t.Fatalf("expected %d entries, got %d", workers, len(txs))
	}
}
