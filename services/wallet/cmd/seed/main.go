package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	base "github.com/AfshinJalili/custody/libs/config"
	"github.com/AfshinJalili/custody/libs/logging"
	"github.com/AfshinJalili/custody/services/wallet/internal/config"
	"github.com/AfshinJalili/custody/services/wallet/internal/ledger"
	"github.com/AfshinJalili/custody/services/wallet/internal/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

type seedAdjustment struct {
	UserID   string
	Currency string
	Delta    string
	TxHash   string
	From     string
	To       string
	Status   string
}

var demoAdjustments = []seedAdjustment{
	{UserID: "demo-user", Currency: "BTC", Delta: "1.5", TxHash: "seed-demo-btc-1", From: "bc1qexchangehot", To: "bc1qdemo"},
	{UserID: "demo-user", Currency: "ETH", Delta: "12.25", TxHash: "seed-demo-eth-1", From: "0xexchangehot", To: "0xdemo"},
	{UserID: "demo-user", Currency: "USDT", Delta: "2500", TxHash: "seed-demo-usdt-1"},
	{UserID: "trader-user", Currency: "BTC", Delta: "0.75", TxHash: "seed-trader-btc-1"},
	{UserID: "trader-user", Currency: "BTC", Delta: "-0.25", TxHash: "seed-trader-btc-2", From: "bc1qtrader", To: "bc1qexternal"},
	{UserID: "trader-user", Currency: "SOL", Delta: "40", TxHash: "seed-trader-sol-1"},
}

func main() {
	env := base.EnvString("CUSTODY_ENV", "dev")
	if env != "dev" && env != "test" {
		log.Fatalf("refusing to seed: CUSTODY_ENV must be 'dev' or 'test' (got '%s')", env)
	}

	port, err := base.EnvInt("POSTGRES_PORT", 5432)
	if err != nil {
		log.Fatalf("invalid environment: %v", err)
	}
	db := config.DBConfig{
		Host:     base.EnvString("POSTGRES_HOST", "localhost"),
		Port:     port,
		Name:     base.EnvString("POSTGRES_DB", "custody_wallet"),
		User:     base.EnvString("POSTGRES_USER", "custody"),
		Password: base.EnvString("POSTGRES_PASSWORD", "custody"),
		SSLMode:  base.EnvString("POSTGRES_SSLMODE", "disable"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, db.DSN())
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	logger := logging.NewLogger("warn", "wallet-seed", env)
	store := storage.New(pool, logger)
	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatalf("apply schema: %v", err)
	}
	l := ledger.New(store, logger, nil)

	fmt.Println("Seeding wallets...")

	applied, skipped, err := seedAdjustments(ctx, l, demoAdjustments)
	if err != nil {
		log.Fatalf("seed wallets: %v", err)
	}
	fmt.Printf("✓ Demo wallets seeded (%d applied, %d already present)\n", applied, skipped)

	if os.Getenv("SEED_TESTDATA") == "1" {
		applied, skipped, err := seedAdjustments(ctx, l, testAdjustments)
		if err != nil {
			log.Fatalf("seed test data: %v", err)
		}
		fmt.Printf("✓ Test data seeded (%d applied, %d already present)\n", applied, skipped)
	}

	fmt.Println("\n=== Seed Complete ===")
	totals, err := store.SumBalancesByCurrency(ctx)
	if err != nil {
		log.Fatalf("sum balances: %v", err)
	}
	for _, t := range totals {
		fmt.Printf("  %-6s %s across %d wallets\n", t.Currency, t.Total.String(), t.Wallets)
	}
}

// seedAdjustments is re-runnable: entries whose tx hash is already recorded
// are skipped.
func seedAdjustments(ctx context.Context, l *ledger.Ledger, items []seedAdjustment) (int, int, error) {
	applied, skipped := 0, 0
	for _, item := range items {
		delta, err := decimal.NewFromString(item.Delta)
		if err != nil {
			return applied, skipped, fmt.Errorf("%s: %w", item.TxHash, err)
		}
		_, err = l.Adjust(ctx, item.UserID, item.Currency, delta, ledger.AdjustOptions{
			TxHash:      item.TxHash,
			FromAddress: item.From,
			ToAddress:   item.To,
			Status:      item.Status,
			Metadata:    map[string]any{"source": "seed"},
		})
		if errors.Is(err, storage.ErrDuplicateTxHash) {
			skipped++
			continue
		}
		if err != nil {
			return applied, skipped, fmt.Errorf("%s: %w", item.TxHash, err)
		}
		applied++
	}
	return applied, skipped, nil
}
