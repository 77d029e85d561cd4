package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore keeps the ledger in process memory. InTx serialises all
// transactions behind one mutex and undoes staged writes when fn fails, which
// gives the same observable guarantees as the Postgres row lock for a single
// process. Direct WalletWriter calls on the store bypass that unit and are
// only meant for the non-atomic ledger mode.
type MemoryStore struct {
	mu            sync.Mutex
	wallets       map[string]*Wallet
	transactions  []Transaction
	discrepancies []Discrepancy
	events        map[string]struct{}
	now           func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[string]*Wallet),
		events:  make(map[string]struct{}),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func walletKey(userID, currency string) string {
	return userID + ":" + strings.ToUpper(currency)
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, w WalletWriter) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{store: s}
	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *MemoryStore) GetWalletForUpdate(ctx context.Context, userID, currency string) (*Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{store: s}).GetWalletForUpdate(ctx, userID, currency)
}

func (s *MemoryStore) InsertWallet(ctx context.Context, w Wallet) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{store: s}).InsertWallet(ctx, w)
}

func (s *MemoryStore) UpdateWalletBalance(ctx context.Context, walletID uuid.UUID, balance decimal.Decimal, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{store: s}).UpdateWalletBalance(ctx, walletID, balance, updatedAt)
}

func (s *MemoryStore) InsertTransaction(ctx context.Context, t Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{store: s}).InsertTransaction(ctx, t)
}

func (s *MemoryStore) MarkEventProcessed(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&memTx{store: s}).MarkEventProcessed(ctx, eventID)
}

func (s *MemoryStore) GetWallet(_ context.Context, userID, currency string) (Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[walletKey(userID, currency)]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	return *w, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, userID, currency string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Transaction
	for i := len(s.transactions) - 1; i >= 0 && len(out) < limit; i-- {
		t := s.transactions[i]
		if t.UserID == userID && strings.EqualFold(t.Currency, currency) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *MemoryStore) SumBalancesByCurrency(context.Context) ([]CurrencyTotal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byCurrency := make(map[string]*CurrencyTotal)
	for _, w := range s.wallets {
		ct, ok := byCurrency[w.Currency]
		if !ok {
			ct = &CurrencyTotal{Currency: w.Currency, Total: decimal.Zero}
			byCurrency[w.Currency] = ct
		}
		ct.Total = ct.Total.Add(w.Balance)
		ct.Wallets++
	}
	totals := make([]CurrencyTotal, 0, len(byCurrency))
	for _, ct := range byCurrency {
		totals = append(totals, *ct)
	}
	sort.Slice(totals, func(i, j int) bool { return totals[i].Currency < totals[j].Currency })
	return totals, nil
}

func (s *MemoryStore) CountTransactionsByCurrency(context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int64)
	for _, t := range s.transactions {
		counts[t.Currency]++
	}
	return counts, nil
}

func (s *MemoryStore) InsertDiscrepancies(_ context.Context, items []Discrepancy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range items {
		if d.ID == uuid.Nil {
			d.ID = uuid.New()
		}
		s.discrepancies = append(s.discrepancies, d)
	}
	return nil
}

func (s *MemoryStore) ListDiscrepancies(_ context.Context, limit int) ([]Discrepancy, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Discrepancy
	for i := len(s.discrepancies) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.discrepancies[i])
	}
	return out, nil
}

// memTx operates on the store with s.mu already held.
type memTx struct {
	store *MemoryStore
	undo  []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) GetWalletForUpdate(_ context.Context, userID, currency string) (*Wallet, error) {
	w, ok := t.store.wallets[walletKey(userID, currency)]
	if !ok {
		return nil, ErrWalletNotFound
	}
	snapshot := *w
	return &snapshot, nil
}

func (t *memTx) InsertWallet(_ context.Context, w Wallet) (bool, error) {
	key := walletKey(w.UserID, w.Currency)
	if _, exists := t.store.wallets[key]; exists {
		return false, nil
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = w.UpdatedAt
	}
	stored := w
	t.store.wallets[key] = &stored
	t.undo = append(t.undo, func() { delete(t.store.wallets, key) })
	return true, nil
}

func (t *memTx) UpdateWalletBalance(_ context.Context, walletID uuid.UUID, balance decimal.Decimal, updatedAt time.Time) error {
	for _, w := range t.store.wallets {
		if w.ID != walletID {
			continue
		}
		prevBalance, prevUpdated := w.Balance, w.UpdatedAt
		w.Balance = balance
		w.UpdatedAt = updatedAt
		target := w
		t.undo = append(t.undo, func() {
			target.Balance = prevBalance
			target.UpdatedAt = prevUpdated
		})
		return nil
	}
	return fmt.Errorf("%w: %s", ErrWalletNotFound, walletID)
}

func (t *memTx) InsertTransaction(_ context.Context, tx Transaction) error {
	if tx.TxHash != "" {
		for _, existing := range t.store.transactions {
			if existing.WalletID == tx.WalletID && existing.TxHash == tx.TxHash && existing.Type == tx.Type {
				return fmt.Errorf("%w: %s", ErrDuplicateTxHash, tx.TxHash)
			}
		}
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = t.store.now()
	}
	if tx.UpdatedAt.IsZero() {
		tx.UpdatedAt = tx.CreatedAt
	}
	t.store.transactions = append(t.store.transactions, tx)
	n := len(t.store.transactions)
	t.undo = append(t.undo, func() { t.store.transactions = t.store.transactions[:n-1] })
	return nil
}

func (t *memTx) MarkEventProcessed(_ context.Context, eventID string) (bool, error) {
	key := processedEventKey(eventID)
	if key == "" {
		return true, nil
	}
	if _, seen := t.store.events[key]; seen {
		return false, nil
	}
	t.store.events[key] = struct{}{}
	t.undo = append(t.undo, func() { delete(t.store.events, key) })
	return true, nil
}
