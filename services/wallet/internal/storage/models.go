package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	TypeCredit = "credit"
	TypeDebit  = "debit"

	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

type Wallet struct {
	ID        uuid.UUID
	UserID    string
	Currency  string
	Balance   decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Transaction is one audit log entry. Amount is always non-negative; the
// direction is carried by Type.
type Transaction struct {
	ID            uuid.UUID
	UserID        string
	WalletID      uuid.UUID
	TxHash        string
	FromAddress   string
	ToAddress     string
	Amount        decimal.Decimal
	Currency      string
	Fee           decimal.Decimal
	Status        string
	Type          string
	Timestamp     time.Time
	Confirmations int
	Metadata      map[string]any
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type CurrencyTotal struct {
	Currency string
	Total    decimal.Decimal
	Wallets  int64
}

type Discrepancy struct {
	ID        uuid.UUID
	RunID     uuid.UUID
	Currency  string
	External  decimal.Decimal
	Internal  decimal.Decimal
	Diff      decimal.Decimal
	CheckedAt time.Time
}
