package points

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ledger entry kinds. The ledger is append-only; corrections are new
// adjustment rows, never updates.
const (
	KindPurchase    = "purchase"
	KindEarn        = "earn"
	KindSpend       = "spend"
	KindTransferIn  = "transfer_in"
	KindTransferOut = "transfer_out"
	KindAdjustment  = "adjustment"
)

// LedgerEntry is one row of a user's point ledger. BalanceAfter is
// the running balance snapshot taken when the row was written; the
// latest row's snapshot IS the balance.
type LedgerEntry struct {
	ID           int64     `json:"id"`
	UserID       string    `json:"user_id"`
	Delta        int64     `json:"delta"`
	BalanceAfter int64     `json:"balance_after"`
	Kind         string    `json:"kind"`
	RefID        *string   `json:"ref_id,omitempty"`
	Note         string    `json:"note,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// AppendParams describes one ledger append.
type AppendParams struct {
	UserID string
	Delta  int64
	Kind   string
	RefID  *string
	Note   string
}

// BalanceUpdate is the payload published on a user's points channel
// after every append.
type BalanceUpdate struct {
	UserID  string      `json:"user_id"`
	Balance int64       `json:"balance"`
	Entry   LedgerEntry `json:"entry"`
}

// Receipt is the outcome of a completed point purchase.
type Receipt struct {
	Entry  LedgerEntry     `json:"entry"`
	Points int64           `json:"points"`
	Cost   decimal.Decimal `json:"cost"`
	Fee    decimal.Decimal `json:"fee"`
	Total  decimal.Decimal `json:"total"`
}
