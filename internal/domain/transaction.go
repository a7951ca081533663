package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TxCredit      TransactionType = "credit"
	TxDebit       TransactionType = "debit"
	TxAdminAdjust TransactionType = "admin_adjust"
	TxRefund      TransactionType = "refund"
	TxPayment     TransactionType = "payment"
)

func ParseTransactionType(v string) (TransactionType, error) {
	switch t := TransactionType(v); t {
	case TxCredit, TxDebit, TxAdminAdjust, TxRefund, TxPayment:
		return t, nil
	}
	return "", validationf("unknown transaction type %q", v)
}

// Transaction is an immutable ledger entry. Amount is signed: debits are
// negative.
type Transaction struct {
	ID           uint64          `json:"id"`
	UserID       string          `json:"user_id"`
	VMID         string          `json:"vm_id,omitempty"`
	AdminID      string          `json:"admin_id,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	Type         TransactionType `json:"type"`
	Description  string          `json:"description,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	BalanceAfter decimal.Decimal `json:"balance_after"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Discrepancy locates the first ledger entry that breaks the running sum.
// Index -1 means the entries chain correctly but the final snapshot does
// not match the user's current balance.
type Discrepancy struct {
	Index         int             `json:"index"`
	TransactionID uint64          `json:"transaction_id,omitempty"`
	Expected      decimal.Decimal `json:"expected"`
	Actual        decimal.Decimal `json:"actual"`
}

// Replay walks txns in creation order and checks
// balance_after[i] == balance_after[i-1] + amount[i], starting from zero,
// and that the last snapshot equals balance.
func Replay(balance decimal.Decimal, txns []Transaction) *Discrepancy {
	running := decimal.Zero
	for i, t := range txns {
		running = running.Add(t.Amount)
		if !running.Equal(t.BalanceAfter) {
			return &Discrepancy{Index: i, TransactionID: t.ID, Expected: running, Actual: t.BalanceAfter}
		}
	}
	if !running.Equal(balance) {
		return &Discrepancy{Index: -1, Expected: running, Actual: balance}
	}
	return nil
}
