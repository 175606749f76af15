package models

import "time"

// Transaction types. A transaction header is written exactly once and
// never mutated; corrections happen through new reversal transactions.
const (
	TxTypeTopUp    = "topup"
	TxTypeTransfer = "transfer"
	TxTypePurchase = "purchase"
	TxTypeReversal = "reversal"
)

type Transaction struct {
	ID          int64     `json:"id" db:"id"`
	Type        string    `json:"type" db:"type"`
	Reference   string    `json:"reference" db:"reference"`
	Description string    `json:"description" db:"description"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
