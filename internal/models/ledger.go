package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/pocketmint/wallet/internal/money"
)

// LedgerEntry is one leg of a double-entry transaction: a signed delta
// against an account plus the balance the account held immediately after
// the delta was applied. Entries are append-only.
type LedgerEntry struct {
	ID            int64       `json:"id" db:"id"`
	TransactionID int64       `json:"transaction_id" db:"transaction_id"`
	AccountID     int64       `json:"account_id" db:"account_id"`
	Amount        money.Money `json:"amount" db:"amount"`
	BalanceAfter  money.Money `json:"balance_after" db:"balance_after"`
	Metadata      Metadata    `json:"metadata" db:"metadata"`
	CreatedAt     time.Time   `json:"created_at" db:"created_at"`
}

// Metadata type for JSONB fields
type Metadata map[string]any

// Value implements driver.Valuer for Metadata
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for Metadata
func (m *Metadata) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		s, ok := value.(string)
		if !ok {
			return errors.New("metadata: unsupported scan type")
		}
		b = []byte(s)
	}
	return json.Unmarshal(b, m)
}
