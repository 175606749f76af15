package models

import (
	"time"

	"github.com/pocketmint/wallet/internal/money"
)

// Account holds the settled balance for one user. Exactly one account
// exists per user; the balance is only ever written by the ledger engine
// inside a database transaction holding the row lock.
type Account struct {
	ID        int64       `json:"id" db:"id"`
	UserID    int64       `json:"user_id" db:"user_id"`
	Balance   money.Money `json:"balance" db:"balance"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt time.Time   `json:"updated_at" db:"updated_at"`
}
