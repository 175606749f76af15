package services

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Failure taxonomy for ledger operations. Handlers branch on these with
// errors.Is; anything not matching a sentinel is a storage fault and the
// whole unit has already been rolled back.
var (
	ErrInvalidAmount       = errors.New("amount must be a positive whole number")
	ErrSameAccount         = errors.New("cannot transfer to the same account")
	ErrAccountNotFound     = errors.New("account not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrDuplicateReference  = errors.New("duplicate transaction reference")
	ErrLockTimeout         = errors.New("account is busy, retry the operation")
)

// Postgres error codes the engine interprets.
const (
	pgUniqueViolation  = "23505"
	pgLockNotAvailable = "55P03"
)

// classifyStoreError maps driver errors onto the failure taxonomy. A unique
// violation on transactions.reference means the caller already submitted this
// reference; a lock_timeout expiry means row-lock contention.
func classifyStoreError(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pgUniqueViolation:
			return ErrDuplicateReference
		case pgLockNotAvailable:
			return ErrLockTimeout
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
