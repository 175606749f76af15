package services

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/pocketmint/wallet/internal/models"
	"github.com/pocketmint/wallet/internal/money"
)

// LedgerEngine owns the only write path to account balances. Every
// operation runs as one database transaction: lock the involved account
// rows in ascending id order, validate, write the transaction header and
// one ledger entry per account, update the balances, commit. Any failure
// rolls the whole unit back; no partial write is ever visible.
type LedgerEngine struct {
	db          *sql.DB
	lockTimeout time.Duration
}

func NewLedgerEngine(db *sql.DB) *LedgerEngine {
	viper.SetDefault("ledger.lock_timeout", 3*time.Second)
	return &LedgerEngine{
		db:          db,
		lockTimeout: viper.GetDuration("ledger.lock_timeout"),
	}
}

// AccountBalance is the post-commit balance of one touched account.
type AccountBalance struct {
	AccountID int64       `json:"account_id"`
	Balance   money.Money `json:"balance"`
}

// Result reports a committed ledger operation.
type Result struct {
	TransactionID int64            `json:"transaction_id"`
	Reference     string           `json:"reference"`
	Balances      []AccountBalance `json:"balances"`
}

type lockedAccount struct {
	id      int64
	balance money.Money
}

// TopUp credits amount to a single account.
func (e *LedgerEngine) TopUp(ctx context.Context, accountID int64, amount money.Money, reference string) (*Result, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	return e.run(ctx, func(tx *sql.Tx) (*Result, error) {
		accounts, err := e.lockAccounts(ctx, tx, accountID)
		if err != nil {
			return nil, err
		}
		acc := accounts[accountID]
		newBalance := acc.balance.Add(amount)

		txID, ref, err := e.insertTransaction(ctx, tx, models.TxTypeTopUp, reference, "wallet top-up")
		if err != nil {
			return nil, err
		}

		meta := models.Metadata{"type": models.TxTypeTopUp}
		if err := e.insertEntry(ctx, tx, txID, accountID, amount, newBalance, meta); err != nil {
			return nil, err
		}
		if err := e.updateBalance(ctx, tx, accountID, newBalance); err != nil {
			return nil, err
		}

		return &Result{
			TransactionID: txID,
			Reference:     ref,
			Balances:      []AccountBalance{{AccountID: accountID, Balance: newBalance}},
		}, nil
	})
}

// Transfer moves amount between two distinct accounts as a balanced pair
// of ledger entries.
func (e *LedgerEngine) Transfer(ctx context.Context, fromID, toID int64, amount money.Money, reference string) (*Result, error) {
	return e.pairedDebit(ctx, models.TxTypeTransfer, fromID, toID, amount, reference, "peer transfer", "")
}

// Purchase is mechanically a transfer from buyer to merchant, recorded
// distinctly and annotated with the purchased item.
func (e *LedgerEngine) Purchase(ctx context.Context, buyerID, merchantID int64, amount money.Money, itemRef, reference string) (*Result, error) {
	return e.pairedDebit(ctx, models.TxTypePurchase, buyerID, merchantID, amount, reference, "merchant purchase", itemRef)
}

func (e *LedgerEngine) pairedDebit(ctx context.Context, txType string, fromID, toID int64, amount money.Money, reference, description, itemRef string) (*Result, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if fromID == toID {
		return nil, ErrSameAccount
	}

	return e.run(ctx, func(tx *sql.Tx) (*Result, error) {
		accounts, err := e.lockAccounts(ctx, tx, fromID, toID)
		if err != nil {
			return nil, err
		}
		from, to := accounts[fromID], accounts[toID]

		if from.balance.Cmp(amount) < 0 {
			return nil, ErrInsufficientFunds
		}

		newFrom := from.balance.Sub(amount)
		newTo := to.balance.Add(amount)

		txID, ref, err := e.insertTransaction(ctx, tx, txType, reference, description)
		if err != nil {
			return nil, err
		}

		debitMeta := models.Metadata{"counterparty": toID}
		creditMeta := models.Metadata{"counterparty": fromID}
		if txType == models.TxTypePurchase {
			debitMeta = models.Metadata{"merchant": toID, "item": itemRef}
			creditMeta = models.Metadata{"customer": fromID, "item": itemRef}
		}

		if err := e.insertEntry(ctx, tx, txID, fromID, amount.Neg(), newFrom, debitMeta); err != nil {
			return nil, err
		}
		if err := e.insertEntry(ctx, tx, txID, toID, amount, newTo, creditMeta); err != nil {
			return nil, err
		}
		if err := e.updateBalance(ctx, tx, fromID, newFrom); err != nil {
			return nil, err
		}
		if err := e.updateBalance(ctx, tx, toID, newTo); err != nil {
			return nil, err
		}

		balances := []AccountBalance{
			{AccountID: fromID, Balance: newFrom},
			{AccountID: toID, Balance: newTo},
		}
		sort.Slice(balances, func(i, j int) bool { return balances[i].AccountID < balances[j].AccountID })

		return &Result{TransactionID: txID, Reference: ref, Balances: balances}, nil
	})
}

// Reverse undoes a committed transaction by applying the negated deltas of
// its entries to the current balances. Intervening activity is untouched;
// the reversal only fails if it would drive an account negative.
func (e *LedgerEngine) Reverse(ctx context.Context, transactionID int64, reference string) (*Result, error) {
	return e.run(ctx, func(tx *sql.Tx) (*Result, error) {
		deltas, order, err := e.loadEntryDeltas(ctx, tx, transactionID)
		if err != nil {
			return nil, err
		}

		accounts, err := e.lockAccounts(ctx, tx, order...)
		if err != nil {
			return nil, err
		}

		newBalances := make(map[int64]money.Money, len(order))
		for _, id := range order {
			nb := accounts[id].balance.Sub(deltas[id])
			if nb.IsNegative() {
				return nil, ErrInsufficientFunds
			}
			newBalances[id] = nb
		}

		txID, ref, err := e.insertTransaction(ctx, tx, models.TxTypeReversal, reference,
			fmt.Sprintf("reversal of transaction %d", transactionID))
		if err != nil {
			return nil, err
		}

		balances := make([]AccountBalance, 0, len(order))
		for _, id := range order {
			meta := models.Metadata{"reversal_of": transactionID}
			if err := e.insertEntry(ctx, tx, txID, id, deltas[id].Neg(), newBalances[id], meta); err != nil {
				return nil, err
			}
			if err := e.updateBalance(ctx, tx, id, newBalances[id]); err != nil {
				return nil, err
			}
			balances = append(balances, AccountBalance{AccountID: id, Balance: newBalances[id]})
		}

		return &Result{TransactionID: txID, Reference: ref, Balances: balances}, nil
	})
}

// run executes fn inside one read-committed database transaction with a
// bounded row-lock wait, committing on success and rolling back otherwise.
func (e *LedgerEngine) run(ctx context.Context, fn func(tx *sql.Tx) (*Result, error)) (*Result, error) {
	tx, err := e.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, classifyStoreError("begin transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("SET LOCAL lock_timeout = '%d'", e.lockTimeout.Milliseconds())); err != nil {
		return nil, classifyStoreError("set lock timeout", err)
	}

	res, err := fn(tx)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, classifyStoreError("commit", err)
	}
	return res, nil
}

// lockAccounts acquires FOR UPDATE locks on the given accounts in
// ascending id order. The deterministic order is what makes opposing
// concurrent operations on the same pair deadlock-free.
func (e *LedgerEngine) lockAccounts(ctx context.Context, tx *sql.Tx, ids ...int64) (map[int64]lockedAccount, error) {
	sorted := make([]int64, 0, len(ids))
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			sorted = append(sorted, id)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	locked := make(map[int64]lockedAccount, len(sorted))
	for _, id := range sorted {
		var acc lockedAccount
		err := tx.QueryRowContext(ctx,
			"SELECT id, balance FROM accounts WHERE id = $1 FOR UPDATE", id).
			Scan(&acc.id, &acc.balance)
		if err == sql.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		if err != nil {
			return nil, classifyStoreError("lock account", err)
		}
		locked[id] = acc
	}
	return locked, nil
}

// loadEntryDeltas aggregates the entries of a committed transaction into
// one net delta per account, returning the account ids ascending.
func (e *LedgerEngine) loadEntryDeltas(ctx context.Context, tx *sql.Tx, transactionID int64) (map[int64]money.Money, []int64, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT account_id, amount FROM ledger_entries WHERE transaction_id = $1 ORDER BY id", transactionID)
	if err != nil {
		return nil, nil, classifyStoreError("load entries", err)
	}
	defer rows.Close()

	deltas := make(map[int64]money.Money)
	var order []int64
	for rows.Next() {
		var accountID int64
		var amount money.Money
		if err := rows.Scan(&accountID, &amount); err != nil {
			return nil, nil, classifyStoreError("scan entry", err)
		}
		if _, ok := deltas[accountID]; !ok {
			order = append(order, accountID)
		}
		deltas[accountID] = deltas[accountID].Add(amount)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, classifyStoreError("load entries", err)
	}
	if len(order) == 0 {
		return nil, nil, ErrTransactionNotFound
	}

	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	return deltas, order, nil
}

func (e *LedgerEngine) insertTransaction(ctx context.Context, tx *sql.Tx, txType, reference, description string) (int64, string, error) {
	if reference == "" {
		reference = uuid.New().String()
	}
	var id int64
	err := tx.QueryRowContext(ctx,
		"INSERT INTO transactions (type, reference, description, created_at) VALUES ($1, $2, $3, NOW()) RETURNING id",
		txType, reference, description).Scan(&id)
	if err != nil {
		return 0, "", classifyStoreError("insert transaction", err)
	}
	return id, reference, nil
}

func (e *LedgerEngine) insertEntry(ctx context.Context, tx *sql.Tx, txID, accountID int64, amount, balanceAfter money.Money, meta models.Metadata) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO ledger_entries (transaction_id, account_id, amount, balance_after, metadata, created_at) VALUES ($1, $2, $3, $4, $5, NOW())",
		txID, accountID, amount, balanceAfter, meta)
	if err != nil {
		return classifyStoreError("insert ledger entry", err)
	}
	return nil
}

func (e *LedgerEngine) updateBalance(ctx context.Context, tx *sql.Tx, accountID int64, balance money.Money) error {
	res, err := tx.ExecContext(ctx,
		"UPDATE accounts SET balance = $1, updated_at = NOW() WHERE id = $2", balance, accountID)
	if err != nil {
		return classifyStoreError("update balance", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return classifyStoreError("update balance", err)
	}
	if affected == 0 {
		return ErrAccountNotFound
	}
	return nil
}
