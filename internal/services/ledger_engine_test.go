package services

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"github.com/pocketmint/wallet/internal/money"
)

func newEngineWithMock(t *testing.T) (*LedgerEngine, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	return NewLedgerEngine(db), mock, func() { db.Close() }
}

func expectUnit(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL lock_timeout").
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func expectLock(mock sqlmock.Sqlmock, accountID int64, balance string) {
	mock.ExpectQuery("SELECT id, balance FROM accounts WHERE id = \\$1 FOR UPDATE").
		WithArgs(accountID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "balance"}).AddRow(accountID, balance))
}

func TestLedgerEngine_TopUp(t *testing.T) {
	engine, mock, closeDB := newEngineWithMock(t)
	defer closeDB()
	ctx := context.Background()

	t.Run("credits the account", func(t *testing.T) {
		expectUnit(mock)
		expectLock(mock, 1, "0")

		mock.ExpectQuery("INSERT INTO transactions").
			WithArgs("topup", "ref-1", "wallet top-up").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(int64(7), int64(1), "10000", "10000", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE accounts SET balance").
			WithArgs("10000", int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectCommit()

		res, err := engine.TopUp(ctx, 1, money.FromInt64(10000), "ref-1")
		assert.NoError(t, err)
		assert.Equal(t, int64(7), res.TransactionID)
		assert.Equal(t, "ref-1", res.Reference)
		assert.Len(t, res.Balances, 1)
		assert.Equal(t, "10000", res.Balances[0].Balance.String())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects non-positive amount before touching the store", func(t *testing.T) {
		_, err := engine.TopUp(ctx, 1, money.Zero, "")
		assert.ErrorIs(t, err, ErrInvalidAmount)

		_, err = engine.TopUp(ctx, 1, money.FromInt64(-5), "")
		assert.ErrorIs(t, err, ErrInvalidAmount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing account", func(t *testing.T) {
		expectUnit(mock)
		mock.ExpectQuery("SELECT id, balance FROM accounts WHERE id = \\$1 FOR UPDATE").
			WithArgs(int64(99)).
			WillReturnRows(sqlmock.NewRows([]string{"id", "balance"}))
		mock.ExpectRollback()

		_, err := engine.TopUp(ctx, 99, money.FromInt64(100), "")
		assert.ErrorIs(t, err, ErrAccountNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerEngine_Transfer(t *testing.T) {
	engine, mock, closeDB := newEngineWithMock(t)
	defer closeDB()
	ctx := context.Background()

	t.Run("moves funds with balanced entries", func(t *testing.T) {
		expectUnit(mock)
		expectLock(mock, 1, "10000")
		expectLock(mock, 2, "0")

		mock.ExpectQuery("INSERT INTO transactions").
			WithArgs("transfer", "ref-t", "peer transfer").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(8))

		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(int64(8), int64(1), "-1000", "9000", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(int64(8), int64(2), "1000", "1000", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(2, 1))

		mock.ExpectExec("UPDATE accounts SET balance").
			WithArgs("9000", int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE accounts SET balance").
			WithArgs("1000", int64(2)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectCommit()

		res, err := engine.Transfer(ctx, 1, 2, money.FromInt64(1000), "ref-t")
		assert.NoError(t, err)
		assert.Equal(t, int64(8), res.TransactionID)
		assert.Equal(t, "9000", res.Balances[0].Balance.String())
		assert.Equal(t, "1000", res.Balances[1].Balance.String())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("locks ascending regardless of direction", func(t *testing.T) {
		// Transfer 5 -> 3: account 3 must be locked first.
		expectUnit(mock)
		expectLock(mock, 3, "0")
		expectLock(mock, 5, "2000")

		mock.ExpectQuery("INSERT INTO transactions").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(9))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(int64(9), int64(5), "-500", "1500", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(int64(9), int64(3), "500", "500", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(2, 1))
		mock.ExpectExec("UPDATE accounts SET balance").
			WithArgs("1500", int64(5)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE accounts SET balance").
			WithArgs("500", int64(3)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		res, err := engine.Transfer(ctx, 5, 3, money.FromInt64(500), "")
		assert.NoError(t, err)
		// Balances reported in ascending account id order.
		assert.Equal(t, int64(3), res.Balances[0].AccountID)
		assert.Equal(t, int64(5), res.Balances[1].AccountID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient funds aborts the unit", func(t *testing.T) {
		expectUnit(mock)
		expectLock(mock, 1, "9000")
		expectLock(mock, 2, "0")
		mock.ExpectRollback()

		_, err := engine.Transfer(ctx, 1, 2, money.FromInt64(20000), "")
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("self transfer rejected", func(t *testing.T) {
		_, err := engine.Transfer(ctx, 4, 4, money.FromInt64(100), "")
		assert.ErrorIs(t, err, ErrSameAccount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate reference surfaces as conflict", func(t *testing.T) {
		expectUnit(mock)
		expectLock(mock, 1, "10000")
		expectLock(mock, 2, "0")

		mock.ExpectQuery("INSERT INTO transactions").
			WillReturnError(&pq.Error{Code: "23505"})
		mock.ExpectRollback()

		_, err := engine.Transfer(ctx, 1, 2, money.FromInt64(100), "dup-ref")
		assert.ErrorIs(t, err, ErrDuplicateReference)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("lock wait timeout surfaces as contention", func(t *testing.T) {
		expectUnit(mock)
		mock.ExpectQuery("SELECT id, balance FROM accounts WHERE id = \\$1 FOR UPDATE").
			WithArgs(int64(1)).
			WillReturnError(&pq.Error{Code: "55P03"})
		mock.ExpectRollback()

		_, err := engine.Transfer(ctx, 1, 2, money.FromInt64(100), "")
		assert.ErrorIs(t, err, ErrLockTimeout)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("write failure after the debit leg leaves nothing committed", func(t *testing.T) {
		expectUnit(mock)
		expectLock(mock, 1, "10000")
		expectLock(mock, 2, "0")

		mock.ExpectQuery("INSERT INTO transactions").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(10))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(int64(10), int64(1), "-100", "9900", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(int64(10), int64(2), "100", "100", sqlmock.AnyArg()).
			WillReturnError(assert.AnError)
		mock.ExpectRollback()

		_, err := engine.Transfer(ctx, 1, 2, money.FromInt64(100), "")
		assert.Error(t, err)
		assert.NotErrorIs(t, err, ErrInsufficientFunds)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerEngine_Purchase(t *testing.T) {
	engine, mock, closeDB := newEngineWithMock(t)
	defer closeDB()
	ctx := context.Background()

	expectUnit(mock)
	expectLock(mock, 1, "5000")
	expectLock(mock, 2, "0")

	mock.ExpectQuery("INSERT INTO transactions").
		WithArgs("purchase", sqlmock.AnyArg(), "merchant purchase").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))
	mock.ExpectExec("INSERT INTO ledger_entries").
		WithArgs(int64(11), int64(1), "-2500", "2500", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO ledger_entries").
		WithArgs(int64(11), int64(2), "2500", "2500", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectExec("UPDATE accounts SET balance").
		WithArgs("2500", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE accounts SET balance").
		WithArgs("2500", int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := engine.Purchase(ctx, 1, 2, money.FromInt64(2500), "sku-41", "")
	assert.NoError(t, err)
	assert.NotEmpty(t, res.Reference)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerEngine_Reverse(t *testing.T) {
	engine, mock, closeDB := newEngineWithMock(t)
	defer closeDB()
	ctx := context.Background()

	t.Run("negates the original entries against current balances", func(t *testing.T) {
		expectUnit(mock)

		// Original transfer: -1000 on account 1, +1000 on account 2.
		mock.ExpectQuery("SELECT account_id, amount FROM ledger_entries WHERE transaction_id").
			WithArgs(int64(8)).
			WillReturnRows(sqlmock.NewRows([]string{"account_id", "amount"}).
				AddRow(1, "-1000").
				AddRow(2, "1000"))

		expectLock(mock, 1, "9000")
		expectLock(mock, 2, "1000")

		mock.ExpectQuery("INSERT INTO transactions").
			WithArgs("reversal", sqlmock.AnyArg(), "reversal of transaction 8").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(12))

		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(int64(12), int64(1), "1000", "10000", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE accounts SET balance").
			WithArgs("10000", int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectExec("INSERT INTO ledger_entries").
			WithArgs(int64(12), int64(2), "-1000", "0", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(2, 1))
		mock.ExpectExec("UPDATE accounts SET balance").
			WithArgs("0", int64(2)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		mock.ExpectCommit()

		res, err := engine.Reverse(ctx, 8, "")
		assert.NoError(t, err)
		assert.Equal(t, int64(12), res.TransactionID)
		assert.Equal(t, "10000", res.Balances[0].Balance.String())
		assert.Equal(t, "0", res.Balances[1].Balance.String())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown transaction", func(t *testing.T) {
		expectUnit(mock)
		mock.ExpectQuery("SELECT account_id, amount FROM ledger_entries WHERE transaction_id").
			WithArgs(int64(404)).
			WillReturnRows(sqlmock.NewRows([]string{"account_id", "amount"}))
		mock.ExpectRollback()

		_, err := engine.Reverse(ctx, 404, "")
		assert.ErrorIs(t, err, ErrTransactionNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("refuses to drive a balance negative", func(t *testing.T) {
		expectUnit(mock)

		// Reversing a topup of 10000 after the funds were spent.
		mock.ExpectQuery("SELECT account_id, amount FROM ledger_entries WHERE transaction_id").
			WithArgs(int64(7)).
			WillReturnRows(sqlmock.NewRows([]string{"account_id", "amount"}).
				AddRow(1, "10000"))

		expectLock(mock, 1, "500")
		mock.ExpectRollback()

		_, err := engine.Reverse(ctx, 7, "")
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
