package services

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pocketmint/wallet/internal/models"
	"github.com/pocketmint/wallet/internal/money"
)

// Metrics
var (
	walletOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallet_operations_total",
		Help: "Total wallet ledger operations by outcome",
	}, []string{"operation", "outcome"})

	walletOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wallet_operation_duration_seconds",
		Help:    "Ledger operation latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"operation"})
)

// WalletService is the request-handling layer over the ledger engine:
// it parses and validates input, resolves the caller's account, invokes
// the engine, and maps its failure taxonomy onto HTTP statuses. It holds
// no balance-mutating SQL of its own.
type WalletService struct {
	db        *sql.DB
	engine    *LedgerEngine
	validator *ValidationHelper
}

func NewWalletService(db *sql.DB, engine *LedgerEngine) *WalletService {
	return &WalletService{
		db:        db,
		engine:    engine,
		validator: NewValidationHelper(),
	}
}

type TopUpRequest struct {
	Amount    money.Money `json:"amount"`
	Reference string      `json:"reference" validate:"omitempty,max=64"`
}

type TransferRequest struct {
	ToAccountID int64       `json:"to_account_id" validate:"required,gt=0"`
	Amount      money.Money `json:"amount"`
	Reference   string      `json:"reference" validate:"omitempty,max=64"`
}

type PurchaseRequest struct {
	MerchantAccountID int64       `json:"merchant_account_id" validate:"required,gt=0"`
	Amount            money.Money `json:"amount"`
	Item              string      `json:"item" validate:"omitempty,max=200"`
	Reference         string      `json:"reference" validate:"omitempty,max=64"`
}

// TopUp credits the caller's account.
func (ws *WalletService) TopUp(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(walletOpDuration.WithLabelValues("topup"))
	defer timer.ObserveDuration()

	userID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req TopUpRequest
	if !ws.decode(w, r, &req) {
		return
	}

	accountID, err := ws.accountIDForUser(r, userID)
	if err != nil {
		ws.sendEngineError(w, "topup", err)
		return
	}

	res, err := ws.engine.TopUp(r.Context(), accountID, req.Amount, req.Reference)
	if err != nil {
		ws.sendEngineError(w, "topup", err)
		return
	}

	log.Printf("[WALLET] TopUp committed: tx %d, account %d", res.TransactionID, accountID)
	ws.sendResult(w, "topup", res)
}

// Transfer moves funds from the caller's account to another account.
func (ws *WalletService) Transfer(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(walletOpDuration.WithLabelValues("transfer"))
	defer timer.ObserveDuration()

	userID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req TransferRequest
	if !ws.decode(w, r, &req) {
		return
	}

	fromID, err := ws.accountIDForUser(r, userID)
	if err != nil {
		ws.sendEngineError(w, "transfer", err)
		return
	}

	res, err := ws.engine.Transfer(r.Context(), fromID, req.ToAccountID, req.Amount, req.Reference)
	if err != nil {
		ws.sendEngineError(w, "transfer", err)
		return
	}

	log.Printf("[WALLET] Transfer committed: tx %d, %d -> %d", res.TransactionID, fromID, req.ToAccountID)
	ws.sendResult(w, "transfer", res)
}

// Purchase pays a merchant account from the caller's account.
func (ws *WalletService) Purchase(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(walletOpDuration.WithLabelValues("purchase"))
	defer timer.ObserveDuration()

	userID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req PurchaseRequest
	if !ws.decode(w, r, &req) {
		return
	}

	buyerID, err := ws.accountIDForUser(r, userID)
	if err != nil {
		ws.sendEngineError(w, "purchase", err)
		return
	}

	res, err := ws.engine.Purchase(r.Context(), buyerID, req.MerchantAccountID, req.Amount, req.Item, req.Reference)
	if err != nil {
		ws.sendEngineError(w, "purchase", err)
		return
	}

	log.Printf("[WALLET] Purchase committed: tx %d, buyer %d, merchant %d", res.TransactionID, buyerID, req.MerchantAccountID)
	ws.sendResult(w, "purchase", res)
}

// Reverse undoes a previously committed transaction.
func (ws *WalletService) Reverse(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(walletOpDuration.WithLabelValues("reverse"))
	defer timer.ObserveDuration()

	if _, ok := userIDFromContext(r); !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	txID, err := strconv.ParseInt(chi.URLParam(r, "transactionId"), 10, 64)
	if err != nil || txID <= 0 {
		SendErrorResponse(w, "Invalid transaction id", http.StatusBadRequest, nil)
		return
	}

	res, err := ws.engine.Reverse(r.Context(), txID, "")
	if err != nil {
		ws.sendEngineError(w, "reverse", err)
		return
	}

	log.Printf("[WALLET] Reversal committed: tx %d reverses tx %d", res.TransactionID, txID)
	ws.sendResult(w, "reverse", res)
}

// GetAccount returns the caller's account id and current balance. This is
// a plain read-committed read; it never observes uncommitted state.
func (ws *WalletService) GetAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var accountID int64
	var balance money.Money
	err := ws.db.QueryRowContext(r.Context(),
		"SELECT id, balance FROM accounts WHERE user_id = $1", userID).
		Scan(&accountID, &balance)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Account not found", http.StatusNotFound, nil)
		} else {
			log.Printf("[WALLET] Account lookup failed for user %d: %v", userID, err)
			SendErrorResponse(w, "Failed to fetch account", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"id":      accountID,
		"balance": balance,
	})
}

// GetLedger lists the caller's ledger entries, most recent first. The read
// bypasses the engine entirely; entries are immutable once committed.
func (ws *WalletService) GetLedger(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l < 1 {
			SendErrorResponse(w, "Invalid limit", http.StatusBadRequest, nil)
			return
		}
		limit = l
	}
	if limit > 200 {
		limit = 200
	}

	rows, err := ws.db.QueryContext(r.Context(), `
		SELECT le.id, le.transaction_id, le.account_id, le.amount, le.balance_after, le.metadata, le.created_at
		FROM ledger_entries le
		JOIN accounts a ON le.account_id = a.id
		WHERE a.user_id = $1
		ORDER BY le.id DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		log.Printf("[WALLET] Ledger query failed for user %d: %v", userID, err)
		SendErrorResponse(w, "Failed to fetch ledger", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	entries := []models.LedgerEntry{}
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.AccountID, &e.Amount, &e.BalanceAfter, &e.Metadata, &e.CreatedAt); err != nil {
			log.Printf("[WALLET] Ledger scan failed for user %d: %v", userID, err)
			SendErrorResponse(w, "Failed to fetch ledger", http.StatusInternalServerError, nil)
			return
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		SendErrorResponse(w, "Failed to fetch ledger", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"entries": entries,
		"count":   len(entries),
	})
}

func (ws *WalletService) accountIDForUser(r *http.Request, userID int64) (int64, error) {
	var accountID int64
	err := ws.db.QueryRowContext(r.Context(),
		"SELECT id FROM accounts WHERE user_id = $1", userID).Scan(&accountID)
	if err == sql.ErrNoRows {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, classifyStoreError("resolve account", err)
	}
	return accountID, nil
}

func (ws *WalletService) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, money.ErrNotInteger) {
			SendErrorResponse(w, "Amount must be a whole number of minor units", http.StatusBadRequest, nil)
			return false
		}
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	if err := ws.validator.ValidateStruct(dst); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}

func (ws *WalletService) sendResult(w http.ResponseWriter, operation string, res *Result) {
	walletOpsTotal.WithLabelValues(operation, "committed").Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(res)
}

// sendEngineError maps the engine's failure taxonomy onto HTTP statuses.
// Contention details are never exposed beyond a generic retry hint.
func (ws *WalletService) sendEngineError(w http.ResponseWriter, operation string, err error) {
	walletOpsTotal.WithLabelValues(operation, "failed").Inc()

	switch {
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrSameAccount):
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
	case errors.Is(err, ErrAccountNotFound), errors.Is(err, ErrTransactionNotFound):
		SendErrorResponse(w, err.Error(), http.StatusNotFound, nil)
	case errors.Is(err, ErrDuplicateReference):
		SendErrorResponse(w, "Duplicate reference, request may already be applied", http.StatusConflict, nil)
	case errors.Is(err, ErrInsufficientFunds):
		SendErrorResponse(w, "Insufficient funds", http.StatusUnprocessableEntity, nil)
	case errors.Is(err, ErrLockTimeout):
		SendErrorResponse(w, "Account busy, please retry", http.StatusServiceUnavailable, nil)
	default:
		log.Printf("[WALLET] %s failed: %v", operation, err)
		SendErrorResponse(w, "Failed to process operation", http.StatusInternalServerError, nil)
	}
}

func userIDFromContext(r *http.Request) (int64, bool) {
	userID, ok := r.Context().Value("userID").(int64)
	return userID, ok && userID > 0
}
