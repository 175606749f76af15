package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/png"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/skip2/go-qrcode"

	"github.com/pocketmint/wallet/internal/money"
)

// QRService issues short-lived payment-request codes: a payee encodes
// their account id and an amount, the payer scans and resolves it into
// the arguments for a transfer. Codes are single-use and expire.
type QRService struct {
	db    *sql.DB
	redis *redis.Client
}

func NewQRService(db *sql.DB, redis *redis.Client) *QRService {
	return &QRService{
		db:    db,
		redis: redis,
	}
}

// PaymentRequest is the payload resolved from a scanned code.
type PaymentRequest struct {
	AccountID int64       `json:"account_id"`
	Amount    money.Money `json:"amount"`
	Timestamp int64       `json:"timestamp"`
	Nonce     string      `json:"nonce"`
}

func (s *QRService) GeneratePaymentCode(ctx context.Context, accountID int64, amount money.Money) (string, string, error) {
	if s.redis == nil {
		return "", "", fmt.Errorf("payment codes unavailable without redis")
	}

	// The account must exist before anyone is invited to pay it.
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)", accountID).Scan(&exists); err != nil {
		return "", "", err
	}
	if !exists {
		return "", "", ErrAccountNotFound
	}

	payload := PaymentRequest{
		AccountID: accountID,
		Amount:    amount,
		Timestamp: time.Now().Unix(),
		Nonce:     s.generateNonce(),
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return "", "", err
	}

	code := base64.URLEncoding.EncodeToString(jsonData)

	key := fmt.Sprintf("payreq:%s", code)
	if err := s.redis.Set(ctx, key, jsonData, 5*time.Minute).Err(); err != nil {
		return "", "", err
	}

	qr, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		return "", "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", "", err
	}

	qrImage := base64.StdEncoding.EncodeToString(buf.Bytes())

	return code, qrImage, nil
}

// ResolvePaymentCode consumes a scanned code and returns its payment request.
func (s *QRService) ResolvePaymentCode(ctx context.Context, code string) (*PaymentRequest, error) {
	if s.redis == nil {
		return nil, fmt.Errorf("payment codes unavailable without redis")
	}

	key := fmt.Sprintf("payreq:%s", code)

	data, err := s.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("invalid or expired payment code")
	}
	if err != nil {
		return nil, err
	}

	var req PaymentRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}

	s.redis.Del(ctx, key)

	return &req, nil
}

func (s *QRService) generateNonce() string {
	b := make([]byte, 16)
	rand.Read(b)
	return base64.URLEncoding.EncodeToString(b)
}
