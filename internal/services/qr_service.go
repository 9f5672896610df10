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
	"github.com/masjidlink/backend/internal/config"
	"github.com/skip2/go-qrcode"
)

// QRService issues short-lived donation QR codes. A scholar generates a
// code carrying their id and a suggested amount; a member scans it to
// prefill the donation flow. Codes expire from redis after the TTL and are
// single-use.
type QRService struct {
	db    *sql.DB
	redis *redis.Client
	cfg   *config.LedgerConfig
}

func NewQRService(db *sql.DB, redisClient *redis.Client, cfg *config.LedgerConfig) *QRService {
	return &QRService{
		db:    db,
		redis: redisClient,
		cfg:   cfg,
	}
}

// GenerateDonationQR returns the opaque code and a base64 PNG rendering.
func (s *QRService) GenerateDonationQR(ctx context.Context, scholarID string, amount int64) (string, string, error) {
	var exists bool
	err := s.db.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM users WHERE id = $1::integer AND role = 'scholar')`,
		scholarID).Scan(&exists)
	if err != nil {
		return "", "", err
	}
	if !exists {
		return "", "", ErrAccountNotFound
	}

	qrData := map[string]any{
		"scholarId": scholarID,
		"amount":    amount,
		"timestamp": time.Now().Unix(),
		"nonce":     s.generateNonce(),
	}

	jsonData, err := json.Marshal(qrData)
	if err != nil {
		return "", "", err
	}

	qrCode := base64.URLEncoding.EncodeToString(jsonData)

	key := fmt.Sprintf("qr:%s", qrCode)
	if err := s.redis.Set(ctx, key, jsonData, s.cfg.QRCodeTTL).Err(); err != nil {
		return "", "", err
	}

	qr, err := qrcode.New(qrCode, qrcode.Medium)
	if err != nil {
		return "", "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", "", err
	}

	qrImage := base64.StdEncoding.EncodeToString(buf.Bytes())

	return qrCode, qrImage, nil
}

// ResolveDonationQR validates a scanned code and returns its payload. The
// code is consumed on first resolve.
func (s *QRService) ResolveDonationQR(ctx context.Context, qrData string) (map[string]any, error) {
	key := fmt.Sprintf("qr:%s", qrData)

	data, err := s.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("invalid or expired QR code")
	}
	if err != nil {
		return nil, err
	}

	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	s.redis.Del(ctx, key)

	return result, nil
}

func (s *QRService) generateNonce() string {
	b := make([]byte, 16)
	rand.Read(b)
	return base64.URLEncoding.EncodeToString(b)
}
