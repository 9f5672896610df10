package services

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/masjidlink/backend/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const webhookSecret = "sk_test_webhook"

func newWebhookFixture(t *testing.T) (*WebhookService, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	cfg := &config.LedgerConfig{
		DepositRate:          0.01,
		NotificationQueueKey: "notification_queue",
	}
	ledger := NewLedgerService(db)
	wallet := NewWalletService(db, nil, ledger, cfg)
	service := NewWebhookService(db, nil, ledger, wallet, cfg, webhookSecret)

	return service, mock, func() { db.Close() }
}

func signBody(body []byte) string {
	mac := hmac.New(sha512.New, []byte(webhookSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func deliver(service *WebhookService, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/paystack", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set("x-paystack-signature", signature)
	}
	w := httptest.NewRecorder()
	service.HandlePaystackWebhook(w, req)
	return w
}

func chargeEvent(transactionType, reference string, amountKobo int64, extra map[string]string) []byte {
	metadata := map[string]string{"transaction_type": transactionType}
	for k, v := range extra {
		metadata[k] = v
	}
	body, _ := json.Marshal(map[string]any{
		"event": "charge.success",
		"data": map[string]any{
			"reference": reference,
			"amount":    amountKobo,
			"status":    "success",
			"metadata":  metadata,
		},
	})
	return body
}

func TestWebhookService_Signature(t *testing.T) {
	service, mock, cleanup := newWebhookFixture(t)
	defer cleanup()

	body := chargeEvent("deposit", "dep-1", 500000, nil)

	t.Run("missing signature rejected", func(t *testing.T) {
		w := deliver(service, body, "")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("wrong signature rejected without side effects", func(t *testing.T) {
		w := deliver(service, body, "deadbeef")
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("tampered body rejected", func(t *testing.T) {
		tampered := chargeEvent("deposit", "dep-1", 900000, nil)
		w := deliver(service, tampered, signBody(body))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestWebhookService_Deposit(t *testing.T) {
	t.Run("completes pending deposit and credits account", func(t *testing.T) {
		service, mock, cleanup := newWebhookFixture(t)
		defer cleanup()

		// 5000 naira at 0.01 coins/naira = 50 coins
		body := chargeEvent("deposit", "dep-1", 500000, nil)
		accountID := "1111111111"

		mock.ExpectQuery("SELECT actor_account_id FROM coin_transactions").
			WithArgs("dep-1").
			WillReturnRows(sqlmock.NewRows([]string{"actor_account_id"}).AddRow(accountID))

		mock.ExpectBegin()

		mock.ExpectExec("INSERT INTO webhook_events").
			WithArgs("dep-1", "charge.success", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("SET status = 'completed', amount = \\$1").
			WithArgs(int64(50), "dep-1").
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectQuery(lockAccountQuery).
			WithArgs(accountID).
			WillReturnRows(accountRow(accountID, 10, 1))

		mock.ExpectExec(updateBalanceQuery).
			WithArgs(int64(60), sqlmock.AnyArg(), accountID, 1).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		w := deliver(service, body, signBody(body))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"success":true`)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("replayed delivery is a no-op", func(t *testing.T) {
		service, mock, cleanup := newWebhookFixture(t)
		defer cleanup()

		body := chargeEvent("deposit", "dep-1", 500000, nil)
		accountID := "1111111111"

		mock.ExpectQuery("SELECT actor_account_id FROM coin_transactions").
			WithArgs("dep-1").
			WillReturnRows(sqlmock.NewRows([]string{"actor_account_id"}).AddRow(accountID))

		mock.ExpectBegin()

		// Claim already taken: no further writes, still a 200.
		mock.ExpectExec("INSERT INTO webhook_events").
			WithArgs("dep-1", "charge.success", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 0))

		mock.ExpectRollback()

		w := deliver(service, body, signBody(body))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"success":true`)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("deposit without initiation credits via metadata", func(t *testing.T) {
		service, mock, cleanup := newWebhookFixture(t)
		defer cleanup()

		body := chargeEvent("deposit", "dep-2", 10000, map[string]string{"user_id": "7"})
		accountID := "3333333333"

		mock.ExpectQuery("SELECT actor_account_id FROM coin_transactions").
			WithArgs("dep-2").
			WillReturnRows(sqlmock.NewRows([]string{"actor_account_id"}))

		mock.ExpectQuery("SELECT account_id FROM users WHERE id = \\$1::integer").
			WithArgs("7").
			WillReturnRows(sqlmock.NewRows([]string{"account_id"}).AddRow(accountID))

		mock.ExpectBegin()

		mock.ExpectExec("INSERT INTO webhook_events").
			WithArgs("dep-2", "charge.success", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("SET status = 'completed', amount = \\$1").
			WithArgs(int64(1), "dep-2").
			WillReturnResult(sqlmock.NewResult(0, 0))

		mock.ExpectQuery(lockAccountQuery).
			WithArgs(accountID).
			WillReturnRows(accountRow(accountID, 0, 1))

		mock.ExpectExec(insertTxQuery).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec(updateBalanceQuery).
			WithArgs(int64(1), sqlmock.AnyArg(), accountID, 1).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		w := deliver(service, body, signBody(body))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestWebhookService_TransferEvents(t *testing.T) {
	transferEvent := func(event, reference, status string) []byte {
		body, _ := json.Marshal(map[string]any{
			"event": event,
			"data": map[string]any{
				"reference": reference,
				"amount":    400000,
				"status":    status,
			},
		})
		return body
	}

	t.Run("transfer.success settles the hold", func(t *testing.T) {
		service, mock, cleanup := newWebhookFixture(t)
		defer cleanup()

		body := transferEvent("transfer.success", "wdr-1", "success")

		mock.ExpectBegin()

		mock.ExpectExec("INSERT INTO webhook_events").
			WithArgs("wdr-1", "transfer.success", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("SET status = 'completed', resolved_at = \\$1").
			WithArgs(sqlmock.AnyArg(), "wdr-1").
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE coin_transactions SET status = 'completed'").
			WithArgs("wdr-1").
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		w := deliver(service, body, signBody(body))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("transfer.failed refunds the hold", func(t *testing.T) {
		service, mock, cleanup := newWebhookFixture(t)
		defer cleanup()

		body := transferEvent("transfer.failed", "wdr-2", "failed")
		accountID := "2222222222"

		mock.ExpectQuery("SELECT scholar_id, amount FROM withdrawal_requests").
			WithArgs("wdr-2").
			WillReturnRows(sqlmock.NewRows([]string{"scholar_id", "amount"}).AddRow(9, 40))

		mock.ExpectQuery("SELECT account_id FROM users WHERE id = \\$1").
			WithArgs(9).
			WillReturnRows(sqlmock.NewRows([]string{"account_id"}).AddRow(accountID))

		mock.ExpectBegin()

		mock.ExpectExec("INSERT INTO webhook_events").
			WithArgs("wdr-2", "transfer.failed", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectQuery(lockAccountQuery).
			WithArgs(accountID).
			WillReturnRows(accountRow(accountID, 60, 4))

		mock.ExpectExec(insertTxQuery).
			WithArgs(sqlmock.AnyArg(), accountID, nil, int64(40), "refund",
				"Refund: bank transfer failed", "wdr-2", "completed", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec(updateBalanceQuery).
			WithArgs(int64(100), sqlmock.AnyArg(), accountID, 4).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("SET status = 'failed', failure_reason = \\$1").
			WithArgs("failed", sqlmock.AnyArg(), "wdr-2").
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("UPDATE coin_transactions SET status = 'failed'").
			WithArgs("wdr-2").
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		w := deliver(service, body, signBody(body))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failed refund surfaces as inconsistency", func(t *testing.T) {
		service, mock, cleanup := newWebhookFixture(t)
		defer cleanup()

		body := transferEvent("transfer.failed", "wdr-3", "failed")
		accountID := "2222222222"

		mock.ExpectQuery("SELECT scholar_id, amount FROM withdrawal_requests").
			WithArgs("wdr-3").
			WillReturnRows(sqlmock.NewRows([]string{"scholar_id", "amount"}).AddRow(9, 40))

		mock.ExpectQuery("SELECT account_id FROM users WHERE id = \\$1").
			WithArgs(9).
			WillReturnRows(sqlmock.NewRows([]string{"account_id"}).AddRow(accountID))

		mock.ExpectBegin()

		mock.ExpectExec("INSERT INTO webhook_events").
			WithArgs("wdr-3", "transfer.failed", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectQuery(lockAccountQuery).
			WithArgs(accountID).
			WillReturnRows(accountRow(accountID, 60, 4))

		mock.ExpectExec(insertTxQuery).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec(updateBalanceQuery).
			WithArgs(int64(100), sqlmock.AnyArg(), accountID, 4).
			WillReturnResult(sqlmock.NewResult(1, 0)) // refund write lost the version race

		mock.ExpectRollback()

		w := deliver(service, body, signBody(body))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("transfer.failed for resolved withdrawal is a no-op", func(t *testing.T) {
		service, mock, cleanup := newWebhookFixture(t)
		defer cleanup()

		body := transferEvent("transfer.failed", "wdr-4", "failed")

		mock.ExpectQuery("SELECT scholar_id, amount FROM withdrawal_requests").
			WithArgs("wdr-4").
			WillReturnRows(sqlmock.NewRows([]string{"scholar_id", "amount"}))

		w := deliver(service, body, signBody(body))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestWebhookService_GatewayDonation(t *testing.T) {
	service, mock, cleanup := newWebhookFixture(t)
	defer cleanup()

	// 2000 naira at 0.01 coins/naira = 20 coins to the scholar
	body := chargeEvent("donation", "don-1", 200000,
		map[string]string{"recipient_id": "5", "stream_title": "Friday Tafsir"})
	accountID := "4444444444"

	mock.ExpectQuery("SELECT account_id FROM users WHERE id = \\$1::integer").
		WithArgs("5").
		WillReturnRows(sqlmock.NewRows([]string{"account_id"}).AddRow(accountID))

	mock.ExpectBegin()

	mock.ExpectExec("INSERT INTO webhook_events").
		WithArgs("don-1", "charge.success", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	mock.ExpectQuery(lockAccountQuery).
		WithArgs(accountID).
		WillReturnRows(accountRow(accountID, 0, 1))

	mock.ExpectExec(insertTxQuery).
		WithArgs(sqlmock.AnyArg(), accountID, nil, int64(20), "donation",
			"Gateway donation during \"Friday Tafsir\"", "don-1", "completed", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	mock.ExpectExec(updateBalanceQuery).
		WithArgs(int64(20), sqlmock.AnyArg(), accountID, 1).
		WillReturnResult(sqlmock.NewResult(1, 1))

	mock.ExpectCommit()

	w := deliver(service, body, signBody(body))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWebhookService_StreamCharge(t *testing.T) {
	service, mock, cleanup := newWebhookFixture(t)
	defer cleanup()

	body := chargeEvent("livestream", "str-1", 100000, nil)
	accountID := "4444444444"

	mock.ExpectBegin()

	mock.ExpectExec("INSERT INTO webhook_events").
		WithArgs("str-1", "charge.success", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	mock.ExpectQuery("UPDATE stream_access_grants SET status = 'success'").
		WithArgs("str-1").
		WillReturnRows(sqlmock.NewRows([]string{"scholar_id"}).AddRow(5))

	mock.ExpectQuery("SELECT account_id FROM users WHERE id = \\$1").
		WithArgs(5).
		WillReturnRows(sqlmock.NewRows([]string{"account_id"}).AddRow(accountID))

	mock.ExpectQuery(lockAccountQuery).
		WithArgs(accountID).
		WillReturnRows(accountRow(accountID, 0, 1))

	mock.ExpectExec(insertTxQuery).
		WillReturnResult(sqlmock.NewResult(1, 1))

	mock.ExpectExec(updateBalanceQuery).
		WithArgs(int64(10), sqlmock.AnyArg(), accountID, 1).
		WillReturnResult(sqlmock.NewResult(1, 1))

	mock.ExpectCommit()

	w := deliver(service, body, signBody(body))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWebhookService_FastPath(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	redisClient, redisMock := redismock.NewClientMock()
	cfg := &config.LedgerConfig{
		DepositRate:          0.01,
		NotificationQueueKey: "notification_queue",
	}
	ledger := NewLedgerService(db)
	wallet := NewWalletService(db, nil, ledger, cfg)
	service := NewWebhookService(db, redisClient, ledger, wallet, cfg, webhookSecret)

	body := chargeEvent("deposit", "dep-9", 500000, nil)
	accountID := "1111111111"
	key := "webhook:dep-9:charge.success"

	t.Run("failed delivery is not marked processed", func(t *testing.T) {
		redisMock.ExpectExists(key).SetVal(0)

		mock.ExpectQuery("SELECT actor_account_id FROM coin_transactions").
			WithArgs("dep-9").
			WillReturnRows(sqlmock.NewRows([]string{"actor_account_id"}).AddRow(accountID))
		mock.ExpectBegin().WillReturnError(errors.New("connection reset"))

		w := deliver(service, body, signBody(body))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
		// No Set expectation: writing the marker here would swallow the
		// provider's redelivery and lose the credit.
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("redelivery after a failure credits the deposit", func(t *testing.T) {
		redisMock.ExpectExists(key).SetVal(0)

		mock.ExpectQuery("SELECT actor_account_id FROM coin_transactions").
			WithArgs("dep-9").
			WillReturnRows(sqlmock.NewRows([]string{"actor_account_id"}).AddRow(accountID))

		mock.ExpectBegin()

		mock.ExpectExec("INSERT INTO webhook_events").
			WithArgs("dep-9", "charge.success", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("SET status = 'completed', amount = \\$1").
			WithArgs(int64(50), "dep-9").
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectQuery(lockAccountQuery).
			WithArgs(accountID).
			WillReturnRows(accountRow(accountID, 10, 1))

		mock.ExpectExec(updateBalanceQuery).
			WithArgs(int64(60), sqlmock.AnyArg(), accountID, 1).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		redisMock.ExpectSet(key, 1, 24*time.Hour).SetVal("OK")

		w := deliver(service, body, signBody(body))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("recently processed delivery is skipped", func(t *testing.T) {
		redisMock.ExpectExists(key).SetVal(1)

		w := deliver(service, body, signBody(body))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})
}

func TestWebhookService_UnknownEvent(t *testing.T) {
	service, mock, cleanup := newWebhookFixture(t)
	defer cleanup()

	body, _ := json.Marshal(map[string]any{
		"event": "subscription.create",
		"data":  map[string]any{"reference": "sub-1"},
	})

	w := deliver(service, body, signBody(body))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}
