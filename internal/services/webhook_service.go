package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/masjidlink/backend/internal/audit"
	"github.com/masjidlink/backend/internal/config"
	"github.com/masjidlink/backend/internal/models"
)

// WebhookService is the bridge between the payment gateway and the ledger.
// Every handler verifies the HMAC signature over the raw body before any
// side effect, and every ledger effect commits atomically with an
// idempotency claim on (payment_reference, event) so redeliveries are
// no-ops.
type WebhookService struct {
	db     *sql.DB
	redis  *redis.Client
	ledger *LedgerService
	wallet *WalletService
	audit  *audit.Logger
	cfg    *config.LedgerConfig
	secret string
}

// PaystackEvent is the subset of the gateway payload the bridge acts on.
type PaystackEvent struct {
	Event string `json:"event"`
	Data  struct {
		Reference string `json:"reference"`
		Amount    int64  `json:"amount"` // kobo
		Status    string `json:"status"`
		Metadata  struct {
			TransactionType string `json:"transaction_type"`
			UserID          string `json:"user_id"`
			RecipientID     string `json:"recipient_id"`
			StreamTitle     string `json:"stream_title"`
		} `json:"metadata"`
	} `json:"data"`
}

func NewWebhookService(db *sql.DB, redisClient *redis.Client, ledger *LedgerService, wallet *WalletService, cfg *config.LedgerConfig, secret string) *WebhookService {
	return &WebhookService{
		db:     db,
		redis:  redisClient,
		ledger: ledger,
		wallet: wallet,
		audit:  audit.NewLogger(),
		cfg:    cfg,
		secret: secret,
	}
}

// HandlePaystackWebhook processes gateway event deliveries
// @Summary Paystack webhook receiver
// @Description Verify the gateway signature and apply charge and transfer events to the coin ledger
// @Tags webhooks
// @Accept json
// @Produce json
// @Param x-paystack-signature header string true "HMAC-SHA512 signature of the raw body"
// @Success 200 {object} object{success=bool}
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /webhooks/paystack [post]
func (s *WebhookService) HandlePaystackWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1_048_576))
	if err != nil {
		SendErrorResponse(w, "Failed to read request body", http.StatusBadRequest, nil)
		return
	}

	if !s.verifySignature(body, r.Header.Get("x-paystack-signature")) {
		log.Printf("[WEBHOOK] Rejected delivery with bad signature from %s", r.RemoteAddr)
		SendErrorResponse(w, "Invalid signature", http.StatusUnauthorized, nil)
		return
	}

	var event PaystackEvent
	if err := json.Unmarshal(body, &event); err != nil {
		SendErrorResponse(w, "Invalid payload", http.StatusBadRequest, nil)
		return
	}

	if err := s.Process(&event); err != nil {
		log.Printf("[WEBHOOK] Processing %s for %s failed: %v", event.Event, event.Data.Reference, err)
		if errors.Is(err, ErrLedgerInconsistency) {
			SendErrorResponse(w, "Ledger inconsistency", http.StatusInternalServerError, nil)
			return
		}
		SendErrorResponse(w, "Failed to process event", StatusForError(err), nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true})
}

// verifySignature checks hex(HMAC-SHA512(secret, body)) in constant time.
func (s *WebhookService) verifySignature(body []byte, signature string) bool {
	if s.secret == "" || signature == "" {
		return false
	}

	mac := hmac.New(sha512.New, []byte(s.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(signature))
}

// Process dispatches a verified event. Replays return nil without effects.
func (s *WebhookService) Process(event *PaystackEvent) error {
	if event.Data.Reference == "" {
		return fmt.Errorf("event %s carries no reference", event.Event)
	}

	// Best-effort fast path; the webhook_events claim inside the
	// transaction stays the source of truth.
	if s.recentlyProcessed(event) {
		log.Printf("[WEBHOOK] Skipping recently seen %s for %s", event.Event, event.Data.Reference)
		return nil
	}

	var err error
	switch event.Event {
	case "charge.success":
		err = s.processCharge(event)
	case "transfer.success":
		err = s.processTransferSuccess(event)
	case "transfer.failed", "transfer.reversed":
		err = s.processTransferFailed(event)
	default:
		log.Printf("[WEBHOOK] Ignoring unhandled event %s", event.Event)
		return nil
	}
	if err != nil {
		return err
	}

	// Marked only once the event applied cleanly. A failed delivery must
	// leave no trace here, or the provider's redelivery would be skipped
	// and the ledger effect lost.
	s.markProcessed(event)
	return nil
}

func webhookEventKey(event *PaystackEvent) string {
	return fmt.Sprintf("webhook:%s:%s", event.Data.Reference, event.Event)
}

func (s *WebhookService) recentlyProcessed(event *PaystackEvent) bool {
	if s.redis == nil {
		return false
	}

	seen, err := s.redis.Exists(context.Background(), webhookEventKey(event)).Result()
	return err == nil && seen > 0
}

func (s *WebhookService) markProcessed(event *PaystackEvent) {
	if s.redis == nil {
		return
	}

	key := webhookEventKey(event)
	if err := s.redis.Set(context.Background(), key, 1, 24*time.Hour).Err(); err != nil {
		log.Printf("[WEBHOOK] Failed to record %s as processed: %v", key, err)
	}
}

// claimEvent inserts the idempotency row inside the caller's transaction.
// A zero-row insert means the event was already applied.
func (s *WebhookService) claimEvent(tx *sql.Tx, reference, event string) (bool, error) {
	result, err := tx.Exec(`
		INSERT INTO webhook_events (payment_reference, event, processed_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (payment_reference, event) DO NOTHING`,
		reference, event, time.Now())
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (s *WebhookService) processCharge(event *PaystackEvent) error {
	switch event.Data.Metadata.TransactionType {
	case "deposit":
		return s.applyDeposit(event)
	case "donation":
		return s.applyGatewayDonation(event)
	case "consultation":
		return s.applyConsultationCharge(event)
	case "livestream":
		return s.applyStreamCharge(event)
	default:
		log.Printf("[WEBHOOK] charge.success %s has unknown transaction_type %q",
			event.Data.Reference, event.Data.Metadata.TransactionType)
		return nil
	}
}

// applyDeposit credits the coin value of a confirmed card deposit. If the
// pending transaction opened at initiation exists it is completed; a
// deposit made without initiation gets a fresh completed row.
func (s *WebhookService) applyDeposit(event *PaystackEvent) error {
	reference := event.Data.Reference
	naira := event.Data.Amount / 100
	coins := CoinsForKobo(event.Data.Amount, s.cfg.DepositRate)

	accountID, err := s.accountForReference(event, reference)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	claimed, err := s.claimEvent(tx, reference, event.Event)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	result, err := tx.Exec(`
		UPDATE coin_transactions
		SET status = 'completed', amount = $1
		WHERE payment_reference = $2 AND kind = 'deposit' AND status = 'pending'`,
		coins, reference)
	if err != nil {
		return err
	}
	updated, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if updated > 0 {
		// The pending row becomes the ledger entry; only the balance moves.
		account, err := s.ledger.lockAccount(tx, accountID)
		if err != nil {
			return err
		}
		if err := s.ledger.updateAccountBalance(tx, account.ID, account.Balance+coins, account.Version); err != nil {
			return err
		}
	} else {
		err = s.ledger.CreditTx(tx, accountID, coins, models.KindDeposit,
			fmt.Sprintf("Deposit of %d naira", naira), reference)
		if err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	log.Printf("[WEBHOOK] Deposit %s credited %d coins to account %s", reference, coins, accountID)
	s.wallet.QueueNotification(context.Background(), accountID,
		fmt.Sprintf("Your deposit of %d naira has been credited as %d coins", naira, coins))
	return nil
}

// applyGatewayDonation credits a card-funded donation to the recipient.
func (s *WebhookService) applyGatewayDonation(event *PaystackEvent) error {
	reference := event.Data.Reference
	coins := CoinsForKobo(event.Data.Amount, s.cfg.DepositRate)

	if event.Data.Metadata.RecipientID == "" {
		return fmt.Errorf("donation %s carries no recipient_id", reference)
	}

	recipientAccountID, err := accountIDForUser(s.db, event.Data.Metadata.RecipientID)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	claimed, err := s.claimEvent(tx, reference, event.Event)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	description := "Gateway donation"
	if event.Data.Metadata.StreamTitle != "" {
		description = fmt.Sprintf("Gateway donation during %q", event.Data.Metadata.StreamTitle)
	}

	err = s.ledger.CreditTx(tx, recipientAccountID, coins, models.KindDonation, description, reference)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	log.Printf("[WEBHOOK] Donation %s credited %d coins to account %s", reference, coins, recipientAccountID)
	return nil
}

// applyConsultationCharge confirms a card-paid booking and pays the scholar.
func (s *WebhookService) applyConsultationCharge(event *PaystackEvent) error {
	reference := event.Data.Reference
	coins := CoinsForKobo(event.Data.Amount, s.cfg.DepositRate)

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	claimed, err := s.claimEvent(tx, reference, event.Event)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	var scholarID int
	err = tx.QueryRow(`
		UPDATE bookings SET status = 'confirmed'
		WHERE payment_reference = $1 AND status = 'pending'
		RETURNING scholar_id`, reference).Scan(&scholarID)
	if err == sql.ErrNoRows {
		return ErrBookingNotFound
	}
	if err != nil {
		return err
	}

	var scholarAccountID string
	err = tx.QueryRow(`
		SELECT account_id FROM users WHERE id = $1`, scholarID).Scan(&scholarAccountID)
	if err != nil {
		return err
	}

	err = s.ledger.CreditTx(tx, scholarAccountID, coins, models.KindConsultation,
		"Card-paid consultation", reference)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	log.Printf("[WEBHOOK] Consultation charge %s confirmed, %d coins to account %s",
		reference, coins, scholarAccountID)
	return nil
}

// applyStreamCharge flips the pending grant to success and pays the scholar.
func (s *WebhookService) applyStreamCharge(event *PaystackEvent) error {
	reference := event.Data.Reference
	coins := CoinsForKobo(event.Data.Amount, s.cfg.DepositRate)

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	claimed, err := s.claimEvent(tx, reference, event.Event)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	var scholarID int
	err = tx.QueryRow(`
		UPDATE stream_access_grants SET status = 'success'
		WHERE payment_reference = $1 AND status = 'pending'
		RETURNING scholar_id`, reference).Scan(&scholarID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("no pending stream grant for reference %s", reference)
	}
	if err != nil {
		return err
	}

	var scholarAccountID string
	err = tx.QueryRow(`
		SELECT account_id FROM users WHERE id = $1`, scholarID).Scan(&scholarAccountID)
	if err != nil {
		return err
	}

	err = s.ledger.CreditTx(tx, scholarAccountID, coins, models.KindDonation,
		"Livestream access payment", reference)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	log.Printf("[WEBHOOK] Stream grant %s activated, %d coins to account %s",
		reference, coins, scholarAccountID)
	return nil
}

// processTransferSuccess settles a withdrawal hold.
func (s *WebhookService) processTransferSuccess(event *PaystackEvent) error {
	reference := event.Data.Reference

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	claimed, err := s.claimEvent(tx, reference, event.Event)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	result, err := tx.Exec(`
		UPDATE withdrawal_requests
		SET status = 'completed', resolved_at = $1
		WHERE payment_reference = $2 AND status = 'pending'`,
		time.Now(), reference)
	if err != nil {
		return err
	}
	updated, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if updated == 0 {
		return fmt.Errorf("no pending withdrawal for reference %s", reference)
	}

	_, err = tx.Exec(`
		UPDATE coin_transactions SET status = 'completed'
		WHERE payment_reference = $1 AND kind = 'withdrawal'`, reference)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	log.Printf("[WEBHOOK] Withdrawal %s completed", reference)
	return nil
}

// processTransferFailed refunds the pre-deducted hold. A failure in the
// refund write itself is the one place a compensation can fail after the
// external event is terminal: it is audited as an inconsistency and
// surfaced as a 500 so the provider redelivers.
func (s *WebhookService) processTransferFailed(event *PaystackEvent) error {
	reference := event.Data.Reference

	var scholarID int
	var coins int64
	err := s.db.QueryRow(`
		SELECT scholar_id, amount FROM withdrawal_requests
		WHERE payment_reference = $1 AND status = 'pending'`, reference).Scan(&scholarID, &coins)
	if err == sql.ErrNoRows {
		// Already resolved; redelivery or a race with manual resolution.
		return nil
	}
	if err != nil {
		return err
	}

	var accountID string
	err = s.db.QueryRow(`
		SELECT account_id FROM users WHERE id = $1`, scholarID).Scan(&accountID)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerInconsistency, err)
	}
	defer tx.Rollback()

	claimed, err := s.claimEvent(tx, reference, event.Event)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLedgerInconsistency, err)
	}
	if !claimed {
		return nil
	}

	err = s.ledger.CreditTx(tx, accountID, coins, models.KindRefund,
		"Refund: bank transfer failed", reference)
	if err != nil {
		s.audit.LogInconsistency(reference, accountID, coins, err)
		return fmt.Errorf("%w: %v", ErrLedgerInconsistency, err)
	}

	_, err = tx.Exec(`
		UPDATE withdrawal_requests
		SET status = 'failed', failure_reason = $1, resolved_at = $2
		WHERE payment_reference = $3`,
		event.Data.Status, time.Now(), reference)
	if err != nil {
		s.audit.LogInconsistency(reference, accountID, coins, err)
		return fmt.Errorf("%w: %v", ErrLedgerInconsistency, err)
	}

	_, err = tx.Exec(`
		UPDATE coin_transactions SET status = 'failed'
		WHERE payment_reference = $1 AND kind = 'withdrawal'`, reference)
	if err != nil {
		s.audit.LogInconsistency(reference, accountID, coins, err)
		return fmt.Errorf("%w: %v", ErrLedgerInconsistency, err)
	}

	if err := tx.Commit(); err != nil {
		s.audit.LogInconsistency(reference, accountID, coins, err)
		return fmt.Errorf("%w: %v", ErrLedgerInconsistency, err)
	}

	log.Printf("[WEBHOOK] Withdrawal %s failed, %d coins refunded to account %s", reference, coins, accountID)
	s.wallet.QueueNotification(context.Background(), accountID,
		fmt.Sprintf("Your withdrawal failed and %d coins were returned to your wallet", coins))
	return nil
}

// accountForReference resolves the account a charge belongs to, preferring
// the pending transaction row over the metadata hint.
func (s *WebhookService) accountForReference(event *PaystackEvent, reference string) (string, error) {
	var accountID string
	err := s.db.QueryRow(`
		SELECT actor_account_id FROM coin_transactions
		WHERE payment_reference = $1 AND kind = 'deposit' AND status = 'pending'`,
		reference).Scan(&accountID)
	if err == nil {
		return accountID, nil
	}
	if err != sql.ErrNoRows {
		return "", err
	}

	if event.Data.Metadata.UserID == "" {
		return "", fmt.Errorf("%w: no pending deposit and no user_id metadata for %s",
			ErrAccountNotFound, reference)
	}
	return accountIDForUser(s.db, event.Data.Metadata.UserID)
}
