package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/masjidlink/backend/internal/config"
	"github.com/masjidlink/backend/internal/models"
	"github.com/shopspring/decimal"
)

// WalletService exposes the member-facing wallet surface: balance, history
// and deposit initiation. Deposits are only credited once the gateway
// confirms the charge; initiation records the pending transaction row the
// webhook later completes.
type WalletService struct {
	db        *sql.DB
	redis     *redis.Client
	ledger    *LedgerService
	validator *ValidationHelper
	cfg       *config.LedgerConfig
}

func NewWalletService(db *sql.DB, redisClient *redis.Client, ledger *LedgerService, cfg *config.LedgerConfig) *WalletService {
	return &WalletService{
		db:        db,
		redis:     redisClient,
		ledger:    ledger,
		validator: NewValidationHelper(),
		cfg:       cfg,
	}
}

// GetBalance returns the caller's coin balance
// @Summary Get wallet balance
// @Description Get the authenticated user's Masjid Coin balance
// @Tags wallet
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{accountId=string,balance=int64}
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /wallet/balance [get]
func (s *WalletService) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	accountID, err := accountIDForUser(s.db, userID)
	if err != nil {
		SendErrorResponse(w, "Account not found", StatusForError(err), nil)
		return
	}

	balance, err := s.ledger.GetBalance(accountID)
	if err != nil {
		log.Printf("[WALLET] Balance lookup failed for account %s: %v", accountID, err)
		SendErrorResponse(w, "Failed to fetch balance", StatusForError(err), nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"accountId": accountID,
		"balance":   balance,
	})
}

// GetTransactions lists the caller's wallet history
// @Summary List wallet transactions
// @Description Get the authenticated user's coin transactions, newest first
// @Tags wallet
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Number of transactions to return (default: 20, max: 100)"
// @Success 200 {object} object{transactions=[]models.CoinTransaction,count=int}
// @Failure 401 {object} ErrorResponse
// @Router /wallet/transactions [get]
func (s *WalletService) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	accountID, err := accountIDForUser(s.db, userID)
	if err != nil {
		SendErrorResponse(w, "Account not found", StatusForError(err), nil)
		return
	}

	var req struct {
		Limit int `validate:"omitempty,min=1,max=100"`
	}
	req.Limit = 20

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil {
			req.Limit = l
		}
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	transactions, err := s.fetchTransactions(accountID, req.Limit)
	if err != nil {
		log.Printf("[WALLET] History fetch failed for account %s: %v", accountID, err)
		SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"transactions": transactions,
		"count":        len(transactions),
	})
}

// InitiateDeposit opens a pending deposit
// @Summary Initiate a coin deposit
// @Description Create a pending deposit transaction and return the payment reference to pass to the gateway checkout
// @Tags wallet
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{amount=int64} true "Deposit amount in naira"
// @Success 201 {object} object{paymentReference=string,expectedCoins=int64}
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Router /wallet/deposit/initiate [post]
func (s *WalletService) InitiateDeposit(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		Amount int64 `json:"amount" validate:"required,gt=0"` // naira
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	accountID, err := accountIDForUser(s.db, userID)
	if err != nil {
		SendErrorResponse(w, "Account not found", StatusForError(err), nil)
		return
	}

	reference := fmt.Sprintf("dep-%s", uuid.New().String())
	expectedCoins := CoinsForNaira(req.Amount, s.cfg.DepositRate)

	_, err = s.db.Exec(`
		INSERT INTO coin_transactions
		(transaction_id, actor_account_id, amount, kind, description, payment_reference, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.New().String(), accountID, expectedCoins, string(models.KindDeposit),
		fmt.Sprintf("Deposit of %d naira", req.Amount), reference, string(models.TxPending), time.Now())
	if err != nil {
		log.Printf("[WALLET] Failed to open pending deposit for account %s: %v", accountID, err)
		SendErrorResponse(w, "Failed to initiate deposit", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[WALLET] Pending deposit %s opened for account %s (%d naira)", reference, accountID, req.Amount)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"paymentReference": reference,
		"expectedCoins":    expectedCoins,
	})
}

func (s *WalletService) fetchTransactions(accountID string, limit int) ([]models.CoinTransaction, error) {
	rows, err := s.db.Query(`
		SELECT id, transaction_id, actor_account_id, COALESCE(counterparty_account_id, ''),
		       amount, kind, description, COALESCE(payment_reference, ''), status, created_at
		FROM coin_transactions
		WHERE actor_account_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions := []models.CoinTransaction{}
	for rows.Next() {
		var t models.CoinTransaction
		err := rows.Scan(
			&t.ID, &t.TransactionID, &t.ActorAccountID, &t.CounterpartyAccountID,
			&t.Amount, &t.Kind, &t.Description, &t.PaymentReference, &t.Status, &t.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, t)
	}

	return transactions, rows.Err()
}

// QueueNotification pushes a wallet event onto the push-notification queue.
// Delivery is handled by a separate worker; failures here are logged, never
// surfaced to the money path.
func (s *WalletService) QueueNotification(ctx context.Context, accountID, message string) {
	if s.redis == nil {
		return
	}

	payload, err := json.Marshal(map[string]string{
		"accountId": accountID,
		"message":   message,
	})
	if err != nil {
		return
	}

	if err := s.redis.RPush(ctx, s.cfg.NotificationQueueKey, payload).Err(); err != nil {
		log.Printf("[WALLET] Failed to queue notification for %s: %v", accountID, err)
	}
}

// CoinsForNaira converts a naira amount to whole coins at the given rate,
// rounding down. Decimal arithmetic avoids the float drift a per-kobo
// multiply would accumulate.
func CoinsForNaira(naira int64, rate float64) int64 {
	coins := decimal.NewFromInt(naira).Mul(decimal.NewFromFloat(rate))
	return coins.Floor().IntPart()
}

// CoinsForKobo converts a gateway amount in kobo to whole coins at the
// per-naira rate. The kobo to naira division happens in decimal so the
// sub-naira remainder still counts toward the rate before the final floor.
func CoinsForKobo(kobo int64, rate float64) int64 {
	coins := decimal.NewFromInt(kobo).Mul(decimal.NewFromFloat(rate)).Div(decimal.NewFromInt(100))
	return coins.Floor().IntPart()
}

// accountIDForUser resolves the ledger account owned by a user id.
func accountIDForUser(db *sql.DB, userID string) (string, error) {
	var accountID string
	err := db.QueryRow(`
		SELECT account_id FROM users WHERE id = $1::integer`, userID).Scan(&accountID)
	if err == sql.ErrNoRows {
		return "", ErrAccountNotFound
	}
	if err != nil {
		return "", err
	}
	return accountID, nil
}
