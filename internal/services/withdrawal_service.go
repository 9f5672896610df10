package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/masjidlink/backend/internal/audit"
	"github.com/masjidlink/backend/internal/config"
	"github.com/masjidlink/backend/internal/models"
	"github.com/shopspring/decimal"
)

// WithdrawalService lets scholars cash coins out to a bank account. Funds
// are held (debited) the moment the request is accepted; the webhook
// resolves the hold when the gateway reports the transfer's outcome.
type WithdrawalService struct {
	db        *sql.DB
	ledger    *LedgerService
	banks     *BankService
	paystack  *PaystackClient
	audit     *audit.Logger
	validator *ValidationHelper
	cfg       *config.LedgerConfig
}

func NewWithdrawalService(db *sql.DB, ledger *LedgerService, banks *BankService, paystack *PaystackClient, cfg *config.LedgerConfig) *WithdrawalService {
	return &WithdrawalService{
		db:        db,
		ledger:    ledger,
		banks:     banks,
		paystack:  paystack,
		audit:     audit.NewLogger(),
		validator: NewValidationHelper(),
		cfg:       cfg,
	}
}

// RequestWithdrawal opens a payout to the scholar's bank account
// @Summary Request a withdrawal
// @Description Debit the scholar's coin balance and start a bank transfer for the equivalent naira value
// @Tags withdrawals
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{amount=int64,accountNumber=string,bankCode=string,accountName=string} true "Withdrawal request"
// @Success 201 {object} models.WithdrawalRequest
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Router /withdrawals [post]
func (s *WithdrawalService) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		Amount        int64  `json:"amount" validate:"required,gt=0"`
		AccountNumber string `json:"accountNumber" validate:"required,len=10,numeric"`
		BankCode      string `json:"bankCode" validate:"required,min=3,max=6"`
		AccountName   string `json:"accountName" validate:"required,min=2,max=100"`
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

	request, err := s.Request(r.Context(), userID, req.Amount, models.BankDetails{
		AccountNumber: req.AccountNumber,
		BankCode:      req.BankCode,
		AccountName:   req.AccountName,
	})
	if err != nil {
		log.Printf("[WITHDRAWAL] Request failed for user %s: %v", userID, err)
		SendErrorResponse(w, err.Error(), StatusForError(err), nil)
		return
	}

	log.Printf("[WITHDRAWAL] Request %s opened: %d coins to %s/%s",
		request.ID, request.Amount, request.BankCode, request.AccountNumber)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(request)
}

// Request holds the coins and initiates the gateway transfer.
func (s *WithdrawalService) Request(ctx context.Context, userID string, coins int64, bank models.BankDetails) (*models.WithdrawalRequest, error) {
	if !s.banks.IsSupported(bank.BankCode) {
		return nil, ErrUnsupportedBank
	}
	if coins < s.cfg.MinWithdrawal {
		return nil, fmt.Errorf("%w: minimum withdrawal is %d coins", ErrInvalidAmount, s.cfg.MinWithdrawal)
	}

	var scholarID int
	var accountID string
	err := s.db.QueryRow(`
		SELECT id, account_id FROM users WHERE id = $1::integer AND role = 'scholar'`,
		userID).Scan(&scholarID, &accountID)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}

	request := &models.WithdrawalRequest{
		ID:               uuid.New().String(),
		ScholarID:        scholarID,
		Amount:           coins,
		AccountNumber:    bank.AccountNumber,
		BankCode:         bank.BankCode,
		AccountName:      bank.AccountName,
		Status:           models.WithdrawalPending,
		PaymentReference: fmt.Sprintf("wdr-%s", uuid.New().String()),
		CreatedAt:        time.Now(),
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := s.ledger.WithdrawHoldTx(tx, accountID, coins, request.PaymentReference); err != nil {
		return nil, err
	}

	_, err = tx.Exec(`
		INSERT INTO withdrawal_requests
		(id, scholar_id, amount, account_number, bank_code, account_name, status, payment_reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		request.ID, request.ScholarID, request.Amount, request.AccountNumber,
		request.BankCode, request.AccountName, string(request.Status),
		request.PaymentReference, request.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.audit.LogOperation(request.PaymentReference, accountID, "WITHDRAWAL_HOLD", fmt.Sprintf("%d coins held", coins))

	// Gateway calls happen after the hold commits. A failure here resolves
	// through the same refund path the transfer.failed webhook uses.
	recipient, err := s.paystack.CreateRecipient(ctx, bank.AccountName, bank.AccountNumber, bank.BankCode)
	if err != nil {
		s.failAndRefund(request.PaymentReference, accountID, coins, err.Error())
		return nil, fmt.Errorf("payout initiation failed: %w", err)
	}

	_, err = s.paystack.InitiateTransfer(ctx, recipient.RecipientCode, request.PaymentReference,
		KoboForCoins(coins, s.cfg.DepositRate), "MasjidLink scholar withdrawal")
	if err != nil {
		s.failAndRefund(request.PaymentReference, accountID, coins, err.Error())
		return nil, fmt.Errorf("payout initiation failed: %w", err)
	}

	return request, nil
}

// failAndRefund marks a request failed and returns the held coins.
func (s *WithdrawalService) failAndRefund(reference, accountID string, coins int64, reason string) {
	tx, err := s.db.Begin()
	if err != nil {
		s.audit.LogInconsistency(reference, accountID, coins, err)
		return
	}
	defer tx.Rollback()

	err = s.ledger.CreditTx(tx, accountID, coins, models.KindRefund,
		"Refund: withdrawal could not be initiated", reference)
	if err != nil {
		s.audit.LogInconsistency(reference, accountID, coins, err)
		return
	}

	_, err = tx.Exec(`
		UPDATE withdrawal_requests
		SET status = 'failed', failure_reason = $1, resolved_at = $2
		WHERE payment_reference = $3`, reason, time.Now(), reference)
	if err != nil {
		s.audit.LogInconsistency(reference, accountID, coins, err)
		return
	}

	_, err = tx.Exec(`
		UPDATE coin_transactions SET status = 'failed'
		WHERE payment_reference = $1 AND kind = 'withdrawal'`, reference)
	if err != nil {
		s.audit.LogInconsistency(reference, accountID, coins, err)
		return
	}

	if err := tx.Commit(); err != nil {
		s.audit.LogInconsistency(reference, accountID, coins, err)
	}
}

// ListWithdrawals returns the scholar's withdrawal history
// @Summary List my withdrawals
// @Description Get the authenticated scholar's withdrawal requests, newest first
// @Tags withdrawals
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{withdrawals=[]models.WithdrawalRequest,count=int}
// @Failure 401 {object} ErrorResponse
// @Router /withdrawals [get]
func (s *WithdrawalService) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	rows, err := s.db.Query(`
		SELECT id, scholar_id, amount, account_number, bank_code, account_name,
		       status, payment_reference, COALESCE(failure_reason, ''), created_at, resolved_at
		FROM withdrawal_requests
		WHERE scholar_id = $1::integer
		ORDER BY created_at DESC
		LIMIT 50`, userID)
	if err != nil {
		log.Printf("[WITHDRAWAL] List failed for user %s: %v", userID, err)
		SendErrorResponse(w, "Failed to fetch withdrawals", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	withdrawals := []models.WithdrawalRequest{}
	for rows.Next() {
		var wr models.WithdrawalRequest
		err := rows.Scan(&wr.ID, &wr.ScholarID, &wr.Amount, &wr.AccountNumber, &wr.BankCode,
			&wr.AccountName, &wr.Status, &wr.PaymentReference, &wr.FailureReason,
			&wr.CreatedAt, &wr.ResolvedAt)
		if err != nil {
			SendErrorResponse(w, "Failed to fetch withdrawals", http.StatusInternalServerError, nil)
			return
		}
		withdrawals = append(withdrawals, wr)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"withdrawals": withdrawals,
		"count":       len(withdrawals),
	})
}

// KoboForCoins converts coins back to kobo at the deposit rate, for payouts.
// At the default 0.01 coins/naira, one coin pays out 100 naira.
func KoboForCoins(coins int64, rate float64) int64 {
	naira := decimal.NewFromInt(coins).Div(decimal.NewFromFloat(rate))
	return naira.Mul(decimal.NewFromInt(100)).Floor().IntPart()
}
