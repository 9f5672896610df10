package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/google/uuid"
	"github.com/masjidlink/backend/internal/config"
	"github.com/masjidlink/backend/internal/models"
)

// DonationService handles in-app zakat and sadaqah gifts paid in coins.
// Gateway-funded donations (card payments during a livestream) arrive
// through the webhook bridge instead and never touch this path.
type DonationService struct {
	db        *sql.DB
	ledger    *LedgerService
	validator *ValidationHelper
	cfg       *config.LedgerConfig
}

func NewDonationService(db *sql.DB, ledger *LedgerService, cfg *config.LedgerConfig) *DonationService {
	return &DonationService{
		db:        db,
		ledger:    ledger,
		validator: NewValidationHelper(),
		cfg:       cfg,
	}
}

// DonateZakat sends coins from the caller to a scholar
// @Summary Donate coins to a scholar
// @Description Transfer coins from the authenticated user's wallet to a scholar as zakat or sadaqah
// @Tags donations
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{scholarId=int,amount=int64,streamTitle=string} true "Donation"
// @Success 200 {object} object{success=bool,newBalance=int64}
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /donations/zakat [post]
func (s *DonationService) DonateZakat(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		ScholarID   int    `json:"scholarId" validate:"required,gt=0"`
		Amount      int64  `json:"amount" validate:"required,gt=0"`
		StreamTitle string `json:"streamTitle" validate:"omitempty,max=200"`
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

	newBalance, err := s.Donate(userID, req.ScholarID, req.Amount, req.StreamTitle)
	if err != nil {
		log.Printf("[DONATION] Donation failed for user %s -> scholar %d: %v", userID, req.ScholarID, err)
		SendErrorResponse(w, err.Error(), StatusForError(err), nil)
		return
	}

	log.Printf("[DONATION] User %s donated %d coins to scholar %d", userID, req.Amount, req.ScholarID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":    true,
		"newBalance": newBalance,
	})
}

// Donate moves coins donor -> scholar and returns the donor's new balance.
func (s *DonationService) Donate(userID string, scholarID int, amount int64, streamTitle string) (int64, error) {
	donorAccountID, err := accountIDForUser(s.db, userID)
	if err != nil {
		return 0, err
	}

	var scholarAccountID, scholarName string
	err = s.db.QueryRow(`
		SELECT account_id, full_name FROM users WHERE id = $1 AND role = 'scholar'`,
		scholarID).Scan(&scholarAccountID, &scholarName)
	if err == sql.ErrNoRows {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, err
	}

	description := fmt.Sprintf("Zakat donation to %s", scholarName)
	if streamTitle != "" {
		description = fmt.Sprintf("Zakat donation to %s during %q", scholarName, streamTitle)
	}

	err = s.ledger.Transfer(TransferParams{
		FromAccountID:    donorAccountID,
		ToAccountID:      scholarAccountID,
		Amount:           amount,
		Kind:             models.KindDonation,
		Description:      description,
		PaymentReference: fmt.Sprintf("don-%s", uuid.New().String()),
	})
	if err != nil {
		return 0, err
	}

	return s.ledger.GetBalance(donorAccountID)
}
