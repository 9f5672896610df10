package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/masjidlink/backend/internal/models"
)

// StreamService manages paid livestream access. Access is bought with a
// card charge: initiation opens a pending grant, and the webhook flips it
// to success once the gateway confirms the payment.
type StreamService struct {
	db        *sql.DB
	validator *ValidationHelper
}

func NewStreamService(db *sql.DB) *StreamService {
	return &StreamService{
		db:        db,
		validator: NewValidationHelper(),
	}
}

// InitiateAccess opens a pending access grant for a paid stream
// @Summary Initiate paid stream access
// @Description Create a pending access grant and return the payment reference for the gateway checkout
// @Tags streams
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param streamId path string true "Stream ID"
// @Param request body object{scholarId=int,amount=int64} true "Access purchase, amount in naira"
// @Success 201 {object} object{paymentReference=string,grantId=string}
// @Failure 400 {object} ErrorResponse
// @Router /streams/{streamId}/access/initiate [post]
func (s *StreamService) InitiateAccess(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	streamID := chi.URLParam(r, "streamId")

	var req struct {
		ScholarID int   `json:"scholarId" validate:"required,gt=0"`
		Amount    int64 `json:"amount" validate:"required,gt=0"` // naira
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

	grant := models.StreamAccessGrant{
		ID:               uuid.New().String(),
		StreamID:         streamID,
		ScholarID:        req.ScholarID,
		AmountPaid:       req.Amount,
		PaymentReference: fmt.Sprintf("str-%s", uuid.New().String()),
		Status:           models.GrantPending,
		CreatedAt:        time.Now(),
	}

	err := s.db.QueryRow(`
		INSERT INTO stream_access_grants
		(id, stream_id, user_id, scholar_id, amount_paid, payment_reference, status, created_at)
		VALUES ($1, $2, $3::integer, $4, $5, $6, $7, $8)
		RETURNING user_id`,
		grant.ID, grant.StreamID, userID, grant.ScholarID, grant.AmountPaid,
		grant.PaymentReference, string(grant.Status), grant.CreatedAt).Scan(&grant.UserID)
	if err != nil {
		log.Printf("[STREAM] Failed to open access grant for user %s: %v", userID, err)
		SendErrorResponse(w, "Failed to initiate stream access", http.StatusInternalServerError, nil)
		return
	}

	log.Printf("[STREAM] Pending grant %s opened for user %s on stream %s", grant.ID, userID, streamID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"paymentReference": grant.PaymentReference,
		"grantId":          grant.ID,
	})
}

// GetAccess reports whether the caller may watch a stream
// @Summary Check stream access
// @Description Check whether the authenticated user has paid access to a stream
// @Tags streams
// @Produce json
// @Security BearerAuth
// @Param streamId path string true "Stream ID"
// @Success 200 {object} object{streamId=string,hasAccess=bool}
// @Failure 401 {object} ErrorResponse
// @Router /streams/{streamId}/access [get]
func (s *StreamService) GetAccess(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	streamID := chi.URLParam(r, "streamId")

	hasAccess, err := s.HasAccess(userID, streamID)
	if err != nil {
		log.Printf("[STREAM] Access check failed for user %s on stream %s: %v", userID, streamID, err)
		SendErrorResponse(w, "Failed to check stream access", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"streamId":  streamID,
		"hasAccess": hasAccess,
	})
}

// HasAccess is true once a successful grant exists for the pair.
func (s *StreamService) HasAccess(userID, streamID string) (bool, error) {
	var hasAccess bool
	err := s.db.QueryRow(`
		SELECT EXISTS(
			SELECT 1 FROM stream_access_grants
			WHERE user_id = $1::integer AND stream_id = $2 AND status = 'success'
		)`, userID, streamID).Scan(&hasAccess)
	return hasAccess, err
}
