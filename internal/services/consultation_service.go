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
	"github.com/masjidlink/backend/internal/audit"
	"github.com/masjidlink/backend/internal/config"
	"github.com/masjidlink/backend/internal/models"
)

// ConsultationService owns the booking lifecycle. A booking and its payment
// commit or roll back together: the booking row is inserted pending first,
// then the coin transfer runs in the same database transaction, so a failed
// payment can never leave a pending booking behind.
type ConsultationService struct {
	db        *sql.DB
	ledger    *LedgerService
	audit     *audit.Logger
	validator *ValidationHelper
	cfg       *config.LedgerConfig
}

type scholarInfo struct {
	UserID    int
	AccountID string
	FullName  string
	IsOnline  bool
	Fee       int64
}

func NewConsultationService(db *sql.DB, ledger *LedgerService, cfg *config.LedgerConfig) *ConsultationService {
	return &ConsultationService{
		db:        db,
		ledger:    ledger,
		audit:     audit.NewLogger(),
		validator: NewValidationHelper(),
		cfg:       cfg,
	}
}

// BookConsultation books a scholar consultation paid in coins
// @Summary Book a consultation
// @Description Book a consultation with an online scholar, paying the scholar's fee in Masjid Coins
// @Tags consultations
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{scholarId=int,topic=string} true "Booking request"
// @Success 201 {object} models.Booking
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /consultations [post]
func (s *ConsultationService) BookConsultation(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		ScholarID int    `json:"scholarId" validate:"required,gt=0"`
		Topic     string `json:"topic" validate:"required,min=3,max=200"`
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

	booking, err := s.Book(userID, req.ScholarID, req.Topic)
	if err != nil {
		log.Printf("[CONSULTATION] Booking failed for user %s with scholar %d: %v", userID, req.ScholarID, err)
		SendErrorResponse(w, err.Error(), StatusForError(err), nil)
		return
	}

	log.Printf("[CONSULTATION] Booking %s created: user %s -> scholar %d, %d coins",
		booking.ID, userID, req.ScholarID, booking.AmountPaid)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(booking)
}

// Book runs the booking-with-payment composite operation.
func (s *ConsultationService) Book(userID string, scholarID int, topic string) (*models.Booking, error) {
	userAccountID, err := accountIDForUser(s.db, userID)
	if err != nil {
		return nil, err
	}

	scholar, err := s.fetchScholar(scholarID)
	if err != nil {
		return nil, err
	}

	if !scholar.IsOnline {
		return nil, ErrScholarOffline
	}

	// One active booking per (user, scholar) pair at a time.
	var hasActive bool
	err = s.db.QueryRow(`
		SELECT EXISTS(
			SELECT 1 FROM bookings
			WHERE user_id = $1::integer AND scholar_id = $2 AND status IN ('pending', 'confirmed')
		)`, userID, scholarID).Scan(&hasActive)
	if err != nil {
		return nil, err
	}
	if hasActive {
		return nil, ErrDuplicateActiveBooking
	}

	fee := scholar.Fee
	if fee <= 0 {
		fee = s.cfg.DefaultConsultFee
	}

	booking := &models.Booking{
		ID:               uuid.New().String(),
		ScholarID:        scholarID,
		Topic:            topic,
		AmountPaid:       fee,
		Status:           models.BookingPending,
		PaymentReference: fmt.Sprintf("cons-%s", uuid.New().String()),
		CreatedAt:        time.Now(),
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Booking row first, money second. The transfer failing rolls the
	// booking insert back with it.
	err = tx.QueryRow(`
		INSERT INTO bookings
		(id, user_id, scholar_id, topic, amount_paid, status, payment_reference, created_at)
		VALUES ($1, $2::integer, $3, $4, $5, $6, $7, $8)
		RETURNING user_id`,
		booking.ID, userID, booking.ScholarID, booking.Topic, booking.AmountPaid,
		string(booking.Status), booking.PaymentReference, booking.CreatedAt).Scan(&booking.UserID)
	if err != nil {
		return nil, err
	}

	err = s.ledger.TransferTx(tx, TransferParams{
		FromAccountID:    userAccountID,
		ToAccountID:      scholar.AccountID,
		Amount:           fee,
		Kind:             models.KindConsultation,
		Description:      fmt.Sprintf("Consultation with %s: %s", scholar.FullName, topic),
		PaymentReference: booking.PaymentReference,
	})
	if err != nil {
		s.audit.LogError(booking.PaymentReference, userAccountID, err)
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		s.audit.LogError(booking.PaymentReference, userAccountID, err)
		return nil, err
	}

	s.audit.LogTransfer(booking.PaymentReference, userAccountID, scholar.AccountID, fee, "SUCCESS")
	return booking, nil
}

// CancelBooking cancels a booking and refunds the fee
// @Summary Cancel a booking
// @Description Cancel a consultation that has not started yet; the fee is refunded in full
// @Tags consultations
// @Produce json
// @Security BearerAuth
// @Param bookingId path string true "Booking ID"
// @Success 200 {object} object{success=bool,bookingId=string}
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /consultations/{bookingId}/cancel [post]
func (s *ConsultationService) CancelBooking(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	bookingID := chi.URLParam(r, "bookingId")

	if err := s.Cancel(userID, bookingID); err != nil {
		log.Printf("[CONSULTATION] Cancellation of %s failed: %v", bookingID, err)
		SendErrorResponse(w, err.Error(), StatusForError(err), nil)
		return
	}

	log.Printf("[CONSULTATION] Booking %s cancelled and refunded", bookingID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":   true,
		"bookingId": bookingID,
	})
}

// Cancel refunds and cancels a booking. Refused once the session started.
func (s *ConsultationService) Cancel(userID, bookingID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var booking models.Booking
	var status string
	err = tx.QueryRow(`
		SELECT id, user_id, scholar_id, amount_paid, status, payment_reference, session_started_at
		FROM bookings
		WHERE id = $1 AND user_id = $2::integer
		FOR UPDATE`, bookingID, userID).Scan(
		&booking.ID, &booking.UserID, &booking.ScholarID, &booking.AmountPaid,
		&status, &booking.PaymentReference, &booking.SessionStartedAt)
	if err == sql.ErrNoRows {
		return ErrBookingNotFound
	}
	if err != nil {
		return err
	}
	booking.Status = models.BookingStatus(status)

	if booking.SessionStartedAt != nil {
		return ErrSessionAlreadyStarted
	}
	if booking.Status != models.BookingPending && booking.Status != models.BookingConfirmed {
		return fmt.Errorf("booking %s is already %s", bookingID, booking.Status)
	}

	userAccountID, err := accountIDForUser(s.db, userID)
	if err != nil {
		return err
	}

	scholar, err := s.fetchScholar(booking.ScholarID)
	if err != nil {
		return err
	}

	err = s.ledger.RefundTx(tx, booking.PaymentReference, scholar.AccountID, userAccountID,
		booking.AmountPaid, "consultation cancelled")
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		UPDATE bookings SET status = 'cancelled' WHERE id = $1`, bookingID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// ExtendSession buys extra time on a running consultation
// @Summary Extend a consultation session
// @Description Extend a running consultation by the configured duration for a fixed coin cost
// @Tags consultations
// @Produce json
// @Security BearerAuth
// @Param bookingId path string true "Booking ID"
// @Success 200 {object} object{success=bool,sessionEndsAt=string}
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /consultations/{bookingId}/extend [post]
func (s *ConsultationService) ExtendSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	bookingID := chi.URLParam(r, "bookingId")

	endsAt, err := s.Extend(userID, bookingID)
	if err != nil {
		log.Printf("[CONSULTATION] Extension of %s failed: %v", bookingID, err)
		SendErrorResponse(w, err.Error(), StatusForError(err), nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":       true,
		"sessionEndsAt": endsAt.Format(time.RFC3339),
	})
}

// Extend charges the extension cost and pushes session_ends_at out.
func (s *ConsultationService) Extend(userID, bookingID string) (time.Time, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return time.Time{}, err
	}
	defer tx.Rollback()

	var scholarID int
	var reference string
	var startedAt, endsAt *time.Time
	err = tx.QueryRow(`
		SELECT scholar_id, payment_reference, session_started_at, session_ends_at
		FROM bookings
		WHERE id = $1 AND user_id = $2::integer
		FOR UPDATE`, bookingID, userID).Scan(&scholarID, &reference, &startedAt, &endsAt)
	if err == sql.ErrNoRows {
		return time.Time{}, ErrBookingNotFound
	}
	if err != nil {
		return time.Time{}, err
	}

	if startedAt == nil {
		return time.Time{}, fmt.Errorf("session for booking %s has not started", bookingID)
	}

	userAccountID, err := accountIDForUser(s.db, userID)
	if err != nil {
		return time.Time{}, err
	}

	scholar, err := s.fetchScholar(scholarID)
	if err != nil {
		return time.Time{}, err
	}

	err = s.ledger.TransferTx(tx, TransferParams{
		FromAccountID:    userAccountID,
		ToAccountID:      scholar.AccountID,
		Amount:           s.cfg.ExtensionCost,
		Kind:             models.KindExtension,
		Description:      fmt.Sprintf("Session extension (+%s)", s.cfg.ExtensionDuration),
		PaymentReference: reference,
	})
	if err != nil {
		return time.Time{}, err
	}

	base := time.Now()
	if endsAt != nil && endsAt.After(base) {
		base = *endsAt
	}
	newEnd := base.Add(s.cfg.ExtensionDuration)

	_, err = tx.Exec(`
		UPDATE bookings SET session_ends_at = $1 WHERE id = $2`, newEnd, bookingID)
	if err != nil {
		return time.Time{}, err
	}

	if err := tx.Commit(); err != nil {
		return time.Time{}, err
	}

	return newEnd, nil
}

// ListBookings returns the caller's bookings
// @Summary List my bookings
// @Description Get the authenticated user's consultation bookings, newest first
// @Tags consultations
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{bookings=[]models.Booking,count=int}
// @Failure 401 {object} ErrorResponse
// @Router /consultations [get]
func (s *ConsultationService) ListBookings(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("userID").(string)
	if !ok || userID == "" {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	rows, err := s.db.Query(`
		SELECT id, user_id, scholar_id, topic, amount_paid, status, payment_reference,
		       session_started_at, session_ends_at, created_at
		FROM bookings
		WHERE user_id = $1::integer
		ORDER BY created_at DESC
		LIMIT 50`, userID)
	if err != nil {
		log.Printf("[CONSULTATION] Booking list failed for user %s: %v", userID, err)
		SendErrorResponse(w, "Failed to fetch bookings", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	bookings := []models.Booking{}
	for rows.Next() {
		var b models.Booking
		err := rows.Scan(&b.ID, &b.UserID, &b.ScholarID, &b.Topic, &b.AmountPaid,
			&b.Status, &b.PaymentReference, &b.SessionStartedAt, &b.SessionEndsAt, &b.CreatedAt)
		if err != nil {
			SendErrorResponse(w, "Failed to fetch bookings", http.StatusInternalServerError, nil)
			return
		}
		bookings = append(bookings, b)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"bookings": bookings,
		"count":    len(bookings),
	})
}

func (s *ConsultationService) fetchScholar(scholarID int) (*scholarInfo, error) {
	var sc scholarInfo
	err := s.db.QueryRow(`
		SELECT id, account_id, full_name, is_online, consultation_fee
		FROM users
		WHERE id = $1 AND role = 'scholar'`, scholarID).Scan(
		&sc.UserID, &sc.AccountID, &sc.FullName, &sc.IsOnline, &sc.Fee)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sc, nil
}
