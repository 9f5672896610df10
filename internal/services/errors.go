package services

import (
	"errors"
	"net/http"
)

// Sentinel errors for the ledger and its callers. Handlers translate these
// to HTTP statuses with StatusForError; services wrap them with %w so
// errors.Is keeps working across layers.
var (
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrAccountNotFound        = errors.New("account not found")
	ErrBookingNotFound        = errors.New("booking not found")
	ErrDuplicateActiveBooking = errors.New("an active booking with this scholar already exists")
	ErrSessionAlreadyStarted  = errors.New("session already started")
	ErrScholarOffline         = errors.New("scholar is not online")
	ErrUnsupportedBank        = errors.New("unsupported bank code")
	ErrInvalidAmount          = errors.New("amount must be positive")
	ErrSameAccount            = errors.New("cannot transfer to the same account")

	// ErrLedgerConflict means an optimistic version check failed; the
	// operation made no net change and may be retried.
	ErrLedgerConflict = errors.New("ledger conflict, retry")

	// ErrLedgerInconsistency means a compensating write failed after an
	// external event reached a terminal state. It must reach operators and
	// must never be conflated with a retryable fault.
	ErrLedgerInconsistency = errors.New("ledger inconsistency")
)

func StatusForError(err error) int {
	switch {
	case errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrUnsupportedBank),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrSameAccount):
		return http.StatusBadRequest
	case errors.Is(err, ErrAccountNotFound), errors.Is(err, ErrBookingNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrDuplicateActiveBooking),
		errors.Is(err, ErrSessionAlreadyStarted),
		errors.Is(err, ErrScholarOffline):
		return http.StatusConflict
	case errors.Is(err, ErrLedgerConflict):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
