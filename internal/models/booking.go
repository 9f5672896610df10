package models

import (
	"time"
)

type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingCompleted BookingStatus = "completed"
	BookingCancelled BookingStatus = "cancelled"
)

// Booking is a scheduled scholar consultation. It correlates to exactly one
// debit transaction on the member and one credit transaction on the scholar,
// linked by PaymentReference. Once SessionStartedAt is set, cancellation is
// forbidden.
type Booking struct {
	ID               string        `json:"id" db:"id"`
	UserID           int           `json:"userId" db:"user_id"`
	ScholarID        int           `json:"scholarId" db:"scholar_id"`
	Topic            string        `json:"topic" db:"topic"`
	AmountPaid       int64         `json:"amountPaid" db:"amount_paid"` // coins
	Status           BookingStatus `json:"status" db:"status"`
	PaymentReference string        `json:"paymentReference" db:"payment_reference"`
	SessionStartedAt *time.Time    `json:"sessionStartedAt,omitempty" db:"session_started_at"`
	SessionEndsAt    *time.Time    `json:"sessionEndsAt,omitempty" db:"session_ends_at"`
	CreatedAt        time.Time     `json:"createdAt" db:"created_at"`
}

type GrantStatus string

const (
	GrantPending GrantStatus = "pending"
	GrantSuccess GrantStatus = "success"
	GrantFailed  GrantStatus = "failed"
)

// StreamAccessGrant records payment for a paid livestream. It is created
// pending before the gateway charge and flips to success only on a verified
// webhook; stream join is gated on a success grant.
type StreamAccessGrant struct {
	ID               string      `json:"id" db:"id"`
	StreamID         string      `json:"streamId" db:"stream_id"`
	UserID           int         `json:"userId" db:"user_id"`
	ScholarID        int         `json:"scholarId" db:"scholar_id"`
	AmountPaid       int64       `json:"amountPaid" db:"amount_paid"` // naira
	PaymentReference string      `json:"paymentReference" db:"payment_reference"`
	Status           GrantStatus `json:"status" db:"status"`
	CreatedAt        time.Time   `json:"createdAt" db:"created_at"`
}
