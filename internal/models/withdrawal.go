package models

import (
	"time"
)

type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "pending"
	WithdrawalCompleted WithdrawalStatus = "completed"
	WithdrawalFailed    WithdrawalStatus = "failed"
)

// BankDetails is the payout destination for a withdrawal.
type BankDetails struct {
	AccountNumber string `json:"accountNumber" validate:"required,len=10,numeric"`
	BankCode      string `json:"bankCode" validate:"required,min=3,max=6"`
	AccountName   string `json:"accountName" validate:"required,min=2,max=100"`
}

// WithdrawalRequest is a scholar-initiated payout. The coin balance is
// deducted at creation time; a failed gateway transfer refunds it.
type WithdrawalRequest struct {
	ID               string           `json:"id" db:"id"`
	ScholarID        int              `json:"scholarId" db:"scholar_id"`
	Amount           int64            `json:"amount" db:"amount"` // coins
	AccountNumber    string           `json:"accountNumber" db:"account_number"`
	BankCode         string           `json:"bankCode" db:"bank_code"`
	AccountName      string           `json:"accountName" db:"account_name"`
	Status           WithdrawalStatus `json:"status" db:"status"`
	PaymentReference string           `json:"paymentReference" db:"payment_reference"`
	FailureReason    string           `json:"failureReason,omitempty" db:"failure_reason"`
	CreatedAt        time.Time        `json:"createdAt" db:"created_at"`
	ResolvedAt       *time.Time       `json:"resolvedAt,omitempty" db:"resolved_at"`
}
