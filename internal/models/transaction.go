package models

import (
	"time"
)

// TransactionKind discriminates what a ledger row represents. Each kind has
// a fixed sign convention: the actor row carries the signed amount, negative
// for debits, positive for credits.
type TransactionKind string

const (
	KindDeposit      TransactionKind = "deposit"
	KindConsultation TransactionKind = "consultation"
	KindRefund       TransactionKind = "refund"
	KindDonation     TransactionKind = "donation"
	KindWithdrawal   TransactionKind = "withdrawal"
	KindExtension    TransactionKind = "extension"
)

type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
)

// CoinTransaction is one immutable row of the transaction log. For an
// internal transfer a debit row and a credit row are written in the same
// database transaction, correlated by PaymentReference. Only Status may
// change after insert, and only pending -> completed|failed for flows
// confirmed by the payment gateway.
type CoinTransaction struct {
	ID                    int               `json:"id" db:"id"`
	TransactionID         string            `json:"transactionId" db:"transaction_id"`
	ActorAccountID        string            `json:"actorAccountId" db:"actor_account_id"`
	CounterpartyAccountID string            `json:"counterpartyAccountId,omitempty" db:"counterparty_account_id"`
	Amount                int64             `json:"amount" db:"amount"` // signed: negative = debit
	Kind                  TransactionKind   `json:"kind" db:"kind"`
	Description           string            `json:"description" db:"description"`
	PaymentReference      string            `json:"paymentReference,omitempty" db:"payment_reference"`
	Status                TransactionStatus `json:"status" db:"status"`
	CreatedAt             time.Time         `json:"createdAt" db:"created_at"`
}
