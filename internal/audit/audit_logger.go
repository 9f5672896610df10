package audit

import (
	"encoding/json"
	"log"
	"time"
)

type Event struct {
	Timestamp        time.Time `json:"timestamp"`
	EventType        string    `json:"event_type"`
	PaymentReference string    `json:"payment_reference"`
	AccountID        string    `json:"account_id"`
	Amount           int64     `json:"amount"`
	Status           string    `json:"status"`
	Details          any       `json:"details"`
}

type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

func (a *Logger) LogTransfer(reference, fromAccount, toAccount string, amount int64, status string) {
	event := Event{
		Timestamp:        time.Now(),
		EventType:        "TRANSFER",
		PaymentReference: reference,
		Amount:           amount,
		Status:           status,
		Details: map[string]string{
			"from_account": fromAccount,
			"to_account":   toAccount,
		},
	}
	a.log(event)
}

func (a *Logger) LogError(reference, accountID string, err error) {
	event := Event{
		Timestamp:        time.Now(),
		EventType:        "ERROR",
		PaymentReference: reference,
		AccountID:        accountID,
		Status:           "FAILED",
		Details:          map[string]string{"error": err.Error()},
	}
	a.log(event)
}

func (a *Logger) LogOperation(reference, accountID, operation, details string) {
	event := Event{
		Timestamp:        time.Now(),
		EventType:        operation,
		PaymentReference: reference,
		AccountID:        accountID,
		Status:           "SUCCESS",
		Details:          map[string]string{"details": details},
	}
	a.log(event)
}

// LogInconsistency records the fatal case where a compensating write failed
// after an external event reached a terminal state. These events require
// operator intervention and must never be downgraded to plain errors.
func (a *Logger) LogInconsistency(reference, accountID string, amount int64, err error) {
	event := Event{
		Timestamp:        time.Now(),
		EventType:        "INCONSISTENCY",
		PaymentReference: reference,
		AccountID:        accountID,
		Amount:           amount,
		Status:           "ALERT",
		Details:          map[string]string{"error": err.Error()},
	}
	a.log(event)
}

func (a *Logger) log(event Event) {
	data, _ := json.Marshal(event)
	log.Printf("AUDIT: %s", string(data))
}
