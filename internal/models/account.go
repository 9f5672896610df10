package models

import (
	"time"
)

// Account is the balance-bearing side of a profile. Balances are whole
// Masjid Coins; they are only ever mutated through the ledger service.
type Account struct {
	ID        string    `json:"id" db:"account_id"`
	OwnerName string    `json:"owner_name" db:"owner_name"`
	Balance   int64     `json:"balance" db:"balance"`
	Version   int       `json:"version" db:"version"` // for optimistic locking
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type User struct {
	ID              int        `json:"id" example:"1"`
	Email           string     `json:"email" example:"user@example.com"`
	FullName        string     `json:"fullName" example:"Abdullah Yusuf"`
	Role            string     `json:"role" example:"member"` // member | scholar | admin
	AccountID       string     `json:"accountId" example:"1234567890"`
	PhoneNumber     string     `json:"phoneNumber" example:"+2348012345678"`
	IsOnline        bool       `json:"isOnline"`
	ConsultationFee int64      `json:"consultationFee"` // coins per consultation, scholars only
	LastLogin       *time.Time `json:"lastLogin,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

const (
	RoleMember  = "member"
	RoleScholar = "scholar"
	RoleAdmin   = "admin"
)
