package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is the subset of the users table the ledger core reads.
type User struct {
	ID             string          `json:"id" db:"id"`
	Email          string          `json:"email" db:"email"`
	FullName       string          `json:"full_name" db:"full_name"`
	Balance        decimal.Decimal `json:"balance" db:"balance"`
	ActiveDeposits decimal.Decimal `json:"active_deposits" db:"active_deposits"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}
