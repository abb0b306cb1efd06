package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// InvestmentStatus represents investment lifecycle state
const (
	InvestmentStatusActive    = "active"
	InvestmentStatusCompleted = "completed"
	InvestmentStatusCancelled = "cancelled"
)

// Investment is a row of the investments table. Accrual fields (DaysElapsed,
// TotalEarned, CreditedTotal, LastReturnApplied, FirstProfitDate) belong to
// the daily job; the deposit-approval flow owns the rest. CreditedTotal is the
// part of TotalEarned already paid into users.balance.
type Investment struct {
	ID                int64           `json:"id" db:"id"`
	UserID            string          `json:"user_id" db:"user_id"`
	PlanName          string          `json:"plan_name" db:"plan_name"`
	PrincipalAmount   decimal.Decimal `json:"principal_amount" db:"principal_amount"`
	DailyProfitPct    decimal.Decimal `json:"daily_profit" db:"daily_profit"`
	DurationDays      int             `json:"duration" db:"duration"`
	StartDate         time.Time       `json:"start_date" db:"start_date"`
	EndDate           time.Time       `json:"end_date" db:"end_date"`
	Status            string          `json:"status" db:"status"`
	DaysElapsed       int             `json:"days_elapsed" db:"days_elapsed"`
	TotalEarned       decimal.Decimal `json:"total_earned" db:"total_earned"`
	CreditedTotal     decimal.Decimal `json:"credited_total" db:"credited_total"`
	LastReturnApplied *time.Time      `json:"last_return_applied,omitempty" db:"last_return_applied"`
	FirstProfitDate   *time.Time      `json:"first_profit_date,omitempty" db:"first_profit_date"`
}

// CompletedInvestment is the snapshot written when an investment matures.
type CompletedInvestment struct {
	ID                   int64           `json:"id" db:"id"`
	OriginalInvestmentID int64           `json:"original_investment_id" db:"original_investment_id"`
	UserID               string          `json:"user_id" db:"user_id"`
	PlanName             string          `json:"plan_name" db:"plan_name"`
	PrincipalAmount      decimal.Decimal `json:"principal_amount" db:"principal_amount"`
	DurationDays         int             `json:"duration" db:"duration"`
	DailyProfitPct       decimal.Decimal `json:"daily_profit" db:"daily_profit"`
	TotalEarned          decimal.Decimal `json:"total_earned" db:"total_earned"`
	StartDate            time.Time       `json:"start_date" db:"start_date"`
	EndDate              time.Time       `json:"end_date" db:"end_date"`
	CompletedAt          time.Time       `json:"completed_at" db:"completed_at"`
}

// CompletionNotice is what the notification boundary receives when an
// investment matures.
type CompletionNotice struct {
	UserID       string          `json:"user_id"`
	Email        string          `json:"email"`
	FullName     string          `json:"full_name,omitempty"`
	InvestmentID int64           `json:"investment_id"`
	PlanName     string          `json:"plan_name"`
	DurationDays int             `json:"duration"`
	TotalEarned  decimal.Decimal `json:"total_earned"`
	Principal    decimal.Decimal `json:"principal"`
	EndDate      time.Time       `json:"end_date"`
	CompletedAt  time.Time       `json:"completed_at"`
}
