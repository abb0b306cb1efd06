package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerEntryType classifies a balance-affecting event.
type LedgerEntryType string

const (
	EntryDeposit          LedgerEntryType = "deposit"
	EntryWithdrawal       LedgerEntryType = "withdrawal"
	EntryInvestmentLock   LedgerEntryType = "investment_lock"
	EntryDailyReturn      LedgerEntryType = "daily_return"
	EntryCompletionCredit LedgerEntryType = "completion_credit"
	EntryBalanceAdjust    LedgerEntryType = "balance_adjust"
	EntryAdminFunding     LedgerEntryType = "admin_funding"
)

// Valid reports whether t is a known entry type.
func (t LedgerEntryType) Valid() bool {
	switch t {
	case EntryDeposit, EntryWithdrawal, EntryInvestmentLock, EntryDailyReturn,
		EntryCompletionCredit, EntryBalanceAdjust, EntryAdminFunding:
		return true
	}
	return false
}

// LedgerEntry is one immutable row of financial_ledger. Rows for a user,
// ordered by ID, form a hash chain through PreviousHash/EntryHash.
type LedgerEntry struct {
	ID                  int64           `json:"id" db:"id"`
	UserID              string          `json:"user_id" db:"user_id"`
	EntryType           LedgerEntryType `json:"entry_type" db:"entry_type"`
	AmountDelta         decimal.Decimal `json:"amount_delta" db:"amount_delta"`
	ActiveDepositsDelta decimal.Decimal `json:"active_deposits_delta" db:"active_deposits_delta"`
	BalanceAfter        decimal.Decimal `json:"balance_after" db:"balance_after"`
	ActiveDepositsAfter decimal.Decimal `json:"active_deposits_after" db:"active_deposits_after"`
	ReferenceTable      string          `json:"reference_table,omitempty" db:"reference_table"`
	ReferenceID         string          `json:"reference_id,omitempty" db:"reference_id"`
	Metadata            Metadata        `json:"metadata,omitempty" db:"metadata"`
	PreviousHash        string          `json:"previous_hash" db:"previous_hash"`
	EntryHash           string          `json:"entry_hash" db:"entry_hash"`
	CreatedAt           time.Time       `json:"created_at" db:"created_at"`
}

// LedgerEntryInput is what callers hand to the ledger; ID and hashes are
// assigned on write.
type LedgerEntryInput struct {
	UserID              string          `json:"user_id" validate:"required"`
	EntryType           LedgerEntryType `json:"entry_type" validate:"required"`
	AmountDelta         decimal.Decimal `json:"amount_delta"`
	ActiveDepositsDelta decimal.Decimal `json:"active_deposits_delta"`
	BalanceAfter        decimal.Decimal `json:"balance_after"`
	ActiveDepositsAfter decimal.Decimal `json:"active_deposits_after"`
	ReferenceTable      string          `json:"reference_table,omitempty"`
	ReferenceID         string          `json:"reference_id,omitempty"`
	Metadata            Metadata        `json:"metadata,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}

// UserBalance is the users.balance / users.active_deposits pair.
type UserBalance struct {
	UserID         string          `json:"user_id" db:"id"`
	Balance        decimal.Decimal `json:"balance" db:"balance"`
	ActiveDeposits decimal.Decimal `json:"active_deposits" db:"active_deposits"`
}
