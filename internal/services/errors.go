package services

import (
	"errors"
	"fmt"
)

var (
	// ErrInsertFailed means the store rejected a ledger write. Nothing was written.
	ErrInsertFailed = errors.New("ledger insert failed")

	// ErrChainBroken means verification found a hash or linkage mismatch.
	ErrChainBroken = errors.New("ledger chain broken")

	// ErrInvestmentProcessingFailed marks an isolated per-investment failure
	// inside the daily job.
	ErrInvestmentProcessingFailed = errors.New("investment processing failed")

	// ErrIdempotencyConflict means the scheduled job already ran for the day.
	ErrIdempotencyConflict = errors.New("job already ran today")

	ErrInvalidEntry = errors.New("invalid ledger entry")
)

// Processing steps reported in InvestmentProcessingError.
const (
	StepAccrue     = "accrue"
	StepComplete   = "complete"
	StepPersist    = "persist"
	StepNotify     = "notify"
	StepValidation = "validate"
)

// InvestmentProcessingError carries the context of a failed investment.
type InvestmentProcessingError struct {
	InvestmentID int64
	UserID       string
	Step         string
	Err          error
}

func (e *InvestmentProcessingError) Error() string {
	return fmt.Sprintf("investment %d (user %s) failed at %s: %v", e.InvestmentID, e.UserID, e.Step, e.Err)
}

func (e *InvestmentProcessingError) Unwrap() []error {
	return []error{ErrInvestmentProcessingFailed, e.Err}
}
