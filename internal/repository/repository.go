package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yieldledger/backend/internal/models"
)

// LedgerReader reads financial_ledger rows for verification.
type LedgerReader interface {
	// UserLedgerEntries returns a user's entries in ascending id order.
	// limit <= 0 returns the whole chain.
	UserLedgerEntries(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error)

	// StreamLedgerEntries calls fn for every entry with fromID <= id <= toID
	// (toID <= 0 means unbounded) in ascending id order using one query.
	StreamLedgerEntries(ctx context.Context, fromID, toID int64, fn func(models.LedgerEntry) error) error

	// LedgerEntriesPage returns up to limit entries with afterID < id <= toID.
	LedgerEntriesPage(ctx context.Context, afterID, toID int64, limit int) ([]models.LedgerEntry, error)

	// PrecedingEntryHash returns the entry_hash of the user's last entry with
	// id < beforeID, or "" when there is none.
	PrecedingEntryHash(ctx context.Context, userID string, beforeID int64) (string, error)
}

// Tx is the set of writes that must share one database transaction.
type Tx interface {
	// LockUser locks the user's row until the transaction ends.
	LockUser(ctx context.Context, userID string) (models.UserBalance, error)

	// IncrementUserBalance adds the deltas and returns the post-increment state.
	IncrementUserBalance(ctx context.Context, userID string, amount, activeDeposits decimal.Decimal) (models.UserBalance, error)

	// LastLedgerHash returns the entry_hash of the user's newest entry, or "".
	LastLedgerHash(ctx context.Context, userID string) (string, error)

	// InsertLedgerEntry stores a fully hashed entry and returns its id.
	InsertLedgerEntry(ctx context.Context, entry *models.LedgerEntry) (int64, error)

	// UpdateInvestmentAccrual persists DaysElapsed, TotalEarned,
	// LastReturnApplied and FirstProfitDate.
	UpdateInvestmentAccrual(ctx context.Context, inv *models.Investment) error

	// MarkInvestmentCompleted retires the active row and writes the snapshot.
	MarkInvestmentCompleted(ctx context.Context, inv *models.Investment, snapshot *models.CompletedInvestment) error
}

// Store is the storage boundary consumed by the ledger and the daily job.
type Store interface {
	LedgerReader

	// WithTx runs fn in a transaction, committing when fn returns nil.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// ActiveInvestmentsDue returns active investments not yet credited for
	// today, plus those whose delayed first credit falls on today.
	ActiveInvestmentsDue(ctx context.Context, today time.Time) ([]models.Investment, error)

	GetUser(ctx context.Context, userID string) (*models.User, error)

	// JobRunExists reports whether a scheduled (non-manual) run is recorded
	// for jobName on runDate.
	JobRunExists(ctx context.Context, jobName string, runDate time.Time) (bool, error)

	// CreateJobRun inserts the run marker. A second scheduled run for the same
	// job and day fails with ErrJobRunExists.
	CreateJobRun(ctx context.Context, run *models.JobRun) error

	FinishJobRun(ctx context.Context, run *models.JobRun) error
}
