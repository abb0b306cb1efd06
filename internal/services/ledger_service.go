package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/yieldledger/backend/internal/audit"
	"github.com/yieldledger/backend/internal/metrics"
	"github.com/yieldledger/backend/internal/models"
	"github.com/yieldledger/backend/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultVerifyChunkSize       = 500
	defaultVerifyFallbackMaxRows = 5000
)

type LedgerConfig struct {
	VerifyChunkSize       int
	VerifyFallbackMaxRows int
}

func (c LedgerConfig) withDefaults() LedgerConfig {
	if c.VerifyChunkSize <= 0 {
		c.VerifyChunkSize = defaultVerifyChunkSize
	}
	if c.VerifyFallbackMaxRows <= 0 {
		c.VerifyFallbackMaxRows = defaultVerifyFallbackMaxRows
	}
	return c
}

// LedgerService is the only writer of financial_ledger. Appends for one user
// are serialized in-process by UserLocks and in the store by the user row
// lock taken inside the transaction.
type LedgerService struct {
	store    repository.Store
	locks    *UserLocks
	cfg      LedgerConfig
	log      *zap.Logger
	audit    *audit.Logger
	metrics  *metrics.JobMetrics
	validate *validator.Validate
	now      func() time.Time
}

func NewLedgerService(store repository.Store, cfg LedgerConfig, log *zap.Logger, auditor *audit.Logger, m *metrics.JobMetrics) *LedgerService {
	if log == nil {
		log = zap.NewNop()
	}
	return &LedgerService{
		store:    store,
		locks:    NewUserLocks(),
		cfg:      cfg.withDefaults(),
		log:      log.Named("ledger"),
		audit:    auditor,
		metrics:  m,
		validate: validator.New(),
		now:      time.Now,
	}
}

// Record appends one entry in its own transaction. The caller supplies the
// post-mutation snapshot; use ApplyBalanceChange to mutate the balance too.
func (s *LedgerService) Record(ctx context.Context, in models.LedgerEntryInput) (int64, error) {
	if err := s.validateInput(in); err != nil {
		return 0, err
	}

	release := s.locks.Lock(in.UserID)
	defer release()

	var entry models.LedgerEntry
	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		if _, err := tx.LockUser(ctx, in.UserID); err != nil {
			return err
		}
		var err error
		entry, err = s.RecordTx(ctx, tx, in)
		return err
	})
	if err != nil {
		s.metrics.IncLedgerAppend(string(in.EntryType), false)
		return 0, asInsertFailed(err)
	}

	s.appended(entry)
	return entry.ID, nil
}

// RecordTx appends an entry inside tx. The caller must hold the user's lock
// (in-process and row level) for the lifetime of tx.
func (s *LedgerService) RecordTx(ctx context.Context, tx repository.Tx, in models.LedgerEntryInput) (models.LedgerEntry, error) {
	previousHash, err := tx.LastLedgerHash(ctx, in.UserID)
	if err != nil {
		return models.LedgerEntry{}, err
	}

	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}

	metadata, err := in.Metadata.Canonical()
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("%w: metadata: %w", ErrInvalidEntry, err)
	}

	entry := models.LedgerEntry{
		UserID:              in.UserID,
		EntryType:           in.EntryType,
		AmountDelta:         in.AmountDelta,
		ActiveDepositsDelta: in.ActiveDepositsDelta,
		BalanceAfter:        in.BalanceAfter,
		ActiveDepositsAfter: in.ActiveDepositsAfter,
		ReferenceTable:      in.ReferenceTable,
		ReferenceID:         in.ReferenceID,
		Metadata:            metadata,
		PreviousHash:        previousHash,
		CreatedAt:           NormalizeCreatedAt(createdAt),
	}
	entry.EntryHash, err = ComputeEntryHash(previousHash, entry)
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("%w: %w", ErrInvalidEntry, err)
	}

	entry.ID, err = tx.InsertLedgerEntry(ctx, &entry)
	if err != nil {
		return models.LedgerEntry{}, fmt.Errorf("%w: %w", ErrInsertFailed, err)
	}
	return entry, nil
}

// BalanceChange describes a mutation of users.balance/active_deposits.
type BalanceChange struct {
	UserID              string
	EntryType           models.LedgerEntryType
	AmountDelta         decimal.Decimal
	ActiveDepositsDelta decimal.Decimal
	ReferenceTable      string
	ReferenceID         string
	Metadata            models.Metadata
	CreatedAt           time.Time
}

// ApplyBalanceChange increments the user's balances, appends the matching
// ledger entry with the post-increment snapshot and runs also, all in one
// transaction. Any failure rolls back every write.
func (s *LedgerService) ApplyBalanceChange(ctx context.Context, change BalanceChange, also func(tx repository.Tx) error) (models.LedgerEntry, error) {
	if change.UserID == "" || !change.EntryType.Valid() {
		return models.LedgerEntry{}, fmt.Errorf("%w: user %q type %q", ErrInvalidEntry, change.UserID, change.EntryType)
	}

	release := s.locks.Lock(change.UserID)
	defer release()

	var entry models.LedgerEntry
	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		bal, err := tx.IncrementUserBalance(ctx, change.UserID, change.AmountDelta, change.ActiveDepositsDelta)
		if err != nil {
			return err
		}

		entry, err = s.RecordTx(ctx, tx, models.LedgerEntryInput{
			UserID:              change.UserID,
			EntryType:           change.EntryType,
			AmountDelta:         change.AmountDelta,
			ActiveDepositsDelta: change.ActiveDepositsDelta,
			BalanceAfter:        bal.Balance,
			ActiveDepositsAfter: bal.ActiveDeposits,
			ReferenceTable:      change.ReferenceTable,
			ReferenceID:         change.ReferenceID,
			Metadata:            change.Metadata,
			CreatedAt:           change.CreatedAt,
		})
		if err != nil {
			return err
		}

		if also != nil {
			return also(tx)
		}
		return nil
	})
	if err != nil {
		s.metrics.IncLedgerAppend(string(change.EntryType), false)
		return models.LedgerEntry{}, err
	}

	s.appended(entry)
	return entry, nil
}

func (s *LedgerService) appended(entry models.LedgerEntry) {
	s.metrics.IncLedgerAppend(string(entry.EntryType), true)
	s.audit.LogLedgerAppend(entry.UserID, entry.ID, string(entry.EntryType), entry.AmountDelta)
	s.log.Debug("ledger entry appended",
		zap.Int64("entry_id", entry.ID),
		zap.String("user_id", entry.UserID),
		zap.String("entry_type", string(entry.EntryType)),
	)
}

func (s *LedgerService) validateInput(in models.LedgerEntryInput) error {
	if err := s.validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEntry, err)
	}
	if !in.EntryType.Valid() {
		return fmt.Errorf("%w: unknown entry type %q", ErrInvalidEntry, in.EntryType)
	}
	return nil
}

// asInsertFailed tags storage failures. Rejected input keeps its own sentinel.
func asInsertFailed(err error) error {
	if errors.Is(err, ErrInsertFailed) || errors.Is(err, ErrInvalidEntry) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrInsertFailed, err)
}

// ChainVerification is the result of walking one user's chain.
type ChainVerification struct {
	UserID       string `json:"user_id"`
	Valid        bool   `json:"valid"`
	Checked      int    `json:"checked"`
	BreakIndex   *int   `json:"break_index,omitempty"`
	BreakEntryID int64  `json:"break_entry_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// Err returns ErrChainBroken when the chain did not verify.
func (v *ChainVerification) Err() error {
	if v.Valid {
		return nil
	}
	return fmt.Errorf("%w: user %s entry %d: %s", ErrChainBroken, v.UserID, v.BreakEntryID, v.Reason)
}

// VerifyChain recomputes the first limit entries of a user's chain
// (limit <= 0 checks all of it). BreakIndex is zero-based.
func (s *LedgerService) VerifyChain(ctx context.Context, userID string, limit int) (*ChainVerification, error) {
	entries, err := s.store.UserLedgerEntries(ctx, userID, limit)
	if err != nil {
		s.metrics.IncVerification("chain", "error")
		return nil, err
	}

	result := &ChainVerification{UserID: userID, Valid: true}
	previous := ""
	for i, entry := range entries {
		result.Checked++
		if reason := checkEntry(previous, entry, true); reason != "" {
			idx := i
			result.Valid = false
			result.BreakIndex = &idx
			result.BreakEntryID = entry.ID
			result.Reason = reason
			break
		}
		previous = entry.EntryHash
	}

	if !result.Valid {
		s.metrics.IncVerification("chain", "broken")
		s.audit.LogChainBroken("chain", userID, result.BreakEntryID, result.Reason)
		s.log.Warn("ledger chain broken",
			zap.String("user_id", userID),
			zap.Int("break_index", *result.BreakIndex),
			zap.Int64("entry_id", result.BreakEntryID),
			zap.String("reason", result.Reason),
		)
		return result, nil
	}
	s.metrics.IncVerification("chain", "ok")
	return result, nil
}

const (
	reasonLinkage = "previous_hash does not match predecessor"
	reasonHash    = "entry_hash does not match recomputed hash"
)

// checkEntry returns "" when the entry links to expectedPrevious and, if
// recompute is set, its stored hash matches its fields.
func checkEntry(expectedPrevious string, entry models.LedgerEntry, recompute bool) string {
	if entry.PreviousHash != expectedPrevious {
		return reasonLinkage
	}
	if !recompute {
		return ""
	}
	hash, err := ComputeEntryHash(entry.PreviousHash, entry)
	if err != nil || hash != entry.EntryHash {
		return reasonHash
	}
	return ""
}

// VerifyOptions bounds a cross-user verification. Zero values mean the whole
// ledger, the configured chunk size and no sampling.
type VerifyOptions struct {
	FromID    int64 `json:"from_id" validate:"gte=0"`
	ToID      int64 `json:"to_id" validate:"gte=0"`
	ChunkSize int   `json:"chunk_size" validate:"gte=0,lte=10000"`
	Sample    int   `json:"sample" validate:"gte=0"`
}

// LedgerVerification summarizes a cross-user verification.
type LedgerVerification struct {
	OK                bool  `json:"ok"`
	Checked           int   `json:"checked"`
	FirstCorruptionID int64 `json:"first_corruption_id,omitempty"`
	HashMismatches    int   `json:"hash_mismatches"`
	DurationMs        int64 `json:"duration_ms"`
	Degraded          bool  `json:"degraded"`
	Truncated         bool  `json:"truncated"`
}

func (v *LedgerVerification) Err() error {
	if v.OK {
		return nil
	}
	return fmt.Errorf("%w: %d mismatches, first at entry %d", ErrChainBroken, v.HashMismatches, v.FirstCorruptionID)
}

// ledgerWalk carries per-user tails across a verification pass so every row's
// linkage is checked without holding the rows themselves.
type ledgerWalk struct {
	store  repository.LedgerReader
	opts   VerifyOptions
	tails  map[string]string
	result *LedgerVerification
}

func (w *ledgerWalk) visit(ctx context.Context, entry models.LedgerEntry) error {
	expected, seen := w.tails[entry.UserID]
	if !seen && w.opts.FromID > 1 {
		var err error
		expected, err = w.store.PrecedingEntryHash(ctx, entry.UserID, entry.ID)
		if err != nil {
			return err
		}
	}

	w.result.Checked++
	recompute := w.opts.Sample <= 1 || (w.result.Checked-1)%w.opts.Sample == 0
	if reason := checkEntry(expected, entry, recompute); reason != "" {
		w.result.HashMismatches++
		if w.result.FirstCorruptionID == 0 {
			w.result.FirstCorruptionID = entry.ID
		}
	}
	w.tails[entry.UserID] = entry.EntryHash
	return nil
}

// VerifyLedger walks the ledger across users in id order. It streams rows
// with a single query and, if that path fails before producing any row,
// falls back to keyset pages capped at VerifyFallbackMaxRows.
func (s *LedgerService) VerifyLedger(ctx context.Context, opts VerifyOptions) (*LedgerVerification, error) {
	if err := s.validate.Struct(opts); err != nil {
		return nil, fmt.Errorf("invalid verify options: %w", err)
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = s.cfg.VerifyChunkSize
	}

	started := time.Now()
	walk := &ledgerWalk{
		store:  s.store,
		opts:   opts,
		tails:  make(map[string]string),
		result: &LedgerVerification{},
	}

	streamed := false
	err := s.store.StreamLedgerEntries(ctx, opts.FromID, opts.ToID, func(entry models.LedgerEntry) error {
		streamed = true
		return walk.visit(ctx, entry)
	})
	if err != nil {
		if streamed || ctx.Err() != nil {
			s.metrics.IncVerification("ledger", "error")
			return nil, err
		}
		s.log.Warn("ledger stream unavailable, falling back to paged scan",
			zap.Error(err),
			zap.Int("max_rows", s.cfg.VerifyFallbackMaxRows),
		)
		if err := s.verifyPaged(ctx, walk); err != nil {
			s.metrics.IncVerification("ledger", "error")
			return nil, err
		}
	}

	result := walk.result
	result.OK = result.HashMismatches == 0
	result.DurationMs = time.Since(started).Milliseconds()

	if !result.OK {
		s.metrics.IncVerification("ledger", "broken")
		s.audit.LogChainBroken("ledger", "", result.FirstCorruptionID, fmt.Sprintf("%d mismatches", result.HashMismatches))
		s.log.Warn("ledger verification found corruption",
			zap.Int("checked", result.Checked),
			zap.Int("mismatches", result.HashMismatches),
			zap.Int64("first_corruption_id", result.FirstCorruptionID),
		)
	} else {
		s.metrics.IncVerification("ledger", "ok")
	}
	return result, nil
}

func (s *LedgerService) verifyPaged(ctx context.Context, walk *ledgerWalk) error {
	walk.result.Degraded = true

	afterID := walk.opts.FromID - 1
	if afterID < 0 {
		afterID = 0
	}
	for {
		remaining := s.cfg.VerifyFallbackMaxRows - walk.result.Checked
		if remaining <= 0 {
			walk.result.Truncated = true
			return nil
		}
		pageSize := min(walk.opts.ChunkSize, remaining)

		page, err := s.store.LedgerEntriesPage(ctx, afterID, walk.opts.ToID, pageSize)
		if err != nil {
			return err
		}
		for _, entry := range page {
			if err := walk.visit(ctx, entry); err != nil {
				return err
			}
			afterID = entry.ID
		}
		if len(page) < pageSize {
			return nil
		}
	}
}
