package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yieldledger/backend/internal/models"
	"github.com/yieldledger/backend/internal/repository"
	"go.uber.org/zap"
)

func newTestLedger(t *testing.T, cfg LedgerConfig) (*LedgerService, *repository.Memory) {
	t.Helper()
	store := repository.NewMemory()
	store.AddUser(models.User{ID: "user-1", Balance: decimal.NewFromInt(1000)})
	store.AddUser(models.User{ID: "user-2", Balance: decimal.NewFromInt(500)})

	ledger := NewLedgerService(store, cfg, zap.NewNop(), nil, nil)
	clock := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	ledger.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	return ledger, store
}

func recordN(t *testing.T, ledger *LedgerService, userID string, n int) []int64 {
	t.Helper()
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		id, err := ledger.Record(context.Background(), models.LedgerEntryInput{
			UserID:       userID,
			EntryType:    models.EntryDeposit,
			AmountDelta:  decimal.NewFromInt(int64(10 * (i + 1))),
			BalanceAfter: decimal.NewFromInt(int64(1000 + 10*(i+1))),
			Metadata:     models.Metadata{"seq": i, "source": "test"},
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestLedgerService_RecordIsDeterministic(t *testing.T) {
	ledger, store := newTestLedger(t, LedgerConfig{})
	recordN(t, ledger, "user-1", 4)

	entries, err := store.UserLedgerEntries(context.Background(), "user-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 4)

	previous := ""
	for _, e := range entries {
		assert.Equal(t, previous, e.PreviousHash)
		hash, err := ComputeEntryHash(e.PreviousHash, e)
		require.NoError(t, err)
		assert.Equal(t, e.EntryHash, hash)
		previous = e.EntryHash
	}
}

func TestComputeEntryHash(t *testing.T) {
	base := models.LedgerEntry{
		UserID:      "user-1",
		EntryType:   models.EntryDailyReturn,
		AmountDelta: decimal.NewFromInt(4),
		Metadata:    models.Metadata{"investment_id": int64(7)},
		CreatedAt:   time.Date(2025, 3, 1, 0, 5, 0, 123456789, time.UTC),
	}
	want, err := ComputeEntryHash("prev", base)
	require.NoError(t, err)
	assert.Len(t, want, 64)

	t.Run("stable across metadata round trip and precision", func(t *testing.T) {
		e := base
		e.Metadata = models.Metadata{"investment_id": float64(7)}
		e.AmountDelta = decimal.RequireFromString("4.000")
		e.CreatedAt = base.CreatedAt.Truncate(time.Microsecond).In(time.FixedZone("x", 3600))
		got, err := ComputeEntryHash("prev", e)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	mutations := map[string]func(*models.LedgerEntry){
		"amount":     func(e *models.LedgerEntry) { e.AmountDelta = decimal.RequireFromString("4.00000001") },
		"user":       func(e *models.LedgerEntry) { e.UserID = "user-2" },
		"type":       func(e *models.LedgerEntry) { e.EntryType = models.EntryCompletionCredit },
		"reference":  func(e *models.LedgerEntry) { e.ReferenceID = "8" },
		"metadata":   func(e *models.LedgerEntry) { e.Metadata = models.Metadata{"investment_id": 8} },
		"created_at": func(e *models.LedgerEntry) { e.CreatedAt = e.CreatedAt.Add(time.Microsecond) },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			e := base
			mutate(&e)
			got, err := ComputeEntryHash("prev", e)
			require.NoError(t, err)
			assert.NotEqual(t, want, got)
		})
	}

	other, err := ComputeEntryHash("other", base)
	require.NoError(t, err)
	assert.NotEqual(t, want, other)
}

func TestLedgerService_RecordRejectsInvalidInput(t *testing.T) {
	ledger, _ := newTestLedger(t, LedgerConfig{})

	_, err := ledger.Record(context.Background(), models.LedgerEntryInput{EntryType: models.EntryDeposit})
	assert.ErrorIs(t, err, ErrInvalidEntry)

	_, err = ledger.Record(context.Background(), models.LedgerEntryInput{UserID: "user-1", EntryType: "bogus"})
	assert.ErrorIs(t, err, ErrInvalidEntry)
}

func TestLedgerService_RecordUnencodableMetadata(t *testing.T) {
	ledger, store := newTestLedger(t, LedgerConfig{})

	_, err := ledger.Record(context.Background(), models.LedgerEntryInput{
		UserID:    "user-1",
		EntryType: models.EntryDeposit,
		Metadata:  models.Metadata{"callback": make(chan int)},
	})
	assert.ErrorIs(t, err, ErrInvalidEntry)
	assert.NotErrorIs(t, err, ErrInsertFailed)

	entries, err := store.UserLedgerEntries(context.Background(), "user-1", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLedgerService_RecordInsertFailure(t *testing.T) {
	ledger, store := newTestLedger(t, LedgerConfig{})
	store.FailHook = func(op, key string) error {
		if op == "InsertLedgerEntry" {
			return fmt.Errorf("insert: %w", repository.ErrRepositoryUnavailable)
		}
		return nil
	}

	_, err := ledger.Record(context.Background(), models.LedgerEntryInput{UserID: "user-1", EntryType: models.EntryDeposit})
	assert.ErrorIs(t, err, ErrInsertFailed)
	assert.ErrorIs(t, err, repository.ErrRepositoryUnavailable)

	entries, err := store.UserLedgerEntries(context.Background(), "user-1", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLedgerService_ConcurrentRecordsDoNotFork(t *testing.T) {
	ledger, store := newTestLedger(t, LedgerConfig{})
	ctx := context.Background()

	const writers = 40
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			userID := "user-1"
			if i%4 == 0 {
				userID = "user-2"
			}
			_, err := ledger.Record(ctx, models.LedgerEntryInput{
				UserID:      userID,
				EntryType:   models.EntryDeposit,
				AmountDelta: decimal.NewFromInt(int64(i)),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for _, userID := range []string{"user-1", "user-2"} {
		res, err := ledger.VerifyChain(ctx, userID, 0)
		require.NoError(t, err)
		assert.True(t, res.Valid, userID)
	}
	entries, err := store.UserLedgerEntries(ctx, "user-1", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 30)
	assert.Equal(t, 0, ledger.locks.size())
}

func TestLedgerService_VerifyChain(t *testing.T) {
	ctx := context.Background()

	t.Run("valid chain", func(t *testing.T) {
		ledger, _ := newTestLedger(t, LedgerConfig{})
		recordN(t, ledger, "user-1", 3)

		res, err := ledger.VerifyChain(ctx, "user-1", 0)
		require.NoError(t, err)
		assert.True(t, res.Valid)
		assert.Equal(t, 3, res.Checked)
		assert.Nil(t, res.BreakIndex)
		assert.NoError(t, res.Err())
	})

	tampers := []struct {
		name   string
		mutate func(*models.LedgerEntry)
		reason string
	}{
		{"amount", func(e *models.LedgerEntry) { e.AmountDelta = e.AmountDelta.Add(decimal.NewFromInt(1)) }, reasonHash},
		{"entry hash", func(e *models.LedgerEntry) { e.EntryHash = "deadbeef" }, reasonHash},
		{"previous hash", func(e *models.LedgerEntry) { e.PreviousHash = "deadbeef" }, reasonLinkage},
	}
	for _, tc := range tampers {
		t.Run("tampered "+tc.name, func(t *testing.T) {
			ledger, store := newTestLedger(t, LedgerConfig{})
			ids := recordN(t, ledger, "user-1", 4)
			require.True(t, store.TamperLedgerEntry(ids[1], tc.mutate))

			res, err := ledger.VerifyChain(ctx, "user-1", 0)
			require.NoError(t, err)
			assert.False(t, res.Valid)
			require.NotNil(t, res.BreakIndex)
			assert.Equal(t, 1, *res.BreakIndex)
			assert.Equal(t, ids[1], res.BreakEntryID)
			assert.Equal(t, tc.reason, res.Reason)
			assert.ErrorIs(t, res.Err(), ErrChainBroken)
		})
	}

	t.Run("limit stops before tampered row", func(t *testing.T) {
		ledger, store := newTestLedger(t, LedgerConfig{})
		ids := recordN(t, ledger, "user-1", 4)
		store.TamperLedgerEntry(ids[3], func(e *models.LedgerEntry) { e.EntryHash = "x" })

		res, err := ledger.VerifyChain(ctx, "user-1", 3)
		require.NoError(t, err)
		assert.True(t, res.Valid)
		assert.Equal(t, 3, res.Checked)
	})

	t.Run("reordered rows break linkage", func(t *testing.T) {
		ledger, store := newTestLedger(t, LedgerConfig{})
		ids := recordN(t, ledger, "user-1", 3)
		entries, err := store.UserLedgerEntries(ctx, "user-1", 0)
		require.NoError(t, err)

		second, third := entries[1], entries[2]
		store.TamperLedgerEntry(ids[1], func(e *models.LedgerEntry) { id := e.ID; *e = third; e.ID = id })
		store.TamperLedgerEntry(ids[2], func(e *models.LedgerEntry) { id := e.ID; *e = second; e.ID = id })

		res, err := ledger.VerifyChain(ctx, "user-1", 0)
		require.NoError(t, err)
		assert.False(t, res.Valid)
		assert.Equal(t, 1, *res.BreakIndex)
	})
}

func TestLedgerService_VerifyLedger(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T, cfg LedgerConfig) (*LedgerService, *repository.Memory, []int64) {
		ledger, store := newTestLedger(t, cfg)
		var ids []int64
		for i := 0; i < 5; i++ {
			ids = append(ids, recordN(t, ledger, "user-1", 1)...)
			ids = append(ids, recordN(t, ledger, "user-2", 1)...)
		}
		return ledger, store, ids
	}

	t.Run("clean ledger", func(t *testing.T) {
		ledger, _, _ := seed(t, LedgerConfig{})
		res, err := ledger.VerifyLedger(ctx, VerifyOptions{})
		require.NoError(t, err)
		assert.True(t, res.OK)
		assert.Equal(t, 10, res.Checked)
		assert.False(t, res.Degraded)
		assert.NoError(t, res.Err())
	})

	t.Run("tampered amount reports its id", func(t *testing.T) {
		ledger, store, ids := seed(t, LedgerConfig{})
		store.TamperLedgerEntry(ids[4], func(e *models.LedgerEntry) { e.BalanceAfter = decimal.NewFromInt(1) })

		res, err := ledger.VerifyLedger(ctx, VerifyOptions{})
		require.NoError(t, err)
		assert.False(t, res.OK)
		assert.Equal(t, ids[4], res.FirstCorruptionID)
		assert.Equal(t, 1, res.HashMismatches)
		assert.ErrorIs(t, res.Err(), ErrChainBroken)
	})

	t.Run("tampered hash breaks the next link too", func(t *testing.T) {
		ledger, store, ids := seed(t, LedgerConfig{})
		// ids[2] is user-1's second entry; user-1's third entry is ids[4].
		store.TamperLedgerEntry(ids[2], func(e *models.LedgerEntry) { e.EntryHash = "forged" })

		res, err := ledger.VerifyLedger(ctx, VerifyOptions{})
		require.NoError(t, err)
		assert.Equal(t, ids[2], res.FirstCorruptionID)
		assert.Equal(t, 2, res.HashMismatches)
	})

	t.Run("sampling still checks linkage of every row", func(t *testing.T) {
		ledger, store, ids := seed(t, LedgerConfig{})
		// Row 5 is off the stride of 3, so only linkage can catch it.
		store.TamperLedgerEntry(ids[4], func(e *models.LedgerEntry) { e.PreviousHash = "forged" })

		res, err := ledger.VerifyLedger(ctx, VerifyOptions{Sample: 3})
		require.NoError(t, err)
		assert.False(t, res.OK)
		assert.Equal(t, ids[4], res.FirstCorruptionID)
	})

	t.Run("sampling recomputes only every nth row", func(t *testing.T) {
		ledger, store, ids := seed(t, LedgerConfig{})
		store.TamperLedgerEntry(ids[4], func(e *models.LedgerEntry) { e.AmountDelta = decimal.Zero })

		res, err := ledger.VerifyLedger(ctx, VerifyOptions{Sample: 3})
		require.NoError(t, err)
		assert.True(t, res.OK)

		store.TamperLedgerEntry(ids[3], func(e *models.LedgerEntry) { e.AmountDelta = decimal.Zero })
		res, err = ledger.VerifyLedger(ctx, VerifyOptions{Sample: 3})
		require.NoError(t, err)
		assert.Equal(t, ids[3], res.FirstCorruptionID)
	})

	t.Run("range starting mid-ledger links to preceding rows", func(t *testing.T) {
		ledger, _, ids := seed(t, LedgerConfig{})
		res, err := ledger.VerifyLedger(ctx, VerifyOptions{FromID: ids[4], ToID: ids[7]})
		require.NoError(t, err)
		assert.True(t, res.OK)
		assert.Equal(t, 4, res.Checked)
	})

	t.Run("falls back to paged scan", func(t *testing.T) {
		ledger, store, ids := seed(t, LedgerConfig{VerifyChunkSize: 3})
		store.SetStreamUnavailable(true)
		store.TamperLedgerEntry(ids[6], func(e *models.LedgerEntry) { e.AmountDelta = decimal.Zero })

		res, err := ledger.VerifyLedger(ctx, VerifyOptions{})
		require.NoError(t, err)
		assert.True(t, res.Degraded)
		assert.Equal(t, 10, res.Checked)
		assert.Equal(t, ids[6], res.FirstCorruptionID)
	})

	t.Run("fallback is capped", func(t *testing.T) {
		ledger, store, _ := seed(t, LedgerConfig{VerifyChunkSize: 3, VerifyFallbackMaxRows: 4})
		store.SetStreamUnavailable(true)

		res, err := ledger.VerifyLedger(ctx, VerifyOptions{})
		require.NoError(t, err)
		assert.True(t, res.OK)
		assert.True(t, res.Truncated)
		assert.Equal(t, 4, res.Checked)
	})

	t.Run("rejects negative options", func(t *testing.T) {
		ledger, _ := newTestLedger(t, LedgerConfig{})
		_, err := ledger.VerifyLedger(ctx, VerifyOptions{Sample: -1})
		assert.Error(t, err)
	})
}

func TestLedgerService_ApplyBalanceChange(t *testing.T) {
	ctx := context.Background()

	t.Run("increments and snapshots", func(t *testing.T) {
		ledger, store := newTestLedger(t, LedgerConfig{})

		entry, err := ledger.ApplyBalanceChange(ctx, BalanceChange{
			UserID:              "user-1",
			EntryType:           models.EntryInvestmentLock,
			AmountDelta:         decimal.NewFromInt(-200),
			ActiveDepositsDelta: decimal.NewFromInt(200),
			ReferenceTable:      "investments",
			ReferenceID:         "1",
		}, nil)
		require.NoError(t, err)
		assert.True(t, entry.BalanceAfter.Equal(decimal.NewFromInt(800)))
		assert.True(t, entry.ActiveDepositsAfter.Equal(decimal.NewFromInt(200)))

		user, err := store.GetUser(ctx, "user-1")
		require.NoError(t, err)
		assert.True(t, user.Balance.Equal(entry.BalanceAfter))
		assert.True(t, user.ActiveDeposits.Equal(entry.ActiveDepositsAfter))
	})

	t.Run("failure in paired write rolls back everything", func(t *testing.T) {
		ledger, store := newTestLedger(t, LedgerConfig{})
		boom := errors.New("investment update failed")

		_, err := ledger.ApplyBalanceChange(ctx, BalanceChange{
			UserID:      "user-1",
			EntryType:   models.EntryDailyReturn,
			AmountDelta: decimal.NewFromInt(4),
		}, func(tx repository.Tx) error { return boom })
		assert.ErrorIs(t, err, boom)

		user, err := store.GetUser(ctx, "user-1")
		require.NoError(t, err)
		assert.True(t, user.Balance.Equal(decimal.NewFromInt(1000)))
		entries, err := store.UserLedgerEntries(ctx, "user-1", 0)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("unknown user", func(t *testing.T) {
		ledger, _ := newTestLedger(t, LedgerConfig{})
		_, err := ledger.ApplyBalanceChange(ctx, BalanceChange{UserID: "ghost", EntryType: models.EntryDeposit}, nil)
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})
}
