package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yieldledger/backend/internal/models"
)

var ledgerRowColumns = []string{
	"id", "user_id", "entry_type", "amount_delta", "active_deposits_delta",
	"balance_after", "active_deposits_after", "reference_table", "reference_id",
	"metadata", "previous_hash", "entry_hash", "created_at",
}

func newMockStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgres(db), mock
}

func TestPostgres_WithTx(t *testing.T) {
	ctx := context.Background()

	t.Run("commits when fn succeeds", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT id, balance, active_deposits\\s+FROM users\\s+WHERE id = \\$1\\s+FOR UPDATE").
			WithArgs("user-1").
			WillReturnRows(sqlmock.NewRows([]string{"id", "balance", "active_deposits"}).
				AddRow("user-1", "150.25", "100"))
		mock.ExpectCommit()

		var bal models.UserBalance
		err := store.WithTx(ctx, func(tx Tx) error {
			var err error
			bal, err = tx.LockUser(ctx, "user-1")
			return err
		})
		assert.NoError(t, err)
		assert.True(t, bal.Balance.Equal(decimal.RequireFromString("150.25")))
		assert.True(t, bal.ActiveDeposits.Equal(decimal.NewFromInt(100)))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back when fn fails", func(t *testing.T) {
		store, mock := newMockStore(t)
		boom := errors.New("boom")

		mock.ExpectBegin()
		mock.ExpectRollback()

		err := store.WithTx(ctx, func(tx Tx) error { return boom })
		assert.ErrorIs(t, err, boom)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("begin timeout is unavailable", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin().WillReturnError(context.DeadlineExceeded)

		err := store.WithTx(ctx, func(tx Tx) error { return nil })
		assert.ErrorIs(t, err, ErrRepositoryUnavailable)
	})
}

func TestPostgres_InsertLedgerEntry(t *testing.T) {
	ctx := context.Background()
	entry := &models.LedgerEntry{
		UserID:              "user-1",
		EntryType:           models.EntryDailyReturn,
		AmountDelta:         decimal.NewFromInt(4),
		ActiveDepositsDelta: decimal.Zero,
		BalanceAfter:        decimal.NewFromInt(104),
		ActiveDepositsAfter: decimal.NewFromInt(200),
		ReferenceTable:      "investments",
		ReferenceID:         "7",
		Metadata:            models.Metadata{"day": float64(1)},
		PreviousHash:        "abc",
		EntryHash:           "def",
		CreatedAt:           time.Date(2025, 3, 1, 0, 5, 0, 0, time.UTC),
	}

	t.Run("returns generated id", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO financial_ledger").
			WithArgs("user-1", "daily_return", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
				sqlmock.AnyArg(), "investments", "7", sqlmock.AnyArg(), "abc", "def", entry.CreatedAt).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))
		mock.ExpectCommit()

		var id int64
		err := store.WithTx(ctx, func(tx Tx) error {
			var err error
			id, err = tx.InsertLedgerEntry(ctx, entry)
			return err
		})
		assert.NoError(t, err)
		assert.Equal(t, int64(42), id)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate predecessor is a chain conflict", func(t *testing.T) {
		store, mock := newMockStore(t)

		mock.ExpectBegin()
		mock.ExpectQuery("INSERT INTO financial_ledger").
			WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
		mock.ExpectRollback()

		err := store.WithTx(ctx, func(tx Tx) error {
			_, err := tx.InsertLedgerEntry(ctx, entry)
			return err
		})
		assert.ErrorIs(t, err, ErrChainConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgres_LastLedgerHash(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT entry_hash FROM financial_ledger").
		WithArgs("fresh-user").
		WillReturnRows(sqlmock.NewRows([]string{"entry_hash"}))
	mock.ExpectQuery("SELECT entry_hash FROM financial_ledger").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"entry_hash"}).AddRow("cafe"))
	mock.ExpectCommit()

	err := store.WithTx(ctx, func(tx Tx) error {
		hash, err := tx.LastLedgerHash(ctx, "fresh-user")
		require.NoError(t, err)
		assert.Equal(t, "", hash)

		hash, err = tx.LastLedgerHash(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, "cafe", hash)
		return nil
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_IncrementUserBalance(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE users\\s+SET balance = balance \\+ \\$2, active_deposits = active_deposits \\+ \\$3").
		WithArgs("user-1", "204", "-200", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "balance", "active_deposits"}).
			AddRow("user-1", "312", "0"))
	mock.ExpectCommit()

	err := store.WithTx(ctx, func(tx Tx) error {
		bal, err := tx.IncrementUserBalance(ctx, "user-1", decimal.NewFromInt(204), decimal.NewFromInt(-200))
		require.NoError(t, err)
		assert.True(t, bal.Balance.Equal(decimal.NewFromInt(312)))
		assert.True(t, bal.ActiveDeposits.IsZero())
		return nil
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdateInvestmentAccrual(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockStore(t)
	today := time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)
	inv := &models.Investment{ID: 9, DaysElapsed: 2, TotalEarned: decimal.NewFromInt(8), CreditedTotal: decimal.NewFromInt(4), LastReturnApplied: &today}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE investments\\s+SET days_elapsed = \\$2").
		WithArgs(int64(9), 2, "8", "4", today, nil, models.InvestmentStatusActive).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.WithTx(ctx, func(tx Tx) error {
		return tx.UpdateInvestmentAccrual(ctx, inv)
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_MarkInvestmentCompleted(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockStore(t)
	now := time.Date(2025, 3, 4, 0, 5, 0, 0, time.UTC)
	inv := &models.Investment{
		ID: 9, UserID: "user-1", PlanName: "Starter", DurationDays: 3, DaysElapsed: 3,
		PrincipalAmount: decimal.NewFromInt(200), DailyProfitPct: decimal.NewFromInt(2),
		TotalEarned: decimal.NewFromInt(12), CreditedTotal: decimal.NewFromInt(12), LastReturnApplied: &now,
	}
	snapshot := &models.CompletedInvestment{
		OriginalInvestmentID: 9, UserID: "user-1", PlanName: "Starter",
		PrincipalAmount: inv.PrincipalAmount, DurationDays: 3, DailyProfitPct: inv.DailyProfitPct,
		TotalEarned: inv.TotalEarned, CompletedAt: now,
	}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE investments\\s+SET status = \\$2").
		WithArgs(int64(9), models.InvestmentStatusCompleted, 3, "12", "12", now, models.InvestmentStatusActive).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO completed_investments").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3))
	mock.ExpectCommit()

	err := store.WithTx(ctx, func(tx Tx) error {
		return tx.MarkInvestmentCompleted(ctx, inv, snapshot)
	})
	assert.NoError(t, err)
	assert.Equal(t, int64(3), snapshot.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_StreamLedgerEntries(t *testing.T) {
	ctx := context.Background()
	created := time.Date(2025, 3, 1, 0, 5, 0, 0, time.UTC)

	rows := func() *sqlmock.Rows {
		return sqlmock.NewRows(ledgerRowColumns).
			AddRow(1, "user-1", "deposit", "100", "0", "100", "0", nil, nil, nil, "", "h1", created).
			AddRow(2, "user-1", "daily_return", "4", "0", "104", "0", "investments", "7", []byte(`{"day":1}`), "h1", "h2", created)
	}

	t.Run("yields every row in order", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("SELECT (.+) FROM financial_ledger\\s+WHERE id >= \\$1").
			WithArgs(int64(0), int64(0)).
			WillReturnRows(rows())

		var got []models.LedgerEntry
		err := store.StreamLedgerEntries(ctx, 0, 0, func(e models.LedgerEntry) error {
			got = append(got, e)
			return nil
		})
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "", got[0].PreviousHash)
		assert.Equal(t, "", got[0].ReferenceTable)
		assert.Nil(t, got[0].Metadata)
		assert.Equal(t, models.EntryDailyReturn, got[1].EntryType)
		assert.Equal(t, "7", got[1].ReferenceID)
		assert.Equal(t, float64(1), got[1].Metadata["day"])
		assert.True(t, got[1].BalanceAfter.Equal(decimal.NewFromInt(104)))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stops when callback fails", func(t *testing.T) {
		store, mock := newMockStore(t)
		stop := errors.New("stop")
		mock.ExpectQuery("SELECT (.+) FROM financial_ledger").WillReturnRows(rows())

		calls := 0
		err := store.StreamLedgerEntries(ctx, 0, 0, func(e models.LedgerEntry) error {
			calls++
			return stop
		})
		assert.ErrorIs(t, err, stop)
		assert.Equal(t, 1, calls)
	})

	t.Run("query timeout is unavailable", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("SELECT (.+) FROM financial_ledger").WillReturnError(context.DeadlineExceeded)

		err := store.StreamLedgerEntries(ctx, 0, 0, func(models.LedgerEntry) error { return nil })
		assert.ErrorIs(t, err, ErrRepositoryUnavailable)
	})
}

func TestPostgres_PrecedingEntryHash(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT entry_hash FROM financial_ledger\\s+WHERE user_id = \\$1 AND id < \\$2").
		WithArgs("user-1", int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"entry_hash"}).AddRow("h9"))
	mock.ExpectQuery("SELECT entry_hash FROM financial_ledger\\s+WHERE user_id = \\$1 AND id < \\$2").
		WithArgs("user-2", int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"entry_hash"}))

	hash, err := store.PrecedingEntryHash(ctx, "user-1", 10)
	assert.NoError(t, err)
	assert.Equal(t, "h9", hash)

	hash, err = store.PrecedingEntryHash(ctx, "user-2", 10)
	assert.NoError(t, err)
	assert.Equal(t, "", hash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ActiveInvestmentsDue(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockStore(t)
	today := time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)
	yesterday := today.AddDate(0, 0, -1)

	mock.ExpectQuery("SELECT (.+) FROM investments\\s+WHERE status = \\$1").
		WithArgs(models.InvestmentStatusActive, today).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "plan_name", "principal_amount", "daily_profit", "duration",
			"start_date", "end_date", "status", "days_elapsed", "total_earned",
			"credited_total", "last_return_applied", "first_profit_date",
		}).
			AddRow(1, "user-1", "Starter", "200", "2", 3, yesterday, yesterday.AddDate(0, 0, 3), "active", 0, "0", "0", nil, nil).
			AddRow(2, "user-2", "Gold", "1000", "1.5", 30, yesterday, yesterday.AddDate(0, 0, 30), "active", 1, "15", "15", yesterday, today))

	investments, err := store.ActiveInvestmentsDue(ctx, today)
	require.NoError(t, err)
	require.Len(t, investments, 2)
	assert.Nil(t, investments[0].LastReturnApplied)
	assert.Nil(t, investments[0].FirstProfitDate)
	require.NotNil(t, investments[1].LastReturnApplied)
	assert.True(t, investments[1].LastReturnApplied.Equal(yesterday))
	assert.True(t, investments[1].DailyProfitPct.Equal(decimal.RequireFromString("1.5")))
	assert.True(t, investments[1].CreditedTotal.Equal(decimal.RequireFromString("15")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_JobRuns(t *testing.T) {
	ctx := context.Background()
	runDate := time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)

	t.Run("exists check ignores manual runs", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("SELECT EXISTS\\(\\s+SELECT 1 FROM job_runs\\s+WHERE job_name = \\$1 AND run_date = \\$2 AND manual = false AND status <> \\$3").
			WithArgs("daily-investments", runDate, models.JobRunStatusFailed).
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		exists, err := store.JobRunExists(ctx, "daily-investments", runDate)
		assert.NoError(t, err)
		assert.True(t, exists)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("create assigns id", func(t *testing.T) {
		store, mock := newMockStore(t)
		run := &models.JobRun{JobName: "daily-investments", RunDate: runDate, StartedAt: runDate, Status: models.JobRunStatusRunning}

		mock.ExpectQuery("INSERT INTO job_runs").
			WithArgs("daily-investments", runDate, runDate, "running", false, nil, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))

		assert.NoError(t, store.CreateJobRun(ctx, run))
		assert.Equal(t, int64(11), run.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate scheduled run", func(t *testing.T) {
		store, mock := newMockStore(t)
		run := &models.JobRun{JobName: "daily-investments", RunDate: runDate, StartedAt: runDate, Status: models.JobRunStatusRunning}

		mock.ExpectQuery("INSERT INTO job_runs").
			WillReturnError(&pq.Error{Code: "23505"})

		err := store.CreateJobRun(ctx, run)
		assert.ErrorIs(t, err, ErrJobRunExists)
	})

	t.Run("finish stores metrics", func(t *testing.T) {
		store, mock := newMockStore(t)
		finished := runDate.Add(time.Minute)
		run := &models.JobRun{ID: 11, FinishedAt: &finished, Status: models.JobRunStatusSucceeded,
			Metrics: models.JobRunMetrics{Processed: 2, TotalApplied: decimal.NewFromInt(8)}}

		mock.ExpectExec("UPDATE job_runs\\s+SET finished_at = \\$2, status = \\$3, metrics_json = \\$4").
			WithArgs(int64(11), finished, "succeeded", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, store.FinishJobRun(ctx, run))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgres_GetUser(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, email").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "full_name", "balance", "active_deposits", "created_at", "updated_at"}))

	_, err := store.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClassify(t *testing.T) {
	assert.Nil(t, classify("op", nil))
	assert.ErrorIs(t, classify("op", &pq.Error{Code: "08006"}), ErrRepositoryUnavailable)
	assert.NotErrorIs(t, classify("op", &pq.Error{Code: "23505"}), ErrRepositoryUnavailable)
	assert.ErrorIs(t, classify("op", driver.ErrBadConn), driver.ErrBadConn)
}
