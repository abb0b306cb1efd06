package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yieldledger/backend/internal/models"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

const ledgerColumns = `id, user_id, entry_type, amount_delta, active_deposits_delta,
		balance_after, active_deposits_after, reference_table, reference_id,
		metadata, previous_hash, entry_hash, created_at`

const investmentColumns = `id, user_id, COALESCE(plan_name, ''), principal_amount, daily_profit,
		duration, start_date, end_date, status, days_elapsed, total_earned,
		credited_total, last_return_applied, first_profit_date`

// Postgres implements Store over database/sql with the lib/pq driver.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (r *Postgres) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return classify("commit transaction", err)
	}
	return nil
}

func (r *Postgres) UserLedgerEntries(ctx context.Context, userID string, limit int) ([]models.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM financial_ledger WHERE user_id = $1 ORDER BY id ASC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return r.queryLedger(ctx, "load user ledger", query, args...)
}

func (r *Postgres) StreamLedgerEntries(ctx context.Context, fromID, toID int64, fn func(models.LedgerEntry) error) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+ledgerColumns+`
		FROM financial_ledger
		WHERE id >= $1 AND ($2 <= 0 OR id <= $2)
		ORDER BY id ASC`, fromID, toID)
	if err != nil {
		return classify("stream ledger", err)
	}
	defer rows.Close()

	for rows.Next() {
		entry, err := scanLedgerEntry(rows)
		if err != nil {
			return classify("scan ledger entry", err)
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return classify("stream ledger", rows.Err())
}

func (r *Postgres) LedgerEntriesPage(ctx context.Context, afterID, toID int64, limit int) ([]models.LedgerEntry, error) {
	return r.queryLedger(ctx, "load ledger page", `
		SELECT `+ledgerColumns+`
		FROM financial_ledger
		WHERE id > $1 AND ($2 <= 0 OR id <= $2)
		ORDER BY id ASC
		LIMIT $3`, afterID, toID, limit)
}

func (r *Postgres) PrecedingEntryHash(ctx context.Context, userID string, beforeID int64) (string, error) {
	var hash string
	err := r.db.QueryRowContext(ctx, `
		SELECT entry_hash FROM financial_ledger
		WHERE user_id = $1 AND id < $2
		ORDER BY id DESC
		LIMIT 1`, userID, beforeID).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", classify("load preceding hash", err)
	}
	return hash, nil
}

func (r *Postgres) ActiveInvestmentsDue(ctx context.Context, today time.Time) ([]models.Investment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+investmentColumns+`
		FROM investments
		WHERE status = $1
		  AND (last_return_applied IS NULL OR last_return_applied < $2 OR first_profit_date = $2)
		  AND (first_profit_date IS NULL OR first_profit_date <= $2)
		ORDER BY id ASC`, models.InvestmentStatusActive, today)
	if err != nil {
		return nil, classify("load due investments", err)
	}
	defer rows.Close()

	var investments []models.Investment
	for rows.Next() {
		inv, err := scanInvestment(rows)
		if err != nil {
			return nil, classify("scan investment", err)
		}
		investments = append(investments, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("load due investments", err)
	}
	return investments, nil
}

func (r *Postgres) GetUser(ctx context.Context, userID string) (*models.User, error) {
	var user models.User
	err := r.db.QueryRowContext(ctx, `
		SELECT id, email, COALESCE(full_name, ''), balance, active_deposits, created_at, updated_at
		FROM users WHERE id = $1`, userID).Scan(
		&user.ID, &user.Email, &user.FullName, &user.Balance, &user.ActiveDeposits, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, classify("load user", err)
	}
	return &user, nil
}

func (r *Postgres) JobRunExists(ctx context.Context, jobName string, runDate time.Time) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM job_runs
			WHERE job_name = $1 AND run_date = $2 AND manual = false AND status <> $3
		)`, jobName, runDate, models.JobRunStatusFailed).Scan(&exists)
	if err != nil {
		return false, classify("check job run", err)
	}
	return exists, nil
}

func (r *Postgres) CreateJobRun(ctx context.Context, run *models.JobRun) error {
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO job_runs (job_name, run_date, started_at, status, manual, triggered_by, metrics_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		run.JobName, run.RunDate, run.StartedAt, run.Status, run.Manual, nullString(run.TriggeredBy), run.Metrics,
	).Scan(&run.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("create job run %s/%s: %w", run.JobName, run.RunDate.Format(time.DateOnly), ErrJobRunExists)
	}
	return classify("create job run", err)
}

func (r *Postgres) FinishJobRun(ctx context.Context, run *models.JobRun) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE job_runs
		SET finished_at = $2, status = $3, metrics_json = $4
		WHERE id = $1`,
		run.ID, run.FinishedAt, run.Status, run.Metrics)
	return classify("finish job run", err)
}

func (r *Postgres) queryLedger(ctx context.Context, op, query string, args ...any) ([]models.LedgerEntry, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		entry, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, classify("scan ledger entry", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(op, err)
	}
	return entries, nil
}

// pgTx carries the writes of one transaction.
type pgTx struct {
	q querier
}

func (t *pgTx) LockUser(ctx context.Context, userID string) (models.UserBalance, error) {
	var bal models.UserBalance
	err := t.q.QueryRowContext(ctx, `
		SELECT id, balance, active_deposits
		FROM users
		WHERE id = $1
		FOR UPDATE`, userID).Scan(&bal.UserID, &bal.Balance, &bal.ActiveDeposits)
	if err != nil {
		return bal, classify("lock user", err)
	}
	return bal, nil
}

func (t *pgTx) IncrementUserBalance(ctx context.Context, userID string, amount, activeDeposits decimal.Decimal) (models.UserBalance, error) {
	var bal models.UserBalance
	err := t.q.QueryRowContext(ctx, `
		UPDATE users
		SET balance = balance + $2, active_deposits = active_deposits + $3, updated_at = $4
		WHERE id = $1
		RETURNING id, balance, active_deposits`,
		userID, amount, activeDeposits, time.Now().UTC()).Scan(&bal.UserID, &bal.Balance, &bal.ActiveDeposits)
	if err != nil {
		return bal, classify("increment user balance", err)
	}
	return bal, nil
}

func (t *pgTx) LastLedgerHash(ctx context.Context, userID string) (string, error) {
	var hash string
	err := t.q.QueryRowContext(ctx, `
		SELECT entry_hash FROM financial_ledger
		WHERE user_id = $1
		ORDER BY id DESC
		LIMIT 1`, userID).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", classify("load last ledger hash", err)
	}
	return hash, nil
}

func (t *pgTx) InsertLedgerEntry(ctx context.Context, entry *models.LedgerEntry) (int64, error) {
	var id int64
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO financial_ledger (
			user_id, entry_type, amount_delta, active_deposits_delta, balance_after,
			active_deposits_after, reference_table, reference_id, metadata,
			previous_hash, entry_hash, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
		entry.UserID, string(entry.EntryType), entry.AmountDelta, entry.ActiveDepositsDelta,
		entry.BalanceAfter, entry.ActiveDepositsAfter, nullString(entry.ReferenceTable),
		nullString(entry.ReferenceID), entry.Metadata, entry.PreviousHash, entry.EntryHash, entry.CreatedAt,
	).Scan(&id)
	if isUniqueViolation(err) {
		return 0, fmt.Errorf("insert ledger entry for %s: %w", entry.UserID, ErrChainConflict)
	}
	if err != nil {
		return 0, classify("insert ledger entry", err)
	}
	return id, nil
}

func (t *pgTx) UpdateInvestmentAccrual(ctx context.Context, inv *models.Investment) error {
	result, err := t.q.ExecContext(ctx, `
		UPDATE investments
		SET days_elapsed = $2, total_earned = $3, credited_total = $4,
			last_return_applied = $5, first_profit_date = $6
		WHERE id = $1 AND status = $7`,
		inv.ID, inv.DaysElapsed, inv.TotalEarned, inv.CreditedTotal, inv.LastReturnApplied, inv.FirstProfitDate,
		models.InvestmentStatusActive)
	if err != nil {
		return classify("update investment accrual", err)
	}
	return requireOneRow(result, fmt.Sprintf("update investment %d", inv.ID))
}

func (t *pgTx) MarkInvestmentCompleted(ctx context.Context, inv *models.Investment, snapshot *models.CompletedInvestment) error {
	result, err := t.q.ExecContext(ctx, `
		UPDATE investments
		SET status = $2, days_elapsed = $3, total_earned = $4, credited_total = $5,
			last_return_applied = $6, first_profit_date = NULL
		WHERE id = $1 AND status = $7`,
		inv.ID, models.InvestmentStatusCompleted, inv.DaysElapsed, inv.TotalEarned, inv.CreditedTotal,
		inv.LastReturnApplied, models.InvestmentStatusActive)
	if err != nil {
		return classify("complete investment", err)
	}
	if err := requireOneRow(result, fmt.Sprintf("complete investment %d", inv.ID)); err != nil {
		return err
	}

	err = t.q.QueryRowContext(ctx, `
		INSERT INTO completed_investments (
			original_investment_id, user_id, plan_name, principal_amount, duration,
			daily_profit, total_earned, start_date, end_date, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		snapshot.OriginalInvestmentID, snapshot.UserID, nullString(snapshot.PlanName), snapshot.PrincipalAmount,
		snapshot.DurationDays, snapshot.DailyProfitPct, snapshot.TotalEarned, snapshot.StartDate,
		snapshot.EndDate, snapshot.CompletedAt,
	).Scan(&snapshot.ID)
	return classify("insert completed investment", err)
}

func requireOneRow(result sql.Result, op string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return classify(op, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

func scanLedgerEntry(row rowScanner) (models.LedgerEntry, error) {
	var (
		entry     models.LedgerEntry
		entryType string
		refTable  sql.NullString
		refID     sql.NullString
		prevHash  sql.NullString
	)
	err := row.Scan(
		&entry.ID, &entry.UserID, &entryType, &entry.AmountDelta, &entry.ActiveDepositsDelta,
		&entry.BalanceAfter, &entry.ActiveDepositsAfter, &refTable, &refID,
		&entry.Metadata, &prevHash, &entry.EntryHash, &entry.CreatedAt,
	)
	if err != nil {
		return entry, err
	}
	entry.EntryType = models.LedgerEntryType(entryType)
	entry.ReferenceTable = refTable.String
	entry.ReferenceID = refID.String
	entry.PreviousHash = prevHash.String
	entry.CreatedAt = entry.CreatedAt.UTC()
	return entry, nil
}

func scanInvestment(row rowScanner) (models.Investment, error) {
	var (
		inv         models.Investment
		lastReturn  sql.NullTime
		firstProfit sql.NullTime
	)
	err := row.Scan(
		&inv.ID, &inv.UserID, &inv.PlanName, &inv.PrincipalAmount, &inv.DailyProfitPct,
		&inv.DurationDays, &inv.StartDate, &inv.EndDate, &inv.Status, &inv.DaysElapsed,
		&inv.TotalEarned, &inv.CreditedTotal, &lastReturn, &firstProfit,
	)
	if err != nil {
		return inv, err
	}
	if lastReturn.Valid {
		t := lastReturn.Time.UTC()
		inv.LastReturnApplied = &t
	}
	if firstProfit.Valid {
		t := firstProfit.Time.UTC()
		inv.FirstProfitDate = &t
	}
	return inv, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
