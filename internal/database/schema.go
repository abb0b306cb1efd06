package database

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaStatements are idempotent and applied in order at startup.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		full_name TEXT,
		balance NUMERIC(20,8) NOT NULL DEFAULT 0,
		active_deposits NUMERIC(20,8) NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS financial_ledger (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		entry_type TEXT NOT NULL,
		amount_delta NUMERIC(20,8) NOT NULL,
		active_deposits_delta NUMERIC(20,8) NOT NULL DEFAULT 0,
		balance_after NUMERIC(20,8) NOT NULL,
		active_deposits_after NUMERIC(20,8) NOT NULL,
		reference_table TEXT,
		reference_id TEXT,
		metadata JSONB,
		previous_hash TEXT NOT NULL DEFAULT '',
		entry_hash TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT financial_ledger_single_successor UNIQUE (user_id, previous_hash)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_financial_ledger_user_id ON financial_ledger (user_id, id)`,

	// Rows are immutable once written.
	`CREATE OR REPLACE FUNCTION financial_ledger_append_only() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION 'financial_ledger is append-only';
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS financial_ledger_no_rewrite ON financial_ledger`,
	`CREATE TRIGGER financial_ledger_no_rewrite
		BEFORE UPDATE OR DELETE ON financial_ledger
		FOR EACH ROW EXECUTE FUNCTION financial_ledger_append_only()`,

	`CREATE TABLE IF NOT EXISTS investments (
		id BIGSERIAL PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		plan_name TEXT,
		principal_amount NUMERIC(20,8) NOT NULL,
		daily_profit NUMERIC(10,4) NOT NULL,
		duration INTEGER NOT NULL CHECK (duration >= 0),
		start_date DATE NOT NULL,
		end_date DATE NOT NULL,
		status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'completed', 'cancelled')),
		days_elapsed INTEGER NOT NULL DEFAULT 0,
		total_earned NUMERIC(20,8) NOT NULL DEFAULT 0,
		credited_total NUMERIC(20,8) NOT NULL DEFAULT 0,
		last_return_applied DATE,
		first_profit_date DATE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`ALTER TABLE investments ADD COLUMN IF NOT EXISTS credited_total NUMERIC(20,8) NOT NULL DEFAULT 0`,
	`CREATE INDEX IF NOT EXISTS idx_investments_due ON investments (status, last_return_applied)`,

	`CREATE TABLE IF NOT EXISTS completed_investments (
		id BIGSERIAL PRIMARY KEY,
		original_investment_id BIGINT NOT NULL UNIQUE,
		user_id TEXT NOT NULL REFERENCES users(id),
		plan_name TEXT,
		principal_amount NUMERIC(20,8) NOT NULL,
		duration INTEGER NOT NULL,
		daily_profit NUMERIC(10,4) NOT NULL,
		total_earned NUMERIC(20,8) NOT NULL,
		start_date DATE,
		end_date DATE,
		completed_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS job_runs (
		id BIGSERIAL PRIMARY KEY,
		job_name TEXT NOT NULL,
		run_date DATE NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ,
		status TEXT NOT NULL,
		manual BOOLEAN NOT NULL DEFAULT FALSE,
		triggered_by TEXT,
		metrics_json JSONB NOT NULL DEFAULT '{}'
	)`,
	// A failed scheduled run leaves the index so the day can be retried.
	`DROP INDEX IF EXISTS idx_job_runs_scheduled_once`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_job_runs_scheduled_live
		ON job_runs (job_name, run_date) WHERE manual = FALSE AND status <> 'failed'`,
}

// EnsureSchema creates the tables, indexes and triggers the service needs.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema migration: %w", err)
	}
	defer tx.Rollback()

	for i, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return tx.Commit()
}
