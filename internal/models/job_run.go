package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// JobRunStatus represents job run state
const (
	JobRunStatusRunning             = "running"
	JobRunStatusSucceeded           = "succeeded"
	JobRunStatusCompletedWithErrors = "completed_with_errors"
	JobRunStatusFailed              = "failed"
)

// JobRun is both the idempotency marker and the audit summary of one run.
type JobRun struct {
	ID          int64         `json:"id" db:"id"`
	JobName     string        `json:"job_name" db:"job_name"`
	RunDate     time.Time     `json:"run_date" db:"run_date"`
	StartedAt   time.Time     `json:"started_at" db:"started_at"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty" db:"finished_at"`
	Status      string        `json:"status" db:"status"`
	Manual      bool          `json:"manual" db:"manual"`
	TriggeredBy string        `json:"triggered_by,omitempty" db:"triggered_by"`
	Metrics     JobRunMetrics `json:"metrics" db:"metrics_json"`
}

// JobRunMetrics is persisted as job_runs.metrics_json.
type JobRunMetrics struct {
	Processed            int             `json:"processed"`
	Completed            int             `json:"completed"`
	Skipped              int             `json:"skipped"`
	TotalApplied         decimal.Decimal `json:"totalApplied"`
	Errors               int             `json:"errors"`
	NotificationFailures int             `json:"notificationFailures"`
	DurationMs           int64           `json:"durationMs"`
}

// Value implements driver.Valuer for JobRunMetrics
func (m JobRunMetrics) Value() (driver.Value, error) {
	return json.Marshal(m)
}

// Scan implements sql.Scanner for JobRunMetrics
func (m *JobRunMetrics) Scan(value any) error {
	if value == nil {
		*m = JobRunMetrics{}
		return nil
	}
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(b, m)
}
