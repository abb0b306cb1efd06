package audit

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	EventLedgerAppend = "LEDGER_APPEND"
	EventChainBroken  = "CHAIN_BROKEN"
	EventManualRerun  = "MANUAL_RERUN"
	EventJobRun       = "JOB_RUN"
)

type Event struct {
	Timestamp time.Time       `json:"timestamp"`
	EventType string          `json:"event_type"`
	Actor     string          `json:"actor,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	EntryID   int64           `json:"entry_id,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Status    string          `json:"status"`
	Details   map[string]any  `json:"details,omitempty"`
}

// Logger writes audit events to a dedicated zap logger. It never returns
// errors to callers.
type Logger struct {
	log *zap.Logger
	now func() time.Time
}

func NewLogger(log *zap.Logger) *Logger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Logger{log: log.Named("audit"), now: time.Now}
}

func (a *Logger) LogLedgerAppend(userID string, entryID int64, entryType string, amount decimal.Decimal) {
	a.emit(Event{
		EventType: EventLedgerAppend,
		UserID:    userID,
		EntryID:   entryID,
		Amount:    amount,
		Status:    "SUCCESS",
		Details:   map[string]any{"entry_type": entryType},
	})
}

func (a *Logger) LogChainBroken(scope, userID string, entryID int64, reason string) {
	a.emit(Event{
		EventType: EventChainBroken,
		UserID:    userID,
		EntryID:   entryID,
		Status:    "FAILED",
		Details:   map[string]any{"scope": scope, "reason": reason},
	})
}

func (a *Logger) LogManualRerun(actor, jobName, reason string) {
	a.emit(Event{
		EventType: EventManualRerun,
		Actor:     actor,
		Status:    "REQUESTED",
		Details:   map[string]any{"job_name": jobName, "reason": reason},
	})
}

func (a *Logger) LogJobRun(jobName, status string, runID int64, totalApplied decimal.Decimal, errs int) {
	a.emit(Event{
		EventType: EventJobRun,
		Amount:    totalApplied,
		Status:    status,
		Details:   map[string]any{"job_name": jobName, "run_id": runID, "errors": errs},
	})
}

func (a *Logger) emit(event Event) {
	if a == nil {
		return
	}
	event.Timestamp = a.now().UTC()
	a.log.Info("audit event",
		zap.String("event_type", event.EventType),
		zap.Time("timestamp", event.Timestamp),
		zap.String("actor", event.Actor),
		zap.String("user_id", event.UserID),
		zap.Int64("entry_id", event.EntryID),
		zap.String("amount", event.Amount.String()),
		zap.String("status", event.Status),
		zap.Any("details", event.Details),
	)
}
