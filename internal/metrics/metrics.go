package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// JobMetrics holds the collectors for the ledger and the daily job.
// Methods are no-ops on a nil receiver.
type JobMetrics struct {
	jobRuns              *prometheus.CounterVec
	jobDuration          prometheus.Histogram
	investments          *prometheus.CounterVec
	amountApplied        prometheus.Counter
	notificationFailures prometheus.Counter
	ledgerAppends        *prometheus.CounterVec
	verifications        *prometheus.CounterVec
}

func New(registerer prometheus.Registerer) *JobMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	jobRuns := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yieldledger_job_runs_total",
			Help: "Daily job runs by final status.",
		},
		[]string{"job", "status"}, // succeeded | completed_with_errors | failed | skipped
	)

	jobDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "yieldledger_job_duration_seconds",
			Help:    "Wall-clock duration of daily job runs.",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800},
		},
	)

	investments := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yieldledger_investments_processed_total",
			Help: "Investments handled by the daily job by outcome.",
		},
		[]string{"outcome"}, // accrued | completed | skipped | failed
	)

	amountApplied := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "yieldledger_amount_applied_total",
			Help: "Sum of returns credited by the daily job.",
		},
	)

	notificationFailures := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "yieldledger_notification_failures_total",
			Help: "Completion notifications that could not be dispatched.",
		},
	)

	ledgerAppends := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yieldledger_ledger_appends_total",
			Help: "Ledger entries appended by entry type and result.",
		},
		[]string{"entry_type", "result"},
	)

	verifications := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "yieldledger_ledger_verifications_total",
			Help: "Ledger verifications by scope and result.",
		},
		[]string{"scope", "result"}, // chain | ledger; ok | broken | error
	)

	registerer.MustRegister(
		jobRuns,
		jobDuration,
		investments,
		amountApplied,
		notificationFailures,
		ledgerAppends,
		verifications,
	)

	return &JobMetrics{
		jobRuns:              jobRuns,
		jobDuration:          jobDuration,
		investments:          investments,
		amountApplied:        amountApplied,
		notificationFailures: notificationFailures,
		ledgerAppends:        ledgerAppends,
		verifications:        verifications,
	}
}

func (m *JobMetrics) ObserveJobRun(job, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job, status).Inc()
	m.jobDuration.Observe(elapsed.Seconds())
}

func (m *JobMetrics) IncJobSkipped(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job, "skipped").Inc()
}

func (m *JobMetrics) IncInvestment(outcome string) {
	if m == nil {
		return
	}
	m.investments.WithLabelValues(outcome).Inc()
}

func (m *JobMetrics) AddAmountApplied(amount decimal.Decimal) {
	if m == nil || !amount.IsPositive() {
		return
	}
	m.amountApplied.Add(amount.InexactFloat64())
}

func (m *JobMetrics) IncNotificationFailure() {
	if m == nil {
		return
	}
	m.notificationFailures.Inc()
}

func (m *JobMetrics) IncLedgerAppend(entryType string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.ledgerAppends.WithLabelValues(entryType, result).Inc()
}

func (m *JobMetrics) IncVerification(scope, result string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(scope, result).Inc()
}
