package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yieldledger/backend/internal/audit"
	"github.com/yieldledger/backend/internal/investmath"
	"github.com/yieldledger/backend/internal/metrics"
	"github.com/yieldledger/backend/internal/models"
	"github.com/yieldledger/backend/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// CreditPolicy decides when accrued returns reach users.balance.
type CreditPolicy string

const (
	CreditDaily        CreditPolicy = "daily"
	CreditOnCompletion CreditPolicy = "on_completion"
	// CreditCutoff credits on completion for investments starting on or
	// after the cutoff date and daily for older ones.
	CreditCutoff CreditPolicy = "cutoff"
)

func (p CreditPolicy) Valid() bool {
	switch p {
	case CreditDaily, CreditOnCompletion, CreditCutoff:
		return true
	}
	return false
}

const (
	DefaultJobName = "daily-investments"

	defaultWorkers     = 4
	defaultRowTimeout  = 10 * time.Second
	defaultMaxDuration = 30 * time.Minute

	runLockReleaseTimeout = 5 * time.Second
)

type JobConfig struct {
	Name                string
	Workers             int
	RowTimeout          time.Duration
	MaxDuration         time.Duration
	CreditPolicy        CreditPolicy
	CompletionCutoff    time.Time
	CompletionEntryType models.LedgerEntryType
}

func (c JobConfig) withDefaults() JobConfig {
	if c.Name == "" {
		c.Name = DefaultJobName
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.RowTimeout <= 0 {
		c.RowTimeout = defaultRowTimeout
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = defaultMaxDuration
	}
	if c.CreditPolicy == "" {
		c.CreditPolicy = CreditDaily
	}
	if c.CompletionEntryType == "" {
		c.CompletionEntryType = models.EntryCompletionCredit
	}
	c.CompletionCutoff = investmath.StartOfDay(c.CompletionCutoff)
	return c
}

// creditsDaily reports whether an investment's accruals are credited to the
// live balance as they happen.
func (c JobConfig) creditsDaily(inv models.Investment) bool {
	switch c.CreditPolicy {
	case CreditOnCompletion:
		return false
	case CreditCutoff:
		return investmath.StartOfDay(inv.StartDate).Before(c.CompletionCutoff)
	default:
		return true
	}
}

// Notifier delivers completion notices. Delivery is best-effort.
type Notifier interface {
	SendCompletion(ctx context.Context, notice models.CompletionNotice) error
}

// RunLock is an optional cross-instance guard held while the job_runs row is
// written. Release must only drop a lock this holder acquired.
type RunLock interface {
	Acquire(ctx context.Context, jobName string, day time.Time) (bool, error)
	Release(ctx context.Context, jobName string, day time.Time) error
}

// Archiver stores a copy of each finished run report.
type Archiver interface {
	ArchiveJobRun(ctx context.Context, run *models.JobRun) error
}

// JobDeps are the collaborators of DailyInvestmentJob. Notifier, RunLock and
// Archiver are optional; nil disables the capability.
type JobDeps struct {
	Store    repository.Store
	Ledger   *LedgerService
	Notifier Notifier
	RunLock  RunLock
	Archiver Archiver
	Audit    *audit.Logger
	Metrics  *metrics.JobMetrics
	Log      *zap.Logger
}

// DailyInvestmentJob credits daily returns and retires matured investments.
type DailyInvestmentJob struct {
	store    repository.Store
	ledger   *LedgerService
	notifier Notifier
	runLock  RunLock
	archiver Archiver
	audit    *audit.Logger
	metrics  *metrics.JobMetrics
	log      *zap.Logger
	cfg      JobConfig
	now      func() time.Time
}

func NewDailyInvestmentJob(deps JobDeps, cfg JobConfig) *DailyInvestmentJob {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &DailyInvestmentJob{
		store:    deps.Store,
		ledger:   deps.Ledger,
		notifier: deps.Notifier,
		runLock:  deps.RunLock,
		archiver: deps.Archiver,
		audit:    deps.Audit,
		metrics:  deps.Metrics,
		log:      log.Named("jobs.daily_investments"),
		cfg:      cfg.withDefaults(),
		now:      time.Now,
	}
}

func (j *DailyInvestmentJob) Name() string {
	return j.cfg.Name
}

// Run is the scheduled entry point. It returns ErrIdempotencyConflict without
// touching any investment when a scheduled run is already recorded for today.
func (j *DailyInvestmentJob) Run(ctx context.Context) (*models.JobRun, error) {
	today := investmath.StartOfDay(j.now())

	exists, err := j.store.JobRunExists(ctx, j.cfg.Name, today)
	if err != nil {
		return nil, fmt.Errorf("check job run: %w", err)
	}
	if exists {
		return nil, j.alreadyRan(today, "job_runs")
	}

	locked := false
	if j.runLock != nil {
		acquired, err := j.runLock.Acquire(ctx, j.cfg.Name, today)
		switch {
		case err != nil:
			j.log.Warn("run lock unavailable, relying on job_runs guard", zap.Error(err))
		case !acquired:
			return nil, j.alreadyRan(today, "run_lock")
		default:
			locked = true
		}
	}

	run := &models.JobRun{
		JobName:   j.cfg.Name,
		RunDate:   today,
		StartedAt: j.now().UTC(),
		Status:    models.JobRunStatusRunning,
	}
	err = j.store.CreateJobRun(ctx, run)
	if locked {
		// From here the job_runs row is the guard.
		j.releaseRunLock(ctx, today)
	}
	if err != nil {
		if errors.Is(err, repository.ErrJobRunExists) {
			return nil, j.alreadyRan(today, "job_runs")
		}
		return nil, fmt.Errorf("create job run: %w", err)
	}

	return j.execute(ctx, run, today)
}

// RunManual is the privileged re-run. It bypasses the daily gate but records
// who asked for it; investments already credited today are still skipped.
func (j *DailyInvestmentJob) RunManual(ctx context.Context, actor, reason string) (*models.JobRun, error) {
	if actor == "" {
		return nil, errors.New("manual run requires an actor")
	}
	today := investmath.StartOfDay(j.now())

	j.audit.LogManualRerun(actor, j.cfg.Name, reason)
	j.log.Info("manual job run requested", zap.String("actor", actor), zap.String("reason", reason))

	run := &models.JobRun{
		JobName:     j.cfg.Name,
		RunDate:     today,
		StartedAt:   j.now().UTC(),
		Status:      models.JobRunStatusRunning,
		Manual:      true,
		TriggeredBy: actor,
	}
	if err := j.store.CreateJobRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create job run: %w", err)
	}
	return j.execute(ctx, run, today)
}

func (j *DailyInvestmentJob) releaseRunLock(ctx context.Context, today time.Time) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), runLockReleaseTimeout)
	defer cancel()
	if err := j.runLock.Release(releaseCtx, j.cfg.Name, today); err != nil {
		j.log.Warn("release run lock", zap.Error(err))
	}
}

func (j *DailyInvestmentJob) alreadyRan(today time.Time, guard string) error {
	j.metrics.IncJobSkipped(j.cfg.Name)
	j.log.Info("job already ran today",
		zap.String("run_date", today.Format(time.DateOnly)),
		zap.String("guard", guard),
	)
	return fmt.Errorf("%s %s: %w", j.cfg.Name, today.Format(time.DateOnly), ErrIdempotencyConflict)
}

// outcome is the result of processing one investment.
type outcome struct {
	kind       string
	applied    decimal.Decimal
	completion *models.CompletionNotice
	err        error
}

const (
	outcomeAccrued   = "accrued"
	outcomeCompleted = "completed"
	outcomeSkipped   = "skipped"
	outcomeFailed    = "failed"
)

type runTally struct {
	mu          sync.Mutex
	metrics     models.JobRunMetrics
	completions []models.CompletionNotice
}

func (t *runTally) add(o outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch o.kind {
	case outcomeAccrued:
		t.metrics.Processed++
	case outcomeCompleted:
		t.metrics.Processed++
		t.metrics.Completed++
		if o.completion != nil {
			t.completions = append(t.completions, *o.completion)
		}
	case outcomeSkipped:
		t.metrics.Skipped++
	case outcomeFailed:
		t.metrics.Errors++
	}
	t.metrics.TotalApplied = t.metrics.TotalApplied.Add(o.applied)
}

func (j *DailyInvestmentJob) execute(ctx context.Context, run *models.JobRun, today time.Time) (*models.JobRun, error) {
	started := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, j.cfg.MaxDuration)
	defer cancel()

	logger := j.log.With(zap.Int64("run_id", run.ID), zap.Bool("manual", run.Manual))
	tally := &runTally{metrics: models.JobRunMetrics{TotalApplied: decimal.Zero}}

	investments, err := j.store.ActiveInvestmentsDue(runCtx, today)
	if err != nil {
		logger.Error("failed to load due investments", zap.Error(err))
		j.finish(ctx, run, tally, started, models.JobRunStatusFailed)
		return run, fmt.Errorf("load due investments: %w", err)
	}
	logger.Info("daily investment run started", zap.Int("due", len(investments)))

	var g errgroup.Group
	g.SetLimit(j.cfg.Workers)
	for i, inv := range investments {
		if runCtx.Err() != nil {
			left := len(investments) - i
			logger.Error("run budget exhausted, leaving investments for next run",
				zap.Int("remaining", left), zap.Duration("max_duration", j.cfg.MaxDuration))
			for k := 0; k < left; k++ {
				tally.add(outcome{kind: outcomeFailed})
			}
			break
		}
		inv := inv
		g.Go(func() error {
			o := j.processInvestment(runCtx, inv, today)
			if o.err != nil {
				j.logFailure(logger, o.err)
			}
			j.metrics.IncInvestment(o.kind)
			tally.add(o)
			return nil
		})
	}
	_ = g.Wait()

	j.notifyCompletions(ctx, logger, tally)

	status := models.JobRunStatusSucceeded
	if tally.metrics.Errors > 0 {
		status = models.JobRunStatusCompletedWithErrors
	}
	j.finish(ctx, run, tally, started, status)
	return run, nil
}

func (j *DailyInvestmentJob) logFailure(logger *zap.Logger, err error) {
	var perr *InvestmentProcessingError
	if errors.As(err, &perr) {
		logger.Error("investment processing failed",
			zap.Int64("investment_id", perr.InvestmentID),
			zap.String("user_id", perr.UserID),
			zap.String("step", perr.Step),
			zap.Error(perr.Err),
		)
		return
	}
	logger.Error("investment processing failed", zap.Error(err))
}

func (j *DailyInvestmentJob) processInvestment(ctx context.Context, inv models.Investment, today time.Time) outcome {
	rowCtx, cancel := context.WithTimeout(ctx, j.cfg.RowTimeout)
	defer cancel()

	fail := func(step string, err error) outcome {
		return outcome{kind: outcomeFailed, err: &InvestmentProcessingError{
			InvestmentID: inv.ID, UserID: inv.UserID, Step: step, Err: err,
		}}
	}

	if inv.UserID == "" || inv.DurationDays < 0 {
		return fail(StepValidation, errors.New("malformed investment row"))
	}
	if inv.LastReturnApplied != nil && !investmath.StartOfDay(*inv.LastReturnApplied).Before(today) {
		return outcome{kind: outcomeSkipped}
	}
	firstCreditToday := false
	if inv.FirstProfitDate != nil {
		first := investmath.StartOfDay(*inv.FirstProfitDate)
		if first.After(today) {
			return outcome{kind: outcomeSkipped}
		}
		firstCreditToday = true
	}

	if !today.Before(investmath.StartOfDay(inv.EndDate)) {
		return j.complete(rowCtx, inv, today, fail)
	}

	daysElapsed := investmath.DaysElapsed(inv.StartDate, today, inv.DurationDays)
	if daysElapsed == 0 && !firstCreditToday {
		return outcome{kind: outcomeSkipped}
	}
	return j.accrue(rowCtx, inv, today, daysElapsed, fail)
}

func (j *DailyInvestmentJob) accrue(ctx context.Context, inv models.Investment, today time.Time, daysElapsed int, fail func(string, error) outcome) outcome {
	amount := investmath.DailyAmount(inv.PrincipalAmount, inv.DailyProfitPct)

	updated := inv
	updated.DaysElapsed = daysElapsed
	updated.TotalEarned = inv.TotalEarned.Add(amount)
	updated.LastReturnApplied = &today
	updated.FirstProfitDate = nil

	persist := func(tx repository.Tx) error {
		return tx.UpdateInvestmentAccrual(ctx, &updated)
	}

	if !j.cfg.creditsDaily(inv) {
		if err := j.store.WithTx(ctx, persist); err != nil {
			return fail(StepPersist, err)
		}
		return outcome{kind: outcomeAccrued}
	}

	updated.CreditedTotal = inv.CreditedTotal.Add(amount)
	_, err := j.ledger.ApplyBalanceChange(ctx, BalanceChange{
		UserID:         inv.UserID,
		EntryType:      models.EntryDailyReturn,
		AmountDelta:    amount,
		ReferenceTable: "investments",
		ReferenceID:    strconv.FormatInt(inv.ID, 10),
		Metadata: models.Metadata{
			"investment_id": inv.ID,
			"plan_name":     inv.PlanName,
			"day":           daysElapsed,
			"run_date":      today.Format(time.DateOnly),
		},
		CreatedAt: j.now(),
	}, persist)
	if err != nil {
		return fail(StepAccrue, err)
	}
	return outcome{kind: outcomeAccrued, applied: amount}
}

func (j *DailyInvestmentJob) complete(ctx context.Context, inv models.Investment, today time.Time, fail func(string, error) outcome) outcome {
	finalTotal := investmath.ExpectedTotalCompleted(inv.DurationDays, inv.PrincipalAmount, inv.DailyProfitPct)

	// Whatever was paid out daily counts, whichever policy applies now.
	remaining := finalTotal.Sub(inv.CreditedTotal)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}

	now := j.now().UTC()
	updated := inv
	updated.Status = models.InvestmentStatusCompleted
	updated.DaysElapsed = inv.DurationDays
	updated.TotalEarned = finalTotal
	updated.CreditedTotal = finalTotal
	updated.LastReturnApplied = &today
	updated.FirstProfitDate = nil

	snapshot := &models.CompletedInvestment{
		OriginalInvestmentID: inv.ID,
		UserID:               inv.UserID,
		PlanName:             inv.PlanName,
		PrincipalAmount:      inv.PrincipalAmount,
		DurationDays:         inv.DurationDays,
		DailyProfitPct:       inv.DailyProfitPct,
		TotalEarned:          finalTotal,
		StartDate:            inv.StartDate,
		EndDate:              inv.EndDate,
		CompletedAt:          now,
	}

	_, err := j.ledger.ApplyBalanceChange(ctx, BalanceChange{
		UserID:              inv.UserID,
		EntryType:           j.cfg.CompletionEntryType,
		AmountDelta:         inv.PrincipalAmount.Add(remaining),
		ActiveDepositsDelta: inv.PrincipalAmount.Neg(),
		ReferenceTable:      "investments",
		ReferenceID:         strconv.FormatInt(inv.ID, 10),
		Metadata: models.Metadata{
			"investment_id": inv.ID,
			"plan_name":     inv.PlanName,
			"principal":     inv.PrincipalAmount.String(),
			"earnings":      remaining.String(),
			"total_earned":  finalTotal.String(),
			"run_date":      today.Format(time.DateOnly),
		},
		CreatedAt: now,
	}, func(tx repository.Tx) error {
		return tx.MarkInvestmentCompleted(ctx, &updated, snapshot)
	})
	if err != nil {
		return fail(StepComplete, err)
	}

	return outcome{
		kind:    outcomeCompleted,
		applied: remaining,
		completion: &models.CompletionNotice{
			UserID:       inv.UserID,
			InvestmentID: inv.ID,
			PlanName:     inv.PlanName,
			DurationDays: inv.DurationDays,
			TotalEarned:  finalTotal,
			Principal:    inv.PrincipalAmount,
			EndDate:      inv.EndDate,
			CompletedAt:  now,
		},
	}
}

// notifyCompletions runs after the batch; failures are counted, never
// propagated.
func (j *DailyInvestmentJob) notifyCompletions(ctx context.Context, logger *zap.Logger, tally *runTally) {
	if j.notifier == nil || len(tally.completions) == 0 {
		return
	}
	notifyCtx := context.WithoutCancel(ctx)

	for _, notice := range tally.completions {
		err := j.sendCompletion(notifyCtx, notice)
		if err == nil {
			continue
		}
		tally.metrics.NotificationFailures++
		j.metrics.IncNotificationFailure()
		logger.Warn("completion notification failed",
			zap.Int64("investment_id", notice.InvestmentID),
			zap.String("user_id", notice.UserID),
			zap.String("step", StepNotify),
			zap.Error(err),
		)
	}
}

func (j *DailyInvestmentJob) sendCompletion(ctx context.Context, notice models.CompletionNotice) error {
	ctx, cancel := context.WithTimeout(ctx, j.cfg.RowTimeout)
	defer cancel()

	user, err := j.store.GetUser(ctx, notice.UserID)
	if err != nil {
		return err
	}
	notice.Email = user.Email
	notice.FullName = user.FullName
	return j.notifier.SendCompletion(ctx, notice)
}

func (j *DailyInvestmentJob) finish(ctx context.Context, run *models.JobRun, tally *runTally, started time.Time, status string) {
	elapsed := time.Since(started)
	finished := j.now().UTC()

	run.Status = status
	run.FinishedAt = &finished
	run.Metrics = tally.metrics
	run.Metrics.DurationMs = elapsed.Milliseconds()

	// Record the outcome even if the run budget or caller context expired.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), j.cfg.RowTimeout)
	defer cancel()

	if err := j.store.FinishJobRun(finishCtx, run); err != nil {
		j.log.Error("failed to record job run", zap.Int64("run_id", run.ID), zap.Error(err))
	}
	if j.archiver != nil {
		if err := j.archiver.ArchiveJobRun(finishCtx, run); err != nil {
			j.log.Warn("failed to archive job run", zap.Int64("run_id", run.ID), zap.Error(err))
		}
	}

	j.metrics.ObserveJobRun(j.cfg.Name, status, elapsed)
	j.metrics.AddAmountApplied(run.Metrics.TotalApplied)
	j.audit.LogJobRun(j.cfg.Name, status, run.ID, run.Metrics.TotalApplied, run.Metrics.Errors)
	j.log.Info("daily investment run finished",
		zap.Int64("run_id", run.ID),
		zap.String("status", status),
		zap.Int("processed", run.Metrics.Processed),
		zap.Int("completed", run.Metrics.Completed),
		zap.Int("skipped", run.Metrics.Skipped),
		zap.Int("errors", run.Metrics.Errors),
		zap.Int("notification_failures", run.Metrics.NotificationFailures),
		zap.String("total_applied", run.Metrics.TotalApplied.String()),
		zap.Int64("duration_ms", run.Metrics.DurationMs),
	)
}
