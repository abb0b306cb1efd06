package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/yieldledger/backend/internal/models"
	"github.com/yieldledger/backend/internal/services"
	"go.uber.org/zap"
)

// Runner is the job the trigger fires.
type Runner interface {
	Name() string
	Run(ctx context.Context) (*models.JobRun, error)
}

type Config struct {
	HourUTC      int
	MinuteUTC    int
	RunOnStartup bool
	// Clock overrides the wall clock, for tests.
	Clock clockwork.Clock
}

// DailyTrigger fires a Runner once a day at a fixed UTC time. Overlapping
// fires are rescheduled rather than run concurrently.
type DailyTrigger struct {
	sched  gocron.Scheduler
	job    gocron.Job
	runner Runner
	cfg    Config
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func NewDailyTrigger(runner Runner, cfg Config, log *zap.Logger) (*DailyTrigger, error) {
	if cfg.HourUTC < 0 || cfg.HourUTC > 23 || cfg.MinuteUTC < 0 || cfg.MinuteUTC > 59 {
		return nil, fmt.Errorf("invalid trigger time %02d:%02d", cfg.HourUTC, cfg.MinuteUTC)
	}
	if log == nil {
		log = zap.NewNop()
	}

	opts := []gocron.SchedulerOption{gocron.WithLocation(time.UTC)}
	if cfg.Clock != nil {
		opts = append(opts, gocron.WithClock(cfg.Clock))
	}
	sched, err := gocron.NewScheduler(opts...)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &DailyTrigger{
		sched:  sched,
		runner: runner,
		cfg:    cfg,
		log:    log.Named("scheduler"),
		ctx:    ctx,
		cancel: cancel,
	}

	t.job, err = sched.NewJob(
		gocron.DailyJob(1, gocron.NewAtTimes(
			gocron.NewAtTime(uint(cfg.HourUTC), uint(cfg.MinuteUTC), 0),
		)),
		gocron.NewTask(t.fire),
		gocron.WithName(runner.Name()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		cancel()
		_ = sched.Shutdown()
		return nil, fmt.Errorf("schedule %s: %w", runner.Name(), err)
	}
	return t, nil
}

// Start begins scheduling and, if configured, fires once immediately.
func (t *DailyTrigger) Start() {
	t.sched.Start()
	next, _ := t.job.NextRun()
	t.log.Info("daily trigger started",
		zap.String("job", t.runner.Name()),
		zap.String("at_utc", fmt.Sprintf("%02d:%02d", t.cfg.HourUTC, t.cfg.MinuteUTC)),
		zap.Time("next_run", next),
	)

	if t.cfg.RunOnStartup {
		if err := t.job.RunNow(); err != nil {
			t.log.Error("startup run failed to start", zap.Error(err))
		}
	}
}

func (t *DailyTrigger) NextRun() (time.Time, error) {
	return t.job.NextRun()
}

// Stop cancels an in-flight run and waits for the scheduler to drain.
func (t *DailyTrigger) Stop() error {
	t.cancel()
	return t.sched.Shutdown()
}

func (t *DailyTrigger) fire() {
	run, err := t.runner.Run(t.ctx)
	switch {
	case errors.Is(err, services.ErrIdempotencyConflict):
		t.log.Info("scheduled run skipped", zap.String("job", t.runner.Name()), zap.String("reason", err.Error()))
	case err != nil:
		t.log.Error("scheduled run failed", zap.String("job", t.runner.Name()), zap.Error(err))
	case run != nil:
		t.log.Info("scheduled run finished",
			zap.String("job", t.runner.Name()),
			zap.Int64("run_id", run.ID),
			zap.String("status", run.Status),
		)
	}
}
