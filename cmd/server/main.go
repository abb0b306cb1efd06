package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"
	"github.com/yieldledger/backend/internal/archive"
	"github.com/yieldledger/backend/internal/audit"
	"github.com/yieldledger/backend/internal/config"
	"github.com/yieldledger/backend/internal/database"
	"github.com/yieldledger/backend/internal/handlers"
	"github.com/yieldledger/backend/internal/metrics"
	mW "github.com/yieldledger/backend/internal/middleware"
	"github.com/yieldledger/backend/internal/models"
	"github.com/yieldledger/backend/internal/notify"
	"github.com/yieldledger/backend/internal/repository"
	"github.com/yieldledger/backend/internal/scheduler"
	"github.com/yieldledger/backend/internal/services"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	// .env only seeds the process environment; viper reads from the environment.
	envErr := godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	bindEnv(v)

	cfg, err := config.Load(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if envErr != nil {
		logger.Info("no .env file found, reading environment variables directly")
	}

	if err := run(cfg, v, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, v *viper.Viper, logger *zap.Logger) error {
	ctx := context.Background()

	db, err := database.Open(ctx, database.GetConfig(v), logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.EnsureSchema(ctx, db); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	jobMetrics := metrics.New(registry)
	auditLog := audit.NewLogger(logger)

	store := repository.NewPostgres(db)
	ledger := services.NewLedgerService(store, services.LedgerConfig{
		VerifyChunkSize:       cfg.Ledger.VerifyChunkSize,
		VerifyFallbackMaxRows: cfg.Ledger.VerifyFallbackMaxRows,
	}, logger, auditLog, jobMetrics)

	deps := services.JobDeps{
		Store:   store,
		Ledger:  ledger,
		Audit:   auditLog,
		Metrics: jobMetrics,
		Log:     logger,
	}

	if redisClient := database.InitRedis(ctx, cfg.Redis, logger); redisClient != nil {
		defer redisClient.Close()
		deps.RunLock = services.NewRedisRunLock(redisClient, cfg.Job.LockTTL)
		deps.Notifier = notify.NewRedisQueueNotifier(redisClient, cfg.Notify.QueueKey)
	}

	var reports handlers.ReportArchiver
	if cfg.Archive.Bucket != "" {
		archiver, err := archive.NewS3ArchiverFromConfig(ctx, cfg.Archive)
		if err != nil {
			return err
		}
		deps.Archiver = archiver
		reports = archiver
		logger.Info("job run archiving enabled", zap.String("bucket", cfg.Archive.Bucket))
	}

	job := services.NewDailyInvestmentJob(deps, services.JobConfig{
		Name:                cfg.Job.Name,
		Workers:             cfg.Job.Workers,
		RowTimeout:          cfg.Job.RowTimeout,
		MaxDuration:         cfg.Job.MaxDuration,
		CreditPolicy:        services.CreditPolicy(cfg.Job.CreditPolicy),
		CompletionCutoff:    cfg.Job.CompletionCutoff,
		CompletionEntryType: models.LedgerEntryType(cfg.Job.CompletionEntryType),
	})

	trigger, err := scheduler.NewDailyTrigger(job, scheduler.Config{
		HourUTC:      cfg.Job.RunHourUTC,
		MinuteUTC:    cfg.Job.RunMinuteUTC,
		RunOnStartup: cfg.Job.RunOnStartup,
	}, logger)
	if err != nil {
		return err
	}
	trigger.Start()

	auditHandler := handlers.NewAuditHandler(ledger, job, reports, logger)

	r := chi.NewRouter()
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.HTTP.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{"status": "healthy"}
		pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{"status": "degraded", "database": err.Error()})
			return
		}
		if next, err := trigger.NextRun(); err == nil {
			status["next_run"] = next.UTC().Format(time.RFC3339)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status)
	})
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	r.Route("/api/v1/admin", func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.Job.MaxDuration))
		r.Use(mW.AdminOnly(cfg.JWT.SecretKey))
		auditHandler.Routes(r)
	})

	server := &http.Server{
		Addr:         ":" + cfg.HTTP.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Job.MaxDuration + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("server shutting down", zap.String("signal", sig.String()))
	case err := <-serverErr:
		trigger.Stop()
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	if err := trigger.Stop(); err != nil {
		logger.Error("scheduler shutdown failed", zap.Error(err))
	}

	logger.Info("server stopped")
	return nil
}

func bindEnv(v *viper.Viper) {
	for key, env := range map[string]string{
		"database.host":                   "DATABASE_HOST",
		"database.port":                   "DATABASE_PORT",
		"database.user":                   "DATABASE_USER",
		"database.password":               "DATABASE_PASSWORD",
		"database.name":                   "DATABASE_NAME",
		"database.ssl_mode":               "DATABASE_SSL_MODE",
		"redis.host":                      "REDIS_HOST",
		"redis.port":                      "REDIS_PORT",
		"redis.password":                  "REDIS_PASSWORD",
		"redis.db":                        "REDIS_DB",
		"jwt.secret_key":                  "JWT_SECRET_KEY",
		"http.port":                       "PORT",
		"log.level":                       "LOG_LEVEL",
		"log.development":                 "LOG_DEVELOPMENT",
		"job.name":                        "JOB_NAME",
		"job.run_hour_utc":                "JOB_RUN_HOUR_UTC",
		"job.run_minute_utc":              "JOB_RUN_MINUTE_UTC",
		"job.workers":                     "JOB_WORKERS",
		"job.row_timeout":                 "JOB_ROW_TIMEOUT",
		"job.max_duration":                "JOB_MAX_DURATION",
		"job.run_on_startup":              "JOB_RUN_ON_STARTUP",
		"job.credit_policy":               "JOB_CREDIT_POLICY",
		"job.completion_cutoff":           "JOB_COMPLETION_CUTOFF",
		"job.completion_entry_type":       "JOB_COMPLETION_ENTRY_TYPE",
		"job.lock_ttl":                    "JOB_LOCK_TTL",
		"ledger.verify_chunk_size":        "LEDGER_VERIFY_CHUNK_SIZE",
		"ledger.verify_fallback_max_rows": "LEDGER_VERIFY_FALLBACK_MAX_ROWS",
		"archive.bucket":                  "ARCHIVE_BUCKET",
		"archive.region":                  "ARCHIVE_REGION",
		"archive.endpoint":                "ARCHIVE_ENDPOINT",
		"archive.prefix":                  "ARCHIVE_PREFIX",
		"archive.access_key_id":           "ARCHIVE_ACCESS_KEY_ID",
		"archive.secret_access_key":       "ARCHIVE_SECRET_ACCESS_KEY",
		"notify.queue_key":                "NOTIFY_QUEUE_KEY",
	} {
		v.BindEnv(key, env)
	}
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}
