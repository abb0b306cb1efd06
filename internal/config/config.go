package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	HTTP    HTTPConfig
	Log     LogConfig
	Redis   RedisConfig
	JWT     JWTConfig
	Job     JobConfig
	Ledger  LedgerConfig
	Archive ArchiveConfig
	Notify  NotifyConfig
}

type HTTPConfig struct {
	Port            string
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

type LogConfig struct {
	Level       string
	Development bool
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

type JWTConfig struct {
	SecretKey string
}

// JobConfig configures the daily investment job and its trigger.
type JobConfig struct {
	Name                string
	RunHourUTC          int
	RunMinuteUTC        int
	Workers             int
	RowTimeout          time.Duration
	MaxDuration         time.Duration
	RunOnStartup        bool
	CreditPolicy        string
	CompletionCutoff    time.Time
	CompletionEntryType string
	LockTTL             time.Duration
}

type LedgerConfig struct {
	VerifyChunkSize       int
	VerifyFallbackMaxRows int
}

// ArchiveConfig enables S3 report archiving when Bucket is set.
type ArchiveConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
}

type NotifyConfig struct {
	QueueKey string
}

var (
	creditPolicies       = []string{"daily", "on_completion", "cutoff"}
	completionEntryTypes = []string{"completion_credit", "daily_return"}
)

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http.port", "8080")
	v.SetDefault("http.shutdown_timeout", 30*time.Second)
	v.SetDefault("http.allowed_origins", []string{"*"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("job.name", "daily-investments")
	v.SetDefault("job.run_hour_utc", 0)
	v.SetDefault("job.run_minute_utc", 5)
	v.SetDefault("job.workers", 4)
	v.SetDefault("job.row_timeout", 10*time.Second)
	v.SetDefault("job.max_duration", 30*time.Minute)
	v.SetDefault("job.run_on_startup", false)
	v.SetDefault("job.credit_policy", "daily")
	v.SetDefault("job.completion_cutoff", "")
	v.SetDefault("job.completion_entry_type", "completion_credit")
	v.SetDefault("job.lock_ttl", 25*time.Hour)

	v.SetDefault("ledger.verify_chunk_size", 500)
	v.SetDefault("ledger.verify_fallback_max_rows", 5000)

	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.region", "us-east-1")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.prefix", "job-runs")
	v.SetDefault("archive.access_key_id", "")
	v.SetDefault("archive.secret_access_key", "")

	v.SetDefault("notify.queue_key", "notifications:investment_completed")
}

// Load reads the configuration from v and validates it.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	cfg := &Config{
		HTTP: HTTPConfig{
			Port:            v.GetString("http.port"),
			ShutdownTimeout: v.GetDuration("http.shutdown_timeout"),
			AllowedOrigins:  v.GetStringSlice("http.allowed_origins"),
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetString("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			SecretKey: v.GetString("jwt.secret_key"),
		},
		Job: JobConfig{
			Name:                v.GetString("job.name"),
			RunHourUTC:          v.GetInt("job.run_hour_utc"),
			RunMinuteUTC:        v.GetInt("job.run_minute_utc"),
			Workers:             v.GetInt("job.workers"),
			RowTimeout:          v.GetDuration("job.row_timeout"),
			MaxDuration:         v.GetDuration("job.max_duration"),
			RunOnStartup:        v.GetBool("job.run_on_startup"),
			CreditPolicy:        strings.ToLower(strings.TrimSpace(v.GetString("job.credit_policy"))),
			CompletionEntryType: strings.TrimSpace(v.GetString("job.completion_entry_type")),
			LockTTL:             v.GetDuration("job.lock_ttl"),
		},
		Ledger: LedgerConfig{
			VerifyChunkSize:       v.GetInt("ledger.verify_chunk_size"),
			VerifyFallbackMaxRows: v.GetInt("ledger.verify_fallback_max_rows"),
		},
		Archive: ArchiveConfig{
			Bucket:          v.GetString("archive.bucket"),
			Region:          v.GetString("archive.region"),
			Endpoint:        v.GetString("archive.endpoint"),
			Prefix:          v.GetString("archive.prefix"),
			AccessKeyID:     v.GetString("archive.access_key_id"),
			SecretAccessKey: v.GetString("archive.secret_access_key"),
		},
		Notify: NotifyConfig{
			QueueKey: v.GetString("notify.queue_key"),
		},
	}

	if raw := strings.TrimSpace(v.GetString("job.completion_cutoff")); raw != "" {
		cutoff, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			return nil, fmt.Errorf("job.completion_cutoff: expected YYYY-MM-DD: %w", err)
		}
		cfg.Job.CompletionCutoff = cutoff.UTC()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Job.Name == "" {
		errs = append(errs, errors.New("job.name must not be empty"))
	}
	if c.Job.RunHourUTC < 0 || c.Job.RunHourUTC > 23 {
		errs = append(errs, fmt.Errorf("job.run_hour_utc must be 0-23, got %d", c.Job.RunHourUTC))
	}
	if c.Job.RunMinuteUTC < 0 || c.Job.RunMinuteUTC > 59 {
		errs = append(errs, fmt.Errorf("job.run_minute_utc must be 0-59, got %d", c.Job.RunMinuteUTC))
	}
	if c.Job.Workers <= 0 {
		errs = append(errs, fmt.Errorf("job.workers must be positive, got %d", c.Job.Workers))
	}
	if c.Job.RowTimeout <= 0 || c.Job.MaxDuration <= 0 {
		errs = append(errs, errors.New("job.row_timeout and job.max_duration must be positive"))
	}
	if !contains(creditPolicies, c.Job.CreditPolicy) {
		errs = append(errs, fmt.Errorf("job.credit_policy must be one of %v, got %q", creditPolicies, c.Job.CreditPolicy))
	}
	if c.Job.CreditPolicy == "cutoff" && c.Job.CompletionCutoff.IsZero() {
		errs = append(errs, errors.New("job.completion_cutoff is required when job.credit_policy is cutoff"))
	}
	if !contains(completionEntryTypes, c.Job.CompletionEntryType) {
		errs = append(errs, fmt.Errorf("job.completion_entry_type must be one of %v, got %q", completionEntryTypes, c.Job.CompletionEntryType))
	}
	if c.Ledger.VerifyChunkSize <= 0 || c.Ledger.VerifyFallbackMaxRows <= 0 {
		errs = append(errs, errors.New("ledger.verify_chunk_size and ledger.verify_fallback_max_rows must be positive"))
	}

	return errors.Join(errs...)
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
