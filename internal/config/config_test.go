package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTP.Port)
	assert.Equal(t, "daily-investments", cfg.Job.Name)
	assert.Equal(t, 0, cfg.Job.RunHourUTC)
	assert.Equal(t, 5, cfg.Job.RunMinuteUTC)
	assert.Equal(t, 4, cfg.Job.Workers)
	assert.Equal(t, 10*time.Second, cfg.Job.RowTimeout)
	assert.Equal(t, 30*time.Minute, cfg.Job.MaxDuration)
	assert.Equal(t, 25*time.Hour, cfg.Job.LockTTL)
	assert.Equal(t, "daily", cfg.Job.CreditPolicy)
	assert.Equal(t, "completion_credit", cfg.Job.CompletionEntryType)
	assert.True(t, cfg.Job.CompletionCutoff.IsZero())
	assert.Equal(t, 500, cfg.Ledger.VerifyChunkSize)
	assert.Equal(t, 5000, cfg.Ledger.VerifyFallbackMaxRows)
}

func TestLoad_Cutoff(t *testing.T) {
	v := viper.New()
	v.Set("job.credit_policy", "Cutoff")
	v.Set("job.completion_cutoff", "2025-01-15")

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "cutoff", cfg.Job.CreditPolicy)
	assert.Equal(t, time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC), cfg.Job.CompletionCutoff)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]map[string]any{
		"unknown policy":      {"job.credit_policy": "weekly"},
		"cutoff without date": {"job.credit_policy": "cutoff"},
		"bad cutoff format":   {"job.credit_policy": "cutoff", "job.completion_cutoff": "15/01/2025"},
		"hour out of range":   {"job.run_hour_utc": 24},
		"minute out of range": {"job.run_minute_utc": -1},
		"no workers":          {"job.workers": 0},
		"bad entry type":      {"job.completion_entry_type": "bonus"},
		"zero chunk size":     {"ledger.verify_chunk_size": 0},
	}
	for name, values := range cases {
		t.Run(name, func(t *testing.T) {
			v := viper.New()
			for k, val := range values {
				v.Set(k, val)
			}
			_, err := Load(v)
			assert.Error(t, err)
		})
	}
}
