package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.AppEnv)
	assert.True(t, cfg.IsDev())
	assert.Equal(t, 5*time.Second, cfg.PollInterval())
	assert.Equal(t, 5, cfg.MaxConcurrentJobs)
	assert.Equal(t, 5*time.Minute, cfg.RetryDelay())
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 14, cfg.ServiceReminderHourUTC)
	assert.Equal(t, 13, cfg.InvoiceReminderHourUTC)
	assert.Equal(t, time.Hour, cfg.AppointmentSweepInterval())
	assert.Equal(t, 10*time.Minute, cfg.StuckJobMaxAge)
	assert.Equal(t, 15, cfg.TenantPoolMaxConns)
	assert.Equal(t, 5*time.Minute, cfg.TemplateCacheTTL)
	assert.Equal(t, 9090, cfg.MetricsPort)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("CENTRAL_DB_URL", "postgres://u:p@db:5432/central")
	t.Setenv("POLL_INTERVAL_MS", "250")
	t.Setenv("MAX_CONCURRENT_JOBS", "20")
	t.Setenv("RETRY_DELAY_MINUTES", "1")
	t.Setenv("MAX_RETRIES", "0")
	t.Setenv("APPOINTMENT_CONFIRMATION_INTERVAL_MS", "60000")
	t.Setenv("STUCK_JOB_MAX_AGE", "30m")
	t.Setenv("SHUTDOWN_TIMEOUT", "5s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsProd())
	assert.Equal(t, "postgres://u:p@db:5432/central", cfg.CentralDBURL)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval())
	assert.Equal(t, 20, cfg.MaxConcurrentJobs)
	assert.Equal(t, time.Minute, cfg.RetryDelay())
	assert.Equal(t, 0, cfg.MaxRetries)
	assert.Equal(t, time.Minute, cfg.AppointmentSweepInterval())
	assert.Equal(t, 30*time.Minute, cfg.StuckJobMaxAge)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
}

func TestLoad_InvalidInt(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_JOBS", "lots")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=config.Load")
}

func TestConfig_EnvPredicates(t *testing.T) {
	assert.True(t, Config{AppEnv: "TEST"}.IsTest())
	assert.True(t, Config{AppEnv: "Prod"}.IsProd())
	assert.False(t, Config{AppEnv: "prod"}.IsDev())
}
