package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/castellan-io/castellan/pkg/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("LEDGER_PATH", "")
	t.Setenv("SWEEP_INTERVAL", "")
	t.Setenv("NOTIFY_PER_SECOND", "")

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, "castellan.db", cfg.LedgerPath)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, 5.0, cfg.NotifyPerSecond)
	assert.Equal(t, 10, cfg.NotifyBurst)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DATABASE_URL", "postgres://production:5432/castellan")
	t.Setenv("SWEEP_INTERVAL", "30s")
	t.Setenv("ARCHIVE_RETENTION", "720h")
	t.Setenv("NOTIFY_BURST", "3")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres://production:5432/castellan", cfg.DatabaseURL)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, 720*time.Hour, cfg.ArchiveRetention)
	assert.Equal(t, 3, cfg.NotifyBurst)
}

func TestLoad_IgnoresMalformedValues(t *testing.T) {
	t.Setenv("SWEEP_INTERVAL", "not-a-duration")
	t.Setenv("NOTIFY_BURST", "many")

	cfg := config.Load()

	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, 10, cfg.NotifyBurst)
}
