// Package config loads server configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port          string
	LogLevel      string
	DatabaseURL   string
	LedgerPath    string
	CatalogPath   string
	SweepInterval time.Duration

	// Audit retention for the archival job. DeleteAfter must exceed Retention.
	ArchiveRetention   time.Duration
	ArchiveDeleteAfter time.Duration

	// Notification rate limit.
	NotifyPerSecond float64
	NotifyBurst     int

	OTLPEndpoint string
}

// Load loads configuration from environment variables, with defaults suited
// to a single-node deployment backed by the embedded sqlite ledger.
func Load() *Config {
	return &Config{
		Port:               getenv("PORT", "8080"),
		LogLevel:           getenv("LOG_LEVEL", "INFO"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		LedgerPath:         getenv("LEDGER_PATH", "castellan.db"),
		CatalogPath:        os.Getenv("CATALOG_PATH"),
		SweepInterval:      getduration("SWEEP_INTERVAL", time.Minute),
		ArchiveRetention:   getduration("ARCHIVE_RETENTION", 365*24*time.Hour),
		ArchiveDeleteAfter: getduration("ARCHIVE_DELETE_AFTER", 7*365*24*time.Hour),
		NotifyPerSecond:    getfloat("NOTIFY_PER_SECOND", 5),
		NotifyBurst:        getint("NOTIFY_BURST", 10),
		OTLPEndpoint:       os.Getenv("OTLP_ENDPOINT"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getduration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getint(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getfloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
