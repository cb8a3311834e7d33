package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/glimmerbi/searchcore/pkg/observability"
)

// Config holds all search-core configuration
type Config struct {
	Database DatabaseConfig
	Ingest   IngestConfig
	Scoring  ScoringConfig
	Sweep    SweepConfig

	// MetricsAddr is the listen address for the Prometheus scrape endpoint.
	MetricsAddr string

	LogLevel observability.LogLevel
}

// DatabaseConfig holds connection settings for the primary application
// database, which also hosts the search index tables.
type DatabaseConfig struct {
	URL         string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
}

// IngestConfig tunes the asynchronous ingestion queue
type IngestConfig struct {
	// QueueCapacity bounds the number of pending change notifications.
	// When the queue is full the oldest pending entry is dropped.
	QueueCapacity int

	// BatchSize and FlushInterval bound how many entries a single upsert
	// batch may carry and how long a partial batch may wait.
	BatchSize     int
	FlushInterval time.Duration

	// MaxRetries caps retry attempts per batch before it is logged as
	// failed and discarded for the sweep to repair.
	MaxRetries int
	RetryDelay time.Duration
}

// ScoringConfig carries per-deployment scorer weight overrides. Scorers not
// listed here fall back to the documented defaults in pkg/scoring.
type ScoringConfig struct {
	Weights map[string]float64
}

// SweepConfig controls the periodic index reconciliation job
type SweepConfig struct {
	// Schedule is a cron expression; the default runs every three hours.
	Schedule string

	// DeleteBatchSize bounds how many orphaned ids a single DELETE touches
	// so the sweep never holds a long-running statement open.
	DeleteBatchSize int
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Database: DatabaseConfig{
			URL:         getEnv("SEARCH_DATABASE_URL", "postgres://localhost/app?sslmode=disable"),
			MaxConns:    getEnvInt("SEARCH_DATABASE_MAX_CONNS", 10),
			MinConns:    getEnvInt("SEARCH_DATABASE_MIN_CONNS", 2),
			Timeout:     getEnvDuration("SEARCH_DATABASE_TIMEOUT", 10*time.Second),
			MaxLifetime: getEnvDuration("SEARCH_DATABASE_MAX_LIFETIME", 30*time.Minute),
		},
		Ingest: IngestConfig{
			QueueCapacity: getEnvInt("SEARCH_INGEST_QUEUE_CAPACITY", 4096),
			BatchSize:     getEnvInt("SEARCH_INGEST_BATCH_SIZE", 100),
			FlushInterval: getEnvDuration("SEARCH_INGEST_FLUSH_INTERVAL", 500*time.Millisecond),
			MaxRetries:    getEnvInt("SEARCH_INGEST_MAX_RETRIES", 3),
			RetryDelay:    getEnvDuration("SEARCH_INGEST_RETRY_DELAY", time.Second),
		},
		Scoring: ScoringConfig{
			Weights: loadWeights(),
		},
		Sweep: SweepConfig{
			Schedule:        getEnv("SEARCH_SWEEP_SCHEDULE", "0 */3 * * *"),
			DeleteBatchSize: getEnvInt("SEARCH_SWEEP_DELETE_BATCH_SIZE", 500),
		},
		MetricsAddr: getEnv("SEARCH_METRICS_ADDR", ":9090"),
		LogLevel:    parseLogLevel(getEnv("SEARCH_LOG_LEVEL", "info")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadWeights reads SEARCH_WEIGHT_<SCORER> overrides, e.g.
// SEARCH_WEIGHT_TEXT=12 or SEARCH_WEIGHT_RECENCY=0.
func loadWeights() map[string]float64 {
	weights := make(map[string]float64)
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "SEARCH_WEIGHT_") {
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(key, "SEARCH_WEIGHT_"))
		if w, err := strconv.ParseFloat(value, 64); err == nil && name != "" {
			weights[name] = w
		}
	}
	return weights
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}
	if c.Ingest.QueueCapacity <= 0 {
		return fmt.Errorf("ingest queue capacity must be positive")
	}
	if c.Ingest.BatchSize <= 0 || c.Ingest.BatchSize > c.Ingest.QueueCapacity {
		return fmt.Errorf("ingest batch size must be in 1..queue capacity")
	}
	if c.Ingest.MaxRetries < 0 {
		return fmt.Errorf("ingest max retries must not be negative")
	}
	if c.Sweep.Schedule == "" {
		return fmt.Errorf("sweep schedule is required")
	}
	if c.Sweep.DeleteBatchSize <= 0 {
		return fmt.Errorf("sweep delete batch size must be positive")
	}
	for name, w := range c.Scoring.Weights {
		if w < 0 {
			return fmt.Errorf("scorer weight %q must not be negative", name)
		}
	}
	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
