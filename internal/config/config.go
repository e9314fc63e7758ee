// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64

	// Processing settings.
	WorkerCount  int
	QueueMaxsize int

	// Retry policy.
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// Cleanup settings.
	RetentionDays   int
	CleanupInterval time.Duration

	// Database settings.
	DBPath string

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string

	// Operational settings.
	LogLevel  string
	LogFormat string // "json" or "pretty"
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("PORT", 8080),
		ReadTimeout:         envDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1*1024*1024)),
		WorkerCount:         envInt("WORKER_COUNT", 85),
		QueueMaxsize:        envInt("QUEUE_MAXSIZE", 1000),
		MaxAttempts:         envInt("MAX_ATTEMPTS", 5),
		RetryBaseDelay:      envSeconds("RETRY_BASE_DELAY", 5*time.Second),
		RetryMaxDelay:       envSeconds("RETRY_MAX_DELAY", 300*time.Second),
		RetentionDays:       envInt("RETENTION_DAYS", 30),
		CleanupInterval:     time.Duration(envInt("CLEANUP_INTERVAL_HOURS", 1)) * time.Hour,
		DBPath:              envStr("DB_PATH", "/data/events.db"),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "hookline"),
		LogLevel:            envStr("LOG_LEVEL", "INFO"),
		LogFormat:           envStr("LOG_FORMAT", "json"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if c.WorkerCount <= 0 {
		return fmt.Errorf("config: WORKER_COUNT must be positive")
	}
	if c.QueueMaxsize <= 0 {
		return fmt.Errorf("config: QUEUE_MAXSIZE must be positive")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("config: MAX_ATTEMPTS must be positive")
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay <= 0 {
		return fmt.Errorf("config: retry delays must be positive")
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("config: RETRY_MAX_DELAY must be >= RETRY_BASE_DELAY")
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("config: RETENTION_DAYS must be positive")
	}
	if c.DBPath == "" {
		return fmt.Errorf("config: DB_PATH is required")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

// envSeconds parses a float number of seconds (e.g. "5.0", "0.25").
func envSeconds(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return time.Duration(f * float64(time.Second))
		}
	}
	return defaultVal
}
