package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	Port     int
	Env      string
	LogLevel string

	DatabaseURL string
	RedisURL    string

	CORSOrigins []string

	Scheduler SchedulerConfig
	Sync      SyncConfig

	HolidaysFile         string
	EximbankAuthKey      string
	HTTPClientTimeoutSec int
	ShutdownGraceSec     int
}

// SchedulerConfig controls the background jobs.
type SchedulerConfig struct {
	Enabled             bool
	RealtimeIntervalSec int
	PopularIntervalSec  int
	MaxBatchSize        int
	ActiveSymbolTTLSec  int
	DailyBatchHour      int
	DailyBatchMinute    int
}

// SyncConfig controls the gap-filling history ranges.
type SyncConfig struct {
	DefaultHistoryDays int
	MaxHistoryYears    int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnvAsInt("PORT", 8000),
		Env:         getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379/0"),
		CORSOrigins: getEnvAsSlice("CORS_ORIGINS", []string{"*"}),
		Scheduler: SchedulerConfig{
			Enabled:             getEnvAsBool("SCHEDULER_ENABLED", true),
			RealtimeIntervalSec: getEnvAsInt("SCHEDULER_REALTIME_INTERVAL_SECONDS", 60),
			PopularIntervalSec:  getEnvAsInt("SCHEDULER_POPULAR_INTERVAL_SECONDS", 300),
			MaxBatchSize:        getEnvAsInt("SCHEDULER_MAX_BATCH_SIZE", 20),
			ActiveSymbolTTLSec:  getEnvAsInt("SCHEDULER_ACTIVE_SYMBOL_TTL_SECONDS", 180),
			DailyBatchHour:      getEnvAsInt("SCHEDULER_DAILY_BATCH_HOUR", 16),
			DailyBatchMinute:    getEnvAsInt("SCHEDULER_DAILY_BATCH_MINUTE", 0),
		},
		Sync: SyncConfig{
			DefaultHistoryDays: getEnvAsInt("SYNC_DEFAULT_HISTORY_DAYS", 365),
			MaxHistoryYears:    getEnvAsInt("SYNC_MAX_HISTORY_YEARS", 10),
		},
		HolidaysFile:         getEnv("HOLIDAYS_FILE", ""),
		EximbankAuthKey:      getEnv("EXIMBANK_AUTH_KEY", ""),
		HTTPClientTimeoutSec: getEnvAsInt("HTTP_CLIENT_TIMEOUT_SECONDS", 30),
		ShutdownGraceSec:     getEnvAsInt("SHUTDOWN_GRACE_SECONDS", 30),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.Scheduler.RealtimeIntervalSec <= 0 {
		return fmt.Errorf("SCHEDULER_REALTIME_INTERVAL_SECONDS must be positive")
	}
	if c.Scheduler.MaxBatchSize <= 0 {
		return fmt.Errorf("SCHEDULER_MAX_BATCH_SIZE must be positive")
	}
	if c.Scheduler.ActiveSymbolTTLSec <= 0 {
		return fmt.Errorf("SCHEDULER_ACTIVE_SYMBOL_TTL_SECONDS must be positive")
	}
	if c.Scheduler.DailyBatchHour < 0 || c.Scheduler.DailyBatchHour > 23 {
		return fmt.Errorf("SCHEDULER_DAILY_BATCH_HOUR must be in [0,23]")
	}
	if c.Scheduler.DailyBatchMinute < 0 || c.Scheduler.DailyBatchMinute > 59 {
		return fmt.Errorf("SCHEDULER_DAILY_BATCH_MINUTE must be in [0,59]")
	}
	if c.Sync.DefaultHistoryDays <= 0 {
		return fmt.Errorf("SYNC_DEFAULT_HISTORY_DAYS must be positive")
	}
	if c.Sync.MaxHistoryYears <= 0 {
		return fmt.Errorf("SYNC_MAX_HISTORY_YEARS must be positive")
	}
	return nil
}

// DevMode reports whether the service runs in a development environment.
func (c *Config) DevMode() bool {
	return c.Env == "development" || c.Env == "dev"
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
