// Package config provides configuration management functionality.
//
// Configuration is loaded entirely from environment variables (optionally
// via a .env file in development). There is no settings database in this
// engine — user-facing credentials and per-pipeline settings belong to the
// control plane, which is external to the core (see SPEC_FULL.md §1); the
// only thing the core itself persists across restarts is the daily budget
// counter, which lives in the budgets database, not in config.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/aristath/sentinel/internal/utils"
	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	DataDir  string // Base directory for all databases, always absolute.
	Port     int    // HTTP server port.
	LogLevel string // debug, info, warn, error.
	DevMode  bool   // Console-pretty logging, relaxed CORS.

	BrokerAPIKey    string
	BrokerAPISecret string
	LLMAPIKey       string

	ApprovalTTL             time.Duration // Default approval-gate timeout.
	MonitorIntervalDefault  time.Duration // Default monitor poll cadence.
	DispatchInterval        time.Duration // Trigger-dispatcher cron period.
	JanitorInterval         time.Duration // Janitor sweep cron period.
	MaxAgeRunning           time.Duration // Stale running/pending threshold.
	MaxAgeMonitoring        time.Duration // Stale monitoring threshold.
	RetentionDays           int           // Days to keep terminal executions before deletion.
	ArchiveBucket           string        // Optional S3 bucket for retention archival; empty disables it.
	StaticTickerUniverse    []string      // Static symbol list used when a pipeline has no scanner.
	DailyBudgetLimitUSD     float64       // Default per-user daily budget.
	BrokerPollRetryBudget   int           // Max consecutive transient-broker-error retries before stalling.

	MarketStatusFeedURL string // Optional broker market-open/close push feed; empty disables it.
	MarketStatusFeedSID string // Optional session id appended to MarketStatusFeedURL.
}

// Load reads configuration from environment variables.
//
// dataDirOverride - optional override for the data directory (highest priority).
func Load(dataDirOverride ...string) (*Config, error) {
	// godotenv.Load() returns an error if .env doesn't exist, which is fine.
	_ = godotenv.Load()

	var dataDir string
	if len(dataDirOverride) > 0 && dataDirOverride[0] != "" {
		dataDir = dataDirOverride[0]
	} else {
		dataDir = getEnv("DATA_DIR", "")
		if dataDir == "" {
			dataDir = "./data"
		}
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),

		BrokerAPIKey:    getEnv("BROKER_API_KEY", ""),
		BrokerAPISecret: getEnv("BROKER_API_SECRET", ""),
		LLMAPIKey:       getEnv("LLM_API_KEY", ""),

		ApprovalTTL:            time.Duration(getEnvAsInt("APPROVAL_TTL_SECONDS", 300)) * time.Second,
		MonitorIntervalDefault: time.Duration(getEnvAsInt("MONITOR_INTERVAL_SECONDS", 300)) * time.Second,
		DispatchInterval:       time.Duration(getEnvAsInt("DISPATCH_INTERVAL_SECONDS", 60)) * time.Second,
		JanitorInterval:        time.Duration(getEnvAsInt("JANITOR_INTERVAL_SECONDS", 300)) * time.Second,
		MaxAgeRunning:          time.Duration(getEnvAsInt("MAX_AGE_RUNNING_MINUTES", 20)) * time.Minute,
		MaxAgeMonitoring:       time.Duration(getEnvAsInt("MAX_AGE_MONITORING_MINUTES", 25*60)) * time.Minute,
		RetentionDays:          getEnvAsInt("RETENTION_DAYS", 30),
		ArchiveBucket:          getEnv("ARCHIVE_BUCKET", ""),
		StaticTickerUniverse:   parseCSVEnv("STATIC_TICKER_UNIVERSE"),
		DailyBudgetLimitUSD:    getEnvAsFloat("DAILY_BUDGET_LIMIT_USD", 5.0),
		BrokerPollRetryBudget:  getEnvAsInt("BROKER_POLL_RETRY_BUDGET", 5),

		MarketStatusFeedURL: getEnv("MARKET_STATUS_FEED_URL", ""),
		MarketStatusFeedSID: getEnv("MARKET_STATUS_FEED_SID", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks invariants that must hold before the engine boots.
//
// Mirrors the Open Question resolution in SPEC_FULL.md §12: a monitor
// interval too close to the janitor's stale-monitoring tolerance risks a
// spurious stale-kill of a healthy position. We only validate the engine's
// own default here; per-pipeline overrides are validated at pipeline
// activation time by internal/pipeline.Validator (the control plane's CRUD
// surface is out of scope, but the core still refuses to run with a bad
// default).
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT: %d", c.Port)
	}
	safeMargin := c.MaxAgeMonitoring / 4
	if c.MonitorIntervalDefault >= safeMargin {
		return fmt.Errorf(
			"MONITOR_INTERVAL_SECONDS (%s) must be less than MAX_AGE_MONITORING_MINUTES/4 (%s) to avoid spurious stale-kills",
			c.MonitorIntervalDefault, safeMargin,
		)
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("RETENTION_DAYS must be positive, got %d", c.RetentionDays)
	}
	return nil
}

// ==========================================
// Helper Functions
// ==========================================

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

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func parseCSVEnv(key string) []string {
	return utils.ParseCSV(os.Getenv(key))
}
