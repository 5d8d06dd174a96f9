// Package config provides application configuration.
//
// All external-service clients receive an explicit Config at construction;
// nothing in the core reads the environment after startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// HTTP API
	Addr   string
	APIKey string

	// Storage
	DBPath        string
	WarehousePath string

	// Provider
	Provider string // gemini, openai, ollama, stub
	Model    string

	// Query limits
	MaxQueryBytes int64
	QueryTimeout  time.Duration
	MaxResultRows int

	// Retrieval
	RetrievalTopKDefault int
	RetrievalTopKMax     int
	MinRelevance         float64

	// Agent loop
	MaxIterations     int
	ModelRetryBackoff time.Duration
	ResponseBudget    time.Duration

	// Event stream
	HeartbeatInterval time.Duration

	// Memory
	SummaryBudgetChars int
	MaxFindings        int
	MaxPreferences     int
	RecentSessionsCap  int
	SessionTTL         time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Addr:                 getEnv("INSIGHT_ADDR", ":8080"),
		APIKey:               getEnv("INSIGHT_API_KEY", ""),
		DBPath:               getEnv("INSIGHT_DB_PATH", "./data/insight.db"),
		WarehousePath:        getEnv("INSIGHT_WAREHOUSE_PATH", "./data/warehouse.db"),
		Provider:             getEnv("INSIGHT_PROVIDER", "gemini"),
		Model:                getEnv("INSIGHT_MODEL", ""),
		MaxQueryBytes:        getEnvInt64("INSIGHT_MAX_QUERY_BYTES", 10_000_000_000),
		QueryTimeout:         getEnvDuration("INSIGHT_QUERY_TIMEOUT", 30*time.Second),
		MaxResultRows:        getEnvInt("INSIGHT_MAX_RESULT_ROWS", 1000),
		RetrievalTopKDefault: 3,
		RetrievalTopKMax:     5,
		MinRelevance:         getEnvFloat("INSIGHT_MIN_RELEVANCE", 0.7),
		MaxIterations:        getEnvInt("INSIGHT_MAX_ITERATIONS", 10),
		ModelRetryBackoff:    getEnvDuration("INSIGHT_MODEL_RETRY_BACKOFF", 2*time.Second),
		ResponseBudget:       getEnvDuration("INSIGHT_RESPONSE_BUDGET", 60*time.Second),
		HeartbeatInterval:    getEnvDuration("INSIGHT_HEARTBEAT_INTERVAL", 15*time.Second),
		SummaryBudgetChars:   getEnvInt("INSIGHT_SUMMARY_BUDGET_CHARS", 2000),
		MaxFindings:          5,
		MaxPreferences:       5,
		RecentSessionsCap:    5,
		SessionTTL:           24 * time.Hour,
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that configuration values are usable.
func (c *Config) Validate() error {
	if c.MaxQueryBytes <= 0 {
		return fmt.Errorf("max query bytes must be positive, got %d", c.MaxQueryBytes)
	}
	if c.MaxResultRows <= 0 {
		return fmt.Errorf("max result rows must be positive, got %d", c.MaxResultRows)
	}
	if c.MaxIterations <= 0 {
		return fmt.Errorf("max iterations must be positive, got %d", c.MaxIterations)
	}
	if c.MinRelevance < 0 || c.MinRelevance > 1 {
		return fmt.Errorf("min relevance must be in [0,1], got %f", c.MinRelevance)
	}
	if c.SummaryBudgetChars <= 0 {
		return fmt.Errorf("summary budget must be positive, got %d", c.SummaryBudgetChars)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
