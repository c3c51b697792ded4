package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/walletpnl/service/analyzer"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr  string
	MetricsAddr string
	LogLevel    string

	// Database configuration
	DatabaseURL string

	// NATS configuration
	NATSURL string

	// Solana RPC configuration, endpoints in priority order
	RPCURLs        []string
	RPCTimeout     time.Duration
	RPCMaxAttempts int
	RPCBaseBackoff time.Duration
	RPCRateLimit   float64

	// History retrieval
	HistoryPageSize        int
	HistoryMaxTransactions int
	HistoryMaxIterations   int
	DetailMaxAttempts      int

	// Analysis
	AnalyzerWorkers int
	CacheMaxEntries int
	CacheTTL        time.Duration

	// Prices
	PriceAPIURL   string
	PriceCacheTTL time.Duration

	// Default inclusion thresholds
	Timeframe            analyzer.Timeframe
	MinWalletCapital     decimal.Decimal
	MinAvgHoldingMinutes float64
	MinWinRate           float64
	MinTotalPnL          decimal.Decimal

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string
}

// Load reads configuration from environment variables and validates all required fields.
// A .env file in the working directory is read first; variables already set in the
// environment take precedence over it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", ":9090")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.NATSURL = getEnvOrDefault("NATS_URL", "nats://localhost:4222")

	// Solana RPC configuration
	cfg.RPCURLs = parseList(os.Getenv("SOLANA_RPC_URLS"))
	if len(cfg.RPCURLs) == 0 {
		cfg.RPCURLs = parseList(os.Getenv("HELIUS_RPC_URL"))
	}
	if len(cfg.RPCURLs) == 0 {
		errs = append(errs, fmt.Errorf("SOLANA_RPC_URLS (or HELIUS_RPC_URL) is required"))
	}

	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var err error
	cfg.RPCTimeout, err = parseDuration("RPC_TIMEOUT", "10s")
	collect(err)
	cfg.RPCMaxAttempts, err = parseInt("RPC_MAX_ATTEMPTS", 3)
	collect(err)
	cfg.RPCBaseBackoff, err = parseDuration("RPC_BASE_BACKOFF", "1s")
	collect(err)
	cfg.RPCRateLimit, err = parseFloat("RPC_RATE_LIMIT", 0)
	collect(err)

	cfg.HistoryPageSize, err = parseInt("HISTORY_PAGE_SIZE", 100)
	collect(err)
	cfg.HistoryMaxTransactions, err = parseInt("HISTORY_MAX_TRANSACTIONS", 50)
	collect(err)
	cfg.HistoryMaxIterations, err = parseInt("HISTORY_MAX_ITERATIONS", 10)
	collect(err)
	cfg.DetailMaxAttempts, err = parseInt("DETAIL_MAX_ATTEMPTS", 2)
	collect(err)

	cfg.AnalyzerWorkers, err = parseInt("ANALYZER_WORKERS", 5)
	collect(err)
	cfg.CacheMaxEntries, err = parseInt("CACHE_MAX_ENTRIES", 3000)
	collect(err)
	cfg.CacheTTL, err = parseDuration("CACHE_TTL", "10m")
	collect(err)

	cfg.PriceAPIURL = getEnvOrDefault("PRICE_API_URL", "https://api.dexscreener.com")
	cfg.PriceCacheTTL, err = parseDuration("PRICE_CACHE_TTL", "1m")
	collect(err)

	cfg.Timeframe, err = analyzer.ParseTimeframe(getEnvOrDefault("TIMEFRAME", "3"))
	collect(err)
	cfg.MinWalletCapital, err = parseDecimal("MIN_WALLET_CAPITAL", "1000")
	collect(err)
	cfg.MinAvgHoldingMinutes, err = parseFloat("MIN_AVG_HOLDING_MINUTES", 60)
	collect(err)
	cfg.MinWinRate, err = parseFloat("MIN_WIN_RATE", 30)
	collect(err)
	cfg.MinTotalPnL, err = parseDecimal("MIN_TOTAL_PNL", "500")
	collect(err)

	// Temporal configuration
	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "walletpnl-analysis")

	if len(errs) == 0 {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if len(c.RPCURLs) == 0 {
		errs = append(errs, fmt.Errorf("RPCURLs is required"))
	}
	if c.RPCTimeout <= 0 {
		errs = append(errs, fmt.Errorf("RPCTimeout must be positive"))
	}
	if c.RPCMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("RPCMaxAttempts must be at least 1"))
	}
	if c.RPCRateLimit < 0 {
		errs = append(errs, fmt.Errorf("RPCRateLimit must not be negative"))
	}
	if c.HistoryPageSize < 1 || c.HistoryPageSize > 1000 {
		errs = append(errs, fmt.Errorf("HistoryPageSize must be between 1 and 1000"))
	}
	if c.HistoryMaxTransactions < 1 {
		errs = append(errs, fmt.Errorf("HistoryMaxTransactions must be at least 1"))
	}
	if _, err := analyzer.ParseTimeframe(string(c.Timeframe)); err != nil {
		errs = append(errs, fmt.Errorf("Timeframe: %w", err))
	}
	if c.HistoryMaxIterations < 1 {
		errs = append(errs, fmt.Errorf("HistoryMaxIterations must be at least 1"))
	}
	if c.DetailMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("DetailMaxAttempts must be at least 1"))
	}
	if c.AnalyzerWorkers < 1 {
		errs = append(errs, fmt.Errorf("AnalyzerWorkers must be at least 1"))
	}
	if c.CacheMaxEntries < 0 {
		errs = append(errs, fmt.Errorf("CacheMaxEntries must not be negative"))
	}
	if c.MinWinRate < 0 || c.MinWinRate > 100 {
		errs = append(errs, fmt.Errorf("MinWinRate must be between 0 and 100"))
	}
	if c.MinWalletCapital.IsNegative() {
		errs = append(errs, fmt.Errorf("MinWalletCapital must not be negative"))
	}
	if c.MinAvgHoldingMinutes < 0 {
		errs = append(errs, fmt.Errorf("MinAvgHoldingMinutes must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// RequireDatabase reports an error when no database is configured. The CLI
// runs without one; the server and worker do not.
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseList splits a comma-separated value, dropping empty items.
func parseList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

func parseFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q: %w", key, value, err)
	}
	return result, nil
}

func parseDecimal(key, defaultValue string) (decimal.Decimal, error) {
	value := getEnvOrDefault(key, defaultValue)
	result, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid decimal %q: %w", key, value, err)
	}
	return result, nil
}
