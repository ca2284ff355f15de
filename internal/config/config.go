// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// FeeRates holds the per-product-type fee rates in basis points.
// The rate table is data, not code: operators tune it without a rebuild.
type FeeRates struct {
	PlatformBaseBps int64
	PoolBps         int64
}

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Blockchain settings
	RPCURL         string
	ChainID        int64
	PrivateKey     string // Relayer signing key, hex-encoded
	RelayerAddress string
	USDCContract   string

	// Relayer settings
	RelayMaxAttempts    int
	RelayRetryBase      time.Duration
	ConfirmTimeout      time.Duration
	ConfirmPollInterval time.Duration

	// Settlement settings
	SettleMaxAttempts int
	SettleRetryBase   time.Duration
	SweepInterval     time.Duration

	// Fee configuration (basis points; 100 bps = 1%)
	ChannelFeeBps int64
	Rates         map[string]FeeRates // keyed by product type

	// Payout rails
	StripeAPIKey string // enables fiat payouts to acct_* payees when set

	// Observability
	OTLPEndpoint string

	// Security
	AdminSecret  string
	RateLimitRPS int
}

// Base Sepolia defaults
const (
	DefaultRPCURL       = "https://sepolia.base.org"
	DefaultChainID      = 84532                                        // Base Sepolia
	DefaultUSDCContract = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultRateLimit    = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:              getEnv("RPC_URL", DefaultRPCURL),
		ChainID:             getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:          os.Getenv("PRIVATE_KEY"), // Required, no default
		RelayerAddress:      os.Getenv("RELAYER_ADDRESS"),
		USDCContract:        getEnv("USDC_CONTRACT", DefaultUSDCContract),
		RelayMaxAttempts:    int(getEnvInt64("RELAY_MAX_ATTEMPTS", 4)),
		RelayRetryBase:      getEnvDuration("RELAY_RETRY_BASE", 2*time.Second),
		ConfirmTimeout:      getEnvDuration("CONFIRM_TIMEOUT", 60*time.Second),
		ConfirmPollInterval: getEnvDuration("CONFIRM_POLL_INTERVAL", 2*time.Second),
		SettleMaxAttempts:   int(getEnvInt64("SETTLE_MAX_ATTEMPTS", 5)),
		SettleRetryBase:     getEnvDuration("SETTLE_RETRY_BASE", 5*time.Second),
		SweepInterval:       getEnvDuration("SETTLE_SWEEP_INTERVAL", 60*time.Second),
		ChannelFeeBps:       getEnvInt64("FEE_CHANNEL_BPS", 0),
		Rates:               loadRateTable(),
		StripeAPIKey:        os.Getenv("STRIPE_API_KEY"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:        int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadRateTable builds the product-type fee table from env, with defaults.
// Example override: FEE_LOGIC_BASE_BPS=150 FEE_LOGIC_POOL_BPS=500
func loadRateTable() map[string]FeeRates {
	defaults := map[string]FeeRates{
		"INFRA":     {PlatformBaseBps: 50, PoolBps: 200},
		"RESOURCE":  {PlatformBaseBps: 100, PoolBps: 300},
		"LOGIC":     {PlatformBaseBps: 100, PoolBps: 400},
		"COMPOSITE": {PlatformBaseBps: 300, PoolBps: 700},
	}

	table := make(map[string]FeeRates, len(defaults))
	for productType, def := range defaults {
		table[productType] = FeeRates{
			PlatformBaseBps: getEnvInt64("FEE_"+productType+"_BASE_BPS", def.PlatformBaseBps),
			PoolBps:         getEnvInt64("FEE_"+productType+"_POOL_BPS", def.PoolBps),
		}
	}
	return table
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY is required")
	}

	// Allow both with and without 0x prefix
	key := c.PrivateKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}

	if c.ChannelFeeBps < 0 || c.ChannelFeeBps >= 10000 {
		return fmt.Errorf("FEE_CHANNEL_BPS must be in [0, 10000)")
	}
	for productType, rates := range c.Rates {
		if rates.PlatformBaseBps < 0 || rates.PoolBps < 0 ||
			rates.PlatformBaseBps+rates.PoolBps >= 10000 {
			return fmt.Errorf("fee rates for %s must be non-negative and sum below 10000 bps", productType)
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
