// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration. Fee rates, confirmation
// thresholds and RPC endpoints are explicit here and passed into
// constructors; nothing reads ambient global state at call time.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Wallet RPC settings
	WalletRPCURL      string
	WalletRPCUser     string
	WalletRPCPassword string
	WalletAccount     uint32        // account index escrow subaddresses are created under
	RPCTimeout        time.Duration // per-call deadline for wallet RPC requests
	RPCReadRetries    int           // bounded retries for idempotent reads only
	RPCRateLimit      float64       // wallet RPC requests per second

	// Escrow settings
	FeeBps                int64  // platform fee in basis points
	ConfirmationThreshold uint64 // confirmations before a deposit counts as final
	TransferPriority      uint32 // wallet transfer priority for settlements

	// Reconciliation
	ReconcileInterval time.Duration

	// HTTP
	AllowedOrigins []string // CORS origins; ["*"] allows any

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for traces; empty disables tracing
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultWalletRPCURL      = "http://127.0.0.1:18083/json_rpc"
	DefaultFeeBps            = 25
	DefaultConfirmations     = 10
	DefaultRPCTimeout        = 30 * time.Second
	DefaultRPCReadRetries    = 3
	DefaultRPCRateLimit      = 10.0
	DefaultReconcileInterval = time.Minute
	DefaultTransferPriority  = 1
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		WalletRPCURL:          getEnv("WALLET_RPC_URL", DefaultWalletRPCURL),
		WalletRPCUser:         os.Getenv("WALLET_RPC_USER"),
		WalletRPCPassword:     os.Getenv("WALLET_RPC_PASSWORD"),
		WalletAccount:         uint32(getEnvInt64("WALLET_ACCOUNT", 0)),
		RPCTimeout:            getEnvDuration("WALLET_RPC_TIMEOUT", DefaultRPCTimeout),
		RPCReadRetries:        int(getEnvInt64("WALLET_RPC_READ_RETRIES", DefaultRPCReadRetries)),
		RPCRateLimit:          getEnvFloat("WALLET_RPC_RATE_LIMIT", DefaultRPCRateLimit),
		FeeBps:                getEnvInt64("FEE_BPS", DefaultFeeBps),
		ConfirmationThreshold: uint64(getEnvInt64("CONFIRMATION_THRESHOLD", DefaultConfirmations)),
		TransferPriority:      uint32(getEnvInt64("TRANSFER_PRIORITY", DefaultTransferPriority)),
		ReconcileInterval:     getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		AllowedOrigins:        strings.Split(getEnv("ALLOWED_ORIGINS", "*"), ","),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane.
func (c *Config) Validate() error {
	if c.WalletRPCURL == "" {
		return fmt.Errorf("WALLET_RPC_URL is required")
	}
	if c.FeeBps < 0 || c.FeeBps > 10000 {
		return fmt.Errorf("FEE_BPS must be between 0 and 10000, got %d", c.FeeBps)
	}
	if c.ConfirmationThreshold == 0 {
		return fmt.Errorf("CONFIRMATION_THRESHOLD must be at least 1")
	}
	if c.RPCTimeout <= 0 {
		return fmt.Errorf("WALLET_RPC_TIMEOUT must be positive")
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

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
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
