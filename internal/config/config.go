// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mbd888/settle/internal/keys"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool   // apply embedded migrations on startup

	// Escrow program
	ProgramID       string
	Authority       string // marketplace authority, base58
	FeeWallet       string // defaults to Authority
	FeeRateCapBps   uint16
	MinEscrowAmount uint64
	MinNetAmount    uint64

	// Security
	RateLimitRPS     int
	RateLimitBurst   int
	SignatureMaxSkew time.Duration
	CORSOrigins      []string

	// Reconciliation
	ReconcileInterval time.Duration
	ReconcileMaxAge   time.Duration

	// Webhooks
	WebhookWorkers      int
	WebhookAllowPrivate bool // skip the SSRF endpoint check; never in production

	// Tracing
	OTLPEndpoint string

	// DevAirdrop enables POST /v1/dev/airdrop outside production.
	DevAirdrop bool
}

const (
	DefaultProgramID         = "5bCqmbtwBZSvorHtu8PtsFPWoL1drC8Ps7vD5DgwqPPa"
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultFeeRateCapBps     = 1000
	DefaultMinEscrowAmount   = 1_000_000
	DefaultMinNetAmount      = 500_000
	DefaultRateLimit         = 100
	DefaultRateLimitBurst    = 20
	DefaultSignatureMaxSkew  = 5 * time.Minute
	DefaultReconcileInterval = 10 * time.Minute
	DefaultReconcileMaxAge   = 30 * 24 * time.Hour
	DefaultWebhookWorkers    = 4

	maxBasisPoints = 10_000
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	authority := os.Getenv("MARKETPLACE_AUTHORITY")
	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		AutoMigrate:         getEnvBool("DB_AUTO_MIGRATE", false),
		ProgramID:           getEnv("PROGRAM_ID", DefaultProgramID),
		Authority:           authority,
		FeeWallet:           getEnv("MARKETPLACE_FEE_WALLET", authority),
		FeeRateCapBps:       uint16(getEnvInt64("FEE_RATE_CAP_BPS", DefaultFeeRateCapBps)),
		MinEscrowAmount:     getEnvUint64("MIN_ESCROW_AMOUNT", DefaultMinEscrowAmount),
		MinNetAmount:        getEnvUint64("MIN_NET_AMOUNT", DefaultMinNetAmount),
		RateLimitRPS:        int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
		RateLimitBurst:      int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		SignatureMaxSkew:    getEnvDuration("SIGNATURE_MAX_SKEW", DefaultSignatureMaxSkew),
		CORSOrigins:         splitList(getEnv("CORS_ORIGINS", "*")),
		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		ReconcileMaxAge:     getEnvDuration("RECONCILE_MAX_AGE", DefaultReconcileMaxAge),
		WebhookWorkers:      int(getEnvInt64("WEBHOOK_WORKERS", DefaultWebhookWorkers)),
		WebhookAllowPrivate: getEnvBool("WEBHOOK_ALLOW_PRIVATE", false),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		DevAirdrop:          getEnvBool("DEV_AIRDROP", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.Authority == "" {
		return fmt.Errorf("MARKETPLACE_AUTHORITY is required")
	}
	if _, err := keys.Parse(c.Authority); err != nil {
		return fmt.Errorf("MARKETPLACE_AUTHORITY: %w", err)
	}
	if c.FeeWallet != "" {
		if _, err := keys.Parse(c.FeeWallet); err != nil {
			return fmt.Errorf("MARKETPLACE_FEE_WALLET: %w", err)
		}
	}
	if _, err := keys.Parse(c.ProgramID); err != nil {
		return fmt.Errorf("PROGRAM_ID: %w", err)
	}
	if c.FeeRateCapBps == 0 || c.FeeRateCapBps > maxBasisPoints {
		return fmt.Errorf("FEE_RATE_CAP_BPS must be between 1 and %d", maxBasisPoints)
	}
	if c.MinNetAmount > c.MinEscrowAmount && c.MinEscrowAmount != 0 {
		return fmt.Errorf("MIN_NET_AMOUNT must not exceed MIN_ESCROW_AMOUNT")
	}
	if c.SignatureMaxSkew <= 0 {
		return fmt.Errorf("SIGNATURE_MAX_SKEW must be positive")
	}
	if c.WebhookWorkers < 1 {
		return fmt.Errorf("WEBHOOK_WORKERS must be at least 1")
	}
	if c.WebhookAllowPrivate && c.IsProduction() {
		return fmt.Errorf("WEBHOOK_ALLOW_PRIVATE cannot be enabled in production")
	}
	if c.DevAirdrop && c.IsProduction() {
		return fmt.Errorf("DEV_AIRDROP cannot be enabled in production")
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

// Keys parses the configured program, authority and fee wallet.
func (c *Config) Keys() (program, authority, feeWallet keys.PublicKey, err error) {
	if program, err = keys.Parse(c.ProgramID); err != nil {
		return
	}
	if authority, err = keys.Parse(c.Authority); err != nil {
		return
	}
	feeWallet = authority
	if c.FeeWallet != "" {
		feeWallet, err = keys.Parse(c.FeeWallet)
	}
	return
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

func getEnvUint64(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseUint(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
