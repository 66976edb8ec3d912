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

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Trade windows
	PaymentWindow      time.Duration // time the payer has to pay after a match
	ConfirmationWindow time.Duration // time the payee has to confirm after payment is claimed
	RequestTTL         time.Duration // how long an open trade request stays claimable

	// Proof storage
	ProofDir     string // local directory for uploaded proofs
	ProofBaseURL string // public base URL proofs are served from
	ProofBucket  string

	// Security
	CORSOrigins  []string
	RateLimitRPM int

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for traces (optional)
}

const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultPaymentWindow      = 15 * time.Minute
	DefaultConfirmationWindow = 30 * time.Minute
	DefaultRequestTTL         = 24 * time.Hour
	DefaultProofDir           = "data/proofs"
	DefaultProofBucket        = "payment-proofs"
	DefaultRateLimit          = 120
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", "text"),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		PaymentWindow:      getEnvDuration("PAYMENT_WINDOW", DefaultPaymentWindow),
		ConfirmationWindow: getEnvDuration("CONFIRMATION_WINDOW", DefaultConfirmationWindow),
		RequestTTL:         getEnvDuration("REQUEST_TTL", DefaultRequestTTL),
		ProofDir:           getEnv("PROOF_DIR", DefaultProofDir),
		ProofBaseURL:       getEnv("PROOF_BASE_URL", "/proofs"),
		ProofBucket:        getEnv("PROOF_BUCKET", DefaultProofBucket),
		CORSOrigins:        splitNonEmpty(os.Getenv("CORS_ORIGINS")),
		RateLimitRPM:       int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.PaymentWindow <= 0 {
		return fmt.Errorf("PAYMENT_WINDOW must be positive")
	}
	if c.ConfirmationWindow <= 0 {
		return fmt.Errorf("CONFIRMATION_WINDOW must be positive")
	}
	if c.RequestTTL <= 0 {
		return fmt.Errorf("REQUEST_TTL must be positive")
	}
	if c.IsProduction() && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
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
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
