package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "PAYMENT_WINDOW", "10m")
	setEnv(t, "CORS_ORIGINS", "https://app.example.com, https://staging.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 10*time.Minute, cfg.PaymentWindow)
	assert.Equal(t, DefaultConfirmationWindow, cfg.ConfirmationWindow)
	assert.Equal(t, DefaultRequestTTL, cfg.RequestTTL)
	assert.Equal(t, DefaultProofBucket, cfg.ProofBucket)
	assert.Equal(t, []string{"https://app.example.com", "https://staging.example.com"}, cfg.CORSOrigins)
}

func TestLoad_InvalidWindowFallsBack(t *testing.T) {
	setEnv(t, "PAYMENT_WINDOW", "not_a_duration")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultPaymentWindow, cfg.PaymentWindow)
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		PaymentWindow:      DefaultPaymentWindow,
		ConfirmationWindow: DefaultConfirmationWindow,
		RequestTTL:         DefaultRequestTTL,
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(c *Config) {}, wantErr: ""},
		{
			name:    "zero payment window",
			mutate:  func(c *Config) { c.PaymentWindow = 0 },
			wantErr: "PAYMENT_WINDOW",
		},
		{
			name:    "negative confirmation window",
			mutate:  func(c *Config) { c.ConfirmationWindow = -time.Minute },
			wantErr: "CONFIRMATION_WINDOW",
		},
		{
			name:    "zero request ttl",
			mutate:  func(c *Config) { c.RequestTTL = 0 },
			wantErr: "REQUEST_TTL",
		},
		{
			name:    "production requires database",
			mutate:  func(c *Config) { c.Env = "production" },
			wantErr: "DATABASE_URL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "90s")
	setEnv(t, "TEST_DUR_BAD", "ninety")

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_DUR_BAD", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("NONEXISTENT_VAR", time.Minute))
}
