package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultZaloPayEndpoint   = "https://sb-openapi.zalopay.vn"
	defaultReconcileInterval = 2 * time.Minute
	minSecretLength          = 16
)

// Sample credentials published in the provider's docs and in .env templates.
// Starting with any of them would sign real traffic with public keys.
var placeholderSecrets = map[string]bool{
	"changeme":                         true,
	"your-secret-key":                  true,
	"your_jwt_secret":                  true,
	"sdngKKJmqEMzvh5QQcdD2A9XBSKUNaYn": true,
	"trMrHtvjo6myautxDUiAcYsVtaeQ8nhf": true,
	"PcY4iZIKFCIdgZvA6ueMcMHHUbRLYjPL": true,
	"kLtgPl8HHhfvMuDHPwKfgfsY4Ydm9eIz": true,
}

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	DBHost     string
	DBUser     string
	DBPassword string
	DBName     string
	DBPort     string
	AppPort    string
	AppEnv     string
	JWTSecret  string

	// Shared with trusted back-office services; optional.
	InternalSecretKey string

	ZaloPayAppID       string
	ZaloPayKey1        string
	ZaloPayKey2        string
	ZaloPayRefundKey   string
	ZaloPayEndpoint    string
	ZaloPayCallbackURL string
	ZaloPayRedirectURL string

	ReconcileInterval time.Duration
}

// LoadConfig reads the environment (and .env when present) and validates it.
// Missing or weak secrets are an error so the server refuses to start.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DBHost:     os.Getenv("DB_HOST"),
		DBUser:     os.Getenv("DB_USER"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     os.Getenv("DB_NAME"),
		DBPort:     os.Getenv("DB_PORT"),
		AppPort:    getEnv("APP_PORT", "8080"),
		AppEnv:     os.Getenv("APP_ENV"),
		JWTSecret:  os.Getenv("JWT_SECRET"),

		InternalSecretKey: os.Getenv("INTERNAL_SECRET_KEY"),

		ZaloPayAppID:       os.Getenv("ZALOPAY_APP_ID"),
		ZaloPayKey1:        os.Getenv("ZALOPAY_KEY1"),
		ZaloPayKey2:        os.Getenv("ZALOPAY_KEY2"),
		ZaloPayRefundKey:   os.Getenv("ZALOPAY_REFUND_KEY"),
		ZaloPayEndpoint:    getEnv("ZALOPAY_ENDPOINT", defaultZaloPayEndpoint),
		ZaloPayCallbackURL: os.Getenv("ZALOPAY_CALLBACK_URL"),
		ZaloPayRedirectURL: os.Getenv("ZALOPAY_REDIRECT_URL"),

		ReconcileInterval: defaultReconcileInterval,
	}

	if raw := os.Getenv("RECONCILE_INTERVAL"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: RECONCILE_INTERVAL: %v", ErrInvalidConfig, err)
		}
		cfg.ReconcileInterval = d
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var problems []string

	if c.DBHost == "" {
		problems = append(problems, "DB_HOST is not set")
	}
	if c.ZaloPayAppID == "" {
		problems = append(problems, "ZALOPAY_APP_ID is not set")
	}
	if c.ZaloPayCallbackURL == "" {
		problems = append(problems, "ZALOPAY_CALLBACK_URL is not set")
	}

	secrets := []struct {
		name, value string
		optional    bool
	}{
		{"JWT_SECRET", c.JWTSecret, false},
		{"ZALOPAY_KEY1", c.ZaloPayKey1, false},
		{"ZALOPAY_KEY2", c.ZaloPayKey2, false},
		{"ZALOPAY_REFUND_KEY", c.ZaloPayRefundKey, true},
		{"INTERNAL_SECRET_KEY", c.InternalSecretKey, true},
	}
	for _, s := range secrets {
		if msg := checkSecret(s.name, s.value, s.optional); msg != "" {
			problems = append(problems, msg)
		}
	}

	if c.ReconcileInterval <= 0 {
		problems = append(problems, "RECONCILE_INTERVAL must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// RefundKey falls back to key1, which is what the provider uses unless a
// dedicated refund key was issued.
func (c *Config) RefundKey() string {
	if c.ZaloPayRefundKey != "" {
		return c.ZaloPayRefundKey
	}
	return c.ZaloPayKey1
}

func checkSecret(name, value string, optional bool) string {
	switch {
	case value == "" && optional:
		return ""
	case value == "":
		return name + " is not set"
	case placeholderSecrets[value]:
		return name + " uses a default/sample value"
	case len(value) < minSecretLength:
		return fmt.Sprintf("%s must be at least %d characters", name, minSecretLength)
	}
	return ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
