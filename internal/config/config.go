package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Port        int
	JWTSecret   string
	DatabaseURL string
	CORSOrigins []string

	// Billing provider.
	StripeSecretKey     string
	StripeWebhookSecret string
	StripePriceID       string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string

	// Reconciliation windows.
	MaxCacheAge     time.Duration
	GracePeriod     time.Duration
	ApproachWindow  time.Duration
	ProviderTimeout time.Duration

	// Scheduled auditor.
	AuditSecret      string
	AuditSchedule    string
	AuditFreshness   time.Duration
	AuditConcurrency int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	port, _ := strconv.Atoi(getEnv("PORT", "4001"))

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	dbURL := getEnv("DATABASE_URL", "")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	origins := strings.Split(getEnv("CORS_ORIGINS", "http://localhost:3000"), ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}

	cfg := &Config{
		Port:        port,
		JWTSecret:   jwtSecret,
		DatabaseURL: dbURL,
		CORSOrigins: origins,

		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		StripePriceID:       getEnv("STRIPE_PRICE_ID", ""),
		CheckoutSuccessURL:  getEnv("CHECKOUT_SUCCESS_URL", "http://localhost:3000/billing/success"),
		CheckoutCancelURL:   getEnv("CHECKOUT_CANCEL_URL", "http://localhost:3000/billing"),

		MaxCacheAge:     getDuration("ENTITLEMENT_MAX_CACHE_AGE", 24*time.Hour),
		GracePeriod:     getDuration("ENTITLEMENT_GRACE_PERIOD", 72*time.Hour),
		ApproachWindow:  getDuration("ENTITLEMENT_APPROACH_WINDOW", 7*24*time.Hour),
		ProviderTimeout: getDuration("PROVIDER_TIMEOUT", 10*time.Second),

		AuditSecret:      getEnv("AUDIT_SECRET", ""),
		AuditSchedule:    getEnv("AUDIT_SCHEDULE", "0 4 * * *"),
		AuditFreshness:   getDuration("AUDIT_FRESHNESS", 12*time.Hour),
		AuditConcurrency: getInt("AUDIT_CONCURRENCY", 8),
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
