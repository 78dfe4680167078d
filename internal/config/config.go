package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/penpost/backend/pkg/payment"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Port        int
	JWTSecret   string
	DatabaseURL string
	RedisURL    string
	CORSOrigins []string

	PaymentProduction bool
	Midtrans          payment.MidtransConfig
	Xendit            payment.XenditConfig
	Stripe            payment.StripeConfig
	PaymentTimeout    time.Duration
	PaymentRetries    int
	ChargeSuccessURL  string
	ChargeExpiry      time.Duration

	ReconcileInterval    time.Duration
	ReconcileStaleAfter  time.Duration
	LedgerReservationTTL time.Duration

	NotifyCallbackURL    string
	NotifyCallbackSecret string
	NotifyMaxAttempts    int
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is applied first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

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

	production := getEnvBool("PAYMENT_PRODUCTION", false)

	cfg := &Config{
		Port:        port,
		JWTSecret:   jwtSecret,
		DatabaseURL: dbURL,
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379/0"),
		CORSOrigins: origins,

		PaymentProduction: production,
		Midtrans: payment.MidtransConfig{
			ServerKey:  getEnv("MIDTRANS_SERVER_KEY", ""),
			SnapURL:    getEnv("MIDTRANS_BASE_URL", ""),
			APIURL:     getEnv("MIDTRANS_API_URL", ""),
			Production: production,
		},
		Xendit: payment.XenditConfig{
			SecretKey:     getEnv("XENDIT_SECRET_KEY", ""),
			CallbackToken: getEnv("XENDIT_CALLBACK_TOKEN", ""),
			BaseURL:       getEnv("XENDIT_BASE_URL", ""),
		},
		Stripe: payment.StripeConfig{
			SecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
			WebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
			BaseURL:       getEnv("STRIPE_BASE_URL", ""),
		},
		PaymentTimeout:   getEnvDuration("PAYMENT_HTTP_TIMEOUT", 15*time.Second),
		PaymentRetries:   getEnvInt("PAYMENT_MAX_RETRIES", 3),
		ChargeSuccessURL: getEnv("CHARGE_SUCCESS_URL", "http://localhost:3000/membership/thanks"),
		ChargeExpiry:     getEnvDuration("CHARGE_EXPIRY", 24*time.Hour),

		ReconcileInterval:    getEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),
		ReconcileStaleAfter:  getEnvDuration("RECONCILE_STALE_AFTER", 30*time.Minute),
		LedgerReservationTTL: getEnvDuration("LEDGER_RESERVATION_TTL", 2*time.Minute),

		NotifyCallbackURL:    getEnv("NOTIFY_CALLBACK_URL", ""),
		NotifyCallbackSecret: getEnv("NOTIFY_CALLBACK_SECRET", ""),
		NotifyMaxAttempts:    getEnvInt("NOTIFY_MAX_ATTEMPTS", 8),
	}

	if cfg.NotifyCallbackURL != "" && cfg.NotifyCallbackSecret == "" {
		return nil, fmt.Errorf("NOTIFY_CALLBACK_SECRET is required when NOTIFY_CALLBACK_URL is set")
	}
	if len(cfg.EnabledGateways()) == 0 {
		return nil, fmt.Errorf("no payment gateway configured (set MIDTRANS_SERVER_KEY, XENDIT_SECRET_KEY or STRIPE_SECRET_KEY)")
	}
	return cfg, nil
}

// EnabledGateways lists the gateways whose key material is present.
// Xendit also needs its callback token, since webhooks cannot be verified without it.
func (c *Config) EnabledGateways() []payment.Gateway {
	var out []payment.Gateway
	if c.Midtrans.ServerKey != "" {
		out = append(out, payment.GatewayMidtrans)
	}
	if c.Xendit.SecretKey != "" && c.Xendit.CallbackToken != "" {
		out = append(out, payment.GatewayXendit)
	}
	if c.Stripe.SecretKey != "" {
		out = append(out, payment.GatewayStripe)
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return fallback
}
