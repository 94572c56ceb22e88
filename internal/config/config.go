// Package config loads escrow service configuration from the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config is built once at process start and passed to the components that need it.
type Config struct {
	Port      string
	Env       string
	LogLevel  string
	LogFormat string

	// Database. DatabaseURL wins over the individual DB_* parts.
	DatabaseURL string
	DBHost      string
	DBPort      string
	DBUser      string
	DBPassword  string
	DBName      string
	DBSchema    string

	// Payment gateway
	Gateway           string // "paystack" or "mock"
	PaystackSecretKey string
	PaystackBaseURL   string
	GatewayTimeout    time.Duration
	ClaimLease        time.Duration // 0 derives it from GatewayTimeout
	GatewayRPS        float64
	CallbackURL       string
	TransferSource    string
	MaxEscrowAmount   decimal.Decimal
	DefaultCurrency   string

	// Escrow policy
	HoldWindow             time.Duration
	DefaultMerchantAccount string
	ExpirePending          bool

	// Workers
	AutoReleaseInterval time.Duration
	ReconcileInterval   time.Duration
	ReconcileStaleAfter time.Duration

	CORSAllowedOrigins []string
	OTLPEndpoint       string
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultGateway             = "paystack"
	DefaultPaystackBaseURL     = "https://api.paystack.co"
	DefaultGatewayTimeout      = 30 * time.Second
	DefaultGatewayRPS          = 10
	DefaultHoldWindow          = 7 * 24 * time.Hour
	DefaultAutoReleaseInterval = 5 * time.Minute
	DefaultReconcileInterval   = time.Minute
	DefaultReconcileStaleAfter = 10 * time.Minute
	DefaultCurrency            = "GHS"
	DefaultTransferSource      = "balance"
)

// Load reads configuration from environment variables, loading a .env file
// first when one is present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", DefaultPort),
		Env:         getEnv("ENV", DefaultEnv),
		LogLevel:    getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:   getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		DBHost:      getEnv("DB_HOST", "localhost"),
		DBPort:      getEnv("DB_PORT", "5432"),
		DBUser:      os.Getenv("DB_USERNAME"),
		DBPassword:  os.Getenv("DB_PASSWORD"),
		DBName:      os.Getenv("DB_DATABASE"),
		DBSchema:    getEnv("DB_SCHEMA", "public"),

		Gateway:           strings.ToLower(getEnv("GATEWAY", DefaultGateway)),
		PaystackSecretKey: os.Getenv("PAYSTACK_SECRET_KEY"),
		PaystackBaseURL:   getEnv("PAYSTACK_BASE_URL", DefaultPaystackBaseURL),
		CallbackURL:       os.Getenv("CALLBACK_URL"),
		TransferSource:    getEnv("TRANSFER_SOURCE", DefaultTransferSource),
		DefaultCurrency:   strings.ToUpper(getEnv("DEFAULT_CURRENCY", DefaultCurrency)),

		DefaultMerchantAccount: os.Getenv("DEFAULT_MERCHANT_ACCOUNT"),
		CORSAllowedOrigins:     splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	var err error
	if cfg.GatewayTimeout, err = getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout); err != nil {
		return nil, err
	}
	if cfg.ClaimLease, err = getEnvDuration("CLAIM_LEASE", 0); err != nil {
		return nil, err
	}
	if cfg.HoldWindow, err = getEnvDuration("ESCROW_HOLD_WINDOW", DefaultHoldWindow); err != nil {
		return nil, err
	}
	if cfg.AutoReleaseInterval, err = getEnvDuration("AUTO_RELEASE_INTERVAL", DefaultAutoReleaseInterval); err != nil {
		return nil, err
	}
	if cfg.ReconcileInterval, err = getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval); err != nil {
		return nil, err
	}
	if cfg.ReconcileStaleAfter, err = getEnvDuration("RECONCILE_STALE_AFTER", DefaultReconcileStaleAfter); err != nil {
		return nil, err
	}
	if cfg.GatewayRPS, err = getEnvFloat("GATEWAY_RPS", DefaultGatewayRPS); err != nil {
		return nil, err
	}
	if cfg.ExpirePending, err = getEnvBool("EXPIRE_PENDING", true); err != nil {
		return nil, err
	}
	if v := os.Getenv("MAX_ESCROW_AMOUNT"); v != "" {
		if cfg.MaxEscrowAmount, err = decimal.NewFromString(v); err != nil {
			return nil, fmt.Errorf("MAX_ESCROW_AMOUNT: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c *Config) Validate() error {
	switch c.Gateway {
	case "paystack":
		if c.PaystackSecretKey == "" {
			return fmt.Errorf("PAYSTACK_SECRET_KEY is required when GATEWAY=paystack")
		}
		if _, err := url.ParseRequestURI(c.PaystackBaseURL); err != nil {
			return fmt.Errorf("PAYSTACK_BASE_URL is not a valid URL: %w", err)
		}
	case "mock":
		if c.IsProduction() {
			return fmt.Errorf("GATEWAY=mock is not allowed in production")
		}
	default:
		return fmt.Errorf("GATEWAY must be paystack or mock, got %q", c.Gateway)
	}

	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive")
	}
	if c.ClaimLease != 0 && c.ClaimLease <= c.GatewayTimeout {
		return fmt.Errorf("CLAIM_LEASE must be longer than GATEWAY_TIMEOUT")
	}
	if c.HoldWindow <= 0 {
		return fmt.Errorf("ESCROW_HOLD_WINDOW must be positive")
	}
	if c.AutoReleaseInterval <= 0 || c.ReconcileInterval <= 0 {
		return fmt.Errorf("worker intervals must be positive")
	}
	if c.GatewayRPS <= 0 {
		return fmt.Errorf("GATEWAY_RPS must be positive")
	}
	if c.MaxEscrowAmount.IsNegative() {
		return fmt.Errorf("MAX_ESCROW_AMOUNT must not be negative")
	}
	return nil
}

// PostgresDSN returns the connection string for the pgx driver.
func (c *Config) PostgresDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     c.DBHost + ":" + c.DBPort,
		Path:     "/" + c.DBName,
		RawQuery: url.Values{"sslmode": {"disable"}, "search_path": {c.DBSchema}}.Encode(),
	}
	return u.String()
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
