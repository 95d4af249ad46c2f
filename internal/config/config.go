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

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Persistence
	StoreBackend  string // memory, postgres or mongo
	DatabaseURL   string // PostgreSQL; ledger and admin log live here for every non-memory backend
	MongoURI      string
	MongoDatabase string

	// Escrow maturity
	MaturityHold     time.Duration // ESCROW_MATURITY_HOLD_SECONDS
	EscrowBatchSize  int
	MaturityInterval time.Duration
	MaturityEnabled  bool

	// Payout scheduling
	PayoutInterval time.Duration
	PayoutEnabled  bool

	// Reconciliation
	ReconcileInterval time.Duration
	ReconcileEnabled  bool
	StuckThreshold    time.Duration
	AlertWebhookURL   string

	// Payment provider
	StripeSecretKey string

	// Public API throttling; 0 disables
	RateLimitPerMinute int

	// Admin API
	AdminSecret    string // super_admin
	OperatorSecret string // operator

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultMongoDatabase     = "keymarket"
	DefaultMaturityHold      = 7 * 24 * time.Hour
	DefaultEscrowBatchSize   = 100
	DefaultMaturityInterval  = 5 * time.Minute
	DefaultPayoutInterval    = 15 * time.Minute
	DefaultReconcileInterval = 30 * time.Minute
	DefaultStuckThreshold    = time.Hour
	DefaultRateLimit         = 60
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		StoreBackend:       strings.ToLower(os.Getenv("STORE_BACKEND")),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		MongoURI:           os.Getenv("MONGO_URI"),
		MongoDatabase:      getEnv("MONGO_DATABASE", DefaultMongoDatabase),
		MaturityHold:       time.Duration(getEnvInt64("ESCROW_MATURITY_HOLD_SECONDS", int64(DefaultMaturityHold/time.Second))) * time.Second,
		EscrowBatchSize:    int(getEnvInt64("ESCROW_BATCH_SIZE", DefaultEscrowBatchSize)),
		MaturityInterval:   getEnvDuration("MATURITY_INTERVAL", DefaultMaturityInterval),
		MaturityEnabled:    getEnvBool("MATURITY_ENABLED", true),
		PayoutInterval:     getEnvDuration("PAYOUT_INTERVAL", DefaultPayoutInterval),
		PayoutEnabled:      getEnvBool("PAYOUT_ENABLED", true),
		ReconcileInterval:  getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		ReconcileEnabled:   getEnvBool("RECONCILE_ENABLED", true),
		StuckThreshold:     getEnvDuration("STUCK_THRESHOLD", DefaultStuckThreshold),
		AlertWebhookURL:    os.Getenv("ALERT_WEBHOOK_URL"),
		StripeSecretKey:    os.Getenv("STRIPE_SECRET_KEY"),
		RateLimitPerMinute: int(getEnvInt64("RATE_LIMIT_PER_MINUTE", DefaultRateLimit)),
		AdminSecret:        os.Getenv("ADMIN_SECRET"),
		OperatorSecret:     os.Getenv("OPERATOR_SECRET"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	// Backend defaults to postgres when a database is configured.
	if cfg.StoreBackend == "" {
		cfg.StoreBackend = BackendMemory
		if cfg.DatabaseURL != "" {
			cfg.StoreBackend = BackendPostgres
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for STORE_BACKEND=postgres")
		}
	case BackendMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("MONGO_URI is required for STORE_BACKEND=mongo")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for STORE_BACKEND=mongo (ledger and admin log)")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be memory, postgres or mongo, got %q", c.StoreBackend)
	}

	if c.MaturityHold <= 0 {
		return fmt.Errorf("ESCROW_MATURITY_HOLD_SECONDS must be positive")
	}
	if c.EscrowBatchSize <= 0 {
		return fmt.Errorf("ESCROW_BATCH_SIZE must be positive")
	}
	if c.MaturityInterval <= 0 || c.PayoutInterval <= 0 || c.ReconcileInterval <= 0 {
		return fmt.Errorf("job intervals must be positive")
	}

	if c.RateLimitPerMinute < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must not be negative")
	}

	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	if c.AdminSecret != "" && c.AdminSecret == c.OperatorSecret {
		return fmt.Errorf("ADMIN_SECRET and OPERATOR_SECRET must differ")
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s", "5m") or bare seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
