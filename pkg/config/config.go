package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/drivelane/fleettrust/pkg/common"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	NATS       NATSConfig
	Sentry     SentryConfig
	Tracing    TracingConfig
	RateLimit  RateLimitConfig
	Heuristics HeuristicsConfig
	Trust      TrustConfig
	Anchor     AnchorConfig
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Port           string
	Environment    string
	ServiceName    string
	ReadTimeout    int
	WriteTimeout   int
	RequestTimeout int // per-route timeout in seconds for ingestion endpoints
	CORSOrigins    string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// NATSConfig holds NATS configuration for the notification sink
type NATSConfig struct {
	URL     string
	Subject string
	Enabled bool
}

// SentryConfig holds Sentry configuration
type SentryConfig struct {
	DSN         string
	Environment string
	Enabled     bool
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Endpoint string
	Enabled  bool
}

// RateLimitConfig holds device ingestion rate limit configuration
type RateLimitConfig struct {
	Enabled       bool
	WindowSeconds int
	Limit         int
	RedisPrefix   string
}

// HeuristicsConfig holds fraud heuristics thresholds
type HeuristicsConfig struct {
	MaxSpeedMPH         float64
	FraudScoreThreshold int
	MaxRollbacks        int
	RollbackWeight      int
	RateWeight          int
	TamperWeight        int
}

// TrustConfig holds trust ledger tuning knobs
type TrustConfig struct {
	CASMaxAttempts int
	CacheTTLSecs   int
}

// AnchorConfig holds anchoring dispatcher configuration
type AnchorConfig struct {
	LedgerURL          string
	LedgerAPIKey       string
	SweepIntervalSecs  int
	SubmitTimeoutSecs  int
	SweepBatchLimit    int
	TripTimeoutMinutes int
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Environment:    getEnv("ENVIRONMENT", "development"),
			ServiceName:    serviceName,
			ReadTimeout:    getEnvAsInt("READ_TIMEOUT", 10),
			WriteTimeout:   getEnvAsInt("WRITE_TIMEOUT", 10),
			RequestTimeout: getEnvAsInt("REQUEST_TIMEOUT", 15),
			CORSOrigins:    getEnv("CORS_ORIGINS", "http://localhost:3000"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "fleettrust"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: getEnvAsInt("DB_MAX_CONNS", 25),
			MinConns: getEnvAsInt("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		NATS: NATSConfig{
			URL:     getEnv("NATS_URL", "nats://localhost:4222"),
			Subject: getEnv("NATS_TRUST_SUBJECT", "fleettrust.trust.changed"),
			Enabled: getEnvAsBool("NATS_ENABLED", false),
		},
		Sentry: SentryConfig{
			DSN:         getEnv("SENTRY_DSN", ""),
			Environment: getEnv("SENTRY_ENVIRONMENT", "development"),
			Enabled:     getEnvAsBool("SENTRY_ENABLED", false),
		},
		Tracing: TracingConfig{
			Endpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Enabled:  getEnvAsBool("TRACING_ENABLED", false),
		},
		RateLimit: RateLimitConfig{
			Enabled:       getEnvAsBool("RATE_LIMIT_ENABLED", true),
			WindowSeconds: getEnvAsInt("RATE_LIMIT_WINDOW", 60),
			Limit:         getEnvAsInt("RATE_LIMIT_MAX", 600),
			RedisPrefix:   getEnv("RATE_LIMIT_PREFIX", "rl"),
		},
		Heuristics: HeuristicsConfig{
			MaxSpeedMPH:         getEnvAsFloat("FRAUD_MAX_SPEED_MPH", 120),
			FraudScoreThreshold: getEnvAsInt("FRAUD_SCORE_THRESHOLD", 60),
			MaxRollbacks:        getEnvAsInt("FRAUD_MAX_ROLLBACKS", 0),
			RollbackWeight:      getEnvAsInt("FRAUD_ROLLBACK_WEIGHT", 40),
			RateWeight:          getEnvAsInt("FRAUD_RATE_WEIGHT", 25),
			TamperWeight:        getEnvAsInt("FRAUD_TAMPER_WEIGHT", 35),
		},
		Trust: TrustConfig{
			CASMaxAttempts: getEnvAsInt("TRUST_CAS_MAX_ATTEMPTS", 5),
			CacheTTLSecs:   getEnvAsInt("TRUST_CACHE_TTL", 30),
		},
		Anchor: AnchorConfig{
			LedgerURL:          getEnv("LEDGER_URL", ""),
			LedgerAPIKey:       getEnv("LEDGER_API_KEY", ""),
			SweepIntervalSecs:  getEnvAsInt("ANCHOR_SWEEP_INTERVAL", 60),
			SubmitTimeoutSecs:  getEnvAsInt("ANCHOR_SUBMIT_TIMEOUT", 10),
			SweepBatchLimit:    getEnvAsInt("ANCHOR_SWEEP_LIMIT", 100),
			TripTimeoutMinutes: getEnvAsInt("TRIP_TIMEOUT_MINUTES", 120),
		},
	}

	return cfg, nil
}

// Validate checks configuration required at startup. Missing or nonsensical
// thresholds are fatal here rather than per-request.
func (c *Config) Validate() error {
	if c.Heuristics.MaxSpeedMPH <= 0 {
		return common.NewConfigurationError("FRAUD_MAX_SPEED_MPH must be positive", nil)
	}
	if c.Heuristics.FraudScoreThreshold < 0 || c.Heuristics.FraudScoreThreshold > 100 {
		return common.NewConfigurationError("FRAUD_SCORE_THRESHOLD must be within [0,100]", nil)
	}
	if c.Trust.CASMaxAttempts <= 0 {
		return common.NewConfigurationError("TRUST_CAS_MAX_ATTEMPTS must be positive", nil)
	}
	return nil
}

// ValidateAnchor checks the extra settings the anchoring daemon needs. The
// API server does not talk to the ledger and skips these.
func (c *Config) ValidateAnchor() error {
	if c.Anchor.SweepIntervalSecs <= 0 {
		return common.NewConfigurationError("ANCHOR_SWEEP_INTERVAL must be positive", nil)
	}
	if c.Anchor.SubmitTimeoutSecs <= 0 {
		return common.NewConfigurationError("ANCHOR_SUBMIT_TIMEOUT must be positive", nil)
	}
	if c.Anchor.TripTimeoutMinutes <= 0 {
		return common.NewConfigurationError("TRIP_TIMEOUT_MINUTES must be positive", nil)
	}
	if c.Anchor.LedgerURL == "" {
		return common.NewConfigurationError("LEDGER_URL is required", nil)
	}
	return nil
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// URL returns the database connection URL used by the migration runner
func (c *DatabaseConfig) URL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// RedisAddr returns the Redis address
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}
