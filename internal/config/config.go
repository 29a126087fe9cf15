package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
// Values are loaded from environment variables with sensible defaults.
type Config struct {
	// Server
	Port     int
	LogLevel string

	// Persistence
	DatabaseURL string

	// Bank API
	BankHTTPTimeout  time.Duration
	TokenMargin      time.Duration
	RegisterAttempts int // attempt ceiling before a slip goes to ERROR

	// Resilience
	MaxRetries     int
	InitialBackoff time.Duration
	MaxConcurrency int

	// Batch jobs
	JobsEnabled      bool
	GenerateInterval time.Duration
	RegisterInterval time.Duration
	SyncInterval     time.Duration
	SyncBatchSize    int

	// Cache
	CacheTTL time.Duration

	// Observability
	OTLPEndpoint string

	// Operational API auth
	APITokenSecret string

	// Notifications
	MailerURL string
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DatabaseURL: getEnv("DATABASE_URL", "postgres://localhost:5432/cobranca?sslmode=disable"),

		BankHTTPTimeout:  getEnvDuration("BANK_HTTP_TIMEOUT", 30*time.Second),
		TokenMargin:      getEnvDuration("BANK_TOKEN_MARGIN", 60*time.Second),
		RegisterAttempts: getEnvInt("REGISTER_ATTEMPT_CEILING", 3),

		MaxRetries:     getEnvInt("MAX_RETRIES", 3),
		InitialBackoff: getEnvDuration("INITIAL_BACKOFF", 100*time.Millisecond),
		MaxConcurrency: getEnvInt("MAX_CONCURRENCY", 10),

		JobsEnabled:      getEnv("JOBS_ENABLED", "true") == "true",
		GenerateInterval: getEnvDuration("GENERATE_INTERVAL", 6*time.Hour),
		RegisterInterval: getEnvDuration("REGISTER_INTERVAL", 15*time.Minute),
		SyncInterval:     getEnvDuration("SYNC_INTERVAL", 30*time.Minute),
		SyncBatchSize:    getEnvInt("SYNC_BATCH_SIZE", 100),

		CacheTTL: getEnvDuration("CACHE_TTL", 5*time.Minute),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),

		APITokenSecret: getEnv("API_TOKEN_SECRET", "cobranca-default-dev-secret-change-me"),

		MailerURL: getEnv("MAILER_URL", ""),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
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
