package app

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the shared configuration for the gateway, worker, and CLI.
// Everything comes from the environment; defaults suit local development.
type Config struct {
	AppEnv     string
	LogLevel   string
	ListenAddr string

	DatabaseURL string
	RedisURL    string
	BrokerURL   string // job/webhook queues; falls back to RedisURL

	// Accepted for deployment compatibility; the worker keeps results in
	// the relational store, not a broker backend.
	ResultBackend string

	DefaultProvider string

	OpenAIBaseURL        string
	OpenAIAPIKey         string
	OpenAITimeoutSeconds int
	OpenAIRetries        int
	OpenAIHTTPReferer    string
	OpenAITitle          string

	DefaultRPMLimit       int
	ModelsCacheTTLSeconds int
	WebhookTimeoutSeconds int

	WorkerConcurrency int
	WorkerMetricsPort int

	PricingPath string

	OTelEnabled  bool
	OTelEndpoint string

	// Accepted but unused; the dashboard is a separate deployment.
	DashboardLogin    string
	DashboardPassword string
}

func LoadConfig() (Config, error) {
	cfg := Config{
		AppEnv:     getEnv("APP_ENV", "dev"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),

		DatabaseURL:   getEnv("DATABASE_URL", "file:gateway.sqlite"),
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379/0"),
		ResultBackend: getEnv("CELERY_RESULT_BACKEND", ""),

		DefaultProvider: getEnv("DEFAULT_PROVIDER", "openai"),

		OpenAIBaseURL:        getEnv("OPENAI_BASE_URL", "https://api.openai.com"),
		OpenAIAPIKey:         getEnv("OPENAI_API_KEY", ""),
		OpenAITimeoutSeconds: getEnvInt("OPENAI_TIMEOUT_SECONDS", 60),
		OpenAIRetries:        getEnvInt("OPENAI_RETRIES", 2),
		OpenAIHTTPReferer:    getEnv("OPENAI_HTTP_REFERER", ""),
		OpenAITitle:          getEnv("OPENAI_TITLE", ""),

		DefaultRPMLimit:       getEnvInt("DEFAULT_RPM_LIMIT", 60),
		ModelsCacheTTLSeconds: getEnvInt("MODELS_CACHE_TTL_SECONDS", 300),
		WebhookTimeoutSeconds: getEnvInt("WEBHOOK_TIMEOUT_SECONDS", 10),

		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 4),
		WorkerMetricsPort: getEnvInt("WORKER_METRICS_PORT", 9090),

		PricingPath: getEnv("PRICING_PATH", ""),

		OTelEnabled:  getEnvBool("OTEL_ENABLED", false),
		OTelEndpoint: getEnv("OTEL_ENDPOINT", "localhost:4318"),

		DashboardLogin:    getEnv("DASHBOARD_LOGIN", ""),
		DashboardPassword: getEnv("DASHBOARD_PASSWORD", ""),
	}
	cfg.BrokerURL = getEnv("CELERY_BROKER_URL", cfg.RedisURL)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.DefaultProvider == "" {
		return fmt.Errorf("DEFAULT_PROVIDER must not be empty")
	}
	if c.OpenAITimeoutSeconds <= 0 {
		return fmt.Errorf("OPENAI_TIMEOUT_SECONDS must be > 0, got %d", c.OpenAITimeoutSeconds)
	}
	if c.OpenAIRetries < 0 {
		return fmt.Errorf("OPENAI_RETRIES must be >= 0, got %d", c.OpenAIRetries)
	}
	if c.WebhookTimeoutSeconds <= 0 {
		return fmt.Errorf("WEBHOOK_TIMEOUT_SECONDS must be > 0, got %d", c.WebhookTimeoutSeconds)
	}
	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be > 0, got %d", c.WorkerConcurrency)
	}
	if c.ModelsCacheTTLSeconds < 0 {
		return fmt.Errorf("MODELS_CACHE_TTL_SECONDS must be >= 0, got %d", c.ModelsCacheTTLSeconds)
	}
	return nil
}

// OpenAITimeout returns the provider timeout as a duration.
func (c Config) OpenAITimeout() time.Duration {
	return time.Duration(c.OpenAITimeoutSeconds) * time.Second
}

// ModelsCacheTTL returns the models cache TTL as a duration.
func (c Config) ModelsCacheTTL() time.Duration {
	return time.Duration(c.ModelsCacheTTLSeconds) * time.Second
}

// WebhookTimeout returns the webhook POST timeout as a duration.
func (c Config) WebhookTimeout() time.Duration {
	return time.Duration(c.WebhookTimeoutSeconds) * time.Second
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}
