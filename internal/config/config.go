package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AppConfig struct {
	Port            string
	GinMode         string
	CORSOrigin      string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
	LogBodies       bool

	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	OpenAIAPIKey       string
	OpenAIModel        string
	OpenAIBaseURL      string
	ClassifierTimeout  time.Duration
	ClassifierMaxChars int

	GmailCallTimeout time.Duration
	GmailRateLimit   float64
	GmailBurst       int

	RedisURL         string
	ProgressTTL      time.Duration
	DatabaseURL      string
	HistoryRetention int

	MaxEmails        int
	DefaultMaxEmails int
	DefaultBatchSize int
	MetricsInterval  time.Duration
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		Port:            getEnv("PORT", "8080"),
		GinMode:         getEnv("GIN_MODE", "release"),
		CORSOrigin:      getEnv("CORS_ALLOW_ORIGIN", "*"),
		RequestTimeout:  getEnvDuration("REQUEST_TIMEOUT", 10*time.Minute),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		LogBodies:       getEnvBool("LOG_REQUEST_BODIES", false),

		GoogleClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
		GoogleRedirectURL:  os.Getenv("GOOGLE_REDIRECT_URL"),

		OpenAIAPIKey:       os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:        getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:      os.Getenv("OPENAI_BASE_URL"),
		ClassifierTimeout:  getEnvDuration("CLASSIFIER_TIMEOUT", 30*time.Second),
		ClassifierMaxChars: getEnvInt("CLASSIFIER_MAX_BODY_CHARS", 2000),

		GmailCallTimeout: getEnvDuration("GMAIL_CALL_TIMEOUT", 30*time.Second),
		GmailRateLimit:   getEnvFloat("GMAIL_RATE_LIMIT", 10),
		GmailBurst:       getEnvInt("GMAIL_RATE_BURST", 5),

		RedisURL:         os.Getenv("REDIS_URL"),
		ProgressTTL:      getEnvDuration("PROGRESS_TTL", 24*time.Hour),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		HistoryRetention: getEnvInt("HISTORY_RETENTION", 100),

		MaxEmails:        getEnvInt("MAX_EMAILS", 1000),
		DefaultMaxEmails: getEnvInt("DEFAULT_MAX_EMAILS", 100),
		DefaultBatchSize: getEnvInt("DEFAULT_BATCH_SIZE", 50),
		MetricsInterval:  getEnvDuration("METRICS_REPORT_INTERVAL", 5*time.Minute),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) validate() error {
	var problems []string
	if c.MaxEmails <= 0 {
		problems = append(problems, "MAX_EMAILS must be positive")
	}
	if c.DefaultBatchSize <= 0 {
		problems = append(problems, "DEFAULT_BATCH_SIZE must be positive")
	}
	if c.HistoryRetention <= 0 {
		problems = append(problems, "HISTORY_RETENTION must be positive")
	}
	if c.GmailRateLimit < 0 {
		problems = append(problems, "GMAIL_RATE_LIMIT must not be negative")
	}
	if c.GmailRateLimit > 0 && c.GmailBurst < 1 {
		problems = append(problems, "GMAIL_RATE_BURST must be at least 1 when GMAIL_RATE_LIMIT is set")
	}
	if c.MetricsInterval <= 0 {
		problems = append(problems, "METRICS_REPORT_INTERVAL must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *AppConfig) Addr() string { return fmt.Sprintf(":%s", c.Port) }

// OAuthConfigured reports whether the Google OAuth flow can be served.
func (c *AppConfig) OAuthConfigured() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != "" && c.GoogleRedirectURL != ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
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
