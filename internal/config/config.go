package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// LogFormat is "json", "console" or "ecs".
	LogFormat string `mapstructure:"LOG_FORMAT"`

	StoreDriver string `mapstructure:"STORE_DRIVER"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	SQLitePath  string `mapstructure:"SQLITE_PATH"`

	AuthMode       string `mapstructure:"AUTH_MODE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`

	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	// RateLimitPerMinute of 0 disables per-client throttling.
	RateLimitPerMinute int `mapstructure:"RATE_LIMIT_PER_MINUTE"`
	RateLimitBurst     int `mapstructure:"RATE_LIMIT_BURST"`

	MedicationLookupURL            string        `mapstructure:"MEDICATION_LOOKUP_URL"`
	MedicationLookupTimeout        time.Duration `mapstructure:"MEDICATION_LOOKUP_TIMEOUT"`
	MedicationLookupPolicy         string        `mapstructure:"MEDICATION_LOOKUP_POLICY"`
	MedicationLookupAllowClientURL bool          `mapstructure:"MEDICATION_LOOKUP_ALLOW_CLIENT_URL"`
	MedicationListSource           string        `mapstructure:"MEDICATION_LIST_SOURCE"`

	NotifyTransport    string        `mapstructure:"NOTIFY_TRANSPORT"`
	NotifyWorkers      int           `mapstructure:"NOTIFY_WORKERS"`
	NotifyQueueSize    int           `mapstructure:"NOTIFY_QUEUE_SIZE"`
	NotifyMaxAttempts  int           `mapstructure:"NOTIFY_MAX_ATTEMPTS"`
	NotifyRetryBackoff time.Duration `mapstructure:"NOTIFY_RETRY_BACKOFF"`
	SMTPHost           string        `mapstructure:"SMTP_HOST"`
	SMTPPort           int           `mapstructure:"SMTP_PORT"`
	SMTPUsername       string        `mapstructure:"SMTP_USERNAME"`
	SMTPPassword       string        `mapstructure:"SMTP_PASSWORD"`
	SMTPFrom           string        `mapstructure:"SMTP_FROM"`

	MetricsEnabled bool `mapstructure:"METRICS_ENABLED"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "LOG_FORMAT",
	"STORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "SQLITE_PATH",
	"AUTH_MODE", "AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL",
	"CORS_ORIGINS", "REQUEST_TIMEOUT", "BODY_LIMIT", "RATE_LIMIT_PER_MINUTE", "RATE_LIMIT_BURST",
	"MEDICATION_LOOKUP_URL", "MEDICATION_LOOKUP_TIMEOUT", "MEDICATION_LOOKUP_POLICY",
	"MEDICATION_LOOKUP_ALLOW_CLIENT_URL", "MEDICATION_LIST_SOURCE",
	"NOTIFY_TRANSPORT", "NOTIFY_WORKERS", "NOTIFY_QUEUE_SIZE", "NOTIFY_MAX_ATTEMPTS",
	"NOTIFY_RETRY_BACKOFF", "SMTP_HOST", "SMTP_PORT", "SMTP_USERNAME", "SMTP_PASSWORD", "SMTP_FROM",
	"METRICS_ENABLED",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "")
	v.SetDefault("STORE_DRIVER", "postgres")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("SQLITE_PATH", "patients.db")
	v.SetDefault("AUTH_MODE", "")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("RATE_LIMIT_PER_MINUTE", 60)
	v.SetDefault("RATE_LIMIT_BURST", 60)
	v.SetDefault("MEDICATION_LOOKUP_URL", "http://localhost:8001/api/")
	v.SetDefault("MEDICATION_LOOKUP_TIMEOUT", "3s")
	v.SetDefault("MEDICATION_LOOKUP_POLICY", "advisory")
	v.SetDefault("MEDICATION_LOOKUP_ALLOW_CLIENT_URL", false)
	v.SetDefault("MEDICATION_LIST_SOURCE", "request_body")
	v.SetDefault("NOTIFY_TRANSPORT", "log")
	v.SetDefault("NOTIFY_WORKERS", 2)
	v.SetDefault("NOTIFY_QUEUE_SIZE", 100)
	v.SetDefault("NOTIFY_MAX_ATTEMPTS", 3)
	v.SetDefault("NOTIFY_RETRY_BACKOFF", "1s")
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("SMTP_FROM", "no-reply@localhost")
	v.SetDefault("METRICS_ENABLED", true)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.StoreDriver == "postgres" && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is \"postgres\"")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise development environments get "development"
// (no token required) and everything else gets "jwt".
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "postgres", "sqlite", "memory":
	default:
		return fmt.Errorf("STORE_DRIVER must be \"postgres\", \"sqlite\" or \"memory\", got %q", c.StoreDriver)
	}

	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
	case "jwt":
		if c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
			return fmt.Errorf("AUTH_SIGNING_KEY or AUTH_JWKS_URL must be set when AUTH_MODE is \"jwt\"")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}

	if c.RateLimitPerMinute < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE and RATE_LIMIT_BURST must not be negative")
	}

	switch c.MedicationLookupPolicy {
	case "advisory", "required":
	default:
		return fmt.Errorf("MEDICATION_LOOKUP_POLICY must be \"advisory\" or \"required\", got %q", c.MedicationLookupPolicy)
	}
	if c.MedicationLookupTimeout <= 0 {
		return fmt.Errorf("MEDICATION_LOOKUP_TIMEOUT must be positive")
	}

	switch c.MedicationListSource {
	case "request_body", "lookup":
	default:
		return fmt.Errorf("MEDICATION_LIST_SOURCE must be \"request_body\" or \"lookup\", got %q", c.MedicationListSource)
	}

	switch c.NotifyTransport {
	case "log":
	case "smtp":
		if c.SMTPHost == "" {
			return fmt.Errorf("SMTP_HOST is required when NOTIFY_TRANSPORT is \"smtp\"")
		}
	default:
		return fmt.Errorf("NOTIFY_TRANSPORT must be \"log\" or \"smtp\", got %q", c.NotifyTransport)
	}
	if c.NotifyWorkers < 1 || c.NotifyQueueSize < 1 || c.NotifyMaxAttempts < 1 {
		return fmt.Errorf("NOTIFY_WORKERS, NOTIFY_QUEUE_SIZE and NOTIFY_MAX_ATTEMPTS must be at least 1")
	}
	if c.NotifyRetryBackoff <= 0 {
		return fmt.Errorf("NOTIFY_RETRY_BACKOFF must be positive")
	}

	return nil
}
