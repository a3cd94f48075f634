// Package common provides shared utilities for the queue service.
package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for the queue service.
type Config struct {
	Environment string         `toml:"environment"`
	Server      ServerConfig   `toml:"server"`
	Queue       QueueConfig    `toml:"queue"`
	Backend     BackendConfig  `toml:"backend"`
	Providers   ProvidersConfig `toml:"providers"`
	Logging     LoggingConfig  `toml:"logging"`
	Auth        AuthConfig     `toml:"auth"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// QueueConfig tunes the worker pool's concurrency, retry, and shutdown
// behavior. Duration fields are parsed strings so they round-trip cleanly
// through TOML; Get* accessors apply the runtime's defaults on parse failure.
type QueueConfig struct {
	Name              string `toml:"name"` // "<provider>:<task_type>" dispatch key
	MaxConcurrent     int    `toml:"max_concurrent"`
	PollBase          string `toml:"poll_base"`
	PollMax           string `toml:"poll_max"`
	BackoffBase       string `toml:"backoff_base"`
	BackoffMax        string `toml:"backoff_max"`
	AbortPollInterval string `toml:"abort_poll_interval"`
	ShutdownGrace     string `toml:"shutdown_grace"`

	// DispatchRateLimit caps jobs/sec dispatched across the whole worker
	// pool, independent of MaxConcurrent; 0 leaves dispatch unthrottled.
	DispatchRateLimit float64 `toml:"dispatch_rate_limit"`
	DispatchBurst     int     `toml:"dispatch_burst"`
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// GetPollBase returns the parsed poll-base duration, defaulting to 10ms.
func (c *QueueConfig) GetPollBase() time.Duration { return parseDurationOr(c.PollBase, 10*time.Millisecond) }

// GetPollMax returns the parsed poll-max duration, defaulting to 1s.
func (c *QueueConfig) GetPollMax() time.Duration { return parseDurationOr(c.PollMax, time.Second) }

// GetBackoffBase returns the parsed retry backoff floor, defaulting to 500ms.
func (c *QueueConfig) GetBackoffBase() time.Duration {
	return parseDurationOr(c.BackoffBase, 500*time.Millisecond)
}

// GetBackoffMax returns the parsed retry backoff ceiling, defaulting to 5m.
func (c *QueueConfig) GetBackoffMax() time.Duration { return parseDurationOr(c.BackoffMax, 5*time.Minute) }

// GetAbortPollInterval returns the parsed abort-poll interval, defaulting to 250ms.
func (c *QueueConfig) GetAbortPollInterval() time.Duration {
	return parseDurationOr(c.AbortPollInterval, 250*time.Millisecond)
}

// GetShutdownGrace returns the parsed shutdown grace period, defaulting to 30s.
func (c *QueueConfig) GetShutdownGrace() time.Duration {
	return parseDurationOr(c.ShutdownGrace, 30*time.Second)
}

// BackendConfig selects and configures one of the five storage backends.
type BackendConfig struct {
	Kind string `toml:"kind"` // "memory", "embedded", "cursor", "sql", "cloud"

	DataPath string `toml:"data_path"` // embedded, cursor

	SQL   SQLBackendConfig   `toml:"sql"`
	Cloud CloudBackendConfig `toml:"cloud"`
}

// SQLBackendConfig configures the server-SQL backend (Postgres via bun).
type SQLBackendConfig struct {
	DSN string `toml:"dsn"`
}

// CloudBackendConfig configures the cloud-hosted SQL backend (SurrealDB).
type CloudBackendConfig struct {
	Address   string `toml:"address"`
	Namespace string `toml:"namespace"`
	Database  string `toml:"database"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
}

// ProvidersConfig holds external provider client configurations.
type ProvidersConfig struct {
	Gemini GeminiConfig `toml:"gemini"`
}

// GeminiConfig holds Gemini API configuration.
type GeminiConfig struct {
	APIKey string `toml:"api_key"`
	Model  string `toml:"model"`
}

// AuthConfig holds authentication configuration for the admin HTTP API.
type AuthConfig struct {
	JWTSecret         string `toml:"jwt_secret"`
	TokenExpiry       string `toml:"token_expiry"`        // duration string, default "24h"
	AdminPasswordHash string `toml:"admin_password_hash"` // bcrypt hash, required to mint a token
}

// GetTokenExpiry parses and returns the token expiry duration.
func (c *AuthConfig) GetTokenExpiry() time.Duration {
	d, err := time.ParseDuration(c.TokenExpiry)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string   `toml:"level" mapstructure:"level"`
	Format     string   `toml:"format" mapstructure:"format"`
	Outputs    []string `toml:"outputs" mapstructure:"outputs"`
	FilePath   string   `toml:"file_path" mapstructure:"file_path"`
	MaxSizeMB  int      `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int      `toml:"max_backups" mapstructure:"max_backups"`
}

// NewDefaultConfig returns a Config with sensible defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Queue: QueueConfig{
			Name:              "gemini:prompt",
			MaxConcurrent:     5,
			PollBase:          "10ms",
			PollMax:           "1s",
			BackoffBase:       "500ms",
			BackoffMax:        "5m",
			AbortPollInterval: "250ms",
			ShutdownGrace:     "30s",
		},
		Backend: BackendConfig{
			Kind:     "embedded",
			DataPath: "data/queue",
		},
		Providers: ProvidersConfig{
			Gemini: GeminiConfig{
				Model: "gemini-2.0-flash",
			},
		},
		Auth: AuthConfig{
			JWTSecret:   "dev-jwt-secret-change-in-production",
			TokenExpiry: "24h",
			// AdminPasswordHash is intentionally blank by default: with no
			// hash configured, token issuance is refused rather than left open.
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Outputs:    []string{"console", "file"},
			FilePath:   "./logs/queue.log",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
	}
}

// LoadConfig loads configuration from files with environment overrides.
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	// Load and merge each config file in order (later files override earlier)
	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue // Skip missing files
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("QUEUE_ENV"); env != "" {
		config.Environment = env
	}

	if host := os.Getenv("QUEUE_HOST"); host != "" {
		config.Server.Host = host
	}

	if port := os.Getenv("QUEUE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if level := os.Getenv("QUEUE_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	if backend := os.Getenv("QUEUE_BACKEND"); backend != "" {
		config.Backend.Kind = backend
	}

	if path := os.Getenv("QUEUE_DATA_PATH"); path != "" {
		config.Backend.DataPath = filepath.Join(path, config.Backend.Kind)
	}

	if dsn := os.Getenv("QUEUE_SQL_DSN"); dsn != "" {
		config.Backend.SQL.DSN = dsn
	}

	if addr := os.Getenv("QUEUE_CLOUD_ADDRESS"); addr != "" {
		config.Backend.Cloud.Address = addr
	}

	if v := os.Getenv("QUEUE_AUTH_JWT_SECRET"); v != "" {
		config.Auth.JWTSecret = v
	}
	if v := os.Getenv("QUEUE_AUTH_TOKEN_EXPIRY"); v != "" {
		config.Auth.TokenExpiry = v
	}
	if v := os.Getenv("QUEUE_AUTH_ADMIN_PASSWORD_HASH"); v != "" {
		config.Auth.AdminPasswordHash = v
	}

	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		config.Providers.Gemini.APIKey = v
	} else if v := os.Getenv("GOOGLE_API_KEY"); v != "" {
		config.Providers.Gemini.APIKey = v
	}
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// ValidateRequired returns the names of required configuration fields that
// are missing or left at an insecure default, for startup-time checks in
// production.
func (c *Config) ValidateRequired() []string {
	var missing []string
	if c.Providers.Gemini.APIKey == "" {
		missing = append(missing, "providers.gemini.api_key")
	}
	if c.Auth.JWTSecret == "" || c.Auth.JWTSecret == "dev-jwt-secret-change-in-production" {
		missing = append(missing, "auth.jwt_secret")
	}
	if c.Auth.AdminPasswordHash == "" {
		missing = append(missing, "auth.admin_password_hash")
	}
	switch c.Backend.Kind {
	case "sql":
		if c.Backend.SQL.DSN == "" {
			missing = append(missing, "backend.sql.dsn")
		}
	case "cloud":
		if c.Backend.Cloud.Address == "" {
			missing = append(missing, "backend.cloud.address")
		}
	}
	return missing
}
