package common

import (
	"testing"
	"time"
)

func TestConfig_DefaultPort(t *testing.T) {
	cfg := NewDefaultConfig()
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port default = %d, want %d", cfg.Server.Port, 8080)
	}
}

func TestConfig_PortEnvOverride(t *testing.T) {
	t.Setenv("QUEUE_PORT", "9090")

	cfg := NewDefaultConfig()
	applyEnvOverrides(cfg)

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d after env override, want %d", cfg.Server.Port, 9090)
	}
}

func TestConfig_BackendEnvOverride(t *testing.T) {
	t.Setenv("QUEUE_BACKEND", "sql")

	cfg := NewDefaultConfig()
	applyEnvOverrides(cfg)

	if cfg.Backend.Kind != "sql" {
		t.Errorf("Backend.Kind = %q after env override, want %q", cfg.Backend.Kind, "sql")
	}
}

func TestConfig_GeminiKeyEnvOverride(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "gem-from-env")

	cfg := NewDefaultConfig()
	applyEnvOverrides(cfg)

	if cfg.Providers.Gemini.APIKey != "gem-from-env" {
		t.Errorf("Gemini.APIKey = %q, want %q", cfg.Providers.Gemini.APIKey, "gem-from-env")
	}
}

func TestConfig_GeminiKeyGoogleEnvFallback(t *testing.T) {
	t.Setenv("GOOGLE_API_KEY", "google-fallback")

	cfg := NewDefaultConfig()
	applyEnvOverrides(cfg)

	if cfg.Providers.Gemini.APIKey != "google-fallback" {
		t.Errorf("Gemini.APIKey = %q, want %q", cfg.Providers.Gemini.APIKey, "google-fallback")
	}
}

func TestConfig_AuthEnvOverrides(t *testing.T) {
	t.Setenv("QUEUE_AUTH_JWT_SECRET", "secret-from-env")

	cfg := NewDefaultConfig()
	applyEnvOverrides(cfg)

	if cfg.Auth.JWTSecret != "secret-from-env" {
		t.Errorf("Auth.JWTSecret = %q, want %q", cfg.Auth.JWTSecret, "secret-from-env")
	}
}

func TestConfig_ValidateRequired_AllMissing(t *testing.T) {
	cfg := &Config{
		Auth: AuthConfig{JWTSecret: NewDefaultConfig().Auth.JWTSecret},
	}
	missing := cfg.ValidateRequired()
	if len(missing) != 3 {
		t.Errorf("expected 3 missing fields, got %d: %v", len(missing), missing)
	}
}

func TestConfig_ValidateRequired_AllPresent(t *testing.T) {
	cfg := &Config{
		Providers: ProvidersConfig{Gemini: GeminiConfig{APIKey: "gemini-key"}},
		Auth:      AuthConfig{JWTSecret: "real-secret-value", AdminPasswordHash: "$2a$10$examplehasheddata"},
		Backend:   BackendConfig{Kind: "memory"},
	}
	missing := cfg.ValidateRequired()
	if len(missing) != 0 {
		t.Errorf("expected 0 missing fields, got %d: %v", len(missing), missing)
	}
}

func TestConfig_ValidateRequired_SQLBackendNeedsDSN(t *testing.T) {
	cfg := &Config{
		Providers: ProvidersConfig{Gemini: GeminiConfig{APIKey: "gemini-key"}},
		Auth:      AuthConfig{JWTSecret: "real-secret-value", AdminPasswordHash: "$2a$10$examplehasheddata"},
		Backend:   BackendConfig{Kind: "sql"},
	}
	missing := cfg.ValidateRequired()
	if len(missing) != 1 || missing[0] != "backend.sql.dsn" {
		t.Errorf("expected backend.sql.dsn missing, got %v", missing)
	}
}

func TestQueueConfig_GetPollBase_Default(t *testing.T) {
	cfg := &QueueConfig{}
	if got := cfg.GetPollBase(); got != 10*time.Millisecond {
		t.Errorf("GetPollBase() = %v, want 10ms", got)
	}
}

func TestQueueConfig_GetPollBase_Configured(t *testing.T) {
	cfg := &QueueConfig{PollBase: "50ms"}
	if got := cfg.GetPollBase(); got != 50*time.Millisecond {
		t.Errorf("GetPollBase() = %v, want 50ms", got)
	}
}

func TestQueueConfig_GetBackoffMax_InvalidFallsBack(t *testing.T) {
	cfg := &QueueConfig{BackoffMax: "not-a-duration"}
	if got := cfg.GetBackoffMax(); got != 5*time.Minute {
		t.Errorf("GetBackoffMax() = %v, want 5m (fallback for invalid)", got)
	}
}

func TestConfig_NewDefault_QueueFields(t *testing.T) {
	cfg := NewDefaultConfig()
	if cfg.Queue.MaxConcurrent != 5 {
		t.Errorf("MaxConcurrent default = %d, want 5", cfg.Queue.MaxConcurrent)
	}
	if cfg.Backend.Kind != "embedded" {
		t.Errorf("Backend.Kind default = %q, want %q", cfg.Backend.Kind, "embedded")
	}
}
