package config

import (
	"strings"
	"testing"
	"time"
)

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"PORT",
		"LOG_LEVEL",
		"OPENAI_API_KEY",
		"OPENAI_REALTIME_URL",
		"OPENAI_REALTIME_MODEL",
		"SESSION_BACKEND",
		"REDIS_URL",
		"PROGRESS_BACKEND",
		"MONGODB_URI",
		"MONGODB_DATABASE",
		"DATABASE_URL",
		"JWT_SECRET",
		"GEMINI_API_KEY",
		"DEVICE_READ_IDLE_TIMEOUT",
		"DEVICE_MAX_PING_FAILURES",
		"DEVICE_PREEMPT_WAIT",
		"SESSION_TTL",
		"SESSION_SWEEP_INTERVAL",
		"SHUTDOWN_TIMEOUT",
		"AUDIO_NORMALIZE",
		"REQUIRE_DEVICE_AUTH",
		"METRICS_NAMESPACE",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.SessionBackend != BackendMemory || cfg.ProgressBackend != BackendMemory {
		t.Errorf("Backends = %q/%q, want memory", cfg.SessionBackend, cfg.ProgressBackend)
	}
	if cfg.DeviceReadIdleTimeout != 300*time.Second {
		t.Errorf("DeviceReadIdleTimeout = %v, want 300s", cfg.DeviceReadIdleTimeout)
	}
	if cfg.DeviceMaxPingFailures != 3 {
		t.Errorf("DeviceMaxPingFailures = %d, want 3", cfg.DeviceMaxPingFailures)
	}
	if cfg.SessionTTL != time.Hour {
		t.Errorf("SessionTTL = %v, want 1h", cfg.SessionTTL)
	}
	if cfg.RequireDeviceAuth {
		t.Error("RequireDeviceAuth should default to false")
	}
}

func TestLoadOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("OPENAI_API_KEY", "  sk-test  ")
	t.Setenv("SESSION_BACKEND", "Redis")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("DEVICE_READ_IDLE_TIMEOUT", "45s")
	t.Setenv("DEVICE_MAX_PING_FAILURES", "5")
	t.Setenv("AUDIO_NORMALIZE", "yes")
	t.Setenv("REQUIRE_DEVICE_AUTH", "on")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.OpenAIAPIKey != "sk-test" {
		t.Errorf("OpenAIAPIKey = %q, want trimmed key", cfg.OpenAIAPIKey)
	}
	if cfg.SessionBackend != BackendRedis {
		t.Errorf("SessionBackend = %q, want redis", cfg.SessionBackend)
	}
	if cfg.DeviceReadIdleTimeout != 45*time.Second || cfg.DeviceMaxPingFailures != 5 {
		t.Errorf("Device liveness = %v/%d", cfg.DeviceReadIdleTimeout, cfg.DeviceMaxPingFailures)
	}
	if !cfg.AudioNormalize || !cfg.RequireDeviceAuth {
		t.Error("Bool overrides were not applied")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"DEVICE_READ_IDLE_TIMEOUT", "five minutes"},
		{"DEVICE_MAX_PING_FAILURES", "three"},
		{"AUDIO_NORMALIZE", "maybe"},
		{"SESSION_TTL", "1 hour"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.key) {
				t.Errorf("Load() error = %v, want error naming %s", err, tt.key)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	setCoreEnvEmpty(t)
	base, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing api key", func(c *Config) {}, "OPENAI_API_KEY"},
		{"valid", func(c *Config) { c.OpenAIAPIKey = "sk" }, ""},
		{"redis without url", func(c *Config) {
			c.OpenAIAPIKey = "sk"
			c.SessionBackend = BackendRedis
		}, "REDIS_URL"},
		{"mongo without uri", func(c *Config) {
			c.OpenAIAPIKey = "sk"
			c.ProgressBackend = BackendMongo
		}, "MONGODB_URI"},
		{"postgres without url", func(c *Config) {
			c.OpenAIAPIKey = "sk"
			c.ProgressBackend = BackendPostgres
		}, "DATABASE_URL"},
		{"unknown backend", func(c *Config) {
			c.OpenAIAPIKey = "sk"
			c.ProgressBackend = "sqlite"
		}, "PROGRESS_BACKEND"},
		{"zero ping failures", func(c *Config) {
			c.OpenAIAPIKey = "sk"
			c.DeviceMaxPingFailures = 0
		}, "DEVICE_MAX_PING_FAILURES"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want %s", err, tt.wantErr)
			}
		})
	}
}
