package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Session and progress backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendMongo    = "mongo"
	BackendPostgres = "postgres"
)

// Config contains all runtime settings for the bridge server.
type Config struct {
	Port     string
	LogLevel string

	OpenAIAPIKey        string
	OpenAIRealtimeURL   string
	OpenAIRealtimeModel string

	SessionBackend  string
	RedisURL        string
	ProgressBackend string
	MongoURI        string
	MongoDatabase   string
	DatabaseURL     string

	JWTSecret         string
	RequireDeviceAuth bool

	GeminiAPIKey string

	DeviceReadIdleTimeout time.Duration
	DeviceMaxPingFailures int
	DevicePreemptWait     time.Duration

	SessionTTL           time.Duration
	SessionSweepInterval time.Duration
	AudioNormalize       bool
	ShutdownTimeout      time.Duration
	MetricsNamespace     string
}

// Load reads an optional .env file, then the environment, and applies defaults.
func Load() (Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := Config{
		Port:                  envOrDefault("PORT", "8080"),
		LogLevel:              envOrDefault("LOG_LEVEL", "info"),
		OpenAIAPIKey:          stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIRealtimeURL:     envOrDefault("OPENAI_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		OpenAIRealtimeModel:   envOrDefault("OPENAI_REALTIME_MODEL", "gpt-4o-realtime-preview-2024-10-01"),
		SessionBackend:        strings.ToLower(envOrDefault("SESSION_BACKEND", BackendMemory)),
		RedisURL:              stringsTrimSpace("REDIS_URL"),
		ProgressBackend:       strings.ToLower(envOrDefault("PROGRESS_BACKEND", BackendMemory)),
		MongoURI:              stringsTrimSpace("MONGODB_URI"),
		MongoDatabase:         envOrDefault("MONGODB_DATABASE", "storyteller"),
		DatabaseURL:           stringsTrimSpace("DATABASE_URL"),
		JWTSecret:             envOrDefault("JWT_SECRET", "your-secret-key"),
		GeminiAPIKey:          stringsTrimSpace("GEMINI_API_KEY"),
		MetricsNamespace:      envOrDefault("METRICS_NAMESPACE", "storyteller"),
		DeviceReadIdleTimeout: 300 * time.Second,
		DeviceMaxPingFailures: 3,
		DevicePreemptWait:     2 * time.Second,
		SessionTTL:            time.Hour,
		SessionSweepInterval:  5 * time.Minute,
		ShutdownTimeout:       10 * time.Second,
	}

	var err error
	cfg.DeviceReadIdleTimeout, err = durationFromEnv("DEVICE_READ_IDLE_TIMEOUT", cfg.DeviceReadIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.DeviceMaxPingFailures, err = intFromEnv("DEVICE_MAX_PING_FAILURES", cfg.DeviceMaxPingFailures)
	if err != nil {
		return Config{}, err
	}
	cfg.DevicePreemptWait, err = durationFromEnv("DEVICE_PREEMPT_WAIT", cfg.DevicePreemptWait)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionTTL, err = durationFromEnv("SESSION_TTL", cfg.SessionTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionSweepInterval, err = durationFromEnv("SESSION_SWEEP_INTERVAL", cfg.SessionSweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.ShutdownTimeout, err = durationFromEnv("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioNormalize, err = boolFromEnv("AUDIO_NORMALIZE", cfg.AudioNormalize)
	if err != nil {
		return Config{}, err
	}
	cfg.RequireDeviceAuth, err = boolFromEnv("REQUIRE_DEVICE_AUTH", cfg.RequireDeviceAuth)
	if err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks settings that have no usable default.
func (c Config) Validate() error {
	if c.OpenAIAPIKey == "" {
		return errors.New("OPENAI_API_KEY is required")
	}
	if c.DeviceReadIdleTimeout < time.Second {
		return fmt.Errorf("DEVICE_READ_IDLE_TIMEOUT must be at least 1s")
	}
	if c.DeviceMaxPingFailures <= 0 {
		return fmt.Errorf("DEVICE_MAX_PING_FAILURES must be positive")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive")
	}

	switch c.SessionBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required for the redis session backend")
		}
	default:
		return fmt.Errorf("unknown SESSION_BACKEND %q", c.SessionBackend)
	}

	switch c.ProgressBackend {
	case BackendMemory:
	case BackendMongo:
		if c.MongoURI == "" {
			return errors.New("MONGODB_URI is required for the mongo progress backend")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres progress backend")
		}
	default:
		return fmt.Errorf("unknown PROGRESS_BACKEND %q", c.ProgressBackend)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
