package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultUserAgent is sent when USER_AGENT is unset.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Browser   BrowserConfig
	Render    RenderConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Cache     CacheConfig
	Store     StoreConfig
	Log       LogConfig
	Sentry    SentryConfig
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Host string // default: "0.0.0.0"
	Port int    // default: 8080
	Mode string // "debug", "release", "test"; default: "release"
}

// BrowserConfig controls the Chromium process and its pages.
type BrowserConfig struct {
	// Headless controls whether the browser runs headless.
	Headless bool // default: true

	// NoSandbox disables Chrome's sandbox (needed in Docker).
	NoSandbox bool // default: false

	// BrowserBin overrides the Chromium binary path.
	BrowserBin string

	// UserAgent is applied to every page.
	UserAgent string

	ViewportWidth  int // default: 1920
	ViewportHeight int // default: 1080

	// Stealth injects the go-rod/stealth evasion script into each page.
	Stealth bool // default: false

	// BlockedResourceTypes lists resource types to abort, e.g. "Image,Font".
	// default: none
	BlockedResourceTypes []string
}

// RenderConfig controls timeouts, concurrency and retries.
type RenderConfig struct {
	// Timeout bounds navigation and the selector wait separately.
	Timeout time.Duration // TIMEOUT in ms; default: 30s

	// MaxConcurrent is the default batch ceiling.
	MaxConcurrent int // default: 5

	// MaxRetries is the total number of attempts per request.
	MaxRetries int // default: 3

	// RetryDelay is the fixed pause between attempts.
	RetryDelay time.Duration // RETRY_DELAY in seconds; default: 2s
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	// Enabled toggles API key authentication.
	Enabled bool // default: true

	APIKeys []string
}

// RateLimitConfig controls per-key rate limiting.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate per API key.
	RequestsPerSecond float64 // default: 5

	// Burst is the maximum burst size per API key.
	Burst int // default: 10
}

// CacheConfig controls the render response cache.
type CacheConfig struct {
	// MaxEntries is the maximum number of cached results.
	MaxEntries int // default: 1000
}

// StoreConfig selects where batch jobs and their results live.
type StoreConfig struct {
	Backend     string        // "memory", "redis" or "postgres"; default: "memory"
	RedisURL    string
	DatabaseURL string
	TTL         time.Duration // default: 24h
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string // default: "info"
	Format string // "json" or "console"; default: "json"
}

// SentryConfig enables error reporting when DSN is set.
type SentryConfig struct {
	DSN         string
	Environment string // default: "production"
}

// Load reads configuration from environment variables with sane defaults.
// A .env file in the working directory is read first; variables already
// present in the environment take precedence over it.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Host: envOr("RENDERD_HOST", "0.0.0.0"),
			Port: envIntOr("RENDERD_PORT", 8080),
			Mode: envOr("RENDERD_MODE", "release"),
		},
		Browser: BrowserConfig{
			Headless:             envBoolOr("HEADLESS", true),
			NoSandbox:            envBoolOr("NO_SANDBOX", false),
			BrowserBin:           os.Getenv("BROWSER_BIN"),
			UserAgent:            envOr("USER_AGENT", DefaultUserAgent),
			ViewportWidth:        envPositiveIntOr("VIEWPORT_WIDTH", 1920),
			ViewportHeight:       envPositiveIntOr("VIEWPORT_HEIGHT", 1080),
			Stealth:              envBoolOr("STEALTH", false),
			BlockedResourceTypes: envSliceOr("BLOCKED_RESOURCES", nil),
		},
		Render: RenderConfig{
			Timeout:       envMillisOr("TIMEOUT", 30*time.Second),
			MaxConcurrent: envPositiveIntOr("MAX_CONCURRENT_SCRAPES", 5),
			MaxRetries:    envPositiveIntOr("MAX_RETRIES", 3),
			RetryDelay:    envSecondsOr("RETRY_DELAY", 2*time.Second),
		},
		Auth: AuthConfig{
			Enabled: envBoolOr("RENDERD_AUTH_ENABLED", true),
			APIKeys: envSliceOr("RENDERD_API_KEYS", nil),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: envFloatOr("RENDERD_RATE_RPS", 5.0),
			Burst:             envIntOr("RENDERD_RATE_BURST", 10),
		},
		Cache: CacheConfig{
			MaxEntries: envIntOr("CACHE_MAX_ENTRIES", 1000),
		},
		Store: StoreConfig{
			Backend:     strings.ToLower(envOr("STORE_BACKEND", "memory")),
			RedisURL:    os.Getenv("REDIS_URL"),
			DatabaseURL: os.Getenv("DATABASE_URL"),
			TTL:         envDurationOr("STORE_TTL", 24*time.Hour),
		},
		Log: LogConfig{
			Level:  envOr("RENDERD_LOG_LEVEL", "info"),
			Format: envOr("RENDERD_LOG_FORMAT", "json"),
		},
		Sentry: SentryConfig{
			DSN:         os.Getenv("SENTRY_DSN"),
			Environment: envOr("RENDERD_ENV", "production"),
		},
	}
}

// --- helper functions ---

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envPositiveIntOr(key string, fallback int) int {
	if i := envIntOr(key, fallback); i > 0 {
		return i
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// envMillisOr reads a whole number of milliseconds.
func envMillisOr(key string, fallback time.Duration) time.Duration {
	if ms := envIntOr(key, 0); ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

// envSecondsOr reads a possibly fractional number of seconds. Zero is valid.
func envSecondsOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			return time.Duration(f * float64(time.Second))
		}
	}
	return fallback
}

func envSliceOr(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return fallback
}
