package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	// Server
	Port           string
	AllowedOrigins string

	// Session validation
	SessionJWKSDomain string
	SessionAudience   string
	SessionHMACSecret string
	SessionCookieName string
	SkipAuth          bool

	// History store
	DatabasePath        string
	HistoryRetentionTTL time.Duration
	HistoryRoomCap      int
	InitialHistoryLimit int
	SweepInterval       time.Duration

	// Message admission
	RateLimitCapacity        int
	RateLimitRefillPerSecond float64

	// Conversation limits
	TypingIdleTimeout   time.Duration
	MessageMaxChars     int
	DisplayNameMaxChars int

	// Connection churn
	RateLimitWsIp string

	// Runtime
	GoEnv           string
	LogLevel        string
	DevelopmentMode bool
}

// ValidateEnv validates all environment variables and returns a Config object
// Returns an error if any variable is invalid; all failures are aggregated
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// PORT (valid port number, defaults to 8080)
	cfg.Port = getEnvOrDefault("PORT", "8080")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	// Session validation: at least one verification path must be configured
	cfg.SessionJWKSDomain = os.Getenv("SESSION_JWKS_DOMAIN")
	cfg.SessionAudience = os.Getenv("SESSION_AUDIENCE")
	cfg.SessionHMACSecret = os.Getenv("SESSION_HMAC_SECRET")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	if cfg.SessionHMACSecret != "" && len(cfg.SessionHMACSecret) < 32 {
		errors = append(errors, fmt.Sprintf("SESSION_HMAC_SECRET must be at least 32 characters (got %d)", len(cfg.SessionHMACSecret)))
	}
	if cfg.SessionHMACSecret == "" && cfg.SessionJWKSDomain == "" && !cfg.SkipAuth {
		errors = append(errors, "session validation requires SESSION_HMAC_SECRET or SESSION_JWKS_DOMAIN (or SKIP_AUTH=true for development)")
	}
	cfg.SessionCookieName = getEnvOrDefault("SESSION_COOKIE_NAME", "parlor_session")

	// History store
	cfg.DatabasePath = getEnvOrDefault("DATABASE_PATH", "parlor.db")
	cfg.HistoryRetentionTTL = parseDurationOption("HISTORY_RETENTION_TTL", 24*time.Hour, &errors)
	cfg.HistoryRoomCap = parseIntOption("HISTORY_ROOM_CAP", 500, &errors)
	cfg.InitialHistoryLimit = parseIntOption("INITIAL_HISTORY_LIMIT", 100, &errors)
	cfg.SweepInterval = parseDurationOption("SWEEP_INTERVAL", 60*time.Second, &errors)

	// Message admission
	cfg.RateLimitCapacity = parseIntOption("RATE_LIMIT_CAPACITY", 10, &errors)
	cfg.RateLimitRefillPerSecond = parseFloatOption("RATE_LIMIT_REFILL_PER_SECOND", 3, &errors)

	// Conversation limits
	cfg.TypingIdleTimeout = parseDurationOption("TYPING_IDLE_TIMEOUT", 3*time.Second, &errors)
	cfg.MessageMaxChars = parseIntOption("MESSAGE_MAX_CHARS", 2000, &errors)
	cfg.DisplayNameMaxChars = parseIntOption("DISPLAY_NAME_MAX_CHARS", 50, &errors)

	// Connection churn (ulule rate format, validated where the limiter is built)
	cfg.RateLimitWsIp = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	// If there are validation errors, return them
	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	// Log validated configuration (with secrets redacted)
	logValidatedConfig(cfg)

	return cfg, nil
}

// parseDurationOption reads a duration variable, falling back to a default
// and recording a validation error for unparseable or non-positive values
func parseDurationOption(key string, defaultValue time.Duration, errors *[]string) time.Duration {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		*errors = append(*errors, fmt.Sprintf("%s must be a positive duration such as '24h' or '3s' (got '%s')", key, raw))
		return defaultValue
	}
	return v
}

// parseIntOption reads a positive integer variable, falling back to a default
func parseIntOption(key string, defaultValue int, errors *[]string) int {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		*errors = append(*errors, fmt.Sprintf("%s must be a positive integer (got '%s')", key, raw))
		return defaultValue
	}
	return v
}

// parseFloatOption reads a positive number variable, falling back to a default
func parseFloatOption(key string, defaultValue float64, errors *[]string) float64 {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		*errors = append(*errors, fmt.Sprintf("%s must be a positive number (got '%s')", key, raw))
		return defaultValue
	}
	return v
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"port", cfg.Port,
		"session_jwks_domain", cfg.SessionJWKSDomain,
		"session_hmac_secret", redactSecret(cfg.SessionHMACSecret),
		"session_cookie_name", cfg.SessionCookieName,
		"skip_auth", cfg.SkipAuth,
		"database_path", cfg.DatabasePath,
		"history_retention_ttl", cfg.HistoryRetentionTTL,
		"history_room_cap", cfg.HistoryRoomCap,
		"initial_history_limit", cfg.InitialHistoryLimit,
		"sweep_interval", cfg.SweepInterval,
		"rate_limit_capacity", cfg.RateLimitCapacity,
		"rate_limit_refill_per_second", cfg.RateLimitRefillPerSecond,
		"typing_idle_timeout", cfg.TypingIdleTimeout,
		"message_max_chars", cfg.MessageMaxChars,
		"display_name_max_chars", cfg.DisplayNameMaxChars,
		"rate_limit_ws_ip", cfg.RateLimitWsIp,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
