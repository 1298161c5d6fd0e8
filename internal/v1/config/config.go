package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	Port          string
	HomeserverURL string

	// Optional variables with defaults
	GoEnv         string
	LogLevel      string
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Token validation
	AuthIssuer      string
	AuthAudience    string
	SkipAuth        bool
	DevelopmentMode bool
	AllowedOrigins  string

	// Capabilities refresh
	CapabilitiesMinRefresh time.Duration
	HTTPClientTimeout      time.Duration

	// VoIP
	VoipForceRelayOnly         bool
	VoipHandleAssertedIdentity bool

	// Tracing
	OtelCollectorAddr      string
	OtelInsecureSkipVerify bool

	// Rate Limits
	RateLimitAPIGlobal  string
	RateLimitAPIPublic  string
	RateLimitAPIRefresh string
	RateLimitWsIP       string
}

// ValidateEnv validates all required environment variables and returns a Config object
// Returns an error if any required variable is missing or invalid
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Required: HOMESERVER_URL (absolute http(s) URL)
	cfg.HomeserverURL = strings.TrimSuffix(os.Getenv("HOMESERVER_URL"), "/")
	if cfg.HomeserverURL == "" {
		errors = append(errors, "HOMESERVER_URL is required")
	} else if !isValidBaseURL(cfg.HomeserverURL) {
		errors = append(errors, fmt.Sprintf("HOMESERVER_URL must be an absolute http(s) URL (got '%s')", cfg.HomeserverURL))
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// AUTH_ISSUER may be empty: the issuer is then discovered from the homeserver's auth metadata.
	cfg.AuthIssuer = os.Getenv("AUTH_ISSUER")
	if cfg.AuthIssuer != "" && !isValidBaseURL(cfg.AuthIssuer) {
		errors = append(errors, fmt.Sprintf("AUTH_ISSUER must be an absolute http(s) URL (got '%s')", cfg.AuthIssuer))
	}
	cfg.AuthAudience = os.Getenv("AUTH_AUDIENCE")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	var err error
	if cfg.CapabilitiesMinRefresh, err = getDurationOrDefault("CAPABILITIES_MIN_REFRESH", 8*time.Hour); err != nil {
		errors = append(errors, err.Error())
	}
	if cfg.HTTPClientTimeout, err = getDurationOrDefault("HTTP_CLIENT_TIMEOUT", 10*time.Second); err != nil {
		errors = append(errors, err.Error())
	}

	if cfg.VoipForceRelayOnly, err = getBoolOrDefault("VOIP_FORCE_RELAY_ONLY", true); err != nil {
		errors = append(errors, err.Error())
	}
	if cfg.VoipHandleAssertedIdentity, err = getBoolOrDefault("VOIP_HANDLE_ASSERTED_IDENTITY", false); err != nil {
		errors = append(errors, err.Error())
	}

	cfg.OtelCollectorAddr = os.Getenv("OTEL_COLLECTOR_ADDR")
	if cfg.OtelCollectorAddr != "" && !isValidHostPort(cfg.OtelCollectorAddr) {
		errors = append(errors, fmt.Sprintf("OTEL_COLLECTOR_ADDR must be in format 'host:port' (got '%s')", cfg.OtelCollectorAddr))
	}
	cfg.OtelInsecureSkipVerify = os.Getenv("OTEL_INSECURE_SKIP_VERIFY") == "true"

	// Rate Limits (Defaults: M = Minute, H = Hour)
	cfg.RateLimitAPIGlobal = getEnvOrDefault("RATE_LIMIT_API_GLOBAL", "1000-M")
	cfg.RateLimitAPIPublic = getEnvOrDefault("RATE_LIMIT_API_PUBLIC", "100-M")
	cfg.RateLimitAPIRefresh = getEnvOrDefault("RATE_LIMIT_API_REFRESH", "10-M")
	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	return parts[0] != ""
}

// isValidBaseURL checks for an absolute http or https URL with a host
func isValidBaseURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("✅ Environment configuration validated successfully")
	slog.Info("Configuration",
		"port", cfg.Port,
		"homeserver_url", cfg.HomeserverURL,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"redis_password", redactSecret(cfg.RedisPassword),
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"auth_issuer", cfg.AuthIssuer,
		"development_mode", cfg.DevelopmentMode,
		"capabilities_min_refresh", cfg.CapabilitiesMinRefresh.String(),
		"voip_force_relay_only", cfg.VoipForceRelayOnly,
		"rate_limit_api_global", cfg.RateLimitAPIGlobal,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) (time.Duration, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s must be a positive duration (got '%s')", key, value)
	}
	return d, nil
}

func getBoolOrDefault(key string, defaultValue bool) (bool, error) {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean (got '%s')", key, value)
	}
	return b, nil
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
