// Package config resolves gateway settings from the process environment and
// optional .env files.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultPort            = "3000"
	defaultUserServiceURL  = "http://user-service:8000"
	defaultTaskServiceURL  = "http://task-service:8000"
	defaultUsername        = "admin"
	defaultPassword        = "changeme"
	defaultLoginWindow     = time.Minute
	defaultRedisTimeout    = 2 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

type Config struct {
	Addr           string
	UserServiceURL *url.URL
	TaskServiceURL *url.URL

	Auth AuthConfig
	Log  LogConfig
	TLS  TLSConfig

	LoginRateLimit        int
	LoginRateWindow       time.Duration
	TrustForwardedHeaders bool
	Redis                 RedisConfig

	CORSAllowedOrigins    []string
	ContentSecurityPolicy string
	ProxyMaxInFlight      int
	ShutdownTimeout       time.Duration
}

// AuthConfig holds the single credential pair accepted by the login endpoint
// and the shared bearer token it hands out.
type AuthConfig struct {
	Username     string
	Password     string
	PasswordHash string
	Token        string
}

type LogConfig struct {
	Level  string
	Format string
}

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type RedisConfig struct {
	Addr     string
	Password string
	Timeout  time.Duration
}

// Load reads the given .env files (or ./.env when none are given) into the
// environment without overriding variables that are already set, then
// resolves the configuration from the environment.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil {
		slog.Warn("env file not loaded, using process environment", "files", envFiles, "error", err)
	}
	return FromEnv()
}

// FromEnv resolves the configuration from the current process environment.
func FromEnv() (*Config, error) {
	userURL, err := ParseUpstreamURL("USER_SERVICE_URL", getEnvWithDefault("USER_SERVICE_URL", defaultUserServiceURL))
	if err != nil {
		return nil, err
	}
	taskURL, err := ParseUpstreamURL("TASK_SERVICE_URL", getEnvWithDefault("TASK_SERVICE_URL", defaultTaskServiceURL))
	if err != nil {
		return nil, err
	}

	loginLimit, err := getEnvAsInt("LOGIN_RATE_LIMIT", 0)
	if err != nil {
		return nil, err
	}
	loginWindow, err := getEnvAsDuration("LOGIN_RATE_WINDOW", defaultLoginWindow)
	if err != nil {
		return nil, err
	}
	trustForwarded, err := getEnvAsBool("RATE_TRUST_FORWARDED_HEADERS", false)
	if err != nil {
		return nil, err
	}
	redisTimeout, err := getEnvAsDuration("RATE_REDIS_TIMEOUT", defaultRedisTimeout)
	if err != nil {
		return nil, err
	}
	maxInFlight, err := getEnvAsInt("PROXY_MAX_IN_FLIGHT", 0)
	if err != nil {
		return nil, err
	}
	shutdownTimeout, err := getEnvAsDuration("SHUTDOWN_TIMEOUT", defaultShutdownTimeout)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Addr:           resolveAddr(),
		UserServiceURL: userURL,
		TaskServiceURL: taskURL,
		Auth: AuthConfig{
			Username:     firstEnv(defaultUsername, "FRONTEND_AUTH_USERNAME", "AUTH_USERNAME"),
			Password:     firstEnv(defaultPassword, "FRONTEND_AUTH_PASSWORD", "AUTH_PASSWORD"),
			PasswordHash: firstEnv("", "FRONTEND_AUTH_PASSWORD_HASH", "AUTH_PASSWORD_HASH"),
			Token:        firstEnv("", "FRONTEND_API_AUTH_TOKEN", "API_AUTH_TOKEN"),
		},
		Log: LogConfig{
			Level:  getEnvWithDefault("LOG_LEVEL", "info"),
			Format: getEnvWithDefault("LOG_FORMAT", "json"),
		},
		TLS: TLSConfig{
			CertFile: strings.TrimSpace(os.Getenv("TLS_CERT_FILE")),
			KeyFile:  strings.TrimSpace(os.Getenv("TLS_KEY_FILE")),
		},
		LoginRateLimit:        loginLimit,
		LoginRateWindow:       loginWindow,
		TrustForwardedHeaders: trustForwarded,
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(os.Getenv("RATE_REDIS_ADDR")),
			Password: os.Getenv("RATE_REDIS_PASSWORD"),
			Timeout:  redisTimeout,
		},
		CORSAllowedOrigins:    splitAndTrim(os.Getenv("CORS_ALLOWED_ORIGINS")),
		ContentSecurityPolicy: strings.TrimSpace(os.Getenv("CONTENT_SECURITY_POLICY")),
		ProxyMaxInFlight:      maxInFlight,
		ShutdownTimeout:       shutdownTimeout,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("both TLS_CERT_FILE and TLS_KEY_FILE must be provided")
	}
	if c.LoginRateLimit < 0 {
		return fmt.Errorf("LOGIN_RATE_LIMIT must not be negative")
	}
	if c.ProxyMaxInFlight < 0 {
		return fmt.Errorf("PROXY_MAX_IN_FLIGHT must not be negative")
	}
	if c.Auth.Username == "" {
		return fmt.Errorf("gateway username must not be empty")
	}
	return nil
}

func resolveAddr() string {
	if addr := strings.TrimSpace(os.Getenv("GATEWAY_ADDR")); addr != "" {
		return addr
	}
	return ":" + getEnvWithDefault("PORT", defaultPort)
}

// ParseUpstreamURL parses an upstream base URL; key names the setting in
// errors.
func ParseUpstreamURL(key, raw string) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", key, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("%s must include scheme and host, got %q", key, raw)
	}
	return parsed, nil
}

func firstEnv(fallback string, keys ...string) string {
	for _, key := range keys {
		if value := os.Getenv(key); value != "" {
			return value
		}
	}
	return fallback
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return value, nil
}

func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return value, nil
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
