package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microtaskhub/internal/config"
)

var envKeys = []string{
	"PORT", "GATEWAY_ADDR", "USER_SERVICE_URL", "TASK_SERVICE_URL",
	"FRONTEND_AUTH_USERNAME", "AUTH_USERNAME", "FRONTEND_AUTH_PASSWORD", "AUTH_PASSWORD",
	"FRONTEND_AUTH_PASSWORD_HASH", "AUTH_PASSWORD_HASH", "FRONTEND_API_AUTH_TOKEN", "API_AUTH_TOKEN",
	"LOG_LEVEL", "LOG_FORMAT", "TLS_CERT_FILE", "TLS_KEY_FILE",
	"LOGIN_RATE_LIMIT", "LOGIN_RATE_WINDOW", "RATE_TRUST_FORWARDED_HEADERS",
	"RATE_REDIS_ADDR", "RATE_REDIS_PASSWORD", "RATE_REDIS_TIMEOUT",
	"CORS_ALLOWED_ORIGINS", "CONTENT_SECURITY_POLICY", "PROXY_MAX_IN_FLIGHT", "SHUTDOWN_TIMEOUT",
}

func unsetEnv(t *testing.T) {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestFromEnvDefaults(t *testing.T) {
	unsetEnv(t)

	cfg, err := config.FromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":3000", cfg.Addr)
	assert.Equal(t, "http://user-service:8000", cfg.UserServiceURL.String())
	assert.Equal(t, "http://task-service:8000", cfg.TaskServiceURL.String())
	assert.Equal(t, "admin", cfg.Auth.Username)
	assert.Equal(t, "changeme", cfg.Auth.Password)
	assert.Empty(t, cfg.Auth.Token)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 0, cfg.LoginRateLimit)
	assert.Equal(t, time.Minute, cfg.LoginRateWindow)
	assert.Equal(t, 2*time.Second, cfg.Redis.Timeout)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Nil(t, cfg.CORSAllowedOrigins)
}

func TestFromEnvPrefersFrontendPrefixedCredentials(t *testing.T) {
	unsetEnv(t)
	t.Setenv("FRONTEND_AUTH_USERNAME", "ops")
	t.Setenv("AUTH_USERNAME", "ignored")
	t.Setenv("AUTH_PASSWORD", "s3cret")
	t.Setenv("API_AUTH_TOKEN", "shared-token")

	cfg, err := config.FromEnv()
	require.NoError(t, err)

	assert.Equal(t, "ops", cfg.Auth.Username)
	assert.Equal(t, "s3cret", cfg.Auth.Password)
	assert.Equal(t, "shared-token", cfg.Auth.Token)
}

func TestFromEnvOverrides(t *testing.T) {
	unsetEnv(t)
	t.Setenv("PORT", "8088")
	t.Setenv("USER_SERVICE_URL", "http://127.0.0.1:9001")
	t.Setenv("TASK_SERVICE_URL", "https://tasks.internal/api")
	t.Setenv("LOGIN_RATE_LIMIT", "5")
	t.Setenv("LOGIN_RATE_WINDOW", "30s")
	t.Setenv("RATE_TRUST_FORWARDED_HEADERS", "true")
	t.Setenv("RATE_REDIS_ADDR", "redis:6379")
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("PROXY_MAX_IN_FLIGHT", "16")

	cfg, err := config.FromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":8088", cfg.Addr)
	assert.Equal(t, "127.0.0.1:9001", cfg.UserServiceURL.Host)
	assert.Equal(t, "/api", cfg.TaskServiceURL.Path)
	assert.Equal(t, 5, cfg.LoginRateLimit)
	assert.Equal(t, 30*time.Second, cfg.LoginRateWindow)
	assert.True(t, cfg.TrustForwardedHeaders)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSAllowedOrigins)
	assert.Equal(t, 16, cfg.ProxyMaxInFlight)

	t.Setenv("GATEWAY_ADDR", "127.0.0.1:7000")
	cfg, err = config.FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.Addr)
}

func TestFromEnvRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"USER_SERVICE_URL":  "user-service:8000",
		"TASK_SERVICE_URL":  "://bad",
		"LOGIN_RATE_LIMIT":  "many",
		"LOGIN_RATE_WINDOW": "soon",
		"SHUTDOWN_TIMEOUT":  "1 minute",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			unsetEnv(t)
			t.Setenv(key, value)
			_, err := config.FromEnv()
			require.Error(t, err)
			assert.Contains(t, err.Error(), key)
		})
	}

	t.Run("half TLS pair", func(t *testing.T) {
		unsetEnv(t)
		t.Setenv("TLS_CERT_FILE", "cert.pem")
		_, err := config.FromEnv()
		require.Error(t, err)
	})
}

func TestLoadReadsEnvFileWithoutOverridingEnvironment(t *testing.T) {
	unsetEnv(t)
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("API_AUTH_TOKEN=from-file\nPORT=9999\n"), 0o600))
	t.Setenv("PORT", "4000")

	cfg, err := config.Load(envFile)
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.Auth.Token)
	assert.Equal(t, ":4000", cfg.Addr)
}
