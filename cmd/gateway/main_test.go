package main

import (
	"net/url"
	"testing"
	"time"

	"microtaskhub/internal/config"
)

func baseConfig(t *testing.T) *config.Config {
	t.Helper()
	users, _ := url.Parse("http://user-service:8000")
	tasks, _ := url.Parse("http://task-service:8000")
	return &config.Config{
		Addr:            ":3000",
		UserServiceURL:  users,
		TaskServiceURL:  tasks,
		Auth:            config.AuthConfig{Username: "admin", Password: "changeme"},
		LoginRateWindow: time.Minute,
	}
}

func TestApplyFlagsKeepsEnvironmentWhenUnset(t *testing.T) {
	cfg := baseConfig(t)
	if err := applyFlags(cfg, flagOverrides{loginLimit: -1, maxInFlight: -1}); err != nil {
		t.Fatalf("applyFlags error: %v", err)
	}
	if cfg.Addr != ":3000" {
		t.Fatalf("expected addr to stay :3000, got %q", cfg.Addr)
	}
	if cfg.LoginRateLimit != 0 || cfg.ProxyMaxInFlight != 0 {
		t.Fatalf("expected limits untouched, got %d and %d", cfg.LoginRateLimit, cfg.ProxyMaxInFlight)
	}
}

func TestApplyFlagsOverrides(t *testing.T) {
	cfg := baseConfig(t)
	err := applyFlags(cfg, flagOverrides{
		addr:           "127.0.0.1:8080",
		userServiceURL: "http://localhost:8001",
		taskServiceURL: "http://localhost:8002/api",
		logLevel:       "debug",
		loginLimit:     5,
		loginWindow:    30 * time.Second,
		redisAddr:      "redis:6379",
		maxInFlight:    16,
	})
	if err != nil {
		t.Fatalf("applyFlags error: %v", err)
	}
	if cfg.Addr != "127.0.0.1:8080" {
		t.Fatalf("unexpected addr %q", cfg.Addr)
	}
	if cfg.UserServiceURL.Host != "localhost:8001" || cfg.TaskServiceURL.Path != "/api" {
		t.Fatalf("unexpected upstreams %s %s", cfg.UserServiceURL, cfg.TaskServiceURL)
	}
	if cfg.LoginRateLimit != 5 || cfg.LoginRateWindow != 30*time.Second {
		t.Fatalf("unexpected login throttle %d/%s", cfg.LoginRateLimit, cfg.LoginRateWindow)
	}
	if cfg.Redis.Addr != "redis:6379" || cfg.ProxyMaxInFlight != 16 || cfg.Log.Level != "debug" {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
}

func TestApplyFlagsRejectsInvalidInput(t *testing.T) {
	for name, flags := range map[string]flagOverrides{
		"relative upstream": {userServiceURL: "user-service:8000", loginLimit: -1, maxInFlight: -1},
		"half TLS pair":     {tlsCert: "cert.pem", loginLimit: -1, maxInFlight: -1},
	} {
		if err := applyFlags(baseConfig(t), flags); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestUpstreamsMapPrefixes(t *testing.T) {
	ups := upstreams(baseConfig(t))
	if len(ups) != 2 {
		t.Fatalf("expected two upstreams, got %d", len(ups))
	}
	if ups[0].Prefix != "/users" || ups[0].Target.Host != "user-service:8000" {
		t.Fatalf("unexpected users upstream %+v", ups[0])
	}
	if ups[1].Prefix != "/tasks" || ups[1].Target.Host != "task-service:8000" {
		t.Fatalf("unexpected tasks upstream %+v", ups[1])
	}
}
