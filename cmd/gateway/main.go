// Command gateway serves the MicroTaskHub browser client, answers logins with
// the shared API token, and forwards /users and /tasks to the upstream
// services.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"microtaskhub/internal/api"
	"microtaskhub/internal/auth"
	"microtaskhub/internal/config"
	"microtaskhub/internal/observability/logging"
	"microtaskhub/internal/observability/metrics"
	"microtaskhub/internal/proxy"
	"microtaskhub/internal/server"
	"microtaskhub/internal/serverutil"
)

type flagOverrides struct {
	addr           string
	envFile        string
	userServiceURL string
	taskServiceURL string
	logLevel       string
	logFormat      string
	tlsCert        string
	tlsKey         string
	loginLimit     int
	loginWindow    time.Duration
	redisAddr      string
	maxInFlight    int
}

func main() {
	var flags flagOverrides
	flag.StringVar(&flags.addr, "addr", "", "HTTP listen address (overrides PORT/GATEWAY_ADDR)")
	flag.StringVar(&flags.envFile, "env-file", "", "path to a .env file (defaults to ./.env)")
	flag.StringVar(&flags.userServiceURL, "user-service-url", "", "base URL of the user service")
	flag.StringVar(&flags.taskServiceURL, "task-service-url", "", "base URL of the task service")
	flag.StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.StringVar(&flags.logFormat, "log-format", "", "log format (json or text)")
	flag.StringVar(&flags.tlsCert, "tls-cert", "", "path to TLS certificate file")
	flag.StringVar(&flags.tlsKey, "tls-key", "", "path to TLS private key file")
	flag.IntVar(&flags.loginLimit, "rate-login-limit", -1, "maximum login attempts per window for a single IP (0 disables)")
	flag.DurationVar(&flags.loginWindow, "rate-login-window", 0, "window for counting login attempts")
	flag.StringVar(&flags.redisAddr, "rate-redis-addr", "", "Redis address for distributed login throttling")
	flag.IntVar(&flags.maxInFlight, "proxy-max-in-flight", -1, "concurrent requests allowed per upstream (0 disables)")
	flag.Parse()

	if err := run(flags); err != nil {
		slog.Error("gateway stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(flags flagOverrides) error {
	var envFiles []string
	if flags.envFile != "" {
		envFiles = append(envFiles, flags.envFile)
	}
	cfg, err := config.Load(envFiles...)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if err := applyFlags(cfg, flags); err != nil {
		return err
	}

	logger := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	recorder := metrics.Default()

	var authOpts []auth.Option
	if cfg.Auth.PasswordHash != "" {
		authOpts = append(authOpts, auth.WithPasswordHash(cfg.Auth.PasswordHash))
	}
	authenticator, err := auth.NewAuthenticator(cfg.Auth.Username, cfg.Auth.Password, cfg.Auth.Token, authOpts...)
	if err != nil {
		return fmt.Errorf("configure login: %w", err)
	}
	if !authenticator.TokenConfigured() {
		logger.Warn("API_AUTH_TOKEN is not set; logins will fail with 500 until it is configured")
	}

	gateway, err := proxy.New(upstreams(cfg), proxy.Options{
		Logger:      logger,
		Metrics:     recorder,
		MaxInFlight: cfg.ProxyMaxInFlight,
	})
	if err != nil {
		return fmt.Errorf("configure proxy: %w", err)
	}

	srv, err := server.New(api.NewHandler(authenticator, recorder, logger), gateway, server.Config{
		Addr: cfg.Addr,
		TLS:  server.TLSConfig{CertFile: cfg.TLS.CertFile, KeyFile: cfg.TLS.KeyFile},
		RateLimit: server.RateLimitConfig{
			LoginLimit:            cfg.LoginRateLimit,
			LoginWindow:           cfg.LoginRateWindow,
			TrustForwardedHeaders: cfg.TrustForwardedHeaders,
			RedisAddr:             cfg.Redis.Addr,
			RedisPassword:         cfg.Redis.Password,
			RedisTimeout:          cfg.Redis.Timeout,
		},
		CORS:     server.CORSConfig{AllowedOrigins: cfg.CORSAllowedOrigins, TrustForwardedHeaders: cfg.TrustForwardedHeaders},
		Security: server.SecurityConfig{ContentSecurityPolicy: cfg.ContentSecurityPolicy},
		Logger:   logger,
		Metrics:  recorder,
	})
	if err != nil {
		return fmt.Errorf("initialise server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Redis.Addr != "" {
		pingCtx, cancel := context.WithTimeout(ctx, cfg.Redis.Timeout)
		if err := srv.Ping(pingCtx); err != nil {
			logger.Warn("login throttle store unreachable; logins answer 503 until it recovers", "addr", cfg.Redis.Addr, "error", err)
		}
		cancel()
	}

	for _, up := range gateway.Upstreams() {
		logger.Info("proxying upstream", "upstream", up.Name, "prefix", up.Prefix, "target", up.Target.String())
	}

	return serverutil.Run(ctx, serverutil.Config{
		Server:          srv.HTTPServer(),
		TLS:             serverutil.TLSConfig{CertFile: srv.TLS().CertFile, KeyFile: srv.TLS().KeyFile},
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger,
		OnListen: func(addr net.Addr) {
			logger.Info("MicroTaskHub gateway ready", "addr", addr.String(), "metrics", "/metrics")
		},
		OnShutdown: []func(context.Context) error{srv.Close},
	})
}

// applyFlags lets command-line values win over the environment.
func applyFlags(cfg *config.Config, flags flagOverrides) error {
	if addr := strings.TrimSpace(flags.addr); addr != "" {
		cfg.Addr = addr
	}
	if v := strings.TrimSpace(flags.logLevel); v != "" {
		cfg.Log.Level = v
	}
	if v := strings.TrimSpace(flags.logFormat); v != "" {
		cfg.Log.Format = v
	}
	if v := strings.TrimSpace(flags.tlsCert); v != "" {
		cfg.TLS.CertFile = v
	}
	if v := strings.TrimSpace(flags.tlsKey); v != "" {
		cfg.TLS.KeyFile = v
	}
	if flags.loginLimit >= 0 {
		cfg.LoginRateLimit = flags.loginLimit
	}
	if flags.loginWindow > 0 {
		cfg.LoginRateWindow = flags.loginWindow
	}
	if v := strings.TrimSpace(flags.redisAddr); v != "" {
		cfg.Redis.Addr = v
	}
	if flags.maxInFlight >= 0 {
		cfg.ProxyMaxInFlight = flags.maxInFlight
	}
	if v := strings.TrimSpace(flags.userServiceURL); v != "" {
		parsed, err := config.ParseUpstreamURL("user-service-url", v)
		if err != nil {
			return err
		}
		cfg.UserServiceURL = parsed
	}
	if v := strings.TrimSpace(flags.taskServiceURL); v != "" {
		parsed, err := config.ParseUpstreamURL("task-service-url", v)
		if err != nil {
			return err
		}
		cfg.TaskServiceURL = parsed
	}
	return cfg.Validate()
}

func upstreams(cfg *config.Config) []proxy.Upstream {
	return []proxy.Upstream{
		{Name: "users", Prefix: "/users", Target: cfg.UserServiceURL},
		{Name: "tasks", Prefix: "/tasks", Target: cfg.TaskServiceURL},
	}
}
