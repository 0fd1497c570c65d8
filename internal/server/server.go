package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"microtaskhub/internal/api"
	"microtaskhub/internal/observability/logging"
	"microtaskhub/internal/observability/metrics"
	"microtaskhub/internal/proxy"
	"microtaskhub/web"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr      string
	TLS       TLSConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Security  SecurityConfig
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	// Static overrides the embedded browser bundle.
	Static fs.FS
}

type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	metrics     *metrics.Recorder
	rateLimiter *rateLimiter
	tlsCertFile string
	tlsKeyFile  string
}

func New(handler *api.Handler, gateway *proxy.Gateway, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("api handler is required")
	}
	if gateway == nil {
		return nil, errors.New("proxy gateway is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithComponent(logger, "server")
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	corsCfg := cfg.CORS
	corsCfg.TrustForwardedHeaders = corsCfg.TrustForwardedHeaders || cfg.RateLimit.TrustForwardedHeaders
	policy, err := newCORSPolicy(corsCfg)
	if err != nil {
		return nil, fmt.Errorf("configure CORS: %w", err)
	}

	staticFS := cfg.Static
	if staticFS == nil {
		staticFS, err = web.Static()
		if err != nil {
			return nil, fmt.Errorf("load web assets: %w", err)
		}
	}
	index, err := fs.ReadFile(staticFS, "index.html")
	if err != nil {
		return nil, fmt.Errorf("read web index: %w", err)
	}
	fileServer := http.FileServer(http.FS(staticFS))

	rl := newRateLimiter(cfg.RateLimit)
	security := securityHeadersMiddleware(cfg.Security)

	router := chi.NewRouter()
	router.Use(requestIDMiddleware(logger))
	router.Use(logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger}))
	router.Use(metrics.HTTPMiddleware(recorder))
	router.Use(middleware.Recoverer)
	router.Use(corsMiddleware(policy, logger))

	router.Group(func(r chi.Router) {
		r.Use(security)
		r.Get("/health", handler.Health)
		r.Head("/health", handler.Health)
		r.Method(http.MethodGet, "/metrics", recorder.Handler())
		r.With(loginRateLimitMiddleware(rl, recorder, logger)).Post("/auth/login", handler.Login)
	})

	// Proxied responses keep the upstream's own headers.
	for _, upstream := range gateway.Upstreams() {
		forward, _ := gateway.Handler(upstream.Name)
		router.Handle(upstream.Prefix, forward)
		router.Handle(upstream.Prefix+"/*", forward)
	}

	spa := security(middleware.Compress(5)(spaHandler(staticFS, index, fileServer)))
	router.NotFound(spa.ServeHTTP)
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeMiddlewareError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method))
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	srv := &Server{
		httpServer:  httpServer,
		logger:      logger,
		metrics:     recorder,
		rateLimiter: rl,
		tlsCertFile: strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
	}

	if srv.tlsCertFile != "" && srv.tlsKeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return srv, nil
}

// Handler exposes the assembled router and middleware chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// HTTPServer exposes the configured http.Server for serverutil.Run.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// TLS reports the certificate pair the server was configured with.
func (s *Server) TLS() TLSConfig {
	return TLSConfig{CertFile: s.tlsCertFile, KeyFile: s.tlsKeyFile}
}

// Ping checks the shared rate-limit store when one is configured.
func (s *Server) Ping(ctx context.Context) error {
	return s.rateLimiter.Ping(ctx)
}

func (s *Server) Start() error {
	if s.httpServer == nil {
		return fmt.Errorf("http server is not configured")
	}

	if s.tlsCertFile != "" && s.tlsKeyFile != "" {
		return s.httpServer.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}

	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	err := s.httpServer.Shutdown(ctx)
	return errors.Join(err, s.Close(ctx))
}

// Close releases the rate limiter's Redis connections. It is safe to call
// after the HTTP server has stopped.
func (s *Server) Close(context.Context) error {
	return s.rateLimiter.Close()
}

func spaHandler(staticFS fs.FS, index []byte, fileServer http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			writeMiddlewareError(w, http.StatusMethodNotAllowed, fmt.Sprintf("method %s not allowed", r.Method))
			return
		}

		requested := strings.TrimPrefix(r.URL.Path, "/")
		if requested != "" {
			file, err := staticFS.Open(requested)
			if err == nil {
				defer file.Close()
				info, statErr := file.Stat()
				if statErr == nil && !info.IsDir() {
					fileServer.ServeHTTP(w, r)
					return
				}
				if statErr != nil && !errors.Is(statErr, fs.ErrNotExist) {
					http.Error(w, statErr.Error(), http.StatusInternalServerError)
					return
				}
			} else if !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, fs.ErrInvalid) {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-cache")
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		_, _ = w.Write(index)
	})
}
