// Package proxy forwards gateway paths to the upstream user and task
// services. Requests keep their method, body, headers, and query; the full
// inbound path is appended to the upstream base path and the Host header is
// rewritten to the upstream host. Upstream responses are relayed unchanged.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"microtaskhub/internal/api"
	"microtaskhub/internal/observability/logging"
	"microtaskhub/internal/observability/metrics"
)

// Upstream names one forwarded path prefix and the service behind it.
type Upstream struct {
	Name   string
	Prefix string
	Target *url.URL
}

// Options tunes every upstream handler built by New.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	// MaxInFlight caps concurrent forwarded requests per upstream. Zero
	// disables the cap.
	MaxInFlight int
	// Transport overrides http.DefaultTransport.
	Transport http.RoundTripper
}

// Gateway dispatches requests to the upstream whose prefix matches the path.
type Gateway struct {
	routes []*route
	logger *slog.Logger
}

type route struct {
	upstream Upstream
	proxy    *httputil.ReverseProxy
	slots    *semaphore.Weighted
	metrics  *metrics.Recorder
	logger   *slog.Logger
}

type exchangeKey struct{}

// exchange carries the outcome of one forwarded request from the
// ReverseProxy callbacks back to the route.
type exchange struct {
	status int
	failed bool
}

// New validates the upstreams and builds one reverse proxy per upstream.
func New(upstreams []Upstream, opts Options) (*Gateway, error) {
	if len(upstreams) == 0 {
		return nil, errors.New("at least one upstream is required")
	}
	if opts.MaxInFlight < 0 {
		return nil, fmt.Errorf("max in-flight must not be negative, got %d", opts.MaxInFlight)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithComponent(logger, "proxy")
	recorder := opts.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	g := &Gateway{logger: logger}
	seen := make(map[string]struct{}, len(upstreams))
	for _, up := range upstreams {
		up.Name = strings.TrimSpace(up.Name)
		up.Prefix = "/" + strings.Trim(strings.TrimSpace(up.Prefix), "/")
		if up.Name == "" {
			return nil, errors.New("upstream name is required")
		}
		if up.Prefix == "/" {
			return nil, fmt.Errorf("upstream %s: prefix is required", up.Name)
		}
		if up.Target == nil || up.Target.Scheme == "" || up.Target.Host == "" {
			return nil, fmt.Errorf("upstream %s: target must include scheme and host", up.Name)
		}
		if _, dup := seen[up.Prefix]; dup {
			return nil, fmt.Errorf("upstream %s: prefix %s already registered", up.Name, up.Prefix)
		}
		seen[up.Prefix] = struct{}{}

		rt := &route{upstream: up, metrics: recorder, logger: logger.With("upstream", up.Name)}
		if opts.MaxInFlight > 0 {
			rt.slots = semaphore.NewWeighted(int64(opts.MaxInFlight))
		}
		rt.proxy = rt.newReverseProxy(opts.Transport)
		g.routes = append(g.routes, rt)
	}
	return g, nil
}

// Upstreams returns the configured upstreams in registration order.
func (g *Gateway) Upstreams() []Upstream {
	out := make([]Upstream, len(g.routes))
	for i, rt := range g.routes {
		out[i] = rt.upstream
	}
	return out
}

// Match reports the upstream responsible for path.
func (g *Gateway) Match(path string) (Upstream, bool) {
	if rt := g.lookup(path); rt != nil {
		return rt.upstream, true
	}
	return Upstream{}, false
}

// Handler returns the handler forwarding to the named upstream.
func (g *Gateway) Handler(name string) (http.Handler, bool) {
	for _, rt := range g.routes {
		if rt.upstream.Name == name {
			return rt, true
		}
	}
	return nil, false
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt := g.lookup(r.URL.Path)
	if rt == nil {
		api.WriteDetail(w, http.StatusNotFound, "Not Found")
		return
	}
	rt.ServeHTTP(w, r)
}

func (g *Gateway) lookup(path string) *route {
	for _, rt := range g.routes {
		if MatchesPrefix(rt.upstream.Prefix, path) {
			return rt
		}
	}
	return nil
}

// MatchesPrefix reports whether path equals prefix or continues it with a
// slash, so "/users" matches "/users" and "/users/1" but not "/usersx".
func MatchesPrefix(prefix, path string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

// forwardingHeaders are passed through as the client sent them.
var forwardingHeaders = []string{"Forwarded", "X-Forwarded-For", "X-Forwarded-Host", "X-Forwarded-Proto"}

func (rt *route) newReverseProxy(transport http.RoundTripper) *httputil.ReverseProxy {
	target := rt.upstream.Target
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			// Rewrite mode drops these before the hook runs; relay whatever
			// the client sent without adding our own.
			for _, key := range forwardingHeaders {
				if values, ok := pr.In.Header[key]; ok {
					pr.Out.Header[key] = append([]string(nil), values...)
				}
			}
		},
		Transport: transport,
		ModifyResponse: func(resp *http.Response) error {
			if ex, ok := resp.Request.Context().Value(exchangeKey{}).(*exchange); ok {
				ex.status = resp.StatusCode
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if ex, ok := r.Context().Value(exchangeKey{}).(*exchange); ok {
				ex.failed = true
			}
			if errors.Is(err, context.Canceled) {
				logging.WithContext(r.Context(), rt.logger).Debug("client went away before upstream answered", "path", r.URL.Path)
				return
			}
			logging.WithContext(r.Context(), rt.logger).Error("upstream request failed", "error", err, "method", r.Method, "path", r.URL.Path)
			api.WriteDetail(w, http.StatusBadGateway, fmt.Sprintf("upstream %s unavailable", rt.upstream.Name))
		},
	}
}

func (rt *route) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logging.ContextWithUpstream(r.Context(), rt.upstream.Name)
	logger := logging.WithContext(ctx, rt.logger)

	if rt.slots != nil {
		if err := rt.slots.Acquire(ctx, 1); err != nil {
			logger.Warn("gave up waiting for an upstream slot", "error", err, "path", r.URL.Path)
			api.WriteDetail(w, http.StatusServiceUnavailable, fmt.Sprintf("upstream %s busy", rt.upstream.Name))
			return
		}
		defer rt.slots.Release(1)
	}

	ex := &exchange{}
	ctx = context.WithValue(ctx, exchangeKey{}, ex)
	start := time.Now()
	rt.metrics.ProxyStarted()
	defer func() {
		duration := time.Since(start)
		if ex.failed || ex.status == 0 {
			rt.metrics.ObserveProxyError(rt.upstream.Name)
			return
		}
		rt.metrics.ObserveProxy(rt.upstream.Name, ex.status, duration)
		logger.Debug("proxied request", "method", r.Method, "path", r.URL.Path, "status", ex.status, "duration_ms", duration.Milliseconds())
	}()

	rt.proxy.ServeHTTP(w, r.WithContext(ctx))
}
