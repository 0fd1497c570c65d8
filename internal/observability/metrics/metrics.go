package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

type proxyLabel struct {
	upstream string
	status   string
}

// Recorder aggregates in-memory counters and gauges for gateway traffic:
// every HTTP request, every exchange forwarded to an upstream service, and
// login outcomes. Writers are coordinated by a RWMutex; the in-flight proxy
// gauge is atomic.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	proxyCount      map[proxyLabel]uint64
	proxyDuration   map[proxyLabel]time.Duration
	proxyErrors     map[string]uint64
	loginOutcomes   map[string]uint64
	proxyInFlight   atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers can
// immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		proxyCount:      make(map[proxyLabel]uint64),
		proxyDuration:   make(map[proxyLabel]time.Duration),
		proxyErrors:     make(map[string]uint64),
		loginOutcomes:   make(map[string]uint64),
	}
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and cumulative duration by HTTP
// method, normalized path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ProxyStarted increments the in-flight gauge for forwarded requests.
func (r *Recorder) ProxyStarted() {
	r.proxyInFlight.Add(1)
}

// ObserveProxy records a completed upstream exchange and releases the
// in-flight slot taken by ProxyStarted.
func (r *Recorder) ObserveProxy(upstream string, status int, duration time.Duration) {
	label := proxyLabel{upstream: normalizeName(upstream), status: fmt.Sprintf("%d", status)}
	r.mu.Lock()
	r.proxyCount[label]++
	r.proxyDuration[label] += duration
	r.mu.Unlock()
	r.decrementGauge(&r.proxyInFlight)
}

// ObserveProxyError records a transport failure talking to an upstream and
// releases the in-flight slot taken by ProxyStarted.
func (r *Recorder) ObserveProxyError(upstream string) {
	name := normalizeName(upstream)
	r.mu.Lock()
	r.proxyErrors[name]++
	r.mu.Unlock()
	r.decrementGauge(&r.proxyInFlight)
}

// ObserveLogin records the outcome of a login attempt
// ("success", "invalid_credentials", "malformed", "not_configured", "throttled").
func (r *Recorder) ObserveLogin(outcome string) {
	name := normalizeName(outcome)
	r.mu.Lock()
	r.loginOutcomes[name]++
	r.mu.Unlock()
}

// ProxyInFlight exposes the number of requests currently forwarded upstream.
func (r *Recorder) ProxyInFlight() int64 {
	return r.proxyInFlight.Load()
}

// LoginCounts returns a copy of the login outcome counters.
func (r *Recorder) LoginCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.loginOutcomes))
	for k, v := range r.loginOutcomes {
		out[k] = v
	}
	return out
}

// ProxyErrorCounts returns a copy of the upstream transport failure counters.
func (r *Recorder) ProxyErrorCounts() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]uint64, len(r.proxyErrors))
	for k, v := range r.proxyErrors {
		out[k] = v
	}
	return out
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.proxyCount = make(map[proxyLabel]uint64)
	r.proxyDuration = make(map[proxyLabel]time.Duration)
	r.proxyErrors = make(map[string]uint64)
	r.loginOutcomes = make(map[string]uint64)
	r.proxyInFlight.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting label
// sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	proxyLabels := r.sortedProxyLabels()
	proxyErrors := sortedKeys(r.proxyErrors)
	loginOutcomes := sortedKeys(r.loginOutcomes)

	fmt.Fprintln(w, "# HELP microtaskhub_http_requests_total Total number of HTTP requests handled by the gateway")
	fmt.Fprintln(w, "# TYPE microtaskhub_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "microtaskhub_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP microtaskhub_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE microtaskhub_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "microtaskhub_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP microtaskhub_proxy_responses_total Upstream responses relayed by the gateway")
	fmt.Fprintln(w, "# TYPE microtaskhub_proxy_responses_total counter")
	for _, label := range proxyLabels {
		fmt.Fprintf(w, "microtaskhub_proxy_responses_total{upstream=\"%s\",status=\"%s\"} %d\n", label.upstream, label.status, r.proxyCount[label])
	}

	fmt.Fprintln(w, "# HELP microtaskhub_proxy_duration_seconds_sum Cumulative upstream round-trip time in seconds")
	fmt.Fprintln(w, "# TYPE microtaskhub_proxy_duration_seconds_sum counter")
	for _, label := range proxyLabels {
		fmt.Fprintf(w, "microtaskhub_proxy_duration_seconds_sum{upstream=\"%s\",status=\"%s\"} %f\n", label.upstream, label.status, r.proxyDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP microtaskhub_proxy_errors_total Upstream transport failures")
	fmt.Fprintln(w, "# TYPE microtaskhub_proxy_errors_total counter")
	for _, upstream := range proxyErrors {
		fmt.Fprintf(w, "microtaskhub_proxy_errors_total{upstream=\"%s\"} %d\n", upstream, r.proxyErrors[upstream])
	}

	fmt.Fprintln(w, "# HELP microtaskhub_proxy_in_flight Requests currently forwarded to an upstream")
	fmt.Fprintln(w, "# TYPE microtaskhub_proxy_in_flight gauge")
	fmt.Fprintf(w, "microtaskhub_proxy_in_flight %d\n", r.proxyInFlight.Load())

	fmt.Fprintln(w, "# HELP microtaskhub_login_attempts_total Login attempts by outcome")
	fmt.Fprintln(w, "# TYPE microtaskhub_login_attempts_total counter")
	for _, outcome := range loginOutcomes {
		fmt.Fprintf(w, "microtaskhub_login_attempts_total{outcome=\"%s\"} %d\n", outcome, r.loginOutcomes[outcome])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedProxyLabels() []proxyLabel {
	labels := make([]proxyLabel, 0, len(r.proxyCount))
	for label := range r.proxyCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].upstream != labels[j].upstream {
			return labels[i].upstream < labels[j].upstream
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys(values map[string]uint64) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

// Upstream identifiers are UUIDs; anything long or digit-heavy is treated as
// an identifier so label cardinality stays bounded.
func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
