package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"microtaskhub/internal/models"
	"microtaskhub/internal/observability/logging"
	"microtaskhub/internal/observability/metrics"
	"microtaskhub/internal/testsupport/upstreamstub"
)

type seenRequest struct {
	Method   string
	Path     string
	RawQuery string
	Host     string
	Auth     string
	Custom   string
	Body     string

	// Forwarding headers as the upstream received them.
	Forwarded      string
	ForwardedFor   string
	ForwardedProto string
}

func recordingUpstream(t *testing.T, name string, seen chan<- seenRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		seen <- seenRequest{
			Method:   r.Method,
			Path:     r.URL.Path,
			RawQuery: r.URL.RawQuery,
			Host:     r.Host,
			Auth:     r.Header.Get("Authorization"),
			Custom:   r.Header.Get("X-Custom"),
			Body:     string(body),

			Forwarded:      r.Header.Get("Forwarded"),
			ForwardedFor:   r.Header.Get("X-Forwarded-For"),
			ForwardedProto: r.Header.Get("X-Forwarded-Proto"),
		}
		w.Header().Set("X-Upstream", name)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"served_by":"` + name + `"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func newGateway(t *testing.T, usersURL, tasksURL string, opts Options) *Gateway {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	g, err := New([]Upstream{
		{Name: "users", Prefix: "/users", Target: mustURL(t, usersURL)},
		{Name: "tasks", Prefix: "/tasks", Target: mustURL(t, tasksURL)},
	}, opts)
	require.NoError(t, err)
	return g
}

func TestMatchesPrefix(t *testing.T) {
	assert.True(t, MatchesPrefix("/users", "/users"))
	assert.True(t, MatchesPrefix("/users", "/users/"))
	assert.True(t, MatchesPrefix("/users", "/users/42"))
	assert.False(t, MatchesPrefix("/users", "/usersx"))
	assert.False(t, MatchesPrefix("/users", "/user"))
	assert.False(t, MatchesPrefix("/users", "/tasks/users"))
}

func TestNewValidatesUpstreams(t *testing.T) {
	target := mustURL(t, "http://upstream:8000")

	_, err := New(nil, Options{})
	assert.Error(t, err)

	_, err = New([]Upstream{{Name: "users", Prefix: "/users", Target: mustURL(t, "upstream:8000")}}, Options{})
	assert.Error(t, err)

	_, err = New([]Upstream{
		{Name: "users", Prefix: "/users", Target: target},
		{Name: "people", Prefix: "users/", Target: target},
	}, Options{})
	assert.Error(t, err)

	_, err = New([]Upstream{{Name: "users", Prefix: "/users", Target: target}}, Options{MaxInFlight: -1})
	assert.Error(t, err)
}

func TestForwardsToMatchingUpstreamWithRequestIntact(t *testing.T) {
	usersSeen := make(chan seenRequest, 1)
	tasksSeen := make(chan seenRequest, 1)
	users := recordingUpstream(t, "users", usersSeen)
	tasks := recordingUpstream(t, "tasks", tasksSeen)
	g := newGateway(t, users.URL, tasks.URL, Options{})

	cases := []struct {
		path     string
		query    string
		seen     chan seenRequest
		upstream *httptest.Server
		name     string
	}{
		{"/users", "", usersSeen, users, "users"},
		{"/users/4b1f", "", usersSeen, users, "users"},
		{"/tasks/9c2e", "include_assignee=true", tasksSeen, tasks, "tasks"},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			target := tc.path
			if tc.query != "" {
				target += "?" + tc.query
			}
			req := httptest.NewRequest(http.MethodPatch, "http://gateway.local"+target, strings.NewReader(`{"title":"x"}`))
			req.Header.Set("Authorization", "Bearer shared-token")
			req.Header.Set("X-Custom", "kept")
			req.Header.Set("X-Forwarded-For", "203.0.113.9")
			req.Header.Set("X-Forwarded-Proto", "https")
			req.Header.Set("Forwarded", "for=203.0.113.9;proto=https")
			rec := httptest.NewRecorder()

			g.ServeHTTP(rec, req)

			require.Equal(t, http.StatusCreated, rec.Code)
			assert.Equal(t, tc.name, rec.Header().Get("X-Upstream"))
			assert.JSONEq(t, `{"served_by":"`+tc.name+`"}`, rec.Body.String())

			got := <-tc.seen
			assert.Equal(t, http.MethodPatch, got.Method)
			assert.Equal(t, tc.path, got.Path)
			assert.Equal(t, tc.query, got.RawQuery)
			assert.Equal(t, mustURL(t, tc.upstream.URL).Host, got.Host)
			assert.Equal(t, "Bearer shared-token", got.Auth)
			assert.Equal(t, "kept", got.Custom)
			assert.Equal(t, `{"title":"x"}`, got.Body)
			assert.Equal(t, "203.0.113.9", got.ForwardedFor)
			assert.Equal(t, "https", got.ForwardedProto)
			assert.Equal(t, "for=203.0.113.9;proto=https", got.Forwarded)
		})
	}
}

func TestDoesNotAddForwardingHeaders(t *testing.T) {
	seen := make(chan seenRequest, 1)
	users := recordingUpstream(t, "users", seen)
	g := newGateway(t, users.URL, users.URL, Options{})

	req := httptest.NewRequest(http.MethodGet, "http://gateway.local/users", nil)
	req.RemoteAddr = "198.51.100.7:51234"
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	got := <-seen
	assert.Empty(t, got.ForwardedFor)
	assert.Empty(t, got.ForwardedProto)
	assert.Empty(t, got.Forwarded)
}

func TestJoinsUpstreamBasePath(t *testing.T) {
	seen := make(chan seenRequest, 1)
	users := recordingUpstream(t, "users", seen)
	g := newGateway(t, users.URL+"/api/v1", users.URL, Options{})

	req := httptest.NewRequest(http.MethodGet, "/users/7?role=member", nil)
	g.ServeHTTP(httptest.NewRecorder(), req)

	got := <-seen
	assert.Equal(t, "/api/v1/users/7", got.Path)
	assert.Equal(t, "role=member", got.RawQuery)
}

func TestUnmatchedPathIsNotForwarded(t *testing.T) {
	seen := make(chan seenRequest, 1)
	users := recordingUpstream(t, "users", seen)
	g := newGateway(t, users.URL, users.URL, Options{})

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/usersx", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, seen)

	up, ok := g.Match("/tasks/1")
	require.True(t, ok)
	assert.Equal(t, "tasks", up.Name)
}

func TestRelaysUpstreamErrorsVerbatim(t *testing.T) {
	stub := upstreamstub.Start(upstreamstub.Options{Token: "shared-token"})
	t.Cleanup(stub.Close)
	g := newGateway(t, stub.BaseURL(), stub.BaseURL(), Options{})

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"detail":"Unauthorized"}`, rec.Body.String())

	user := stub.AddUser("ann@example.com", "Ann", models.RoleMember)
	task := stub.AddTask("Write docs", models.StatusInProgress, user.ID)

	req := httptest.NewRequest(http.MethodDelete, "/tasks/"+task.ID.String(), nil)
	req.Header.Set("Authorization", "Bearer shared-token")
	rec = httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "Only tasks marked as done can be deleted", payload["detail"])

	_, stillThere := stub.Task(task.ID)
	assert.True(t, stillThere)
}

func TestUnreachableUpstreamYieldsBadGateway(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	recorder := metrics.New()
	g := newGateway(t, deadURL, deadURL, Options{Metrics: recorder})

	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.JSONEq(t, `{"detail":"upstream tasks unavailable"}`, rec.Body.String())
	assert.Equal(t, uint64(1), recorder.ProxyErrorCounts()["tasks"])
	assert.Equal(t, int64(0), recorder.ProxyInFlight())
}

func TestRecordsProxyMetrics(t *testing.T) {
	seen := make(chan seenRequest, 2)
	users := recordingUpstream(t, "users", seen)
	recorder := metrics.New()
	g := newGateway(t, users.URL, users.URL, Options{Metrics: recorder})

	g.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/users", nil))
	g.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/tasks", nil))

	var out strings.Builder
	recorder.Write(&out)
	assert.Contains(t, out.String(), `microtaskhub_proxy_responses_total{upstream="users",status="201"} 1`)
	assert.Contains(t, out.String(), `microtaskhub_proxy_responses_total{upstream="tasks",status="201"} 1`)
	assert.Equal(t, int64(0), recorder.ProxyInFlight())
}

func TestMaxInFlightWaitsForSlot(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 2)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(upstream.Close)
	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
	})

	g := newGateway(t, upstream.URL, upstream.URL, Options{MaxInFlight: 1})

	firstDone := make(chan int, 1)
	go func() {
		rec := httptest.NewRecorder()
		g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users", nil))
		firstDone <- rec.Code
	}()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first request never reached upstream")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/users", nil).WithContext(ctx))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"detail":"upstream users busy"}`, rec.Body.String())

	// The cap is per upstream; tasks still has a free slot.
	tasksDone := make(chan int, 1)
	go func() {
		rec := httptest.NewRecorder()
		g.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks", nil))
		tasksDone <- rec.Code
	}()
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks request was blocked by the users cap")
	}

	close(release)
	assert.Equal(t, http.StatusOK, <-firstDone)
	assert.Equal(t, http.StatusOK, <-tasksDone)
}
