package server

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	"testing/fstest"

	"microtaskhub/internal/api"
	"microtaskhub/internal/auth"
	"microtaskhub/internal/observability/logging"
	"microtaskhub/internal/observability/metrics"
	"microtaskhub/internal/proxy"
	"microtaskhub/internal/testsupport/upstreamstub"
)

const (
	testUsername = "admin"
	testPassword = "password"
	testToken    = "secret-token"
	testIndex    = "<!doctype html><html><head><script src=\"/app.js\" defer></script></head><body>hub</body></html>"
)

type testGateway struct {
	server   *Server
	services *upstreamstub.Services
	metrics  *metrics.Recorder
}

func testStatic() fstest.MapFS {
	return fstest.MapFS{
		"index.html": &fstest.MapFile{Data: []byte(testIndex)},
		"app.js":     &fstest.MapFile{Data: []byte("console.log('hub');\n")},
		"styles.css": &fstest.MapFile{Data: []byte("body { margin: 0; }\n")},
	}
}

func newTestAPIHandler(t *testing.T, recorder *metrics.Recorder) *api.Handler {
	t.Helper()
	authenticator, err := auth.NewAuthenticator(testUsername, testPassword, testToken)
	if err != nil {
		t.Fatalf("NewAuthenticator error: %v", err)
	}
	return api.NewHandler(authenticator, recorder, logging.Discard())
}

func newTestGateway(t *testing.T, cfg Config) *testGateway {
	t.Helper()

	services := upstreamstub.Start(upstreamstub.Options{Token: testToken})
	t.Cleanup(services.Close)

	target, err := url.Parse(services.BaseURL())
	if err != nil {
		t.Fatalf("parse stub url: %v", err)
	}

	recorder := metrics.New()
	gateway, err := proxy.New([]proxy.Upstream{
		{Name: "users", Prefix: "/users", Target: target},
		{Name: "tasks", Prefix: "/tasks", Target: target},
	}, proxy.Options{Logger: logging.Discard(), Metrics: recorder})
	if err != nil {
		t.Fatalf("proxy.New error: %v", err)
	}

	if cfg.Static == nil {
		cfg.Static = testStatic()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	cfg.Metrics = recorder

	srv, err := New(newTestAPIHandler(t, recorder), gateway, cfg)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close(context.Background())
	})
	return &testGateway{server: srv, services: services, metrics: recorder}
}

func assertHeaderEquals(t *testing.T, res *http.Response, key, expected string) {
	t.Helper()
	if got := res.Header.Get(key); got != expected {
		t.Fatalf("expected %s=%q, got %q", key, expected, got)
	}
}
