// Package client talks to the MicroTaskHub gateway the way the browser
// client does: it logs in for the shared bearer token, keeps users and tasks
// in local caches, and drops the token whenever any call answers 401.
//
// A Client is safe for concurrent use, but operations are meant to run one
// at a time; it never retries and sets no timeout of its own.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"microtaskhub/internal/models"
	"microtaskhub/internal/observability/logging"
)

var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrTokenMissing     = errors.New("authentication token missing")
	ErrAssigneeRequired = errors.New("task assignee is required")
	ErrNoChanges        = errors.New("no changes detected")
	ErrInvalidStatus    = errors.New("invalid status value")
	ErrUserNotCached    = errors.New("user not found in cache")
	ErrTaskNotCached    = errors.New("task not found in cache")
)

// APIError is a non-2xx answer from the gateway or an upstream service.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	return e.Detail
}

// Options configures a Client.
type Options struct {
	// BaseURL is the gateway origin, for example http://localhost:3000.
	BaseURL    string
	HTTPClient *http.Client
	// Tokens holds the session token. Defaults to an in-memory store.
	Tokens TokenStore
	Logger *slog.Logger
}

type Client struct {
	baseURL  *url.URL
	http     *http.Client
	tokens   TokenStore
	validate *validator.Validate
	logger   *slog.Logger

	mu    sync.RWMutex
	users []models.User
	tasks []models.Task
}

func New(opts Options) (*Client, error) {
	raw := strings.TrimSpace(opts.BaseURL)
	if raw == "" {
		return nil, errors.New("gateway base URL is required")
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse gateway URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("gateway URL %q must include scheme and host", raw)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	tokens := opts.Tokens
	if tokens == nil {
		tokens = &MemoryTokenStore{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:  base,
		http:     httpClient,
		tokens:   tokens,
		validate: validator.New(),
		logger:   logging.WithComponent(logger, "client"),
	}, nil
}

// Authenticated reports whether a session token is stored.
func (c *Client) Authenticated() bool {
	token, err := c.tokens.Token()
	return err == nil && token != ""
}

// Login exchanges credentials for the gateway token and stores it.
func (c *Client) Login(ctx context.Context, username, password string) error {
	payload := map[string]string{"username": username, "password": password}
	status, raw, err := c.roundTrip(ctx, http.MethodPost, "/auth/login", nil, payload, false)
	if err != nil {
		return err
	}
	if !successful(status) {
		return newAPIError(status, raw)
	}

	var body struct {
		Token string `json:"token"`
	}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			return fmt.Errorf("decode login response: %w", err)
		}
	}
	if body.Token == "" {
		return ErrTokenMissing
	}
	if err := c.tokens.SetToken(body.Token); err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	return nil
}

// Logout forgets the token and both caches.
func (c *Client) Logout() error {
	c.resetCaches()
	return c.tokens.Clear()
}

// LoadAll refreshes users, then tasks.
func (c *Client) LoadAll(ctx context.Context) error {
	if _, err := c.LoadUsers(ctx); err != nil {
		return err
	}
	_, err := c.LoadTasks(ctx)
	return err
}

func (c *Client) resetCaches() {
	c.mu.Lock()
	c.users = nil
	c.tasks = nil
	c.mu.Unlock()
}

// do sends an authorized request and decodes a JSON answer into out. A 401
// ends the session before ErrUnauthorized is returned.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	status, raw, err := c.roundTrip(ctx, method, path, query, body, true)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		c.logger.Warn("session rejected, clearing token", "method", method, "path", path)
		if clearErr := c.Logout(); clearErr != nil {
			return errors.Join(ErrUnauthorized, fmt.Errorf("clear token: %w", clearErr))
		}
		return ErrUnauthorized
	}
	if !successful(status) {
		return newAPIError(status, raw)
	}
	if out == nil || status == http.StatusNoContent || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, query url.Values, body any, authorize bool) (int, []byte, error) {
	endpoint := c.baseURL.JoinPath(strings.TrimPrefix(path, "/"))
	if len(query) > 0 {
		endpoint.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authorize {
		token, err := c.tokens.Token()
		if err != nil {
			return 0, nil, fmt.Errorf("read token: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read %s %s: %w", method, path, err)
	}
	c.logger.Debug("gateway call", "method", method, "path", path, "status", resp.StatusCode)
	return resp.StatusCode, raw, nil
}

func successful(status int) bool {
	return status >= 200 && status < 300
}

// newAPIError prefers the JSON detail. A JSON body without one falls back to
// the status text; a body that is not JSON is used as is.
func newAPIError(status int, raw []byte) *APIError {
	text := strings.TrimSpace(string(raw))
	if text != "" {
		if !json.Valid(raw) {
			return &APIError{Status: status, Detail: text}
		}
		// Arrays and scalars leave payload empty.
		var payload map[string]json.RawMessage
		_ = json.Unmarshal(raw, &payload)
		if detail := payload["detail"]; len(detail) > 0 && string(detail) != "null" {
			var message string
			if err := json.Unmarshal(detail, &message); err != nil {
				return &APIError{Status: status, Detail: string(detail)}
			}
			if message != "" {
				return &APIError{Status: status, Detail: message}
			}
		}
	}
	detail := http.StatusText(status)
	if detail == "" {
		detail = fmt.Sprintf("HTTP %d", status)
	}
	return &APIError{Status: status, Detail: detail}
}
