package auth

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials is returned when the username or password does not
	// match the configured pair.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrTokenNotConfigured is returned after a successful credential check
	// when no shared API token is configured.
	ErrTokenNotConfigured = errors.New("api authentication token is not configured")
)

// Option configures an Authenticator instance.
type Option func(*Authenticator)

// WithPasswordHash makes the Authenticator verify passwords against a bcrypt
// hash instead of the plaintext password.
func WithPasswordHash(hash string) Option {
	return func(a *Authenticator) {
		if trimmed := strings.TrimSpace(hash); trimmed != "" {
			a.passwordHash = []byte(trimmed)
		}
	}
}

// Authenticator checks a single configured username/password pair and hands
// out one static bearer token shared by every caller. The token is never
// validated here; upstream services own that check.
type Authenticator struct {
	usernameDigest string
	passwordDigest string
	passwordHash   []byte
	token          string
}

// NewAuthenticator constructs an Authenticator. An empty token is accepted so
// the gateway can start and report the misconfiguration on login.
func NewAuthenticator(username, password, token string, opts ...Option) (*Authenticator, error) {
	if username == "" {
		return nil, fmt.Errorf("username is required")
	}
	usernameDigest, err := digest(username)
	if err != nil {
		return nil, err
	}
	a := &Authenticator{
		usernameDigest: usernameDigest,
		token:          token,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	if a.passwordHash != nil {
		if _, err := bcrypt.Cost(a.passwordHash); err != nil {
			return nil, fmt.Errorf("parse password hash: %w", err)
		}
		return a, nil
	}
	if password == "" {
		return nil, fmt.Errorf("password or password hash is required")
	}
	a.passwordDigest, err = digest(password)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Login verifies the credentials and returns the shared token. The
// credential check always runs first so a wrong password never reveals
// whether a token is configured.
func (a *Authenticator) Login(username, password string) (string, error) {
	if !a.checkUsername(username) || !a.checkPassword(password) {
		return "", ErrInvalidCredentials
	}
	if a.token == "" {
		return "", ErrTokenNotConfigured
	}
	return a.token, nil
}

// TokenConfigured reports whether a shared token is available.
func (a *Authenticator) TokenConfigured() bool {
	return a.token != ""
}

func (a *Authenticator) checkUsername(username string) bool {
	if username == "" {
		return false
	}
	candidate, err := digest(username)
	if err != nil {
		return false
	}
	return digestsEqual(candidate, a.usernameDigest)
}

func (a *Authenticator) checkPassword(password string) bool {
	if password == "" {
		return false
	}
	if a.passwordHash != nil {
		return bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)) == nil
	}
	candidate, err := digest(password)
	if err != nil {
		return false
	}
	return digestsEqual(candidate, a.passwordDigest)
}
