package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/go-playground/validator/v10"

	"microtaskhub/internal/auth"
	"microtaskhub/internal/observability/logging"
	"microtaskhub/internal/observability/metrics"
)

const (
	detailInvalidCredentials = "Invalid credentials"
	detailTokenNotConfigured = "API authentication token is not configured"
	detailMalformedJSON      = "Malformed JSON body"
)

// Handler serves the endpoints the gateway answers without an upstream.
type Handler struct {
	Auth     *auth.Authenticator
	Validate *validator.Validate
	Metrics  *metrics.Recorder
	Logger   *slog.Logger
}

func NewHandler(authenticator *auth.Authenticator, recorder *metrics.Recorder, logger *slog.Logger) *Handler {
	if recorder == nil {
		recorder = metrics.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Auth:     authenticator,
		Validate: validator.New(),
		Metrics:  recorder,
		Logger:   logging.WithComponent(logger, "api"),
	}
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type loginResponse struct {
	Token string `json:"token"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeDetail(w, http.StatusMethodNotAllowed, "Method Not Allowed")
		return
	}
	logger := logging.WithContext(r.Context(), h.Logger)

	var req loginRequest
	if err := decodeJSONAllowUnknown(r, &req); err != nil {
		if declaresJSON(r) && isSyntaxError(err) {
			h.Metrics.ObserveLogin("malformed")
			logger.Warn("login rejected", "reason", "malformed json", "error", err)
			writeDetail(w, http.StatusBadRequest, detailMalformedJSON)
			return
		}
		h.rejectLogin(w, logger, "unreadable body", err)
		return
	}
	if err := h.validator().Struct(&req); err != nil {
		h.rejectLogin(w, logger, "missing fields", err)
		return
	}
	if h.Auth == nil {
		h.Metrics.ObserveLogin("not_configured")
		logger.Error("login attempted without an authenticator")
		writeDetail(w, http.StatusInternalServerError, detailTokenNotConfigured)
		return
	}

	token, err := h.Auth.Login(req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		h.rejectLogin(w, logger, "credential mismatch", nil)
		return
	case errors.Is(err, auth.ErrTokenNotConfigured):
		h.Metrics.ObserveLogin("not_configured")
		logger.Error("login succeeded but no API token is configured")
		writeDetail(w, http.StatusInternalServerError, detailTokenNotConfigured)
		return
	case err != nil:
		logger.Error("login failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	h.Metrics.ObserveLogin("success")
	logger.Info("login succeeded", "username", req.Username)
	writeJSON(w, http.StatusOK, loginResponse{Token: token})
}

func (h *Handler) rejectLogin(w http.ResponseWriter, logger *slog.Logger, reason string, err error) {
	h.Metrics.ObserveLogin("invalid_credentials")
	attrs := []any{"reason", reason}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	logger.Warn("login rejected", attrs...)
	writeDetail(w, http.StatusUnauthorized, detailInvalidCredentials)
}

func (h *Handler) validator() *validator.Validate {
	if h.Validate == nil {
		h.Validate = validator.New()
	}
	return h.Validate
}

// declaresJSON reports whether the body is meant to be parsed as JSON. Other
// bodies are treated as carrying no credentials.
func declaresJSON(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "application/json"
}

func isSyntaxError(err error) bool {
	var syntaxErr *json.SyntaxError
	return errors.As(err, &syntaxErr) || errors.Is(err, io.ErrUnexpectedEOF)
}
