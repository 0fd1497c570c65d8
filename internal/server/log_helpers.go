package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"microtaskhub/internal/observability/logging"
)

// clientIPResolver decides whether proxy headers may be used to identify the
// caller. Only trust them when the gateway sits behind a proxy that
// overwrites X-Forwarded-For and X-Real-IP.
type clientIPResolver struct {
	trustForwardedHeaders bool
}

const (
	ipSourceRemoteAddr    = "remote_addr"
	ipSourceForwardedFor  = "x_forwarded_for"
	ipSourceRealIP        = "x_real_ip"
	ipSourceUnknownRemote = "unknown"
)

// resolveClientIP returns the caller IP and which part of the request it was
// taken from.
func resolveClientIP(r *http.Request, resolver *clientIPResolver) (string, string) {
	if resolver != nil && resolver.trustForwardedHeaders {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first := strings.TrimSpace(strings.Split(xff, ",")[0])
			if first != "" {
				return first, ipSourceForwardedFor
			}
		}
		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			return xrip, ipSourceRealIP
		}
	}
	ip := clientIP(r.RemoteAddr)
	if ip == "" {
		return "", ipSourceUnknownRemote
	}
	return ip, ipSourceRemoteAddr
}

func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// loggingWithRequest returns a logger annotated with request-scoped fields:
// the request ID from the context, the path, the resolved client IP and the
// IP source.
func loggingWithRequest(base *slog.Logger, resolver *clientIPResolver, r *http.Request) *slog.Logger {
	if base == nil || r == nil {
		return nil
	}

	logger := loggerWithRequestContext(r.Context(), base)
	ip, source := resolveClientIP(r, resolver)
	return logger.With(
		"path", r.URL.Path,
		"remote_ip", ip,
		"ip_source", source,
	)
}

func loggerWithRequestContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if ctxLogger := logging.LoggerFromContext(ctx); ctxLogger != nil {
		return ctxLogger
	}
	return logging.WithContext(ctx, logger)
}
