package server

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/maestroflow/maestro/core"
)

type contextKey string

const correlationKey contextKey = "correlation_id"

// correlationMiddleware echoes an inbound X-Correlation-ID or mints a
// new one, and exposes it on the response for client-side tracing.
func correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-ID")
		if id == "" {
			id = core.NewRequestID()
		}
		w.Header().Set("X-Correlation-ID", id)
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), correlationKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLogger writes one structured line per request.
func requestLogger(logger core.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("HTTP request", map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"duration_ms": time.Since(start).Milliseconds(),
				"remote":      clientIdentifier(r),
			})
		})
	}
}

// bearerAuth enforces a static bearer token on everything except the
// operational endpoints.
func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}
			supplied := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if supplied == "" ||
				subtle.ConstantTimeCompare([]byte(supplied), []byte(token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]interface{}{
					"success": false,
					"error":   "unauthorized",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIdentifier keys the rate limiter: the first X-Forwarded-For
// hop when present, otherwise the connection's remote IP.
func clientIdentifier(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if idx := strings.IndexByte(forwarded, ','); idx >= 0 {
			return strings.TrimSpace(forwarded[:idx])
		}
		return strings.TrimSpace(forwarded)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// requestIDFrom returns the correlation id assigned by the middleware.
func requestIDFrom(r *http.Request) string {
	if id, ok := r.Context().Value(correlationKey).(string); ok && id != "" {
		return id
	}
	return core.NewRequestID()
}
