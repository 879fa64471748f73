package core

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// contextKey is private so request-scoped values cannot collide with
// other packages' context values.
type contextKey string

const (
	requestIDKey contextKey = "request_id"
	sessionIDKey contextKey = "session_id"
	userIDKey    contextKey = "user_id"
	startTimeKey contextKey = "start_time"
)

// HTTP correlation headers read on intake and echoed on responses.
const (
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderRequestID     = "X-Request-ID"
)

// NewRequestID allocates a correlation id.
func NewRequestID() string {
	return uuid.New().String()
}

// WithRequestScope binds the (request_id, session_id) pair and the
// intake time to the context. All logging, tracing, and metrics
// emission read from this scope.
func WithRequestScope(ctx context.Context, requestID, sessionID string) context.Context {
	if requestID == "" {
		requestID = NewRequestID()
	}
	ctx = context.WithValue(ctx, requestIDKey, requestID)
	if sessionID != "" {
		ctx = context.WithValue(ctx, sessionIDKey, sessionID)
	}
	return context.WithValue(ctx, startTimeKey, time.Now())
}

// WithUserID attaches the acting user to the request scope.
func WithUserID(ctx context.Context, userID string) context.Context {
	if userID == "" {
		return ctx
	}
	return context.WithValue(ctx, userIDKey, userID)
}

// RequestIDFromContext returns the bound correlation id, or "".
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// SessionIDFromContext returns the bound session id, or "".
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return ""
}

// UserIDFromContext returns the bound user id, or "".
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// StartTimeFromContext returns the intake time, or the zero time.
func StartTimeFromContext(ctx context.Context) time.Time {
	if v, ok := ctx.Value(startTimeKey).(time.Time); ok {
		return v
	}
	return time.Time{}
}
