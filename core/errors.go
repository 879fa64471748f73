package core

import (
	"errors"
	"fmt"
	"strings"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Agent-related errors
	ErrAgentNotFound      = errors.New("agent not found")
	ErrAgentAlreadyExists = errors.New("agent already exists")
	ErrAgentExecution     = errors.New("agent execution failed")

	// Reasoning errors
	ErrNoPlan          = errors.New("no execution plan could be produced")
	ErrInvalidPlan     = errors.New("invalid execution plan")
	ErrUnknownAgent    = errors.New("plan references unknown agent")
	ErrProviderFailure = errors.New("language model provider failure")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// State errors
	ErrNotInitialized = errors.New("not initialized")
	ErrAlreadyStarted = errors.New("already started")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrConnectionFailed   = errors.New("connection failed")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

	// Admission errors
	ErrSecurityViolation = errors.New("request rejected by security gate")
	ErrPolicyDenied      = errors.New("request denied by policy")
	ErrRateLimited       = errors.New("rate limit exceeded")
)

// EngineError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type EngineError struct {
	Op      string // Operation that failed (e.g., "registry.Register")
	Kind    string // Error kind (e.g., "agent", "reasoning", "security")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

func (e *EngineError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *EngineError) Unwrap() error {
	return e.Err
}

// NewEngineError creates a new EngineError
func NewEngineError(op, kind string, err error) *EngineError {
	return &EngineError{Op: op, Kind: kind, Err: err}
}

// IsRetryable checks if an error represents a transient failure.
// Both typed errors and error-text substrings are considered because
// agent boundaries flatten transport failures into response strings.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionFailed) {
		return true
	}
	return IsRetryableText(err.Error())
}

// IsRetryableText reports whether an error string looks transient.
func IsRetryableText(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "timeout") || strings.Contains(s, "connection")
}

// IsTimeoutText reports whether an error string indicates a timeout.
func IsTimeoutText(s string) bool {
	return strings.Contains(strings.ToLower(s), "timeout")
}

// IsConnectionText reports whether an error string indicates a connection failure.
func IsConnectionText(s string) bool {
	return strings.Contains(strings.ToLower(s), "connection")
}

// IsSecurityError checks if an error came from the security gate
func IsSecurityError(err error) bool {
	return errors.Is(err, ErrSecurityViolation) || errors.Is(err, ErrRateLimited)
}

// IsPolicyDenial checks if an error is a policy denial
func IsPolicyDenial(err error) bool {
	return errors.Is(err, ErrPolicyDenied)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}
