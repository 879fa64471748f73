// Package orchestration drives a request through the engine pipeline:
// security gate, policy check, reasoning, guarded execution,
// validation, and formatting.
package orchestration

import (
	"time"

	"github.com/maestroflow/maestro/resilience"
)

// ExecutorConfig bounds plan execution.
type ExecutorConfig struct {
	Retry             *resilience.RetryConfig
	MaxParallelAgents int
	DefaultTimeout    time.Duration
	// Fallbacks maps an agent name to the agent invoked once, without
	// retry, when every direct attempt fails.
	Fallbacks            map[string]string
	MaxFallbacksPerAgent int
}

// DefaultExecutorConfig returns the standard execution bounds.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Retry:                resilience.DefaultRetryConfig(),
		MaxParallelAgents:    5,
		DefaultTimeout:       30 * time.Second,
		MaxFallbacksPerAgent: 3,
	}
}

// ValidationConfig bounds the response validation loop.
type ValidationConfig struct {
	Enabled             bool
	MaxRetries          int
	ConfidenceThreshold float64
	UseAIValidation     bool
}

// DefaultValidationConfig enables rule-based validation with two
// retries and the 0.7 confidence floor.
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		Enabled:             true,
		MaxRetries:          2,
		ConfidenceThreshold: 0.7,
	}
}

// ValidationResult is the validator verdict for one aggregated
// response. ConfidenceScore is logged, never returned to callers.
type ValidationResult struct {
	IsValid               bool     `json:"is_valid"`
	ConfidenceScore       float64  `json:"confidence_score"`
	BasicPassed           bool     `json:"basic_passed"`
	ConsistencyPassed     bool     `json:"consistency_passed"`
	HallucinationDetected bool     `json:"hallucination_detected"`
	Issues                []string `json:"issues,omitempty"`
}

// RetryAttempt is one validation-triggered re-execution, kept in the
// per-query log.
type RetryAttempt struct {
	Attempt   int       `json:"attempt"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}
