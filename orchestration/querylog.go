package orchestration

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/maestroflow/maestro/core"
)

// QueryRecord is the per-request JSON log entry. It carries the full
// internal picture, including the validation confidence score that
// never reaches callers.
type QueryRecord struct {
	RequestID  string                 `json:"request_id"`
	SessionID  string                 `json:"session_id,omitempty"`
	UserID     string                 `json:"user_id,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Query      string                 `json:"query"`
	Request    map[string]interface{} `json:"request,omitempty"`
	Reasoning  map[string]interface{} `json:"reasoning,omitempty"`
	Agents     []AgentInteraction     `json:"agent_interactions,omitempty"`
	Retries    []RetryAttempt         `json:"retry_attempts,omitempty"`
	Validation *ValidationResult      `json:"validation,omitempty"`
	Success    bool                   `json:"success"`
	ErrorType  string                 `json:"error_type,omitempty"`
	Error      string                 `json:"error,omitempty"`
	DurationMS float64                `json:"duration_ms"`
}

// AgentInteraction is one agent call in the log.
type AgentInteraction struct {
	Agent         string    `json:"agent"`
	Success       bool      `json:"success"`
	Error         string    `json:"error,omitempty"`
	ExecutionTime float64   `json:"execution_time"`
	FallbackFrom  string    `json:"fallback_from,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// QueryLog persists one JSON file per request under a directory.
// A zero-value directory disables persistence; records are then
// dropped after the structured log line.
type QueryLog struct {
	dir    string
	logger core.Logger
}

// NewQueryLog creates the per-query log store, creating the directory
// on first use.
func NewQueryLog(dir string, logger core.Logger) *QueryLog {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &QueryLog{dir: dir, logger: logger}
}

// Write finalizes a record to <dir>/<request_id>.json. Persistence
// failures are logged, never propagated: losing a log record must not
// fail the request.
func (q *QueryLog) Write(record *QueryRecord) {
	q.logger.Info("Query completed", map[string]interface{}{
		"request_id": record.RequestID,
		"success":    record.Success,
		"error_type": record.ErrorType,
		"duration":   record.DurationMS,
	})

	if q.dir == "" {
		return
	}
	if err := os.MkdirAll(q.dir, 0o755); err != nil {
		q.logger.Error("Query log directory unavailable", map[string]interface{}{
			"dir":   q.dir,
			"error": err.Error(),
		})
		return
	}

	payload, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		q.logger.Error("Query record not serializable", map[string]interface{}{
			"request_id": record.RequestID,
			"error":      err.Error(),
		})
		return
	}
	path := filepath.Join(q.dir, fmt.Sprintf("%s.json", record.RequestID))
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		q.logger.Error("Query record write failed", map[string]interface{}{
			"path":  path,
			"error": err.Error(),
		})
	}
}

// Read loads a previously written record (tests and debugging).
func (q *QueryLog) Read(requestID string) (*QueryRecord, error) {
	payload, err := os.ReadFile(filepath.Join(q.dir, requestID+".json"))
	if err != nil {
		return nil, err
	}
	var record QueryRecord
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, err
	}
	return &record, nil
}
