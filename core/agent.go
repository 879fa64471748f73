package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ReservedKeys are orchestrator meta keys stripped from agent input
// before dispatch. Agents never see them as business parameters.
var ReservedKeys = []string{"tool", "agent", "timeout", "request_id"}

// Request is the open mapping the orchestrator moves through the
// pipeline. Only `query` is required; every other key passes through
// to agents untouched.
type Request map[string]interface{}

// Query returns the free-text query, or "" when absent.
func (r Request) Query() string {
	if q, ok := r["query"].(string); ok {
		return q
	}
	return ""
}

// GetString returns a string field or "" when absent or non-string.
func (r Request) GetString(key string) string {
	if v, ok := r[key].(string); ok {
		return v
	}
	return ""
}

// Clone returns a shallow copy of the request.
func (r Request) Clone() Request {
	out := make(Request, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Merge returns a copy of the request with params layered on top.
// Parameter values win over request values on key collision.
func (r Request) Merge(params map[string]interface{}) Request {
	out := r.Clone()
	for k, v := range params {
		out[k] = v
	}
	return out
}

// StripReserved returns a copy without orchestrator meta keys.
func (r Request) StripReserved() Request {
	out := r.Clone()
	for _, k := range ReservedKeys {
		delete(out, k)
	}
	return out
}

// Lookup resolves a dotted field path (a.b.c) through nested mappings.
// A missing intermediate key yields (nil, false).
func (r Request) Lookup(path string) (interface{}, bool) {
	return LookupPath(map[string]interface{}(r), path)
}

// LookupPath resolves a dotted path inside an arbitrary nested mapping.
func LookupPath(m map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var current interface{} = m
	for _, part := range parts {
		node, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = node[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// AgentResponse is produced by every agent call. Transport and timeout
// failures are carried here, never as Go errors across the boundary.
type AgentResponse struct {
	Success       bool                   `json:"success"`
	Data          map[string]interface{} `json:"data"`
	Error         string                 `json:"error,omitempty"`
	AgentName     string                 `json:"agent_name"`
	ExecutionTime float64                `json:"execution_time"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
}

// WrapResult normalizes a scalar result into the mapping shape.
func WrapResult(value interface{}) map[string]interface{} {
	if m, ok := value.(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{"result": value}
}

// NewSuccessResponse builds a successful AgentResponse.
func NewSuccessResponse(agentName string, data interface{}, elapsed time.Duration) *AgentResponse {
	return &AgentResponse{
		Success:       true,
		Data:          WrapResult(data),
		AgentName:     agentName,
		ExecutionTime: elapsed.Seconds(),
		Metadata:      map[string]interface{}{},
		Timestamp:     time.Now(),
	}
}

// NewErrorResponse builds a failed AgentResponse.
func NewErrorResponse(agentName string, err error, elapsed time.Duration) *AgentResponse {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return &AgentResponse{
		Success:       false,
		Data:          map[string]interface{}{},
		Error:         msg,
		AgentName:     agentName,
		ExecutionTime: elapsed.Seconds(),
		Metadata:      map[string]interface{}{},
		Timestamp:     time.Now(),
	}
}

// Agent is the uniform contract every worker implements. Call must
// never panic or return a Go error across the boundary: failures come
// back as AgentResponse{Success: false}.
type Agent interface {
	Name() string
	Capabilities() []string
	Metadata() map[string]interface{}
	Call(ctx context.Context, input Request) *AgentResponse
	HealthCheck(ctx context.Context) bool
	Initialize(ctx context.Context) error
	Cleanup(ctx context.Context) error
}

// AgentStats holds runtime counters for one agent.
type AgentStats struct {
	CallCount          int64   `json:"call_count"`
	ErrorCount         int64   `json:"error_count"`
	TotalExecutionTime float64 `json:"total_execution_time"`
}

// BaseAgent provides name/capabilities/metadata bookkeeping and
// thread-safe stats for concrete agents to embed.
type BaseAgent struct {
	name         string
	capabilities []string
	metadata     map[string]interface{}

	mu    sync.Mutex
	stats AgentStats
}

// NewBaseAgent creates the embedded base for a concrete agent.
func NewBaseAgent(name string, capabilities []string, metadata map[string]interface{}) *BaseAgent {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	return &BaseAgent{
		name:         name,
		capabilities: capabilities,
		metadata:     metadata,
	}
}

func (b *BaseAgent) Name() string { return b.name }

func (b *BaseAgent) Capabilities() []string {
	out := make([]string, len(b.capabilities))
	copy(out, b.capabilities)
	return out
}

func (b *BaseAgent) Metadata() map[string]interface{} {
	out := make(map[string]interface{}, len(b.metadata))
	for k, v := range b.metadata {
		out[k] = v
	}
	return out
}

// RecordCall updates runtime counters after a dispatch.
func (b *BaseAgent) RecordCall(elapsed time.Duration, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.CallCount++
	if !success {
		b.stats.ErrorCount++
	}
	b.stats.TotalExecutionTime += elapsed.Seconds()
}

// Stats returns a snapshot of the runtime counters.
func (b *BaseAgent) Stats() AgentStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Initialize is a no-op default; transports override it.
func (b *BaseAgent) Initialize(ctx context.Context) error { return nil }

// Cleanup is a no-op default; transports override it.
func (b *BaseAgent) Cleanup(ctx context.Context) error { return nil }

// HealthCheck defaults to healthy; transports override it.
func (b *BaseAgent) HealthCheck(ctx context.Context) bool { return true }

// NormalizeInput accepts either a nested `parameters` field or flat
// keys, strips reserved meta keys, and returns the effective input.
func NormalizeInput(input Request) Request {
	if nested, ok := input["parameters"].(map[string]interface{}); ok {
		merged := input.Clone()
		delete(merged, "parameters")
		for k, v := range nested {
			merged[k] = v
		}
		input = merged
	}
	return input.StripReserved()
}

// EffectiveTimeout resolves an agent call timeout: explicit request
// override wins over the agent-configured value, which wins over the
// orchestrator default.
func EffectiveTimeout(input Request, agentTimeout, defaultTimeout time.Duration) time.Duration {
	if raw, ok := input["timeout"]; ok {
		switch v := raw.(type) {
		case float64:
			if v > 0 {
				return time.Duration(v * float64(time.Second))
			}
		case int:
			if v > 0 {
				return time.Duration(v) * time.Second
			}
		case string:
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				return d
			}
		}
	}
	if agentTimeout > 0 {
		return agentTimeout
	}
	return defaultTimeout
}

// Stringify renders a request value for matching and logging.
func Stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
