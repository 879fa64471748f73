package orchestration

import (
	"time"

	"github.com/maestroflow/maestro/core"
	"github.com/maestroflow/maestro/reasoning"
)

// Formatter builds the caller-facing response envelope. Every shape
// carries success, data, and _metadata with the request id; internal
// scores never appear here.
type Formatter struct{}

// NewFormatter creates the formatter.
func NewFormatter() *Formatter {
	return &Formatter{}
}

// FormatSingle shapes one agent response.
func (f *Formatter) FormatSingle(resp *core.AgentResponse, requestID string) map[string]interface{} {
	meta := map[string]interface{}{
		"agent":          resp.AgentName,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"execution_time": resp.ExecutionTime,
		"request_id":     requestID,
	}
	for k, v := range resp.Metadata {
		meta[k] = v
	}
	out := map[string]interface{}{
		"success":   resp.Success,
		"data":      resp.Data,
		"_metadata": meta,
	}
	if !resp.Success {
		out["error"] = resp.Error
	}
	return out
}

// FormatMultiple aggregates responses keyed by agent name. Success is
// the AND over all responses; per-agent failures land in errors.
func (f *Formatter) FormatMultiple(responses []*core.AgentResponse, plan *reasoning.Plan, requestID string) map[string]interface{} {
	data := make(map[string]interface{}, len(responses))
	errors := make(map[string]string)
	trail := make([]string, 0, len(responses))

	success := true
	successful := 0
	var totalTime, maxTime float64
	for _, resp := range responses {
		if resp == nil {
			continue
		}
		trail = append(trail, resp.AgentName)
		totalTime += resp.ExecutionTime
		if resp.ExecutionTime > maxTime {
			maxTime = resp.ExecutionTime
		}
		if resp.Success {
			successful++
			data[resp.AgentName] = resp.Data
		} else {
			success = false
			errors[resp.AgentName] = resp.Error
			data[resp.AgentName] = resp.Data
		}
	}

	meta := map[string]interface{}{
		"request_id":           requestID,
		"timestamp":            time.Now().UTC().Format(time.RFC3339),
		"count":                len(trail),
		"successful":           successful,
		"failed":               len(trail) - successful,
		"agent_trail":          trail,
		"total_execution_time": totalTime,
		"max_execution_time":   maxTime,
	}
	if plan != nil {
		meta["reasoning"] = map[string]interface{}{
			"method":      plan.Method,
			"confidence":  plan.Confidence,
			"explanation": plan.Reasoning,
			"parallel":    plan.Parallel,
			"agents":      plan.Agents,
		}
	}

	out := map[string]interface{}{
		"success":   success,
		"data":      data,
		"_metadata": meta,
	}
	if len(errors) > 0 {
		out["errors"] = errors
	}
	return out
}

// FormatError shapes a pipeline failure. Formatting an already
// formatted error output returns it unchanged, so double wrapping can
// never nest envelopes.
func (f *Formatter) FormatError(errText string, requestID string, extra map[string]interface{}) map[string]interface{} {
	meta := map[string]interface{}{
		"request_id": requestID,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range extra {
		meta[k] = v
	}
	return map[string]interface{}{
		"success":   false,
		"error":     errText,
		"data":      map[string]interface{}{},
		"_metadata": meta,
	}
}

// IsFormattedError reports whether the value already has the error
// envelope shape.
func IsFormattedError(out map[string]interface{}) bool {
	if out == nil {
		return false
	}
	success, ok := out["success"].(bool)
	if !ok || success {
		return false
	}
	_, hasErr := out["error"]
	_, hasMeta := out["_metadata"]
	return hasErr && hasMeta
}

// ReformatError returns an already-formatted error output unchanged,
// or wraps a bare error string.
func (f *Formatter) ReformatError(out map[string]interface{}, requestID string) map[string]interface{} {
	if IsFormattedError(out) {
		return out
	}
	errText, _ := out["error"].(string)
	return f.FormatError(errText, requestID, nil)
}
