// Package agents provides concrete agent transports behind the uniform
// core.Agent contract: a remote HTTP endpoint agent, an in-process
// function agent, and the sample leaves used by the end-to-end
// scenarios. The orchestrator only ever sees core.Agent.
package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/maestroflow/maestro/core"
)

// HTTPAgentConfig configures a remote endpoint agent.
type HTTPAgentConfig struct {
	Name         string
	BaseURL      string
	Capabilities []string
	Metadata     map[string]interface{}
	Timeout      time.Duration
}

// HTTPAgent talks to a remote endpoint over the canonical protocol:
// discovery via GET {base}/tools, invocation via POST {base}/call,
// health via GET {base}/health.
type HTTPAgent struct {
	*core.BaseAgent
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	logger     core.Logger

	discovered []string
}

// NewHTTPAgent creates a remote endpoint agent. Tool discovery runs
// during Initialize, not here.
func NewHTTPAgent(config HTTPAgentConfig, logger core.Logger) *HTTPAgent {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPAgent{
		BaseAgent:  core.NewBaseAgent(config.Name, config.Capabilities, config.Metadata),
		baseURL:    config.BaseURL,
		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Capabilities merges configured capabilities with discovered tools.
func (a *HTTPAgent) Capabilities() []string {
	configured := a.BaseAgent.Capabilities()
	seen := make(map[string]bool, len(configured))
	for _, c := range configured {
		seen[c] = true
	}
	out := configured
	for _, tool := range a.discovered {
		if !seen[tool] {
			out = append(out, tool)
		}
	}
	return out
}

// Initialize discovers the remote endpoint's tools. A discovery
// failure aborts registration; an empty tool list does not.
func (a *HTTPAgent) Initialize(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/tools", nil)
	if err != nil {
		return err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("tool discovery failed: %v: %w", err, core.ErrConnectionFailed)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tool discovery returned status %d", resp.StatusCode)
	}

	var payload struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("tool discovery decode failed: %w", err)
	}

	a.discovered = a.discovered[:0]
	for _, tool := range payload.Tools {
		if tool.Name != "" {
			a.discovered = append(a.discovered, tool.Name)
		}
	}

	a.logger.Info("Remote agent tools discovered", map[string]interface{}{
		"operation": "initialize",
		"agent":     a.Name(),
		"tools":     len(a.discovered),
	})
	return nil
}

// Call invokes the remote endpoint. Transport failures come back as
// failed responses whose error text preserves the timeout/connection
// classification the retry policy matches on.
func (a *HTTPAgent) Call(ctx context.Context, input core.Request) *core.AgentResponse {
	start := time.Now()

	tool := input.GetString("tool")
	if tool == "" && len(a.discovered) > 0 {
		tool = a.discovered[0]
	}

	timeout := core.EffectiveTimeout(input, a.timeout, 30*time.Second)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	parameters := core.NormalizeInput(input)
	body, err := json.Marshal(map[string]interface{}{
		"tool":       tool,
		"parameters": map[string]interface{}(parameters),
	})
	if err != nil {
		return a.fail(err, start)
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, a.baseURL+"/call", bytes.NewReader(body))
	if err != nil {
		return a.fail(err, start)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return a.fail(fmt.Errorf("call timeout after %s: %w", timeout, core.ErrTimeout), start)
		}
		return a.fail(fmt.Errorf("connection error: %v: %w", err, core.ErrConnectionFailed), start)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return a.fail(fmt.Errorf("agent returned status %d", resp.StatusCode), start)
	}

	var data map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return a.fail(fmt.Errorf("response decode failed: %w", err), start)
	}

	elapsed := time.Since(start)
	a.RecordCall(elapsed, true)
	response := core.NewSuccessResponse(a.Name(), data, elapsed)
	response.Metadata["tool"] = tool
	return response
}

func (a *HTTPAgent) fail(err error, start time.Time) *core.AgentResponse {
	elapsed := time.Since(start)
	a.RecordCall(elapsed, false)
	return core.NewErrorResponse(a.Name(), err, elapsed)
}

// HealthCheck treats any 2xx from {base}/health as healthy.
func (a *HTTPAgent) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// Cleanup closes idle connections.
func (a *HTTPAgent) Cleanup(ctx context.Context) error {
	a.httpClient.CloseIdleConnections()
	return nil
}
