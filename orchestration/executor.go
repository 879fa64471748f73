package orchestration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maestroflow/maestro/core"
	"github.com/maestroflow/maestro/reasoning"
	"github.com/maestroflow/maestro/resilience"
)

// Executor runs a plan's agent calls with retry, fallback, and
// breaker accounting. Parallel plans fan out under a semaphore and
// join by plan index so response order always matches plan order.
type Executor struct {
	registry  *core.Registry
	breakers  *resilience.BreakerManager
	config    ExecutorConfig
	logger    core.Logger
	telemetry core.Telemetry

	mu             sync.Mutex
	fallbackCounts map[string]int
	retryCounts    map[string]int64
}

// NewExecutor creates an executor over the registry and breakers.
func NewExecutor(registry *core.Registry, breakers *resilience.BreakerManager, config ExecutorConfig) *Executor {
	if config.Retry == nil {
		config.Retry = resilience.DefaultRetryConfig()
	}
	if config.MaxParallelAgents <= 0 {
		config.MaxParallelAgents = 5
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 30 * time.Second
	}
	if config.MaxFallbacksPerAgent <= 0 {
		config.MaxFallbacksPerAgent = 3
	}
	return &Executor{
		registry:       registry,
		breakers:       breakers,
		config:         config,
		logger:         &core.NoOpLogger{},
		telemetry:      &core.NoOpTelemetry{},
		fallbackCounts: make(map[string]int),
		retryCounts:    make(map[string]int64),
	}
}

// SetLogger injects the logger.
func (e *Executor) SetLogger(logger core.Logger) {
	if logger != nil {
		e.logger = logger
	}
}

// SetTelemetry injects the telemetry provider.
func (e *Executor) SetTelemetry(telemetry core.Telemetry) {
	if telemetry != nil {
		e.telemetry = telemetry
	}
}

// Execute runs every call in the plan and returns responses in plan
// order. Individual failures never fail the batch: each failed call
// yields a failed AgentResponse at its plan index.
func (e *Executor) Execute(ctx context.Context, plan *reasoning.Plan, request core.Request) []*core.AgentResponse {
	ctx, span := e.telemetry.StartSpan(ctx, "executor.execute")
	defer span.End()
	span.SetAttribute("plan.agents", len(plan.Agents))
	span.SetAttribute("plan.parallel", plan.Parallel)

	if plan.Parallel {
		return e.executeParallel(ctx, plan, request)
	}
	return e.executeSequential(ctx, plan, request)
}

func (e *Executor) executeParallel(ctx context.Context, plan *reasoning.Plan, request core.Request) []*core.AgentResponse {
	responses := make([]*core.AgentResponse, len(plan.Agents))
	sem := make(chan struct{}, e.config.MaxParallelAgents)
	var wg sync.WaitGroup

	occurrence := make(map[string]int, len(plan.Agents))
	for i, name := range plan.Agents {
		occurrence[name]++
		params := plan.ParamsFor(name, occurrence[name])

		wg.Add(1)
		go func(idx int, agentName string, callParams map[string]interface{}) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			responses[idx] = e.dispatch(ctx, agentName, request.Merge(callParams))
		}(i, name, params)
	}
	wg.Wait()
	return responses
}

func (e *Executor) executeSequential(ctx context.Context, plan *reasoning.Plan, request core.Request) []*core.AgentResponse {
	responses := make([]*core.AgentResponse, len(plan.Agents))
	occurrence := make(map[string]int, len(plan.Agents))
	for i, name := range plan.Agents {
		occurrence[name]++
		params := plan.ParamsFor(name, occurrence[name])
		params = e.chainParams(params, responses[:i])
		responses[i] = e.dispatch(ctx, name, request.Merge(params))
	}
	return responses
}

// chainParams applies data chaining: when the resolved parameters
// carry data_source=previous, the named field is extracted from each
// preceding successful response and injected as operands (or values
// when no operation is named). The data_source and field keys do not
// reach the agent.
func (e *Executor) chainParams(params map[string]interface{}, previous []*core.AgentResponse) map[string]interface{} {
	if params == nil || params["data_source"] != "previous" {
		return params
	}

	field, _ := params["field"].(string)
	values := make([]interface{}, 0, len(previous))
	for _, resp := range previous {
		if resp == nil || !resp.Success {
			continue
		}
		if v, ok := extractField(resp.Data, field); ok {
			values = append(values, v)
		}
	}

	chained := make(map[string]interface{}, len(params)+1)
	for k, v := range params {
		if k == "data_source" || k == "field" {
			continue
		}
		chained[k] = v
	}
	if op, ok := params["operation"].(string); ok && op != "" {
		chained["operation"] = op
		chained["operands"] = values
	} else {
		chained["values"] = values
	}
	return chained
}

// extractField resolves the chaining field against a response body:
// the direct key first, then the current.<field> convenience for
// weather-shaped responses, then the generic result key.
func extractField(data map[string]interface{}, field string) (interface{}, bool) {
	if data == nil {
		return nil, false
	}
	if field != "" {
		if v, ok := data[field]; ok {
			return v, true
		}
		if v, ok := core.LookupPath(data, "current."+field); ok {
			return v, true
		}
	}
	if v, ok := data["result"]; ok {
		return v, true
	}
	return nil, false
}

// dispatch runs one plan entry: breaker gate, bounded retry, then a
// single fallback attempt when configured.
func (e *Executor) dispatch(ctx context.Context, name string, input core.Request) *core.AgentResponse {
	resp := e.callWithRetry(ctx, name, input)
	if resp.Success {
		return resp
	}

	fallback, ok := e.config.Fallbacks[name]
	if !ok || fallback == "" {
		return resp
	}
	if !e.takeFallbackSlot(name) {
		e.logger.Warn("Fallback cap reached", map[string]interface{}{
			"agent":    name,
			"fallback": fallback,
		})
		return resp
	}

	e.logger.Info("Invoking fallback agent", map[string]interface{}{
		"agent":    name,
		"fallback": fallback,
	})
	fbResp := e.callOnce(ctx, fallback, input)
	if fbResp.Metadata == nil {
		fbResp.Metadata = make(map[string]interface{})
	}
	fbResp.Metadata["fallback_from"] = name
	return fbResp
}

func (e *Executor) takeFallbackSlot(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fallbackCounts[name] >= e.config.MaxFallbacksPerAgent {
		return false
	}
	e.fallbackCounts[name]++
	return true
}

func (e *Executor) callWithRetry(ctx context.Context, name string, input core.Request) *core.AgentResponse {
	var resp *core.AgentResponse
	for attempt := 1; attempt <= e.config.Retry.MaxAttempts; attempt++ {
		resp = e.callOnce(ctx, name, input)
		if resp.Success {
			return resp
		}
		if !e.config.Retry.Retryable(resp.Error) {
			return resp
		}
		if attempt == e.config.Retry.MaxAttempts {
			break
		}

		e.mu.Lock()
		e.retryCounts[name]++
		e.mu.Unlock()
		e.telemetry.RecordMetric("executor.retries", 1, map[string]string{"agent": name})
		e.logger.Warn("Agent call failed, retrying", map[string]interface{}{
			"agent":   name,
			"attempt": attempt,
			"error":   resp.Error,
		})

		timer := time.NewTimer(e.config.Retry.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return core.NewErrorResponse(name, ctx.Err(), 0)
		case <-timer.C:
		}
	}
	return resp
}

// callOnce performs a single guarded dispatch. Panics inside an agent
// surface as a failed response, never across the executor boundary.
func (e *Executor) callOnce(ctx context.Context, name string, input core.Request) (resp *core.AgentResponse) {
	agent, ok := e.registry.Get(name)
	if !ok {
		return core.NewErrorResponse(name,
			fmt.Errorf("agent %q not registered: %w", name, core.ErrAgentNotFound), 0)
	}
	if e.breakers != nil && !e.breakers.Allow(name) {
		return core.NewErrorResponse(name,
			fmt.Errorf("agent %q unavailable: %w", name, core.ErrCircuitBreakerOpen), 0)
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Agent panicked", map[string]interface{}{
				"agent": name,
				"panic": fmt.Sprintf("%v", r),
			})
			resp = core.NewErrorResponse(name,
				fmt.Errorf("agent panic: %v: %w", r, core.ErrAgentExecution), time.Since(start))
			e.recordOutcome(name, false, time.Since(start).Seconds())
		}
	}()

	resp = agent.Call(ctx, input)
	if resp == nil {
		resp = core.NewErrorResponse(name,
			fmt.Errorf("agent returned no response: %w", core.ErrAgentExecution), time.Since(start))
	}
	e.recordOutcome(name, resp.Success, resp.ExecutionTime)
	return resp
}

func (e *Executor) recordOutcome(name string, success bool, seconds float64) {
	if e.breakers != nil {
		if success {
			e.breakers.RecordSuccess(name)
		} else {
			e.breakers.RecordFailure(name)
		}
		e.telemetry.RecordMetric("breaker.state",
			float64(e.breakers.State(name)), map[string]string{"agent": name})
	}
	status := "error"
	if success {
		status = "success"
	}
	e.telemetry.RecordMetric("executor.agent_calls", 1, map[string]string{
		"agent": name, "status": status,
	})
	e.telemetry.RecordMetric("executor.agent_duration_ms", seconds*1000, map[string]string{
		"agent": name,
	})
}

// RetryCount returns the cumulative retry count for an agent.
func (e *Executor) RetryCount(name string) int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retryCounts[name]
}

// ResetFallbackCounts clears the per-agent fallback caps (tests and
// long-running deployments that recycle them periodically).
func (e *Executor) ResetFallbackCounts() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fallbackCounts = make(map[string]int)
}
