package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/maestroflow/maestro/core"
	"github.com/maestroflow/maestro/reasoning"
	"github.com/maestroflow/maestro/resilience"
)

// scriptedAgent fails a configured number of times before succeeding,
// and records every input it receives.
type scriptedAgent struct {
	*core.BaseAgent
	mu        sync.Mutex
	failures  int
	failText  string
	panicking bool
	inputs    []core.Request
	data      map[string]interface{}
}

func newScriptedAgent(name string, failures int, failText string) *scriptedAgent {
	return &scriptedAgent{
		BaseAgent: core.NewBaseAgent(name, []string{"test"}, nil),
		failures:  failures,
		failText:  failText,
		data:      map[string]interface{}{"result": "ok"},
	}
}

func (a *scriptedAgent) Call(ctx context.Context, input core.Request) *core.AgentResponse {
	a.mu.Lock()
	a.inputs = append(a.inputs, input.Clone())
	shouldFail := a.failures > 0
	if shouldFail {
		a.failures--
	}
	a.mu.Unlock()

	if a.panicking {
		panic("scripted panic")
	}
	if shouldFail {
		return core.NewErrorResponse(a.Name(), errors.New(a.failText), time.Millisecond)
	}
	return core.NewSuccessResponse(a.Name(), a.data, time.Millisecond)
}

func (a *scriptedAgent) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inputs)
}

func fastRetryConfig() *resilience.RetryConfig {
	cfg := resilience.DefaultRetryConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	return cfg
}

func testExecutor(t *testing.T, agents ...core.Agent) (*Executor, *resilience.BreakerManager) {
	t.Helper()
	registry := core.NewRegistry(&core.NoOpLogger{})
	for _, a := range agents {
		if err := registry.Register(context.Background(), a, false); err != nil {
			t.Fatalf("register %s: %v", a.Name(), err)
		}
	}
	breakers := resilience.NewBreakerManager(resilience.DefaultBreakerConfig())
	cfg := DefaultExecutorConfig()
	cfg.Retry = fastRetryConfig()
	return NewExecutor(registry, breakers, cfg), breakers
}

func TestExecuteSequentialPreservesPlanOrder(t *testing.T) {
	a := newScriptedAgent("alpha", 0, "")
	b := newScriptedAgent("beta", 0, "")
	exec, _ := testExecutor(t, a, b)

	plan := &reasoning.Plan{Agents: []string{"beta", "alpha", "beta"}}
	responses := exec.Execute(context.Background(), plan, core.Request{"query": "x"})

	want := []string{"beta", "alpha", "beta"}
	for i, resp := range responses {
		if resp.AgentName != want[i] {
			t.Errorf("position %d: got %s, want %s", i, resp.AgentName, want[i])
		}
	}
}

func TestExecuteParallelJoinsByPlanIndex(t *testing.T) {
	a := newScriptedAgent("alpha", 0, "")
	b := newScriptedAgent("beta", 0, "")
	exec, _ := testExecutor(t, a, b)

	plan := &reasoning.Plan{Agents: []string{"alpha", "beta"}, Parallel: true}
	responses := exec.Execute(context.Background(), plan, core.Request{})
	if responses[0].AgentName != "alpha" || responses[1].AgentName != "beta" {
		t.Errorf("parallel join must preserve plan order, got %s,%s",
			responses[0].AgentName, responses[1].AgentName)
	}
}

func TestParameterRoutingPerOccurrence(t *testing.T) {
	a := newScriptedAgent("weather", 0, "")
	exec, _ := testExecutor(t, a)

	plan := &reasoning.Plan{
		Agents: []string{"weather", "weather"},
		Parameters: map[string]map[string]interface{}{
			"weather_1": {"city": "NY"},
			"weather_2": {"city": "LA"},
		},
	}
	exec.Execute(context.Background(), plan, core.Request{"query": "temps"})

	if got := a.inputs[0].GetString("city"); got != "NY" {
		t.Errorf("first occurrence got city %q", got)
	}
	if got := a.inputs[1].GetString("city"); got != "LA" {
		t.Errorf("second occurrence got city %q", got)
	}
	if a.inputs[0].GetString("query") != "temps" {
		t.Error("base request keys must survive the merge")
	}
}

func TestDataChainingInjectsOperands(t *testing.T) {
	weather := newScriptedAgent("weather", 0, "")
	calc := newScriptedAgent("calculator", 0, "")
	exec, _ := testExecutor(t, weather, calc)

	weather.data = map[string]interface{}{"current": map[string]interface{}{"temp": 72.0}}

	plan := &reasoning.Plan{
		Agents: []string{"weather", "weather", "calculator"},
		Parameters: map[string]map[string]interface{}{
			"weather_1":  {"city": "NY"},
			"weather_2":  {"city": "LA"},
			"calculator": {"data_source": "previous", "field": "temp", "operation": "average"},
		},
	}
	exec.Execute(context.Background(), plan, core.Request{})

	input := calc.inputs[0]
	if input.GetString("operation") != "average" {
		t.Errorf("operation = %q", input.GetString("operation"))
	}
	operands, ok := input["operands"].([]interface{})
	if !ok || len(operands) != 2 {
		t.Fatalf("operands = %v", input["operands"])
	}
	if operands[0] != 72.0 || operands[1] != 72.0 {
		t.Errorf("operands = %v", operands)
	}
	if _, present := input["data_source"]; present {
		t.Error("data_source must not reach the agent")
	}
	if _, present := input["field"]; present {
		t.Error("field must not reach the agent")
	}
}

func TestDataChainingSkipsFailedResponses(t *testing.T) {
	good := newScriptedAgent("good", 0, "")
	good.data = map[string]interface{}{"temp": 10.0}
	bad := newScriptedAgent("bad", 99, "business failure")
	sink := newScriptedAgent("sink", 0, "")
	exec, _ := testExecutor(t, good, bad, sink)

	plan := &reasoning.Plan{
		Agents: []string{"good", "bad", "sink"},
		Parameters: map[string]map[string]interface{}{
			"sink": {"data_source": "previous", "field": "temp"},
		},
	}
	exec.Execute(context.Background(), plan, core.Request{})

	values, ok := sink.inputs[0]["values"].([]interface{})
	if !ok {
		t.Fatalf("expected values injection, got %v", sink.inputs[0])
	}
	if len(values) != 1 || values[0] != 10.0 {
		t.Errorf("values = %v", values)
	}
}

func TestRetryBoundExactlyMaxAttempts(t *testing.T) {
	a := newScriptedAgent("flaky", 99, "connection refused")
	exec, _ := testExecutor(t, a)

	plan := &reasoning.Plan{Agents: []string{"flaky"}}
	responses := exec.Execute(context.Background(), plan, core.Request{})

	if a.callCount() != 3 {
		t.Errorf("expected exactly max_attempts=3 dispatches, got %d", a.callCount())
	}
	if responses[0].Success {
		t.Error("expected failure after exhausting retries")
	}
	if exec.RetryCount("flaky") != 2 {
		t.Errorf("expected 2 recorded retries, got %d", exec.RetryCount("flaky"))
	}
}

func TestNonRetryableFailureDispatchesOnce(t *testing.T) {
	a := newScriptedAgent("strict", 99, "invalid operand shape")
	exec, _ := testExecutor(t, a)

	exec.Execute(context.Background(), &reasoning.Plan{Agents: []string{"strict"}}, core.Request{})
	if a.callCount() != 1 {
		t.Errorf("business failures are not retried, got %d dispatches", a.callCount())
	}
}

func TestRetryThenSuccess(t *testing.T) {
	a := newScriptedAgent("calculator", 1, "timeout contacting backend")
	exec, _ := testExecutor(t, a)

	responses := exec.Execute(context.Background(), &reasoning.Plan{Agents: []string{"calculator"}}, core.Request{})
	if !responses[0].Success {
		t.Fatalf("expected success on retry, got %s", responses[0].Error)
	}
	if exec.RetryCount("calculator") != 1 {
		t.Errorf("retry counter = %d, want 1", exec.RetryCount("calculator"))
	}
}

func TestFallbackInvokedOnceWithoutRetry(t *testing.T) {
	primary := newScriptedAgent("primary", 99, "timeout")
	backup := newScriptedAgent("backup", 0, "")
	registry := core.NewRegistry(&core.NoOpLogger{})
	registry.Register(context.Background(), primary, false)
	registry.Register(context.Background(), backup, false)

	cfg := DefaultExecutorConfig()
	cfg.Retry = fastRetryConfig()
	cfg.Fallbacks = map[string]string{"primary": "backup"}
	exec := NewExecutor(registry, resilience.NewBreakerManager(resilience.DefaultBreakerConfig()), cfg)

	responses := exec.Execute(context.Background(), &reasoning.Plan{Agents: []string{"primary"}}, core.Request{})
	if !responses[0].Success {
		t.Fatalf("expected fallback success, got %s", responses[0].Error)
	}
	if responses[0].Metadata["fallback_from"] != "primary" {
		t.Errorf("missing fallback_from stamp: %v", responses[0].Metadata)
	}
	if primary.callCount() != 3 {
		t.Errorf("primary dispatched %d times, want max_attempts=3", primary.callCount())
	}
	if backup.callCount() != 1 {
		t.Errorf("fallback dispatched %d times, want exactly 1", backup.callCount())
	}
}

func TestFallbackCap(t *testing.T) {
	primary := newScriptedAgent("primary", 99, "timeout")
	backup := newScriptedAgent("backup", 99, "timeout")
	registry := core.NewRegistry(&core.NoOpLogger{})
	registry.Register(context.Background(), primary, false)
	registry.Register(context.Background(), backup, false)

	cfg := DefaultExecutorConfig()
	cfg.Retry = fastRetryConfig()
	cfg.Fallbacks = map[string]string{"primary": "backup"}
	cfg.MaxFallbacksPerAgent = 2
	exec := NewExecutor(registry, nil, cfg)

	for i := 0; i < 4; i++ {
		exec.Execute(context.Background(), &reasoning.Plan{Agents: []string{"primary"}}, core.Request{})
	}
	if backup.callCount() != 2 {
		t.Errorf("fallback cap of 2 violated: %d dispatches", backup.callCount())
	}
}

func TestOpenBreakerRefusesDispatch(t *testing.T) {
	a := newScriptedAgent("shaky", 0, "")
	exec, breakers := testExecutor(t, a)
	for i := 0; i < 5; i++ {
		breakers.RecordFailure("shaky")
	}
	if breakers.State("shaky") != resilience.StateOpen {
		t.Fatal("breaker should be open")
	}

	responses := exec.Execute(context.Background(), &reasoning.Plan{Agents: []string{"shaky"}}, core.Request{})
	if responses[0].Success {
		t.Error("open breaker must refuse the call")
	}
	if a.callCount() != 0 {
		t.Errorf("agent dispatched %d times behind an open breaker", a.callCount())
	}
}

func TestPanicSurfacesAsFailedResponse(t *testing.T) {
	a := newScriptedAgent("wild", 0, "")
	a.panicking = true
	exec, _ := testExecutor(t, a)

	responses := exec.Execute(context.Background(), &reasoning.Plan{Agents: []string{"wild"}}, core.Request{})
	if responses[0].Success {
		t.Fatal("panic must yield a failed response")
	}
	if responses[0].Error == "" {
		t.Error("expected panic detail in the error text")
	}
}

func TestUnknownAgentFails(t *testing.T) {
	exec, _ := testExecutor(t)
	responses := exec.Execute(context.Background(), &reasoning.Plan{Agents: []string{"ghost"}}, core.Request{})
	if responses[0].Success {
		t.Error("unknown agent must fail")
	}
}

func TestParallelFanOutBounded(t *testing.T) {
	registry := core.NewRegistry(&core.NoOpLogger{})
	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	names := make([]string, 8)
	for i := range names {
		names[i] = fmt.Sprintf("agent%d", i)
		agent := core.NewBaseAgent(names[i], []string{"test"}, nil)
		registry.Register(context.Background(), &gaugeAgent{BaseAgent: agent,
			mu: &mu, inFlight: &inFlight, maxInFlight: &maxInFlight}, false)
	}

	cfg := DefaultExecutorConfig()
	cfg.MaxParallelAgents = 2
	exec := NewExecutor(registry, nil, cfg)
	exec.Execute(context.Background(), &reasoning.Plan{Agents: names, Parallel: true}, core.Request{})

	if maxInFlight > 2 {
		t.Errorf("concurrency %d exceeded max_parallel_agents=2", maxInFlight)
	}
}

type gaugeAgent struct {
	*core.BaseAgent
	mu          *sync.Mutex
	inFlight    *int
	maxInFlight *int
}

func (g *gaugeAgent) Call(ctx context.Context, input core.Request) *core.AgentResponse {
	g.mu.Lock()
	*g.inFlight++
	if *g.inFlight > *g.maxInFlight {
		*g.maxInFlight = *g.inFlight
	}
	g.mu.Unlock()
	time.Sleep(5 * time.Millisecond)
	g.mu.Lock()
	*g.inFlight--
	g.mu.Unlock()
	return core.NewSuccessResponse(g.Name(), map[string]interface{}{"ok": true}, time.Millisecond)
}
