package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/maestroflow/maestro/agents"
	"github.com/maestroflow/maestro/core"
	"github.com/maestroflow/maestro/orchestration"
	"github.com/maestroflow/maestro/reasoning"
	"github.com/maestroflow/maestro/resilience"
)

func newTestServer(t *testing.T, config Config) *Server {
	t.Helper()

	registry := core.NewRegistry(&core.NoOpLogger{})
	if err := registry.Register(context.Background(), agents.NewCalculatorAgent(), false); err != nil {
		t.Fatal(err)
	}

	rules := reasoning.NewRuleEngine([]reasoning.Rule{{
		Name:         "arithmetic",
		Priority:     10,
		Logic:        "AND",
		Enabled:      true,
		Confidence:   0.9,
		TargetAgents: []string{"calculator"},
		Conditions: []reasoning.Condition{{
			Field: "query", Operator: "contains", Value: "calculate",
		}},
	}}, &core.NoOpLogger{})
	reasoner := reasoning.NewHybridReasoner(reasoning.ModeRule, rules, nil, &core.NoOpLogger{})
	breakers := resilience.NewBreakerManager(resilience.DefaultBreakerConfig())

	controller := orchestration.NewController(orchestration.ControllerConfig{
		Executor:    orchestration.DefaultExecutorConfig(),
		Validation:  orchestration.ValidationConfig{Enabled: false},
		QueryLogDir: t.TempDir(),
	}, registry, breakers, reasoner, nil)
	if err := controller.Start(); err != nil {
		t.Fatal(err)
	}

	return New(config, Dependencies{
		Controller: controller,
		Registry:   registry,
		Breakers:   breakers,
		Reasoner:   reasoner,
	})
}

func postQuery(t *testing.T, handler http.Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestQueryEndpoint(t *testing.T) {
	handler := newTestServer(t, Config{}).Handler()

	rec := postQuery(t, handler,
		`{"query": "calculate", "operation": "add", "operands": [19, 23]}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out["success"] != true {
		t.Fatalf("envelope = %v", out)
	}
	calc, _ := out["data"].(map[string]interface{})["calculator"].(map[string]interface{})
	if calc["result"] != 42.0 {
		t.Errorf("result = %v", calc["result"])
	}
	meta, _ := out["_metadata"].(map[string]interface{})
	if meta["request_id"] == "" {
		t.Error("missing request_id")
	}
}

func TestQueryRequiresQueryField(t *testing.T) {
	handler := newTestServer(t, Config{}).Handler()

	rec := postQuery(t, handler, `{"operation": "add"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	var out map[string]interface{}
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	if out["success"] != false || !strings.Contains(out["error"].(string), "query is required") {
		t.Errorf("envelope = %v", out)
	}
}

func TestQueryRejectsMalformedJSON(t *testing.T) {
	handler := newTestServer(t, Config{}).Handler()
	rec := postQuery(t, handler, `{"query": `, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestCorrelationHeaderEcho(t *testing.T) {
	handler := newTestServer(t, Config{}).Handler()

	rec := postQuery(t, handler, `{"query": "calculate", "operation": "add", "operands": [1, 2]}`,
		map[string]string{"X-Correlation-ID": "corr-77"})
	if got := rec.Header().Get("X-Correlation-ID"); got != "corr-77" {
		t.Errorf("correlation header = %q", got)
	}

	var out map[string]interface{}
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	meta, _ := out["_metadata"].(map[string]interface{})
	if meta["request_id"] != "corr-77" {
		t.Errorf("request_id = %v", meta["request_id"])
	}
}

func TestBearerAuth(t *testing.T) {
	handler := newTestServer(t, Config{AuthToken: "s3cret", RequireAuth: true}).Handler()

	rec := postQuery(t, handler, `{"query": "calculate"}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d", rec.Code)
	}

	rec = postQuery(t, handler, `{"query": "calculate"}`,
		map[string]string{"Authorization": "Bearer wrong"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d", rec.Code)
	}

	rec = postQuery(t, handler, `{"query": "calculate", "operation": "add", "operands": [1, 2]}`,
		map[string]string{"Authorization": "Bearer s3cret"})
	if rec.Code != http.StatusOK {
		t.Errorf("good token: status = %d", rec.Code)
	}

	// Operational endpoints stay open.
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	healthRec := httptest.NewRecorder()
	handler.ServeHTTP(healthRec, req)
	if healthRec.Code != http.StatusOK {
		t.Errorf("health behind auth: status = %d", healthRec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	handler := newTestServer(t, Config{}).Handler()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out["status"] != "healthy" {
		t.Errorf("status = %v", out["status"])
	}
	agentsMap, _ := out["agents"].(map[string]interface{})
	if agentsMap["calculator"] != true {
		t.Errorf("agents = %v", agentsMap)
	}
	caps, _ := out["capabilities"].(map[string]interface{})
	if _, ok := caps["calculator"]; !ok {
		t.Errorf("capabilities = %v", caps)
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv := newTestServer(t, Config{})
	handler := srv.Handler()

	postQuery(t, handler, `{"query": "calculate", "operation": "add", "operands": [1, 2]}`, nil)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	controller, _ := out["controller"].(map[string]interface{})
	if controller["total_requests"] != 1.0 {
		t.Errorf("controller stats = %v", controller)
	}
	if _, ok := out["reasoning"]; !ok {
		t.Error("missing reasoning stats")
	}
	if _, ok := out["circuit_breakers"]; !ok {
		t.Error("missing breaker stats")
	}
}

func TestStreamingQuery(t *testing.T) {
	handler := newTestServer(t, Config{}).Handler()

	rec := postQuery(t, handler,
		`{"query": "calculate", "operation": "add", "operands": [20, 22], "stream": true}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	events := make(map[string]json.RawMessage)
	scanner := bufio.NewScanner(rec.Body)
	var current string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			events[current] = json.RawMessage(strings.TrimPrefix(line, "data: "))
		}
	}

	for _, want := range []string{"started", "reasoning_started", "reasoning_complete", "agents_executing", "completed"} {
		if _, ok := events[want]; !ok {
			t.Errorf("missing event %q; got %v", want, keys(events))
		}
	}

	var final struct {
		Event string                 `json:"event"`
		Data  map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal(events["completed"], &final); err != nil {
		t.Fatal(err)
	}
	if final.Data["success"] != true {
		t.Errorf("final envelope = %v", final.Data)
	}
}

func TestStreamingErrorEvent(t *testing.T) {
	handler := newTestServer(t, Config{}).Handler()

	// No rule matches, so reasoning produces no plan.
	rec := postQuery(t, handler, `{"query": "weather in oslo", "stream": true}`, nil)

	body := rec.Body.String()
	if !strings.Contains(body, "event: error") {
		t.Errorf("expected error event, got:\n%s", body)
	}
	if strings.Contains(body, "event: completed") {
		t.Errorf("unexpected completed event:\n%s", body)
	}
}

func keys(m map[string]json.RawMessage) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
