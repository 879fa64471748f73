package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/maestroflow/maestro/core"
)

func TestCalculatorOperations(t *testing.T) {
	calc := NewCalculatorAgent()

	cases := []struct {
		operation string
		operands  []interface{}
		want      float64
	}{
		{"add", []interface{}{15.0, 27.0}, 42},
		{"sum", []interface{}{1.0, 2.0, 3.0}, 6},
		{"subtract", []interface{}{10.0, 3.0, 2.0}, 5},
		{"multiply", []interface{}{2.0, 3.0, 4.0}, 24},
		{"divide", []interface{}{100.0, 4.0}, 25},
		{"average", []interface{}{2.0, 4.0, 6.0}, 4},
		{"mean", []interface{}{1.0, 3.0}, 2},
	}
	for _, tc := range cases {
		resp := calc.Call(context.Background(), core.Request{
			"operation": tc.operation,
			"operands":  tc.operands,
		})
		if !resp.Success {
			t.Errorf("%s: %s", tc.operation, resp.Error)
			continue
		}
		if resp.Data["result"] != tc.want {
			t.Errorf("%s = %v, want %v", tc.operation, resp.Data["result"], tc.want)
		}
		if resp.Data["operation"] != tc.operation {
			t.Errorf("%s: operation echo = %v", tc.operation, resp.Data["operation"])
		}
	}
}

func TestCalculatorFailures(t *testing.T) {
	calc := NewCalculatorAgent()

	cases := []struct {
		name    string
		input   core.Request
		errPart string
	}{
		{"missing operation", core.Request{"operands": []interface{}{1.0}}, "operation"},
		{"missing operands", core.Request{"operation": "add"}, "operands"},
		{"division by zero", core.Request{"operation": "divide", "operands": []interface{}{1.0, 0.0}}, "division by zero"},
		{"unknown operation", core.Request{"operation": "modulo", "operands": []interface{}{1.0, 2.0}}, "unsupported operation"},
		{"non-numeric operand", core.Request{"operation": "add", "operands": []interface{}{"two"}}, "not numeric"},
	}
	for _, tc := range cases {
		resp := calc.Call(context.Background(), tc.input)
		if resp.Success {
			t.Errorf("%s: expected failure", tc.name)
			continue
		}
		if !strings.Contains(resp.Error, tc.errPart) {
			t.Errorf("%s: error = %q", tc.name, resp.Error)
		}
	}

	stats := calc.Stats()
	if stats.CallCount != 5 || stats.ErrorCount != 5 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestCalculatorNestedParameters(t *testing.T) {
	calc := NewCalculatorAgent()
	resp := calc.Call(context.Background(), core.Request{
		"parameters": map[string]interface{}{
			"operation": "add",
			"operands":  []interface{}{1.0, 2.0},
		},
	})
	if !resp.Success || resp.Data["result"] != 3.0 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestSearchMatchesTokens(t *testing.T) {
	search := NewMockSearchAgent(nil)
	resp := search.Call(context.Background(), core.Request{"query": "goroutines channels"})
	if !resp.Success {
		t.Fatal(resp.Error)
	}
	results := resp.Data["results"].([]map[string]interface{})
	if len(results) != 1 || results[0]["title"] != "Go concurrency patterns" {
		t.Errorf("results = %v", results)
	}
	if resp.Data["count"] != 1 {
		t.Errorf("count = %v", resp.Data["count"])
	}
}

func TestSearchMaxResults(t *testing.T) {
	corpus := make([]SearchDocument, 5)
	for i := range corpus {
		corpus[i] = SearchDocument{Title: fmt.Sprintf("kafka notes %d", i), Content: "brokers"}
	}
	search := NewMockSearchAgent(corpus)

	resp := search.Call(context.Background(), core.Request{
		"query":       "kafka",
		"max_results": 2.0,
	})
	if resp.Data["count"] != 2 {
		t.Errorf("count = %v", resp.Data["count"])
	}
}

func TestSearchEmptyQueryReturnsAll(t *testing.T) {
	search := NewMockSearchAgent(nil)
	resp := search.Call(context.Background(), core.Request{})
	if resp.Data["count"] != 3 {
		t.Errorf("count = %v", resp.Data["count"])
	}
}

func TestFuncAgentMapShape(t *testing.T) {
	agent, err := NewFuncAgent("echo", []string{"util"},
		func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"echoed": args["value"]}, nil
		})
	if err != nil {
		t.Fatal(err)
	}
	resp := agent.Call(context.Background(), core.Request{"value": "hi"})
	if !resp.Success || resp.Data["echoed"] != "hi" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestFuncAgentStructShape(t *testing.T) {
	type args struct {
		City  string `json:"city" required:"true"`
		Units string `json:"units"`
	}
	agent, err := NewFuncAgent("weather", []string{"weather"},
		func(ctx context.Context, a args) (interface{}, error) {
			return map[string]interface{}{"city": a.City, "units": a.Units}, nil
		})
	if err != nil {
		t.Fatal(err)
	}

	resp := agent.Call(context.Background(), core.Request{
		"city":     "oslo",
		"units":    "metric",
		"ignored":  "dropped silently",
		"operator": 7,
	})
	if !resp.Success || resp.Data["city"] != "oslo" {
		t.Errorf("resp = %+v", resp)
	}

	resp = agent.Call(context.Background(), core.Request{"units": "metric"})
	if resp.Success || !strings.Contains(resp.Error, `missing required parameter "city"`) {
		t.Errorf("resp = %+v", resp)
	}
}

func TestFuncAgentErrorAndPanic(t *testing.T) {
	failing, _ := NewFuncAgent("failing", nil,
		func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return nil, errors.New("backend unavailable")
		})
	resp := failing.Call(context.Background(), core.Request{})
	if resp.Success || resp.Error != "backend unavailable" {
		t.Errorf("resp = %+v", resp)
	}

	panicking, _ := NewFuncAgent("panicking", nil,
		func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			panic("boom")
		})
	resp = panicking.Call(context.Background(), core.Request{})
	if resp.Success || !strings.Contains(resp.Error, "boom") {
		t.Errorf("panic resp = %+v", resp)
	}
}

func TestFuncAgentRejectsBadSignatures(t *testing.T) {
	bad := []interface{}{
		"not a function",
		func() {},
		func(ctx context.Context) (interface{}, error) { return nil, nil },
		func(ctx context.Context, args map[string]interface{}) interface{} { return nil },
		func(ctx context.Context, args int) (interface{}, error) { return nil, nil },
	}
	for i, fn := range bad {
		if _, err := NewFuncAgent("bad", nil, fn); !errors.Is(err, core.ErrInvalidConfiguration) {
			t.Errorf("case %d: err = %v", i, err)
		}
	}
}

func TestHTTPAgentDiscoveryAndCall(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tools":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"tools": []map[string]string{{"name": "forecast"}},
			})
		case "/call":
			_ = json.NewDecoder(r.Body).Decode(&gotBody)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"temperature": 21.5, "city": "oslo",
			})
		case "/health":
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	agent := NewHTTPAgent(HTTPAgentConfig{
		Name:         "weather",
		BaseURL:      srv.URL,
		Capabilities: []string{"weather"},
	}, nil)

	if err := agent.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	caps := agent.Capabilities()
	if len(caps) != 2 || caps[1] != "forecast" {
		t.Errorf("capabilities = %v", caps)
	}

	resp := agent.Call(context.Background(), core.Request{"query": "weather in oslo", "city": "oslo"})
	if !resp.Success || resp.Data["temperature"] != 21.5 {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Metadata["tool"] != "forecast" {
		t.Errorf("tool metadata = %v", resp.Metadata)
	}
	if gotBody["tool"] != "forecast" {
		t.Errorf("wire body = %v", gotBody)
	}
	params, _ := gotBody["parameters"].(map[string]interface{})
	if params["city"] != "oslo" {
		t.Errorf("wire parameters = %v", params)
	}

	if !agent.HealthCheck(context.Background()) {
		t.Error("health check failed against healthy endpoint")
	}
}

func TestHTTPAgentConnectionErrorText(t *testing.T) {
	agent := NewHTTPAgent(HTTPAgentConfig{
		Name:    "weather",
		BaseURL: "http://127.0.0.1:1", // nothing listens here
	}, nil)

	resp := agent.Call(context.Background(), core.Request{"query": "q"})
	if resp.Success {
		t.Fatal("expected failure")
	}
	// The error text carries the connection classification the retry
	// policy matches on.
	if !strings.Contains(strings.ToLower(resp.Error), "connection") {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestHTTPAgentNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	agent := NewHTTPAgent(HTTPAgentConfig{Name: "weather", BaseURL: srv.URL}, nil)
	resp := agent.Call(context.Background(), core.Request{"query": "q"})
	if resp.Success || !strings.Contains(resp.Error, "status 500") {
		t.Errorf("resp = %+v", resp)
	}
}

func TestHTTPAgentHealthCheckDown(t *testing.T) {
	agent := NewHTTPAgent(HTTPAgentConfig{Name: "weather", BaseURL: "http://127.0.0.1:1"}, nil)
	if agent.HealthCheck(context.Background()) {
		t.Error("unreachable endpoint reported healthy")
	}
}
