package reasoning

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/maestroflow/maestro/ai"
	"github.com/maestroflow/maestro/core"
)

var testAgents = []AgentDescriptor{
	{Name: "calculator", Capabilities: []string{"math"}, Description: "arithmetic over operands"},
	{Name: "search", Capabilities: []string{"retrieval"}},
}

func TestLLMReasonerParsesPlan(t *testing.T) {
	client := ai.NewMockClient("").Queue(`{
		"agents": ["search", "calculator"],
		"reasoning": "search then compute",
		"confidence": 0.85,
		"parallel": false,
		"parameters": {"calculator": {"operation": "average", "data_source": "previous", "field": "result"}}
	}`)
	reasoner := NewLLMReasoner(client, "test-model", nil)

	plan, err := reasoner.Reason(context.Background(), core.Request{"query": "average the results"}, testAgents)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Agents) != 2 || plan.Agents[0] != "search" {
		t.Errorf("agents = %v", plan.Agents)
	}
	if plan.Method != MethodAI || plan.Confidence != 0.85 || plan.Parallel {
		t.Errorf("plan = %+v", plan)
	}
	if plan.Parameters["calculator"]["operation"] != "average" {
		t.Errorf("parameters = %v", plan.Parameters)
	}

	prompt := client.LastPrompt()
	if !strings.Contains(prompt, "calculator") || !strings.Contains(prompt, "arithmetic over operands") {
		t.Error("prompt does not describe the available agents")
	}
}

func TestLLMReasonerAcceptsFencedJSON(t *testing.T) {
	client := ai.NewMockClient("").Queue("```json\n{\"agents\": [\"calculator\"], \"confidence\": 0.9}\n```")
	reasoner := NewLLMReasoner(client, "", nil)

	plan, err := reasoner.Reason(context.Background(), core.Request{"query": "q"}, testAgents)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Agents) != 1 || plan.Agents[0] != "calculator" {
		t.Errorf("agents = %v", plan.Agents)
	}
}

func TestLLMReasonerRejectsUnknownAgent(t *testing.T) {
	client := ai.NewMockClient("").Queue(`{"agents": ["database"], "confidence": 0.9}`)
	reasoner := NewLLMReasoner(client, "", nil)

	_, err := reasoner.Reason(context.Background(), core.Request{"query": "q"}, testAgents)
	if !errors.Is(err, core.ErrUnknownAgent) {
		t.Errorf("err = %v", err)
	}
}

func TestLLMReasonerRejectsMissingFields(t *testing.T) {
	cases := map[string]string{
		"no agents":     `{"agents": [], "confidence": 0.9}`,
		"no confidence": `{"agents": ["calculator"]}`,
		"not json":      `I would use the calculator for this.`,
	}
	for name, response := range cases {
		client := ai.NewMockClient("").Queue(response)
		reasoner := NewLLMReasoner(client, "", nil)
		if _, err := reasoner.Reason(context.Background(), core.Request{"query": "q"}, testAgents); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLLMReasonerClampsConfidence(t *testing.T) {
	client := ai.NewMockClient("").Queue(`{"agents": ["calculator"], "confidence": 1.7}`)
	reasoner := NewLLMReasoner(client, "", nil)

	plan, err := reasoner.Reason(context.Background(), core.Request{"query": "q"}, testAgents)
	if err != nil {
		t.Fatal(err)
	}
	if plan.Confidence != 1.0 {
		t.Errorf("confidence = %v", plan.Confidence)
	}
}

func TestLLMReasonerProviderFailure(t *testing.T) {
	client := ai.NewMockClient("").Fail(errors.New("upstream unavailable"))
	reasoner := NewLLMReasoner(client, "", nil)

	_, err := reasoner.Reason(context.Background(), core.Request{"query": "q"}, testAgents)
	if err == nil {
		t.Fatal("expected error")
	}

	stats := reasoner.Stats()
	if stats.PlanRequests != 1 || stats.PlanFailures != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestLLMReasonerTokenAccounting(t *testing.T) {
	client := ai.NewMockClient("").Queue(`{"agents": ["calculator"], "confidence": 0.9}`)
	reasoner := NewLLMReasoner(client, "", nil)

	if _, err := reasoner.Reason(context.Background(), core.Request{"query": "q"}, testAgents); err != nil {
		t.Fatal(err)
	}
	if reasoner.Stats().TotalTokens == 0 {
		t.Error("token usage not accumulated")
	}
}

func TestExtractJSON(t *testing.T) {
	cases := map[string]string{
		`{"a": 1}`:                               `{"a": 1}`,
		"```json\n{\"a\": 1}\n```":               `{"a": 1}`,
		"```\n{\"a\": 1}\n```":                   `{"a": 1}`,
		`Here is the plan: {"a": {"b": 2}} done`: `{"a": {"b": 2}}`,
		`no json here`:                           "",
		`{"unbalanced": `:                        "",
	}
	for in, want := range cases {
		if got := ExtractJSON(in); got != want {
			t.Errorf("ExtractJSON(%q) = %q, want %q", in, got, want)
		}
	}
}
