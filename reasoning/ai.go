package reasoning

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/maestroflow/maestro/core"
)

// Reasoner produces an execution plan for a request, or no plan.
type Reasoner interface {
	Reason(ctx context.Context, req core.Request, available []AgentDescriptor) (*Plan, error)
}

// LLMReasoner consults a language model to produce an execution plan.
// Any parse failure, missing required field, or unknown agent name
// invalidates the plan (returns nil plan with an error).
type LLMReasoner struct {
	client    core.AIClient
	model     string
	logger    core.Logger
	telemetry core.Telemetry

	// Cumulative cost attribution
	totalTokens  int64
	planRequests int64
	planFailures int64
}

// NewLLMReasoner creates an AI reasoner over any core.AIClient.
func NewLLMReasoner(client core.AIClient, model string, logger core.Logger) *LLMReasoner {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &LLMReasoner{
		client:    client,
		model:     model,
		logger:    logger,
		telemetry: &core.NoOpTelemetry{},
	}
}

// SetTelemetry sets the telemetry provider.
func (r *LLMReasoner) SetTelemetry(telemetry core.Telemetry) {
	if telemetry == nil {
		r.telemetry = &core.NoOpTelemetry{}
	} else {
		r.telemetry = telemetry
	}
}

// aiPlan mirrors the JSON shape the model is asked to emit.
type aiPlan struct {
	Agents     []string               `json:"agents"`
	Reasoning  string                 `json:"reasoning"`
	Confidence *float64               `json:"confidence"`
	Parallel   bool                   `json:"parallel"`
	Parameters map[string]interface{} `json:"parameters"`
}

// Reason builds the planning prompt, calls the model deterministically
// (temperature 0), and parses the returned JSON plan.
func (r *LLMReasoner) Reason(ctx context.Context, req core.Request, available []AgentDescriptor) (*Plan, error) {
	atomic.AddInt64(&r.planRequests, 1)

	if r.client == nil {
		atomic.AddInt64(&r.planFailures, 1)
		return nil, core.NewEngineError("reasoner.Reason", "reasoning", core.ErrProviderFailure)
	}
	if len(available) == 0 {
		atomic.AddInt64(&r.planFailures, 1)
		return nil, core.NewEngineError("reasoner.Reason", "reasoning", core.ErrNoPlan)
	}

	ctx, span := r.telemetry.StartSpan(ctx, "reasoning.llm_plan")
	defer span.End()

	prompt := r.buildPrompt(req, available)
	span.SetAttribute("prompt_length", len(prompt))

	response, err := r.client.GenerateResponse(ctx, prompt, &core.AIOptions{
		Model:        r.model,
		Temperature:  0.0,
		MaxTokens:    2000,
		SystemPrompt: "You are an orchestration planner that selects agents for user requests.",
	})
	if err != nil {
		atomic.AddInt64(&r.planFailures, 1)
		span.RecordError(err)
		return nil, fmt.Errorf("plan generation failed: %w", err)
	}

	// Token usage, when reported, feeds cost attribution.
	atomic.AddInt64(&r.totalTokens, int64(response.Usage.TotalTokens))
	r.telemetry.RecordMetric("reasoning.tokens_used", float64(response.Usage.TotalTokens), map[string]string{
		"model": response.Model,
	})

	plan, err := r.parsePlan(response.Content, available)
	if err != nil {
		atomic.AddInt64(&r.planFailures, 1)
		span.RecordError(err)
		r.logger.Warn("AI plan rejected", map[string]interface{}{
			"operation": "parse_plan",
			"error":     err.Error(),
		})
		return nil, err
	}

	span.SetAttribute("plan_agents", len(plan.Agents))
	return plan, nil
}

func (r *LLMReasoner) buildPrompt(req core.Request, available []AgentDescriptor) string {
	reqJSON, _ := json.Marshal(map[string]interface{}(req))
	return fmt.Sprintf(`You are an orchestrator managing the following agents:

%s
User request:
%s

Select the agent(s) to invoke and respond with a JSON object:
{
  "agents": ["agent-name", ...],
  "reasoning": "why these agents",
  "confidence": 0.0-1.0,
  "parallel": true|false,
  "parameters": {"agent-name": {"param": "value"}}
}

Rules:
1. Only use agent names listed above.
2. agents is ordered; repeat a name to call it twice and key its
   parameters as "name_1", "name_2", ...
3. Set parallel=false when a later agent consumes earlier output.
4. Respond with JSON only, no explanation.`, DescribeAgents(available), string(reqJSON))
}

// parsePlan accepts plans optionally wrapped in a fenced code block.
func (r *LLMReasoner) parsePlan(content string, available []AgentDescriptor) (*Plan, error) {
	jsonText := ExtractJSON(content)
	if jsonText == "" {
		return nil, fmt.Errorf("no JSON found in model response: %w", core.ErrInvalidPlan)
	}

	var raw aiPlan
	if err := json.Unmarshal([]byte(jsonText), &raw); err != nil {
		return nil, fmt.Errorf("plan JSON parse failed: %v: %w", err, core.ErrInvalidPlan)
	}

	if len(raw.Agents) == 0 {
		return nil, fmt.Errorf("plan has no agents: %w", core.ErrInvalidPlan)
	}
	if raw.Confidence == nil {
		return nil, fmt.Errorf("plan missing confidence: %w", core.ErrInvalidPlan)
	}
	for _, name := range raw.Agents {
		if !containsAgent(available, name) {
			return nil, fmt.Errorf("plan references %q: %w", name, core.ErrUnknownAgent)
		}
	}

	confidence := *raw.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	plan := &Plan{
		Agents:     raw.Agents,
		Confidence: confidence,
		Method:     MethodAI,
		Parallel:   raw.Parallel,
		Reasoning:  raw.Reasoning,
		RawPlan:    jsonText,
		Parameters: map[string]map[string]interface{}{},
	}
	for key, value := range raw.Parameters {
		if params, ok := value.(map[string]interface{}); ok {
			plan.Parameters[key] = params
		}
	}
	return plan, nil
}

// ReasonerStats is the cumulative counter snapshot for /stats.
type ReasonerStats struct {
	PlanRequests int64 `json:"plan_requests"`
	PlanFailures int64 `json:"plan_failures"`
	TotalTokens  int64 `json:"total_tokens"`
}

// Stats returns cumulative reasoning counters.
func (r *LLMReasoner) Stats() ReasonerStats {
	return ReasonerStats{
		PlanRequests: atomic.LoadInt64(&r.planRequests),
		PlanFailures: atomic.LoadInt64(&r.planFailures),
		TotalTokens:  atomic.LoadInt64(&r.totalTokens),
	}
}

// ExtractJSON pulls a JSON object out of text that may wrap it in a
// markdown code fence or surrounding prose.
func ExtractJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.Index(text, "```"); idx != -1 {
			text = text[:idx]
		}
		return strings.TrimSpace(text)
	}
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.Index(text, "```"); idx != -1 {
			text = text[:idx]
		}
		return strings.TrimSpace(text)
	}

	start := strings.Index(text, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
