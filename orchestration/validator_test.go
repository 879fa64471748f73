package orchestration

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/maestroflow/maestro/ai"
	"github.com/maestroflow/maestro/core"
)

func successResponse(agent string, data map[string]interface{}) *core.AgentResponse {
	return core.NewSuccessResponse(agent, data, time.Millisecond)
}

func TestValidateHappyPath(t *testing.T) {
	v := NewValidator(DefaultValidationConfig(), nil)
	result := v.Validate(context.Background(), "calculate 15 plus 27", []*core.AgentResponse{
		successResponse("calculator", map[string]interface{}{
			"result": 42.0, "operation": "add", "operands": []interface{}{15.0, 27.0},
		}),
	}, "")
	if !result.IsValid {
		t.Fatalf("expected valid, issues: %v", result.Issues)
	}
	if result.ConfidenceScore < 0.7 {
		t.Errorf("confidence = %v", result.ConfidenceScore)
	}
}

func TestValidateBasicLayerFailures(t *testing.T) {
	v := NewValidator(DefaultValidationConfig(), nil)

	result := v.Validate(context.Background(), "q", nil, "")
	if result.BasicPassed {
		t.Error("no responses must fail basic")
	}

	result = v.Validate(context.Background(), "q", []*core.AgentResponse{
		core.NewErrorResponse("calculator", context.DeadlineExceeded, time.Millisecond),
	}, "")
	if result.BasicPassed || result.IsValid {
		t.Error("failed response must fail basic")
	}

	result = v.Validate(context.Background(), "q", []*core.AgentResponse{
		successResponse("calculator", map[string]interface{}{"operation": "add"}),
	}, "")
	if result.BasicPassed {
		t.Error("calculator without result field must fail basic")
	}
}

func TestValidateConsistencyRatio(t *testing.T) {
	v := NewValidator(DefaultValidationConfig(), nil)
	result := v.Validate(context.Background(), "compare", []*core.AgentResponse{
		successResponse("a", map[string]interface{}{"result": 1.0}),
		successResponse("b", map[string]interface{}{"result": 5000.0}),
	}, "")
	if result.ConsistencyPassed {
		t.Error("5000x divergence must fail consistency")
	}
	if result.IsValid {
		t.Error("inconsistent response must be invalid")
	}
}

func TestValidateOperationMismatchHallucination(t *testing.T) {
	v := NewValidator(DefaultValidationConfig(), nil)
	result := v.Validate(context.Background(), "add 2 and 3", []*core.AgentResponse{
		successResponse("calculator", map[string]interface{}{
			"result": 6.0, "operation": "multiply",
		}),
	}, "")
	if !result.HallucinationDetected {
		t.Fatal("operation mismatch must be flagged")
	}
	if result.IsValid {
		t.Error("hallucination must invalidate")
	}
	joined := strings.Join(result.Issues, "; ")
	if !strings.Contains(joined, "multiply") {
		t.Errorf("issue should name the mismatch: %v", result.Issues)
	}
}

func TestValidateOperationSynonyms(t *testing.T) {
	v := NewValidator(DefaultValidationConfig(), nil)
	result := v.Validate(context.Background(), "what is 15 plus 27", []*core.AgentResponse{
		successResponse("calculator", map[string]interface{}{"result": 42.0, "operation": "add"}),
	}, "")
	if result.HallucinationDetected {
		t.Errorf("plus and add are the same operation: %v", result.Issues)
	}
}

func TestValidateNonFiniteResult(t *testing.T) {
	v := NewValidator(DefaultValidationConfig(), nil)
	result := v.Validate(context.Background(), "divide things", []*core.AgentResponse{
		successResponse("calculator", map[string]interface{}{"result": math.Inf(1), "operation": "divide"}),
	}, "")
	if !result.HallucinationDetected {
		t.Error("infinite result must be flagged")
	}
}

func TestValidateSearchRelevance(t *testing.T) {
	v := NewValidator(DefaultValidationConfig(), nil)
	irrelevant := []interface{}{
		map[string]interface{}{"title": "Cooking pasta", "content": "boil water"},
	}
	result := v.Validate(context.Background(), "kubernetes deployment strategies", []*core.AgentResponse{
		successResponse("search", map[string]interface{}{"results": irrelevant, "count": 1, "query": "kubernetes"}),
	}, "")
	if !result.HallucinationDetected {
		t.Error("zero-overlap search results must be flagged")
	}

	relevant := []interface{}{
		map[string]interface{}{"title": "Kubernetes deployment patterns", "content": "rolling updates"},
	}
	result = v.Validate(context.Background(), "kubernetes deployment strategies", []*core.AgentResponse{
		successResponse("search", map[string]interface{}{"results": relevant, "count": 1, "query": "kubernetes"}),
	}, "")
	if result.HallucinationDetected {
		t.Errorf("overlapping results must pass: %v", result.Issues)
	}
}

func TestConfidenceFormula(t *testing.T) {
	v := NewValidator(DefaultValidationConfig(), nil)

	// Basic failure alone: 1.0 - 0.3 plus no completeness bonus.
	result := v.Validate(context.Background(), "q", nil, "")
	if result.ConfidenceScore != 0.7 {
		t.Errorf("basic-only failure score = %v, want 0.7", result.ConfidenceScore)
	}

	// Completeness bonus caps at 0.2 and the score clamps at 1.0.
	big := map[string]interface{}{}
	for i := 0; i < 20; i++ {
		big[strings.Repeat("f", i+1)] = i
	}
	big["result"] = 1.0
	result = v.Validate(context.Background(), "q", []*core.AgentResponse{
		successResponse("calculator", big),
	}, "")
	if result.ConfidenceScore != 1.0 {
		t.Errorf("clamped score = %v, want 1.0", result.ConfidenceScore)
	}
}

func TestAIValidationDegradesOnParseFailure(t *testing.T) {
	client := ai.NewMockClient("")
	client.Queue("this is not json at all")
	cfg := DefaultValidationConfig()
	cfg.UseAIValidation = true
	v := NewValidator(cfg, client)

	result := v.Validate(context.Background(), "calculate 1 plus 1", []*core.AgentResponse{
		successResponse("calculator", map[string]interface{}{"result": 2.0, "operation": "add"}),
	}, "")
	if result.HallucinationDetected {
		t.Error("unparseable AI verdict must degrade to not-detected")
	}
}

func TestAIValidationFlagsHallucination(t *testing.T) {
	client := ai.NewMockClient("")
	client.Queue(`{"relevance": 0.1, "accuracy": 0.1, "consistency": 0.5, "completeness": 0.5, "hallucination_detected": true}`)
	cfg := DefaultValidationConfig()
	cfg.UseAIValidation = true
	v := NewValidator(cfg, client)

	result := v.Validate(context.Background(), "calculate 1 plus 1", []*core.AgentResponse{
		successResponse("calculator", map[string]interface{}{"result": 2.0, "operation": "add"}),
	}, "")
	if !result.HallucinationDetected {
		t.Error("AI-flagged hallucination must be honored")
	}
}
