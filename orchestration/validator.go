package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/maestroflow/maestro/core"
	"github.com/maestroflow/maestro/reasoning"
)

// consistencyRatio flags wildly divergent numeric responses.
const consistencyRatio = 1000.0

// Validator checks an aggregated response against the original query
// in four layers: basic shape, cross-agent consistency, rule-based
// hallucination checks, and an optional AI pass.
type Validator struct {
	config   ValidationConfig
	aiClient core.AIClient
	logger   core.Logger
}

// NewValidator creates a validator. aiClient may be nil; the AI layer
// then degrades to rule-only validation.
func NewValidator(config ValidationConfig, aiClient core.AIClient) *Validator {
	if config.ConfidenceThreshold <= 0 {
		config.ConfidenceThreshold = 0.7
	}
	return &Validator{
		config:   config,
		aiClient: aiClient,
		logger:   &core.NoOpLogger{},
	}
}

// SetLogger injects the logger.
func (v *Validator) SetLogger(logger core.Logger) {
	if logger != nil {
		v.logger = logger
	}
}

// Validate scores the agent responses against the user query.
func (v *Validator) Validate(ctx context.Context, query string, responses []*core.AgentResponse, reasoningText string) *ValidationResult {
	result := &ValidationResult{
		BasicPassed:       true,
		ConsistencyPassed: true,
	}

	v.checkBasic(responses, result)
	v.checkConsistency(responses, result)
	v.checkHallucination(query, responses, result)
	if v.config.UseAIValidation && v.aiClient != nil {
		v.checkWithAI(ctx, query, responses, reasoningText, result)
	}

	// Confidence starts at 1.0; each failed layer subtracts its
	// weight, completeness earns back up to 0.2.
	score := 1.0
	if !result.BasicPassed {
		score -= 0.3
	}
	if !result.ConsistencyPassed {
		score -= 0.2
	}
	if result.HallucinationDetected {
		score -= 0.4
	}
	score += completenessBonus(responses)
	result.ConfidenceScore = clamp(score, 0, 1)

	result.IsValid = result.BasicPassed &&
		result.ConsistencyPassed &&
		!result.HallucinationDetected &&
		result.ConfidenceScore >= v.config.ConfidenceThreshold
	return result
}

func (v *Validator) checkBasic(responses []*core.AgentResponse, result *ValidationResult) {
	if len(responses) == 0 {
		result.BasicPassed = false
		result.Issues = append(result.Issues, "no responses to validate")
		return
	}
	for _, resp := range responses {
		if resp == nil {
			result.BasicPassed = false
			result.Issues = append(result.Issues, "missing response")
			continue
		}
		if !resp.Success {
			result.BasicPassed = false
			result.Issues = append(result.Issues, fmt.Sprintf("%s failed: %s", resp.AgentName, resp.Error))
			continue
		}
		if len(resp.Data) == 0 {
			result.BasicPassed = false
			result.Issues = append(result.Issues, fmt.Sprintf("%s returned empty data", resp.AgentName))
			continue
		}
		// Schema hints for well-known shapes.
		if resp.AgentName == "calculator" {
			if _, ok := resp.Data["result"]; !ok {
				result.BasicPassed = false
				result.Issues = append(result.Issues, "calculator response missing result field")
			}
		}
		if flag, ok := resp.Data["error"]; ok && flag != nil && flag != "" {
			result.BasicPassed = false
			result.Issues = append(result.Issues, fmt.Sprintf("%s carries an error flag", resp.AgentName))
		}
	}
}

func (v *Validator) checkConsistency(responses []*core.AgentResponse, result *ValidationResult) {
	var numbers []float64
	var upstreamListLen = -1
	for _, resp := range responses {
		if resp == nil || !resp.Success {
			continue
		}
		if n, ok := numericResult(resp.Data); ok {
			numbers = append(numbers, n)
		}
		if list, ok := resp.Data["results"].([]interface{}); ok {
			upstreamListLen = len(list)
		} else if upstreamListLen >= 0 {
			// A downstream count must not exceed the upstream list.
			if count, ok := toFloat(resp.Data["count"]); ok && int(count) > upstreamListLen {
				result.ConsistencyPassed = false
				result.Issues = append(result.Issues,
					fmt.Sprintf("%s reports count %d above upstream list length %d",
						resp.AgentName, int(count), upstreamListLen))
			}
		}
	}

	if len(numbers) >= 2 {
		min, max := numbers[0], numbers[0]
		for _, n := range numbers[1:] {
			if n < min {
				min = n
			}
			if n > max {
				max = n
			}
		}
		if min != 0 && math.Abs(max/min) > consistencyRatio {
			result.ConsistencyPassed = false
			result.Issues = append(result.Issues,
				fmt.Sprintf("numeric results diverge beyond %gx", consistencyRatio))
		}
	}
}

// operationSynonyms maps query words to the operation they imply.
var operationSynonyms = map[string]string{
	"add": "add", "plus": "add", "sum": "add", "total": "add",
	"subtract": "subtract", "minus": "subtract", "difference": "subtract",
	"multiply": "multiply", "times": "multiply", "product": "multiply",
	"divide": "divide", "divided": "divide", "quotient": "divide",
	"average": "average", "mean": "average",
}

func (v *Validator) checkHallucination(query string, responses []*core.AgentResponse, result *ValidationResult) {
	queryTokens := strings.Fields(strings.ToLower(query))
	wantOp := ""
	for _, token := range queryTokens {
		if op, ok := operationSynonyms[strings.Trim(token, ".,?!")]; ok {
			wantOp = op
			break
		}
	}

	for _, resp := range responses {
		if resp == nil || !resp.Success {
			continue
		}

		// Operation-vs-query mismatch.
		if gotOp, ok := resp.Data["operation"].(string); ok && wantOp != "" {
			if normalizeOperation(gotOp) != wantOp {
				result.HallucinationDetected = true
				result.Issues = append(result.Issues,
					fmt.Sprintf("%s reports operation %q but the query asks for %q",
						resp.AgentName, gotOp, wantOp))
			}
		}

		// Impossible numerics.
		if n, ok := numericResult(resp.Data); ok {
			if math.IsInf(n, 0) || math.IsNaN(n) {
				result.HallucinationDetected = true
				result.Issues = append(result.Issues,
					fmt.Sprintf("%s produced a non-finite result", resp.AgentName))
			}
		}

		// Search relevance: some query token should appear in the
		// returned titles, content, or tags.
		if list, ok := resp.Data["results"].([]interface{}); ok && len(list) > 0 && len(queryTokens) > 0 {
			if !searchOverlap(list, queryTokens) {
				result.HallucinationDetected = true
				result.Issues = append(result.Issues,
					fmt.Sprintf("%s results share no terms with the query", resp.AgentName))
			}
		}
	}
}

func normalizeOperation(op string) string {
	if mapped, ok := operationSynonyms[strings.ToLower(op)]; ok {
		return mapped
	}
	return strings.ToLower(op)
}

func searchOverlap(results []interface{}, queryTokens []string) bool {
	var sb strings.Builder
	for _, item := range results {
		doc, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		for _, key := range []string{"title", "content"} {
			if s, ok := doc[key].(string); ok {
				sb.WriteString(strings.ToLower(s))
				sb.WriteByte(' ')
			}
		}
		if tags, ok := doc["tags"].([]interface{}); ok {
			for _, tag := range tags {
				if s, ok := tag.(string); ok {
					sb.WriteString(strings.ToLower(s))
					sb.WriteByte(' ')
				}
			}
		}
		if tags, ok := doc["tags"].([]string); ok {
			sb.WriteString(strings.ToLower(strings.Join(tags, " ")))
			sb.WriteByte(' ')
		}
	}
	haystack := sb.String()
	for _, token := range queryTokens {
		token = strings.Trim(token, ".,?!")
		if len(token) < 3 {
			continue
		}
		if strings.Contains(haystack, token) {
			return true
		}
	}
	return false
}

type aiVerdict struct {
	Relevance             float64 `json:"relevance"`
	Accuracy              float64 `json:"accuracy"`
	Consistency           float64 `json:"consistency"`
	Completeness          float64 `json:"completeness"`
	HallucinationDetected bool    `json:"hallucination_detected"`
}

func (v *Validator) checkWithAI(ctx context.Context, query string, responses []*core.AgentResponse, reasoningText string, result *ValidationResult) {
	payload, err := json.Marshal(responses)
	if err != nil {
		return
	}
	prompt := fmt.Sprintf(`Assess whether these agent responses answer the user query.

User query: %s
Reasoning: %s
Responses: %s

Respond with only JSON:
{"relevance": 0.0-1.0, "accuracy": 0.0-1.0, "consistency": 0.0-1.0, "completeness": 0.0-1.0, "hallucination_detected": true|false}`,
		query, reasoningText, string(payload))

	resp, err := v.aiClient.GenerateResponse(ctx, prompt, &core.AIOptions{
		Temperature: 0.0,
		MaxTokens:   300,
	})
	if err != nil {
		v.logger.Warn("AI validation unavailable", map[string]interface{}{"error": err.Error()})
		return
	}

	var verdict aiVerdict
	if err := json.Unmarshal([]byte(reasoning.ExtractJSON(resp.Content)), &verdict); err != nil {
		// Unparseable verdicts degrade to "not detected".
		v.logger.Debug("AI validation verdict unparseable", map[string]interface{}{"error": err.Error()})
		return
	}
	if verdict.HallucinationDetected {
		result.HallucinationDetected = true
		result.Issues = append(result.Issues, "AI validation flagged a hallucination")
	}
}

// completenessBonus rewards richer responses, 0.02 per data field up
// to the 0.2 cap.
func completenessBonus(responses []*core.AgentResponse) float64 {
	fields := 0
	for _, resp := range responses {
		if resp != nil && resp.Success {
			fields += len(resp.Data)
		}
	}
	bonus := 0.02 * float64(fields)
	if bonus > 0.2 {
		return 0.2
	}
	return bonus
}

func numericResult(data map[string]interface{}) (float64, bool) {
	if data == nil {
		return 0, false
	}
	return toFloat(data["result"])
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
