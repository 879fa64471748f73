package reasoning

import (
	"fmt"
	"strings"
)

// Reasoning methods stamped on plans.
const (
	MethodRule         = "rule"
	MethodAI           = "ai"
	MethodHybrid       = "hybrid"
	MethodRuleFallback = "rule_fallback"
)

// Plan is the output of reasoning: an ordered agent multiset, per-call
// parameters, a parallelism flag, and a confidence. An agent name may
// appear more than once; occurrence-specific parameters use the
// suffixed key `name_k` (1-based).
type Plan struct {
	Agents     []string                          `json:"agents"`
	Confidence float64                           `json:"confidence"`
	Method     string                            `json:"method"`
	Parallel   bool                              `json:"parallel"`
	Parameters map[string]map[string]interface{} `json:"parameters,omitempty"`
	Reasoning  string                            `json:"reasoning,omitempty"`

	// Debug breadcrumbs, never surfaced to callers.
	MatchedRules []string `json:"matched_rules,omitempty"`
	RawPlan      string   `json:"raw_plan,omitempty"`
}

// ParamsFor resolves the parameter mapping for the k-th occurrence
// (1-based) of an agent in the plan. Suffixed keys win for repeated
// agents; plain keys serve single occurrences and as fallback.
func (p *Plan) ParamsFor(agent string, occurrence int) map[string]interface{} {
	if p.Parameters == nil {
		return nil
	}
	if params, ok := p.Parameters[fmt.Sprintf("%s_%d", agent, occurrence)]; ok {
		return params
	}
	if params, ok := p.Parameters[agent]; ok {
		return params
	}
	return nil
}

// Occurrences counts how often an agent appears in the plan.
func (p *Plan) Occurrences(agent string) int {
	count := 0
	for _, a := range p.Agents {
		if a == agent {
			count++
		}
	}
	return count
}

// AgentDescriptor is the view of an available agent handed to
// reasoners. Agents excluded by the circuit breaker never appear.
type AgentDescriptor struct {
	Name         string
	Capabilities []string
	Description  string
}

// DescribeAgents renders descriptors for prompts and reasons.
func DescribeAgents(agents []AgentDescriptor) string {
	var sb strings.Builder
	for _, a := range agents {
		sb.WriteString("- ")
		sb.WriteString(a.Name)
		if len(a.Capabilities) > 0 {
			sb.WriteString(" (capabilities: ")
			sb.WriteString(strings.Join(a.Capabilities, ", "))
			sb.WriteString(")")
		}
		if a.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(a.Description)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func containsAgent(agents []AgentDescriptor, name string) bool {
	for _, a := range agents {
		if a.Name == name {
			return true
		}
	}
	return false
}
