package reasoning

import (
	"context"
	"sync"
	"time"

	"github.com/maestroflow/maestro/core"
)

// Mode selects the reasoning strategy.
type Mode string

const (
	ModeRule   Mode = "rule"
	ModeAI     Mode = "ai"
	ModeHybrid Mode = "hybrid"
)

// Confidence a rule match must meet in hybrid mode to skip the AI.
const DefaultRuleConfidenceThreshold = 0.7

// Multiplier applied to a rule match's confidence when it serves as
// the fallback after an AI failure.
const ruleFallbackMultiplier = 0.8

// HybridStats tracks which path served each reasoning request.
type HybridStats struct {
	TotalRequests  int64         `json:"total_requests"`
	RuleDecisions  int64         `json:"rule_decisions"`
	AIDecisions    int64         `json:"ai_decisions"`
	RuleFallbacks  int64         `json:"rule_fallbacks"`
	NoPlan         int64         `json:"no_plan"`
	LastDecision   time.Time     `json:"last_decision"`
	AverageLatency time.Duration `json:"average_latency"`
}

// HybridReasoner composes the rule engine and the AI reasoner per
// configured mode: rule-only, AI-only, or rule-first with AI fallback.
type HybridReasoner struct {
	mode      Mode
	rules     *RuleEngine
	ai        Reasoner
	threshold float64
	logger    core.Logger

	mu    sync.Mutex
	stats HybridStats
}

// NewHybridReasoner builds the composite reasoner. The AI reasoner
// may be nil; hybrid mode then degrades to rule-only behavior.
func NewHybridReasoner(mode Mode, rules *RuleEngine, ai Reasoner, logger core.Logger) *HybridReasoner {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &HybridReasoner{
		mode:      mode,
		rules:     rules,
		ai:        ai,
		threshold: DefaultRuleConfidenceThreshold,
		logger:    logger,
	}
}

// SetThreshold overrides the rule-confidence threshold.
func (h *HybridReasoner) SetThreshold(threshold float64) {
	h.threshold = threshold
}

// Mode returns the configured reasoning mode.
func (h *HybridReasoner) Mode() Mode { return h.mode }

// Reason returns the plan for a request, or nil when neither path
// produced one. Plans only ever reference agents from `available`.
func (h *HybridReasoner) Reason(ctx context.Context, req core.Request, available []AgentDescriptor) (*Plan, error) {
	start := time.Now()
	h.mu.Lock()
	h.stats.TotalRequests++
	h.mu.Unlock()

	var plan *Plan
	var err error

	switch h.mode {
	case ModeRule:
		plan = h.ruleOnly(req, available)
		if plan != nil {
			h.record(MethodRule, start)
		}
	case ModeAI:
		plan, err = h.aiOnly(ctx, req, available)
		if plan != nil {
			h.record(MethodAI, start)
		}
	default: // hybrid
		plan, err = h.hybrid(ctx, req, available)
		if plan != nil {
			h.record(plan.Method, start)
		}
	}

	if plan == nil {
		h.mu.Lock()
		h.stats.NoPlan++
		h.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return nil, core.NewEngineError("reasoner.Reason", "reasoning", core.ErrNoPlan)
	}
	return plan, nil
}

func (h *HybridReasoner) ruleOnly(req core.Request, available []AgentDescriptor) *Plan {
	match, ok := h.bestMatch(req, available)
	if !ok {
		return nil
	}
	return PlanFromMatch(match)
}

func (h *HybridReasoner) aiOnly(ctx context.Context, req core.Request, available []AgentDescriptor) (*Plan, error) {
	if h.ai == nil {
		return nil, core.NewEngineError("reasoner.Reason", "reasoning", core.ErrProviderFailure)
	}
	return h.ai.Reason(ctx, req, available)
}

// hybrid runs the rule engine first; a confident match skips the AI.
// When the AI fails but a rule matched, the match serves as fallback
// at reduced confidence.
func (h *HybridReasoner) hybrid(ctx context.Context, req core.Request, available []AgentDescriptor) (*Plan, error) {
	match, matched := h.bestMatch(req, available)

	if matched && match.Confidence >= h.threshold {
		h.logger.Debug("Rule match above threshold, skipping AI", map[string]interface{}{
			"operation":  "hybrid_reason",
			"rule":       match.RuleName,
			"confidence": match.Confidence,
		})
		return PlanFromMatch(match), nil
	}

	if h.ai != nil {
		plan, err := h.ai.Reason(ctx, req, available)
		if err == nil && plan != nil {
			plan.Method = MethodHybrid
			if matched {
				plan.MatchedRules = append(plan.MatchedRules, match.RuleName)
			}
			return plan, nil
		}
		if err != nil {
			h.logger.Warn("AI reasoning failed", map[string]interface{}{
				"operation": "hybrid_reason",
				"error":     err.Error(),
			})
		}
	}

	if matched {
		plan := PlanFromMatch(match)
		plan.Method = MethodRuleFallback
		plan.Confidence = match.Confidence * ruleFallbackMultiplier
		return plan, nil
	}
	return nil, nil
}

// bestMatch returns the highest-priority rule match whose targets all
// exist in the available set. Matches naming absent agents are skipped
// so the breaker's exclusions hold at planning time.
func (h *HybridReasoner) bestMatch(req core.Request, available []AgentDescriptor) (RuleMatch, bool) {
	if h.rules == nil {
		return RuleMatch{}, false
	}
	for _, match := range h.rules.Evaluate(req) {
		allPresent := true
		for _, target := range match.TargetAgents {
			if !containsAgent(available, target) {
				allPresent = false
				break
			}
		}
		if allPresent && len(match.TargetAgents) > 0 {
			return match, true
		}
	}
	return RuleMatch{}, false
}

func (h *HybridReasoner) record(method string, start time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch method {
	case MethodRule:
		h.stats.RuleDecisions++
	case MethodAI, MethodHybrid:
		h.stats.AIDecisions++
	case MethodRuleFallback:
		h.stats.RuleFallbacks++
	}
	h.stats.LastDecision = time.Now()
	latency := time.Since(start)
	if h.stats.AverageLatency == 0 {
		h.stats.AverageLatency = latency
	} else {
		h.stats.AverageLatency = (h.stats.AverageLatency + latency) / 2
	}
}

// Stats returns a snapshot of the decision counters.
func (h *HybridReasoner) Stats() HybridStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}
