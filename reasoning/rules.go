package reasoning

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/maestroflow/maestro/core"
)

// Condition operators.
const (
	OpContains = "contains"
	OpEquals   = "equals"
	OpRegex    = "regex"
	OpExists   = "exists"
)

// Rule logic combinators.
const (
	LogicAnd = "AND"
	LogicOr  = "OR"
	LogicNot = "NOT"
)

// Condition is a predicate over one request field. Field supports
// dotted paths into nested request mappings.
type Condition struct {
	Field         string      `yaml:"field" json:"field"`
	Operator      string      `yaml:"operator" json:"operator"`
	Value         interface{} `yaml:"value,omitempty" json:"value,omitempty"`
	CaseSensitive bool        `yaml:"case_sensitive,omitempty" json:"case_sensitive,omitempty"`
}

// Rule is a prioritized predicate over request fields producing
// candidate target agents with a confidence.
type Rule struct {
	Name         string      `yaml:"name" json:"name"`
	Priority     int         `yaml:"priority" json:"priority"`
	Logic        string      `yaml:"logic,omitempty" json:"logic,omitempty"`
	Enabled      bool        `yaml:"enabled" json:"enabled"`
	Confidence   float64     `yaml:"confidence" json:"confidence"`
	TargetAgents []string    `yaml:"target_agents" json:"target_agents"`
	Conditions   []Condition `yaml:"conditions" json:"conditions"`
}

// RuleMatch carries one matched rule's verdict.
type RuleMatch struct {
	RuleName     string
	Priority     int
	Confidence   float64
	TargetAgents []string
	Reasons      []string
}

// compiledRule holds the load-time artifacts for one rule. Regex
// patterns compile exactly once; a broken pattern degrades the rule
// to "no match" rather than failing evaluation.
type compiledRule struct {
	rule     Rule
	order    int
	patterns []*regexp.Regexp // indexed by condition, nil for non-regex
	broken   bool
}

// RuleEngine evaluates priority-ordered pattern rules over requests.
type RuleEngine struct {
	rules  []*compiledRule
	logger core.Logger
}

// NewRuleEngine compiles the rule set. Rules with invalid regex
// patterns are logged and skipped during evaluation.
func NewRuleEngine(rules []Rule, logger core.Logger) *RuleEngine {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	engine := &RuleEngine{logger: logger}
	for i, rule := range rules {
		compiled := &compiledRule{rule: rule, order: i, patterns: make([]*regexp.Regexp, len(rule.Conditions))}
		for j, cond := range rule.Conditions {
			if cond.Operator != OpRegex {
				continue
			}
			pattern := core.Stringify(cond.Value)
			if pattern == "" {
				compiled.broken = true
				logger.Warn("Rule condition has empty regex pattern", map[string]interface{}{
					"operation": "rule_compile",
					"rule":      rule.Name,
					"field":     cond.Field,
				})
				continue
			}
			if !cond.CaseSensitive {
				pattern = "(?i)" + pattern
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				compiled.broken = true
				logger.Warn("Rule condition regex failed to compile", map[string]interface{}{
					"operation": "rule_compile",
					"rule":      rule.Name,
					"field":     cond.Field,
					"error":     err.Error(),
				})
				continue
			}
			compiled.patterns[j] = re
		}
		engine.rules = append(engine.rules, compiled)
	}

	// Priority desc; ties broken by insertion order.
	sort.SliceStable(engine.rules, func(a, b int) bool {
		if engine.rules[a].rule.Priority != engine.rules[b].rule.Priority {
			return engine.rules[a].rule.Priority > engine.rules[b].rule.Priority
		}
		return engine.rules[a].order < engine.rules[b].order
	})

	return engine
}

// Len returns the number of loaded rules.
func (e *RuleEngine) Len() int { return len(e.rules) }

// Evaluate returns all matching rules ordered by priority (desc),
// ties broken by input order. The first element is the best match.
func (e *RuleEngine) Evaluate(req core.Request) []RuleMatch {
	var matches []RuleMatch
	for _, compiled := range e.rules {
		rule := compiled.rule
		if !rule.Enabled || compiled.broken || len(rule.Conditions) == 0 {
			continue
		}

		results := make([]bool, len(rule.Conditions))
		reasons := make([]string, 0, len(rule.Conditions))
		for i, cond := range rule.Conditions {
			ok, why := evalCondition(req, cond, compiled.patterns[i])
			results[i] = ok
			if ok {
				reasons = append(reasons, why)
			}
		}

		logic := strings.ToUpper(rule.Logic)
		if logic == "" {
			logic = LogicAnd
		}
		matched := false
		switch logic {
		case LogicAnd:
			matched = true
			for _, r := range results {
				if !r {
					matched = false
					break
				}
			}
		case LogicOr:
			for _, r := range results {
				if r {
					matched = true
					break
				}
			}
		case LogicNot:
			matched = true
			for _, r := range results {
				if r {
					matched = false
					break
				}
			}
			if matched {
				reasons = []string{fmt.Sprintf("no condition of rule %q matched", rule.Name)}
			}
		default:
			e.logger.Warn("Rule has unknown logic, skipping", map[string]interface{}{
				"operation": "rule_evaluate",
				"rule":      rule.Name,
				"logic":     rule.Logic,
			})
			continue
		}

		if matched {
			matches = append(matches, RuleMatch{
				RuleName:     rule.Name,
				Priority:     rule.Priority,
				Confidence:   rule.Confidence,
				TargetAgents: rule.TargetAgents,
				Reasons:      reasons,
			})
		}
	}
	return matches
}

// evalCondition evaluates one condition against the request.
func evalCondition(req core.Request, cond Condition, re *regexp.Regexp) (bool, string) {
	value, present := req.Lookup(cond.Field)

	switch cond.Operator {
	case OpExists:
		if present && value != nil {
			return true, fmt.Sprintf("field %q exists", cond.Field)
		}
		return false, ""
	case OpContains:
		if !present {
			return false, ""
		}
		haystack := core.Stringify(value)
		needle := core.Stringify(cond.Value)
		if !cond.CaseSensitive {
			haystack = strings.ToLower(haystack)
			needle = strings.ToLower(needle)
		}
		if strings.Contains(haystack, needle) {
			return true, fmt.Sprintf("field %q contains %q", cond.Field, core.Stringify(cond.Value))
		}
		return false, ""
	case OpEquals:
		if !present {
			return false, ""
		}
		left := core.Stringify(value)
		right := core.Stringify(cond.Value)
		if !cond.CaseSensitive {
			left = strings.ToLower(left)
			right = strings.ToLower(right)
		}
		if left == right {
			return true, fmt.Sprintf("field %q equals %q", cond.Field, core.Stringify(cond.Value))
		}
		return false, ""
	case OpRegex:
		if !present || re == nil {
			return false, ""
		}
		if re.MatchString(core.Stringify(value)) {
			return true, fmt.Sprintf("field %q matches pattern %q", cond.Field, core.Stringify(cond.Value))
		}
		return false, ""
	default:
		return false, ""
	}
}

// PlanFromMatch builds a rule-method plan from the best match.
// Multi-target rule plans fan out in parallel: rule targets are
// independent candidates, not a data pipeline.
func PlanFromMatch(match RuleMatch) *Plan {
	return &Plan{
		Agents:       append([]string(nil), match.TargetAgents...),
		Confidence:   match.Confidence,
		Method:       MethodRule,
		Parallel:     len(match.TargetAgents) > 1,
		Reasoning:    strings.Join(match.Reasons, "; "),
		MatchedRules: []string{match.RuleName},
	}
}
