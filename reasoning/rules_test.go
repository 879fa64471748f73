package reasoning

import (
	"strings"
	"testing"

	"github.com/maestroflow/maestro/core"
)

func rule(name string, priority int, logic string, confidence float64, targets []string, conds ...Condition) Rule {
	return Rule{
		Name:         name,
		Priority:     priority,
		Logic:        logic,
		Enabled:      true,
		Confidence:   confidence,
		TargetAgents: targets,
		Conditions:   conds,
	}
}

func TestContainsOperatorCaseInsensitive(t *testing.T) {
	engine := NewRuleEngine([]Rule{
		rule("arithmetic", 10, "AND", 0.9, []string{"calculator"},
			Condition{Field: "query", Operator: OpContains, Value: "calculate"}),
	}, nil)

	matches := engine.Evaluate(core.Request{"query": "please CALCULATE 2 plus 2"})
	if len(matches) != 1 || matches[0].RuleName != "arithmetic" {
		t.Fatalf("matches = %v", matches)
	}
	if len(matches[0].Reasons) == 0 || !strings.Contains(matches[0].Reasons[0], "contains") {
		t.Errorf("reasons = %v", matches[0].Reasons)
	}

	if got := engine.Evaluate(core.Request{"query": "weather in oslo"}); len(got) != 0 {
		t.Errorf("unexpected matches: %v", got)
	}
}

func TestContainsOperatorCaseSensitive(t *testing.T) {
	engine := NewRuleEngine([]Rule{
		rule("strict", 10, "AND", 0.9, []string{"calculator"},
			Condition{Field: "query", Operator: OpContains, Value: "Calculate", CaseSensitive: true}),
	}, nil)

	if got := engine.Evaluate(core.Request{"query": "calculate"}); len(got) != 0 {
		t.Errorf("case-sensitive condition matched wrong case: %v", got)
	}
	if got := engine.Evaluate(core.Request{"query": "Calculate"}); len(got) != 1 {
		t.Errorf("exact case did not match: %v", got)
	}
}

func TestEqualsAndExistsOperators(t *testing.T) {
	engine := NewRuleEngine([]Rule{
		rule("category", 10, "AND", 0.8, []string{"search"},
			Condition{Field: "category", Operator: OpEquals, Value: "research"}),
		rule("has-filters", 5, "AND", 0.6, []string{"search"},
			Condition{Field: "filters", Operator: OpExists}),
	}, nil)

	matches := engine.Evaluate(core.Request{
		"category": "Research",
		"filters":  map[string]interface{}{"year": 2025},
	})
	if len(matches) != 2 {
		t.Fatalf("matches = %v", matches)
	}
	if matches[0].RuleName != "category" {
		t.Errorf("priority order broken: %v", matches)
	}
}

func TestRegexOperator(t *testing.T) {
	engine := NewRuleEngine([]Rule{
		rule("numbers", 10, "AND", 0.9, []string{"calculator"},
			Condition{Field: "query", Operator: OpRegex, Value: `\d+\s*(plus|minus)\s*\d+`}),
	}, nil)

	if got := engine.Evaluate(core.Request{"query": "what is 15 PLUS 27"}); len(got) != 1 {
		t.Errorf("regex did not match: %v", got)
	}
	if got := engine.Evaluate(core.Request{"query": "what is the weather"}); len(got) != 0 {
		t.Errorf("regex matched wrongly: %v", got)
	}
}

func TestBrokenRegexSkipsRule(t *testing.T) {
	engine := NewRuleEngine([]Rule{
		rule("broken", 100, "AND", 0.9, []string{"calculator"},
			Condition{Field: "query", Operator: OpRegex, Value: "(unclosed"}),
		rule("working", 10, "AND", 0.8, []string{"calculator"},
			Condition{Field: "query", Operator: OpContains, Value: "calc"}),
	}, nil)

	matches := engine.Evaluate(core.Request{"query": "calc something"})
	if len(matches) != 1 || matches[0].RuleName != "working" {
		t.Errorf("matches = %v", matches)
	}
}

func TestLogicCombinators(t *testing.T) {
	engine := NewRuleEngine([]Rule{
		rule("and-rule", 30, "AND", 0.9, []string{"a"},
			Condition{Field: "query", Operator: OpContains, Value: "alpha"},
			Condition{Field: "query", Operator: OpContains, Value: "beta"}),
		rule("or-rule", 20, "OR", 0.8, []string{"b"},
			Condition{Field: "query", Operator: OpContains, Value: "alpha"},
			Condition{Field: "query", Operator: OpContains, Value: "gamma"}),
		rule("not-rule", 10, "NOT", 0.7, []string{"c"},
			Condition{Field: "query", Operator: OpContains, Value: "delta"}),
	}, nil)

	names := func(matches []RuleMatch) []string {
		out := make([]string, len(matches))
		for i, m := range matches {
			out[i] = m.RuleName
		}
		return out
	}

	got := names(engine.Evaluate(core.Request{"query": "alpha beta"}))
	if len(got) != 3 || got[0] != "and-rule" || got[1] != "or-rule" || got[2] != "not-rule" {
		t.Errorf("alpha beta matches = %v", got)
	}

	got = names(engine.Evaluate(core.Request{"query": "alpha only"}))
	if len(got) != 2 || got[0] != "or-rule" {
		t.Errorf("alpha matches = %v", got)
	}

	got = names(engine.Evaluate(core.Request{"query": "delta"}))
	if len(got) != 0 {
		t.Errorf("delta matches = %v", got)
	}
}

func TestDisabledRulesAndNoConditions(t *testing.T) {
	disabled := rule("off", 10, "AND", 0.9, []string{"a"},
		Condition{Field: "query", Operator: OpExists})
	disabled.Enabled = false

	engine := NewRuleEngine([]Rule{
		disabled,
		rule("empty", 5, "AND", 0.9, []string{"a"}),
	}, nil)

	if got := engine.Evaluate(core.Request{"query": "anything"}); len(got) != 0 {
		t.Errorf("matches = %v", got)
	}
}

func TestPriorityTieBreaksByInputOrder(t *testing.T) {
	engine := NewRuleEngine([]Rule{
		rule("first", 10, "AND", 0.9, []string{"a"},
			Condition{Field: "query", Operator: OpExists}),
		rule("second", 10, "AND", 0.9, []string{"b"},
			Condition{Field: "query", Operator: OpExists}),
	}, nil)

	matches := engine.Evaluate(core.Request{"query": "q"})
	if len(matches) != 2 || matches[0].RuleName != "first" {
		t.Errorf("matches = %v", matches)
	}
}

func TestDottedFieldCondition(t *testing.T) {
	engine := NewRuleEngine([]Rule{
		rule("nested", 10, "AND", 0.9, []string{"a"},
			Condition{Field: "metadata.source", Operator: OpEquals, Value: "mobile"}),
	}, nil)

	matches := engine.Evaluate(core.Request{
		"metadata": map[string]interface{}{"source": "mobile"},
	})
	if len(matches) != 1 {
		t.Errorf("matches = %v", matches)
	}
}

func TestPlanFromMatch(t *testing.T) {
	single := PlanFromMatch(RuleMatch{
		RuleName:     "arithmetic",
		Confidence:   0.9,
		TargetAgents: []string{"calculator"},
		Reasons:      []string{`field "query" contains "calculate"`},
	})
	if single.Method != MethodRule || single.Parallel || single.Confidence != 0.9 {
		t.Errorf("plan = %+v", single)
	}

	multi := PlanFromMatch(RuleMatch{
		RuleName:     "fanout",
		Confidence:   0.8,
		TargetAgents: []string{"weather", "search"},
	})
	if !multi.Parallel {
		t.Error("multi-target rule plans must fan out in parallel")
	}
}
