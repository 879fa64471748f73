package policy

import (
	"fmt"
	"time"

	"github.com/maestroflow/maestro/core"
)

// Evaluator is a stateless policy predicate over the action history
// and the incoming request.
type Evaluator interface {
	Name() string
	Evaluate(store *ActionStore, userID string, req core.Request) (Decision, error)
}

// requestCategory derives the action category the request represents.
// The `category` field wins; absent that, requests are plain queries.
func requestCategory(req core.Request) ActionCategory {
	if c := req.GetString("category"); c != "" {
		return ParseCategory(c)
	}
	return CategoryQuery
}

// TimedRestriction denies a requested category while a successful
// trigger-category action is inside the block window. The classic
// shape: an address change blocks card orders for 24 hours.
type TimedRestriction struct {
	RuleName          string
	TriggerCategory   ActionCategory
	BlockedCategories []ActionCategory
	BlockHours        float64
}

func (t *TimedRestriction) Name() string { return t.RuleName }

func (t *TimedRestriction) Evaluate(store *ActionStore, userID string, req core.Request) (Decision, error) {
	requested := requestCategory(req)
	blocked := false
	for _, c := range t.BlockedCategories {
		if c == requested {
			blocked = true
			break
		}
	}
	if !blocked {
		return Allow(), nil
	}

	triggers := store.Get(userID, GetOptions{
		Categories:  []ActionCategory{t.TriggerCategory},
		SinceHours:  t.BlockHours,
		Limit:       1,
		SuccessOnly: true,
	})
	if len(triggers) == 0 {
		return Allow(), nil
	}

	trigger := triggers[0]
	blockedUntil := trigger.Timestamp.Add(time.Duration(t.BlockHours * float64(time.Hour)))
	remaining := time.Until(blockedUntil)
	return Decision{
		Allowed:   false,
		Evaluator: t.RuleName,
		Reason: fmt.Sprintf("%s blocked after recent %s (hours_remaining: %.1f)",
			requested, t.TriggerCategory, remaining.Hours()),
		BlockedUntil: &blockedUntil,
	}, nil
}

// RateLimit denies when the count of successful category actions in
// the window reaches the cap. blocked_until is when the oldest
// counted action ages out of the window.
type RateLimit struct {
	RuleName    string
	Category    ActionCategory
	MaxCount    int
	WindowHours float64
}

func (r *RateLimit) Name() string { return r.RuleName }

func (r *RateLimit) Evaluate(store *ActionStore, userID string, req core.Request) (Decision, error) {
	if requestCategory(req) != r.Category {
		return Allow(), nil
	}

	actions := store.Get(userID, GetOptions{
		Categories:  []ActionCategory{r.Category},
		SinceHours:  r.WindowHours,
		SuccessOnly: true,
	})
	if len(actions) < r.MaxCount {
		return Allow(), nil
	}

	oldest := actions[len(actions)-1]
	blockedUntil := oldest.Timestamp.Add(time.Duration(r.WindowHours * float64(time.Hour)))
	return Decision{
		Allowed:   false,
		Evaluator: r.RuleName,
		Reason: fmt.Sprintf("rate limit reached: %d %s actions in %.0fh window",
			len(actions), r.Category, r.WindowHours),
		BlockedUntil: &blockedUntil,
	}, nil
}

// Threshold denies when a named numeric request field exceeds the cap.
type Threshold struct {
	RuleName string
	Field    string
	MaxValue float64
}

func (t *Threshold) Name() string { return t.RuleName }

func (t *Threshold) Evaluate(store *ActionStore, userID string, req core.Request) (Decision, error) {
	raw, ok := req.Lookup(t.Field)
	if !ok {
		return Allow(), nil
	}
	var value float64
	switch v := raw.(type) {
	case float64:
		value = v
	case int:
		value = float64(v)
	case int64:
		value = float64(v)
	default:
		return Allow(), nil
	}
	if value <= t.MaxValue {
		return Allow(), nil
	}
	return Decision{
		Allowed:   false,
		Evaluator: t.RuleName,
		Reason:    fmt.Sprintf("field %q value %.2f exceeds maximum %.2f", t.Field, value, t.MaxValue),
	}, nil
}
