package policy

import (
	"context"

	"github.com/maestroflow/maestro/core"
)

// Engine runs the configured evaluators against a request in
// configuration order. A denial stops evaluation when
// StopOnFirstDenial is set (the default); evaluator errors are logged
// and skipped so one broken rule never takes policy checks down.
type Engine struct {
	store             *ActionStore
	evaluators        []Evaluator
	stopOnFirstDenial bool
	logger            core.Logger
	telemetry         core.Telemetry
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithoutShortCircuit makes the engine run every evaluator even after
// a denial; the first denial is still the one returned.
func WithoutShortCircuit() EngineOption {
	return func(e *Engine) { e.stopOnFirstDenial = false }
}

// NewEngine creates a policy engine over the store and evaluators.
func NewEngine(store *ActionStore, evaluators []Evaluator, opts ...EngineOption) *Engine {
	e := &Engine{
		store:             store,
		evaluators:        evaluators,
		stopOnFirstDenial: true,
		logger:            &core.NoOpLogger{},
		telemetry:         &core.NoOpTelemetry{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetLogger injects the logger.
func (e *Engine) SetLogger(logger core.Logger) {
	if logger != nil {
		e.logger = logger
	}
}

// SetTelemetry injects the telemetry provider.
func (e *Engine) SetTelemetry(telemetry core.Telemetry) {
	if telemetry != nil {
		e.telemetry = telemetry
	}
}

// Store exposes the backing action history.
func (e *Engine) Store() *ActionStore {
	return e.store
}

// Evaluate runs the evaluators in configuration order and returns the
// first denial, or an allow when every evaluator passes. An empty
// userID always allows: there is no history to judge against.
func (e *Engine) Evaluate(ctx context.Context, userID string, req core.Request) Decision {
	ctx, span := e.telemetry.StartSpan(ctx, "policy.evaluate")
	defer span.End()
	span.SetAttribute("policy.evaluator_count", len(e.evaluators))

	if userID == "" || len(e.evaluators) == 0 {
		return Allow()
	}

	denial := Allow()
	for _, ev := range e.evaluators {
		decision, err := ev.Evaluate(e.store, userID, req)
		if err != nil {
			e.logger.Warn("Policy evaluator failed, skipping", map[string]interface{}{
				"evaluator": ev.Name(),
				"error":     err.Error(),
			})
			continue
		}
		if decision.Allowed {
			continue
		}
		e.logger.Info("Policy denial", map[string]interface{}{
			"evaluator": decision.Evaluator,
			"reason":    decision.Reason,
			"user_id":   userID,
		})
		e.telemetry.RecordMetric("policy.denials", 1, map[string]string{
			"evaluator": decision.Evaluator,
		})
		if e.stopOnFirstDenial {
			span.SetAttribute("policy.denied_by", decision.Evaluator)
			return decision
		}
		if denial.Allowed {
			denial = decision
		}
	}
	if !denial.Allowed {
		span.SetAttribute("policy.denied_by", denial.Evaluator)
	}
	return denial
}

// RecordAction stores a completed user action for future evaluation.
func (e *Engine) RecordAction(action UserAction) {
	e.store.Record(action)
}
