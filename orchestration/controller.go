package orchestration

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/maestroflow/maestro/core"
	"github.com/maestroflow/maestro/policy"
	"github.com/maestroflow/maestro/reasoning"
	"github.com/maestroflow/maestro/resilience"
	"github.com/maestroflow/maestro/security"
)

// ProgressFunc receives pipeline stage events for streaming callers.
type ProgressFunc func(event string, data map[string]interface{})

// ControllerConfig tunes the request pipeline.
type ControllerConfig struct {
	Executor   ExecutorConfig
	Validation ValidationConfig
	// RecordActions stores a successful request's action category to
	// the policy history so later policy checks can see it.
	RecordActions bool
	QueryLogDir   string
}

// Controller owns the request pipeline. It is safe for concurrent
// callers against a shared registry; per-agent state (stats, breaker)
// is serialized inside its owners.
type Controller struct {
	config    ControllerConfig
	registry  *core.Registry
	breakers  *resilience.BreakerManager
	reasoner  *reasoning.HybridReasoner
	executor  *Executor
	validator *Validator
	schemas   *SchemaValidator
	formatter *Formatter
	queryLog  *QueryLog
	policy    *policy.Engine
	gate      *security.Gate
	logger    core.Logger
	telemetry core.Telemetry

	initialized   atomic.Bool
	activeQueries int64
	totalRequests int64
	totalFailures int64
}

// NewController assembles the pipeline. Policy engine, security gate,
// and schema validator are optional; nil disables the stage.
func NewController(
	config ControllerConfig,
	registry *core.Registry,
	breakers *resilience.BreakerManager,
	reasoner *reasoning.HybridReasoner,
	aiClient core.AIClient,
) *Controller {
	executor := NewExecutor(registry, breakers, config.Executor)
	c := &Controller{
		config:    config,
		registry:  registry,
		breakers:  breakers,
		reasoner:  reasoner,
		executor:  executor,
		validator: NewValidator(config.Validation, aiClient),
		formatter: NewFormatter(),
		logger:    &core.NoOpLogger{},
		telemetry: &core.NoOpTelemetry{},
	}
	c.queryLog = NewQueryLog(config.QueryLogDir, c.logger)
	return c
}

// SetLogger injects the logger into the controller and its stages.
func (c *Controller) SetLogger(logger core.Logger) {
	if logger == nil {
		return
	}
	c.logger = logger
	c.executor.SetLogger(logger)
	c.validator.SetLogger(logger)
	c.queryLog = NewQueryLog(c.config.QueryLogDir, logger)
}

// SetTelemetry injects the telemetry provider.
func (c *Controller) SetTelemetry(telemetry core.Telemetry) {
	if telemetry == nil {
		return
	}
	c.telemetry = telemetry
	c.executor.SetTelemetry(telemetry)
}

// SetPolicy enables the policy stage.
func (c *Controller) SetPolicy(engine *policy.Engine) {
	c.policy = engine
}

// SetSecurityGate enables the security stage.
func (c *Controller) SetSecurityGate(gate *security.Gate) {
	c.gate = gate
}

// SetSchemaValidator enables the response schema pass.
func (c *Controller) SetSchemaValidator(schemas *SchemaValidator) {
	c.schemas = schemas
}

// Executor exposes the plan executor (stats endpoints).
func (c *Controller) Executor() *Executor {
	return c.executor
}

// Start marks the controller ready. Processing before Start fails
// with a configuration error.
func (c *Controller) Start() error {
	if c.initialized.Swap(true) {
		return core.ErrAlreadyStarted
	}
	c.logger.Info("Orchestration controller started", map[string]interface{}{
		"agents":             c.registry.Len(),
		"validation_enabled": c.config.Validation.Enabled,
		"policy_enabled":     c.policy != nil,
		"security_enabled":   c.gate != nil,
	})
	return nil
}

// Shutdown tears down registered agents. Individual cleanup failures
// are logged inside the registry and never propagate.
func (c *Controller) Shutdown(ctx context.Context) {
	c.initialized.Store(false)
	c.registry.Shutdown(ctx)
}

// ProcessOptions carries per-request options.
type ProcessOptions struct {
	// Identifier keys the rate limiter (IP or token hash).
	Identifier string
	UserID     string
	Progress   ProgressFunc
}

// ActiveQueries returns the number of requests in flight.
func (c *Controller) ActiveQueries() int64 {
	return atomic.LoadInt64(&c.activeQueries)
}

// ControllerStats is a point-in-time snapshot for /stats.
type ControllerStats struct {
	TotalRequests int64 `json:"total_requests"`
	TotalFailures int64 `json:"total_failures"`
	ActiveQueries int64 `json:"active_queries"`
}

// Stats returns controller counters.
func (c *Controller) Stats() ControllerStats {
	return ControllerStats{
		TotalRequests: atomic.LoadInt64(&c.totalRequests),
		TotalFailures: atomic.LoadInt64(&c.totalFailures),
		ActiveQueries: atomic.LoadInt64(&c.activeQueries),
	}
}

// Process drives one request through the pipeline and returns the
// response envelope. It never panics and never returns an envelope
// without success, data, and _metadata.request_id.
func (c *Controller) Process(ctx context.Context, req core.Request, opts ProcessOptions) (out map[string]interface{}) {
	start := time.Now()

	requestID := req.GetString("request_id")
	if requestID == "" {
		requestID = core.NewRequestID()
	}
	sessionID := req.GetString("session_id")
	ctx = core.WithRequestScope(ctx, requestID, sessionID)
	if opts.UserID != "" {
		ctx = core.WithUserID(ctx, opts.UserID)
	}

	if !c.initialized.Load() {
		return c.formatter.FormatError("orchestrator not initialized", requestID, nil)
	}

	ctx, span := c.telemetry.StartSpan(ctx, "controller.process")
	defer span.End()
	span.SetAttribute("request.id", requestID)

	atomic.AddInt64(&c.activeQueries, 1)
	atomic.AddInt64(&c.totalRequests, 1)
	c.telemetry.RecordMetric("controller.active_queries", 1, nil)

	record := &QueryRecord{
		RequestID: requestID,
		SessionID: sessionID,
		UserID:    opts.UserID,
		Timestamp: start.UTC(),
		Query:     req.Query(),
		Request:   map[string]interface{}(req.Clone()),
	}
	defer func() {
		// The controller boundary translates panics to a generic
		// error; details stay in the log. Registered before the gauge
		// decrement so a panic there is still caught.
		if r := recover(); r != nil {
			c.logger.Error("Controller panic", map[string]interface{}{
				"request_id": requestID,
				"panic":      fmt.Sprintf("%v", r),
			})
			out = c.formatter.FormatError("internal error", requestID, nil)
			record.ErrorType = "InternalError"
			record.Error = fmt.Sprintf("%v", r)
		}
		record.Success, _ = out["success"].(bool)
		record.DurationMS = float64(time.Since(start).Milliseconds())
		if !record.Success {
			atomic.AddInt64(&c.totalFailures, 1)
		}
		c.recordMetrics(record)
		c.queryLog.Write(record)
	}()
	defer func() {
		atomic.AddInt64(&c.activeQueries, -1)
		c.telemetry.RecordMetric("controller.active_queries", -1, nil)
	}()

	emit := func(event string, data map[string]interface{}) {
		if opts.Progress != nil {
			opts.Progress(event, data)
		}
	}

	// Security gate.
	if c.gate != nil && req["validate_input"] != false {
		emit("security_validation", map[string]interface{}{"status": "checking"})
		sanitized, err := c.gate.Check(ctx, opts.Identifier, req)
		if err != nil {
			span.RecordError(err)
			record.ErrorType = "SecurityError"
			record.Error = err.Error()
			return c.formatter.FormatError(err.Error(), requestID, nil)
		}
		req = sanitized
	}

	// Policy check.
	if c.policy != nil {
		decision := c.policy.Evaluate(ctx, opts.UserID, req)
		if !decision.Allowed {
			record.ErrorType = "PolicyError"
			record.Error = decision.Reason
			extra := map[string]interface{}{"policy_evaluator": decision.Evaluator}
			if decision.BlockedUntil != nil {
				extra["blocked_until"] = decision.BlockedUntil.UTC().Format(time.RFC3339)
			}
			return c.formatter.FormatError(decision.Reason, requestID, extra)
		}
	}

	// Reasoning over the breaker-filtered agent set.
	emit("reasoning_started", map[string]interface{}{"agents_available": c.registry.Len()})
	available := c.availableAgents()
	plan, err := c.reasoner.Reason(ctx, req, available)
	if err != nil || plan == nil || len(plan.Agents) == 0 {
		errText := "no execution plan could be produced"
		if err != nil {
			errText = fmt.Sprintf("%s: %v", errText, err)
		}
		span.RecordError(err)
		record.ErrorType = "ReasoningError"
		record.Error = errText
		return c.formatter.FormatError(errText, requestID, nil)
	}

	record.Reasoning = map[string]interface{}{
		"method":     plan.Method,
		"confidence": plan.Confidence,
		"agents":     plan.Agents,
		"parallel":   plan.Parallel,
		"parameters": plan.Parameters,
		"reasoning":  plan.Reasoning,
	}
	c.logger.Info("Reasoning decision", map[string]interface{}{
		"request_id": requestID,
		"method":     plan.Method,
		"agents":     plan.Agents,
		"confidence": plan.Confidence,
		"parallel":   plan.Parallel,
	})
	emit("reasoning_complete", map[string]interface{}{
		"method":   plan.Method,
		"agents":   plan.Agents,
		"parallel": plan.Parallel,
	})

	// Execution with validation-bounded retry.
	maxIterations := 1
	if c.config.Validation.Enabled {
		maxIterations = c.config.Validation.MaxRetries + 1
	}

	var validation *ValidationResult
	for iteration := 1; iteration <= maxIterations; iteration++ {
		emit("agents_executing", map[string]interface{}{
			"agents":    plan.Agents,
			"iteration": iteration,
		})
		responses := c.executor.Execute(ctx, plan, req)
		c.recordInteractions(record, responses)

		var schemaViolations []string
		if c.schemas != nil {
			schemaViolations = c.schemas.Check(responses)
		}

		out = c.formatter.FormatMultiple(responses, plan, requestID)

		if len(schemaViolations) > 0 && c.schemas.Strict() {
			record.ErrorType = "ValidationError"
			record.Error = schemaViolations[0]
			return c.formatter.FormatError(
				fmt.Sprintf("response schema validation failed: %s", schemaViolations[0]),
				requestID, nil)
		}

		if !c.config.Validation.Enabled {
			break
		}
		emit("validation", map[string]interface{}{"iteration": iteration})
		validation = c.validator.Validate(ctx, req.Query(), responses, plan.Reasoning)
		record.Validation = validation
		if validation.IsValid {
			break
		}
		if iteration < maxIterations {
			reason := fmt.Sprintf("Validation failed: %v", validation.Issues)
			record.Retries = append(record.Retries, RetryAttempt{
				Attempt:   iteration,
				Reason:    reason,
				Timestamp: time.Now().UTC(),
			})
			c.telemetry.RecordMetric("controller.validation_retries", 1, nil)
			c.logger.Warn("Validation failed, re-executing plan", map[string]interface{}{
				"request_id": requestID,
				"iteration":  iteration,
				"issues":     validation.Issues,
			})
			continue
		}
		// Retries exhausted: return the aggregate with a warning,
		// not an error.
		if meta, ok := out["_metadata"].(map[string]interface{}); ok {
			meta["validation_warning"] = fmt.Sprintf(
				"response validation failed after %d attempts: %v",
				maxIterations, validation.Issues)
		}
	}

	if c.gate != nil {
		out = c.gate.RedactOutput(out)
	}
	c.maybeRecordAction(req, opts.UserID, out)
	emit("completed", map[string]interface{}{"success": out["success"]})
	return out
}

// availableAgents describes registered agents whose breaker admits
// traffic; open-breaker agents are invisible to reasoning.
func (c *Controller) availableAgents() []reasoning.AgentDescriptor {
	names := c.registry.Names()
	if c.breakers != nil {
		names = c.breakers.Available(names)
	}
	descriptors := make([]reasoning.AgentDescriptor, 0, len(names))
	for _, name := range names {
		agent, ok := c.registry.Get(name)
		if !ok {
			continue
		}
		description, _ := agent.Metadata()["description"].(string)
		descriptors = append(descriptors, reasoning.AgentDescriptor{
			Name:         name,
			Capabilities: agent.Capabilities(),
			Description:  description,
		})
	}
	return descriptors
}

func (c *Controller) recordInteractions(record *QueryRecord, responses []*core.AgentResponse) {
	for _, resp := range responses {
		if resp == nil {
			continue
		}
		interaction := AgentInteraction{
			Agent:         resp.AgentName,
			Success:       resp.Success,
			Error:         resp.Error,
			ExecutionTime: resp.ExecutionTime,
			Timestamp:     resp.Timestamp,
		}
		if from, ok := resp.Metadata["fallback_from"].(string); ok {
			interaction.FallbackFrom = from
		}
		record.Agents = append(record.Agents, interaction)
	}
}

func (c *Controller) recordMetrics(record *QueryRecord) {
	status := "error"
	if record.Success {
		status = "success"
	}
	method := ""
	if record.Reasoning != nil {
		method, _ = record.Reasoning["method"].(string)
	}
	c.telemetry.RecordMetric("controller.requests", 1, map[string]string{
		"status": status, "method": method,
	})
	c.telemetry.RecordMetric("controller.request_duration_ms", record.DurationMS, map[string]string{
		"method": method,
	})
}

// maybeRecordAction writes a successful request's category to the
// policy history when RecordActions is on.
func (c *Controller) maybeRecordAction(req core.Request, userID string, out map[string]interface{}) {
	if !c.config.RecordActions || c.policy == nil || userID == "" {
		return
	}
	success, _ := out["success"].(bool)
	if !success {
		return
	}
	category := policy.CategoryQuery
	if cat := req.GetString("category"); cat != "" {
		category = policy.ParseCategory(cat)
	}
	c.policy.RecordAction(policy.UserAction{
		UserID:     userID,
		ActionType: req.Query(),
		Category:   category,
		Timestamp:  time.Now(),
		Success:    true,
	})
}
