// Command maestro runs the orchestration engine: it loads the YAML
// configuration, assembles the agent registry, reasoning, policy, and
// security stages, and serves the HTTP API until interrupted.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maestroflow/maestro/agents"
	"github.com/maestroflow/maestro/ai"
	"github.com/maestroflow/maestro/config"
	"github.com/maestroflow/maestro/core"
	"github.com/maestroflow/maestro/orchestration"
	"github.com/maestroflow/maestro/policy"
	"github.com/maestroflow/maestro/reasoning"
	"github.com/maestroflow/maestro/resilience"
	"github.com/maestroflow/maestro/security"
	"github.com/maestroflow/maestro/server"
	"github.com/maestroflow/maestro/telemetry"
)

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to the YAML configuration")
	flag.Parse()

	logger := core.NewProductionLogger("maestro")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("Configuration failed", map[string]interface{}{
			"path":  *configPath,
			"error": err.Error(),
		})
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("Engine exited with error", map[string]interface{}{
			"error": err.Error(),
		})
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	if path := os.Getenv("MAESTRO_CONFIG"); path != "" {
		return path
	}
	return "config.yaml"
}

func run(cfg *config.Config, logger core.Logger) error {
	o := cfg.Orchestrator

	metrics := telemetry.NewMetrics()
	provider, err := telemetry.NewProvider(telemetry.ConfigFromEnv(o.Name), metrics)
	if err != nil {
		logger.Warn("Telemetry disabled", map[string]interface{}{"error": err.Error()})
		provider = nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry, err := buildRegistry(ctx, cfg, logger)
	if err != nil {
		return err
	}

	aiClient, mode := buildAIClient(o, logger)
	var llm reasoning.Reasoner
	if aiClient != nil {
		model := o.AIModel
		reasoner := reasoning.NewLLMReasoner(aiClient, model, logger)
		if provider != nil {
			reasoner.SetTelemetry(provider)
		}
		llm = reasoner
	}

	rules := reasoning.NewRuleEngine(cfg.Rules, logger)
	reasoner := reasoning.NewHybridReasoner(mode, rules, llm, logger)
	reasoner.SetThreshold(o.RuleConfidenceThreshold)

	breakers := resilience.NewBreakerManager(resilience.BreakerConfig{
		FailureThreshold: o.Breaker.FailureThreshold,
		SuccessThreshold: o.Breaker.SuccessThreshold,
		Timeout:          o.Breaker.Timeout.Std(),
	})

	controller := orchestration.NewController(orchestration.ControllerConfig{
		Executor: orchestration.ExecutorConfig{
			Retry:                buildRetryConfig(o.Retry),
			MaxParallelAgents:    o.MaxParallelAgents,
			DefaultTimeout:       o.DefaultTimeout.Std(),
			Fallbacks:            cfg.Fallbacks(),
			MaxFallbacksPerAgent: orchestration.DefaultExecutorConfig().MaxFallbacksPerAgent,
		},
		Validation: orchestration.ValidationConfig{
			Enabled:             o.Validation.Enabled == nil || *o.Validation.Enabled,
			MaxRetries:          o.Validation.MaxRetries,
			ConfidenceThreshold: o.Validation.ConfidenceThreshold,
			UseAIValidation:     o.Validation.UseAIValidation && aiClient != nil,
		},
		RecordActions: o.RecordActions,
		QueryLogDir:   o.QueryLogDir,
	}, registry, breakers, reasoner, aiClient)
	controller.SetLogger(logger)
	if provider != nil {
		controller.SetTelemetry(provider)
	}

	var policyEngine *policy.Engine
	if o.Policy.Enabled {
		policyEngine = buildPolicyEngine(o.Policy, logger)
		if provider != nil {
			policyEngine.SetTelemetry(provider)
		}
		controller.SetPolicy(policyEngine)
	}

	var gate *security.Gate
	if o.Security.Enabled {
		gate = buildSecurityGate(o.Security, logger)
		if provider != nil {
			gate.SetTelemetry(provider)
		}
		controller.SetSecurityGate(gate)
	}

	if len(o.Validation.Schemas) > 0 {
		schemas, err := buildSchemaValidator(o.Validation, logger)
		if err != nil {
			return err
		}
		controller.SetSchemaValidator(schemas)
	}

	if err := controller.Start(); err != nil {
		return err
	}

	srv := server.New(server.Config{
		Host:        o.HTTPHost,
		Port:        o.HTTPPort,
		AuthToken:   o.AuthToken,
		RequireAuth: o.RequireAuth,
	}, server.Dependencies{
		Controller: controller,
		Registry:   registry,
		Breakers:   breakers,
		Reasoner:   reasoner,
		Gateway:    aiClient,
		Gate:       gate,
		Metrics:    metrics,
		Logger:     logger,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	logger.Info("Engine running", map[string]interface{}{
		"name":           o.Name,
		"reasoning_mode": string(mode),
		"agents":         registry.Len(),
		"http_port":      o.HTTPPort,
	})

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received", nil)
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", map[string]interface{}{"error": err.Error()})
	}
	controller.Shutdown(shutdownCtx)
	if provider != nil {
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Telemetry shutdown incomplete", map[string]interface{}{"error": err.Error()})
		}
	}
	logger.Info("Engine stopped", nil)
	return nil
}

// buildRegistry instantiates and registers the configured agents.
func buildRegistry(ctx context.Context, cfg *config.Config, logger core.Logger) (*core.Registry, error) {
	registry := core.NewRegistry(logger)
	for _, ac := range cfg.Agents {
		if !ac.EnabledOrDefault() {
			logger.Info("Agent disabled", map[string]interface{}{"agent": ac.Name})
			continue
		}
		agent, err := buildAgent(ac, logger)
		if err != nil {
			return nil, err
		}
		if agent == nil {
			continue
		}
		if err := registry.Register(ctx, agent, true); err != nil {
			return nil, fmt.Errorf("register agent %s: %w", ac.Name, err)
		}
	}
	return registry, nil
}

func buildAgent(ac config.AgentConfig, logger core.Logger) (core.Agent, error) {
	switch ac.Type {
	case "calculator":
		return agents.NewCalculatorAgent(), nil
	case "search":
		return agents.NewMockSearchAgent(nil), nil
	case "http", "":
		return agents.NewHTTPAgent(agents.HTTPAgentConfig{
			Name:         ac.Name,
			BaseURL:      ac.BaseURL,
			Capabilities: ac.Capabilities,
			Metadata:     ac.Metadata,
			Timeout:      ac.Timeout.Std(),
		}, logger), nil
	default:
		// Function agents need Go code, not YAML; anything else is a
		// configuration mistake caught here rather than at dispatch.
		return nil, fmt.Errorf("agent %s: unsupported type %q: %w",
			ac.Name, ac.Type, core.ErrInvalidConfiguration)
	}
}

// buildAIClient returns the gateway client and the effective reasoning
// mode. A configured AI provider without credentials degrades to
// rule-only reasoning instead of failing startup.
func buildAIClient(o config.OrchestratorConfig, logger core.Logger) (*ai.GatewayClient, reasoning.Mode) {
	mode := reasoning.Mode(o.ReasoningMode)
	if o.AIProvider == "" {
		if mode != reasoning.ModeRule {
			logger.Info("No AI provider configured, using rule reasoning", nil)
		}
		return nil, reasoning.ModeRule
	}

	gwCfg := ai.DefaultGatewayConfig()
	if o.AIModel != "" {
		gwCfg.DefaultModel = o.AIModel
	}
	if gwCfg.APIKey == "" {
		logger.Warn("AI provider configured without MAESTRO_API_KEY, using rule reasoning", map[string]interface{}{
			"provider": o.AIProvider,
		})
		return nil, reasoning.ModeRule
	}
	return ai.NewGatewayClient(gwCfg, logger), mode
}

func buildRetryConfig(rc config.RetryConfig) *resilience.RetryConfig {
	out := resilience.DefaultRetryConfig()
	out.MaxAttempts = rc.MaxAttempts
	out.InitialDelay = rc.InitialDelay.Std()
	out.MaxDelay = rc.MaxDelay.Std()
	out.BackoffFactor = rc.BackoffFactor
	if rc.BackoffEnabled != nil {
		out.BackoffEnabled = *rc.BackoffEnabled
	}
	if rc.JitterEnabled != nil {
		out.JitterEnabled = *rc.JitterEnabled
	}
	if rc.RetryOnTimeout != nil {
		out.RetryOnTimeout = *rc.RetryOnTimeout
	}
	if rc.RetryOnConnectionError != nil {
		out.RetryOnConnectionError = *rc.RetryOnConnectionError
	}
	return out
}

func buildPolicyEngine(pc config.PolicyConfig, logger core.Logger) *policy.Engine {
	store := policy.NewActionStore(pc.MaxActionsPerUser, pc.MaxActionAge.Std())

	evaluators := make([]policy.Evaluator, 0, len(pc.Evaluators))
	for _, ec := range pc.Evaluators {
		switch ec.Kind {
		case "timed_restriction":
			blocked := make([]policy.ActionCategory, 0, len(ec.BlockedCategories))
			for _, c := range ec.BlockedCategories {
				blocked = append(blocked, policy.ParseCategory(c))
			}
			evaluators = append(evaluators, &policy.TimedRestriction{
				RuleName:          ec.Name,
				TriggerCategory:   policy.ParseCategory(ec.TriggerCategory),
				BlockedCategories: blocked,
				BlockHours:        ec.BlockHours,
			})
		case "rate_limit":
			evaluators = append(evaluators, &policy.RateLimit{
				RuleName:    ec.Name,
				Category:    policy.ParseCategory(ec.Category),
				MaxCount:    ec.MaxCount,
				WindowHours: ec.WindowHours,
			})
		case "threshold":
			evaluators = append(evaluators, &policy.Threshold{
				RuleName: ec.Name,
				Field:    ec.Field,
				MaxValue: ec.MaxValue,
			})
		}
	}

	var opts []policy.EngineOption
	if pc.StopOnFirstDenial != nil && !*pc.StopOnFirstDenial {
		opts = append(opts, policy.WithoutShortCircuit())
	}
	engine := policy.NewEngine(store, evaluators, opts...)
	engine.SetLogger(logger)
	return engine
}

func buildSecurityGate(sc config.SecurityConfig, logger core.Logger) *security.Gate {
	gateConfig := security.GateConfig{
		Sanitizer: security.SanitizerConfig{
			MaxStringLength: sc.MaxStringLength,
			MaxTotalBytes:   sc.MaxTotalBytes,
			MaxDepth:        sc.MaxDepth,
		},
		RateLimit: security.RateLimitConfig{
			Enabled:     sc.RateLimit,
			MaxRequests: sc.MaxRequests,
			Window:      time.Duration(sc.WindowSeconds) * time.Second,
		},
		RedactPII: sc.RedactPII,
	}

	var limiter security.RateLimiter
	if sc.RateLimit && sc.RedisURL != "" {
		redisLimiter, err := security.NewRedisRateLimiter(gateConfig.RateLimit, sc.RedisURL, logger)
		if err != nil {
			logger.Warn("Redis rate limiter unavailable, using in-memory limiter", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			limiter = redisLimiter
		}
	}

	gate := security.NewGate(gateConfig, limiter)
	gate.SetLogger(logger)
	return gate
}

func buildSchemaValidator(vc config.ValidationConfig, logger core.Logger) (*orchestration.SchemaValidator, error) {
	raw := make(map[string]json.RawMessage, len(vc.Schemas))
	for agent, schema := range vc.Schemas {
		encoded, err := json.Marshal(schema)
		if err != nil {
			return nil, fmt.Errorf("schema for %s: %v: %w", agent, err, core.ErrInvalidConfiguration)
		}
		raw[agent] = encoded
	}
	return orchestration.NewSchemaValidator(raw, vc.Strict, logger)
}
