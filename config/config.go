// Package config loads the engine configuration: the orchestrator
// document, the agent roster, and the routing rules. Values support
// ${VAR} and ${VAR:default} environment substitution; a .env file is
// honored when present.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/maestroflow/maestro/core"
	"github.com/maestroflow/maestro/reasoning"
)

// Duration decodes YAML scalars like "10s" or "500ms" into a
// time.Duration; bare integers are taken as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, core.ErrInvalidConfiguration)
		}
		*d = Duration(parsed)
		return nil
	}
	var seconds int64
	if err := value.Decode(&seconds); err != nil {
		return fmt.Errorf("invalid duration: %w", core.ErrInvalidConfiguration)
	}
	*d = Duration(time.Duration(seconds) * time.Second)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the merged view of the three configuration documents.
type Config struct {
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Agents       []AgentConfig      `yaml:"agents"`
	Rules        []reasoning.Rule   `yaml:"rules"`
}

// OrchestratorConfig is the engine-level document.
type OrchestratorConfig struct {
	Name          string `yaml:"name"`
	ReasoningMode string `yaml:"reasoning_mode"`
	AIProvider    string `yaml:"ai_provider"`
	AIModel       string `yaml:"ai_model"`

	HTTPHost    string `yaml:"http_host"`
	HTTPPort    int    `yaml:"http_port"`
	AuthToken   string `yaml:"auth_token"`
	RequireAuth bool   `yaml:"require_auth"`

	DefaultTimeout    Duration `yaml:"default_timeout"`
	MaxParallelAgents int      `yaml:"max_parallel_agents"`

	Retry      RetryConfig      `yaml:"retry"`
	Breaker    BreakerConfig    `yaml:"circuit_breaker"`
	Validation ValidationConfig `yaml:"validation"`
	Security   SecurityConfig   `yaml:"security"`
	Policy     PolicyConfig     `yaml:"policy"`

	QueryLogDir   string `yaml:"query_log_dir"`
	RecordActions bool   `yaml:"record_actions_on_success"`

	RuleConfidenceThreshold float64 `yaml:"rule_confidence_threshold"`
}

// RetryConfig mirrors the executor retry policy in YAML form.
type RetryConfig struct {
	MaxAttempts            int      `yaml:"max_attempts"`
	InitialDelay           Duration `yaml:"initial_delay"`
	MaxDelay               Duration `yaml:"max_delay"`
	BackoffFactor          float64  `yaml:"backoff_factor"`
	BackoffEnabled         *bool    `yaml:"backoff_enabled"`
	JitterEnabled          *bool    `yaml:"jitter_enabled"`
	RetryOnTimeout         *bool    `yaml:"retry_on_timeout"`
	RetryOnConnectionError *bool    `yaml:"retry_on_connection_error"`
}

// BreakerConfig mirrors the circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	SuccessThreshold int      `yaml:"success_threshold"`
	Timeout          Duration `yaml:"timeout"`
}

// ValidationConfig mirrors the response validation settings.
type ValidationConfig struct {
	Enabled             *bool   `yaml:"enabled"`
	MaxRetries          int     `yaml:"max_retries"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	UseAIValidation     bool    `yaml:"use_ai_validation"`
	Strict              bool    `yaml:"strict"`
	// Schemas holds per-agent JSON Schema documents in YAML form.
	Schemas map[string]map[string]interface{} `yaml:"schemas"`
}

// SecurityConfig mirrors the security gate settings.
type SecurityConfig struct {
	Enabled         bool   `yaml:"enabled"`
	MaxStringLength int    `yaml:"max_string_length"`
	MaxTotalBytes   int64  `yaml:"max_total_bytes"`
	MaxDepth        int    `yaml:"max_depth"`
	RedactPII       bool   `yaml:"redact_pii"`
	RateLimit       bool   `yaml:"rate_limit"`
	MaxRequests     int    `yaml:"max_requests"`
	WindowSeconds   int    `yaml:"window_seconds"`
	RedisURL        string `yaml:"redis_url"`
}

// PolicyConfig mirrors the policy evaluator roster.
type PolicyConfig struct {
	Enabled           bool              `yaml:"enabled"`
	StopOnFirstDenial *bool             `yaml:"stop_on_first_denial"`
	MaxActionsPerUser int               `yaml:"max_actions_per_user"`
	MaxActionAge      Duration          `yaml:"max_action_age"`
	Evaluators        []EvaluatorConfig `yaml:"evaluators"`
}

// EvaluatorConfig declares one policy evaluator.
type EvaluatorConfig struct {
	Name              string   `yaml:"name"`
	Kind              string   `yaml:"kind"` // timed_restriction | rate_limit | threshold
	TriggerCategory   string   `yaml:"trigger_category"`
	BlockedCategories []string `yaml:"blocked_categories"`
	BlockHours        float64  `yaml:"block_hours"`
	Category          string   `yaml:"category"`
	MaxCount          int      `yaml:"max_count"`
	WindowHours       float64  `yaml:"window_hours"`
	Field             string   `yaml:"field"`
	MaxValue          float64  `yaml:"max_value"`
}

// AgentConfig declares one agent in the roster document.
type AgentConfig struct {
	Name         string                 `yaml:"name"`
	Type         string                 `yaml:"type"` // http | calculator | search | function
	Transport    string                 `yaml:"transport"`
	BaseURL      string                 `yaml:"base_url"`
	Capabilities []string               `yaml:"capabilities"`
	Role         string                 `yaml:"role"`
	Constraints  []string               `yaml:"constraints"`
	Fallback     string                 `yaml:"fallback"`
	Enabled      *bool                  `yaml:"enabled"`
	Timeout      Duration               `yaml:"timeout"`
	Metadata     map[string]interface{} `yaml:"metadata"`
}

// EnabledOrDefault treats a missing enabled flag as on.
func (a AgentConfig) EnabledOrDefault() bool {
	return a.Enabled == nil || *a.Enabled
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::([^}]*))?\}`)

// ExpandEnv substitutes ${VAR} and ${VAR:default} inside a string.
// Unset variables without a default expand to the empty string.
func ExpandEnv(in string) string {
	return envPattern.ReplaceAllStringFunc(in, func(match string) string {
		groups := envPattern.FindStringSubmatch(match)
		if value, ok := os.LookupEnv(groups[1]); ok {
			return value
		}
		return groups[2]
	})
}

// Load reads the configuration file, applying .env, environment
// substitution, defaults, and validation.
func Load(path string) (*Config, error) {
	// A .env beside the process is a development convenience; its
	// absence is not an error.
	_ = godotenv.Load()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %v: %w", path, err, core.ErrMissingConfiguration)
	}
	return Parse(raw)
}

// Parse loads configuration from raw YAML.
func Parse(raw []byte) (*Config, error) {
	expanded := ExpandEnv(string(raw))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %v: %w", err, core.ErrInvalidConfiguration)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	o := &c.Orchestrator
	if o.Name == "" {
		o.Name = "maestro"
	}
	if o.ReasoningMode == "" {
		o.ReasoningMode = string(reasoning.ModeHybrid)
	}
	if o.HTTPHost == "" {
		o.HTTPHost = "0.0.0.0"
	}
	if o.HTTPPort == 0 {
		o.HTTPPort = 8080
	}
	if o.DefaultTimeout == 0 {
		o.DefaultTimeout = Duration(30 * time.Second)
	}
	if o.MaxParallelAgents == 0 {
		o.MaxParallelAgents = 5
	}
	if o.Retry.MaxAttempts == 0 {
		o.Retry.MaxAttempts = 3
	}
	if o.Retry.InitialDelay == 0 {
		o.Retry.InitialDelay = Duration(100 * time.Millisecond)
	}
	if o.Retry.MaxDelay == 0 {
		o.Retry.MaxDelay = Duration(5 * time.Second)
	}
	if o.Retry.BackoffFactor == 0 {
		o.Retry.BackoffFactor = 2.0
	}
	if o.Breaker.FailureThreshold == 0 {
		o.Breaker.FailureThreshold = 5
	}
	if o.Breaker.SuccessThreshold == 0 {
		o.Breaker.SuccessThreshold = 2
	}
	if o.Breaker.Timeout == 0 {
		o.Breaker.Timeout = Duration(60 * time.Second)
	}
	if o.Validation.MaxRetries == 0 {
		o.Validation.MaxRetries = 2
	}
	if o.Validation.ConfidenceThreshold == 0 {
		o.Validation.ConfidenceThreshold = 0.7
	}
	if o.RuleConfidenceThreshold == 0 {
		o.RuleConfidenceThreshold = 0.7
	}
	if o.Security.MaxRequests == 0 {
		o.Security.MaxRequests = 60
	}
	if o.Security.WindowSeconds == 0 {
		o.Security.WindowSeconds = 60
	}
	if o.Policy.MaxActionsPerUser == 0 {
		o.Policy.MaxActionsPerUser = 1000
	}
	if o.Policy.MaxActionAge == 0 {
		o.Policy.MaxActionAge = Duration(720 * time.Hour)
	}

	for i := range c.Rules {
		if c.Rules[i].Logic == "" {
			c.Rules[i].Logic = "AND"
		}
	}
}

// Validate rejects configurations the engine cannot start with.
func (c *Config) Validate() error {
	o := c.Orchestrator
	switch reasoning.Mode(o.ReasoningMode) {
	case reasoning.ModeRule, reasoning.ModeAI, reasoning.ModeHybrid:
	default:
		return fmt.Errorf("reasoning_mode %q: %w", o.ReasoningMode, core.ErrInvalidConfiguration)
	}
	if o.RequireAuth && o.AuthToken == "" {
		return fmt.Errorf("require_auth without auth_token: %w", core.ErrInvalidConfiguration)
	}
	if o.HTTPPort < 0 || o.HTTPPort > 65535 {
		return fmt.Errorf("http_port %d: %w", o.HTTPPort, core.ErrInvalidConfiguration)
	}

	seen := make(map[string]bool, len(c.Agents))
	for _, agent := range c.Agents {
		if agent.Name == "" {
			return fmt.Errorf("agent without name: %w", core.ErrInvalidConfiguration)
		}
		if seen[agent.Name] {
			return fmt.Errorf("duplicate agent %q: %w", agent.Name, core.ErrInvalidConfiguration)
		}
		seen[agent.Name] = true
		if agent.Type == "http" && agent.BaseURL == "" {
			return fmt.Errorf("http agent %q without base_url: %w", agent.Name, core.ErrInvalidConfiguration)
		}
		if agent.Fallback != "" && agent.Fallback == agent.Name {
			return fmt.Errorf("agent %q is its own fallback: %w", agent.Name, core.ErrInvalidConfiguration)
		}
	}

	for _, rule := range c.Rules {
		if rule.Name == "" {
			return fmt.Errorf("rule without name: %w", core.ErrInvalidConfiguration)
		}
		if len(rule.TargetAgents) == 0 {
			return fmt.Errorf("rule %q without target_agents: %w", rule.Name, core.ErrInvalidConfiguration)
		}
		if rule.Confidence < 0 || rule.Confidence > 1 {
			return fmt.Errorf("rule %q confidence %v outside [0,1]: %w",
				rule.Name, rule.Confidence, core.ErrInvalidConfiguration)
		}
		switch strings.ToUpper(rule.Logic) {
		case "AND", "OR", "NOT":
		default:
			return fmt.Errorf("rule %q logic %q: %w", rule.Name, rule.Logic, core.ErrInvalidConfiguration)
		}
	}

	for _, ev := range c.Orchestrator.Policy.Evaluators {
		switch ev.Kind {
		case "timed_restriction", "rate_limit", "threshold":
		default:
			return fmt.Errorf("policy evaluator %q kind %q: %w", ev.Name, ev.Kind, core.ErrInvalidConfiguration)
		}
	}
	return nil
}

// Fallbacks builds the executor fallback map from the agent roster.
func (c *Config) Fallbacks() map[string]string {
	out := make(map[string]string)
	for _, agent := range c.Agents {
		if agent.Fallback != "" && agent.EnabledOrDefault() {
			out[agent.Name] = agent.Fallback
		}
	}
	return out
}
