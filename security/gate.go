package security

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/maestroflow/maestro/core"
)

// GateConfig assembles the security gate.
type GateConfig struct {
	Sanitizer SanitizerConfig
	RateLimit RateLimitConfig
	RedactPII bool
}

// Gate composes detection, sanitization, and rate limiting into the
// single check the controller runs before reasoning.
type Gate struct {
	detector  *Detector
	sanitizer *Sanitizer
	limiter   RateLimiter
	redactor  *Redactor
	logger    core.Logger
	telemetry core.Telemetry

	checked int64
	blocked int64
}

// NewGate builds a gate from config. A nil limiter disables rate
// limiting (the in-memory limiter is wired when RateLimit.Enabled).
func NewGate(config GateConfig, limiter RateLimiter) *Gate {
	if limiter == nil && config.RateLimit.Enabled {
		limiter = NewInMemoryRateLimiter(config.RateLimit)
	}
	return &Gate{
		detector:  NewDetector(),
		sanitizer: NewSanitizer(config.Sanitizer),
		limiter:   limiter,
		redactor:  NewRedactor(config.RedactPII),
		logger:    &core.NoOpLogger{},
		telemetry: &core.NoOpTelemetry{},
	}
}

// SetLogger injects the logger.
func (g *Gate) SetLogger(logger core.Logger) {
	if logger != nil {
		g.logger = logger
	}
}

// SetTelemetry injects the telemetry provider.
func (g *Gate) SetTelemetry(telemetry core.Telemetry) {
	if telemetry != nil {
		g.telemetry = telemetry
	}
}

// Check validates an incoming request: rate limit on the identifier,
// then sanitization bounds, then threat detection over the sanitized
// tree. On success it returns the sanitized request; every failure
// wraps core.ErrSecurityViolation (rate breaches wrap ErrRateLimited).
func (g *Gate) Check(ctx context.Context, identifier string, req core.Request) (core.Request, error) {
	ctx, span := g.telemetry.StartSpan(ctx, "security.check")
	defer span.End()
	atomic.AddInt64(&g.checked, 1)

	if g.limiter != nil && identifier != "" {
		allowed, retryAfter := g.limiter.Allow(ctx, identifier)
		if !allowed {
			atomic.AddInt64(&g.blocked, 1)
			g.telemetry.RecordMetric("security.blocked", 1, map[string]string{"reason": "rate_limit"})
			g.logger.Warn("Request rate limited", map[string]interface{}{
				"identifier":  identifier,
				"retry_after": retryAfter,
			})
			return nil, fmt.Errorf("rate limit exceeded, retry after %ds: %w", retryAfter, core.ErrRateLimited)
		}
	}

	sanitized, err := g.sanitizer.SanitizeTree(map[string]interface{}(req))
	if err != nil {
		atomic.AddInt64(&g.blocked, 1)
		g.telemetry.RecordMetric("security.blocked", 1, map[string]string{"reason": "sanitization"})
		g.logger.Warn("Request failed sanitization", map[string]interface{}{
			"error": err.Error(),
		})
		return nil, err
	}

	if threats := g.detector.ScanTree(sanitized); len(threats) > 0 {
		atomic.AddInt64(&g.blocked, 1)
		g.telemetry.RecordMetric("security.blocked", 1, map[string]string{
			"reason": string(threats[0].Kind),
		})
		g.logger.Warn("Request blocked by threat detection", map[string]interface{}{
			"threat_kind": string(threats[0].Kind),
			"pattern":     threats[0].Pattern,
			"field":       threats[0].Field,
			"count":       len(threats),
		})
		return nil, fmt.Errorf("input rejected: %s: %w", threats[0], core.ErrSecurityViolation)
	}

	span.SetAttribute("security.passed", true)
	return core.Request(sanitized), nil
}

// RedactOutput masks PII in a caller-facing response tree.
func (g *Gate) RedactOutput(tree map[string]interface{}) map[string]interface{} {
	return g.redactor.RedactTree(tree)
}

// GateStats is a point-in-time counter snapshot.
type GateStats struct {
	Checked int64 `json:"checked"`
	Blocked int64 `json:"blocked"`
}

// Stats returns gate counters.
func (g *Gate) Stats() GateStats {
	return GateStats{
		Checked: atomic.LoadInt64(&g.checked),
		Blocked: atomic.LoadInt64(&g.blocked),
	}
}
