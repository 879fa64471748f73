package telemetry

import (
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the engine's Prometheus metric set. Fixed collectors
// cover the hot paths; Record accepts the free-form names the rest of
// the code emits through core.Telemetry and maps them to dynamically
// registered counters.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	AgentCalls        *prometheus.CounterVec
	AgentDuration     *prometheus.HistogramVec
	BreakerState      *prometheus.GaugeVec
	AITokens          prometheus.Counter
	ValidationRetries prometheus.Counter
	ActiveQueries     prometheus.Gauge

	mu      sync.Mutex
	dynamic map[string]*prometheus.CounterVec
}

// NewMetrics creates and registers the metric set on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_requests_total",
			Help: "Completed orchestration requests by outcome.",
		}, []string{"status", "method"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "maestro_request_duration_seconds",
			Help:    "End-to-end request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		AgentCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_agent_calls_total",
			Help: "Agent invocations by agent and outcome.",
		}, []string{"agent", "status"}),
		AgentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "maestro_agent_duration_seconds",
			Help:    "Per-agent call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"agent"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "maestro_breaker_state",
			Help: "Circuit breaker state per agent (0 closed, 1 open, 2 half-open).",
		}, []string{"agent"}),
		AITokens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "maestro_ai_tokens_total",
			Help: "Tokens consumed by AI planning.",
		}),
		ValidationRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "maestro_validation_retries_total",
			Help: "Validation-triggered execution retries.",
		}),
		ActiveQueries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "maestro_active_queries",
			Help: "Requests currently in flight.",
		}),
		dynamic: make(map[string]*prometheus.CounterVec),
	}
	registry.MustRegister(
		m.RequestsTotal, m.RequestDuration,
		m.AgentCalls, m.AgentDuration,
		m.BreakerState, m.AITokens,
		m.ValidationRetries, m.ActiveQueries,
	)
	return m
}

// Registry returns the backing registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Record routes a dotted metric name to its collector. Names the
// engine emits on the hot path map to the fixed typed collectors
// (gauges may decrease, durations feed histograms); anything else
// lands on a dynamically registered counter.
func (m *Metrics) Record(name string, value float64, labels map[string]string) {
	switch name {
	case "controller.active_queries":
		m.ActiveQueries.Add(value)
		return
	case "controller.validation_retries":
		m.ValidationRetries.Add(value)
		return
	case "controller.requests":
		m.RequestsTotal.WithLabelValues(labels["status"], labels["method"]).Add(value)
		return
	case "controller.request_duration_ms":
		m.RequestDuration.WithLabelValues(labels["method"]).Observe(value / 1000)
		return
	case "executor.agent_calls":
		m.AgentCalls.WithLabelValues(labels["agent"], labels["status"]).Add(value)
		return
	case "executor.agent_duration_ms":
		m.AgentDuration.WithLabelValues(labels["agent"]).Observe(value / 1000)
		return
	case "breaker.state":
		m.BreakerState.WithLabelValues(labels["agent"]).Set(value)
		return
	case "reasoning.tokens_used":
		m.AITokens.Add(value)
		return
	}
	// Counters cannot decrease; a negative sample on an unrouted name
	// is dropped rather than panicking inside Prometheus.
	if value < 0 {
		return
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	promName := "maestro_" + strings.NewReplacer(".", "_", "-", "_").Replace(name)
	cacheKey := promName + "|" + strings.Join(keys, ",")

	m.mu.Lock()
	vec, ok := m.dynamic[cacheKey]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: promName,
			Help: "Engine counter " + name + ".",
		}, keys)
		if err := m.registry.Register(vec); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				vec = are.ExistingCollector.(*prometheus.CounterVec)
			} else {
				// Same name with a different label set; drop the sample.
				m.mu.Unlock()
				return
			}
		}
		m.dynamic[cacheKey] = vec
	}
	m.mu.Unlock()

	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = labels[k]
	}
	vec.WithLabelValues(values...).Add(value)
}
