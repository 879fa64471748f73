package resilience

import (
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests until the cool-down elapses
	StateOpen
	// StateHalfOpen allows probes while recovery is evaluated
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds the per-agent breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // half-open successes before closing
	Timeout          time.Duration // cool-down before probes are allowed
}

// DefaultBreakerConfig provides the standard thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
	}
}

// breaker tracks one agent's failure/success counters.
// Guarded by the manager's per-breaker mutex.
type breaker struct {
	mu           sync.Mutex
	config       BreakerConfig
	failureCount int
	successCount int
	open         bool
	openSince    time.Time

	// clock is swappable for tests
	now func() time.Time
}

func (b *breaker) state() CircuitState {
	if !b.open {
		return StateClosed
	}
	if b.now().Sub(b.openSince) >= b.config.Timeout {
		return StateHalfOpen
	}
	return StateOpen
}

// allow reports whether a dispatch may proceed right now.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state() != StateOpen
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state() {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			b.open = false
			b.failureCount = 0
			b.successCount = 0
		}
	case StateOpen:
		// A success while refused should not happen; ignore.
	}
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state() {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.config.FailureThreshold {
			b.open = true
			b.openSince = b.now()
			b.successCount = 0
		}
	case StateHalfOpen:
		// A failed probe re-opens the circuit for a full cool-down.
		b.open = true
		b.openSince = b.now()
		b.successCount = 0
	case StateOpen:
	}
}

// BreakerStats is a snapshot of one breaker for /stats.
type BreakerStats struct {
	State        string    `json:"state"`
	FailureCount int       `json:"failure_count"`
	SuccessCount int       `json:"success_count"`
	OpenSince    time.Time `json:"open_since,omitempty"`
}

// BreakerManager holds one circuit breaker per agent name. The
// manager lives with the registry; breaker state outlives requests.
type BreakerManager struct {
	mu       sync.Mutex
	config   BreakerConfig
	breakers map[string]*breaker
	now      func() time.Time
}

// NewBreakerManager creates a manager applying config to every agent.
func NewBreakerManager(config BreakerConfig) *BreakerManager {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultBreakerConfig().SuccessThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultBreakerConfig().Timeout
	}
	return &BreakerManager{
		config:   config,
		breakers: make(map[string]*breaker),
		now:      time.Now,
	}
}

// SetClock overrides the time source (tests only).
func (m *BreakerManager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	for _, b := range m.breakers {
		b.now = now
	}
}

func (m *BreakerManager) get(name string) *breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[name]
	if !ok {
		b = &breaker{config: m.config, now: m.now}
		m.breakers[name] = b
	}
	return b
}

// Allow reports whether the agent's breaker admits a dispatch.
// An open breaker whose cool-down elapsed admits probes (half-open).
func (m *BreakerManager) Allow(name string) bool {
	return m.get(name).allow()
}

// RecordSuccess registers a successful call for the agent.
func (m *BreakerManager) RecordSuccess(name string) {
	m.get(name).recordSuccess()
}

// RecordFailure registers a failed call for the agent.
func (m *BreakerManager) RecordFailure(name string) {
	m.get(name).recordFailure()
}

// State returns the agent's current breaker state.
func (m *BreakerManager) State(name string) CircuitState {
	b := m.get(name)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state()
}

// Available filters agent names down to those whose breaker admits
// dispatch. The reasoner sees excluded agents as absent.
func (m *BreakerManager) Available(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if m.Allow(n) {
			out = append(out, n)
		}
	}
	return out
}

// Stats returns a snapshot of every tracked breaker.
func (m *BreakerManager) Stats() map[string]BreakerStats {
	m.mu.Lock()
	names := make([]string, 0, len(m.breakers))
	for n := range m.breakers {
		names = append(names, n)
	}
	m.mu.Unlock()

	out := make(map[string]BreakerStats, len(names))
	for _, n := range names {
		b := m.get(n)
		b.mu.Lock()
		out[n] = BreakerStats{
			State:        b.state().String(),
			FailureCount: b.failureCount,
			SuccessCount: b.successCount,
			OpenSince:    b.openSince,
		}
		b.mu.Unlock()
	}
	return out
}

// Reset clears all breaker state (tests and administrative use).
func (m *BreakerManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.breakers = make(map[string]*breaker)
}
