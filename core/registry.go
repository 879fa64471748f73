package core

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Registry is a concurrent name->agent mapping with a secondary index
// from lowercased capability to the agents declaring it. Registry
// entries outlive individual requests; the orchestration controller
// owns the registry lifecycle.
type Registry struct {
	mu           sync.RWMutex
	agents       map[string]Agent
	order        []string            // insertion order, for stable listings
	capabilities map[string][]string // lowercased capability -> agent names

	logger Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger Logger) *Registry {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &Registry{
		agents:       make(map[string]Agent),
		capabilities: make(map[string][]string),
		logger:       logger,
	}
}

// Register binds an agent under its unique name. When initialize is
// true the agent's Initialize hook runs first (it may perform remote
// discovery); an initialization failure aborts registration.
func (r *Registry) Register(ctx context.Context, agent Agent, initialize bool) error {
	name := agent.Name()

	r.mu.RLock()
	_, exists := r.agents[name]
	r.mu.RUnlock()
	if exists {
		return NewEngineError("registry.Register", "agent", ErrAgentAlreadyExists)
	}

	if initialize {
		if err := agent.Initialize(ctx); err != nil {
			return &EngineError{Op: "registry.Register", Kind: "agent", ID: name, Err: err}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[name]; exists {
		return NewEngineError("registry.Register", "agent", ErrAgentAlreadyExists)
	}
	r.agents[name] = agent
	r.order = append(r.order, name)
	for _, capability := range agent.Capabilities() {
		key := strings.ToLower(capability)
		r.capabilities[key] = append(r.capabilities[key], name)
	}

	r.logger.Info("Agent registered", map[string]interface{}{
		"operation":    "register",
		"agent":        name,
		"capabilities": agent.Capabilities(),
	})
	return nil
}

// Unregister removes an agent. When cleanup is true the agent's
// teardown hook runs; its failure is logged, not propagated.
func (r *Registry) Unregister(ctx context.Context, name string, cleanup bool) error {
	r.mu.Lock()
	agent, exists := r.agents[name]
	if !exists {
		r.mu.Unlock()
		return NewEngineError("registry.Unregister", "agent", ErrAgentNotFound)
	}
	delete(r.agents, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	for key, names := range r.capabilities {
		filtered := names[:0]
		for _, n := range names {
			if n != name {
				filtered = append(filtered, n)
			}
		}
		if len(filtered) == 0 {
			delete(r.capabilities, key)
		} else {
			r.capabilities[key] = filtered
		}
	}
	r.mu.Unlock()

	if cleanup {
		if err := agent.Cleanup(ctx); err != nil {
			r.logger.Warn("Agent cleanup failed during unregister", map[string]interface{}{
				"operation": "unregister",
				"agent":     name,
				"error":     err.Error(),
			})
		}
	}
	return nil
}

// Get returns an agent by name.
func (r *Registry) Get(name string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[name]
	return agent, ok
}

// ByCapability returns the agents declaring a capability tag.
// Matching is case-insensitive.
func (r *Registry) ByCapability(tag string) []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := r.capabilities[strings.ToLower(tag)]
	out := make([]Agent, 0, len(names))
	for _, n := range names {
		if agent, ok := r.agents[n]; ok {
			out = append(out, agent)
		}
	}
	return out
}

// Names returns registered agent names in insertion order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Agents returns all registered agents in insertion order.
func (r *Registry) Agents() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.agents[n])
	}
	return out
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// HealthCheckAll runs every agent's health check in parallel and
// collects the booleans keyed by agent name.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]bool {
	agents := r.Agents()

	type result struct {
		name    string
		healthy bool
	}
	results := make(chan result, len(agents))

	var wg sync.WaitGroup
	for _, agent := range agents {
		wg.Add(1)
		go func(a Agent) {
			defer wg.Done()
			defer func() {
				// A panicking health check counts as unhealthy.
				if rec := recover(); rec != nil {
					results <- result{name: a.Name(), healthy: false}
				}
			}()
			results <- result{name: a.Name(), healthy: a.HealthCheck(ctx)}
		}(agent)
	}
	wg.Wait()
	close(results)

	out := make(map[string]bool, len(agents))
	for res := range results {
		out[res.name] = res.healthy
	}
	return out
}

// Shutdown tears every agent down. An individual teardown failure is
// logged and never blocks the others.
func (r *Registry) Shutdown(ctx context.Context) {
	for _, agent := range r.Agents() {
		if err := agent.Cleanup(ctx); err != nil {
			r.logger.Warn("Agent cleanup failed during shutdown", map[string]interface{}{
				"operation": "shutdown",
				"agent":     agent.Name(),
				"error":     err.Error(),
			})
		}
	}
}

// CapabilityIndex returns a sorted snapshot of the capability index,
// used by the health endpoint.
func (r *Registry) CapabilityIndex() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string][]string, len(r.capabilities))
	for capability, names := range r.capabilities {
		copied := make([]string, len(names))
		copy(copied, names)
		sort.Strings(copied)
		out[capability] = copied
	}
	return out
}
