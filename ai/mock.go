package ai

import (
	"context"
	"sync"

	"github.com/maestroflow/maestro/core"
)

// MockClient is a deterministic core.AIClient for tests and for
// running the engine without a provider. Responses are served from a
// queue, then from a fixed fallback.
type MockClient struct {
	mu        sync.Mutex
	responses []string
	fallback  string
	err       error
	calls     int
	prompts   []string
}

// NewMockClient creates a mock provider with a fixed fallback response.
func NewMockClient(fallback string) *MockClient {
	return &MockClient{fallback: fallback}
}

// Queue appends canned responses served in order before the fallback.
func (m *MockClient) Queue(responses ...string) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, responses...)
	return m
}

// Fail makes every subsequent call return err.
func (m *MockClient) Fail(err error) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// GenerateResponse serves the next queued response.
func (m *MockClient) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.prompts = append(m.prompts, prompt)

	if m.err != nil {
		return nil, m.err
	}

	content := m.fallback
	if len(m.responses) > 0 {
		content = m.responses[0]
		m.responses = m.responses[1:]
	}
	return &core.AIResponse{
		Content: content,
		Model:   "mock",
		Usage:   core.TokenUsage{PromptTokens: len(prompt) / 4, CompletionTokens: len(content) / 4, TotalTokens: (len(prompt) + len(content)) / 4},
	}, nil
}

// Calls returns how many times the client was invoked.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// LastPrompt returns the most recent prompt, or "".
func (m *MockClient) LastPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.prompts) == 0 {
		return ""
	}
	return m.prompts[len(m.prompts)-1]
}
