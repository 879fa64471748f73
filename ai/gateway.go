// Package ai provides language model providers behind the core.AIClient
// interface. The orchestration engine never talks to a provider SDK
// directly; reasoners and the validator see only core.AIClient.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/maestroflow/maestro/core"
)

// GatewayConfig configures the OpenAI-compatible gateway client.
type GatewayConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration

	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultGatewayConfig reads the standard environment variables.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		APIKey:       os.Getenv("MAESTRO_API_KEY"),
		BaseURL:      "https://api.openai.com/v1",
		DefaultModel: "gpt-4o-mini",
		Timeout:      60 * time.Second,
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     8 * time.Second,
	}
}

// GatewayClient implements core.AIClient against any OpenAI-compatible
// chat completions endpoint (hosted API, cloud inference service, or
// in-house gateway). It carries its own retry policy with distinct
// status-code handling and exposes cumulative counters.
type GatewayClient struct {
	config     GatewayConfig
	httpClient *http.Client
	logger     core.Logger

	successes   int64
	failures    int64
	totalTokens int64
}

// NewGatewayClient creates a gateway client.
func NewGatewayClient(config GatewayConfig, logger core.Logger) *GatewayClient {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://api.openai.com/v1"
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 500 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 8 * time.Second
	}
	return &GatewayClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// GenerateResponse calls the gateway with bounded retry.
//
// Status handling: 400/401/404 never retry; 429 retries with a longer
// delay; 5xx, timeouts, and connection errors retry with exponential
// backoff and jitter.
func (c *GatewayClient) GenerateResponse(ctx context.Context, prompt string, options *core.AIOptions) (*core.AIResponse, error) {
	if c.config.APIKey == "" {
		atomic.AddInt64(&c.failures, 1)
		return nil, core.NewEngineError("gateway.GenerateResponse", "ai", core.ErrMissingConfiguration)
	}
	if options == nil {
		options = &core.AIOptions{}
	}
	model := options.Model
	if model == "" {
		model = c.config.DefaultModel
	}

	messages := []chatMessage{}
	if options.SystemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: options.SystemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: options.Temperature,
		MaxTokens:   options.MaxTokens,
	})
	if err != nil {
		atomic.AddInt64(&c.failures, 1)
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	delay := c.config.InitialDelay
	var lastErr error

	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		response, retryable, longerDelay, err := c.doRequest(ctx, body)
		if err == nil {
			atomic.AddInt64(&c.successes, 1)
			atomic.AddInt64(&c.totalTokens, int64(response.Usage.TotalTokens))
			return response, nil
		}
		lastErr = err

		if !retryable || attempt == c.config.MaxAttempts {
			break
		}

		wait := delay
		if longerDelay {
			// Rate limited: back off harder than the normal schedule.
			wait = delay * 4
		}
		if wait > c.config.MaxDelay {
			wait = c.config.MaxDelay
		}
		// Jitter prevents synchronized retries across callers.
		wait += time.Duration(rand.Int63n(int64(wait)/4 + 1))

		c.logger.Debug("Gateway request failed, retrying", map[string]interface{}{
			"operation": "gateway_retry",
			"attempt":   attempt,
			"delay_ms":  wait.Milliseconds(),
			"error":     err.Error(),
		})

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			atomic.AddInt64(&c.failures, 1)
			return nil, ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}

	atomic.AddInt64(&c.failures, 1)
	return nil, fmt.Errorf("gateway request failed: %w", lastErr)
}

// doRequest performs one HTTP attempt. It reports whether the failure
// is retryable and whether the longer rate-limit delay applies.
func (c *GatewayClient) doRequest(ctx context.Context, body []byte) (response *core.AIResponse, retryable bool, longerDelay bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, false, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, true, false, fmt.Errorf("request timeout: %w", core.ErrTimeout)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, false, false, err
		}
		return nil, true, false, fmt.Errorf("connection error: %v: %w", err, core.ErrConnectionFailed)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, false, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusNotFound:
		return nil, false, false, fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, truncate(string(data), 200))
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, true, true, fmt.Errorf("gateway rate limited (429)")
	case resp.StatusCode >= 500:
		return nil, true, false, fmt.Errorf("gateway returned status %d", resp.StatusCode)
	default:
		return nil, false, false, fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, false, false, fmt.Errorf("failed to decode response: %w", err)
	}
	if parsed.Error != nil {
		return nil, false, false, fmt.Errorf("gateway error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return nil, false, false, fmt.Errorf("gateway returned no choices")
	}

	return &core.AIResponse{
		Content: parsed.Choices[0].Message.Content,
		Model:   parsed.Model,
		Usage: core.TokenUsage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}, false, false, nil
}

// GatewayStats is the cumulative counter snapshot.
type GatewayStats struct {
	Successes   int64 `json:"successes"`
	Failures    int64 `json:"failures"`
	TotalTokens int64 `json:"total_tokens"`
}

// Stats returns cumulative success/failure counters.
func (c *GatewayClient) Stats() GatewayStats {
	return GatewayStats{
		Successes:   atomic.LoadInt64(&c.successes),
		Failures:    atomic.LoadInt64(&c.failures),
		TotalTokens: atomic.LoadInt64(&c.totalTokens),
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
