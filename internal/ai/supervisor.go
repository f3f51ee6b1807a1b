package ai

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Tiered model selection: the coherence review needs real reasoning, the
// alias adjudication is a cheap yes/no comparison.
const (
	// ModelSonnet is the high-end model for coherence review.
	ModelSonnet = "claude-sonnet-4-5-20250929"

	// ModelHaiku is the cost-efficient model for alias adjudication.
	ModelHaiku = "claude-3-5-haiku-20241022"
)

// DefaultModel returns the review model, honoring STORYMILL_MODEL.
func DefaultModel() string {
	if model := os.Getenv("STORYMILL_MODEL"); model != "" {
		return model
	}
	return ModelSonnet
}

// SimpleTaskModel returns the model for cheap comparisons, honoring
// STORYMILL_MODEL_SIMPLE.
func SimpleTaskModel() string {
	if model := os.Getenv("STORYMILL_MODEL_SIMPLE"); model != "" {
		return model
	}
	return ModelHaiku
}

// Supervisor wraps the Anthropic client with retry, circuit breaking, bounded
// concurrency, and rate limiting. It is the only component that talks to the
// completion API; the canonicalizer and review coordinator depend on it
// through narrow interfaces so tests can substitute fakes.
type Supervisor struct {
	client         *anthropic.Client
	model          string
	simpleModel    string
	retry          RetryConfig
	circuitBreaker *CircuitBreaker
	concurrencySem *semaphore.Weighted
	limiter        *rate.Limiter
}

// Config holds supervisor configuration.
type Config struct {
	APIKey      string // falls back to ANTHROPIC_API_KEY
	Model       string // falls back to DefaultModel()
	SimpleModel string // falls back to SimpleTaskModel()
	Retry       RetryConfig
}

// NewSupervisor creates an LLM supervisor.
func NewSupervisor(cfg *Config) (*Supervisor, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel()
	}
	simpleModel := cfg.SimpleModel
	if simpleModel == "" {
		simpleModel = SimpleTaskModel()
	}

	retry := cfg.Retry
	if retry.MaxRetries == 0 {
		retry = DefaultRetryConfig()
	}

	client := anthropic.NewClient(option.WithAPIKey(apiKey))

	var circuitBreaker *CircuitBreaker
	if retry.CircuitBreakerEnabled {
		circuitBreaker = NewCircuitBreaker(retry.FailureThreshold, retry.SuccessThreshold, retry.OpenTimeout)
	}

	var concurrencySem *semaphore.Weighted
	if retry.MaxConcurrentCalls > 0 {
		concurrencySem = semaphore.NewWeighted(int64(retry.MaxConcurrentCalls))
	}

	var limiter *rate.Limiter
	if retry.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(retry.RequestsPerSecond), 1)
	}

	return &Supervisor{
		client:         &client,
		model:          model,
		simpleModel:    simpleModel,
		retry:          retry,
		circuitBreaker: circuitBreaker,
		concurrencySem: concurrencySem,
		limiter:        limiter,
	}, nil
}

// CallAI makes a completion call with the supervisor's retry protections and
// returns the concatenated text content.
func (s *Supervisor) CallAI(ctx context.Context, prompt, operation, model string, maxTokens int) (string, error) {
	startTime := time.Now()

	if model == "" {
		model = s.model
	}
	if maxTokens == 0 {
		maxTokens = 4096
	}

	var response *anthropic.Message
	err := s.retryWithBackoff(ctx, operation, func(attemptCtx context.Context) error {
		resp, apiErr := s.client.Messages.New(attemptCtx, anthropic.MessageNewParams{
			Model:     anthropic.Model(model),
			MaxTokens: int64(maxTokens),
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
			},
		})
		if apiErr != nil {
			return apiErr
		}
		response = resp
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call failed: %w", err)
	}

	var responseText string
	for _, block := range response.Content {
		if block.Type == "text" {
			responseText += block.Text
		}
	}

	slog.Debug("LLM call completed",
		"operation", operation,
		"input_tokens", response.Usage.InputTokens,
		"output_tokens", response.Usage.OutputTokens,
		"duration", time.Since(startTime).String())

	return responseText, nil
}
