// Package llm wraps the Anthropic API as the colony's language-model
// effector, with bounded retry, token accounting, and budget gating.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cenkalti/backoff/v4"
	"github.com/kelseyhightower/envconfig"

	"github.com/basket/go-colony/internal/config"
	"github.com/basket/go-colony/internal/tokenutil"
)

// maxCompletionTokens is the provider ceiling passed on every request. The
// client never imposes a cap of its own below it: long migrations must not be
// truncated client-side.
const maxCompletionTokens = 64000

// ErrCredentialsMissing is a fatal initialization error.
var ErrCredentialsMissing = errors.New("ANTHROPIC_API_KEY not set")

// ErrBudgetExceeded is returned before a call that would cross a ceiling.
var ErrBudgetExceeded = errors.New("llm budget exceeded")

// Credentials are read from the process environment, never from the config
// artifact.
type Credentials struct {
	APIKey string `envconfig:"ANTHROPIC_API_KEY"`
	Model  string `envconfig:"COLONY_MODEL"`
}

// Response is the standard envelope for all LLM calls.
type Response struct {
	Content    string
	TokensUsed int
	Model      string
	LatencyMS  int
	CostUSD    float64
}

// Client is the language-model effector. It owns the run's token and cost
// counters; budget state is first-class loop state, not a side-channel metric.
type Client struct {
	api         anthropic.Client
	model       anthropic.Model
	temperature float64

	retryAttempts             int
	estimatedCompletionTokens int
	requestTimeout            time.Duration

	promptCostPer1M     float64
	completionCostPer1M float64

	maxTokensTotal int
	maxBudgetUSD   float64

	totalTokensUsed int
	totalCostUSD    float64

	minRequestInterval time.Duration
	lastRequestAt      time.Time

	logger *slog.Logger
}

// NewClient builds the effector from config plus environment credentials.
func NewClient(cfg *config.Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var creds Credentials
	if err := envconfig.Process("", &creds); err != nil {
		return nil, fmt.Errorf("read llm credentials: %w", err)
	}
	if creds.APIKey == "" {
		return nil, ErrCredentialsMissing
	}

	model := cfg.LLM.Model
	if creds.Model != "" {
		model = creds.Model
	}

	return &Client{
		api:                       anthropic.NewClient(option.WithAPIKey(creds.APIKey)),
		model:                     anthropic.Model(model),
		temperature:               cfg.LLM.Temperature,
		retryAttempts:             cfg.LLM.RetryAttempts,
		estimatedCompletionTokens: cfg.LLM.EstimatedCompletionTokens,
		requestTimeout:            time.Duration(cfg.Budgets.RequestTimeoutSeconds) * time.Second,
		promptCostPer1M:           cfg.LLM.PromptCostPer1M,
		completionCostPer1M:       cfg.LLM.CompletionCostPer1M,
		maxTokensTotal:            cfg.Budgets.MaxTokensTotal,
		maxBudgetUSD:              cfg.Budgets.MaxBudgetUSD,
		minRequestInterval:        time.Duration(cfg.LLM.MinRequestIntervalMS) * time.Millisecond,
		logger:                    logger,
	}, nil
}

// TotalTokensUsed returns the run's cumulative token spend.
func (c *Client) TotalTokensUsed() int { return c.totalTokensUsed }

// TotalCostUSD returns the run's cumulative monetary spend.
func (c *Client) TotalCostUSD() float64 { return c.totalCostUSD }

// Model returns the active model identifier for the run manifest.
func (c *Client) Model() string { return string(c.model) }

// BudgetAllows reports whether an estimated call for this prompt still fits
// both ceilings. Transform consults it before acquiring the scope lock so
// exhaustion never strands a file in_progress.
func (c *Client) BudgetAllows(prompt, system string) bool {
	promptTokens, completionTokens := c.estimateUsage(prompt, system)
	if c.totalTokensUsed+promptTokens+completionTokens > c.maxTokensTotal {
		return false
	}
	if c.maxBudgetUSD > 0 {
		estimated := c.estimateCost(promptTokens, completionTokens)
		if c.totalCostUSD+estimated > c.maxBudgetUSD {
			return false
		}
	}
	return true
}

// Generate calls the model with retry for transient failures. Token and cost
// counters accumulate before the caller commits any state transition, so
// budget exhaustion is observable on the next tick.
func (c *Client) Generate(ctx context.Context, prompt, system string) (Response, error) {
	if !c.BudgetAllows(prompt, system) {
		return Response{}, fmt.Errorf("%w: used=%d tokens, $%.4f", ErrBudgetExceeded, c.totalTokensUsed, c.totalCostUSD)
	}

	params := anthropic.MessageNewParams{
		Model:       c.model,
		MaxTokens:   maxCompletionTokens,
		Temperature: anthropic.Float(c.temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	// Provider rate-limit floor: never fire two requests closer together
	// than the configured interval.
	if c.minRequestInterval > 0 && !c.lastRequestAt.IsZero() {
		if wait := c.minRequestInterval - time.Since(c.lastRequestAt); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return Response{}, ctx.Err()
			}
		}
	}
	c.lastRequestAt = time.Now()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	var retryPolicy backoff.BackOff = backoff.WithMaxRetries(bo, uint64(max(c.retryAttempts-1, 0)))
	retryPolicy = backoff.WithContext(retryPolicy, ctx)

	start := time.Now()
	var message *anthropic.Message
	err := backoff.Retry(func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()

		resp, err := c.api.Messages.New(callCtx, params)
		if err != nil {
			if isRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		message = resp
		return nil
	}, retryPolicy)
	if err != nil {
		return Response{}, fmt.Errorf("llm call failed: %w", err)
	}

	tokensUsed := int(message.Usage.InputTokens + message.Usage.OutputTokens)
	costUSD := c.estimateCost(int(message.Usage.InputTokens), int(message.Usage.OutputTokens))
	c.totalTokensUsed += tokensUsed
	c.totalCostUSD += costUSD

	content := extractText(message)
	latencyMS := int(time.Since(start).Milliseconds())
	c.logger.Debug("llm call complete",
		"model", string(c.model), "tokens", tokensUsed, "latency_ms", latencyMS)

	return Response{
		Content:    content,
		TokensUsed: tokensUsed,
		Model:      string(c.model),
		LatencyMS:  latencyMS,
		CostUSD:    costUSD,
	}, nil
}

// estimateUsage approximates token spend before a call: a heuristic count
// over the prompt plus the configured completion allowance.
func (c *Client) estimateUsage(prompt, system string) (int, int) {
	promptTokens := tokenutil.EstimateTokens(prompt + system)
	if promptTokens < 1 {
		promptTokens = 1
	}
	return promptTokens, c.estimatedCompletionTokens
}

func (c *Client) estimateCost(promptTokens, completionTokens int) float64 {
	return (float64(promptTokens)/1_000_000)*c.promptCostPer1M +
		(float64(completionTokens)/1_000_000)*c.completionCostPer1M
}

func extractText(message *anthropic.Message) string {
	for _, block := range message.Content {
		if block.Type == "text" {
			return block.Text
		}
	}
	return ""
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}
