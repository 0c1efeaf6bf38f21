// Package agent sends natural-language instructions to the model and
// hands back raw text. Callers extract structured content themselves;
// anything unparsable is a failure signal, never a crash.
package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Invoker is the narrow interface the planner and the idea generator
// depend on. Implementations return the model's raw text output.
type Invoker interface {
	Invoke(ctx context.Context, prompt string) (string, error)
}

const (
	defaultModel   = "claude-3-5-haiku-latest"
	defaultTimeout = 2 * time.Minute
	maxRetries     = 3
	initialBackoff = 1 * time.Second
	maxTokens      = 2048
)

var errAPIKeyRequired = errors.New("API key required")

// Client calls the Anthropic API with bounded retries and a per-call
// deadline. Unresponsive calls time out instead of blocking a handler
// forever.
type Client struct {
	client  anthropic.Client
	model   anthropic.Model
	timeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

func WithModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.model = anthropic.Model(model)
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewClient builds a Client. ANTHROPIC_API_KEY takes precedence over
// the explicit key.
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY or configure agent.api_key", errAPIKeyRequired)
	}
	c := &Client{
		client:  anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:   defaultModel,
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Invoke sends the prompt and returns the first text block of the
// response. Retries transient API failures with exponential backoff.
func (c *Client) Invoke(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			wait := initialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		message, err := c.client.Messages.New(ctx, params)
		if err == nil {
			if len(message.Content) == 0 {
				return "", errors.New("empty response: no content blocks")
			}
			content := message.Content[0]
			if content.Type != "text" {
				return "", fmt.Errorf("unexpected response block type %s", content.Type)
			}
			return content.Text, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !isRetryable(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("failed after %d attempts: %w", maxRetries+1, lastErr)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
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
