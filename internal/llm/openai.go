package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/hirecall/interviewd/internal/reliability"
)

// ErrEmptyCompletion is returned when the model answers with no content.
var ErrEmptyCompletion = errors.New("llm: empty completion")

// Completer produces a single JSON-object completion for a prompt pair.
type Completer interface {
	CompleteJSON(ctx context.Context, system, user string) (string, error)
}

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
	// Attempts bounds retries on rate limits and 5xx responses.
	Attempts int
}

// OpenAICompleter calls the chat completions API in JSON-object mode.
type OpenAICompleter struct {
	client   *openai.Client
	model    string
	timeout  time.Duration
	attempts int
}

func NewOpenAICompleter(cfg OpenAIConfig) (*OpenAICompleter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("llm: api key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		clientCfg.BaseURL = strings.TrimRight(base, "/")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = openai.GPT4oMini
	}
	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = 2
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAICompleter{
		client:   openai.NewClientWithConfig(clientCfg),
		model:    model,
		timeout:  timeout,
		attempts: attempts,
	}, nil
}

func (c *OpenAICompleter) CompleteJSON(ctx context.Context, system, user string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature: 0.3,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			if err := reliability.Sleep(ctx, reliability.ExponentialBackoff(attempt, 250*time.Millisecond, 2*time.Second)); err != nil {
				return "", err
			}
		}
		content, err := c.complete(ctx, req)
		if err == nil {
			return content, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}
	return "", lastErr
}

func (c *OpenAICompleter) complete(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(callCtx, req)
	if err != nil {
		return "", fmt.Errorf("llm: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	content := StripCodeFence(resp.Choices[0].Message.Content)
	if content == "" {
		return "", ErrEmptyCompletion
	}
	return content, nil
}

func retryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return reliability.IsRetryableHTTPStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reliability.IsRetryableHTTPStatus(reqErr.HTTPStatusCode) || reqErr.HTTPStatusCode == http.StatusRequestTimeout
	}
	return false
}

// StripCodeFence removes a surrounding markdown code block, which some
// models emit even in JSON mode.
func StripCodeFence(content string) string {
	content = strings.TrimSpace(content)
	switch {
	case strings.HasPrefix(content, "```json"):
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimSuffix(content, "```")
	case strings.HasPrefix(content, "```"):
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(content, "```")
	}
	return strings.TrimSpace(content)
}
