// Package anthropic adapts the Anthropic messages API for summarization.
// Like the other adapters, it holds no credentials — the dispatcher's key
// pool supplies a key per call.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jordanhubbard/mlcore/internal/providers"
)

const anthropicVersion = "2023-06-01"

// Adapter talks to the Anthropic API at baseURL.
type Adapter struct {
	baseURL string
	client  *http.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout sets the HTTP client timeout. The default is 60s.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.client.Timeout = d }
}

// WithHTTPClient substitutes the HTTP client (for tests).
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// New creates an adapter for baseURL (e.g. "https://api.anthropic.com").
func New(baseURL string, opts ...Option) *Adapter {
	a := &Adapter{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

type messagesResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Chat runs one messages call. The messages API requires max_tokens, so a
// non-positive maxTokens is sent as 4096.
func (a *Adapter) Chat(ctx context.Context, apiKey, model string, messages []providers.Message, maxTokens int) (providers.ChatResult, error) {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	payload := map[string]any{
		"model":      model,
		"messages":   messages,
		"max_tokens": maxTokens,
	}
	headers := map[string]string{
		"x-api-key":         apiKey,
		"anthropic-version": anthropicVersion,
	}

	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/v1/messages", payload, headers)
	if err != nil {
		return providers.ChatResult{}, err
	}

	var resp messagesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return providers.ChatResult{}, fmt.Errorf("decode messages response: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return providers.ChatResult{}, fmt.Errorf("messages response has no text content")
	}
	return providers.ChatResult{
		Text:  text,
		Model: resp.Model,
		Usage: providers.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}, nil
}

// ClassifyError buckets err for the dispatcher's rotate/retry decision.
func (a *Adapter) ClassifyError(err error) *providers.ClassifiedError {
	return providers.ClassifyStatus(err, "prompt is too long", "prompt_too_long")
}
