// Package vllm adapts self-hosted vLLM instances serving the
// OpenAI-compatible API. This is the "local" backend: calls cost nothing
// against the budget ledger and need no credential, but still flow through
// the dispatcher so concurrency limits and telemetry apply. Multiple
// endpoints are balanced round-robin.
package vllm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jordanhubbard/mlcore/internal/providers"
)

// Adapter talks to one or more vLLM endpoints.
type Adapter struct {
	endpoints []string
	counter   atomic.Uint64
	client    *http.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout sets the HTTP client timeout. The default is 300s — local
// inference on shared GPUs is slow and the budget clock isn't running.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.client.Timeout = d }
}

// WithEndpoints adds additional endpoints for round-robin balancing.
func WithEndpoints(endpoints ...string) Option {
	return func(a *Adapter) { a.endpoints = append(a.endpoints, endpoints...) }
}

// WithHTTPClient substitutes the HTTP client (for tests).
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// New creates an adapter with one or more endpoints.
func New(endpoint string, opts ...Option) *Adapter {
	a := &Adapter{
		endpoints: []string{endpoint},
		client:    &http.Client{Timeout: 300 * time.Second},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// nextEndpoint returns the next endpoint in round-robin order.
func (a *Adapter) nextEndpoint() string {
	idx := a.counter.Add(1) - 1
	return a.endpoints[idx%uint64(len(a.endpoints))]
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Chat runs one chat completion against the next endpoint.
func (a *Adapter) Chat(ctx context.Context, model string, messages []providers.Message, maxTokens int) (providers.ChatResult, error) {
	payload := map[string]any{
		"model":    model,
		"messages": messages,
	}
	if maxTokens > 0 {
		payload["max_tokens"] = maxTokens
	}

	body, err := providers.DoRequest(ctx, a.client, a.nextEndpoint()+"/v1/chat/completions", payload, nil)
	if err != nil {
		return providers.ChatResult{}, err
	}

	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return providers.ChatResult{}, fmt.Errorf("decode chat response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return providers.ChatResult{}, fmt.Errorf("chat response has no choices")
	}
	return providers.ChatResult{
		Text:  resp.Choices[0].Message.Content,
		Model: resp.Model,
		Usage: providers.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

type embedResponse struct {
	Model string `json:"model"`
	Data  []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed embeds a batch of inputs against the next endpoint.
func (a *Adapter) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	payload := map[string]any{
		"model": model,
		"input": inputs,
	}

	body, err := providers.DoRequest(ctx, a.client, a.nextEndpoint()+"/v1/embeddings", payload, nil)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}

	var resp embedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode embeddings response: %w", err)
	}
	if len(resp.Data) != len(inputs) {
		return nil, fmt.Errorf("embeddings response has %d vectors for %d inputs", len(resp.Data), len(inputs))
	}

	vectors := make([][]float32, len(inputs))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fmt.Errorf("embeddings response index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

// ClassifyError buckets err for the dispatcher's rotate/retry decision.
// vLLM reports an oversized prompt with the OpenAI-style marker.
func (a *Adapter) ClassifyError(err error) *providers.ClassifiedError {
	return providers.ClassifyStatus(err, "maximum context length")
}
