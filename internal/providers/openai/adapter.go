// Package openai adapts the OpenAI HTTP surface for the three task kinds:
// chat completions for summarization, the audio transcription endpoint for
// transcription, and the embeddings endpoint for vector generation. The
// adapter holds no credentials — the dispatcher's key pool supplies a key
// per call.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jordanhubbard/mlcore/internal/providers"
)

// Adapter talks to an OpenAI-compatible API at baseURL.
type Adapter struct {
	baseURL string
	client  *http.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout sets the HTTP client timeout. The default is 120s, sized for
// whisper uploads rather than chat turnaround.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.client.Timeout = d }
}

// WithHTTPClient substitutes the HTTP client (for tests).
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// New creates an adapter for baseURL (e.g. "https://api.openai.com").
func New(baseURL string, opts ...Option) *Adapter {
	a := &Adapter{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 120 * time.Second},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) authHeaders(apiKey string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + apiKey}
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

// Chat runs one chat completion.
func (a *Adapter) Chat(ctx context.Context, apiKey, model string, messages []providers.Message, maxTokens int) (providers.ChatResult, error) {
	payload := map[string]any{
		"model":    model,
		"messages": messages,
	}
	if maxTokens > 0 {
		payload["max_tokens"] = maxTokens
	}

	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/v1/chat/completions", payload, a.authHeaders(apiKey))
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

// Segment is one timed span of a transcription.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// TranscriptionResult is the decoded verbose transcription response.
type TranscriptionResult struct {
	Text            string    `json:"text"`
	Language        string    `json:"language"`
	DurationSeconds float64   `json:"duration"`
	Segments        []Segment `json:"segments"`
}

// TranscribeOptions tune one transcription call.
type TranscribeOptions struct {
	Language string
	Prompt   string
}

// Transcribe uploads audio bytes to the transcription endpoint and returns
// the verbose result with per-segment timings.
func (a *Adapter) Transcribe(ctx context.Context, apiKey, model string, audio []byte, filename string, opts TranscribeOptions) (TranscriptionResult, error) {
	fields := map[string]string{
		"model":           model,
		"response_format": "verbose_json",
	}
	if opts.Language != "" {
		fields["language"] = opts.Language
	}
	if opts.Prompt != "" {
		fields["prompt"] = opts.Prompt
	}

	body, err := providers.DoMultipartRequest(ctx, a.client, a.baseURL+"/v1/audio/transcriptions",
		fields, "file", filename, audio, a.authHeaders(apiKey))
	if err != nil {
		return TranscriptionResult{}, err
	}

	var resp TranscriptionResult
	if err := json.Unmarshal(body, &resp); err != nil {
		return TranscriptionResult{}, fmt.Errorf("decode transcription response: %w", err)
	}
	return resp, nil
}

// EmbedResult is the vectors and token accounting from one embeddings call.
type EmbedResult struct {
	Vectors [][]float32
	Model   string
	Usage   providers.Usage
}

type embedResponse struct {
	Model string `json:"model"`
	Data  []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
	} `json:"usage"`
}

// Embed embeds a batch of inputs in one call. Vectors come back in input
// order regardless of the order the provider returns them in.
func (a *Adapter) Embed(ctx context.Context, apiKey, model string, inputs []string) (EmbedResult, error) {
	payload := map[string]any{
		"model": model,
		"input": inputs,
	}

	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/v1/embeddings", payload, a.authHeaders(apiKey))
	if err != nil {
		return EmbedResult{}, err
	}

	var resp embedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return EmbedResult{}, fmt.Errorf("decode embeddings response: %w", err)
	}
	if len(resp.Data) != len(inputs) {
		return EmbedResult{}, fmt.Errorf("embeddings response has %d vectors for %d inputs", len(resp.Data), len(inputs))
	}

	vectors := make([][]float32, len(inputs))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return EmbedResult{}, fmt.Errorf("embeddings response index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return EmbedResult{
		Vectors: vectors,
		Model:   resp.Model,
		Usage:   providers.Usage{InputTokens: resp.Usage.PromptTokens},
	}, nil
}

// ClassifyError buckets err for the dispatcher's rotate/retry decision.
func (a *Adapter) ClassifyError(err error) *providers.ClassifiedError {
	return providers.ClassifyStatus(err, "context_length_exceeded")
}
