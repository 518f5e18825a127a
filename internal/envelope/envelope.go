// Package envelope defines the wire-visible job message, the per-task_type
// payload shapes, and the handler registry that the runner dispatches
// through. A json.RawMessage-typed payload plus a second, task_type-keyed
// unmarshal gives Go sum-type behaviour over the closed task_type set.
package envelope

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jordanhubbard/mlcore/internal/errs"
)

// TaskType is the closed set of task kinds an envelope may carry.
type TaskType string

const (
	TaskTranscribe TaskType = "transcribe"
	TaskSummarize  TaskType = "summarize"
	TaskEmbed      TaskType = "embed"
)

const batchSharePrefix = "batch-"

// Metadata carries correlation and retry bookkeeping plus the W3C trace
// context propagated over the broker's message headers.
type Metadata struct {
	CorrelationID string `json:"correlation_id"`
	TimestampMs   int64  `json:"timestamp"`
	RetryCount    int    `json:"retry_count"`
	TraceParent   string `json:"traceparent,omitempty"`
	TraceState    string `json:"tracestate,omitempty"`
}

// Envelope is the outer, task_type-independent message shape.
type Envelope struct {
	Version  string          `json:"version"`
	TaskType TaskType        `json:"task_type"`
	ShareID  string          `json:"share_id"`
	Payload  json.RawMessage `json:"payload"`
	Metadata Metadata        `json:"metadata"`
}

// TranscribeOptions configures an optional transcription behaviour.
type TranscribeOptions struct {
	Language  string `json:"language,omitempty"`
	Backend   string `json:"backend,omitempty"`
	Normalize bool   `json:"normalize,omitempty"`
	Prompt    string `json:"prompt,omitempty"`
}

// TranscribePayload is the transcribe task_type's payload shape.
type TranscribePayload struct {
	Content struct {
		MediaURL string `json:"media_url"`
	} `json:"content"`
	Options TranscribeOptions `json:"options,omitempty"`
}

// SummarizeOptions configures optional summarization behaviour.
type SummarizeOptions struct {
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
	MaxLength int    `json:"max_length,omitempty"`
	Style     string `json:"style,omitempty"`
	Backend   string `json:"backend,omitempty"`
}

// SummarizePayload is the summarize task_type's payload shape.
type SummarizePayload struct {
	Content struct {
		Text        string `json:"text"`
		Title       string `json:"title,omitempty"`
		URL         string `json:"url,omitempty"`
		ContentType string `json:"content_type,omitempty"`
	} `json:"content"`
	Options SummarizeOptions `json:"options,omitempty"`
}

// EmbedOptions configures optional embedding behaviour.
type EmbedOptions struct {
	EmbeddingType string `json:"embedding_type,omitempty"`
	ForceModel    string `json:"force_model,omitempty"`
	ChunkStrategy string `json:"chunk_strategy,omitempty"`
	Backend       string `json:"backend,omitempty"`
}

// EmbedContent is a single item to embed, used directly for a single embed
// task and as an element of a batch-embed task's Tasks slice.
type EmbedContent struct {
	Text     string         `json:"text"`
	Type     string         `json:"type"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// EmbedPayload is the embed task_type's payload shape: either a single
// Content item, or — when IsBatch is true and ShareID carries the
// "batch-" prefix — a Tasks slice of items to embed together.
type EmbedPayload struct {
	Content EmbedContent   `json:"content,omitempty"`
	Options EmbedOptions   `json:"options,omitempty"`
	Tasks   []EmbedContent `json:"tasks,omitempty"`
	IsBatch bool           `json:"is_batch,omitempty"`
}

// Handler processes one task_type's decoded payload.
type Handler func(ctx context.Context, env Envelope, payload any) error

// Registry maps task_type to its Handler, populated once at process start.
type Registry struct {
	handlers map[TaskType]Handler
}

// NewRegistry builds an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[TaskType]Handler)}
}

// Register installs the handler for a task_type, overwriting any previous
// registration.
func (r *Registry) Register(t TaskType, h Handler) {
	r.handlers[t] = h
}

// Dispatch validates env (when validate is true), decodes its payload into
// the task_type-specific struct, and invokes the registered handler.
func (r *Registry) Dispatch(ctx context.Context, env Envelope, validate bool) error {
	if validate {
		if err := Validate(env); err != nil {
			return err
		}
	}

	h, ok := r.handlers[env.TaskType]
	if !ok {
		return fmt.Errorf("%w: no handler registered for task_type %q", errs.ErrContractViolation, env.TaskType)
	}

	payload, err := DecodePayload(env)
	if err != nil {
		return err
	}
	return h(ctx, env, payload)
}

// DecodePayload unmarshals env.Payload into the struct matching
// env.TaskType.
func DecodePayload(env Envelope) (any, error) {
	switch env.TaskType {
	case TaskTranscribe:
		var p TranscribePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: transcribe payload: %v", errs.ErrContractViolation, err)
		}
		return p, nil
	case TaskSummarize:
		var p SummarizePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: summarize payload: %v", errs.ErrContractViolation, err)
		}
		return p, nil
	case TaskEmbed:
		var p EmbedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: embed payload: %v", errs.ErrContractViolation, err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: unknown task_type %q", errs.ErrContractViolation, env.TaskType)
	}
}

// Validate checks an envelope's outer shape and, per task_type, its payload
// shape. A failure returns a non-retryable error wrapping
// errs.ErrContractViolation.
func Validate(env Envelope) error {
	if env.Version == "" {
		return fmt.Errorf("%w: missing version", errs.ErrContractViolation)
	}
	if strings.TrimSpace(env.ShareID) == "" {
		return fmt.Errorf("%w: share_id is empty", errs.ErrContractViolation)
	}
	if env.Metadata.RetryCount < 0 {
		return fmt.Errorf("%w: retry_count is negative", errs.ErrContractViolation)
	}

	switch env.TaskType {
	case TaskTranscribe:
		var p TranscribePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("%w: transcribe payload: %v", errs.ErrContractViolation, err)
		}
		if strings.TrimSpace(p.Content.MediaURL) == "" {
			return fmt.Errorf("%w: transcribe content.media_url is empty", errs.ErrContractViolation)
		}
	case TaskSummarize:
		var p SummarizePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("%w: summarize payload: %v", errs.ErrContractViolation, err)
		}
		if strings.TrimSpace(p.Content.Text) == "" {
			return fmt.Errorf("%w: summarize content.text is empty", errs.ErrContractViolation)
		}
	case TaskEmbed:
		var p EmbedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("%w: embed payload: %v", errs.ErrContractViolation, err)
		}
		if p.IsBatch {
			if !strings.HasPrefix(env.ShareID, batchSharePrefix) {
				return fmt.Errorf("%w: batch embed share_id must start with %q", errs.ErrContractViolation, batchSharePrefix)
			}
			if len(p.Tasks) == 0 {
				return fmt.Errorf("%w: batch embed has no tasks", errs.ErrContractViolation)
			}
			for i, task := range p.Tasks {
				if strings.TrimSpace(task.Text) == "" {
					return fmt.Errorf("%w: batch embed task[%d].text is empty", errs.ErrContractViolation, i)
				}
			}
		} else if strings.TrimSpace(p.Content.Text) == "" {
			return fmt.Errorf("%w: embed content.text is empty", errs.ErrContractViolation)
		}
	default:
		return fmt.Errorf("%w: unknown task_type %q", errs.ErrContractViolation, env.TaskType)
	}
	return nil
}

// LockTTLSeconds returns the singleton-lock expiry for a task_type, per the
// execution-guard policy (summarize 5 min, transcribe 15 min, embed 10 min,
// batch embed 30 min).
func LockTTLSeconds(env Envelope) int {
	switch env.TaskType {
	case TaskSummarize:
		return 5 * 60
	case TaskTranscribe:
		return 15 * 60
	case TaskEmbed:
		if strings.HasPrefix(env.ShareID, batchSharePrefix) {
			return 30 * 60
		}
		return 10 * 60
	default:
		return 5 * 60
	}
}
