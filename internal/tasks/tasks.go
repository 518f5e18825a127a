// Package tasks implements the three service handlers the runner
// dispatches to: summarize, transcribe, and embed. Each handler runs the
// same protective sequence — pre-flight, budget check, dispatch, persist —
// and returns errors from the shared taxonomy so the runner can map them
// to ack/retry decisions.
package tasks

import (
	"context"
	"log/slog"
	"time"

	"github.com/jordanhubbard/mlcore/internal/dispatcher"
	"github.com/jordanhubbard/mlcore/internal/envelope"
	"github.com/jordanhubbard/mlcore/internal/metrics"
	"github.com/jordanhubbard/mlcore/internal/preflight"
	"github.com/jordanhubbard/mlcore/internal/providers"
	"github.com/jordanhubbard/mlcore/internal/providers/openai"
	"github.com/jordanhubbard/mlcore/internal/resultstore"
)

// Chatter is the LLM surface the summarize handler calls. Satisfied by the
// openai and anthropic adapters.
type Chatter interface {
	Chat(ctx context.Context, apiKey, model string, messages []providers.Message, maxTokens int) (providers.ChatResult, error)
}

// Transcriber is the audio surface the transcribe handler calls.
type Transcriber interface {
	Transcribe(ctx context.Context, apiKey, model string, audio []byte, filename string, opts openai.TranscribeOptions) (openai.TranscriptionResult, error)
}

// Embedder is the vector surface the embed handler calls.
type Embedder interface {
	Embed(ctx context.Context, apiKey, model string, inputs []string) (openai.EmbedResult, error)
}

// Audio is a fetched, decoded media file ready for transcription.
type Audio struct {
	Data            []byte
	Filename        string
	DurationSeconds float64
	MeanVolumeDB    float64
}

// AudioChunk is one bounded-duration slice of an Audio.
type AudioChunk struct {
	Data            []byte
	Filename        string
	OffsetSeconds   float64
	DurationSeconds float64
}

// AudioSource fetches media and splits it into chunks the provider will
// accept. The decoding/chunking plumbing itself lives outside the core.
type AudioSource interface {
	Fetch(ctx context.Context, mediaURL string) (Audio, error)
	Chunk(ctx context.Context, a Audio, maxSeconds float64) ([]AudioChunk, error)
}

// ResultStore is the persistence surface the handlers need. Satisfied by
// *resultstore.Store.
type ResultStore interface {
	SaveResult(ctx context.Context, r resultstore.ResultRecord) (time.Time, error)
	SaveResultWithEmbeddings(ctx context.Context, r resultstore.ResultRecord, chunks []resultstore.EmbeddingChunk) error
	RecordCost(ctx context.Context, c resultstore.CostRecord) error
}

// BudgetGate is the budget-check surface. Satisfied by
// *resultstore.BudgetChecker.
type BudgetGate interface {
	CheckBudget(ctx context.Context, limits resultstore.BudgetLimits, estimatedUSD float64) (resultstore.BudgetDecision, error)
	InvalidateCache(service string)
}

// Config carries the handler-level tunables, all env-overridable.
type Config struct {
	Worker string // worker label on task metrics

	Preflight       preflight.Config
	MaxInputTokens  int // summarize truncation target
	MaxOutputTokens int

	SummarizeModel string

	WhisperModel       string
	ChunkSeconds       float64
	SilenceThresholdDB float64

	EmbedBatchSize      int
	EmbedChunkWords     int
	SmallModelThreshold int // estimated tokens at or below: small model
	LargeModelThreshold int // estimated tokens at or above: large model
	EmbedDefaultModel   string
	EmbedSmallModel     string
	EmbedLargeModel     string

	LLMBudget     resultstore.BudgetLimits
	WhisperBudget resultstore.BudgetLimits
	VectorBudget  resultstore.BudgetLimits
}

// DefaultConfig returns the handler defaults.
func DefaultConfig() Config {
	return Config{
		Worker:              "worker-0",
		Preflight:           preflight.DefaultConfig(),
		MaxInputTokens:      4000,
		MaxOutputTokens:     500,
		SummarizeModel:      "gpt-3.5-turbo",
		WhisperModel:        "whisper-1",
		ChunkSeconds:        600,
		SilenceThresholdDB:  -40,
		EmbedBatchSize:      100,
		EmbedChunkWords:     300,
		SmallModelThreshold: 1000,
		LargeModelThreshold: 4000,
		EmbedDefaultModel:   "text-embedding-ada-002",
		EmbedSmallModel:     "text-embedding-3-small",
		EmbedLargeModel:     "text-embedding-3-large",
		LLMBudget:           resultstore.BudgetLimits{Service: "llm"},
		WhisperBudget:       resultstore.BudgetLimits{Service: "whisper"},
		VectorBudget:        resultstore.BudgetLimits{Service: "embeddings"},
	}
}

// Deps wires one worker's handler set. Everything is an explicit
// dependency; nothing is package-level state.
type Deps struct {
	Config Config

	Chat        Chatter
	Transcriber Transcriber
	Embedder    Embedder
	Media       AudioSource

	LLM     *dispatcher.Dispatcher
	Whisper *dispatcher.Dispatcher
	Vector  *dispatcher.Dispatcher

	Store   ResultStore
	Budget  BudgetGate
	Metrics *metrics.Registry
	Logger  *slog.Logger
	Clock   func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}
	return time.Now()
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Register installs the three handlers on reg.
func (d *Deps) Register(reg *envelope.Registry) {
	reg.Register(envelope.TaskSummarize, func(ctx context.Context, env envelope.Envelope, payload any) error {
		return d.HandleSummarize(ctx, env, payload.(envelope.SummarizePayload))
	})
	reg.Register(envelope.TaskTranscribe, func(ctx context.Context, env envelope.Envelope, payload any) error {
		return d.HandleTranscribe(ctx, env, payload.(envelope.TranscribePayload))
	})
	reg.Register(envelope.TaskEmbed, func(ctx context.Context, env envelope.Envelope, payload any) error {
		return d.HandleEmbed(ctx, env, payload.(envelope.EmbedPayload))
	})
}

// recordCost appends a ledger row, logging but suppressing failures — the
// ledger is an optimisation, not the system of record, and must never break
// the primary flow.
func (d *Deps) recordCost(ctx context.Context, c resultstore.CostRecord) {
	if err := d.Store.RecordCost(ctx, c); err != nil {
		d.logger().Warn("cost record write failed",
			slog.String("share_id", c.ShareID),
			slog.String("service", c.Service),
			slog.Any("error", err))
		return
	}
	if d.Budget != nil {
		d.Budget.InvalidateCache(c.Service)
	}
	if d.Metrics != nil {
		d.Metrics.CostDollarsTotal.WithLabelValues(c.Service, c.Model, d.Config.Worker).Add(c.TotalCostUSD)
	}
}
