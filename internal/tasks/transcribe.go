package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jordanhubbard/mlcore/internal/dispatcher"
	"github.com/jordanhubbard/mlcore/internal/envelope"
	"github.com/jordanhubbard/mlcore/internal/errs"
	"github.com/jordanhubbard/mlcore/internal/providers"
	"github.com/jordanhubbard/mlcore/internal/providers/openai"
	"github.com/jordanhubbard/mlcore/internal/resultstore"
)

// silentResultText marks a transcription skipped because the audio carried
// no usable signal.
const silentResultText = "[Audio appears to be silent]"

// transcribeSegment is one timed span in the merged transcript.
type transcribeSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// transcribeResult is the persisted result document for a transcribe task.
type transcribeResult struct {
	Text            string              `json:"text"`
	Language        string              `json:"language,omitempty"`
	DurationSeconds float64             `json:"duration_seconds"`
	Segments        []transcribeSegment `json:"segments,omitempty"`
	Chunks          int                 `json:"chunks"`
	BillingUSD      float64             `json:"billing_usd"`
	Status          string              `json:"status,omitempty"` // "partial" when a soft timeout cut the run short
	Silent          bool                `json:"silent,omitempty"`
}

// HandleTranscribe fetches the media, skips silent audio without spending
// money, chunks long audio to the provider's duration ceiling, transcribes
// each chunk under the rate limit, and persists the merged transcript with
// one cost row per chunk. A soft timeout mid-run persists the chunks
// transcribed so far under a partial status marker before surfacing.
func (d *Deps) HandleTranscribe(ctx context.Context, env envelope.Envelope, p envelope.TranscribePayload) error {
	start := d.now()

	audio, err := d.Media.Fetch(ctx, p.Content.MediaURL)
	if err != nil {
		return fmt.Errorf("fetch media %s: %w", p.Content.MediaURL, err)
	}

	if audio.MeanVolumeDB < d.Config.SilenceThresholdDB {
		return d.saveSilent(ctx, env, audio, int(d.now().Sub(start).Milliseconds()))
	}

	chunks, err := d.Media.Chunk(ctx, audio, d.Config.ChunkSeconds)
	if err != nil {
		return fmt.Errorf("chunk audio: %w", err)
	}

	estimatedUSD := whisperCost(audio.DurationSeconds)
	if _, err := d.Budget.CheckBudget(ctx, d.Config.WhisperBudget, estimatedUSD); err != nil {
		return err
	}

	model := d.Config.WhisperModel
	opts := openai.TranscribeOptions{Language: p.Options.Language, Prompt: p.Options.Prompt}

	var parts []openai.TranscriptionResult
	var offsets []float64
	var billing float64
	var softTimeout error

	for _, chunk := range chunks {
		if ctx.Err() != nil {
			softTimeout = fmt.Errorf("%w: %d/%d chunks transcribed", errs.ErrSoftTimeLimit, len(parts), len(chunks))
			break
		}

		var part openai.TranscriptionResult
		_, err := d.Whisper.Dispatch(ctx, dispatcher.Request{
			Service: "whisper",
			Model:   model,
		}, func(ctx context.Context, apiKey string) (providers.Usage, error) {
			var callErr error
			part, callErr = d.Transcriber.Transcribe(ctx, apiKey, model, chunk.Data, chunk.Filename, opts)
			return providers.Usage{}, callErr
		})
		if err != nil {
			if len(parts) > 0 && errs.Classify(err) == errs.KindUnknown && ctx.Err() != nil {
				softTimeout = fmt.Errorf("%w: %d/%d chunks transcribed", errs.ErrSoftTimeLimit, len(parts), len(chunks))
				break
			}
			return err
		}

		// The provider reports each chunk's own duration; billing follows
		// what was actually transcribed, not the chunk plan.
		chunkCost := whisperCost(part.DurationSeconds)
		billing += chunkCost
		d.recordCost(ctx, resultstore.CostRecord{
			ShareID:      env.ShareID,
			Service:      "whisper",
			Model:        model,
			TotalCostUSD: chunkCost,
			Backend:      "api",
			ProcessingMs: int(d.now().Sub(start).Milliseconds()),
		})

		parts = append(parts, part)
		offsets = append(offsets, chunk.OffsetSeconds)
	}

	merged := mergeTranscriptions(parts, offsets)
	merged.Chunks = len(parts)
	merged.BillingUSD = billing
	if softTimeout != nil {
		merged.Status = "partial"
	}

	processingMs := int(d.now().Sub(start).Milliseconds())
	doc, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("%w: marshal transcribe result: %v", errs.ErrStorageError, err)
	}
	if _, err := d.Store.SaveResult(ctx, resultstore.ResultRecord{
		ShareID:      env.ShareID,
		TaskType:     string(envelope.TaskTranscribe),
		ResultData:   doc,
		ModelVersion: model,
		ProcessingMs: processingMs,
	}); err != nil {
		if softTimeout != nil {
			return softTimeout
		}
		return fmt.Errorf("%w: %v", errs.ErrStorageError, err)
	}

	if softTimeout != nil {
		return softTimeout
	}

	d.logger().Info("transcribe complete",
		slog.String("share_id", env.ShareID),
		slog.Int("chunks", len(parts)),
		slog.Float64("duration_seconds", merged.DurationSeconds),
		slog.Float64("billing_usd", billing))
	return nil
}

// mergeTranscriptions concatenates chunk transcripts in order, offsetting
// each chunk's segments by the chunk's position in the original audio so
// the merged segments are monotonically increasing and non-overlapping.
// Total duration is the sum of chunk durations.
func mergeTranscriptions(parts []openai.TranscriptionResult, offsets []float64) transcribeResult {
	var out transcribeResult
	var texts []string
	for i, part := range parts {
		texts = append(texts, strings.TrimSpace(part.Text))
		out.DurationSeconds += part.DurationSeconds
		if out.Language == "" {
			out.Language = part.Language
		}
		for _, seg := range part.Segments {
			out.Segments = append(out.Segments, transcribeSegment{
				Start: seg.Start + offsets[i],
				End:   seg.End + offsets[i],
				Text:  strings.TrimSpace(seg.Text),
			})
		}
	}
	out.Text = strings.Join(texts, " ")
	return out
}

// saveSilent records the terminal zero-cost silent-audio result.
func (d *Deps) saveSilent(ctx context.Context, env envelope.Envelope, audio Audio, processingMs int) error {
	doc, err := json.Marshal(transcribeResult{
		Text:            silentResultText,
		DurationSeconds: audio.DurationSeconds,
		Silent:          true,
	})
	if err != nil {
		return fmt.Errorf("%w: marshal silent result: %v", errs.ErrStorageError, err)
	}
	if _, err := d.Store.SaveResult(ctx, resultstore.ResultRecord{
		ShareID:      env.ShareID,
		TaskType:     string(envelope.TaskTranscribe),
		ResultData:   doc,
		ProcessingMs: processingMs,
	}); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStorageError, err)
	}
	d.logger().Info("silent audio skipped",
		slog.String("share_id", env.ShareID),
		slog.Float64("mean_volume_db", audio.MeanVolumeDB))
	return nil
}
