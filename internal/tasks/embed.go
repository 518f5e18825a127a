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
	"github.com/jordanhubbard/mlcore/internal/preflight"
	"github.com/jordanhubbard/mlcore/internal/providers"
	"github.com/jordanhubbard/mlcore/internal/providers/openai"
	"github.com/jordanhubbard/mlcore/internal/resultstore"
)

// embedResult is the persisted result document for an embed task.
type embedResult struct {
	Model      string  `json:"model"`
	Chunks     int     `json:"chunks"`
	Dimensions int     `json:"dimensions,omitempty"`
	Tokens     int     `json:"tokens"`
	BillingUSD float64 `json:"billing_usd"`
	Batch      bool    `json:"batch,omitempty"`
	Items      int     `json:"items,omitempty"`
	Skipped    bool    `json:"skipped,omitempty"`
	SkipReason string  `json:"skip_reason,omitempty"`
}

// HandleEmbed chunks the input text, selects an embedding model by input
// size, embeds the chunks in provider-bounded batches under the rate
// limit, and atomically replaces the share's stored vectors together with
// the result row. A batch payload embeds every item's chunks under the one
// batch share_id.
func (d *Deps) HandleEmbed(ctx context.Context, env envelope.Envelope, p envelope.EmbedPayload) error {
	start := d.now()

	items := p.Tasks
	if !p.IsBatch {
		items = []envelope.EmbedContent{p.Content}
	}

	// Pre-flight and chunk every item before spending anything.
	var chunkTexts []string
	var totalEstimatedTokens int
	for _, item := range items {
		if preflight.ShouldSkip(d.Config.Preflight, item.Text) {
			continue
		}
		info := preflight.Validate(d.Config.Preflight, item.Text, item.Type)
		if !info.Valid {
			continue
		}
		for _, c := range chunkText(item.Text, d.Config.EmbedChunkWords) {
			chunkTexts = append(chunkTexts, c)
			totalEstimatedTokens += preflight.EstimateTokens(c)
		}
	}
	if len(chunkTexts) == 0 {
		return d.saveEmbedSkip(ctx, env, "no embeddable content after preflight")
	}

	model := p.Options.ForceModel
	if model == "" {
		model = d.chooseEmbedModel(totalEstimatedTokens)
	}

	estimatedUSD := embedCost(model, totalEstimatedTokens)
	if _, err := d.Budget.CheckBudget(ctx, d.Config.VectorBudget, estimatedUSD); err != nil {
		return err
	}

	batchSize := d.Config.EmbedBatchSize
	if batchSize <= 0 {
		batchSize = len(chunkTexts)
	}

	var vectors [][]float32
	var totalTokens int
	var billing float64
	modelVersion := model

	for from := 0; from < len(chunkTexts); from += batchSize {
		to := from + batchSize
		if to > len(chunkTexts) {
			to = len(chunkTexts)
		}
		batch := chunkTexts[from:to]

		var res openai.EmbedResult
		_, err := d.Vector.Dispatch(ctx, dispatcher.Request{
			Service:         "embeddings",
			Model:           model,
			EstimatedTokens: float64(estimateBatchTokens(batch)),
		}, func(ctx context.Context, apiKey string) (providers.Usage, error) {
			var callErr error
			res, callErr = d.Embedder.Embed(ctx, apiKey, model, batch)
			return res.Usage, callErr
		})
		if err != nil {
			return err
		}

		vectors = append(vectors, res.Vectors...)
		totalTokens += res.Usage.InputTokens
		billing += embedCost(model, res.Usage.InputTokens)
		if res.Model != "" {
			modelVersion = res.Model
		}
	}

	processingMs := int(d.now().Sub(start).Milliseconds())
	d.recordCost(ctx, resultstore.CostRecord{
		ShareID:      env.ShareID,
		Service:      "embeddings",
		Model:        model,
		InputTokens:  totalTokens,
		TotalCostUSD: billing,
		Backend:      "api",
		ProcessingMs: processingMs,
	})

	dims := 0
	if len(vectors) > 0 {
		dims = len(vectors[0])
	}
	doc, err := json.Marshal(embedResult{
		Model:      modelVersion,
		Chunks:     len(vectors),
		Dimensions: dims,
		Tokens:     totalTokens,
		BillingUSD: billing,
		Batch:      p.IsBatch,
		Items:      len(items),
	})
	if err != nil {
		return fmt.Errorf("%w: marshal embed result: %v", errs.ErrStorageError, err)
	}

	chunks := make([]resultstore.EmbeddingChunk, len(vectors))
	for i, v := range vectors {
		chunks[i] = resultstore.EmbeddingChunk{ChunkIndex: i, Vector: v, ModelVersion: modelVersion}
	}
	if err := d.Store.SaveResultWithEmbeddings(ctx, resultstore.ResultRecord{
		ShareID:      env.ShareID,
		TaskType:     string(envelope.TaskEmbed),
		ResultData:   doc,
		ModelVersion: modelVersion,
		ProcessingMs: processingMs,
	}, chunks); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStorageError, err)
	}

	d.logger().Info("embed complete",
		slog.String("share_id", env.ShareID),
		slog.String("model", modelVersion),
		slog.Int("chunks", len(vectors)),
		slog.Int("tokens", totalTokens),
		slog.Float64("billing_usd", billing))
	return nil
}

// chooseEmbedModel picks the cheapest model that fits the input size:
// small at or below the small threshold, large at or above the large
// threshold, the default in between.
func (d *Deps) chooseEmbedModel(estimatedTokens int) string {
	switch {
	case estimatedTokens <= d.Config.SmallModelThreshold:
		return d.Config.EmbedSmallModel
	case estimatedTokens >= d.Config.LargeModelThreshold:
		return d.Config.EmbedLargeModel
	default:
		return d.Config.EmbedDefaultModel
	}
}

// chunkText splits text into word-bounded chunks of at most maxWords.
func chunkText(text string, maxWords int) []string {
	words := strings.Fields(text)
	if maxWords <= 0 || len(words) <= maxWords {
		return []string{strings.Join(words, " ")}
	}
	var chunks []string
	for from := 0; from < len(words); from += maxWords {
		to := from + maxWords
		if to > len(words) {
			to = len(words)
		}
		chunks = append(chunks, strings.Join(words[from:to], " "))
	}
	return chunks
}

func estimateBatchTokens(batch []string) int {
	total := 0
	for _, b := range batch {
		total += preflight.EstimateTokens(b)
	}
	return total
}

// saveEmbedSkip records the terminal zero-cost skip result for an embed
// task whose every item failed preflight.
func (d *Deps) saveEmbedSkip(ctx context.Context, env envelope.Envelope, reason string) error {
	doc, err := json.Marshal(embedResult{Skipped: true, SkipReason: reason})
	if err != nil {
		return fmt.Errorf("%w: marshal skip result: %v", errs.ErrStorageError, err)
	}
	if _, err := d.Store.SaveResult(ctx, resultstore.ResultRecord{
		ShareID:    env.ShareID,
		TaskType:   string(envelope.TaskEmbed),
		ResultData: doc,
	}); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStorageError, err)
	}
	d.logger().Info("embed skipped",
		slog.String("share_id", env.ShareID),
		slog.String("reason", reason))
	return fmt.Errorf("%w: %s", errs.ErrPreflightSkipped, reason)
}
