package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jordanhubbard/mlcore/internal/dispatcher"
	"github.com/jordanhubbard/mlcore/internal/envelope"
	"github.com/jordanhubbard/mlcore/internal/errs"
	"github.com/jordanhubbard/mlcore/internal/preflight"
	"github.com/jordanhubbard/mlcore/internal/providers"
	"github.com/jordanhubbard/mlcore/internal/resultstore"
)

// summarizeResult is the persisted result document for a summarize task.
type summarizeResult struct {
	Summary      string  `json:"summary"`
	Model        string  `json:"model"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	BillingUSD   float64 `json:"billing_usd"`
	Truncated    bool    `json:"truncated,omitempty"`
	Skipped      bool    `json:"skipped,omitempty"`
	SkipReason   string  `json:"skip_reason,omitempty"`
}

// HandleSummarize runs the full summarize sequence: pre-flight the text,
// truncate it to the input budget, check the spend budget, dispatch the
// chat call under the dual rate limit, and persist the result plus one
// cost row.
func (d *Deps) HandleSummarize(ctx context.Context, env envelope.Envelope, p envelope.SummarizePayload) error {
	start := d.now()
	text := p.Content.Text
	contentType := p.Content.ContentType

	if preflight.ShouldSkip(d.Config.Preflight, text) {
		return d.saveSkip(ctx, env, "summarize", "content is spam, URLs, or mentions only")
	}
	info := preflight.Validate(d.Config.Preflight, text, contentType)
	if !info.Valid {
		return d.saveSkip(ctx, env, "summarize", fmt.Sprintf("preflight failed: %v", info.Errors))
	}

	text, truncated := preflight.Truncate(text, d.Config.MaxInputTokens)
	if truncated {
		info = preflight.Validate(d.Config.Preflight, text, contentType)
	}

	model := p.Options.Model
	if model == "" {
		model = d.Config.SummarizeModel
	}
	maxOutput := d.Config.MaxOutputTokens
	if p.Options.MaxLength > 0 && p.Options.MaxLength < maxOutput {
		maxOutput = p.Options.MaxLength
	}

	estimatedUSD := estimateChatCost(model, info.EstimatedTokens, maxOutput)
	if _, err := d.Budget.CheckBudget(ctx, d.Config.LLMBudget, estimatedUSD); err != nil {
		return err
	}

	messages := summaryMessages(text, p.Content.Title, p.Options.Style)

	var chat providers.ChatResult
	outcome, err := d.LLM.Dispatch(ctx, dispatcher.Request{
		Service:         "llm",
		TokenService:    "llm_tokens",
		Model:           model,
		EstimatedTokens: estimateTokensWithHeadroom(info.EstimatedTokens, maxOutput),
	}, func(ctx context.Context, apiKey string) (providers.Usage, error) {
		var callErr error
		chat, callErr = d.Chat.Chat(ctx, apiKey, model, messages, maxOutput)
		return chat.Usage, callErr
	})
	if err != nil {
		return err
	}

	processingMs := int(d.now().Sub(start).Milliseconds())
	cost := chatCost(model, chat.Usage)

	d.recordCost(ctx, resultstore.CostRecord{
		ShareID:      env.ShareID,
		Service:      "llm",
		Model:        model,
		InputTokens:  chat.Usage.InputTokens,
		OutputTokens: chat.Usage.OutputTokens,
		TotalCostUSD: cost,
		Backend:      "api",
		ProcessingMs: processingMs,
	})

	doc, err := json.Marshal(summarizeResult{
		Summary:      chat.Text,
		Model:        chat.Model,
		InputTokens:  chat.Usage.InputTokens,
		OutputTokens: chat.Usage.OutputTokens,
		BillingUSD:   cost,
		Truncated:    truncated,
	})
	if err != nil {
		return fmt.Errorf("%w: marshal summarize result: %v", errs.ErrStorageError, err)
	}
	if _, err := d.Store.SaveResult(ctx, resultstore.ResultRecord{
		ShareID:      env.ShareID,
		TaskType:     string(envelope.TaskSummarize),
		ResultData:   doc,
		ModelVersion: chat.Model,
		ProcessingMs: processingMs,
	}); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStorageError, err)
	}

	d.logger().Info("summarize complete",
		slog.String("share_id", env.ShareID),
		slog.String("model", chat.Model),
		slog.Int("attempts", outcome.Attempts),
		slog.Int("tokens", outcome.ActualTokens),
		slog.Float64("billing_usd", cost))
	return nil
}

// summaryMessages shapes the chat prompt. Style, when present, adjusts the
// instruction; the title gives the model context the body may lack.
func summaryMessages(text, title, style string) []providers.Message {
	instruction := "Summarize the following content concisely, preserving the key facts."
	switch style {
	case "bullets":
		instruction = "Summarize the following content as short bullet points."
	case "headline":
		instruction = "Summarize the following content in a single headline sentence."
	}
	content := text
	if title != "" {
		content = "Title: " + title + "\n\n" + text
	}
	return []providers.Message{
		{Role: "system", Content: instruction},
		{Role: "user", Content: content},
	}
}

// saveSkip writes the terminal zero-cost skip result. A skip is a success:
// the message is acked and no provider money is spent.
func (d *Deps) saveSkip(ctx context.Context, env envelope.Envelope, taskType, reason string) error {
	doc, err := json.Marshal(summarizeResult{
		Skipped:    true,
		SkipReason: reason,
	})
	if err != nil {
		return fmt.Errorf("%w: marshal skip result: %v", errs.ErrStorageError, err)
	}
	if _, err := d.Store.SaveResult(ctx, resultstore.ResultRecord{
		ShareID:    env.ShareID,
		TaskType:   taskType,
		ResultData: doc,
	}); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStorageError, err)
	}
	d.logger().Info("content skipped",
		slog.String("share_id", env.ShareID),
		slog.String("task_type", taskType),
		slog.String("reason", reason))
	return fmt.Errorf("%w: %s", errs.ErrPreflightSkipped, reason)
}
