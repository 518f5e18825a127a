package tasks

import (
	"math"

	"github.com/jordanhubbard/mlcore/internal/providers"
)

// modelPrice is USD per 1000 tokens, split by direction.
type modelPrice struct {
	inputPer1K  float64
	outputPer1K float64
}

// chatPrices carries published list prices for the recognized chat models.
// An unknown model bills at the gpt-3.5 tier rather than zero, so a new
// model name never silently escapes the ledger.
var chatPrices = map[string]modelPrice{
	"gpt-4":           {0.03, 0.06},
	"gpt-4-turbo":     {0.01, 0.03},
	"gpt-3.5-turbo":   {0.0005, 0.0015},
	"claude-3-opus":   {0.015, 0.075},
	"claude-3-sonnet": {0.003, 0.015},
	"claude-3-haiku":  {0.00025, 0.00125},
}

var defaultChatPrice = modelPrice{0.0005, 0.0015}

// embedPrices is USD per 1000 input tokens per embedding model.
var embedPrices = map[string]float64{
	"text-embedding-ada-002": 0.0001,
	"text-embedding-3-small": 0.00002,
	"text-embedding-3-large": 0.00013,
}

const defaultEmbedPrice = 0.0001

// whisperPerMinuteUSD is the transcription list price.
const whisperPerMinuteUSD = 0.006

// chatCost prices a chat call from its actual usage.
func chatCost(model string, usage providers.Usage) float64 {
	p, ok := chatPrices[model]
	if !ok {
		p = defaultChatPrice
	}
	return float64(usage.InputTokens)/1000*p.inputPer1K +
		float64(usage.OutputTokens)/1000*p.outputPer1K
}

// estimateChatCost prices a chat call before it happens, assuming the full
// output budget is spent.
func estimateChatCost(model string, estimatedInputTokens, maxOutputTokens int) float64 {
	return chatCost(model, providers.Usage{
		InputTokens:  estimatedInputTokens,
		OutputTokens: maxOutputTokens,
	})
}

// whisperCost prices a transcription by audio duration, billed per second.
func whisperCost(durationSeconds float64) float64 {
	return durationSeconds / 60 * whisperPerMinuteUSD
}

// embedCost prices an embeddings call by input tokens.
func embedCost(model string, tokens int) float64 {
	p, ok := embedPrices[model]
	if !ok {
		p = defaultEmbedPrice
	}
	return float64(tokens) / 1000 * p
}

// estimateTokensWithHeadroom inflates a pre-call input estimate the way the
// dual-limit check expects: 20% headroom on input plus the full output
// budget.
func estimateTokensWithHeadroom(inputTokens, maxOutputTokens int) float64 {
	return math.Ceil(float64(inputTokens)*1.2) + float64(maxOutputTokens)
}
