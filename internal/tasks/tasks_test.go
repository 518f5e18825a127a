package tasks

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/mlcore/internal/concurrency"
	"github.com/jordanhubbard/mlcore/internal/dispatcher"
	"github.com/jordanhubbard/mlcore/internal/envelope"
	"github.com/jordanhubbard/mlcore/internal/errs"
	"github.com/jordanhubbard/mlcore/internal/keypool"
	"github.com/jordanhubbard/mlcore/internal/providers"
	"github.com/jordanhubbard/mlcore/internal/providers/openai"
	"github.com/jordanhubbard/mlcore/internal/ratelimitconfig"
	"github.com/jordanhubbard/mlcore/internal/ratelimiter"
	"github.com/jordanhubbard/mlcore/internal/resultstore"
)

// allowAllLimiter satisfies dispatcher.RateLimiter and permits everything.
type allowAllLimiter struct{}

func (allowAllLimiter) CheckLimit(context.Context, string, string, float64) (ratelimiter.Result, error) {
	return ratelimiter.Result{Allowed: true}, nil
}
func (allowAllLimiter) RecordUsage(context.Context, string, string, float64) error { return nil }
func (allowAllLimiter) Rollback(context.Context, string, string, float64) error    { return nil }

// memStore collects saved results and costs in memory.
type memStore struct {
	mu      sync.Mutex
	results map[string][]byte // share_id/task_type -> result_data
	chunks  map[string][]resultstore.EmbeddingChunk
	costs   []resultstore.CostRecord
}

func newMemStore() *memStore {
	return &memStore{
		results: map[string][]byte{},
		chunks:  map[string][]resultstore.EmbeddingChunk{},
	}
}

func resultKey(shareID, taskType string) string { return shareID + "/" + taskType }

func (m *memStore) SaveResult(_ context.Context, r resultstore.ResultRecord) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[resultKey(r.ShareID, r.TaskType)] = r.ResultData
	return time.Now(), nil
}

func (m *memStore) SaveResultWithEmbeddings(_ context.Context, r resultstore.ResultRecord, chunks []resultstore.EmbeddingChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[resultKey(r.ShareID, r.TaskType)] = r.ResultData
	m.chunks[r.ShareID] = chunks
	return nil
}

func (m *memStore) RecordCost(_ context.Context, c resultstore.CostRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.costs = append(m.costs, c)
	return nil
}

func (m *memStore) result(t *testing.T, shareID, taskType string, into any) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.results[resultKey(shareID, taskType)]
	require.True(t, ok, "no result for %s/%s", shareID, taskType)
	require.NoError(t, json.Unmarshal(data, into))
}

// fakeBudget scripts the budget decision.
type fakeBudget struct {
	err    error
	checks int
}

func (f *fakeBudget) CheckBudget(context.Context, resultstore.BudgetLimits, float64) (resultstore.BudgetDecision, error) {
	f.checks++
	if f.err != nil {
		return resultstore.BudgetDecision{Allowed: false}, f.err
	}
	return resultstore.BudgetDecision{Allowed: true}, nil
}

func (f *fakeBudget) InvalidateCache(string) {}

// fakeChat returns a canned chat result and counts calls.
type fakeChat struct {
	result providers.ChatResult
	err    error
	calls  int
}

func (f *fakeChat) Chat(context.Context, string, string, []providers.Message, int) (providers.ChatResult, error) {
	f.calls++
	return f.result, f.err
}

// fakeTranscriber returns one canned result per call, in order.
type fakeTranscriber struct {
	results []openai.TranscriptionResult
	calls   int
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _, _ string, _ []byte, _ string, _ openai.TranscribeOptions) (openai.TranscriptionResult, error) {
	res := f.results[f.calls]
	f.calls++
	return res, nil
}

// fakeEmbedder returns one vector per input.
type fakeEmbedder struct {
	dims  int
	calls int
}

func (f *fakeEmbedder) Embed(_ context.Context, _, model string, inputs []string) (openai.EmbedResult, error) {
	f.calls++
	vectors := make([][]float32, len(inputs))
	for i := range vectors {
		vectors[i] = make([]float32, f.dims)
		vectors[i][0] = float32(i + 1)
	}
	return openai.EmbedResult{
		Vectors: vectors,
		Model:   model,
		Usage:   providers.Usage{InputTokens: 10 * len(inputs)},
	}, nil
}

// fakeMedia serves a canned audio file and simple duration-based chunking.
type fakeMedia struct {
	audio Audio
}

func (f *fakeMedia) Fetch(context.Context, string) (Audio, error) { return f.audio, nil }

func (f *fakeMedia) Chunk(_ context.Context, a Audio, maxSeconds float64) ([]AudioChunk, error) {
	var chunks []AudioChunk
	for offset := 0.0; offset < a.DurationSeconds; offset += maxSeconds {
		dur := maxSeconds
		if remaining := a.DurationSeconds - offset; remaining < dur {
			dur = remaining
		}
		chunks = append(chunks, AudioChunk{
			Data:            a.Data,
			Filename:        a.Filename,
			OffsetSeconds:   offset,
			DurationSeconds: dur,
		})
	}
	return chunks, nil
}

func testDispatcher(t *testing.T, service string) *dispatcher.Dispatcher {
	t.Helper()
	pool := keypool.New(service, []string{"key-a", "key-b"})
	d := dispatcher.New(allowAllLimiter{}, pool, concurrency.New(5), nil, ratelimitconfig.Store{}, func(err error) *providers.ClassifiedError { return providers.ClassifyStatus(err) })
	t.Cleanup(d.Close)
	return d
}

func newTestDeps(t *testing.T) (*Deps, *memStore) {
	t.Helper()
	store := newMemStore()
	deps := &Deps{
		Config:  DefaultConfig(),
		Store:   store,
		Budget:  &fakeBudget{},
		LLM:     testDispatcher(t, "llm"),
		Whisper: testDispatcher(t, "whisper"),
		Vector:  testDispatcher(t, "embeddings"),
	}
	return deps, store
}

func summarizeEnvelope(shareID, text string) (envelope.Envelope, envelope.SummarizePayload) {
	p := envelope.SummarizePayload{}
	p.Content.Text = text
	p.Content.Title = "t"
	raw, _ := json.Marshal(p)
	return envelope.Envelope{
		Version:  "1.0",
		TaskType: envelope.TaskSummarize,
		ShareID:  shareID,
		Payload:  raw,
	}, p
}

func loremText(repeats int) string {
	out := ""
	for i := 0; i < repeats; i++ {
		out += "Lorem ipsum dolor sit amet "
	}
	return out
}

func TestHandleSummarize_HappyPath(t *testing.T) {
	deps, store := newTestDeps(t)
	chat := &fakeChat{result: providers.ChatResult{
		Text:  "short summary",
		Model: "gpt-3.5-turbo-0125",
		Usage: providers.Usage{InputTokens: 200, OutputTokens: 40},
	}}
	deps.Chat = chat

	env, p := summarizeEnvelope("s1", loremText(40))
	require.NoError(t, deps.HandleSummarize(context.Background(), env, p))

	assert.Equal(t, 1, chat.calls, "exactly one provider call")

	var res summarizeResult
	store.result(t, "s1", "summarize", &res)
	assert.Equal(t, "short summary", res.Summary)
	assert.Greater(t, res.BillingUSD, 0.0)

	require.Len(t, store.costs, 1)
	assert.Equal(t, "llm", store.costs[0].Service)
	assert.Equal(t, "api", store.costs[0].Backend)
	assert.Greater(t, store.costs[0].TotalCostUSD, 0.0)
}

func TestHandleSummarize_SpamIsTerminalSkip(t *testing.T) {
	deps, store := newTestDeps(t)
	chat := &fakeChat{}
	deps.Chat = chat

	env, p := summarizeEnvelope("s2", "https://a.example https://b.example https://c.example https://d.example https://e.example")
	err := deps.HandleSummarize(context.Background(), env, p)
	require.Error(t, err)
	assert.Equal(t, errs.KindPreflightSkipped, errs.Classify(err))
	assert.Equal(t, 0, chat.calls, "skip must not reach the provider")

	var res summarizeResult
	store.result(t, "s2", "summarize", &res)
	assert.True(t, res.Skipped)
	assert.Empty(t, store.costs, "skip costs nothing")
}

func TestHandleSummarize_TooShortIsTerminalSkip(t *testing.T) {
	deps, _ := newTestDeps(t)
	chat := &fakeChat{}
	deps.Chat = chat

	env, p := summarizeEnvelope("s3", "too short")
	err := deps.HandleSummarize(context.Background(), env, p)
	require.Error(t, err)
	assert.Equal(t, errs.KindPreflightSkipped, errs.Classify(err))
	assert.Equal(t, 0, chat.calls)
}

func TestHandleSummarize_StrictBudgetRefusalStopsBeforeDispatch(t *testing.T) {
	deps, store := newTestDeps(t)
	chat := &fakeChat{}
	deps.Chat = chat
	deps.Budget = &fakeBudget{err: &errs.BudgetExceededError{Window: "hourly", Limit: 0.0001}}

	env, p := summarizeEnvelope("s4", loremText(40))
	err := deps.HandleSummarize(context.Background(), env, p)
	require.Error(t, err)
	assert.Equal(t, errs.KindBudgetExceeded, errs.Classify(err))
	assert.Equal(t, 0, chat.calls, "no provider call on budget refusal")
	assert.Empty(t, store.costs, "no cost row on budget refusal")
	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Empty(t, store.results, "no result row on budget refusal")
}

func TestHandleTranscribe_SilentAudioSkips(t *testing.T) {
	deps, store := newTestDeps(t)
	tr := &fakeTranscriber{}
	deps.Transcriber = tr
	deps.Media = &fakeMedia{audio: Audio{
		Filename:        "a.mp3",
		DurationSeconds: 60,
		MeanVolumeDB:    -55,
	}}

	env := envelope.Envelope{ShareID: "s5", TaskType: envelope.TaskTranscribe}
	var p envelope.TranscribePayload
	p.Content.MediaURL = "https://media.example/a.mp3"

	require.NoError(t, deps.HandleTranscribe(context.Background(), env, p))
	assert.Equal(t, 0, tr.calls, "silent audio must not reach the provider")

	var res transcribeResult
	store.result(t, "s5", "transcribe", &res)
	assert.True(t, res.Silent)
	assert.Equal(t, silentResultText, res.Text)
	assert.Equal(t, 0.0, res.BillingUSD)
	assert.Empty(t, store.costs)
}

func TestHandleTranscribe_ChunkedMerge(t *testing.T) {
	deps, store := newTestDeps(t)
	tr := &fakeTranscriber{results: []openai.TranscriptionResult{
		{Text: "part one", Language: "en", DurationSeconds: 600,
			Segments: []openai.Segment{{Start: 0, End: 300, Text: "part"}, {Start: 300, End: 600, Text: "one"}}},
		{Text: "part two", DurationSeconds: 600,
			Segments: []openai.Segment{{Start: 0, End: 600, Text: "part two"}}},
		{Text: "tail", DurationSeconds: 120,
			Segments: []openai.Segment{{Start: 0, End: 120, Text: "tail"}}},
	}}
	deps.Transcriber = tr
	deps.Media = &fakeMedia{audio: Audio{
		Filename:        "long.mp3",
		DurationSeconds: 1320, // a 22-minute file
		MeanVolumeDB:    -20,
	}}

	env := envelope.Envelope{ShareID: "s6", TaskType: envelope.TaskTranscribe}
	var p envelope.TranscribePayload
	p.Content.MediaURL = "https://media.example/long.mp3"

	require.NoError(t, deps.HandleTranscribe(context.Background(), env, p))
	assert.Equal(t, 3, tr.calls, "three chunks, three provider calls")

	var res transcribeResult
	store.result(t, "s6", "transcribe", &res)
	assert.Equal(t, "part one part two tail", res.Text)
	assert.Equal(t, "en", res.Language)
	assert.InDelta(t, 1320, res.DurationSeconds, 1e-9)
	assert.Equal(t, 3, res.Chunks)

	for i := 1; i < len(res.Segments); i++ {
		assert.Greater(t, res.Segments[i].Start, res.Segments[i-1].Start,
			"segment starts must be strictly increasing")
		assert.GreaterOrEqual(t, res.Segments[i].Start, res.Segments[i-1].End,
			"segments must not overlap")
	}

	require.Len(t, store.costs, 3, "one cost row per chunk")
	var sum float64
	for _, c := range store.costs {
		sum += c.TotalCostUSD
	}
	assert.InDelta(t, res.BillingUSD, sum, 1e-9, "billing equals the sum of per-chunk charges")
	assert.InDelta(t, whisperCost(1320), sum, 1e-9)
}

func TestHandleEmbed_SingleStoresContiguousChunks(t *testing.T) {
	deps, store := newTestDeps(t)
	emb := &fakeEmbedder{dims: 4}
	deps.Embedder = emb

	env := envelope.Envelope{ShareID: "s7", TaskType: envelope.TaskEmbed}
	var p envelope.EmbedPayload
	p.Content = envelope.EmbedContent{Text: loremText(200), Type: "article"}

	require.NoError(t, deps.HandleEmbed(context.Background(), env, p))
	require.NotEmpty(t, store.chunks["s7"])
	for i, c := range store.chunks["s7"] {
		assert.Equal(t, i, c.ChunkIndex, "chunk indices contiguous from 0")
		assert.Len(t, c.Vector, 4)
	}

	var res embedResult
	store.result(t, "s7", "embed", &res)
	assert.Equal(t, len(store.chunks["s7"]), res.Chunks)
	assert.Greater(t, res.Tokens, 0)
	require.Len(t, store.costs, 1)
	assert.Equal(t, "embeddings", store.costs[0].Service)
}

func TestHandleEmbed_BatchCombinesItems(t *testing.T) {
	deps, store := newTestDeps(t)
	emb := &fakeEmbedder{dims: 2}
	deps.Embedder = emb

	env := envelope.Envelope{ShareID: "batch-b1", TaskType: envelope.TaskEmbed}
	p := envelope.EmbedPayload{
		IsBatch: true,
		Tasks: []envelope.EmbedContent{
			{Text: loremText(10), Type: "caption"},
			{Text: loremText(12), Type: "caption"},
		},
	}

	require.NoError(t, deps.HandleEmbed(context.Background(), env, p))

	var res embedResult
	store.result(t, "batch-b1", "embed", &res)
	assert.True(t, res.Batch)
	assert.Equal(t, 2, res.Items)
	assert.Equal(t, len(store.chunks["batch-b1"]), res.Chunks)
}

func TestHandleEmbed_AllItemsInvalidIsTerminalSkip(t *testing.T) {
	deps, _ := newTestDeps(t)
	emb := &fakeEmbedder{dims: 2}
	deps.Embedder = emb

	env := envelope.Envelope{ShareID: "s8", TaskType: envelope.TaskEmbed}
	var p envelope.EmbedPayload
	p.Content = envelope.EmbedContent{Text: "x", Type: "article"}

	err := deps.HandleEmbed(context.Background(), env, p)
	require.Error(t, err)
	assert.Equal(t, errs.KindPreflightSkipped, errs.Classify(err))
	assert.Equal(t, 0, emb.calls)
}

func TestChooseEmbedModel_Thresholds(t *testing.T) {
	deps, _ := newTestDeps(t)

	assert.Equal(t, deps.Config.EmbedSmallModel, deps.chooseEmbedModel(500))
	assert.Equal(t, deps.Config.EmbedDefaultModel, deps.chooseEmbedModel(2000))
	assert.Equal(t, deps.Config.EmbedLargeModel, deps.chooseEmbedModel(5000))
}

func TestChunkText_Boundaries(t *testing.T) {
	assert.Len(t, chunkText(loremText(10), 300), 1, "50 words fit one 300-word chunk")
	assert.Len(t, chunkText(loremText(60), 300), 1, "exactly 300 words is one chunk")
	assert.Len(t, chunkText(loremText(61), 300), 2, "305 words overflow into a second chunk")
}

func TestMergeTranscriptions_OffsetsSegments(t *testing.T) {
	parts := []openai.TranscriptionResult{
		{Text: "a", DurationSeconds: 10, Segments: []openai.Segment{{Start: 0, End: 10, Text: "a"}}},
		{Text: "b", DurationSeconds: 5, Segments: []openai.Segment{{Start: 0, End: 5, Text: "b"}}},
	}
	merged := mergeTranscriptions(parts, []float64{0, 10})
	assert.Equal(t, 15.0, merged.DurationSeconds)
	require.Len(t, merged.Segments, 2)
	assert.Equal(t, 10.0, merged.Segments[1].Start)
	assert.Equal(t, 15.0, merged.Segments[1].End)
}
