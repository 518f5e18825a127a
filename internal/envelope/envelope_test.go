package envelope

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/mlcore/internal/errs"
)

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func validSummarize(t *testing.T) Envelope {
	t.Helper()
	var p SummarizePayload
	p.Content.Text = "some text worth summarizing for the test"
	p.Content.Title = "a title"
	return Envelope{
		Version:  "1.0",
		TaskType: TaskSummarize,
		ShareID:  "s1",
		Payload:  mustMarshal(t, p),
		Metadata: Metadata{CorrelationID: "c1", TimestampMs: 1722600000000},
	}
}

func TestValidate_AcceptsWellFormedEnvelopes(t *testing.T) {
	assert.NoError(t, Validate(validSummarize(t)))

	var tr TranscribePayload
	tr.Content.MediaURL = "https://cdn.example/a.mp3"
	assert.NoError(t, Validate(Envelope{
		Version: "1.0", TaskType: TaskTranscribe, ShareID: "s2",
		Payload: mustMarshal(t, tr),
	}))

	var em EmbedPayload
	em.Content = EmbedContent{Text: "embed me", Type: "caption"}
	assert.NoError(t, Validate(Envelope{
		Version: "1.0", TaskType: TaskEmbed, ShareID: "s3",
		Payload: mustMarshal(t, em),
	}))
}

func TestValidate_RejectionsAreContractViolations(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Envelope)
	}{
		{"missing version", func(e *Envelope) { e.Version = "" }},
		{"blank share_id", func(e *Envelope) { e.ShareID = "  " }},
		{"negative retry_count", func(e *Envelope) { e.Metadata.RetryCount = -1 }},
		{"unknown task_type", func(e *Envelope) { e.TaskType = "translate" }},
		{"empty text", func(e *Envelope) {
			var p SummarizePayload
			e.Payload, _ = json.Marshal(p)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := validSummarize(t)
			tc.mutate(&env)
			err := Validate(env)
			require.Error(t, err)
			assert.ErrorIs(t, err, errs.ErrContractViolation)
		})
	}
}

func TestValidate_BatchEmbedRequiresPrefixAndTasks(t *testing.T) {
	batch := EmbedPayload{
		IsBatch: true,
		Tasks:   []EmbedContent{{Text: "one", Type: "caption"}},
	}

	env := Envelope{Version: "1.0", TaskType: TaskEmbed, ShareID: "batch-b1", Payload: mustMarshal(t, batch)}
	assert.NoError(t, Validate(env))

	env.ShareID = "b1"
	assert.ErrorIs(t, Validate(env), errs.ErrContractViolation)

	env.ShareID = "batch-b1"
	env.Payload = mustMarshal(t, EmbedPayload{IsBatch: true})
	assert.ErrorIs(t, Validate(env), errs.ErrContractViolation)
}

func TestEnvelope_JSONRoundTripPreservesFields(t *testing.T) {
	env := validSummarize(t)
	env.Metadata.RetryCount = 2
	env.Metadata.TraceParent = "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01"
	env.Metadata.TraceState = "vendor=x"

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var back Envelope
	require.NoError(t, json.Unmarshal(data, &back))
	require.NoError(t, Validate(back))

	assert.Equal(t, env.Version, back.Version)
	assert.Equal(t, env.TaskType, back.TaskType)
	assert.Equal(t, env.ShareID, back.ShareID)
	assert.Equal(t, env.Metadata, back.Metadata)
	assert.JSONEq(t, string(env.Payload), string(back.Payload))
}

func TestDecodePayload_TypedByTaskType(t *testing.T) {
	env := validSummarize(t)
	payload, err := DecodePayload(env)
	require.NoError(t, err)

	p, ok := payload.(SummarizePayload)
	require.True(t, ok)
	assert.Equal(t, "a title", p.Content.Title)
}

func TestRegistry_DispatchRoutesAndValidates(t *testing.T) {
	reg := NewRegistry()
	var got SummarizePayload
	reg.Register(TaskSummarize, func(_ context.Context, _ Envelope, payload any) error {
		got = payload.(SummarizePayload)
		return nil
	})

	env := validSummarize(t)
	require.NoError(t, reg.Dispatch(context.Background(), env, true))
	assert.Equal(t, "a title", got.Content.Title)

	// Unregistered task_type is a contract violation.
	env.TaskType = TaskEmbed
	err := reg.Dispatch(context.Background(), env, false)
	assert.ErrorIs(t, err, errs.ErrContractViolation)
}

func TestRegistry_DispatchSkipsValidationWhenDisabled(t *testing.T) {
	reg := NewRegistry()
	called := false
	reg.Register(TaskSummarize, func(context.Context, Envelope, any) error {
		called = true
		return nil
	})

	env := validSummarize(t)
	env.ShareID = " " // would fail validation
	require.NoError(t, reg.Dispatch(context.Background(), env, false))
	assert.True(t, called)
}

func TestLockTTLSeconds_PerTaskType(t *testing.T) {
	assert.Equal(t, 300, LockTTLSeconds(Envelope{TaskType: TaskSummarize, ShareID: "s"}))
	assert.Equal(t, 900, LockTTLSeconds(Envelope{TaskType: TaskTranscribe, ShareID: "s"}))
	assert.Equal(t, 600, LockTTLSeconds(Envelope{TaskType: TaskEmbed, ShareID: "s"}))
	assert.Equal(t, 1800, LockTTLSeconds(Envelope{TaskType: TaskEmbed, ShareID: "batch-s"}))
}
