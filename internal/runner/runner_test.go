package runner

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordanhubbard/mlcore/internal/envelope"
	"github.com/jordanhubbard/mlcore/internal/errs"
	"github.com/jordanhubbard/mlcore/internal/singleton"
)

func TestDecide_SuccessAcks(t *testing.T) {
	d := Decide(envelope.TaskSummarize, nil, 0, 0)
	assert.Equal(t, ActionAckSuccess, d.Action)
}

func TestDecide_PreflightSkipIsTerminalSuccess(t *testing.T) {
	err := errs.ErrPreflightSkipped
	d := Decide(envelope.TaskSummarize, err, 0, 0)
	assert.Equal(t, ActionAckSuccess, d.Action)
	assert.Equal(t, "preflight_skipped", d.Kind)
}

func TestDecide_TerminalKindsAckFailure(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind string
	}{
		{"contract", errs.ErrContractViolation, "contract_violation"},
		{"budget", &errs.BudgetExceededError{Window: "hourly"}, "budget_exceeded"},
		{"permanent", errs.ErrProviderPermanent, "provider_permanent"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := Decide(envelope.TaskSummarize, tc.err, 0, 0)
			assert.Equal(t, ActionAckFailure, d.Action)
			assert.Equal(t, tc.kind, d.Kind)
		})
	}
}

func TestDecide_RateLimitedRetriesWithSurfacedDelay(t *testing.T) {
	err := &errs.RateLimitedError{Service: "llm", RetryAfter: 12 * time.Second}
	d := Decide(envelope.TaskSummarize, err, 0, 0)
	assert.Equal(t, ActionRetry, d.Action)
	assert.Equal(t, 12*time.Second, d.Delay)
}

func TestDecide_RetriableWithoutDelayUsesDefault(t *testing.T) {
	d := Decide(envelope.TaskEmbed, errs.ErrStorageError, 0, 0)
	assert.Equal(t, ActionRetry, d.Action)
	assert.Equal(t, defaultRetryDelay, d.Delay)
}

func TestDecide_RetryBudgetExhausts(t *testing.T) {
	err := errs.ErrStorageError
	assert.Equal(t, ActionRetry, Decide(envelope.TaskEmbed, err, 2, 0).Action)
	assert.Equal(t, ActionAckFailure, Decide(envelope.TaskEmbed, err, 3, 0).Action)
}

func TestDecide_SummarizeRateLimitGetsFiveRetries(t *testing.T) {
	err := &errs.RateLimitedError{Service: "llm", RetryAfter: time.Second}
	assert.Equal(t, ActionRetry, Decide(envelope.TaskSummarize, err, 4, 0).Action)
	assert.Equal(t, ActionAckFailure, Decide(envelope.TaskSummarize, err, 5, 0).Action)

	// Other task types keep the default budget even for rate limits.
	assert.Equal(t, ActionAckFailure, Decide(envelope.TaskEmbed, err, 3, 0).Action)
}

// fakeAck records acknowledgement calls.
type fakeAck struct {
	acked    int
	rejected int
}

func (f *fakeAck) Ack() error    { f.acked++; return nil }
func (f *fakeAck) Reject() error { f.rejected++; return nil }

// fakePub records published retry messages.
type fakePub struct {
	mu     sync.Mutex
	queues []string
	msgs   []amqp.Publishing
	err    error
}

func (f *fakePub) publish(_ context.Context, queue string, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.queues = append(f.queues, queue)
	f.msgs = append(f.msgs, msg)
	return nil
}

// fakeFailures records failure results.
type fakeFailures struct {
	mu      sync.Mutex
	records []string // taskType/shareID/kind
}

func (f *fakeFailures) RecordFailure(_ context.Context, taskType, shareID, kind, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, taskType+"/"+shareID+"/"+kind)
	return nil
}

type runnerHarness struct {
	runner   *Runner
	guard    *singleton.Guard
	pub      *fakePub
	failures *fakeFailures
	handled  *int
	handlerE *error
}

func newHarness(t *testing.T) *runnerHarness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	guard := singleton.New(client)

	handled := 0
	var handlerErr error
	reg := envelope.NewRegistry()
	handler := func(context.Context, envelope.Envelope, any) error {
		handled++
		return handlerErr
	}
	reg.Register(envelope.TaskSummarize, handler)
	reg.Register(envelope.TaskTranscribe, handler)
	reg.Register(envelope.TaskEmbed, handler)

	pub := &fakePub{}
	failures := &fakeFailures{}
	r := New(Config{EnableValidation: true, Worker: "w0"}, reg, guard, failures)
	r.pub = pub
	return &runnerHarness{
		runner:   r,
		guard:    guard,
		pub:      pub,
		failures: failures,
		handled:  &handled,
		handlerE: &handlerErr,
	}
}

func summarizeBody(t *testing.T, shareID string, retryCount int) []byte {
	t.Helper()
	var p envelope.SummarizePayload
	p.Content.Text = "enough words to pass any later validation easily"
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	body, err := json.Marshal(envelope.Envelope{
		Version:  "1.0",
		TaskType: envelope.TaskSummarize,
		ShareID:  shareID,
		Payload:  raw,
		Metadata: envelope.Metadata{
			CorrelationID: "c1",
			TimestampMs:   1722600000000,
			RetryCount:    retryCount,
		},
	})
	require.NoError(t, err)
	return body
}

func TestHandleDelivery_SuccessAcksOnce(t *testing.T) {
	h := newHarness(t)
	ack := &fakeAck{}

	h.runner.HandleDelivery(context.Background(), QueueSummarize, summarizeBody(t, "s1", 0), amqp.Table{}, ack)

	assert.Equal(t, 1, *h.handled)
	assert.Equal(t, 1, ack.acked)
	assert.Zero(t, ack.rejected)
	assert.Empty(t, h.pub.msgs)
}

func TestHandleDelivery_DuplicateIsDroppedAndAcked(t *testing.T) {
	h := newHarness(t)
	ack := &fakeAck{}

	// Another holder owns the lock.
	_, acquired, err := h.guard.Acquire(context.Background(), "summarize", "s1", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	h.runner.HandleDelivery(context.Background(), QueueSummarize, summarizeBody(t, "s1", 0), amqp.Table{}, ack)

	assert.Zero(t, *h.handled, "duplicate must not execute")
	assert.Equal(t, 1, ack.acked, "duplicate is acked, not requeued")
}

func TestHandleDelivery_LockReleasedAfterSuccess(t *testing.T) {
	h := newHarness(t)

	h.runner.HandleDelivery(context.Background(), QueueSummarize, summarizeBody(t, "s1", 0), amqp.Table{}, &fakeAck{})
	require.Equal(t, 1, *h.handled)

	holder, err := h.guard.Holder(context.Background(), "summarize", "s1")
	require.NoError(t, err)
	assert.Empty(t, holder, "terminal outcome must release the lock")

	h.runner.HandleDelivery(context.Background(), QueueSummarize, summarizeBody(t, "s1", 0), amqp.Table{}, &fakeAck{})
	assert.Equal(t, 2, *h.handled, "re-submission after release executes again")
}

func TestHandleDelivery_UndecodableBodyAcksAsFailure(t *testing.T) {
	h := newHarness(t)
	ack := &fakeAck{}

	h.runner.HandleDelivery(context.Background(), QueueSummarize, []byte("not json"), amqp.Table{}, ack)

	assert.Zero(t, *h.handled)
	assert.Equal(t, 1, ack.acked)
}

func TestHandleDelivery_ContractViolationRecordsFailure(t *testing.T) {
	h := newHarness(t)
	ack := &fakeAck{}

	// Empty share_id fails validation.
	body, err := json.Marshal(envelope.Envelope{
		Version:  "1.0",
		TaskType: envelope.TaskSummarize,
		ShareID:  " ",
		Payload:  json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	h.runner.HandleDelivery(context.Background(), QueueSummarize, body, amqp.Table{}, ack)

	assert.Zero(t, *h.handled)
	assert.Equal(t, 1, ack.acked)
	require.Len(t, h.failures.records, 1)
	assert.Equal(t, "summarize/ /contract_violation", h.failures.records[0])
}

func TestHandleDelivery_TransientErrorSchedulesRetry(t *testing.T) {
	h := newHarness(t)
	ack := &fakeAck{}
	*h.handlerE = &errs.RateLimitedError{Service: "llm", RetryAfter: 9 * time.Second}

	h.runner.HandleDelivery(context.Background(), QueueSummarize, summarizeBody(t, "s1", 1), amqp.Table{}, ack)

	assert.Equal(t, 1, ack.acked, "original is acked once the retry copy is confirmed")
	require.Len(t, h.pub.msgs, 1)
	assert.Equal(t, QueueSummarize+retrySuffix, h.pub.queues[0])
	assert.Equal(t, "9000", h.pub.msgs[0].Expiration, "countdown rides the message TTL")

	var retried envelope.Envelope
	require.NoError(t, json.Unmarshal(h.pub.msgs[0].Body, &retried))
	assert.Equal(t, 2, retried.Metadata.RetryCount, "retry counter is bumped")
}

func TestHandleDelivery_RetryPublishFailureRequeues(t *testing.T) {
	h := newHarness(t)
	ack := &fakeAck{}
	*h.handlerE = &errs.RateLimitedError{Service: "llm", RetryAfter: time.Second}
	h.pub.err = errors.New("broker gone")

	h.runner.HandleDelivery(context.Background(), QueueSummarize, summarizeBody(t, "s1", 0), amqp.Table{}, ack)

	assert.Zero(t, ack.acked, "message must not be acked if the retry copy was lost")
	assert.Equal(t, 1, ack.rejected, "broker-level requeue keeps the message alive")
}

func TestHandleDelivery_ExhaustedRetriesRecordFailure(t *testing.T) {
	h := newHarness(t)
	ack := &fakeAck{}
	*h.handlerE = &errs.RateLimitedError{Service: "llm", RetryAfter: time.Second}

	// Summarize rate-limit budget is 5; this message has seen 5 already.
	h.runner.HandleDelivery(context.Background(), QueueSummarize, summarizeBody(t, "s9", 5), amqp.Table{}, ack)

	assert.Equal(t, 1, ack.acked)
	assert.Empty(t, h.pub.msgs, "no more retries")
	require.Len(t, h.failures.records, 1)
	assert.Equal(t, "summarize/s9/rate_limited", h.failures.records[0])
}

// fakeBackoff scripts the computed delay and records outcome calls.
type fakeBackoff struct {
	delay     time.Duration
	successes int
	failures  int
}

func (f *fakeBackoff) GetBackoffDelay(context.Context, string, string) (time.Duration, error) {
	return f.delay, nil
}
func (f *fakeBackoff) RecordSuccess(context.Context, string, string) error {
	f.successes++
	return nil
}
func (f *fakeBackoff) RecordFailure(context.Context, string, string) error {
	f.failures++
	return nil
}

func TestHandleDelivery_BackoffDelayUsedWhenErrorCarriesNone(t *testing.T) {
	h := newHarness(t)
	bo := &fakeBackoff{delay: 4 * time.Second}
	h.runner.backoff = bo
	*h.handlerE = errs.ErrStorageError

	h.runner.HandleDelivery(context.Background(), QueueSummarize, summarizeBody(t, "s1", 0), amqp.Table{}, &fakeAck{})

	require.Len(t, h.pub.msgs, 1)
	assert.Equal(t, "4000", h.pub.msgs[0].Expiration, "policy-computed backoff rides the TTL")
	assert.Equal(t, 1, bo.failures)
}

func TestHandleDelivery_CarriedRetryAfterBeatsBackoffSource(t *testing.T) {
	h := newHarness(t)
	bo := &fakeBackoff{delay: 99 * time.Second}
	h.runner.backoff = bo
	*h.handlerE = &errs.RateLimitedError{Service: "llm", RetryAfter: 2 * time.Second}

	h.runner.HandleDelivery(context.Background(), QueueSummarize, summarizeBody(t, "s1", 0), amqp.Table{}, &fakeAck{})

	require.Len(t, h.pub.msgs, 1)
	assert.Equal(t, "2000", h.pub.msgs[0].Expiration)
}

func TestHandleDelivery_SuccessNotifiesBackoffSource(t *testing.T) {
	h := newHarness(t)
	bo := &fakeBackoff{}
	h.runner.backoff = bo

	h.runner.HandleDelivery(context.Background(), QueueSummarize, summarizeBody(t, "s1", 0), amqp.Table{}, &fakeAck{})
	assert.Equal(t, 1, bo.successes)
	assert.Zero(t, bo.failures)
}

func TestHeaderCarrier_RoundTrip(t *testing.T) {
	table := amqp.Table{}
	c := headerCarrier(table)
	c.Set("traceparent", "00-abc-def-01")

	assert.Equal(t, "00-abc-def-01", c.Get("traceparent"))
	assert.Equal(t, []string{"traceparent"}, c.Keys())
	assert.Empty(t, c.Get("missing"))

	// Non-string values are ignored rather than panicking.
	table["x-delivery-count"] = int64(3)
	assert.Empty(t, c.Get("x-delivery-count"))
}

func TestQueueFor_MapsTaskTypes(t *testing.T) {
	assert.Equal(t, QueueTranscribe, QueueFor(envelope.TaskTranscribe))
	assert.Equal(t, QueueSummarize, QueueFor(envelope.TaskSummarize))
	assert.Equal(t, QueueEmbed, QueueFor(envelope.TaskEmbed))
}
