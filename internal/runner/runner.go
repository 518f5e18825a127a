// Package runner consumes job envelopes from the durable broker queues and
// drives each through the execution sequence: trace extraction, contract
// validation, the singleton guard, the task handler, and the ack/retry
// decision. Queues are quorum-type with a delivery limit; acknowledgement
// is manual and late, prefetch is one, and every publish awaits its
// confirmation.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jordanhubbard/mlcore/internal/envelope"
	"github.com/jordanhubbard/mlcore/internal/errs"
	"github.com/jordanhubbard/mlcore/internal/metrics"
	"github.com/jordanhubbard/mlcore/internal/resultstore"
	"github.com/jordanhubbard/mlcore/internal/singleton"
)

// Queue names. The _local variants carry jobs bound for the self-hosted
// backend; the classic celery queue carries control messages.
const (
	QueueTranscribe      = "ml.transcribe"
	QueueSummarize       = "ml.summarize"
	QueueEmbed           = "ml.embed"
	QueueTranscribeLocal = "ml.transcribe_local"
	QueueSummarizeLocal  = "ml.summarize_local"
	QueueEmbedLocal      = "ml.embed_local"
	QueueControl         = "celery"
)

// retrySuffix names the per-queue wait queue used for delayed redelivery:
// messages published there with a TTL dead-letter back to the work queue.
const retrySuffix = ".retry"

// deliveryLimit caps broker-level redeliveries of a poisoned message.
const deliveryLimit = 5

// Heartbeat is the broker connection heartbeat interval.
const Heartbeat = 60 * time.Second

// softTimeLimits bound handler execution per task type. The broker-level
// hard stop is the quorum queue's consumer timeout; these soft limits fire
// first so handlers can persist partial work.
var softTimeLimits = map[envelope.TaskType]time.Duration{
	envelope.TaskSummarize:  270 * time.Second,
	envelope.TaskTranscribe: 840 * time.Second,
	envelope.TaskEmbed:      300 * time.Second,
}

// FailureRecorder persists a terminal failure result so the share carries
// an answer even when the task could not complete.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, taskType, shareID, kind, message string) error
}

// StoreFailureRecorder records failures as result rows in the result store.
type StoreFailureRecorder struct {
	Store *resultstore.Store
}

// RecordFailure upserts a failure document for (shareID, taskType).
func (r *StoreFailureRecorder) RecordFailure(ctx context.Context, taskType, shareID, kind, message string) error {
	doc, err := json.Marshal(map[string]string{
		"status": "failed",
		"error":  kind,
		"detail": message,
	})
	if err != nil {
		return err
	}
	_, err = r.Store.SaveResult(ctx, resultstore.ResultRecord{
		ShareID:    shareID,
		TaskType:   taskType,
		ResultData: doc,
	})
	return err
}

// publisher abstracts confirmed publishing for the retry path; the real
// implementation wraps an amqp channel in confirm mode.
type publisher interface {
	publish(ctx context.Context, queue string, msg amqp.Publishing) error
}

// BackoffSource supplies retry delays for errors that carry none of their
// own, and receives the success/failure outcomes that feed the adaptive
// calculation. Satisfied by *ratelimiter.Limiter.
type BackoffSource interface {
	GetBackoffDelay(ctx context.Context, service, identifier string) (time.Duration, error)
	RecordSuccess(ctx context.Context, service, identifier string) error
	RecordFailure(ctx context.Context, service, identifier string) error
}

// serviceFor maps a task type to its rate-limit service partition.
func serviceFor(t envelope.TaskType) string {
	switch t {
	case envelope.TaskTranscribe:
		return "whisper"
	case envelope.TaskEmbed:
		return "embeddings"
	default:
		return "llm"
	}
}

// Config carries the runner's tunables.
type Config struct {
	// Queues to consume. Defaults to the three api-backend work queues.
	Queues []string
	// EnableValidation toggles envelope contract validation.
	EnableValidation bool
	// MaxRetries is the per-task retry budget; zero means the default.
	MaxRetries int
	// Worker labels task metrics.
	Worker string
}

// Runner drives deliveries from the broker through the handler registry.
type Runner struct {
	cfg      Config
	registry *envelope.Registry
	guard    *singleton.Guard
	failures FailureRecorder
	pub      publisher
	backoff  BackoffSource
	metrics  *metrics.Registry
	logger   *slog.Logger
	clock    func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithMetrics attaches the telemetry registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithClock overrides the time source (for tests).
func WithClock(c func() time.Time) Option {
	return func(r *Runner) { r.clock = c }
}

// WithBackoff attaches the backoff-delay source used for retriable errors
// that carry no retry_after of their own.
func WithBackoff(b BackoffSource) Option {
	return func(r *Runner) { r.backoff = b }
}

// New builds a Runner dispatching to registry, deduplicating through guard,
// and recording terminal failures through failures.
func New(cfg Config, registry *envelope.Registry, guard *singleton.Guard, failures FailureRecorder, opts ...Option) *Runner {
	if len(cfg.Queues) == 0 {
		cfg.Queues = []string{QueueTranscribe, QueueSummarize, QueueEmbed}
	}
	r := &Runner{
		cfg:      cfg,
		registry: registry,
		guard:    guard,
		failures: failures,
		logger:   slog.Default(),
		clock:    time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Setup declares the work queues (quorum, durable, delivery-limited), their
// retry wait queues, and the control queue, and puts the channel in confirm
// mode with prefetch 1.
func (r *Runner) Setup(ch *amqp.Channel) error {
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("enable publisher confirms: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}

	for _, q := range r.cfg.Queues {
		if _, err := ch.QueueDeclare(q, true, false, false, false, amqp.Table{
			"x-queue-type":     "quorum",
			"x-delivery-limit": int32(deliveryLimit),
		}); err != nil {
			return fmt.Errorf("declare queue %s: %w", q, err)
		}
		// The wait queue dead-letters expired messages back onto the work
		// queue; per-message TTL supplies the countdown.
		if _, err := ch.QueueDeclare(q+retrySuffix, true, false, false, false, amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": q,
		}); err != nil {
			return fmt.Errorf("declare retry queue %s: %w", q+retrySuffix, err)
		}
	}

	if _, err := ch.QueueDeclare(QueueControl, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare control queue: %w", err)
	}

	r.pub = &confirmedPublisher{ch: ch}
	return nil
}

// Run consumes every configured queue on ch until ctx is cancelled or the
// channel closes.
func (r *Runner) Run(ctx context.Context, ch *amqp.Channel) error {
	deliveries := make(chan amqp.Delivery)
	var wg sync.WaitGroup
	for _, q := range r.cfg.Queues {
		msgs, err := ch.ConsumeWithContext(ctx, q, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("consume %s: %w", q, err)
		}
		wg.Add(1)
		go func(in <-chan amqp.Delivery) {
			defer wg.Done()
			for d := range in {
				select {
				case deliveries <- d:
				case <-ctx.Done():
					return
				}
			}
		}(msgs)
	}
	// Once every consumer stream has ended, close deliveries so the loop
	// below returns.
	go func() {
		wg.Wait()
		close(deliveries)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			r.HandleDelivery(ctx, d.RoutingKey, d.Body, d.Headers, &amqpAck{d: d})
		}
	}
}

// Acker is the acknowledgement surface for one delivery. The real
// implementation wraps amqp.Delivery; tests substitute a recorder.
type Acker interface {
	Ack() error
	// Reject requeues the message at the broker (used only when the retry
	// publish itself fails, so the message is not lost).
	Reject() error
}

type amqpAck struct {
	d amqp.Delivery
}

func (a *amqpAck) Ack() error    { return a.d.Ack(false) }
func (a *amqpAck) Reject() error { return a.d.Nack(false, true) }

// HandleDelivery processes one message end to end: trace extraction,
// decode, contract validation, singleton guard, handler dispatch, and the
// ack/retry decision.
func (r *Runner) HandleDelivery(ctx context.Context, queue string, body []byte, headers amqp.Table, ack Acker) {
	start := r.clock()
	if r.metrics != nil {
		r.metrics.ActiveTasks.Inc()
		defer r.metrics.ActiveTasks.Dec()
	}

	ctx = otel.GetTextMapPropagator().Extract(ctx, headerCarrier(headers))

	var env envelope.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		r.finishTask(ctx, envelope.Envelope{TaskType: envelope.TaskType(queue)}, start,
			Decision{Action: ActionAckFailure, Kind: kindLabels[errs.KindContractViolation]},
			fmt.Errorf("%w: undecodable message body: %v", errs.ErrContractViolation, err), ack)
		return
	}

	// Trace headers may also arrive inside envelope metadata when the
	// producer cannot set AMQP headers.
	if env.Metadata.TraceParent != "" && headers["traceparent"] == nil {
		carrier := headerCarrier{"traceparent": env.Metadata.TraceParent}
		if env.Metadata.TraceState != "" {
			carrier["tracestate"] = env.Metadata.TraceState
		}
		ctx = otel.GetTextMapPropagator().Extract(ctx, carrier)
	}

	tracer := otel.Tracer("mlcore.runner")
	ctx, span := tracer.Start(ctx, "task."+string(env.TaskType),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination", queue),
			attribute.String("share_id", env.ShareID),
		))
	defer span.End()

	err := r.execute(ctx, env)
	decision := Decide(env.TaskType, err, env.Metadata.RetryCount, r.cfg.MaxRetries)
	if err != nil && decision.Action != ActionAckSuccess {
		span.RecordError(err)
		span.SetStatus(codes.Error, decision.Kind)
	}
	r.finishTask(ctx, env, start, decision, err, ack)
}

// errDuplicate marks a singleton-lock collision; the in-flight holder owns
// the result, this copy is dropped.
var errDuplicate = errors.New("duplicate execution dropped")

// execute validates the envelope, takes the singleton lock, and runs the
// handler under the task's soft time limit.
func (r *Runner) execute(ctx context.Context, env envelope.Envelope) error {
	if r.cfg.EnableValidation {
		if err := envelope.Validate(env); err != nil {
			return err
		}
	}

	lock, acquired, err := r.guard.Acquire(ctx, string(env.TaskType), env.ShareID,
		time.Duration(envelope.LockTTLSeconds(env))*time.Second)
	if err != nil {
		// The lock store is the rate-limit store; treat its outage the
		// same way so the task requeues instead of double-executing.
		return fmt.Errorf("%w: singleton lock: %v", errs.ErrRateLimiterUnavailable, err)
	}
	if !acquired {
		return errDuplicate
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			r.logger.Warn("singleton lock release failed",
				slog.String("share_id", env.ShareID), slog.Any("error", err))
		}
	}()

	soft, ok := softTimeLimits[env.TaskType]
	if !ok {
		soft = 300 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, soft)
	defer cancel()

	return r.registry.Dispatch(ctx, env, false)
}

// finishTask applies the decision: ack, ack-with-failure-record, or retry
// republish, with metrics and structured logging on every path.
func (r *Runner) finishTask(ctx context.Context, env envelope.Envelope, start time.Time, decision Decision, taskErr error, ack Acker) {
	task := string(env.TaskType)
	elapsed := r.clock().Sub(start)

	if errors.Is(taskErr, errDuplicate) {
		r.countTask(task, "duplicate")
		r.ackOrLog(env, ack)
		return
	}

	switch decision.Action {
	case ActionAckSuccess:
		r.countTask(task, "success")
		if r.metrics != nil {
			r.metrics.TaskDuration.WithLabelValues(task).Observe(elapsed.Seconds())
		}
		if r.backoff != nil && taskErr == nil {
			if err := r.backoff.RecordSuccess(ctx, serviceFor(env.TaskType), "default"); err != nil {
				r.logger.Debug("backoff success recording failed", slog.Any("error", err))
			}
		}
		r.ackOrLog(env, ack)

	case ActionAckFailure:
		r.countTask(task, "failure")
		r.countError(task, decision.Kind)
		if r.failures != nil && env.ShareID != "" {
			msg := ""
			if taskErr != nil {
				msg = taskErr.Error()
			}
			recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := r.failures.RecordFailure(recordCtx, task, env.ShareID, decision.Kind, msg); err != nil {
				r.logger.Warn("failure record write failed",
					slog.String("share_id", env.ShareID), slog.Any("error", err))
			}
			cancel()
		}
		r.ackOrLog(env, ack)

	case ActionRetry:
		r.countTask(task, "retry")
		r.countError(task, decision.Kind)
		delay := r.retryDelay(ctx, env, decision, taskErr)
		if err := r.scheduleRetry(ctx, env, delay); err != nil {
			r.logger.Error("retry republish failed, requeueing at broker",
				slog.String("share_id", env.ShareID), slog.Any("error", err))
			if rejErr := ack.Reject(); rejErr != nil {
				r.logger.Error("reject failed", slog.Any("error", rejErr))
			}
			return
		}
		r.ackOrLog(env, ack)
	}

	if taskErr != nil && !errors.Is(taskErr, errs.ErrPreflightSkipped) {
		r.logger.Warn("task finished with error",
			slog.String("task_type", task),
			slog.String("share_id", env.ShareID),
			slog.String("kind", decision.Kind),
			slog.Duration("elapsed", elapsed),
			slog.Any("error", taskErr))
	}
}

// retryDelay resolves the countdown for a retry: an error-carried
// retry_after wins; otherwise the backoff source computes a delay from the
// service's policy and its adaptive statistics. Every computed delay is
// observed on the backoff histogram.
func (r *Runner) retryDelay(ctx context.Context, env envelope.Envelope, decision Decision, taskErr error) time.Duration {
	service := serviceFor(env.TaskType)
	delay := decision.Delay

	if _, carried := errs.RetryAfter(taskErr); !carried && r.backoff != nil {
		if d, err := r.backoff.GetBackoffDelay(ctx, service, "default"); err == nil && d > 0 {
			delay = d
		}
	}
	if r.backoff != nil {
		if err := r.backoff.RecordFailure(ctx, service, "default"); err != nil {
			r.logger.Debug("backoff failure recording failed", slog.Any("error", err))
		}
	}
	if r.metrics != nil {
		r.metrics.BackoffSeconds.WithLabelValues(service).Observe(delay.Seconds())
	}
	return delay
}

// scheduleRetry republishes the envelope to the task's wait queue with the
// countdown as the message TTL and the retry counter bumped; the wait
// queue dead-letters it back onto the work queue when the TTL fires.
func (r *Runner) scheduleRetry(ctx context.Context, env envelope.Envelope, delay time.Duration) error {
	if r.pub == nil {
		return errors.New("no publisher configured")
	}
	env.Metadata.RetryCount++

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal retry envelope: %w", err)
	}

	headers := amqp.Table{}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(headers))

	queue := QueueFor(env.TaskType)
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Headers:      headers,
		Expiration:   strconv.FormatInt(delay.Milliseconds(), 10),
	}
	return r.pub.publish(ctx, queue+retrySuffix, msg)
}

// QueueFor maps a task type to its work queue.
func QueueFor(t envelope.TaskType) string {
	switch t {
	case envelope.TaskTranscribe:
		return QueueTranscribe
	case envelope.TaskEmbed:
		return QueueEmbed
	default:
		return QueueSummarize
	}
}

func (r *Runner) countTask(task, status string) {
	if r.metrics != nil {
		r.metrics.TasksTotal.WithLabelValues(task, status, r.cfg.Worker).Inc()
	}
}

func (r *Runner) countError(task, kind string) {
	if r.metrics != nil && kind != "" {
		r.metrics.TaskErrorsTotal.WithLabelValues(task, kind, r.cfg.Worker).Inc()
	}
}

func (r *Runner) ackOrLog(env envelope.Envelope, ack Acker) {
	if err := ack.Ack(); err != nil {
		r.logger.Error("ack failed",
			slog.String("share_id", env.ShareID), slog.Any("error", err))
	}
}

// PublishEnvelope publishes a job envelope to its task's work queue on a
// confirm-mode channel, waiting for the broker's confirmation. Producers
// (including the control CLI) use this so every enqueue is confirmed.
func PublishEnvelope(ctx context.Context, ch *amqp.Channel, env envelope.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	headers := amqp.Table{}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(headers))

	pub := &confirmedPublisher{ch: ch}
	return pub.publish(ctx, QueueFor(env.TaskType), amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Headers:      headers,
	})
}

// confirmedPublisher publishes on a confirm-mode channel and waits for the
// broker's confirmation before reporting success.
type confirmedPublisher struct {
	ch *amqp.Channel
}

func (p *confirmedPublisher) publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	conf, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, msg)
	if err != nil {
		return err
	}
	ok, err := conf.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("broker nacked publish")
	}
	return nil
}
