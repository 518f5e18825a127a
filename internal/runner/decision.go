package runner

import (
	"time"

	"github.com/jordanhubbard/mlcore/internal/envelope"
	"github.com/jordanhubbard/mlcore/internal/errs"
)

// Action is what the runner does with a message after its handler returns.
type Action int

const (
	// ActionAckSuccess acknowledges the message; the task completed (or
	// terminally skipped with its result already recorded).
	ActionAckSuccess Action = iota
	// ActionAckFailure acknowledges the message and records a failure
	// result; retrying would not help.
	ActionAckFailure
	// ActionRetry schedules a broker-level redelivery after Delay.
	ActionRetry
)

// Decision is the mapped outcome for one handler error.
type Decision struct {
	Action Action
	Delay  time.Duration
	// Kind labels the error counter; empty when the handler returned no
	// error.
	Kind string
}

// kindLabels name the taxonomy kinds for metrics and failure records.
var kindLabels = map[errs.Kind]string{
	errs.KindContractViolation:      "contract_violation",
	errs.KindPreflightSkipped:       "preflight_skipped",
	errs.KindBudgetExceeded:         "budget_exceeded",
	errs.KindRateLimited:            "rate_limited",
	errs.KindRateLimiterUnavailable: "rate_limiter_unavailable",
	errs.KindConcurrencyExhausted:   "concurrency_exhausted",
	errs.KindPoolExhausted:          "pool_exhausted",
	errs.KindProviderTransient:      "provider_transient",
	errs.KindProviderPermanent:      "provider_permanent",
	errs.KindSoftTimeLimit:          "soft_time_limit",
	errs.KindStorageError:           "storage_error",
	errs.KindUnknown:                "unknown",
}

// defaultRetryDelay applies to retriable kinds that carry no retry_after of
// their own.
const defaultRetryDelay = 10 * time.Second

// DefaultMaxRetries is the per-task retry budget when none is configured.
const DefaultMaxRetries = 3

// maxRetries returns the retry budget for a task: the configured base,
// raised by two for summarize tasks whose failure cause is a rate limit
// (5 with the default base).
func maxRetries(taskType envelope.TaskType, kind errs.Kind, base int) int {
	if base <= 0 {
		base = DefaultMaxRetries
	}
	if taskType == envelope.TaskSummarize && kind == errs.KindRateLimited {
		return base + 2
	}
	return base
}

// Decide maps a handler error onto the broker-level action, honouring the
// error's suggested retry_after and the message's remaining retry budget.
// retryCount is the number of redeliveries this message has already seen;
// base is the configured retry budget (zero means the default).
func Decide(taskType envelope.TaskType, err error, retryCount, base int) Decision {
	if err == nil {
		return Decision{Action: ActionAckSuccess}
	}

	kind := errs.Classify(err)
	label := kindLabels[kind]

	switch kind {
	case errs.KindPreflightSkipped:
		// Terminal success: the zero-cost skip result is already written.
		return Decision{Action: ActionAckSuccess, Kind: label}
	case errs.KindContractViolation, errs.KindBudgetExceeded, errs.KindProviderPermanent:
		return Decision{Action: ActionAckFailure, Kind: label}
	}

	// Everything else is retriable until the budget runs out.
	if retryCount >= maxRetries(taskType, kind, base) {
		return Decision{Action: ActionAckFailure, Kind: label}
	}

	delay := defaultRetryDelay
	if ra, ok := errs.RetryAfter(err); ok && ra > 0 {
		delay = ra
	}
	return Decision{Action: ActionRetry, Delay: delay, Kind: label}
}
