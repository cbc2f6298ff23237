package delivery

import "time"

// Decision is the outcome of evaluating a delivery attempt.
type Decision int

const (
	// Succeeded means the receiver acknowledged the delivery (2xx).
	Succeeded Decision = iota

	// Retry means the attempt failed and a retry should be scheduled.
	Retry

	// Exhausted means the attempt failed and no attempts remain.
	Exhausted
)

// Result holds the outcome of a single delivery attempt.
type Result struct {
	// Success is true for 2xx responses.
	Success bool

	// StatusCode is the HTTP status, or 0 on a transport failure.
	StatusCode int

	// Error is the transport error message, if any.
	Error string

	// Response is the response body excerpt.
	Response string

	// LatencyMs is the attempt latency in milliseconds.
	LatencyMs int
}

// DefaultSchedule is the backoff between successive retry attempts: a
// failed delivery is retried after 1, 5, 15, and 60 minutes, bounding the
// total retry window to roughly 5.2 hours with the 240-minute tail.
var DefaultSchedule = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	60 * time.Minute,
	240 * time.Minute,
}

// Retrier decides what to do after a delivery attempt.
//
// Every failure is retryable: a rejected receiver (non-2xx) and a transport
// error follow the same policy, retried on the backoff schedule until the
// delivery's attempt budget runs out.
type Retrier struct {
	schedule []time.Duration
}

// NewRetrier creates a retrier with the given backoff schedule. A nil or
// empty schedule falls back to DefaultSchedule.
func NewRetrier(schedule []time.Duration) *Retrier {
	if len(schedule) == 0 {
		schedule = DefaultSchedule
	}
	return &Retrier{schedule: schedule}
}

// Decide determines the delivery's next state after an attempt. The
// delivery's AttemptCount must already include the attempt being decided.
func (r *Retrier) Decide(res Result, d *Delivery) Decision {
	if res.Success {
		return Succeeded
	}
	if d.AttemptCount < d.MaxAttempts {
		return Retry
	}
	return Exhausted
}

// NextRetryAt returns when the next attempt should run after the given
// attempt number. The schedule is indexed by the attempt just completed
// (1-based attemptCount → 0-based index), clamped to the last entry.
func (r *Retrier) NextRetryAt(attemptCount int) time.Time {
	idx := attemptCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(r.schedule) {
		idx = len(r.schedule) - 1
	}
	return time.Now().UTC().Add(r.schedule[idx])
}
