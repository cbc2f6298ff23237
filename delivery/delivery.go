// Package delivery tracks one (endpoint, event) pairing through its
// attempt/retry lifecycle and runs the dispatch loop that drives it.
package delivery

import (
	"time"

	"github.com/lettermill/webhook/id"
	"github.com/lettermill/webhook/internal/entity"
)

// State represents the current state of a delivery.
type State string

const (
	// StatePending indicates the delivery is awaiting its first attempt.
	StatePending State = "pending"

	// StateRetryScheduled indicates a failed attempt with a retry booked
	// at NextRetryAt.
	StateRetryScheduled State = "retry_scheduled"

	// StateSent indicates the delivery succeeded. Terminal.
	StateSent State = "sent"

	// StateFailed indicates all attempts were exhausted. Terminal.
	StateFailed State = "failed"
)

// Terminal reports whether s is a terminal state. Terminal deliveries are
// never re-entered into the dispatch loop.
func (s State) Terminal() bool {
	return s == StateSent || s == StateFailed
}

// Delivery is the mutable unit of work: one event bound for one endpoint,
// tracked until a terminal state.
//
// Invariants: AttemptCount only increases; NextRetryAt is set if and only if
// State == StateRetryScheduled.
type Delivery struct {
	entity.Entity

	// ID is the unique TypeID for this delivery.
	ID id.ID `json:"id"`

	// EventID references the event being delivered.
	EventID id.ID `json:"event_id"`

	// EndpointID references the target endpoint.
	EndpointID id.ID `json:"endpoint_id"`

	// State is the current delivery state.
	State State `json:"state"`

	// AttemptCount is the number of attempts made so far.
	AttemptCount int `json:"attempt_count"`

	// MaxAttempts is the number of attempts before the delivery is abandoned.
	MaxAttempts int `json:"max_attempts"`

	// LastAttemptAt is when the most recent attempt was made.
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`

	// NextRetryAt is when the next attempt is due. Set iff State is
	// StateRetryScheduled.
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`

	// ResponseStatusCode is the HTTP status from the most recent attempt.
	ResponseStatusCode int `json:"response_status_code,omitempty"`

	// ResponseExcerpt is the response body from the most recent attempt,
	// truncated to the configured capture limit.
	ResponseExcerpt string `json:"response_excerpt,omitempty"`

	// LastError is the transport error from the most recent failed attempt.
	LastError string `json:"last_error,omitempty"`

	// LastLatencyMs is the latency in milliseconds of the most recent attempt.
	LastLatencyMs int `json:"last_latency_ms,omitempty"`

	// CompletedAt is when the delivery reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ListOpts configures filtering and pagination for delivery listing.
// Listings are most-recent-first.
type ListOpts struct {
	Offset int
	Limit  int
	State  *State
}

// DefaultListLimit is the delivery history page size when none is given.
const DefaultListLimit = 50
