// Package event defines the immutable domain event record that fans out to
// webhook deliveries.
package event

import (
	"time"

	"github.com/lettermill/webhook/catalog"
	"github.com/lettermill/webhook/id"
	"github.com/lettermill/webhook/internal/entity"
)

// Event is an immutable record of something that happened in the platform
// (a message was sent, bounced, opened, …). Producers record events; the
// delivery engine references them and never mutates them.
type Event struct {
	entity.Entity

	// ID is the unique TypeID for this event. Its string form ("evt_…")
	// is the public event identifier carried in webhook bodies.
	ID id.ID `json:"id"`

	// TenantID identifies the tenant the event belongs to.
	TenantID string `json:"tenant_id"`

	// Type is the public event type from the fixed catalog.
	Type catalog.Type `json:"type"`

	// SubjectRef references the subject of the event, typically a message ID.
	SubjectRef string `json:"subject_ref,omitempty"`

	// Recipient is the address the subject message was sent to, if any.
	Recipient string `json:"recipient,omitempty"`

	// OccurredAt is when the occurrence happened (not when it was recorded).
	OccurredAt time.Time `json:"occurred_at"`

	// Payload is the opaque structured event data.
	Payload map[string]any `json:"payload,omitempty"`

	// IdempotencyKey prevents the same occurrence from being recorded twice.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// WireData builds the snake_case "data" object for the webhook body:
// the payload fields plus the subject reference and recipient.
func (e *Event) WireData() map[string]any {
	data := make(map[string]any, len(e.Payload)+2)
	for k, v := range e.Payload {
		data[k] = v
	}
	if e.SubjectRef != "" {
		data["message_id"] = e.SubjectRef
	}
	if e.Recipient != "" {
		data["recipient"] = e.Recipient
	}
	return data
}

// ListOpts configures filtering and pagination for event listing.
type ListOpts struct {
	Offset int
	Limit  int
	Type   catalog.Type
	From   *time.Time
	To     *time.Time
}
