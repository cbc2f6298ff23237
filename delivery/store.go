package delivery

import (
	"context"

	"github.com/lettermill/webhook/id"
)

// Store defines the persistence contract for webhook deliveries.
type Store interface {
	// Enqueue creates a pending delivery.
	Enqueue(ctx context.Context, d *Delivery) error

	// EnqueueBatch creates multiple deliveries (fan-out). A delivery whose
	// (endpoint_id, event_id) pair already exists is skipped, making
	// fan-out idempotent against duplicate event recording.
	EnqueueBatch(ctx context.Context, ds []*Delivery) error

	// Dequeue fetches due deliveries: Pending, or RetryScheduled with
	// NextRetryAt <= now, restricted to enabled endpoints. Terminal
	// deliveries are never returned. Implementations must ensure no
	// double-delivery (e.g. FOR UPDATE SKIP LOCKED).
	Dequeue(ctx context.Context, limit int) ([]*Delivery, error)

	// UpdateDelivery persists a state transition. The attempt count, state,
	// retry time, and response fields must land atomically.
	UpdateDelivery(ctx context.Context, d *Delivery) error

	// GetDelivery returns a delivery by ID.
	GetDelivery(ctx context.Context, delID id.ID) (*Delivery, error)

	// ListByEndpoint returns delivery history for an endpoint,
	// most-recent-first.
	ListByEndpoint(ctx context.Context, epID id.ID, opts ListOpts) ([]*Delivery, error)

	// ListByEvent returns all deliveries for a specific event.
	ListByEvent(ctx context.Context, evtID id.ID) ([]*Delivery, error)

	// CountPending returns the number of deliveries awaiting attempt.
	CountPending(ctx context.Context) (int64, error)
}
