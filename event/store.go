package event

import (
	"context"

	"github.com/lettermill/webhook/id"
)

// Store defines the persistence contract for domain events.
type Store interface {
	// CreateEvent persists an event. Must be durable before returning.
	// Returns the duplicate-idempotency-key sentinel on conflict.
	CreateEvent(ctx context.Context, evt *Event) error

	// GetEvent returns an event by ID.
	GetEvent(ctx context.Context, evtID id.ID) (*Event, error)

	// ListEvents returns events, optionally filtered by type or time range.
	ListEvents(ctx context.Context, opts ListOpts) ([]*Event, error)

	// ListEventsByTenant returns events for a specific tenant.
	ListEventsByTenant(ctx context.Context, tenantID string, opts ListOpts) ([]*Event, error)
}
