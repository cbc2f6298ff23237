package webhook

import "errors"

// Sentinel errors returned by engine and store operations.
var (
	// ErrNoStore is returned when a Hub is created without a store.
	ErrNoStore = errors.New("webhook: store is required")

	// ErrUnknownEventType is returned when recording an event whose type is
	// not in the catalog.
	ErrUnknownEventType = errors.New("webhook: unknown event type")

	// ErrPayloadValidationFailed is returned when event payload fails the
	// catalog schema for its type.
	ErrPayloadValidationFailed = errors.New("webhook: payload validation failed")

	// ErrDuplicateIdempotencyKey is returned when an event with the same
	// idempotency key already exists.
	ErrDuplicateIdempotencyKey = errors.New("webhook: duplicate idempotency key")

	// ErrEndpointNotFound is returned when an endpoint cannot be found.
	ErrEndpointNotFound = errors.New("webhook: endpoint not found")

	// ErrEventNotFound is returned when an event cannot be found.
	ErrEventNotFound = errors.New("webhook: event not found")

	// ErrDeliveryNotFound is returned when a delivery cannot be found.
	ErrDeliveryNotFound = errors.New("webhook: delivery not found")

	// ErrDLQNotFound is returned when a DLQ entry cannot be found.
	ErrDLQNotFound = errors.New("webhook: dlq entry not found")

	// ErrStoreClosed is returned when a store operation is attempted after
	// the store is closed.
	ErrStoreClosed = errors.New("webhook: store is closed")
)
