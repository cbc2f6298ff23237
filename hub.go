package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lettermill/webhook/catalog"
	"github.com/lettermill/webhook/delivery"
	"github.com/lettermill/webhook/dlq"
	"github.com/lettermill/webhook/endpoint"
	"github.com/lettermill/webhook/event"
	"github.com/lettermill/webhook/id"
	"github.com/lettermill/webhook/internal/entity"
	"github.com/lettermill/webhook/store"
)

// wireServices initializes the internal services after options have been applied.
func (h *Hub) wireServices() {
	h.validator = catalog.NewValidator()

	h.endpointSvc = endpoint.NewService(h.store, h.logger)

	h.dlqSvc = dlq.NewService(h.store, h.logger)

	h.engine = delivery.NewEngine(h.store, h.dlqSvc, delivery.EngineConfig{
		Concurrency:    h.config.Concurrency,
		PollInterval:   h.config.PollInterval,
		BatchSize:      h.config.BatchSize,
		RequestTimeout: h.config.RequestTimeout,
		CaptureLimit:   h.config.CaptureLimit,
		RetrySchedule:  h.config.RetrySchedule,
		Metrics:        h.metrics,
		Tracer:         h.tracer,
	}, h.logger)
}

// Start begins the dispatch loop.
func (h *Hub) Start(ctx context.Context) {
	h.engine.Start(ctx)
}

// Stop gracefully shuts down the dispatch loop: no new attempts are started
// and in-flight attempts run to completion, including persistence.
func (h *Hub) Stop(ctx context.Context) {
	h.engine.Stop(ctx)
}

// RecordInput is the producer-facing event recording payload.
type RecordInput struct {
	// TenantID identifies the tenant the occurrence belongs to.
	TenantID string

	// Type is the event type. Catalog wire names and internal pipeline
	// names ("bounced") are both accepted.
	Type string

	// SubjectRef references the subject of the event, typically a message ID.
	SubjectRef string

	// Recipient is the address the subject message was sent to, if any.
	Recipient string

	// OccurredAt is when the occurrence happened. Zero means now.
	OccurredAt time.Time

	// Payload is the opaque structured event data.
	Payload map[string]any

	// IdempotencyKey dedupes repeated recording of the same occurrence.
	IdempotencyKey string
}

// Record validates and persists a domain event, then fans out one pending
// delivery per enabled endpoint subscribed to its type.
//
// The critical path:
//  1. Map the type through the catalog (reject unknown types).
//  2. Validate the payload against the type's schema.
//  3. Persist the event (idempotency key dedup happens here).
//  4. Resolve matching endpoints for this tenant + type.
//  5. Enqueue one delivery per matched endpoint; duplicates on
//     (endpoint_id, event_id) are skipped by the store.
//
// Zero matching endpoints is a no-op, not an error. Producers treat the
// whole call as fire-and-forget: see RecordAsync.
func (h *Hub) Record(ctx context.Context, in RecordInput) (*event.Event, error) {
	t := catalog.FromInternal(in.Type)
	if t == catalog.TypeUnknown {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, in.Type)
	}

	if in.Payload != nil {
		def, _ := catalog.Lookup(t)
		if err := h.validator.Validate(def.Schema, in.Payload); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrPayloadValidationFailed, err.Error())
		}
	}

	occurredAt := in.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	evt := &event.Event{
		Entity:         entity.New(),
		ID:             id.NewEventID(),
		TenantID:       in.TenantID,
		Type:           t,
		SubjectRef:     in.SubjectRef,
		Recipient:      in.Recipient,
		OccurredAt:     occurredAt,
		Payload:        in.Payload,
		IdempotencyKey: in.IdempotencyKey,
	}

	if err := h.store.CreateEvent(ctx, evt); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			return evt, nil // idempotent: already recorded
		}
		return nil, fmt.Errorf("webhook: persist event: %w", err)
	}

	if h.metrics != nil {
		h.metrics.EventsRecorded.Inc()
	}

	endpoints, err := h.store.Resolve(ctx, evt.TenantID, evt.Type)
	if err != nil {
		return nil, fmt.Errorf("webhook: resolve endpoints: %w", err)
	}

	if len(endpoints) == 0 {
		return evt, nil // no subscribers, nothing to deliver
	}

	deliveries := make([]*delivery.Delivery, 0, len(endpoints))
	for _, ep := range endpoints {
		d := &delivery.Delivery{
			Entity:       entity.New(),
			ID:           id.NewDeliveryID(),
			EventID:      evt.ID,
			EndpointID:   ep.ID,
			State:        delivery.StatePending,
			AttemptCount: 0,
			MaxAttempts:  h.config.MaxAttempts,
		}
		deliveries = append(deliveries, d)
	}

	if err := h.store.EnqueueBatch(ctx, deliveries); err != nil {
		return nil, fmt.Errorf("webhook: enqueue deliveries: %w", err)
	}

	if h.metrics != nil {
		h.metrics.PendingDeliveries.Add(float64(len(deliveries)))
	}

	h.logger.DebugContext(ctx, "event recorded",
		"event_id", evt.ID,
		"type", evt.Type,
		"endpoints", len(endpoints),
	)

	return evt, nil
}

// RecordAsync records an event without surfacing errors to the producer.
// Recording failure must never fail the action that generated the event, so
// errors are logged and swallowed here.
func (h *Hub) RecordAsync(ctx context.Context, in RecordInput) {
	if _, err := h.Record(ctx, in); err != nil {
		h.logger.ErrorContext(ctx, "event recording failed",
			"type", in.Type,
			"tenant_id", in.TenantID,
			"subject_ref", in.SubjectRef,
			"error", err,
		)
	}
}

// SendTest performs a single synchronous test delivery against a tenant's
// endpoint using the synthetic ping payload, bypassing fan-out and
// scheduling. The result is returned directly for UI feedback.
func (h *Hub) SendTest(ctx context.Context, tenantID string, epID id.ID) (delivery.Result, error) {
	ep, err := h.endpointSvc.Get(ctx, tenantID, epID)
	if err != nil {
		return delivery.Result{}, err
	}
	return h.engine.SendTest(ctx, ep), nil
}

// Endpoints returns the endpoint management service.
func (h *Hub) Endpoints() *endpoint.Service {
	return h.endpointSvc
}

// DLQ returns the dead letter queue service.
func (h *Hub) DLQ() *dlq.Service {
	return h.dlqSvc
}

// Store returns the underlying store.
func (h *Hub) Store() store.Store {
	return h.store
}
