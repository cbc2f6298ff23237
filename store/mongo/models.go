package mongo

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lettermill/webhook/catalog"
	"github.com/lettermill/webhook/delivery"
	"github.com/lettermill/webhook/dlq"
	"github.com/lettermill/webhook/endpoint"
	"github.com/lettermill/webhook/event"
	"github.com/lettermill/webhook/id"
	"github.com/lettermill/webhook/internal/entity"
)

// --- Endpoint models ---

type endpointModel struct {
	ID         string            `bson:"_id"`
	TenantID   string            `bson:"tenant_id"`
	Name       string            `bson:"name"`
	URL        string            `bson:"url"`
	Secret     string            `bson:"secret"`
	EventTypes []string          `bson:"event_types"`
	Headers    map[string]string `bson:"headers,omitempty"`
	Enabled    bool              `bson:"enabled"`
	RateLimit  int               `bson:"rate_limit"`
	CreatedAt  time.Time         `bson:"created_at"`
	UpdatedAt  time.Time         `bson:"updated_at"`
}

func toEndpointModel(ep *endpoint.Endpoint) *endpointModel {
	return &endpointModel{
		ID:         ep.ID.String(),
		TenantID:   ep.TenantID,
		Name:       ep.Name,
		URL:        ep.URL,
		Secret:     ep.Secret,
		EventTypes: ep.EventTypes,
		Headers:    ep.Headers,
		Enabled:    ep.Enabled,
		RateLimit:  ep.RateLimit,
		CreatedAt:  ep.CreatedAt,
		UpdatedAt:  ep.UpdatedAt,
	}
}

func fromEndpointModel(m *endpointModel) (*endpoint.Endpoint, error) {
	epID, err := id.ParseEndpointID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint ID %q: %w", m.ID, err)
	}

	return &endpoint.Endpoint{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:         epID,
		TenantID:   m.TenantID,
		Name:       m.Name,
		URL:        m.URL,
		Secret:     m.Secret,
		EventTypes: m.EventTypes,
		Headers:    m.Headers,
		Enabled:    m.Enabled,
		RateLimit:  m.RateLimit,
	}, nil
}

// --- Event models ---

type eventModel struct {
	ID             string         `bson:"_id"`
	TenantID       string         `bson:"tenant_id"`
	Type           string         `bson:"type"`
	SubjectRef     string         `bson:"subject_ref,omitempty"`
	Recipient      string         `bson:"recipient,omitempty"`
	OccurredAt     time.Time      `bson:"occurred_at"`
	Payload        map[string]any `bson:"payload,omitempty"`
	IdempotencyKey *string        `bson:"idempotency_key,omitempty"` // nil keeps the sparse unique index clean
	CreatedAt      time.Time      `bson:"created_at"`
	UpdatedAt      time.Time      `bson:"updated_at"`
}

func toEventModel(evt *event.Event) *eventModel {
	m := &eventModel{
		ID:         evt.ID.String(),
		TenantID:   evt.TenantID,
		Type:       string(evt.Type),
		SubjectRef: evt.SubjectRef,
		Recipient:  evt.Recipient,
		OccurredAt: evt.OccurredAt,
		Payload:    evt.Payload,
		CreatedAt:  evt.CreatedAt,
		UpdatedAt:  evt.UpdatedAt,
	}
	if evt.IdempotencyKey != "" {
		key := evt.IdempotencyKey
		m.IdempotencyKey = &key
	}
	return m
}

func fromEventModel(m *eventModel) (*event.Event, error) {
	evtID, err := id.ParseEventID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse event ID %q: %w", m.ID, err)
	}

	var idemKey string
	if m.IdempotencyKey != nil {
		idemKey = *m.IdempotencyKey
	}

	return &event.Event{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:             evtID,
		TenantID:       m.TenantID,
		Type:           catalog.Type(m.Type),
		SubjectRef:     m.SubjectRef,
		Recipient:      m.Recipient,
		OccurredAt:     m.OccurredAt,
		Payload:        m.Payload,
		IdempotencyKey: idemKey,
	}, nil
}

// --- Delivery models ---

type deliveryModel struct {
	ID                 string     `bson:"_id"`
	EventID            string     `bson:"event_id"`
	EndpointID         string     `bson:"endpoint_id"`
	State              string     `bson:"state"`
	AttemptCount       int        `bson:"attempt_count"`
	MaxAttempts        int        `bson:"max_attempts"`
	LastAttemptAt      *time.Time `bson:"last_attempt_at,omitempty"`
	NextRetryAt        *time.Time `bson:"next_retry_at,omitempty"`
	ResponseStatusCode int        `bson:"response_status_code,omitempty"`
	ResponseExcerpt    string     `bson:"response_excerpt,omitempty"`
	LastError          string     `bson:"last_error,omitempty"`
	LastLatencyMs      int        `bson:"last_latency_ms,omitempty"`
	CompletedAt        *time.Time `bson:"completed_at,omitempty"`
	ClaimedAt          *time.Time `bson:"claimed_at,omitempty"`
	CreatedAt          time.Time  `bson:"created_at"`
	UpdatedAt          time.Time  `bson:"updated_at"`
}

func toDeliveryModel(d *delivery.Delivery) *deliveryModel {
	return &deliveryModel{
		ID:                 d.ID.String(),
		EventID:            d.EventID.String(),
		EndpointID:         d.EndpointID.String(),
		State:              string(d.State),
		AttemptCount:       d.AttemptCount,
		MaxAttempts:        d.MaxAttempts,
		LastAttemptAt:      d.LastAttemptAt,
		NextRetryAt:        d.NextRetryAt,
		ResponseStatusCode: d.ResponseStatusCode,
		ResponseExcerpt:    d.ResponseExcerpt,
		LastError:          d.LastError,
		LastLatencyMs:      d.LastLatencyMs,
		CompletedAt:        d.CompletedAt,
		CreatedAt:          d.CreatedAt,
		UpdatedAt:          d.UpdatedAt,
	}
}

func fromDeliveryModel(m *deliveryModel) (*delivery.Delivery, error) {
	delID, err := id.ParseDeliveryID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse delivery ID %q: %w", m.ID, err)
	}
	evtID, err := id.ParseEventID(m.EventID)
	if err != nil {
		return nil, fmt.Errorf("parse event ID %q: %w", m.EventID, err)
	}
	epID, err := id.ParseEndpointID(m.EndpointID)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint ID %q: %w", m.EndpointID, err)
	}

	return &delivery.Delivery{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:                 delID,
		EventID:            evtID,
		EndpointID:         epID,
		State:              delivery.State(m.State),
		AttemptCount:       m.AttemptCount,
		MaxAttempts:        m.MaxAttempts,
		LastAttemptAt:      m.LastAttemptAt,
		NextRetryAt:        m.NextRetryAt,
		ResponseStatusCode: m.ResponseStatusCode,
		ResponseExcerpt:    m.ResponseExcerpt,
		LastError:          m.LastError,
		LastLatencyMs:      m.LastLatencyMs,
		CompletedAt:        m.CompletedAt,
	}, nil
}

// --- DLQ models ---

type dlqEntryModel struct {
	ID             string     `bson:"_id"`
	DeliveryID     string     `bson:"delivery_id"`
	EventID        string     `bson:"event_id"`
	EndpointID     string     `bson:"endpoint_id"`
	EventType      string     `bson:"event_type"`
	TenantID       string     `bson:"tenant_id"`
	URL            string     `bson:"url,omitempty"`
	Payload        []byte     `bson:"payload,omitempty"`
	Error          string     `bson:"error,omitempty"`
	AttemptCount   int        `bson:"attempt_count"`
	LastStatusCode int        `bson:"last_status_code,omitempty"`
	ReplayedAt     *time.Time `bson:"replayed_at,omitempty"`
	FailedAt       time.Time  `bson:"failed_at"`
	CreatedAt      time.Time  `bson:"created_at"`
	UpdatedAt      time.Time  `bson:"updated_at"`
}

func toDLQEntryModel(e *dlq.Entry) *dlqEntryModel {
	return &dlqEntryModel{
		ID:             e.ID.String(),
		DeliveryID:     e.DeliveryID.String(),
		EventID:        e.EventID.String(),
		EndpointID:     e.EndpointID.String(),
		EventType:      string(e.EventType),
		TenantID:       e.TenantID,
		URL:            e.URL,
		Payload:        []byte(e.Payload),
		Error:          e.Error,
		AttemptCount:   e.AttemptCount,
		LastStatusCode: e.LastStatusCode,
		ReplayedAt:     e.ReplayedAt,
		FailedAt:       e.FailedAt,
		CreatedAt:      e.CreatedAt,
		UpdatedAt:      e.UpdatedAt,
	}
}

func fromDLQEntryModel(m *dlqEntryModel) (*dlq.Entry, error) {
	dlqID, err := id.ParseDLQID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse DLQ ID %q: %w", m.ID, err)
	}
	delID, err := id.ParseDeliveryID(m.DeliveryID)
	if err != nil {
		return nil, fmt.Errorf("parse delivery ID %q: %w", m.DeliveryID, err)
	}
	evtID, err := id.ParseEventID(m.EventID)
	if err != nil {
		return nil, fmt.Errorf("parse event ID %q: %w", m.EventID, err)
	}
	epID, err := id.ParseEndpointID(m.EndpointID)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint ID %q: %w", m.EndpointID, err)
	}

	var payload json.RawMessage
	if len(m.Payload) > 0 {
		payload = json.RawMessage(m.Payload)
	}

	return &dlq.Entry{
		Entity: entity.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:             dlqID,
		DeliveryID:     delID,
		EventID:        evtID,
		EndpointID:     epID,
		EventType:      catalog.Type(m.EventType),
		TenantID:       m.TenantID,
		URL:            m.URL,
		Payload:        payload,
		Error:          m.Error,
		AttemptCount:   m.AttemptCount,
		LastStatusCode: m.LastStatusCode,
		ReplayedAt:     m.ReplayedAt,
		FailedAt:       m.FailedAt,
	}, nil
}
