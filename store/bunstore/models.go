package bunstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"

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
	bun.BaseModel `bun:"table:webhook_endpoints"`

	ID         string    `bun:"id,pk"`
	TenantID   string    `bun:"tenant_id,notnull"`
	Name       string    `bun:"name,notnull"`
	URL        string    `bun:"url,notnull"`
	Secret     string    `bun:"secret,notnull"`
	EventTypes string    `bun:"event_types"` // JSON array
	Headers    string    `bun:"headers"`     // JSON object
	Enabled    bool      `bun:"enabled"`
	RateLimit  int       `bun:"rate_limit"`
	CreatedAt  time.Time `bun:"created_at,notnull"`
	UpdatedAt  time.Time `bun:"updated_at,notnull"`
}

// eventTypes unmarshals the JSON event types string into a string slice.
func (m *endpointModel) eventTypes() []string {
	var types []string
	if m.EventTypes != "" {
		_ = json.Unmarshal([]byte(m.EventTypes), &types) //nolint:errcheck // best-effort
	}
	return types
}

func toEndpointModel(ep *endpoint.Endpoint) *endpointModel {
	eventTypes, _ := json.Marshal(ep.EventTypes) //nolint:errcheck // best-effort
	headers, _ := json.Marshal(ep.Headers)       //nolint:errcheck // best-effort

	return &endpointModel{
		ID:         ep.ID.String(),
		TenantID:   ep.TenantID,
		Name:       ep.Name,
		URL:        ep.URL,
		Secret:     ep.Secret,
		EventTypes: string(eventTypes),
		Headers:    string(headers),
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

	var headers map[string]string
	if m.Headers != "" {
		_ = json.Unmarshal([]byte(m.Headers), &headers) //nolint:errcheck // best-effort
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
		EventTypes: m.eventTypes(),
		Headers:    headers,
		Enabled:    m.Enabled,
		RateLimit:  m.RateLimit,
	}, nil
}

// --- Event models ---

type eventModel struct {
	bun.BaseModel `bun:"table:webhook_events"`

	ID             string    `bun:"id,pk"`
	TenantID       string    `bun:"tenant_id,notnull"`
	Type           string    `bun:"type,notnull"`
	SubjectRef     string    `bun:"subject_ref"`
	Recipient      string    `bun:"recipient"`
	OccurredAt     time.Time `bun:"occurred_at,notnull"`
	Payload        string    `bun:"payload"` // JSON object
	IdempotencyKey string    `bun:"idempotency_key"`
	CreatedAt      time.Time `bun:"created_at,notnull"`
	UpdatedAt      time.Time `bun:"updated_at,notnull"`
}

func toEventModel(evt *event.Event) *eventModel {
	var payload string
	if evt.Payload != nil {
		b, _ := json.Marshal(evt.Payload) //nolint:errcheck // best-effort
		payload = string(b)
	}
	return &eventModel{
		ID:             evt.ID.String(),
		TenantID:       evt.TenantID,
		Type:           string(evt.Type),
		SubjectRef:     evt.SubjectRef,
		Recipient:      evt.Recipient,
		OccurredAt:     evt.OccurredAt,
		Payload:        payload,
		IdempotencyKey: evt.IdempotencyKey,
		CreatedAt:      evt.CreatedAt,
		UpdatedAt:      evt.UpdatedAt,
	}
}

func fromEventModel(m *eventModel) (*event.Event, error) {
	evtID, err := id.ParseEventID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse event ID %q: %w", m.ID, err)
	}

	var payload map[string]any
	if m.Payload != "" {
		_ = json.Unmarshal([]byte(m.Payload), &payload) //nolint:errcheck // best-effort
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
		Payload:        payload,
		IdempotencyKey: m.IdempotencyKey,
	}, nil
}

// --- Delivery models ---

type deliveryModel struct {
	bun.BaseModel `bun:"table:webhook_deliveries"`

	ID                 string     `bun:"id,pk"`
	EventID            string     `bun:"event_id,notnull"`
	EndpointID         string     `bun:"endpoint_id,notnull"`
	State              string     `bun:"state,notnull"`
	AttemptCount       int        `bun:"attempt_count"`
	MaxAttempts        int        `bun:"max_attempts,notnull"`
	LastAttemptAt      *time.Time `bun:"last_attempt_at"`
	NextRetryAt        *time.Time `bun:"next_retry_at"`
	ResponseStatusCode int        `bun:"response_status_code"`
	ResponseExcerpt    string     `bun:"response_excerpt"`
	LastError          string     `bun:"last_error"`
	LastLatencyMs      int        `bun:"last_latency_ms"`
	CompletedAt        *time.Time `bun:"completed_at"`
	ClaimedAt          *time.Time `bun:"claimed_at"`
	CreatedAt          time.Time  `bun:"created_at,notnull"`
	UpdatedAt          time.Time  `bun:"updated_at,notnull"`
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
	bun.BaseModel `bun:"table:webhook_dlq"`

	ID             string     `bun:"id,pk"`
	DeliveryID     string     `bun:"delivery_id,notnull"`
	EventID        string     `bun:"event_id,notnull"`
	EndpointID     string     `bun:"endpoint_id,notnull"`
	EventType      string     `bun:"event_type"`
	TenantID       string     `bun:"tenant_id,notnull"`
	URL            string     `bun:"url"`
	Payload        string     `bun:"payload"` // JSON
	Error          string     `bun:"error"`
	AttemptCount   int        `bun:"attempt_count"`
	LastStatusCode int        `bun:"last_status_code"`
	ReplayedAt     *time.Time `bun:"replayed_at"`
	FailedAt       time.Time  `bun:"failed_at,notnull"`
	CreatedAt      time.Time  `bun:"created_at,notnull"`
	UpdatedAt      time.Time  `bun:"updated_at,notnull"`
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
		Payload:        string(e.Payload),
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
		return nil, fmt.Errorf("parse dlq ID %q: %w", m.ID, err)
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
	if m.Payload != "" {
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
