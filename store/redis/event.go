package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/lettermill/webhook"
	"github.com/lettermill/webhook/catalog"
	"github.com/lettermill/webhook/event"
	"github.com/lettermill/webhook/id"
	"github.com/lettermill/webhook/internal/entity"
)

// eventModel is the JSON representation stored in Redis.
type eventModel struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	Type           string         `json:"type"`
	SubjectRef     string         `json:"subject_ref,omitempty"`
	Recipient      string         `json:"recipient,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
	Payload        map[string]any `json:"payload,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func toEventModel(evt *event.Event) *eventModel {
	return &eventModel{
		ID:             evt.ID.String(),
		TenantID:       evt.TenantID,
		Type:           string(evt.Type),
		SubjectRef:     evt.SubjectRef,
		Recipient:      evt.Recipient,
		OccurredAt:     evt.OccurredAt,
		Payload:        evt.Payload,
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
		IdempotencyKey: m.IdempotencyKey,
	}, nil
}

func (s *Store) CreateEvent(ctx context.Context, evt *event.Event) error {
	m := toEventModel(evt)

	// Claim the idempotency key before writing the entity.
	if m.IdempotencyKey != "" {
		set, err := s.rdb.SetNX(ctx, uniqueEventIdem+m.IdempotencyKey, m.ID, 0).Result()
		if err != nil {
			return fmt.Errorf("webhook/redis: claim idempotency key: %w", err)
		}
		if !set {
			return webhook.ErrDuplicateIdempotencyKey
		}
	}

	key := entityKey(prefixEvent, m.ID)
	if err := s.setEntity(ctx, key, m); err != nil {
		return fmt.Errorf("webhook/redis: create event: %w", err)
	}

	pipe := s.rdb.Pipeline()
	pipe.ZAdd(ctx, zEventAll, goredis.Z{Score: scoreFromTime(m.OccurredAt), Member: m.ID})
	pipe.ZAdd(ctx, zEventTenant+m.TenantID, goredis.Z{Score: scoreFromTime(m.OccurredAt), Member: m.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("webhook/redis: create event indexes: %w", err)
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, evtID id.ID) (*event.Event, error) {
	var m eventModel
	if err := s.getEntity(ctx, entityKey(prefixEvent, evtID.String()), &m); err != nil {
		if isRedisNil(err) {
			return nil, webhook.ErrEventNotFound
		}
		return nil, fmt.Errorf("webhook/redis: get event: %w", err)
	}
	return fromEventModel(&m)
}

func (s *Store) ListEvents(ctx context.Context, opts event.ListOpts) ([]*event.Event, error) {
	return s.listEvents(ctx, zEventAll, opts)
}

func (s *Store) ListEventsByTenant(ctx context.Context, tenantID string, opts event.ListOpts) ([]*event.Event, error) {
	return s.listEvents(ctx, zEventTenant+tenantID, opts)
}

func (s *Store) listEvents(ctx context.Context, zKey string, opts event.ListOpts) ([]*event.Event, error) {
	// ZRevRange for newest-first ordering by occurred_at score.
	ids, err := s.rdb.ZRevRange(ctx, zKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("webhook/redis: list events: %w", err)
	}

	result := make([]*event.Event, 0, len(ids))
	for _, entryID := range ids {
		var m eventModel
		if err := s.getEntity(ctx, entityKey(prefixEvent, entryID), &m); err != nil {
			if isRedisNil(err) {
				continue
			}
			return nil, err
		}
		if opts.Type != "" && m.Type != string(opts.Type) {
			continue
		}
		if opts.From != nil && m.OccurredAt.Before(*opts.From) {
			continue
		}
		if opts.To != nil && m.OccurredAt.After(*opts.To) {
			continue
		}
		evt, err := fromEventModel(&m)
		if err != nil {
			return nil, err
		}
		result = append(result, evt)
	}

	return applyPagination(result, opts.Offset, opts.Limit), nil
}
