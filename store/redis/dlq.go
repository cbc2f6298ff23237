package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/lettermill/webhook"
	"github.com/lettermill/webhook/catalog"
	"github.com/lettermill/webhook/delivery"
	"github.com/lettermill/webhook/dlq"
	"github.com/lettermill/webhook/id"
	"github.com/lettermill/webhook/internal/entity"
)

// dlqEntryModel is the JSON representation stored in Redis.
type dlqEntryModel struct {
	ID             string          `json:"id"`
	DeliveryID     string          `json:"delivery_id"`
	EventID        string          `json:"event_id"`
	EndpointID     string          `json:"endpoint_id"`
	EventType      string          `json:"event_type"`
	TenantID       string          `json:"tenant_id"`
	URL            string          `json:"url"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Error          string          `json:"error"`
	AttemptCount   int             `json:"attempt_count"`
	LastStatusCode int             `json:"last_status_code"`
	ReplayedAt     *time.Time      `json:"replayed_at,omitempty"`
	FailedAt       time.Time       `json:"failed_at"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
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
		Payload:        e.Payload,
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
		Payload:        m.Payload,
		Error:          m.Error,
		AttemptCount:   m.AttemptCount,
		LastStatusCode: m.LastStatusCode,
		ReplayedAt:     m.ReplayedAt,
		FailedAt:       m.FailedAt,
	}, nil
}

func (s *Store) Push(ctx context.Context, entry *dlq.Entry) error {
	m := toDLQEntryModel(entry)
	key := entityKey(prefixDLQ, m.ID)

	if err := s.setEntity(ctx, key, m); err != nil {
		return fmt.Errorf("webhook/redis: push dlq: %w", err)
	}

	if err := s.rdb.ZAdd(ctx, zDLQAll,
		goredis.Z{Score: scoreFromTime(m.FailedAt), Member: m.ID}).Err(); err != nil {
		return fmt.Errorf("webhook/redis: push dlq index: %w", err)
	}
	return nil
}

func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	ids, err := s.rdb.ZRevRange(ctx, zDLQAll, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("webhook/redis: list dlq: %w", err)
	}

	result := make([]*dlq.Entry, 0, len(ids))
	for _, entryID := range ids {
		var m dlqEntryModel
		if err := s.getEntity(ctx, entityKey(prefixDLQ, entryID), &m); err != nil {
			if isRedisNil(err) {
				continue
			}
			return nil, err
		}
		if opts.TenantID != "" && m.TenantID != opts.TenantID {
			continue
		}
		if opts.EndpointID != nil && m.EndpointID != opts.EndpointID.String() {
			continue
		}
		if opts.From != nil && m.FailedAt.Before(*opts.From) {
			continue
		}
		if opts.To != nil && m.FailedAt.After(*opts.To) {
			continue
		}
		e, err := fromDLQEntryModel(&m)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}

	return applyPagination(result, opts.Offset, opts.Limit), nil
}

func (s *Store) GetDLQ(ctx context.Context, dlqID id.ID) (*dlq.Entry, error) {
	var m dlqEntryModel
	if err := s.getEntity(ctx, entityKey(prefixDLQ, dlqID.String()), &m); err != nil {
		if isRedisNil(err) {
			return nil, webhook.ErrDLQNotFound
		}
		return nil, fmt.Errorf("webhook/redis: get dlq entry: %w", err)
	}
	return fromDLQEntryModel(&m)
}

// Replay marks a DLQ entry as replayed and re-enqueues a fresh pending
// delivery with a full attempt budget.
func (s *Store) Replay(ctx context.Context, dlqID id.ID) error {
	key := entityKey(prefixDLQ, dlqID.String())

	var m dlqEntryModel
	if err := s.getEntity(ctx, key, &m); err != nil {
		if isRedisNil(err) {
			return webhook.ErrDLQNotFound
		}
		return fmt.Errorf("webhook/redis: replay get: %w", err)
	}

	if err := s.replayEntry(ctx, &m); err != nil {
		return err
	}
	return s.setEntity(ctx, key, &m)
}

func (s *Store) replayEntry(ctx context.Context, m *dlqEntryModel) error {
	// Release the pair member so the new delivery is not swallowed by the
	// fan-out dedup.
	if err := s.rdb.SRem(ctx, sDeliveryPairs, pairMember(m.EndpointID, m.EventID)).Err(); err != nil {
		return fmt.Errorf("webhook/redis: replay release pair: %w", err)
	}

	evtID, err := id.ParseEventID(m.EventID)
	if err != nil {
		return fmt.Errorf("parse event ID %q: %w", m.EventID, err)
	}
	epID, err := id.ParseEndpointID(m.EndpointID)
	if err != nil {
		return fmt.Errorf("parse endpoint ID %q: %w", m.EndpointID, err)
	}

	d := &delivery.Delivery{
		Entity:      entity.New(),
		ID:          id.NewDeliveryID(),
		EventID:     evtID,
		EndpointID:  epID,
		State:       delivery.StatePending,
		MaxAttempts: 5,
	}
	if err := s.Enqueue(ctx, d); err != nil {
		return err
	}

	replayedAt := now()
	m.ReplayedAt = &replayedAt
	m.UpdatedAt = replayedAt
	return nil
}

func (s *Store) ReplayBulk(ctx context.Context, from, to time.Time) (int64, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, zDLQAll, &goredis.ZRangeBy{
		Min: fmt.Sprintf("%f", scoreFromTime(from)),
		Max: fmt.Sprintf("%f", scoreFromTime(to)),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("webhook/redis: bulk replay range: %w", err)
	}

	var count int64
	for _, entryID := range ids {
		key := entityKey(prefixDLQ, entryID)
		var m dlqEntryModel
		if err := s.getEntity(ctx, key, &m); err != nil {
			if isRedisNil(err) {
				continue
			}
			return count, err
		}
		if m.ReplayedAt != nil {
			continue
		}
		if err := s.replayEntry(ctx, &m); err != nil {
			return count, err
		}
		if err := s.setEntity(ctx, key, &m); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (s *Store) Purge(ctx context.Context, before time.Time) (int64, error) {
	ids, err := s.rdb.ZRange(ctx, zDLQAll, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("webhook/redis: purge list: %w", err)
	}

	var count int64
	for _, entryID := range ids {
		key := entityKey(prefixDLQ, entryID)
		var m dlqEntryModel
		if err := s.getEntity(ctx, key, &m); err != nil {
			if isRedisNil(err) {
				continue
			}
			return count, err
		}
		if !m.CreatedAt.Before(before) {
			continue
		}
		pipe := s.rdb.Pipeline()
		pipe.Del(ctx, key)
		pipe.ZRem(ctx, zDLQAll, entryID)
		if _, err := pipe.Exec(ctx); err != nil {
			return count, fmt.Errorf("webhook/redis: purge delete: %w", err)
		}
		count++
	}
	return count, nil
}

func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	count, err := s.rdb.ZCard(ctx, zDLQAll).Result()
	if err != nil {
		return 0, fmt.Errorf("webhook/redis: count dlq: %w", err)
	}
	return count, nil
}
