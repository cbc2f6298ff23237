package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/lettermill/webhook"
	"github.com/lettermill/webhook/delivery"
	"github.com/lettermill/webhook/id"
	"github.com/lettermill/webhook/internal/entity"
)

// deliveryModel is the JSON representation stored in Redis.
type deliveryModel struct {
	ID                 string     `json:"id"`
	EventID            string     `json:"event_id"`
	EndpointID         string     `json:"endpoint_id"`
	State              string     `json:"state"`
	AttemptCount       int        `json:"attempt_count"`
	MaxAttempts        int        `json:"max_attempts"`
	LastAttemptAt      *time.Time `json:"last_attempt_at,omitempty"`
	NextRetryAt        *time.Time `json:"next_retry_at,omitempty"`
	ResponseStatusCode int        `json:"response_status_code,omitempty"`
	ResponseExcerpt    string     `json:"response_excerpt,omitempty"`
	LastError          string     `json:"last_error,omitempty"`
	LastLatencyMs      int        `json:"last_latency_ms,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
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

// dequeueScript atomically claims due delivery IDs from the sorted set.
// KEYS[1] = webhook:z:del:due
// ARGV[1] = current unix timestamp (score threshold)
// ARGV[2] = limit
var dequeueScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
if #ids == 0 then return {} end
for i, id in ipairs(ids) do
    redis.call('ZREM', KEYS[1], id)
end
return ids
`)

func (s *Store) Enqueue(ctx context.Context, d *delivery.Delivery) error {
	return s.EnqueueBatch(ctx, []*delivery.Delivery{d})
}

func (s *Store) EnqueueBatch(ctx context.Context, ds []*delivery.Delivery) error {
	if len(ds) == 0 {
		return nil
	}

	for _, d := range ds {
		m := toDeliveryModel(d)

		// Dedup on the (endpoint, event) pair. SADD returns 0 when the
		// member already exists, making fan-out idempotent.
		added, err := s.rdb.SAdd(ctx, sDeliveryPairs, pairMember(m.EndpointID, m.EventID)).Result()
		if err != nil {
			return fmt.Errorf("webhook/redis: enqueue pair dedup: %w", err)
		}
		if added == 0 {
			continue
		}

		raw, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("webhook/redis: enqueue marshal: %w", err)
		}

		dueScore := scoreFromTime(m.CreatedAt)
		if m.NextRetryAt != nil {
			dueScore = scoreFromTime(*m.NextRetryAt)
		}

		pipe := s.rdb.Pipeline()
		pipe.Set(ctx, entityKey(prefixDelivery, m.ID), raw, 0)
		pipe.ZAdd(ctx, zDeliveryDue, goredis.Z{Score: dueScore, Member: m.ID})
		pipe.ZAdd(ctx, zDeliveryEP+m.EndpointID, goredis.Z{Score: scoreFromTime(m.CreatedAt), Member: m.ID})
		pipe.ZAdd(ctx, zDeliveryEvt+m.EventID, goredis.Z{Score: scoreFromTime(m.CreatedAt), Member: m.ID})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("webhook/redis: enqueue delivery: %w", err)
		}
	}
	return nil
}

func (s *Store) Dequeue(ctx context.Context, limit int) ([]*delivery.Delivery, error) {
	// Atomically claim due delivery IDs. Claimed IDs leave the due set and
	// only re-enter it through UpdateDelivery, so no other poller can pick
	// them up mid-attempt.
	nowScore := fmt.Sprintf("%f", scoreFromTime(now()))
	result, err := dequeueScript.Run(ctx, s.rdb, []string{zDeliveryDue}, nowScore, limit).StringSlice()
	if err != nil {
		if isRedisNil(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("webhook/redis: dequeue script: %w", err)
	}
	if len(result) == 0 {
		return nil, nil
	}

	deliveries := make([]*delivery.Delivery, 0, len(result))
	for _, entryID := range result {
		var m deliveryModel
		if err := s.getEntity(ctx, entityKey(prefixDelivery, entryID), &m); err != nil {
			if isRedisNil(err) {
				continue
			}
			return nil, fmt.Errorf("webhook/redis: dequeue get: %w", err)
		}

		// Skip deliveries for missing or disabled endpoints: defer them
		// instead of attempting, they re-enter the due set when the
		// endpoint is re-enabled via UpdateDelivery or on the next pass.
		var ep endpointModel
		epErr := s.getEntity(ctx, entityKey(prefixEndpoint, m.EndpointID), &ep)
		if epErr != nil || !ep.Enabled {
			s.rdb.ZAdd(ctx, zDeliveryDue, goredis.Z{
				Score:  scoreFromTime(now().Add(time.Minute)),
				Member: m.ID,
			})
			continue
		}

		d, err := fromDeliveryModel(&m)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}

	return deliveries, nil
}

func (s *Store) UpdateDelivery(ctx context.Context, d *delivery.Delivery) error {
	m := toDeliveryModel(d)
	m.UpdatedAt = now()
	key := entityKey(prefixDelivery, m.ID)

	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("webhook/redis: update delivery exists: %w", err)
	}
	if exists == 0 {
		return webhook.ErrDeliveryNotFound
	}

	if err := s.setEntity(ctx, key, m); err != nil {
		return fmt.Errorf("webhook/redis: update delivery: %w", err)
	}

	// Non-terminal states re-enter the due set.
	switch d.State {
	case delivery.StatePending:
		s.rdb.ZAdd(ctx, zDeliveryDue, goredis.Z{Score: scoreFromTime(m.CreatedAt), Member: m.ID})
	case delivery.StateRetryScheduled:
		if m.NextRetryAt != nil {
			s.rdb.ZAdd(ctx, zDeliveryDue, goredis.Z{Score: scoreFromTime(*m.NextRetryAt), Member: m.ID})
		}
	}
	return nil
}

func (s *Store) GetDelivery(ctx context.Context, delID id.ID) (*delivery.Delivery, error) {
	var m deliveryModel
	if err := s.getEntity(ctx, entityKey(prefixDelivery, delID.String()), &m); err != nil {
		if isRedisNil(err) {
			return nil, webhook.ErrDeliveryNotFound
		}
		return nil, fmt.Errorf("webhook/redis: get delivery: %w", err)
	}
	return fromDeliveryModel(&m)
}

func (s *Store) ListByEndpoint(ctx context.Context, epID id.ID, opts delivery.ListOpts) ([]*delivery.Delivery, error) {
	if opts.Limit == 0 {
		opts.Limit = delivery.DefaultListLimit
	}

	ids, err := s.rdb.ZRevRange(ctx, zDeliveryEP+epID.String(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("webhook/redis: list by endpoint: %w", err)
	}

	result := make([]*delivery.Delivery, 0, len(ids))
	for _, entryID := range ids {
		var m deliveryModel
		if err := s.getEntity(ctx, entityKey(prefixDelivery, entryID), &m); err != nil {
			if isRedisNil(err) {
				continue
			}
			return nil, err
		}
		if opts.State != nil && delivery.State(m.State) != *opts.State {
			continue
		}
		d, err := fromDeliveryModel(&m)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}

	return applyPagination(result, opts.Offset, opts.Limit), nil
}

func (s *Store) ListByEvent(ctx context.Context, evtID id.ID) ([]*delivery.Delivery, error) {
	ids, err := s.rdb.ZRange(ctx, zDeliveryEvt+evtID.String(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("webhook/redis: list by event: %w", err)
	}

	result := make([]*delivery.Delivery, 0, len(ids))
	for _, entryID := range ids {
		var m deliveryModel
		if err := s.getEntity(ctx, entityKey(prefixDelivery, entryID), &m); err != nil {
			if isRedisNil(err) {
				continue
			}
			return nil, err
		}
		d, err := fromDeliveryModel(&m)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, nil
}

func (s *Store) CountPending(ctx context.Context) (int64, error) {
	count, err := s.rdb.ZCard(ctx, zDeliveryDue).Result()
	if err != nil {
		return 0, fmt.Errorf("webhook/redis: count pending: %w", err)
	}
	return count, nil
}

// deleteDeliveriesForEndpoint removes all deliveries and index entries for
// an endpoint. Called when the endpoint itself is deleted.
func (s *Store) deleteDeliveriesForEndpoint(ctx context.Context, epID string) error {
	ids, err := s.rdb.ZRange(ctx, zDeliveryEP+epID, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("webhook/redis: cascade list: %w", err)
	}

	pipe := s.rdb.Pipeline()
	for _, entryID := range ids {
		var m deliveryModel
		if err := s.getEntity(ctx, entityKey(prefixDelivery, entryID), &m); err == nil {
			pipe.ZRem(ctx, zDeliveryEvt+m.EventID, entryID)
			pipe.SRem(ctx, sDeliveryPairs, pairMember(m.EndpointID, m.EventID))
		}
		pipe.Del(ctx, entityKey(prefixDelivery, entryID))
		pipe.ZRem(ctx, zDeliveryDue, entryID)
	}
	pipe.Del(ctx, zDeliveryEP+epID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("webhook/redis: cascade delete: %w", err)
	}
	return nil
}
