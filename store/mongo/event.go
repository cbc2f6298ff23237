package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/lettermill/webhook"
	"github.com/lettermill/webhook/event"
	"github.com/lettermill/webhook/id"
)

// CreateEvent persists an event. Returns ErrDuplicateIdempotencyKey on
// idempotency key conflict.
func (s *Store) CreateEvent(ctx context.Context, evt *event.Event) error {
	m := toEventModel(evt)
	if _, err := s.db.Collection(colEvents).InsertOne(ctx, m); err != nil {
		if mongod.IsDuplicateKeyError(err) {
			return webhook.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("webhook/mongo: create event: %w", err)
	}
	return nil
}

// GetEvent returns an event by ID.
func (s *Store) GetEvent(ctx context.Context, evtID id.ID) (*event.Event, error) {
	var m eventModel
	err := s.db.Collection(colEvents).
		FindOne(ctx, bson.M{"_id": evtID.String()}).
		Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, webhook.ErrEventNotFound
		}
		return nil, fmt.Errorf("webhook/mongo: get event: %w", err)
	}
	return fromEventModel(&m)
}

// ListEvents returns events, optionally filtered, newest first.
func (s *Store) ListEvents(ctx context.Context, opts event.ListOpts) ([]*event.Event, error) {
	return s.listEvents(ctx, bson.M{}, opts)
}

// ListEventsByTenant returns events for a specific tenant, newest first.
func (s *Store) ListEventsByTenant(ctx context.Context, tenantID string, opts event.ListOpts) ([]*event.Event, error) {
	return s.listEvents(ctx, bson.M{"tenant_id": tenantID}, opts)
}

func (s *Store) listEvents(ctx context.Context, filter bson.M, opts event.ListOpts) ([]*event.Event, error) {
	if opts.Type != "" {
		filter["type"] = string(opts.Type)
	}
	occurred := bson.M{}
	if opts.From != nil {
		occurred["$gte"] = *opts.From
	}
	if opts.To != nil {
		occurred["$lte"] = *opts.To
	}
	if len(occurred) > 0 {
		filter["occurred_at"] = occurred
	}

	findOpts := options.Find().
		SetSort(bson.D{{Key: "occurred_at", Value: -1}}).
		SetSkip(int64(opts.Offset))
	if opts.Limit > 0 {
		findOpts = findOpts.SetLimit(int64(opts.Limit))
	}

	cur, err := s.db.Collection(colEvents).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("webhook/mongo: list events: %w", err)
	}
	defer cur.Close(ctx)

	var result []*event.Event
	for cur.Next(ctx) {
		var m eventModel
		if err := cur.Decode(&m); err != nil {
			return nil, fmt.Errorf("webhook/mongo: decode event: %w", err)
		}
		evt, err := fromEventModel(&m)
		if err != nil {
			return nil, err
		}
		result = append(result, evt)
	}
	return result, cur.Err()
}
