package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/lettermill/webhook"
	"github.com/lettermill/webhook/delivery"
	"github.com/lettermill/webhook/id"
)

// Enqueue creates a pending delivery. Duplicate (endpoint, event) pairs are
// absorbed by the unique index, keeping fan-out idempotent.
func (s *Store) Enqueue(ctx context.Context, d *delivery.Delivery) error {
	m := toDeliveryModel(d)
	if _, err := s.db.Collection(colDeliveries).InsertOne(ctx, m); err != nil {
		if mongod.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("webhook/mongo: enqueue: %w", err)
	}
	return nil
}

// EnqueueBatch creates multiple deliveries (fan-out), skipping duplicates.
func (s *Store) EnqueueBatch(ctx context.Context, ds []*delivery.Delivery) error {
	if len(ds) == 0 {
		return nil
	}

	docs := make([]any, len(ds))
	for i, d := range ds {
		docs[i] = toDeliveryModel(d)
	}

	// Unordered insert keeps going past duplicate-pair errors.
	_, err := s.db.Collection(colDeliveries).
		InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil && !mongod.IsDuplicateKeyError(err) {
		return fmt.Errorf("webhook/mongo: enqueue batch: %w", err)
	}
	return nil
}

// Dequeue fetches due deliveries for enabled endpoints. FindOneAndUpdate
// claims each one atomically so concurrent pollers never double-deliver.
func (s *Store) Dequeue(ctx context.Context, limit int) ([]*delivery.Delivery, error) {
	result := make([]*delivery.Delivery, 0, limit)
	t := now()
	staleClaim := t.Add(-claimLease)
	col := s.db.Collection(colDeliveries)

	for range limit {
		filter := bson.M{
			"$or": []bson.M{
				{"state": string(delivery.StatePending)},
				{"state": string(delivery.StateRetryScheduled), "next_retry_at": bson.M{"$lte": t}},
			},
			"$and": []bson.M{
				{"$or": []bson.M{
					{"claimed_at": bson.M{"$exists": false}},
					{"claimed_at": bson.M{"$lt": staleClaim}},
				}},
			},
		}

		update := bson.M{"$set": bson.M{"claimed_at": t, "updated_at": t}}

		opts := options.FindOneAndUpdate().
			SetReturnDocument(options.After).
			SetSort(bson.D{{Key: "next_retry_at", Value: 1}, {Key: "created_at", Value: 1}})

		var m deliveryModel
		err := col.FindOneAndUpdate(ctx, filter, update, opts).Decode(&m)
		if err != nil {
			if isNoDocuments(err) {
				break
			}
			return nil, fmt.Errorf("webhook/mongo: dequeue: %w", err)
		}

		// Deliveries for disabled endpoints stay claimed until the lease
		// expires rather than being attempted.
		var ep endpointModel
		epErr := s.db.Collection(colEndpoints).
			FindOne(ctx, bson.M{"_id": m.EndpointID}).
			Decode(&ep)
		if epErr != nil || !ep.Enabled {
			continue
		}

		d, err := fromDeliveryModel(&m)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}

	return result, nil
}

// UpdateDelivery persists a state transition and releases the claim.
func (s *Store) UpdateDelivery(ctx context.Context, d *delivery.Delivery) error {
	m := toDeliveryModel(d)
	m.UpdatedAt = now()
	m.ClaimedAt = nil

	res, err := s.db.Collection(colDeliveries).
		ReplaceOne(ctx, bson.M{"_id": m.ID}, m)
	if err != nil {
		return fmt.Errorf("webhook/mongo: update delivery: %w", err)
	}
	if res.MatchedCount == 0 {
		return webhook.ErrDeliveryNotFound
	}
	return nil
}

// GetDelivery returns a delivery by ID.
func (s *Store) GetDelivery(ctx context.Context, delID id.ID) (*delivery.Delivery, error) {
	var m deliveryModel
	err := s.db.Collection(colDeliveries).
		FindOne(ctx, bson.M{"_id": delID.String()}).
		Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, webhook.ErrDeliveryNotFound
		}
		return nil, fmt.Errorf("webhook/mongo: get delivery: %w", err)
	}
	return fromDeliveryModel(&m)
}

// ListByEndpoint returns delivery history for an endpoint, most-recent-first.
func (s *Store) ListByEndpoint(ctx context.Context, epID id.ID, opts delivery.ListOpts) ([]*delivery.Delivery, error) {
	if opts.Limit == 0 {
		opts.Limit = delivery.DefaultListLimit
	}

	filter := bson.M{"endpoint_id": epID.String()}
	if opts.State != nil {
		filter["state"] = string(*opts.State)
	}

	findOpts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(int64(opts.Offset)).
		SetLimit(int64(opts.Limit))

	cur, err := s.db.Collection(colDeliveries).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("webhook/mongo: list by endpoint: %w", err)
	}
	defer cur.Close(ctx)

	var result []*delivery.Delivery
	for cur.Next(ctx) {
		var m deliveryModel
		if err := cur.Decode(&m); err != nil {
			return nil, fmt.Errorf("webhook/mongo: decode delivery: %w", err)
		}
		d, err := fromDeliveryModel(&m)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, cur.Err()
}

// ListByEvent returns all deliveries for a specific event.
func (s *Store) ListByEvent(ctx context.Context, evtID id.ID) ([]*delivery.Delivery, error) {
	cur, err := s.db.Collection(colDeliveries).Find(ctx,
		bson.M{"event_id": evtID.String()},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("webhook/mongo: list by event: %w", err)
	}
	defer cur.Close(ctx)

	var result []*delivery.Delivery
	for cur.Next(ctx) {
		var m deliveryModel
		if err := cur.Decode(&m); err != nil {
			return nil, fmt.Errorf("webhook/mongo: decode delivery: %w", err)
		}
		d, err := fromDeliveryModel(&m)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, cur.Err()
}

// CountPending returns the number of deliveries awaiting attempt.
func (s *Store) CountPending(ctx context.Context) (int64, error) {
	count, err := s.db.Collection(colDeliveries).CountDocuments(ctx, bson.M{
		"state": bson.M{"$in": []string{
			string(delivery.StatePending),
			string(delivery.StateRetryScheduled),
		}},
	})
	if err != nil {
		return 0, fmt.Errorf("webhook/mongo: count pending: %w", err)
	}
	return count, nil
}
