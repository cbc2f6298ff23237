package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/lettermill/webhook"
	"github.com/lettermill/webhook/delivery"
	"github.com/lettermill/webhook/dlq"
	"github.com/lettermill/webhook/id"
	"github.com/lettermill/webhook/internal/entity"
)

// Push moves a permanently failed delivery into the DLQ.
func (s *Store) Push(ctx context.Context, entry *dlq.Entry) error {
	m := toDLQEntryModel(entry)
	if _, err := s.db.Collection(colDLQ).InsertOne(ctx, m); err != nil {
		return fmt.Errorf("webhook/mongo: push dlq: %w", err)
	}
	return nil
}

// ListDLQ returns DLQ entries, optionally filtered, most-recent-first.
func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	filter := bson.M{}
	if opts.TenantID != "" {
		filter["tenant_id"] = opts.TenantID
	}
	if opts.EndpointID != nil {
		filter["endpoint_id"] = opts.EndpointID.String()
	}
	failed := bson.M{}
	if opts.From != nil {
		failed["$gte"] = *opts.From
	}
	if opts.To != nil {
		failed["$lte"] = *opts.To
	}
	if len(failed) > 0 {
		filter["failed_at"] = failed
	}

	findOpts := options.Find().
		SetSort(bson.D{{Key: "failed_at", Value: -1}}).
		SetSkip(int64(opts.Offset))
	if opts.Limit > 0 {
		findOpts = findOpts.SetLimit(int64(opts.Limit))
	}

	cur, err := s.db.Collection(colDLQ).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("webhook/mongo: list dlq: %w", err)
	}
	defer cur.Close(ctx)

	var result []*dlq.Entry
	for cur.Next(ctx) {
		var m dlqEntryModel
		if err := cur.Decode(&m); err != nil {
			return nil, fmt.Errorf("webhook/mongo: decode dlq entry: %w", err)
		}
		e, err := fromDLQEntryModel(&m)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, cur.Err()
}

// GetDLQ returns a DLQ entry by ID.
func (s *Store) GetDLQ(ctx context.Context, dlqID id.ID) (*dlq.Entry, error) {
	var m dlqEntryModel
	err := s.db.Collection(colDLQ).
		FindOne(ctx, bson.M{"_id": dlqID.String()}).
		Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, webhook.ErrDLQNotFound
		}
		return nil, fmt.Errorf("webhook/mongo: get dlq entry: %w", err)
	}
	return fromDLQEntryModel(&m)
}

// Replay marks a DLQ entry as replayed and re-enqueues a fresh pending
// delivery with a full attempt budget.
func (s *Store) Replay(ctx context.Context, dlqID id.ID) error {
	var m dlqEntryModel
	err := s.db.Collection(colDLQ).
		FindOne(ctx, bson.M{"_id": dlqID.String()}).
		Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return webhook.ErrDLQNotFound
		}
		return fmt.Errorf("webhook/mongo: replay get: %w", err)
	}
	return s.replayEntry(ctx, &m)
}

func (s *Store) replayEntry(ctx context.Context, m *dlqEntryModel) error {
	evtID, err := id.ParseEventID(m.EventID)
	if err != nil {
		return fmt.Errorf("parse event ID %q: %w", m.EventID, err)
	}
	epID, err := id.ParseEndpointID(m.EndpointID)
	if err != nil {
		return fmt.Errorf("parse endpoint ID %q: %w", m.EndpointID, err)
	}

	// Retire the terminal delivery so the pair index accepts the replay.
	if _, err := s.db.Collection(colDeliveries).DeleteMany(ctx, bson.M{
		"event_id":    m.EventID,
		"endpoint_id": m.EndpointID,
	}); err != nil {
		return fmt.Errorf("webhook/mongo: replay retire: %w", err)
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
	if _, err := s.db.Collection(colDLQ).UpdateOne(ctx,
		bson.M{"_id": m.ID},
		bson.M{"$set": bson.M{"replayed_at": replayedAt, "updated_at": replayedAt}}); err != nil {
		return fmt.Errorf("webhook/mongo: replay mark: %w", err)
	}
	return nil
}

// ReplayBulk replays all unreplayed DLQ entries in a time window.
func (s *Store) ReplayBulk(ctx context.Context, from, to time.Time) (int64, error) {
	cur, err := s.db.Collection(colDLQ).Find(ctx, bson.M{
		"failed_at":   bson.M{"$gte": from, "$lte": to},
		"replayed_at": bson.M{"$exists": false},
	})
	if err != nil {
		return 0, fmt.Errorf("webhook/mongo: bulk replay find: %w", err)
	}
	defer cur.Close(ctx)

	var models []dlqEntryModel
	if err := cur.All(ctx, &models); err != nil {
		return 0, fmt.Errorf("webhook/mongo: bulk replay decode: %w", err)
	}

	var count int64
	for i := range models {
		if err := s.replayEntry(ctx, &models[i]); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// Purge deletes DLQ entries created before a threshold.
func (s *Store) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.Collection(colDLQ).
		DeleteMany(ctx, bson.M{"created_at": bson.M{"$lt": before}})
	if err != nil {
		return 0, fmt.Errorf("webhook/mongo: purge: %w", err)
	}
	return res.DeletedCount, nil
}

// CountDLQ returns the total number of DLQ entries.
func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	count, err := s.db.Collection(colDLQ).CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("webhook/mongo: count dlq: %w", err)
	}
	return count, nil
}
