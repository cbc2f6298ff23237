package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/lettermill/webhook"
	"github.com/lettermill/webhook/catalog"
	"github.com/lettermill/webhook/endpoint"
	"github.com/lettermill/webhook/id"
)

// CreateEndpoint persists a new endpoint.
func (s *Store) CreateEndpoint(ctx context.Context, ep *endpoint.Endpoint) error {
	m := toEndpointModel(ep)
	if _, err := s.db.Collection(colEndpoints).InsertOne(ctx, m); err != nil {
		return fmt.Errorf("webhook/mongo: create endpoint: %w", err)
	}
	return nil
}

// GetEndpoint returns an endpoint by ID.
func (s *Store) GetEndpoint(ctx context.Context, epID id.ID) (*endpoint.Endpoint, error) {
	var m endpointModel
	err := s.db.Collection(colEndpoints).
		FindOne(ctx, bson.M{"_id": epID.String()}).
		Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, webhook.ErrEndpointNotFound
		}
		return nil, fmt.Errorf("webhook/mongo: get endpoint: %w", err)
	}
	return fromEndpointModel(&m)
}

// UpdateEndpoint modifies an existing endpoint.
func (s *Store) UpdateEndpoint(ctx context.Context, ep *endpoint.Endpoint) error {
	m := toEndpointModel(ep)
	m.UpdatedAt = now()

	res, err := s.db.Collection(colEndpoints).
		ReplaceOne(ctx, bson.M{"_id": m.ID}, m)
	if err != nil {
		return fmt.Errorf("webhook/mongo: update endpoint: %w", err)
	}
	if res.MatchedCount == 0 {
		return webhook.ErrEndpointNotFound
	}
	return nil
}

// DeleteEndpoint removes an endpoint and cascades to its deliveries.
func (s *Store) DeleteEndpoint(ctx context.Context, epID id.ID) error {
	res, err := s.db.Collection(colEndpoints).
		DeleteOne(ctx, bson.M{"_id": epID.String()})
	if err != nil {
		return fmt.Errorf("webhook/mongo: delete endpoint: %w", err)
	}
	if res.DeletedCount == 0 {
		return webhook.ErrEndpointNotFound
	}

	if _, err := s.db.Collection(colDeliveries).
		DeleteMany(ctx, bson.M{"endpoint_id": epID.String()}); err != nil {
		return fmt.Errorf("webhook/mongo: delete endpoint deliveries: %w", err)
	}
	return nil
}

// ListEndpoints returns endpoints for a tenant, optionally filtered.
func (s *Store) ListEndpoints(ctx context.Context, tenantID string, opts endpoint.ListOpts) ([]*endpoint.Endpoint, error) {
	filter := bson.M{"tenant_id": tenantID}
	if opts.Enabled != nil {
		filter["enabled"] = *opts.Enabled
	}

	findOpts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}}).
		SetSkip(int64(opts.Offset))
	if opts.Limit > 0 {
		findOpts = findOpts.SetLimit(int64(opts.Limit))
	}

	cur, err := s.db.Collection(colEndpoints).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("webhook/mongo: list endpoints: %w", err)
	}
	defer cur.Close(ctx)

	var result []*endpoint.Endpoint
	for cur.Next(ctx) {
		var m endpointModel
		if err := cur.Decode(&m); err != nil {
			return nil, fmt.Errorf("webhook/mongo: decode endpoint: %w", err)
		}
		ep, err := fromEndpointModel(&m)
		if err != nil {
			return nil, err
		}
		result = append(result, ep)
	}
	return result, cur.Err()
}

// Resolve finds all enabled endpoints of a tenant subscribed to an event
// type. Wildcard patterns are matched in-process.
func (s *Store) Resolve(ctx context.Context, tenantID string, eventType catalog.Type) ([]*endpoint.Endpoint, error) {
	cur, err := s.db.Collection(colEndpoints).
		Find(ctx, bson.M{"tenant_id": tenantID, "enabled": true})
	if err != nil {
		return nil, fmt.Errorf("webhook/mongo: resolve: %w", err)
	}
	defer cur.Close(ctx)

	var result []*endpoint.Endpoint
	for cur.Next(ctx) {
		var m endpointModel
		if err := cur.Decode(&m); err != nil {
			return nil, fmt.Errorf("webhook/mongo: decode endpoint: %w", err)
		}
		for _, pattern := range m.EventTypes {
			if catalog.Match(pattern, eventType) {
				ep, err := fromEndpointModel(&m)
				if err != nil {
					return nil, err
				}
				result = append(result, ep)
				break
			}
		}
	}
	return result, cur.Err()
}

// SetEnabled enables or disables an endpoint.
func (s *Store) SetEnabled(ctx context.Context, epID id.ID, enabled bool) error {
	res, err := s.db.Collection(colEndpoints).UpdateOne(ctx,
		bson.M{"_id": epID.String()},
		bson.M{"$set": bson.M{"enabled": enabled, "updated_at": now()}})
	if err != nil {
		return fmt.Errorf("webhook/mongo: set enabled: %w", err)
	}
	if res.MatchedCount == 0 {
		return webhook.ErrEndpointNotFound
	}
	return nil
}
