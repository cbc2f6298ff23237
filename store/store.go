// Package store defines the composite Store interface for all webhook
// persistence.
//
// Each subsystem defines its own store interface next to its types; the
// aggregate Store composes them all, so a backend implements one type.
package store

import (
	"context"

	"github.com/lettermill/webhook/delivery"
	"github.com/lettermill/webhook/dlq"
	"github.com/lettermill/webhook/endpoint"
	"github.com/lettermill/webhook/event"
)

// Store is the aggregate persistence interface.
type Store interface {
	endpoint.Store
	event.Store
	delivery.Store
	dlq.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
