// Package endpoint manages tenant-registered webhook delivery targets.
package endpoint

import (
	"github.com/lettermill/webhook/id"
	"github.com/lettermill/webhook/internal/entity"
	"github.com/lettermill/webhook/signature"
)

// Endpoint represents a webhook delivery target registered by a tenant.
type Endpoint struct {
	entity.Entity

	// ID is the unique TypeID for this endpoint.
	ID id.ID `json:"id"`

	// TenantID identifies the tenant that owns this endpoint.
	TenantID string `json:"tenant_id"`

	// Name is a human-readable label for this endpoint.
	Name string `json:"name"`

	// URL is the delivery URL. Always HTTPS.
	URL string `json:"url"`

	// Secret is the HMAC signing secret. Never serialized; reads outside
	// creation and rotation expose SecretPreview only.
	Secret string `json:"-"`

	// EventTypes are the event type subscriptions. Entries are catalog type
	// names or wildcard patterns over the catalog ("email.*", "*").
	EventTypes []string `json:"event_types"`

	// Headers are custom HTTP headers sent with each delivery.
	Headers map[string]string `json:"headers,omitempty"`

	// Enabled indicates whether the endpoint receives deliveries.
	Enabled bool `json:"enabled"`

	// RateLimit is the maximum deliveries per second. 0 means unlimited.
	RateLimit int `json:"rate_limit"`
}

// SecretPreview returns the non-reversible preview of the signing secret:
// its first 8 hex characters plus an ellipsis.
func (ep *Endpoint) SecretPreview() string {
	return signature.Preview(ep.Secret)
}

// ListOpts configures filtering and pagination for endpoint listing.
type ListOpts struct {
	Offset  int
	Limit   int
	Enabled *bool
}
