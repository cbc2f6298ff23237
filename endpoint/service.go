package endpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/lettermill/webhook/catalog"
	"github.com/lettermill/webhook/id"
	"github.com/lettermill/webhook/internal/entity"
	"github.com/lettermill/webhook/signature"
)

// Registration-time validation errors. Surfaced synchronously to the caller,
// never retried.
var (
	// ErrInsecureURL is returned when an endpoint URL does not use HTTPS.
	ErrInsecureURL = errors.New("endpoint: url must use https")

	// ErrInvalidEventType is returned when a subscription entry is not in
	// the event type catalog.
	ErrInvalidEventType = errors.New("endpoint: unknown event type")

	// ErrMissingField is returned when a required field is absent.
	ErrMissingField = errors.New("endpoint: required field missing")
)

// Service provides tenant-scoped endpoint management.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a new endpoint service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		logger: logger,
	}
}

// Create registers a new webhook endpoint for a tenant. The returned
// endpoint carries the raw signing secret; this is the only time it is
// exposed. All later reads surface SecretPreview instead.
func (svc *Service) Create(ctx context.Context, tenantID string, in Input) (*Endpoint, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id", ErrMissingField)
	}
	if err := validateURL(in.URL); err != nil {
		return nil, err
	}
	if err := validateEventTypes(in.EventTypes); err != nil {
		return nil, err
	}

	ep := &Endpoint{
		Entity:     entity.New(),
		ID:         id.NewEndpointID(),
		TenantID:   tenantID,
		Name:       in.Name,
		URL:        in.URL,
		Secret:     signature.GenerateSecret(),
		EventTypes: in.EventTypes,
		Headers:    in.Headers,
		Enabled:    true,
		RateLimit:  in.RateLimit,
	}

	if err := svc.store.CreateEndpoint(ctx, ep); err != nil {
		return nil, err
	}

	svc.logger.InfoContext(ctx, "endpoint registered",
		"endpoint_id", ep.ID,
		"tenant_id", tenantID,
		"event_types", in.EventTypes,
	)

	return ep, nil
}

// Get returns a tenant's endpoint by ID.
func (svc *Service) Get(ctx context.Context, tenantID string, epID id.ID) (*Endpoint, error) {
	return svc.getOwned(ctx, tenantID, epID)
}

// Update applies a partial update to a tenant's endpoint. Changed URL and
// event type fields go through the same validation as Create.
func (svc *Service) Update(ctx context.Context, tenantID string, epID id.ID, up Update) (*Endpoint, error) {
	ep, err := svc.getOwned(ctx, tenantID, epID)
	if err != nil {
		return nil, err
	}

	if up.URL != nil {
		if err := validateURL(*up.URL); err != nil {
			return nil, err
		}
		ep.URL = *up.URL
	}
	if up.EventTypes != nil {
		if err := validateEventTypes(up.EventTypes); err != nil {
			return nil, err
		}
		ep.EventTypes = up.EventTypes
	}
	if up.Name != nil {
		ep.Name = *up.Name
	}
	if up.Headers != nil {
		ep.Headers = up.Headers
	}
	if up.Enabled != nil {
		ep.Enabled = *up.Enabled
	}
	if up.RateLimit != nil && *up.RateLimit >= 0 {
		ep.RateLimit = *up.RateLimit
	}

	if err := svc.store.UpdateEndpoint(ctx, ep); err != nil {
		return nil, err
	}

	return ep, nil
}

// Delete removes a tenant's endpoint and, by store contract, all of its
// deliveries.
func (svc *Service) Delete(ctx context.Context, tenantID string, epID id.ID) error {
	if _, err := svc.getOwned(ctx, tenantID, epID); err != nil {
		return err
	}
	return svc.store.DeleteEndpoint(ctx, epID)
}

// List returns a tenant's endpoints.
func (svc *Service) List(ctx context.Context, tenantID string, opts ListOpts) ([]*Endpoint, error) {
	return svc.store.ListEndpoints(ctx, tenantID, opts)
}

// SetEnabled enables or disables a tenant's endpoint.
func (svc *Service) SetEnabled(ctx context.Context, tenantID string, epID id.ID, enabled bool) error {
	if _, err := svc.getOwned(ctx, tenantID, epID); err != nil {
		return err
	}
	return svc.store.SetEnabled(ctx, epID, enabled)
}

// RotateSecret generates a new signing secret for a tenant's endpoint and
// returns the raw value exactly once.
func (svc *Service) RotateSecret(ctx context.Context, tenantID string, epID id.ID) (string, error) {
	ep, err := svc.getOwned(ctx, tenantID, epID)
	if err != nil {
		return "", err
	}

	ep.Secret = signature.GenerateSecret()
	if err := svc.store.UpdateEndpoint(ctx, ep); err != nil {
		return "", err
	}

	svc.logger.InfoContext(ctx, "endpoint secret rotated",
		"endpoint_id", epID,
		"tenant_id", tenantID,
	)

	return ep.Secret, nil
}

// getOwned fetches an endpoint and verifies tenant ownership. An endpoint
// owned by another tenant is indistinguishable from a missing one.
func (svc *Service) getOwned(ctx context.Context, tenantID string, epID id.ID) (*Endpoint, error) {
	ep, err := svc.store.GetEndpoint(ctx, epID)
	if err != nil {
		return nil, err
	}
	if ep.TenantID != tenantID {
		return nil, ErrNotOwned
	}
	return ep, nil
}

// ErrNotOwned is returned when an endpoint exists but belongs to a different
// tenant. Callers should present it as not-found.
var ErrNotOwned = errors.New("endpoint: not found for tenant")

func validateURL(raw string) error {
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInsecureURL, raw)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("%w: got scheme %q", ErrInsecureURL, u.Scheme)
	}
	return nil
}

func validateEventTypes(patterns []string) error {
	if len(patterns) == 0 {
		return fmt.Errorf("%w: event_types", ErrMissingField)
	}
	for _, p := range patterns {
		if !catalog.ValidPattern(p) {
			return fmt.Errorf("%w: %q", ErrInvalidEventType, p)
		}
	}
	return nil
}
