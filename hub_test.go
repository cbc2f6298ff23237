package webhook_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lettermill/webhook"
	"github.com/lettermill/webhook/delivery"
	"github.com/lettermill/webhook/endpoint"
	"github.com/lettermill/webhook/event"
	"github.com/lettermill/webhook/id"
	"github.com/lettermill/webhook/internal/entity"
	"github.com/lettermill/webhook/store/memory"
)

func ctx() context.Context { return context.Background() }

func setup(t *testing.T) (*webhook.Hub, *memory.Store) {
	t.Helper()
	s := memory.New()
	hub, err := webhook.New(webhook.WithStore(s))
	if err != nil {
		t.Fatal(err)
	}
	return hub, s
}

func createEndpoint(t *testing.T, hub *webhook.Hub, tenantID string, patterns []string) *endpoint.Endpoint {
	t.Helper()
	ep, err := hub.Endpoints().Create(ctx(), tenantID, endpoint.Input{
		URL:        "https://example.com/webhook",
		EventTypes: patterns,
	})
	if err != nil {
		t.Fatal(err)
	}
	return ep
}

func TestNewRequiresStore(t *testing.T) {
	_, err := webhook.New()
	if !errors.Is(err, webhook.ErrNoStore) {
		t.Fatalf("expected ErrNoStore, got %v", err)
	}
}

func TestRecordFansOutToMatchingEndpoints(t *testing.T) {
	hub, s := setup(t)

	createEndpoint(t, hub, "acct_1", []string{"email.bounced"})
	createEndpoint(t, hub, "acct_1", []string{"email.*"})

	evt, err := hub.Record(ctx(), webhook.RecordInput{
		TenantID:   "acct_1",
		Type:       "email.bounced",
		SubjectRef: "msg_01h2x",
		Payload:    map[string]any{"bounce_type": "hard"},
	})
	if err != nil {
		t.Fatal(err)
	}

	if evt.ID.String() == "" {
		t.Fatal("expected event ID to be assigned")
	}
	if evt.Type != "email.bounced" {
		t.Fatalf("expected email.bounced, got %s", evt.Type)
	}

	// 2 endpoints matched → 2 deliveries.
	pending, _ := s.CountPending(ctx())
	if pending != 2 {
		t.Fatalf("expected 2 pending deliveries, got %d", pending)
	}

	deliveries, _ := s.ListByEvent(ctx(), evt.ID)
	if len(deliveries) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(deliveries))
	}
	for _, d := range deliveries {
		if d.State != delivery.StatePending {
			t.Fatalf("expected pending, got %s", d.State)
		}
		if d.MaxAttempts != 5 {
			t.Fatalf("expected default attempt budget of 5, got %d", d.MaxAttempts)
		}
	}
}

func TestRecordAcceptsInternalNames(t *testing.T) {
	hub, _ := setup(t)

	evt, err := hub.Record(ctx(), webhook.RecordInput{
		TenantID: "acct_1",
		Type:     "bounced",
	})
	if err != nil {
		t.Fatal(err)
	}
	if evt.Type != "email.bounced" {
		t.Fatalf("expected internal name to map to email.bounced, got %s", evt.Type)
	}
}

func TestRecordUnknownEventType(t *testing.T) {
	hub, _ := setup(t)

	_, err := hub.Record(ctx(), webhook.RecordInput{
		TenantID: "acct_1",
		Type:     "order.created",
	})
	if !errors.Is(err, webhook.ErrUnknownEventType) {
		t.Fatalf("expected ErrUnknownEventType, got %v", err)
	}
}

func TestRecordNoSubscribersIsANoOp(t *testing.T) {
	hub, s := setup(t)

	evt, err := hub.Record(ctx(), webhook.RecordInput{
		TenantID: "acct_1",
		Type:     "email.opened",
	})
	if err != nil {
		t.Fatal(err)
	}

	// The event is persisted even with nobody listening.
	if _, err := s.GetEvent(ctx(), evt.ID); err != nil {
		t.Fatal(err)
	}
	pending, _ := s.CountPending(ctx())
	if pending != 0 {
		t.Fatalf("expected no deliveries, got %d", pending)
	}
}

func TestRecordFiltersBySubscriptionAndTenant(t *testing.T) {
	hub, s := setup(t)

	matching := createEndpoint(t, hub, "acct_1", []string{"email.bounced"})
	createEndpoint(t, hub, "acct_1", []string{"email.sent"}) // different type
	createEndpoint(t, hub, "acct_2", []string{"email.*"})    // different tenant

	disabled := createEndpoint(t, hub, "acct_1", []string{"email.*"})
	if err := hub.Endpoints().SetEnabled(ctx(), "acct_1", disabled.ID, false); err != nil {
		t.Fatal(err)
	}

	evt, err := hub.Record(ctx(), webhook.RecordInput{
		TenantID: "acct_1",
		Type:     "email.bounced",
	})
	if err != nil {
		t.Fatal(err)
	}

	deliveries, _ := s.ListByEvent(ctx(), evt.ID)
	if len(deliveries) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(deliveries))
	}
	if deliveries[0].EndpointID != matching.ID {
		t.Fatalf("delivery bound to the wrong endpoint: %s", deliveries[0].EndpointID)
	}
}

func TestRecordIdempotencyKeyDeduplicates(t *testing.T) {
	hub, s := setup(t)

	createEndpoint(t, hub, "acct_1", []string{"email.*"})

	in := webhook.RecordInput{
		TenantID:       "acct_1",
		Type:           "email.delivered",
		IdempotencyKey: "prov-evt-42",
	}

	first, err := hub.Record(ctx(), in)
	if err != nil {
		t.Fatal(err)
	}

	// Recording the same occurrence again succeeds without a second fan-out.
	if _, err := hub.Record(ctx(), in); err != nil {
		t.Fatal(err)
	}

	pending, _ := s.CountPending(ctx())
	if pending != 1 {
		t.Fatalf("expected 1 delivery after duplicate record, got %d", pending)
	}

	events, _ := s.ListEventsByTenant(ctx(), "acct_1", event.ListOpts{Limit: 10})
	if len(events) != 1 || events[0].ID != first.ID {
		t.Fatalf("expected a single recorded event, got %d", len(events))
	}
}

func TestRecordAsyncSwallowsErrors(t *testing.T) {
	hub, _ := setup(t)

	// Must not panic or surface anything.
	hub.RecordAsync(ctx(), webhook.RecordInput{
		TenantID: "acct_1",
		Type:     "order.created",
	})
}

func TestSendTest(t *testing.T) {
	hub, s := setup(t)

	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 64)
		n, _ := r.Body.Read(buf)
		body = buf[:n]
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// Created directly in the store so the test server's plain-HTTP URL
	// bypasses registration validation.
	ep := &endpoint.Endpoint{
		Entity:     entity.New(),
		ID:         id.NewEndpointID(),
		TenantID:   "acct_1",
		URL:        srv.URL,
		Secret:     "whsec_0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
		EventTypes: []string{"email.*"},
		Enabled:    true,
	}
	if err := s.CreateEndpoint(ctx(), ep); err != nil {
		t.Fatal(err)
	}

	result, err := hub.SendTest(ctx(), "acct_1", ep.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success || result.StatusCode != 200 {
		t.Fatalf("expected success, got %+v", result)
	}
	if string(body) != `{"message":"ping"}` {
		t.Fatalf("unexpected test body: %s", body)
	}

	// Nothing was persisted for the test delivery.
	pending, _ := s.CountPending(ctx())
	if pending != 0 {
		t.Fatalf("test delivery must not enqueue anything, got %d", pending)
	}

	// Cross-tenant test delivery is rejected.
	if _, err := hub.SendTest(ctx(), "acct_2", ep.ID); !errors.Is(err, endpoint.ErrNotOwned) {
		t.Fatalf("expected ErrNotOwned, got %v", err)
	}
}
