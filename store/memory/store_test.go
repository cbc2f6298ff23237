package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lettermill/webhook"
	"github.com/lettermill/webhook/catalog"
	"github.com/lettermill/webhook/delivery"
	"github.com/lettermill/webhook/dlq"
	"github.com/lettermill/webhook/endpoint"
	"github.com/lettermill/webhook/event"
	"github.com/lettermill/webhook/id"
	"github.com/lettermill/webhook/internal/entity"
)

func newEndpoint(tenantID string, types ...string) *endpoint.Endpoint {
	return &endpoint.Endpoint{
		Entity:     entity.New(),
		ID:         id.NewEndpointID(),
		TenantID:   tenantID,
		Name:       "test endpoint",
		URL:        "https://example.com/hooks",
		Secret:     "whsec_secret",
		EventTypes: types,
		Enabled:    true,
	}
}

func newEvent(tenantID string, t catalog.Type) *event.Event {
	return &event.Event{
		Entity:     entity.New(),
		ID:         id.NewEventID(),
		TenantID:   tenantID,
		Type:       t,
		OccurredAt: time.Now().UTC(),
	}
}

func newDelivery(epID, evtID id.ID) *delivery.Delivery {
	return &delivery.Delivery{
		Entity:      entity.New(),
		ID:          id.NewDeliveryID(),
		EventID:     evtID,
		EndpointID:  epID,
		State:       delivery.StatePending,
		MaxAttempts: 5,
	}
}

func TestEndpointCRUD(t *testing.T) {
	ctx := context.Background()
	s := New()

	ep := newEndpoint("acme", "email.sent")
	if err := s.CreateEndpoint(ctx, ep); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetEndpoint(ctx, ep.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.URL != ep.URL {
		t.Errorf("url = %q, want %q", got.URL, ep.URL)
	}

	got.Name = "renamed"
	if err := s.UpdateEndpoint(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := s.DeleteEndpoint(ctx, ep.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetEndpoint(ctx, ep.ID); !errors.Is(err, webhook.ErrEndpointNotFound) {
		t.Errorf("get after delete: %v, want ErrEndpointNotFound", err)
	}
}

func TestResolveFiltersTenantTypeAndEnabled(t *testing.T) {
	ctx := context.Background()
	s := New()

	matching := newEndpoint("acme", "email.bounced")
	wildcard := newEndpoint("acme", "email.*")
	otherType := newEndpoint("acme", "email.sent")
	otherTenant := newEndpoint("globex", "email.bounced")
	disabled := newEndpoint("acme", "email.bounced")
	disabled.Enabled = false

	for _, ep := range []*endpoint.Endpoint{matching, wildcard, otherType, otherTenant, disabled} {
		if err := s.CreateEndpoint(ctx, ep); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	eps, err := s.Resolve(ctx, "acme", catalog.TypeEmailBounced)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(eps) != 2 {
		t.Fatalf("resolved %d endpoints, want 2", len(eps))
	}
	for _, ep := range eps {
		if ep.ID == otherType.ID || ep.ID == otherTenant.ID || ep.ID == disabled.ID {
			t.Errorf("resolved unexpected endpoint %s", ep.ID)
		}
	}
}

func TestCreateEventIdempotencyKeyConflict(t *testing.T) {
	ctx := context.Background()
	s := New()

	first := newEvent("acme", catalog.TypeEmailSent)
	first.IdempotencyKey = "key-1"
	if err := s.CreateEvent(ctx, first); err != nil {
		t.Fatalf("create first: %v", err)
	}

	dup := newEvent("acme", catalog.TypeEmailSent)
	dup.IdempotencyKey = "key-1"
	if err := s.CreateEvent(ctx, dup); !errors.Is(err, webhook.ErrDuplicateIdempotencyKey) {
		t.Fatalf("create duplicate: %v, want ErrDuplicateIdempotencyKey", err)
	}

	// Empty keys never conflict.
	for range 2 {
		if err := s.CreateEvent(ctx, newEvent("acme", catalog.TypeEmailSent)); err != nil {
			t.Fatalf("create keyless: %v", err)
		}
	}
}

func TestEnqueueBatchSkipsDuplicatePairs(t *testing.T) {
	ctx := context.Background()
	s := New()

	ep := newEndpoint("acme", "email.sent")
	evt := newEvent("acme", catalog.TypeEmailSent)
	if err := s.CreateEndpoint(ctx, ep); err != nil {
		t.Fatal(err)
	}

	if err := s.EnqueueBatch(ctx, []*delivery.Delivery{
		newDelivery(ep.ID, evt.ID),
		newDelivery(ep.ID, evt.ID),
	}); err != nil {
		t.Fatalf("enqueue batch: %v", err)
	}

	ds, err := s.ListByEvent(ctx, evt.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(ds) != 1 {
		t.Errorf("got %d deliveries, want 1", len(ds))
	}
}

func TestDequeueReturnsOnlyDue(t *testing.T) {
	ctx := context.Background()
	s := New()

	ep := newEndpoint("acme", "email.sent")
	if err := s.CreateEndpoint(ctx, ep); err != nil {
		t.Fatal(err)
	}

	pending := newDelivery(ep.ID, id.NewEventID())

	dueRetry := newDelivery(ep.ID, id.NewEventID())
	dueRetry.State = delivery.StateRetryScheduled
	past := time.Now().Add(-time.Minute)
	dueRetry.NextRetryAt = &past

	futureRetry := newDelivery(ep.ID, id.NewEventID())
	futureRetry.State = delivery.StateRetryScheduled
	future := time.Now().Add(time.Hour)
	futureRetry.NextRetryAt = &future

	sent := newDelivery(ep.ID, id.NewEventID())
	sent.State = delivery.StateSent

	failed := newDelivery(ep.ID, id.NewEventID())
	failed.State = delivery.StateFailed

	if err := s.EnqueueBatch(ctx, []*delivery.Delivery{pending, dueRetry, futureRetry, sent, failed}); err != nil {
		t.Fatal(err)
	}

	ds, err := s.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(ds) != 2 {
		t.Fatalf("dequeued %d deliveries, want 2", len(ds))
	}
	for _, d := range ds {
		if d.ID == futureRetry.ID || d.ID == sent.ID || d.ID == failed.ID {
			t.Errorf("dequeued unexpected delivery %s in state %s", d.ID, d.State)
		}
	}
}

func TestDequeueSkipsDisabledEndpoints(t *testing.T) {
	ctx := context.Background()
	s := New()

	ep := newEndpoint("acme", "email.sent")
	ep.Enabled = false
	if err := s.CreateEndpoint(ctx, ep); err != nil {
		t.Fatal(err)
	}
	if err := s.Enqueue(ctx, newDelivery(ep.ID, id.NewEventID())); err != nil {
		t.Fatal(err)
	}

	ds, err := s.Dequeue(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ds) != 0 {
		t.Errorf("dequeued %d deliveries for disabled endpoint, want 0", len(ds))
	}
}

func TestDequeueLocksUntilUpdate(t *testing.T) {
	ctx := context.Background()
	s := New()

	ep := newEndpoint("acme", "email.sent")
	if err := s.CreateEndpoint(ctx, ep); err != nil {
		t.Fatal(err)
	}
	d := newDelivery(ep.ID, id.NewEventID())
	if err := s.Enqueue(ctx, d); err != nil {
		t.Fatal(err)
	}

	first, err := s.Dequeue(ctx, 10)
	if err != nil || len(first) != 1 {
		t.Fatalf("first dequeue: %v, %d deliveries", err, len(first))
	}

	second, err := s.Dequeue(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 0 {
		t.Fatalf("second dequeue returned %d locked deliveries, want 0", len(second))
	}

	// Updating to a non-terminal due state releases the lock.
	got := first[0]
	got.AttemptCount = 1
	got.State = delivery.StateRetryScheduled
	now := time.Now().Add(-time.Second)
	got.NextRetryAt = &now
	if err := s.UpdateDelivery(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}

	third, err := s.Dequeue(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(third) != 1 {
		t.Errorf("dequeue after update returned %d deliveries, want 1", len(third))
	}
}

func TestDeleteEndpointCascadesDeliveries(t *testing.T) {
	ctx := context.Background()
	s := New()

	ep := newEndpoint("acme", "email.sent")
	if err := s.CreateEndpoint(ctx, ep); err != nil {
		t.Fatal(err)
	}
	evt := newEvent("acme", catalog.TypeEmailSent)
	d := newDelivery(ep.ID, evt.ID)
	if err := s.Enqueue(ctx, d); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteEndpoint(ctx, ep.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetDelivery(ctx, d.ID); !errors.Is(err, webhook.ErrDeliveryNotFound) {
		t.Errorf("delivery survived endpoint delete: %v", err)
	}
}

func TestListByEndpointMostRecentFirst(t *testing.T) {
	ctx := context.Background()
	s := New()

	ep := newEndpoint("acme", "email.sent")
	if err := s.CreateEndpoint(ctx, ep); err != nil {
		t.Fatal(err)
	}

	var last id.ID
	base := time.Now().Add(-time.Hour)
	for i := range 3 {
		d := newDelivery(ep.ID, id.NewEventID())
		d.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		last = d.ID
		if err := s.Enqueue(ctx, d); err != nil {
			t.Fatal(err)
		}
	}

	ds, err := s.ListByEndpoint(ctx, ep.ID, delivery.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(ds) != 3 {
		t.Fatalf("got %d deliveries, want 3", len(ds))
	}
	if ds[0].ID != last {
		t.Errorf("first listed = %s, want most recent %s", ds[0].ID, last)
	}
}

func TestDLQReplayCreatesFreshDelivery(t *testing.T) {
	ctx := context.Background()
	s := New()

	ep := newEndpoint("acme", "email.sent")
	if err := s.CreateEndpoint(ctx, ep); err != nil {
		t.Fatal(err)
	}
	evt := newEvent("acme", catalog.TypeEmailSent)

	failed := newDelivery(ep.ID, evt.ID)
	failed.State = delivery.StateFailed
	failed.AttemptCount = 5
	if err := s.Enqueue(ctx, failed); err != nil {
		t.Fatal(err)
	}

	entry := &dlq.Entry{
		Entity:     entity.New(),
		ID:         id.NewDLQID(),
		DeliveryID: failed.ID,
		EventID:    evt.ID,
		EndpointID: ep.ID,
		EventType:  catalog.TypeEmailSent,
		TenantID:   "acme",
		FailedAt:   time.Now().UTC(),
	}
	if err := s.Push(ctx, entry); err != nil {
		t.Fatal(err)
	}

	if err := s.Replay(ctx, entry.ID); err != nil {
		t.Fatalf("replay: %v", err)
	}

	got, err := s.GetDLQ(ctx, entry.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ReplayedAt == nil {
		t.Error("ReplayedAt not set after replay")
	}

	ds, err := s.Dequeue(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ds) != 1 {
		t.Fatalf("dequeued %d deliveries after replay, want 1", len(ds))
	}
	if ds[0].State != delivery.StatePending || ds[0].AttemptCount != 0 {
		t.Errorf("replayed delivery state=%s attempts=%d, want pending with 0 attempts", ds[0].State, ds[0].AttemptCount)
	}
}

func TestReplayBulkWindowAndOnce(t *testing.T) {
	ctx := context.Background()
	s := New()

	ep := newEndpoint("acme", "email.sent")
	if err := s.CreateEndpoint(ctx, ep); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	inWindow := &dlq.Entry{
		Entity: entity.New(), ID: id.NewDLQID(),
		EventID: id.NewEventID(), EndpointID: ep.ID,
		TenantID: "acme", FailedAt: now.Add(-time.Hour),
	}
	outside := &dlq.Entry{
		Entity: entity.New(), ID: id.NewDLQID(),
		EventID: id.NewEventID(), EndpointID: ep.ID,
		TenantID: "acme", FailedAt: now.Add(-48 * time.Hour),
	}
	for _, e := range []*dlq.Entry{inWindow, outside} {
		if err := s.Push(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	count, err := s.ReplayBulk(ctx, now.Add(-2*time.Hour), now)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("replayed %d entries, want 1", count)
	}

	// Already-replayed entries are skipped on a second pass.
	count, err = s.ReplayBulk(ctx, now.Add(-2*time.Hour), now)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("second bulk replay touched %d entries, want 0", count)
	}
}

func TestPingAfterClose(t *testing.T) {
	s := New()
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("ping open store: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Ping(context.Background()); !errors.Is(err, webhook.ErrStoreClosed) {
		t.Errorf("ping closed store: %v, want ErrStoreClosed", err)
	}
}
