package dlq_test

import (
	"context"
	"testing"
	"time"

	"github.com/lettermill/webhook/delivery"
	"github.com/lettermill/webhook/dlq"
	"github.com/lettermill/webhook/endpoint"
	"github.com/lettermill/webhook/event"
	"github.com/lettermill/webhook/id"
	"github.com/lettermill/webhook/internal/entity"
	"github.com/lettermill/webhook/store/memory"
)

func ctx() context.Context { return context.Background() }

func newService() (*dlq.Service, *memory.Store) {
	store := memory.New()
	return dlq.NewService(store, nil), store
}

// seedFailure persists an endpoint, event, and exhausted delivery, then
// pushes the failure through the service.
func seedFailure(t *testing.T, svc *dlq.Service, store *memory.Store, tenant string) (*endpoint.Endpoint, *event.Event, *delivery.Delivery) {
	t.Helper()

	ep := &endpoint.Endpoint{
		Entity:     entity.New(),
		ID:         id.NewEndpointID(),
		TenantID:   tenant,
		URL:        "https://example.com/webhook",
		Secret:     "whsec_0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
		EventTypes: []string{"email.*"},
		Enabled:    true,
	}
	if err := store.CreateEndpoint(ctx(), ep); err != nil {
		t.Fatal(err)
	}

	evt := &event.Event{
		Entity:     entity.New(),
		ID:         id.NewEventID(),
		TenantID:   tenant,
		Type:       "email.bounced",
		SubjectRef: "msg_01h2x",
		OccurredAt: time.Now().UTC(),
		Payload:    map[string]any{"bounce_type": "hard"},
	}
	if err := store.CreateEvent(ctx(), evt); err != nil {
		t.Fatal(err)
	}

	d := &delivery.Delivery{
		Entity:             entity.New(),
		ID:                 id.NewDeliveryID(),
		EventID:            evt.ID,
		EndpointID:         ep.ID,
		State:              delivery.StateFailed,
		AttemptCount:       5,
		MaxAttempts:        5,
		ResponseStatusCode: 500,
	}
	if err := store.Enqueue(ctx(), d); err != nil {
		t.Fatal(err)
	}
	if err := svc.PushFailed(ctx(), d, ep, evt, "server error", 500); err != nil {
		t.Fatal(err)
	}

	return ep, evt, d
}

func TestPushFailedCapturesSnapshot(t *testing.T) {
	svc, store := newService()
	ep, evt, d := seedFailure(t, svc, store, "acct_1")

	entries, err := svc.List(ctx(), dlq.ListOpts{Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	entry := entries[0]
	if entry.DeliveryID != d.ID || entry.EventID != evt.ID || entry.EndpointID != ep.ID {
		t.Fatalf("entry does not reference the failure: %+v", entry)
	}
	if entry.TenantID != "acct_1" || entry.URL != ep.URL {
		t.Fatalf("entry missing endpoint snapshot: %+v", entry)
	}
	if entry.EventType != "email.bounced" {
		t.Fatalf("expected email.bounced, got %s", entry.EventType)
	}
	if entry.Error != "server error" || entry.LastStatusCode != 500 || entry.AttemptCount != 5 {
		t.Fatalf("entry missing failure detail: %+v", entry)
	}
	if len(entry.Payload) == 0 {
		t.Fatal("entry must snapshot the wire payload")
	}
	if entry.ReplayedAt != nil {
		t.Fatal("fresh entry must not be marked replayed")
	}

	count, err := svc.Count(ctx())
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected count 1, got %d", count)
	}
}

func TestListFiltersByTenantAndEndpoint(t *testing.T) {
	svc, store := newService()
	ep1, _, _ := seedFailure(t, svc, store, "acct_1")
	seedFailure(t, svc, store, "acct_2")

	entries, err := svc.List(ctx(), dlq.ListOpts{TenantID: "acct_1", Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].TenantID != "acct_1" {
		t.Fatalf("tenant filter failed: %v", entries)
	}

	entries, err = svc.List(ctx(), dlq.ListOpts{EndpointID: &ep1.ID, Limit: 10})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].EndpointID != ep1.ID {
		t.Fatalf("endpoint filter failed: %v", entries)
	}
}

func TestReplayEnqueuesFreshDelivery(t *testing.T) {
	svc, store := newService()
	ep, evt, old := seedFailure(t, svc, store, "acct_1")

	entries, _ := svc.List(ctx(), dlq.ListOpts{Limit: 1})
	if err := svc.Replay(ctx(), entries[0].ID); err != nil {
		t.Fatal(err)
	}

	// The entry is marked replayed but kept for the audit trail.
	entry, err := svc.Get(ctx(), entries[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if entry.ReplayedAt == nil {
		t.Fatal("expected ReplayedAt to be set")
	}

	// A fresh pending delivery exists for the same pair.
	batch, err := store.Dequeue(ctx(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(batch) != 1 {
		t.Fatalf("expected 1 due delivery, got %d", len(batch))
	}
	fresh := batch[0]
	if fresh.ID == old.ID {
		t.Fatal("replay must create a new delivery, not revive the old one")
	}
	if fresh.EventID != evt.ID || fresh.EndpointID != ep.ID {
		t.Fatalf("replayed delivery references wrong pair: %+v", fresh)
	}
	if fresh.State != delivery.StatePending || fresh.AttemptCount != 0 {
		t.Fatalf("replayed delivery must start over: %+v", fresh)
	}
}

func TestReplayMissingEntry(t *testing.T) {
	svc, _ := newService()

	err := svc.Replay(ctx(), id.NewDLQID())
	if err == nil {
		t.Fatal("expected error replaying a missing entry")
	}
}

func TestReplayBulkSkipsAlreadyReplayed(t *testing.T) {
	svc, store := newService()
	seedFailure(t, svc, store, "acct_1")
	seedFailure(t, svc, store, "acct_1")

	from := time.Now().UTC().Add(-time.Hour)
	to := time.Now().UTC().Add(time.Hour)

	count, err := svc.ReplayBulk(ctx(), from, to)
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("expected 2 replays, got %d", count)
	}

	// Entries already replayed are not replayed again.
	count, err = svc.ReplayBulk(ctx(), from, to)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("expected 0 replays on second pass, got %d", count)
	}
}

func TestReplayBulkHonorsWindow(t *testing.T) {
	svc, store := newService()
	seedFailure(t, svc, store, "acct_1")

	// A window entirely in the past matches nothing.
	from := time.Now().UTC().Add(-2 * time.Hour)
	to := time.Now().UTC().Add(-time.Hour)

	count, err := svc.ReplayBulk(ctx(), from, to)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("expected 0 replays outside the window, got %d", count)
	}
}

func TestPurge(t *testing.T) {
	svc, store := newService()
	seedFailure(t, svc, store, "acct_1")

	// Nothing is older than an hour ago.
	removed, err := svc.Purge(ctx(), time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if removed != 0 {
		t.Fatalf("expected 0 purged, got %d", removed)
	}

	// Everything is older than an hour from now.
	removed, err = svc.Purge(ctx(), time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 purged, got %d", removed)
	}

	count, _ := svc.Count(ctx())
	if count != 0 {
		t.Fatalf("expected empty DLQ after purge, got %d", count)
	}
}
