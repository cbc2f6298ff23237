package delivery_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lettermill/webhook/delivery"
	"github.com/lettermill/webhook/endpoint"
	"github.com/lettermill/webhook/event"
	"github.com/lettermill/webhook/id"
	"github.com/lettermill/webhook/internal/entity"
	"github.com/lettermill/webhook/store/memory"
)

// stubDLQ is a simple DLQ pusher that records pushed deliveries.
type stubDLQ struct {
	count atomic.Int32
}

func (s *stubDLQ) PushFailed(_ context.Context, _ *delivery.Delivery, _ *endpoint.Endpoint, _ *event.Event, _ string, _ int) error {
	s.count.Add(1)
	return nil
}

func setupEngine(t *testing.T, handler http.Handler, dlq delivery.DLQPusher) (*memory.Store, *delivery.Engine, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)

	store := memory.New()
	cfg := delivery.EngineConfig{
		Concurrency:    2,
		PollInterval:   50 * time.Millisecond,
		BatchSize:      10,
		RequestTimeout: 5 * time.Second,
		RetrySchedule:  []time.Duration{10 * time.Millisecond, 20 * time.Millisecond},
	}

	engine := delivery.NewEngine(store, dlq, cfg, nil)
	return store, engine, srv
}

func createTestData(t *testing.T, store *memory.Store, url string) (*endpoint.Endpoint, *delivery.Delivery) {
	t.Helper()
	ctx := context.Background()

	ep := &endpoint.Endpoint{
		Entity:     entity.New(),
		ID:         id.NewEndpointID(),
		TenantID:   "acct_1",
		URL:        url,
		Secret:     "whsec_0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
		EventTypes: []string{"email.bounced"},
		Enabled:    true,
	}
	if err := store.CreateEndpoint(ctx, ep); err != nil {
		t.Fatal(err)
	}

	evt := &event.Event{
		Entity:     entity.New(),
		ID:         id.NewEventID(),
		TenantID:   "acct_1",
		Type:       "email.bounced",
		OccurredAt: time.Now().UTC(),
		Payload:    map[string]any{"bounce_type": "hard"},
	}
	if err := store.CreateEvent(ctx, evt); err != nil {
		t.Fatal(err)
	}

	del := &delivery.Delivery{
		Entity:      entity.New(),
		ID:          id.NewDeliveryID(),
		EventID:     evt.ID,
		EndpointID:  ep.ID,
		State:       delivery.StatePending,
		MaxAttempts: 3,
	}
	if err := store.Enqueue(ctx, del); err != nil {
		t.Fatal(err)
	}

	return ep, del
}

// waitForState polls until the delivery reaches the wanted state or the
// deadline passes.
func waitForState(t *testing.T, store *memory.Store, delID id.ID, want delivery.State) *delivery.Delivery {
	t.Helper()
	ctx := context.Background()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for state %s", want)
		default:
		}

		got, err := store.GetDelivery(ctx, delID)
		if err != nil {
			t.Fatal(err)
		}
		if got.State == want {
			return got
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestEngineDeliversSuccessfully(t *testing.T) {
	var delivered atomic.Int32

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		delivered.Add(1)
		w.WriteHeader(http.StatusOK)
	})

	dlq := &stubDLQ{}
	store, engine, srv := setupEngine(t, handler, dlq)
	defer srv.Close()

	_, del := createTestData(t, store, srv.URL)

	ctx := context.Background()
	engine.Start(ctx)
	got := waitForState(t, store, del.ID, delivery.StateSent)
	engine.Stop(ctx)

	if delivered.Load() != 1 {
		t.Fatalf("expected 1 delivery, got %d", delivered.Load())
	}
	if got.AttemptCount != 1 {
		t.Fatalf("expected 1 attempt, got %d", got.AttemptCount)
	}
	if got.NextRetryAt != nil {
		t.Fatal("sent delivery must not carry a retry time")
	}
	if got.CompletedAt == nil {
		t.Fatal("sent delivery must record completion time")
	}
	if dlq.count.Load() != 0 {
		t.Fatal("expected no DLQ pushes")
	}
}

func TestEngineRetriesAndSucceeds(t *testing.T) {
	var attempts atomic.Int32

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	dlq := &stubDLQ{}
	store, engine, srv := setupEngine(t, handler, dlq)
	defer srv.Close()

	_, del := createTestData(t, store, srv.URL)

	ctx := context.Background()
	engine.Start(ctx)
	got := waitForState(t, store, del.ID, delivery.StateSent)
	engine.Stop(ctx)

	if attempts.Load() < 3 {
		t.Fatalf("expected at least 3 attempts, got %d", attempts.Load())
	}
	if got.AttemptCount != 3 {
		t.Fatalf("expected attempt count 3, got %d", got.AttemptCount)
	}
	if dlq.count.Load() != 0 {
		t.Fatal("expected no DLQ pushes")
	}
}

func TestEngineExhaustsRetriesAndDLQs(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	dlqPusher := &stubDLQ{}
	store, engine, srv := setupEngine(t, handler, dlqPusher)
	defer srv.Close()

	_, del := createTestData(t, store, srv.URL)

	ctx := context.Background()
	engine.Start(ctx)
	got := waitForState(t, store, del.ID, delivery.StateFailed)
	engine.Stop(ctx)

	if got.AttemptCount != got.MaxAttempts {
		t.Fatalf("expected exactly %d attempts, got %d", got.MaxAttempts, got.AttemptCount)
	}
	if got.ResponseStatusCode != 500 {
		t.Fatalf("expected last status 500, got %d", got.ResponseStatusCode)
	}
	if dlqPusher.count.Load() != 1 {
		t.Fatalf("expected 1 DLQ push, got %d", dlqPusher.count.Load())
	}
}

func TestEngineSkipsDisabledEndpoints(t *testing.T) {
	var hits atomic.Int32

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	})

	store, engine, srv := setupEngine(t, handler, &stubDLQ{})
	defer srv.Close()

	ep, del := createTestData(t, store, srv.URL)

	ctx := context.Background()
	ep.Enabled = false
	if err := store.UpdateEndpoint(ctx, ep); err != nil {
		t.Fatal(err)
	}

	engine.Start(ctx)
	time.Sleep(250 * time.Millisecond)
	engine.Stop(ctx)

	if hits.Load() != 0 {
		t.Fatalf("expected no attempts for disabled endpoint, got %d", hits.Load())
	}
	got, err := store.GetDelivery(ctx, del.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != delivery.StatePending {
		t.Fatalf("expected delivery to stay pending, got %s", got.State)
	}
}

func TestEngineGracefulShutdown(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		close(started)
		<-release
		w.WriteHeader(http.StatusOK)
	})

	store, engine, srv := setupEngine(t, handler, &stubDLQ{})
	defer srv.Close()

	_, del := createTestData(t, store, srv.URL)

	ctx := context.Background()
	engine.Start(ctx)

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for attempt to start")
	}

	// Stop must wait for the in-flight attempt to finish and persist.
	done := make(chan struct{})
	go func() {
		engine.Stop(ctx)
		close(done)
	}()

	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for graceful stop")
	}

	got, err := store.GetDelivery(ctx, del.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != delivery.StateSent {
		t.Fatalf("in-flight attempt must persist before stop returns, got %s", got.State)
	}
}
