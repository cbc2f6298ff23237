package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lettermill/webhook"
	"github.com/lettermill/webhook/api"
	"github.com/lettermill/webhook/store/memory"
)

// testServer creates a Handler backed by a memory store and returns the test server.
func testServer(t *testing.T) *httptest.Server {
	t.Helper()

	hub, err := webhook.New(webhook.WithStore(memory.New()))
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}

	h := api.NewHandler(hub, slog.Default())
	return httptest.NewServer(h)
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, url, r)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func createTestEndpoint(t *testing.T, srv *httptest.Server, tenant string, eventTypes []string) map[string]any {
	t.Helper()
	resp := doJSON(t, "POST", srv.URL+"/endpoints", map[string]any{
		"tenant_id":   tenant,
		"name":        "orders hook",
		"url":         "https://hooks.example.com/inbox",
		"event_types": eventTypes,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create endpoint: expected 201, got %d", resp.StatusCode)
	}
	var ep map[string]any
	decodeBody(t, resp, &ep)
	return ep
}

// --- Endpoints ---

func TestEndpoints_CreateReturnsSecretOnce(t *testing.T) {
	srv := testServer(t)
	defer srv.Close()

	ep := createTestEndpoint(t, srv, "acct_1", []string{"email.bounced"})

	secret, _ := ep["secret"].(string)
	if !strings.HasPrefix(secret, "whsec_") || len(secret) != len("whsec_")+64 {
		t.Fatalf("expected whsec_ secret with 64 hex chars, got %q", secret)
	}
	preview, _ := ep["secret_preview"].(string)
	if !strings.HasPrefix(preview, "whsec_") || !strings.HasSuffix(preview, "…") {
		t.Fatalf("expected masked preview, got %q", preview)
	}
	if preview == secret {
		t.Fatal("preview must not expose the full secret")
	}

	// Subsequent reads never include the secret.
	resp := doJSON(t, "GET", srv.URL+"/endpoints/"+ep["id"].(string)+"?tenant_id=acct_1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", resp.StatusCode)
	}
	var got map[string]any
	decodeBody(t, resp, &got)
	if _, ok := got["secret"]; ok {
		t.Fatal("get must not include the raw secret")
	}
	if got["secret_preview"] != preview {
		t.Fatalf("expected preview %q, got %v", preview, got["secret_preview"])
	}
}

func TestEndpoints_CreateRejectsInsecureURL(t *testing.T) {
	srv := testServer(t)
	defer srv.Close()

	resp := doJSON(t, "POST", srv.URL+"/endpoints", map[string]any{
		"tenant_id":   "acct_1",
		"name":        "plain hook",
		"url":         "http://hooks.example.com/inbox",
		"event_types": []string{"email.sent"},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for http URL, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestEndpoints_CreateRejectsUnknownEventType(t *testing.T) {
	srv := testServer(t)
	defer srv.Close()

	resp := doJSON(t, "POST", srv.URL+"/endpoints", map[string]any{
		"tenant_id":   "acct_1",
		"name":        "bad hook",
		"url":         "https://hooks.example.com/inbox",
		"event_types": []string{"order.created"},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown event type, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestEndpoints_ListRequiresTenant(t *testing.T) {
	srv := testServer(t)
	defer srv.Close()

	resp := doJSON(t, "GET", srv.URL+"/endpoints", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without tenant_id, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestEndpoints_TenantIsolation(t *testing.T) {
	srv := testServer(t)
	defer srv.Close()

	ep := createTestEndpoint(t, srv, "acct_1", []string{"email.sent"})
	epID := ep["id"].(string)

	// Another tenant cannot see it.
	resp := doJSON(t, "GET", srv.URL+"/endpoints/"+epID+"?tenant_id=acct_2", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cross-tenant get: expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, "GET", srv.URL+"/endpoints?tenant_id=acct_2", nil)
	var list []map[string]any
	decodeBody(t, resp, &list)
	if len(list) != 0 {
		t.Fatalf("expected empty list for other tenant, got %d", len(list))
	}

	// The owner sees it.
	resp = doJSON(t, "GET", srv.URL+"/endpoints?tenant_id=acct_1", nil)
	decodeBody(t, resp, &list)
	if len(list) != 1 {
		t.Fatalf("expected 1 endpoint for owner, got %d", len(list))
	}
}

func TestEndpoints_UpdateAndEnableDisable(t *testing.T) {
	srv := testServer(t)
	defer srv.Close()

	ep := createTestEndpoint(t, srv, "acct_1", []string{"email.sent"})
	epID := ep["id"].(string)

	resp := doJSON(t, "PATCH", srv.URL+"/endpoints/"+epID+"?tenant_id=acct_1", map[string]any{
		"name":        "renamed hook",
		"event_types": []string{"email.*"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update: expected 200, got %d", resp.StatusCode)
	}
	var updated map[string]any
	decodeBody(t, resp, &updated)
	if updated["name"] != "renamed hook" {
		t.Fatalf("expected renamed hook, got %v", updated["name"])
	}

	resp = doJSON(t, "PATCH", srv.URL+"/endpoints/"+epID+"/disable?tenant_id=acct_1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disable: expected 200, got %d", resp.StatusCode)
	}
	var disabled map[string]any
	decodeBody(t, resp, &disabled)
	if disabled["enabled"] != false {
		t.Fatalf("expected enabled=false, got %v", disabled["enabled"])
	}

	resp = doJSON(t, "PATCH", srv.URL+"/endpoints/"+epID+"/enable?tenant_id=acct_1", nil)
	var enabled map[string]any
	decodeBody(t, resp, &enabled)
	if enabled["enabled"] != true {
		t.Fatalf("expected enabled=true, got %v", enabled["enabled"])
	}
}

func TestEndpoints_RotateSecret(t *testing.T) {
	srv := testServer(t)
	defer srv.Close()

	ep := createTestEndpoint(t, srv, "acct_1", []string{"email.sent"})
	epID := ep["id"].(string)
	original := ep["secret"].(string)

	resp := doJSON(t, "POST", srv.URL+"/endpoints/"+epID+"/rotate-secret?tenant_id=acct_1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rotate: expected 200, got %d", resp.StatusCode)
	}
	var rotated map[string]any
	decodeBody(t, resp, &rotated)
	secret, _ := rotated["secret"].(string)
	if !strings.HasPrefix(secret, "whsec_") {
		t.Fatalf("expected rotated secret, got %q", secret)
	}
	if secret == original {
		t.Fatal("rotation must produce a fresh secret")
	}
}

func TestEndpoints_Delete(t *testing.T) {
	srv := testServer(t)
	defer srv.Close()

	ep := createTestEndpoint(t, srv, "acct_1", []string{"email.sent"})
	epID := ep["id"].(string)

	resp := doJSON(t, "DELETE", srv.URL+"/endpoints/"+epID+"?tenant_id=acct_1", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, "GET", srv.URL+"/endpoints/"+epID+"?tenant_id=acct_1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete: expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

// --- Event types ---

func TestEventTypes_StaticCatalog(t *testing.T) {
	srv := testServer(t)
	defer srv.Close()

	resp := doJSON(t, "GET", srv.URL+"/event-types", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", resp.StatusCode)
	}
	var defs []map[string]any
	decodeBody(t, resp, &defs)
	if len(defs) != 9 {
		t.Fatalf("expected 9 event types, got %d", len(defs))
	}

	resp = doJSON(t, "GET", srv.URL+"/event-types/email.bounced", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", resp.StatusCode)
	}
	var def map[string]any
	decodeBody(t, resp, &def)
	if def["type"] != "email.bounced" {
		t.Fatalf("expected email.bounced, got %v", def["type"])
	}

	resp = doJSON(t, "GET", srv.URL+"/event-types/order.created", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown type: expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

// --- Events ---

func TestEvents_RecordAndFanOut(t *testing.T) {
	srv := testServer(t)
	defer srv.Close()

	ep := createTestEndpoint(t, srv, "acct_1", []string{"email.*"})
	epID := ep["id"].(string)

	resp := doJSON(t, "POST", srv.URL+"/events", map[string]any{
		"tenant_id":   "acct_1",
		"type":        "email.bounced",
		"subject_ref": "msg_01h2x",
		"recipient":   "gone@example.com",
		"payload":     map[string]any{"bounce_type": "hard"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("record: expected 201, got %d", resp.StatusCode)
	}
	var evt map[string]any
	decodeBody(t, resp, &evt)
	evtID, _ := evt["id"].(string)
	if evtID == "" {
		t.Fatalf("expected event id, got %v", evt)
	}
	if evt["type"] != "email.bounced" {
		t.Fatalf("expected email.bounced, got %v", evt["type"])
	}

	// One delivery fanned out to the matching endpoint.
	resp = doJSON(t, "GET", srv.URL+"/endpoints/"+epID+"/deliveries?tenant_id=acct_1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("endpoint deliveries: expected 200, got %d", resp.StatusCode)
	}
	var deliveries []map[string]any
	decodeBody(t, resp, &deliveries)
	if len(deliveries) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(deliveries))
	}
	if deliveries[0]["state"] != "pending" {
		t.Fatalf("expected pending delivery, got %v", deliveries[0]["state"])
	}

	// The same delivery is visible by event and by ID.
	resp = doJSON(t, "GET", srv.URL+"/events/"+evtID+"/deliveries?tenant_id=acct_1", nil)
	var byEvent []map[string]any
	decodeBody(t, resp, &byEvent)
	if len(byEvent) != 1 || byEvent[0]["id"] != deliveries[0]["id"] {
		t.Fatalf("event deliveries mismatch: %v", byEvent)
	}

	resp = doJSON(t, "GET", srv.URL+"/deliveries/"+deliveries[0]["id"].(string)+"?tenant_id=acct_1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get delivery: expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// The pending delivery shows up in stats.
	resp = doJSON(t, "GET", srv.URL+"/stats", nil)
	var stats map[string]any
	decodeBody(t, resp, &stats)
	if stats["pending_deliveries"] != float64(1) {
		t.Fatalf("expected 1 pending delivery in stats, got %v", stats["pending_deliveries"])
	}
	if stats["dlq_size"] != float64(0) {
		t.Fatalf("expected empty DLQ, got %v", stats["dlq_size"])
	}
}

func TestEvents_RecordRejectsUnknownType(t *testing.T) {
	srv := testServer(t)
	defer srv.Close()

	resp := doJSON(t, "POST", srv.URL+"/events", map[string]any{
		"tenant_id": "acct_1",
		"type":      "order.created",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown type, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestEvents_CrossTenantLookupIsNotFound(t *testing.T) {
	srv := testServer(t)
	defer srv.Close()

	resp := doJSON(t, "POST", srv.URL+"/events", map[string]any{
		"tenant_id": "acct_1",
		"type":      "email.sent",
	})
	var evt map[string]any
	decodeBody(t, resp, &evt)

	resp = doJSON(t, "GET", srv.URL+"/events/"+evt["id"].(string)+"?tenant_id=acct_2", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cross-tenant event get: expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestEvents_ListByTenant(t *testing.T) {
	srv := testServer(t)
	defer srv.Close()

	for _, typ := range []string{"email.sent", "email.delivered", "email.bounced"} {
		resp := doJSON(t, "POST", srv.URL+"/events", map[string]any{
			"tenant_id": "acct_1",
			"type":      typ,
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("record %s: expected 201, got %d", typ, resp.StatusCode)
		}
		resp.Body.Close()
	}

	resp := doJSON(t, "GET", srv.URL+"/events?tenant_id=acct_1", nil)
	var events []map[string]any
	decodeBody(t, resp, &events)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}

	resp = doJSON(t, "GET", srv.URL+"/events?tenant_id=acct_1&type=email.bounced", nil)
	decodeBody(t, resp, &events)
	if len(events) != 1 || events[0]["type"] != "email.bounced" {
		t.Fatalf("expected only the bounce event, got %v", events)
	}
}

// --- DLQ ---

func TestDLQ_ListAndReplayMissing(t *testing.T) {
	srv := testServer(t)
	defer srv.Close()

	resp := doJSON(t, "GET", srv.URL+"/dlq?tenant_id=acct_1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", resp.StatusCode)
	}
	var entries []map[string]any
	decodeBody(t, resp, &entries)
	if len(entries) != 0 {
		t.Fatalf("expected empty DLQ, got %d entries", len(entries))
	}

	resp = doJSON(t, "POST", srv.URL+"/dlq/not-a-valid-id/replay", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad id: expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doJSON(t, "POST", srv.URL+"/dlq/replay", map[string]any{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bulk replay: expected 200, got %d", resp.StatusCode)
	}
	var bulk map[string]any
	decodeBody(t, resp, &bulk)
	if bulk["replayed"] != float64(0) {
		t.Fatalf("expected 0 replays, got %v", bulk["replayed"])
	}
}
