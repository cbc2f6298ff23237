// Package webhook is Lettermill's outbound webhook delivery engine.
//
// It turns internal domain events (message sent, bounced, inbound email
// received, …) into reliably-delivered, HMAC-SHA256-signed HTTP callbacks
// to tenant-registered HTTPS endpoints, with automatic retry on a fixed
// backoff schedule and a dead letter queue for exhausted deliveries.
//
// Delivery is at-least-once: receivers must deduplicate by the event ID
// carried in every body. There is no ordering guarantee across endpoints or
// events.
//
// Key pieces:
//   - Closed event type catalog with payload schema validation
//   - Tenant-scoped endpoint registry with HTTPS-only URLs and one-time secrets
//   - Idempotent fan-out of one delivery per subscribed enabled endpoint
//   - Polling dispatch loop with a bounded worker pool and graceful shutdown
//   - Composable store backends: Postgres, Bun/SQLite, Redis, MongoDB, memory
//
// Quick start:
//
//	hub, err := webhook.New(
//	    webhook.WithStore(memoryStore),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	hub.Start(ctx)
//
//	hub.Record(ctx, webhook.RecordInput{
//	    TenantID:   "tenant_123",
//	    Type:       "email.bounced",
//	    SubjectRef: "msg_01h2x",
//	    Recipient:  "ada@example.com",
//	    OccurredAt: time.Now(),
//	    Payload:    map[string]any{"bounce_type": "hard"},
//	})
package webhook
