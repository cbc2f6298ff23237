// Package postgres provides a PostgreSQL-backed Store using pgx.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/lettermill/webhook"
	"github.com/lettermill/webhook/catalog"
	"github.com/lettermill/webhook/delivery"
	"github.com/lettermill/webhook/dlq"
	"github.com/lettermill/webhook/endpoint"
	"github.com/lettermill/webhook/event"
	"github.com/lettermill/webhook/id"
	webhookstore "github.com/lettermill/webhook/store"
)

// compile-time interface check.
var _ webhookstore.Store = (*Store)(nil)

// claimLease is how long a dequeued delivery stays invisible to other
// pollers. It must exceed the request timeout so an attempt in flight is
// never handed out twice.
const claimLease = 2 * time.Minute

const pgUniqueViolation = "23505"

// Store is a PostgreSQL-backed implementation of store.Store.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL store with the given DSN.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing database handle.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS webhook_endpoints (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			name TEXT NOT NULL,
			url TEXT NOT NULL,
			secret TEXT NOT NULL,
			event_types JSONB NOT NULL DEFAULT '[]',
			headers JSONB NOT NULL DEFAULT '{}',
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			rate_limit INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_endpoints_tenant ON webhook_endpoints (tenant_id)`,

		`CREATE TABLE IF NOT EXISTS webhook_events (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			type TEXT NOT NULL,
			subject_ref TEXT NOT NULL DEFAULT '',
			recipient TEXT NOT NULL DEFAULT '',
			occurred_at TIMESTAMPTZ NOT NULL,
			payload JSONB,
			idempotency_key TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_webhook_events_idem
			ON webhook_events (idempotency_key) WHERE idempotency_key != ''`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_events_tenant ON webhook_events (tenant_id, occurred_at DESC)`,

		`CREATE TABLE IF NOT EXISTS webhook_deliveries (
			id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			endpoint_id TEXT NOT NULL REFERENCES webhook_endpoints (id) ON DELETE CASCADE,
			state TEXT NOT NULL,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL,
			last_attempt_at TIMESTAMPTZ,
			next_retry_at TIMESTAMPTZ,
			response_status_code INTEGER NOT NULL DEFAULT 0,
			response_excerpt TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			last_latency_ms INTEGER NOT NULL DEFAULT 0,
			completed_at TIMESTAMPTZ,
			claimed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE (endpoint_id, event_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_due
			ON webhook_deliveries (state, next_retry_at) WHERE state IN ('pending', 'retry_scheduled')`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_endpoint
			ON webhook_deliveries (endpoint_id, created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS webhook_dlq (
			id TEXT PRIMARY KEY,
			delivery_id TEXT NOT NULL,
			event_id TEXT NOT NULL,
			endpoint_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			url TEXT NOT NULL DEFAULT '',
			payload JSONB,
			error TEXT NOT NULL DEFAULT '',
			attempt_count INTEGER NOT NULL DEFAULT 0,
			last_status_code INTEGER NOT NULL DEFAULT 0,
			replayed_at TIMESTAMPTZ,
			failed_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_dlq_failed ON webhook_dlq (failed_at DESC)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// ──────────────────────────────────────────────────
// endpoint.Store
// ──────────────────────────────────────────────────

// CreateEndpoint persists a new endpoint.
func (s *Store) CreateEndpoint(ctx context.Context, ep *endpoint.Endpoint) error {
	types, err := json.Marshal(ep.EventTypes)
	if err != nil {
		return fmt.Errorf("marshal event types: %w", err)
	}
	headers, err := json.Marshal(ep.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhook_endpoints
			(id, tenant_id, name, url, secret, event_types, headers, enabled, rate_limit, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		ep.ID, ep.TenantID, ep.Name, ep.URL, ep.Secret, types, headers,
		ep.Enabled, ep.RateLimit, ep.CreatedAt, ep.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create endpoint: %w", err)
	}
	return nil
}

const endpointCols = `id, tenant_id, name, url, secret, event_types, headers, enabled, rate_limit, created_at, updated_at`

func scanEndpoint(row interface{ Scan(...any) error }) (*endpoint.Endpoint, error) {
	var ep endpoint.Endpoint
	var types, headers []byte

	err := row.Scan(&ep.ID, &ep.TenantID, &ep.Name, &ep.URL, &ep.Secret,
		&types, &headers, &ep.Enabled, &ep.RateLimit, &ep.CreatedAt, &ep.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(types, &ep.EventTypes); err != nil {
		return nil, fmt.Errorf("unmarshal event types: %w", err)
	}
	if err := json.Unmarshal(headers, &ep.Headers); err != nil {
		return nil, fmt.Errorf("unmarshal headers: %w", err)
	}
	return &ep, nil
}

// GetEndpoint returns an endpoint by ID.
func (s *Store) GetEndpoint(ctx context.Context, epID id.ID) (*endpoint.Endpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+endpointCols+` FROM webhook_endpoints WHERE id = $1`, epID)

	ep, err := scanEndpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, webhook.ErrEndpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get endpoint: %w", err)
	}
	return ep, nil
}

// UpdateEndpoint modifies an existing endpoint.
func (s *Store) UpdateEndpoint(ctx context.Context, ep *endpoint.Endpoint) error {
	types, err := json.Marshal(ep.EventTypes)
	if err != nil {
		return fmt.Errorf("marshal event types: %w", err)
	}
	headers, err := json.Marshal(ep.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_endpoints
		SET name = $2, url = $3, secret = $4, event_types = $5, headers = $6,
			enabled = $7, rate_limit = $8, updated_at = now()
		WHERE id = $1`,
		ep.ID, ep.Name, ep.URL, ep.Secret, types, headers, ep.Enabled, ep.RateLimit)
	if err != nil {
		return fmt.Errorf("update endpoint: %w", err)
	}
	return requireRow(res, webhook.ErrEndpointNotFound)
}

// DeleteEndpoint removes an endpoint. Deliveries cascade at the schema level.
func (s *Store) DeleteEndpoint(ctx context.Context, epID id.ID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_endpoints WHERE id = $1`, epID)
	if err != nil {
		return fmt.Errorf("delete endpoint: %w", err)
	}
	return requireRow(res, webhook.ErrEndpointNotFound)
}

// ListEndpoints returns endpoints for a tenant, optionally filtered.
func (s *Store) ListEndpoints(ctx context.Context, tenantID string, opts endpoint.ListOpts) ([]*endpoint.Endpoint, error) {
	query := `SELECT ` + endpointCols + ` FROM webhook_endpoints WHERE tenant_id = $1`
	args := []any{tenantID}

	if opts.Enabled != nil {
		query += fmt.Sprintf(` AND enabled = $%d`, len(args)+1)
		args = append(args, *opts.Enabled)
	}
	query += ` ORDER BY created_at`
	query += fmt.Sprintf(` OFFSET $%d`, len(args)+1)
	args = append(args, opts.Offset)
	if opts.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	defer rows.Close()

	var result []*endpoint.Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan endpoint: %w", err)
		}
		result = append(result, ep)
	}
	return result, rows.Err()
}

// Resolve finds all enabled endpoints of a tenant subscribed to an event
// type. Wildcard patterns are matched in-process since they live inside a
// JSON array.
func (s *Store) Resolve(ctx context.Context, tenantID string, eventType catalog.Type) ([]*endpoint.Endpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+endpointCols+` FROM webhook_endpoints WHERE tenant_id = $1 AND enabled = TRUE`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("resolve endpoints: %w", err)
	}
	defer rows.Close()

	var result []*endpoint.Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan endpoint: %w", err)
		}
		for _, pattern := range ep.EventTypes {
			if catalog.Match(pattern, eventType) {
				result = append(result, ep)
				break
			}
		}
	}
	return result, rows.Err()
}

// SetEnabled enables or disables an endpoint.
func (s *Store) SetEnabled(ctx context.Context, epID id.ID, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE webhook_endpoints SET enabled = $2, updated_at = now() WHERE id = $1`,
		epID, enabled)
	if err != nil {
		return fmt.Errorf("set enabled: %w", err)
	}
	return requireRow(res, webhook.ErrEndpointNotFound)
}

// ──────────────────────────────────────────────────
// event.Store
// ──────────────────────────────────────────────────

// CreateEvent persists an event. Returns ErrDuplicateIdempotencyKey on
// idempotency key conflict.
func (s *Store) CreateEvent(ctx context.Context, evt *event.Event) error {
	payload, err := marshalNullable(evt.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhook_events
			(id, tenant_id, type, subject_ref, recipient, occurred_at, payload, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		evt.ID, evt.TenantID, string(evt.Type), evt.SubjectRef, evt.Recipient,
		evt.OccurredAt, payload, evt.IdempotencyKey, evt.CreatedAt, evt.UpdatedAt)
	if isUniqueViolation(err) {
		return webhook.ErrDuplicateIdempotencyKey
	}
	if err != nil {
		return fmt.Errorf("create event: %w", err)
	}
	return nil
}

const eventCols = `id, tenant_id, type, subject_ref, recipient, occurred_at, payload, idempotency_key, created_at, updated_at`

func scanEvent(row interface{ Scan(...any) error }) (*event.Event, error) {
	var evt event.Event
	var payload []byte

	err := row.Scan(&evt.ID, &evt.TenantID, &evt.Type, &evt.SubjectRef, &evt.Recipient,
		&evt.OccurredAt, &payload, &evt.IdempotencyKey, &evt.CreatedAt, &evt.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &evt.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return &evt, nil
}

// GetEvent returns an event by ID.
func (s *Store) GetEvent(ctx context.Context, evtID id.ID) (*event.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventCols+` FROM webhook_events WHERE id = $1`, evtID)

	evt, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, webhook.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return evt, nil
}

// ListEvents returns events, optionally filtered, newest first.
func (s *Store) ListEvents(ctx context.Context, opts event.ListOpts) ([]*event.Event, error) {
	return s.listEvents(ctx, "", opts)
}

// ListEventsByTenant returns events for a specific tenant, newest first.
func (s *Store) ListEventsByTenant(ctx context.Context, tenantID string, opts event.ListOpts) ([]*event.Event, error) {
	return s.listEvents(ctx, tenantID, opts)
}

func (s *Store) listEvents(ctx context.Context, tenantID string, opts event.ListOpts) ([]*event.Event, error) {
	query := `SELECT ` + eventCols + ` FROM webhook_events WHERE 1=1`
	var args []any

	addFilter := func(clause string, v any) {
		query += fmt.Sprintf(` AND %s $%d`, clause, len(args)+1)
		args = append(args, v)
	}
	if tenantID != "" {
		addFilter(`tenant_id =`, tenantID)
	}
	if opts.Type != "" {
		addFilter(`type =`, string(opts.Type))
	}
	if opts.From != nil {
		addFilter(`occurred_at >=`, *opts.From)
	}
	if opts.To != nil {
		addFilter(`occurred_at <=`, *opts.To)
	}
	query += ` ORDER BY occurred_at DESC`
	query += fmt.Sprintf(` OFFSET $%d`, len(args)+1)
	args = append(args, opts.Offset)
	if opts.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var result []*event.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		result = append(result, evt)
	}
	return result, rows.Err()
}

// ──────────────────────────────────────────────────
// delivery.Store
// ──────────────────────────────────────────────────

// Enqueue creates a pending delivery. Duplicate (endpoint, event) pairs are
// skipped, keeping fan-out idempotent.
func (s *Store) Enqueue(ctx context.Context, d *delivery.Delivery) error {
	return s.enqueue(ctx, s.db, d)
}

// EnqueueBatch creates multiple deliveries in one transaction, skipping
// duplicates.
func (s *Store) EnqueueBatch(ctx context.Context, ds []*delivery.Delivery) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin enqueue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, d := range ds {
		if err := s.enqueue(ctx, tx, d); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) enqueue(ctx context.Context, db execer, d *delivery.Delivery) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries
			(id, event_id, endpoint_id, state, attempt_count, max_attempts, next_retry_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (endpoint_id, event_id) DO NOTHING`,
		d.ID, d.EventID, d.EndpointID, string(d.State), d.AttemptCount,
		d.MaxAttempts, d.NextRetryAt, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("enqueue delivery: %w", err)
	}
	return nil
}

const deliveryCols = `id, event_id, endpoint_id, state, attempt_count, max_attempts,
	last_attempt_at, next_retry_at, response_status_code, response_excerpt,
	last_error, last_latency_ms, completed_at, created_at, updated_at`

func scanDelivery(row interface{ Scan(...any) error }) (*delivery.Delivery, error) {
	var d delivery.Delivery
	err := row.Scan(&d.ID, &d.EventID, &d.EndpointID, &d.State, &d.AttemptCount,
		&d.MaxAttempts, &d.LastAttemptAt, &d.NextRetryAt, &d.ResponseStatusCode,
		&d.ResponseExcerpt, &d.LastError, &d.LastLatencyMs, &d.CompletedAt,
		&d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Dequeue fetches due deliveries for enabled endpoints and claims them for
// the lease duration. SKIP LOCKED keeps concurrent pollers from contending.
func (s *Store) Dequeue(ctx context.Context, limit int) ([]*delivery.Delivery, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin dequeue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+deliveryCols+` FROM webhook_deliveries
		WHERE id IN (
			SELECT d.id FROM webhook_deliveries d
			JOIN webhook_endpoints e ON e.id = d.endpoint_id
			WHERE e.enabled = TRUE
				AND (d.claimed_at IS NULL OR d.claimed_at < now() - make_interval(secs => $1))
				AND (d.state = 'pending' OR (d.state = 'retry_scheduled' AND d.next_retry_at <= now()))
			ORDER BY COALESCE(d.next_retry_at, d.created_at)
			LIMIT $2
			FOR UPDATE OF d SKIP LOCKED
		)`,
		claimLease.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	var result []*delivery.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, d := range result {
		if _, err := tx.ExecContext(ctx,
			`UPDATE webhook_deliveries SET claimed_at = now() WHERE id = $1`, d.ID); err != nil {
			return nil, fmt.Errorf("claim delivery: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit dequeue: %w", err)
	}
	return result, nil
}

// UpdateDelivery persists a state transition and releases the claim.
func (s *Store) UpdateDelivery(ctx context.Context, d *delivery.Delivery) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET state = $2, attempt_count = $3, last_attempt_at = $4, next_retry_at = $5,
			response_status_code = $6, response_excerpt = $7, last_error = $8,
			last_latency_ms = $9, completed_at = $10, claimed_at = NULL, updated_at = now()
		WHERE id = $1`,
		d.ID, string(d.State), d.AttemptCount, d.LastAttemptAt, d.NextRetryAt,
		d.ResponseStatusCode, d.ResponseExcerpt, d.LastError, d.LastLatencyMs, d.CompletedAt)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	return requireRow(res, webhook.ErrDeliveryNotFound)
}

// GetDelivery returns a delivery by ID.
func (s *Store) GetDelivery(ctx context.Context, delID id.ID) (*delivery.Delivery, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deliveryCols+` FROM webhook_deliveries WHERE id = $1`, delID)

	d, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, webhook.ErrDeliveryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get delivery: %w", err)
	}
	return d, nil
}

// ListByEndpoint returns delivery history for an endpoint, most-recent-first.
func (s *Store) ListByEndpoint(ctx context.Context, epID id.ID, opts delivery.ListOpts) ([]*delivery.Delivery, error) {
	if opts.Limit == 0 {
		opts.Limit = delivery.DefaultListLimit
	}

	query := `SELECT ` + deliveryCols + ` FROM webhook_deliveries WHERE endpoint_id = $1`
	args := []any{epID}

	if opts.State != nil {
		query += fmt.Sprintf(` AND state = $%d`, len(args)+1)
		args = append(args, string(*opts.State))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC OFFSET $%d LIMIT $%d`, len(args)+1, len(args)+2)
	args = append(args, opts.Offset, opts.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	var result []*delivery.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// ListByEvent returns all deliveries for a specific event.
func (s *Store) ListByEvent(ctx context.Context, evtID id.ID) ([]*delivery.Delivery, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliveryCols+` FROM webhook_deliveries WHERE event_id = $1 ORDER BY created_at`,
		evtID)
	if err != nil {
		return nil, fmt.Errorf("list deliveries by event: %w", err)
	}
	defer rows.Close()

	var result []*delivery.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// CountPending returns the number of deliveries awaiting attempt.
func (s *Store) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM webhook_deliveries WHERE state IN ('pending', 'retry_scheduled')`).
		Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return count, nil
}

// ──────────────────────────────────────────────────
// dlq.Store
// ──────────────────────────────────────────────────

// Push moves a permanently failed delivery into the DLQ.
func (s *Store) Push(ctx context.Context, entry *dlq.Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_dlq
			(id, delivery_id, event_id, endpoint_id, event_type, tenant_id, url, payload,
			error, attempt_count, last_status_code, failed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		entry.ID, entry.DeliveryID, entry.EventID, entry.EndpointID, string(entry.EventType),
		entry.TenantID, entry.URL, nullableBytes(entry.Payload), entry.Error,
		entry.AttemptCount, entry.LastStatusCode, entry.FailedAt, entry.CreatedAt, entry.UpdatedAt)
	if err != nil {
		return fmt.Errorf("push dlq: %w", err)
	}
	return nil
}

const dlqCols = `id, delivery_id, event_id, endpoint_id, event_type, tenant_id, url, payload,
	error, attempt_count, last_status_code, replayed_at, failed_at, created_at, updated_at`

func scanDLQ(row interface{ Scan(...any) error }) (*dlq.Entry, error) {
	var e dlq.Entry
	var payload []byte
	err := row.Scan(&e.ID, &e.DeliveryID, &e.EventID, &e.EndpointID, &e.EventType,
		&e.TenantID, &e.URL, &payload, &e.Error, &e.AttemptCount, &e.LastStatusCode,
		&e.ReplayedAt, &e.FailedAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		e.Payload = json.RawMessage(payload)
	}
	return &e, nil
}

// ListDLQ returns DLQ entries, optionally filtered, most-recent-first.
func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	query := `SELECT ` + dlqCols + ` FROM webhook_dlq WHERE 1=1`
	var args []any

	if opts.TenantID != "" {
		query += fmt.Sprintf(` AND tenant_id = $%d`, len(args)+1)
		args = append(args, opts.TenantID)
	}
	if opts.EndpointID != nil {
		query += fmt.Sprintf(` AND endpoint_id = $%d`, len(args)+1)
		args = append(args, *opts.EndpointID)
	}
	if opts.From != nil {
		query += fmt.Sprintf(` AND failed_at >= $%d`, len(args)+1)
		args = append(args, *opts.From)
	}
	if opts.To != nil {
		query += fmt.Sprintf(` AND failed_at <= $%d`, len(args)+1)
		args = append(args, *opts.To)
	}
	query += fmt.Sprintf(` ORDER BY failed_at DESC OFFSET $%d`, len(args)+1)
	args = append(args, opts.Offset)
	if opts.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list dlq: %w", err)
	}
	defer rows.Close()

	var result []*dlq.Entry
	for rows.Next() {
		e, err := scanDLQ(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dlq entry: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// GetDLQ returns a DLQ entry by ID.
func (s *Store) GetDLQ(ctx context.Context, dlqID id.ID) (*dlq.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+dlqCols+` FROM webhook_dlq WHERE id = $1`, dlqID)

	e, err := scanDLQ(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, webhook.ErrDLQNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dlq entry: %w", err)
	}
	return e, nil
}

// Replay marks a DLQ entry as replayed and re-enqueues a fresh delivery.
func (s *Store) Replay(ctx context.Context, dlqID id.ID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replay: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		UPDATE webhook_dlq SET replayed_at = now(), updated_at = now()
		WHERE id = $1
		RETURNING event_id, endpoint_id`, dlqID)

	var evtID, epID id.ID
	if err := row.Scan(&evtID, &epID); errors.Is(err, sql.ErrNoRows) {
		return webhook.ErrDLQNotFound
	} else if err != nil {
		return fmt.Errorf("replay dlq entry: %w", err)
	}

	if err := s.replayDelivery(ctx, tx, evtID, epID); err != nil {
		return err
	}
	return tx.Commit()
}

// replayDelivery retires the terminal delivery row for the pair and inserts
// a fresh pending one.
func (s *Store) replayDelivery(ctx context.Context, tx *sql.Tx, evtID, epID id.ID) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM webhook_deliveries WHERE event_id = $1 AND endpoint_id = $2`,
		evtID, epID); err != nil {
		return fmt.Errorf("retire delivery: %w", err)
	}

	now := time.Now().UTC()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO webhook_deliveries
			(id, event_id, endpoint_id, state, attempt_count, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, 'pending', 0, 5, $4, $4)`,
		id.NewDeliveryID(), evtID, epID, now)
	if err != nil {
		return fmt.Errorf("re-enqueue delivery: %w", err)
	}
	return nil
}

// ReplayBulk replays all unreplayed DLQ entries in a time window.
func (s *Store) ReplayBulk(ctx context.Context, from, to time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin bulk replay: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		UPDATE webhook_dlq SET replayed_at = now(), updated_at = now()
		WHERE failed_at >= $1 AND failed_at <= $2 AND replayed_at IS NULL
		RETURNING event_id, endpoint_id`, from, to)
	if err != nil {
		return 0, fmt.Errorf("bulk replay: %w", err)
	}

	type pair struct{ evtID, epID id.ID }
	var pairs []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.evtID, &p.epID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan replay pair: %w", err)
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for _, p := range pairs {
		if err := s.replayDelivery(ctx, tx, p.evtID, p.epID); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit bulk replay: %w", err)
	}
	return int64(len(pairs)), nil
}

// Purge deletes DLQ entries created before a threshold.
func (s *Store) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_dlq WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge dlq: %w", err)
	}
	return res.RowsAffected()
}

// CountDLQ returns the total number of DLQ entries.
func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM webhook_dlq`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count dlq: %w", err)
	}
	return count, nil
}

// ──────────────────────────────────────────────────
// helpers
// ──────────────────────────────────────────────────

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func marshalNullable(v map[string]any) (any, error) {
	if v == nil {
		return nil, nil //nolint:nilnil // nil is the canonical SQL NULL
	}
	return json.Marshal(v)
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
