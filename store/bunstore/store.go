// Package bunstore provides a SQL Store built on the Bun ORM. It targets
// SQLite for single-node deployments but works with any dialect Bun supports.
package bunstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"github.com/lettermill/webhook"
	"github.com/lettermill/webhook/catalog"
	"github.com/lettermill/webhook/delivery"
	"github.com/lettermill/webhook/dlq"
	"github.com/lettermill/webhook/endpoint"
	"github.com/lettermill/webhook/event"
	"github.com/lettermill/webhook/id"
	webhookstore "github.com/lettermill/webhook/store"
)

// compile-time interface check
var _ webhookstore.Store = (*Store)(nil)

// claimLease is how long a dequeued delivery stays invisible to other
// pollers before it is considered abandoned.
const claimLease = 2 * time.Minute

// Store implements store.Store using the Bun ORM.
type Store struct {
	db *bun.DB
}

// New creates a new Bun-backed store.
func New(db *bun.DB) *Store {
	return &Store{db: db}
}

// NewSQLite opens a SQLite-backed store at the given path.
func NewSQLite(dsn string) (*Store, error) {
	sqldb, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
	sqldb.SetMaxOpenConns(1)
	return &Store{db: bun.NewDB(sqldb, sqlitedialect.New())}, nil
}

// DB returns the underlying Bun database for direct access.
func (s *Store) DB() *bun.DB { return s.db }

// Migrate creates the required tables using Bun's CreateTable.
func (s *Store) Migrate(ctx context.Context) error {
	models := []any{
		(*endpointModel)(nil),
		(*eventModel)(nil),
		(*deliveryModel)(nil),
		(*dlqEntryModel)(nil),
	}
	for _, model := range models {
		if _, err := s.db.NewCreateTable().
			Model(model).
			IfNotExists().
			Exec(ctx); err != nil {
			return err
		}
	}

	// Create indexes.
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_webhook_endpoints_tenant ON webhook_endpoints (tenant_id)",
		"CREATE INDEX IF NOT EXISTS idx_webhook_events_tenant ON webhook_events (tenant_id, occurred_at)",
		"CREATE INDEX IF NOT EXISTS idx_webhook_events_type ON webhook_events (type)",
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_webhook_events_idempotency ON webhook_events (idempotency_key) WHERE idempotency_key != ''",
		"CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_due ON webhook_deliveries (state, next_retry_at)",
		"CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_endpoint ON webhook_deliveries (endpoint_id, created_at)",
		"CREATE UNIQUE INDEX IF NOT EXISTS idx_webhook_deliveries_pair ON webhook_deliveries (endpoint_id, event_id)",
		"CREATE INDEX IF NOT EXISTS idx_webhook_dlq_failed ON webhook_dlq (failed_at)",
	}
	for _, ddl := range indexes {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}

	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Endpoint Store ====================

func (s *Store) CreateEndpoint(ctx context.Context, ep *endpoint.Endpoint) error {
	m := toEndpointModel(ep)
	_, err := s.db.NewInsert().Model(m).Exec(ctx)
	return err
}

func (s *Store) GetEndpoint(ctx context.Context, epID id.ID) (*endpoint.Endpoint, error) {
	m := new(endpointModel)
	err := s.db.NewSelect().
		Model(m).
		Where("id = ?", epID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, webhook.ErrEndpointNotFound
		}
		return nil, err
	}
	return fromEndpointModel(m)
}

func (s *Store) UpdateEndpoint(ctx context.Context, ep *endpoint.Endpoint) error {
	m := toEndpointModel(ep)
	m.UpdatedAt = time.Now().UTC()
	res, err := s.db.NewUpdate().
		Model(m).
		WherePK().
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireRow(res, webhook.ErrEndpointNotFound)
}

func (s *Store) DeleteEndpoint(ctx context.Context, epID id.ID) error {
	res, err := s.db.NewDelete().
		Model((*endpointModel)(nil)).
		Where("id = ?", epID.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	if err := requireRow(res, webhook.ErrEndpointNotFound); err != nil {
		return err
	}

	// Cascade to this endpoint's deliveries.
	_, err = s.db.NewDelete().
		Model((*deliveryModel)(nil)).
		Where("endpoint_id = ?", epID.String()).
		Exec(ctx)
	return err
}

func (s *Store) ListEndpoints(ctx context.Context, tenantID string, opts endpoint.ListOpts) ([]*endpoint.Endpoint, error) {
	var models []endpointModel
	q := s.db.NewSelect().
		Model(&models).
		Where("tenant_id = ?", tenantID)

	if opts.Enabled != nil {
		q = q.Where("enabled = ?", *opts.Enabled)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.Order("created_at ASC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*endpoint.Endpoint, len(models))
	for i := range models {
		ep, err := fromEndpointModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = ep
	}
	return result, nil
}

// Resolve matches wildcard patterns in-process since subscriptions live
// inside a JSON column.
func (s *Store) Resolve(ctx context.Context, tenantID string, eventType catalog.Type) ([]*endpoint.Endpoint, error) {
	var models []endpointModel
	err := s.db.NewSelect().
		Model(&models).
		Where("tenant_id = ?", tenantID).
		Where("enabled = ?", true).
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	var result []*endpoint.Endpoint
	for i := range models {
		ep, err := fromEndpointModel(&models[i])
		if err != nil {
			return nil, err
		}
		for _, pattern := range ep.EventTypes {
			if catalog.Match(pattern, eventType) {
				result = append(result, ep)
				break
			}
		}
	}
	return result, nil
}

func (s *Store) SetEnabled(ctx context.Context, epID id.ID, enabled bool) error {
	res, err := s.db.NewUpdate().
		Model((*endpointModel)(nil)).
		Set("enabled = ?", enabled).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", epID.String()).
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireRow(res, webhook.ErrEndpointNotFound)
}

// ==================== Event Store ====================

func (s *Store) CreateEvent(ctx context.Context, evt *event.Event) error {
	if evt.IdempotencyKey != "" {
		exists, err := s.db.NewSelect().
			Model((*eventModel)(nil)).
			Where("idempotency_key = ?", evt.IdempotencyKey).
			Exists(ctx)
		if err != nil {
			return err
		}
		if exists {
			return webhook.ErrDuplicateIdempotencyKey
		}
	}

	m := toEventModel(evt)
	_, err := s.db.NewInsert().Model(m).Exec(ctx)
	return err
}

func (s *Store) GetEvent(ctx context.Context, evtID id.ID) (*event.Event, error) {
	m := new(eventModel)
	err := s.db.NewSelect().
		Model(m).
		Where("id = ?", evtID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, webhook.ErrEventNotFound
		}
		return nil, err
	}
	return fromEventModel(m)
}

func (s *Store) ListEvents(ctx context.Context, opts event.ListOpts) ([]*event.Event, error) {
	return s.listEvents(ctx, "", opts)
}

func (s *Store) ListEventsByTenant(ctx context.Context, tenantID string, opts event.ListOpts) ([]*event.Event, error) {
	return s.listEvents(ctx, tenantID, opts)
}

func (s *Store) listEvents(ctx context.Context, tenantID string, opts event.ListOpts) ([]*event.Event, error) {
	var models []eventModel
	q := s.db.NewSelect().Model(&models)

	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}
	if opts.Type != "" {
		q = q.Where("type = ?", string(opts.Type))
	}
	if opts.From != nil {
		q = q.Where("occurred_at >= ?", *opts.From)
	}
	if opts.To != nil {
		q = q.Where("occurred_at <= ?", *opts.To)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.Order("occurred_at DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*event.Event, len(models))
	for i := range models {
		evt, err := fromEventModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = evt
	}
	return result, nil
}

// ==================== Delivery Store ====================

func (s *Store) Enqueue(ctx context.Context, d *delivery.Delivery) error {
	m := toDeliveryModel(d)
	_, err := s.db.NewInsert().
		Model(m).
		On("CONFLICT (endpoint_id, event_id) DO NOTHING").
		Exec(ctx)
	return err
}

func (s *Store) EnqueueBatch(ctx context.Context, ds []*delivery.Delivery) error {
	if len(ds) == 0 {
		return nil
	}
	models := make([]deliveryModel, len(ds))
	for i, d := range ds {
		models[i] = *toDeliveryModel(d)
	}
	_, err := s.db.NewInsert().
		Model(&models).
		On("CONFLICT (endpoint_id, event_id) DO NOTHING").
		Exec(ctx)
	return err
}

// Dequeue fetches due deliveries for enabled endpoints and claims them for
// the lease duration.
func (s *Store) Dequeue(ctx context.Context, limit int) ([]*delivery.Delivery, error) {
	now := time.Now().UTC()
	staleClaim := now.Add(-claimLease)

	var models []deliveryModel
	err := s.db.NewSelect().
		Model(&models).
		Join("JOIN webhook_endpoints AS e ON e.id = delivery_model.endpoint_id").
		Where("e.enabled = ?", true).
		Where("delivery_model.claimed_at IS NULL OR delivery_model.claimed_at < ?", staleClaim).
		Where("delivery_model.state = ? OR (delivery_model.state = ? AND delivery_model.next_retry_at <= ?)",
			string(delivery.StatePending), string(delivery.StateRetryScheduled), now).
		OrderExpr("COALESCE(delivery_model.next_retry_at, delivery_model.created_at) ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	if len(models) == 0 {
		return nil, nil
	}

	ids := make([]string, len(models))
	for i := range models {
		ids[i] = models[i].ID
	}
	if _, err := s.db.NewUpdate().
		Model((*deliveryModel)(nil)).
		Set("claimed_at = ?", now).
		Where("id IN (?)", bun.In(ids)).
		Exec(ctx); err != nil {
		return nil, err
	}

	result := make([]*delivery.Delivery, len(models))
	for i := range models {
		d, err := fromDeliveryModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = d
	}
	return result, nil
}

// UpdateDelivery persists a state transition and releases the claim.
func (s *Store) UpdateDelivery(ctx context.Context, d *delivery.Delivery) error {
	m := toDeliveryModel(d)
	m.UpdatedAt = time.Now().UTC()
	m.ClaimedAt = nil
	res, err := s.db.NewUpdate().
		Model(m).
		WherePK().
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireRow(res, webhook.ErrDeliveryNotFound)
}

func (s *Store) GetDelivery(ctx context.Context, delID id.ID) (*delivery.Delivery, error) {
	m := new(deliveryModel)
	err := s.db.NewSelect().
		Model(m).
		Where("id = ?", delID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, webhook.ErrDeliveryNotFound
		}
		return nil, err
	}
	return fromDeliveryModel(m)
}

func (s *Store) ListByEndpoint(ctx context.Context, epID id.ID, opts delivery.ListOpts) ([]*delivery.Delivery, error) {
	if opts.Limit == 0 {
		opts.Limit = delivery.DefaultListLimit
	}

	var models []deliveryModel
	q := s.db.NewSelect().
		Model(&models).
		Where("endpoint_id = ?", epID.String())

	if opts.State != nil {
		q = q.Where("state = ?", string(*opts.State))
	}
	q = q.Order("created_at DESC").
		Limit(opts.Limit).
		Offset(opts.Offset)

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*delivery.Delivery, len(models))
	for i := range models {
		d, err := fromDeliveryModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = d
	}
	return result, nil
}

func (s *Store) ListByEvent(ctx context.Context, evtID id.ID) ([]*delivery.Delivery, error) {
	var models []deliveryModel
	err := s.db.NewSelect().
		Model(&models).
		Where("event_id = ?", evtID.String()).
		Order("created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]*delivery.Delivery, len(models))
	for i := range models {
		d, err := fromDeliveryModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = d
	}
	return result, nil
}

func (s *Store) CountPending(ctx context.Context) (int64, error) {
	count, err := s.db.NewSelect().
		Model((*deliveryModel)(nil)).
		Where("state IN (?)", bun.In([]string{
			string(delivery.StatePending),
			string(delivery.StateRetryScheduled),
		})).
		Count(ctx)
	return int64(count), err
}

// ==================== DLQ Store ====================

func (s *Store) Push(ctx context.Context, entry *dlq.Entry) error {
	m := toDLQEntryModel(entry)
	_, err := s.db.NewInsert().Model(m).Exec(ctx)
	return err
}

func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	var models []dlqEntryModel
	q := s.db.NewSelect().Model(&models)

	if opts.TenantID != "" {
		q = q.Where("tenant_id = ?", opts.TenantID)
	}
	if opts.EndpointID != nil {
		q = q.Where("endpoint_id = ?", opts.EndpointID.String())
	}
	if opts.From != nil {
		q = q.Where("failed_at >= ?", *opts.From)
	}
	if opts.To != nil {
		q = q.Where("failed_at <= ?", *opts.To)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.Order("failed_at DESC")

	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*dlq.Entry, len(models))
	for i := range models {
		entry, err := fromDLQEntryModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = entry
	}
	return result, nil
}

func (s *Store) GetDLQ(ctx context.Context, dlqID id.ID) (*dlq.Entry, error) {
	m := new(dlqEntryModel)
	err := s.db.NewSelect().
		Model(m).
		Where("id = ?", dlqID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, webhook.ErrDLQNotFound
		}
		return nil, err
	}
	return fromDLQEntryModel(m)
}

// Replay marks a DLQ entry as replayed and re-enqueues a fresh delivery
// with a full attempt budget.
func (s *Store) Replay(ctx context.Context, dlqID id.ID) error {
	entry, err := s.GetDLQ(ctx, dlqID)
	if err != nil {
		return err
	}
	if err := s.replayEntry(ctx, entry); err != nil {
		return err
	}
	return nil
}

func (s *Store) replayEntry(ctx context.Context, entry *dlq.Entry) error {
	// Retire the terminal delivery so the pair index accepts the replay.
	if _, err := s.db.NewDelete().
		Model((*deliveryModel)(nil)).
		Where("event_id = ?", entry.EventID.String()).
		Where("endpoint_id = ?", entry.EndpointID.String()).
		Exec(ctx); err != nil {
		return err
	}

	now := time.Now().UTC()
	d := &delivery.Delivery{
		ID:          id.NewDeliveryID(),
		EventID:     entry.EventID,
		EndpointID:  entry.EndpointID,
		State:       delivery.StatePending,
		MaxAttempts: 5,
	}
	d.CreatedAt = now
	d.UpdatedAt = now
	if err := s.Enqueue(ctx, d); err != nil {
		return err
	}

	_, err := s.db.NewUpdate().
		Model((*dlqEntryModel)(nil)).
		Set("replayed_at = ?", now).
		Set("updated_at = ?", now).
		Where("id = ?", entry.ID.String()).
		Exec(ctx)
	return err
}

func (s *Store) ReplayBulk(ctx context.Context, from, to time.Time) (int64, error) {
	var models []dlqEntryModel
	if err := s.db.NewSelect().
		Model(&models).
		Where("failed_at >= ?", from).
		Where("failed_at <= ?", to).
		Where("replayed_at IS NULL").
		Scan(ctx); err != nil {
		return 0, err
	}

	var count int64
	for i := range models {
		entry, err := fromDLQEntryModel(&models[i])
		if err != nil {
			return count, err
		}
		if err := s.replayEntry(ctx, entry); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (s *Store) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.NewDelete().
		Model((*dlqEntryModel)(nil)).
		Where("created_at < ?", before).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	count, err := s.db.NewSelect().
		Model((*dlqEntryModel)(nil)).
		Count(ctx)
	return int64(count), err
}

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
