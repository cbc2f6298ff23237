package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/lettermill/webhook/endpoint"
	"github.com/lettermill/webhook/event"
	"github.com/lettermill/webhook/id"
	"github.com/lettermill/webhook/observability"
	"github.com/lettermill/webhook/ratelimit"
)

// EngineStore is the interface the engine needs for delivery operations.
type EngineStore interface {
	// Dequeue fetches due deliveries: Pending, or RetryScheduled with
	// NextRetryAt <= now, restricted to enabled endpoints. Implementations
	// must hand a delivery to only one caller at a time.
	Dequeue(ctx context.Context, limit int) ([]*Delivery, error)
	UpdateDelivery(ctx context.Context, d *Delivery) error
	GetEndpoint(ctx context.Context, epID id.ID) (*endpoint.Endpoint, error)
	GetEvent(ctx context.Context, evtID id.ID) (*event.Event, error)
}

// DLQPusher records exhausted deliveries in the dead letter queue.
type DLQPusher interface {
	PushFailed(ctx context.Context, d *Delivery, ep *endpoint.Endpoint, evt *event.Event, lastError string, lastStatusCode int) error
}

// EngineConfig holds engine configuration.
type EngineConfig struct {
	Concurrency    int
	PollInterval   time.Duration
	BatchSize      int
	RequestTimeout time.Duration
	CaptureLimit   int
	RetrySchedule  []time.Duration
	Metrics        *observability.Metrics
	Tracer         *observability.Tracer
}

// Engine is the dispatch loop: it periodically pulls due deliveries and
// drives each through one sender attempt and one retrier decision, then
// persists the transition in a single write.
type Engine struct {
	store   EngineStore
	sender  *Sender
	retrier *Retrier
	limiter *ratelimit.Limiter
	dlq     DLQPusher
	config  EngineConfig
	logger  *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates a delivery engine.
func NewEngine(store EngineStore, dlq DLQPusher, cfg EngineConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:   store,
		sender:  NewSender(cfg.RequestTimeout, cfg.CaptureLimit),
		retrier: NewRetrier(cfg.RetrySchedule),
		limiter: ratelimit.New(),
		dlq:     dlq,
		config:  cfg,
		logger:  logger,
	}
}

// Start begins the poll loop.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pollLoop(ctx)
	}()
}

// Stop cancels the poll loop and waits for in-flight attempts to finish and
// persist. An attempt already started runs to completion.
func (e *Engine) Stop(_ context.Context) {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// pollLoop runs on a fixed interval regardless of queue depth. Attempts are
// spread across a bounded worker pool; a single delivery is only ever owned
// by one worker because Dequeue hands it out exactly once per cycle.
func (e *Engine) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	sem := make(chan struct{}, e.config.Concurrency)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			batch, err := e.store.Dequeue(ctx, e.config.BatchSize)
			if err != nil {
				e.logger.ErrorContext(ctx, "dequeue failed", "error", err)
				continue
			}

			for _, d := range batch {
				select {
				case <-ctx.Done():
					return
				case sem <- struct{}{}:
				}

				e.wg.Add(1)
				go func(del *Delivery) {
					defer e.wg.Done()
					defer func() { <-sem }()
					e.process(ctx, del)
				}(d)
			}
		}
	}
}

// SendTest performs a single synchronous attempt against an endpoint with
// the synthetic ping payload. Nothing is persisted; the result goes straight
// back to the caller.
func (e *Engine) SendTest(ctx context.Context, ep *endpoint.Endpoint) Result {
	return e.sender.SendTest(ctx, ep)
}

// process handles one delivery: fetch endpoint + event, attempt, decide,
// persist. Attempt failures are fully contained here; nothing propagates to
// the loop.
func (e *Engine) process(ctx context.Context, d *Delivery) {
	var span trace.Span
	if e.config.Tracer != nil {
		ctx, span = e.config.Tracer.StartDeliverySpan(ctx, d.ID.String(), d.EventID.String(), d.EndpointID.String())
	}

	ep, err := e.store.GetEndpoint(ctx, d.EndpointID)
	if err != nil {
		e.logger.ErrorContext(ctx, "get endpoint failed",
			"delivery_id", d.ID, "endpoint_id", d.EndpointID, "error", err)
		e.endSpan(span, 0, 0, err.Error())
		return
	}

	evt, err := e.store.GetEvent(ctx, d.EventID)
	if err != nil {
		e.logger.ErrorContext(ctx, "get event failed",
			"delivery_id", d.ID, "event_id", d.EventID, "error", err)
		e.endSpan(span, 0, 0, err.Error())
		return
	}

	if err := e.limiter.Wait(ctx, ep.ID.String(), ep.RateLimit); err != nil {
		// Shutdown while throttled: the delivery stays due and is picked up
		// on the next cycle.
		e.endSpan(span, 0, 0, err.Error())
		return
	}

	// Past the throttle gate the attempt is committed: it runs to
	// completion and persists even if shutdown begins mid-request.
	ctx = context.WithoutCancel(ctx)

	now := time.Now().UTC()
	d.AttemptCount++
	d.LastAttemptAt = &now

	result := e.sender.Send(ctx, ep, evt)

	d.LastError = result.Error
	d.ResponseStatusCode = result.StatusCode
	d.ResponseExcerpt = result.Response
	d.LastLatencyMs = result.LatencyMs

	latencySeconds := float64(result.LatencyMs) / 1000.0

	switch e.retrier.Decide(result, d) {
	case Succeeded:
		completed := time.Now().UTC()
		d.State = StateSent
		d.NextRetryAt = nil
		d.CompletedAt = &completed
		if e.config.Metrics != nil {
			e.config.Metrics.RecordDelivery("sent", latencySeconds)
			e.config.Metrics.PendingDeliveries.Dec()
		}
		e.logger.DebugContext(ctx, "delivered",
			"delivery_id", d.ID, "status", result.StatusCode, "latency_ms", result.LatencyMs)

	case Retry:
		next := e.retrier.NextRetryAt(d.AttemptCount)
		d.State = StateRetryScheduled
		d.NextRetryAt = &next
		if e.config.Metrics != nil {
			e.config.Metrics.RecordDelivery("retried", latencySeconds)
		}
		e.logger.DebugContext(ctx, "retry scheduled",
			"delivery_id", d.ID, "attempt", d.AttemptCount, "next_retry_at", next)

	case Exhausted:
		completed := time.Now().UTC()
		d.State = StateFailed
		d.NextRetryAt = nil
		d.CompletedAt = &completed
		if e.dlq != nil {
			if dlqErr := e.dlq.PushFailed(ctx, d, ep, evt, result.Error, result.StatusCode); dlqErr != nil {
				e.logger.ErrorContext(ctx, "push to DLQ failed",
					"delivery_id", d.ID, "error", dlqErr)
			}
		}
		if e.config.Metrics != nil {
			e.config.Metrics.RecordDelivery("failed", latencySeconds)
			e.config.Metrics.PendingDeliveries.Dec()
			e.config.Metrics.DLQSize.Inc()
		}
		e.logger.WarnContext(ctx, "delivery attempts exhausted",
			"delivery_id", d.ID, "status", result.StatusCode, "error", result.Error)
	}

	e.endSpan(span, d.ResponseStatusCode, d.LastLatencyMs, d.LastError)

	// One write carries attempt count, state, retry time, and response
	// fields together, so a crash cannot leave a half-applied transition.
	if updateErr := e.store.UpdateDelivery(ctx, d); updateErr != nil {
		e.logger.ErrorContext(ctx, "update delivery failed",
			"delivery_id", d.ID, "error", updateErr)
	}
}

func (e *Engine) endSpan(span trace.Span, statusCode, latencyMs int, errMsg string) {
	if span != nil && e.config.Tracer != nil {
		e.config.Tracer.EndDeliverySpan(span, statusCode, latencyMs, errMsg)
	}
}
