package webhook

import (
	"log/slog"
	"time"

	"github.com/lettermill/webhook/catalog"
	"github.com/lettermill/webhook/delivery"
	"github.com/lettermill/webhook/dlq"
	"github.com/lettermill/webhook/endpoint"
	"github.com/lettermill/webhook/observability"
	"github.com/lettermill/webhook/store"
)

// Hub is the root webhook delivery engine.
type Hub struct {
	config      Config
	store       store.Store
	validator   *catalog.Validator
	endpointSvc *endpoint.Service
	engine      *delivery.Engine
	dlqSvc      *dlq.Service
	metrics     *observability.Metrics
	tracer      *observability.Tracer
	logger      *slog.Logger
}

// Option configures a Hub instance.
type Option func(*Hub) error

// New creates a new Hub with the given options.
func New(opts ...Option) (*Hub, error) {
	h := &Hub{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(h); err != nil {
			return nil, err
		}
	}
	if h.store == nil {
		return nil, ErrNoStore
	}
	h.wireServices()
	return h, nil
}

// WithStore sets the persistence backend for the Hub instance.
func WithStore(s store.Store) Option {
	return func(h *Hub) error {
		h.store = s
		return nil
	}
}

// WithLogger sets the structured logger for the Hub instance.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) error {
		h.logger = logger
		return nil
	}
}

// WithConfig replaces the entire configuration, e.g. one built by LoadConfig.
func WithConfig(cfg Config) Option {
	return func(h *Hub) error {
		h.config = cfg
		return nil
	}
}

// WithMetrics sets the Prometheus metric instruments.
func WithMetrics(m *observability.Metrics) Option {
	return func(h *Hub) error {
		h.metrics = m
		return nil
	}
}

// WithTracer sets the OpenTelemetry delivery tracer.
func WithTracer(t *observability.Tracer) Option {
	return func(h *Hub) error {
		h.tracer = t
		return nil
	}
}

// WithConcurrency sets the number of delivery worker goroutines.
func WithConcurrency(n int) Option {
	return func(h *Hub) error {
		h.config.Concurrency = n
		return nil
	}
}

// WithPollInterval sets how often the dispatch loop checks for due deliveries.
func WithPollInterval(d time.Duration) Option {
	return func(h *Hub) error {
		h.config.PollInterval = d
		return nil
	}
}

// WithBatchSize sets the maximum number of deliveries dequeued per poll cycle.
func WithBatchSize(n int) Option {
	return func(h *Hub) error {
		h.config.BatchSize = n
		return nil
	}
}

// WithRequestTimeout sets the HTTP timeout per delivery attempt.
func WithRequestTimeout(d time.Duration) Option {
	return func(h *Hub) error {
		h.config.RequestTimeout = d
		return nil
	}
}

// WithMaxAttempts sets the number of attempts before a delivery is abandoned.
func WithMaxAttempts(n int) Option {
	return func(h *Hub) error {
		h.config.MaxAttempts = n
		return nil
	}
}

// WithRetrySchedule sets the backoff intervals between retry attempts.
func WithRetrySchedule(schedule []time.Duration) Option {
	return func(h *Hub) error {
		h.config.RetrySchedule = schedule
		return nil
	}
}

// WithCaptureLimit bounds the stored response body excerpt.
func WithCaptureLimit(n int) Option {
	return func(h *Hub) error {
		h.config.CaptureLimit = n
		return nil
	}
}

// WithShutdownTimeout sets the maximum wait for in-flight deliveries on shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(h *Hub) error {
		h.config.ShutdownTimeout = d
		return nil
	}
}
