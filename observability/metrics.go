// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the webhook delivery engine.
package observability

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the metric instruments for the delivery engine.
type Metrics struct {
	EventsRecorded    prometheus.Counter
	Deliveries        *prometheus.CounterVec
	DeliveryLatency   prometheus.Histogram
	PendingDeliveries prometheus.Gauge
	DLQSize           prometheus.Gauge
}

// NewMetrics creates the webhook metric instruments and registers them on
// the given registerer. Pass prometheus.DefaultRegisterer for the common
// case, or a private registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "webhook_events_recorded_total",
			Help: "Domain events recorded for webhook fan-out.",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Webhook delivery attempts by outcome.",
		}, []string{"status"}),
		DeliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "webhook_delivery_latency_seconds",
			Help:    "Webhook delivery attempt latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		PendingDeliveries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webhook_pending_deliveries",
			Help: "Deliveries awaiting an attempt.",
		}),
		DLQSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "webhook_dlq_size",
			Help: "Entries in the dead letter queue.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.EventsRecorded,
			m.Deliveries,
			m.DeliveryLatency,
			m.PendingDeliveries,
			m.DLQSize,
		)
	}

	return m
}

// RecordDelivery records a delivery attempt outcome and its latency.
func (m *Metrics) RecordDelivery(status string, latencySeconds float64) {
	m.Deliveries.WithLabelValues(status).Inc()
	m.DeliveryLatency.Observe(latencySeconds)
}
