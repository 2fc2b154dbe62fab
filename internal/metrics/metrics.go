// Package metrics provides Prometheus instrumentation for the polling
// engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/NotoriosTI/notorios-odoo-orders-sync-MS/internal/domain/connection"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	CyclesTotal      *prometheus.CounterVec
	OrdersFound      *prometheus.CounterVec
	OrdersSent       *prometheus.CounterVec
	OrdersFailed     *prometheus.CounterVec
	DeliveriesTotal  *prometheus.CounterVec
	RetriesEnqueued  *prometheus.CounterVec
	RetriesExhausted *prometheus.CounterVec
	BreakerState     *prometheus.GaugeVec
	ActiveWorkers    prometheus.Gauge
}

// New creates and registers the engine collectors. Pass
// prometheus.NewRegistry() in tests to avoid global registration clashes.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poller",
			Name:      "cycles_total",
			Help:      "Completed poll cycles by connection and outcome.",
		}, []string{"connection", "outcome"}),
		OrdersFound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poller",
			Name:      "orders_found_total",
			Help:      "Orders returned by Odoo before deduplication.",
		}, []string{"connection"}),
		OrdersSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poller",
			Name:      "orders_sent_total",
			Help:      "Orders acknowledged by the webhook receiver.",
		}, []string{"connection"}),
		OrdersFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poller",
			Name:      "orders_failed_total",
			Help:      "Orders that failed permanently or were unmappable.",
		}, []string{"connection"}),
		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poller",
			Name:      "webhook_deliveries_total",
			Help:      "Webhook delivery attempts by connection and result.",
		}, []string{"connection", "result"}),
		RetriesEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poller",
			Name:      "retries_enqueued_total",
			Help:      "Retry items created after transient delivery failures.",
		}, []string{"connection"}),
		RetriesExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "poller",
			Name:      "retries_exhausted_total",
			Help:      "Retry items that hit the attempt cap.",
		}, []string{"connection"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "poller",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per connection (0=closed, 1=open, 2=half-open).",
		}, []string{"connection"}),
		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "poller",
			Name:      "active_workers",
			Help:      "Worker tasks currently running.",
		}),
	}

	reg.MustRegister(
		m.CyclesTotal, m.OrdersFound, m.OrdersSent, m.OrdersFailed,
		m.DeliveriesTotal, m.RetriesEnqueued, m.RetriesExhausted,
		m.BreakerState, m.ActiveWorkers,
	)
	return m
}

// SetBreakerState records the persisted breaker state as a gauge value.
func (m *Metrics) SetBreakerState(conn string, state connection.BreakerState) {
	var v float64
	switch state {
	case connection.BreakerOpen:
		v = 1
	case connection.BreakerHalfOpen:
		v = 2
	}
	m.BreakerState.WithLabelValues(conn).Set(v)
}
