package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for Dispatchly
type Metrics struct {
	// Message counters
	MessagesSentTotal   *prometheus.CounterVec
	MessagesFailedTotal *prometheus.CounterVec

	// Attribution counters
	LinkClicksTotal     prometheus.Counter
	SessionEventsTotal  prometheus.Counter
	EventsDroppedTotal  prometheus.Counter
	UnsubscribesTotal   prometheus.Counter
	ResubscribesTotal   prometheus.Counter

	// Queue gauges
	QueueWaiting prometheus.Gauge
	QueueDelayed prometheus.Gauge
	QueueActive  prometheus.Gauge
	QueueFailed  prometheus.Gauge

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatchly_messages_sent_total",
				Help: "Total number of messages accepted by a provider",
			},
			[]string{"channel"},
		),
		MessagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatchly_messages_failed_total",
				Help: "Total number of messages that failed or were blocked",
			},
			[]string{"channel"},
		),
		LinkClicksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dispatchly_link_clicks_total",
				Help: "Total number of tracked link clicks",
			},
		),
		SessionEventsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dispatchly_session_events_total",
				Help: "Total number of recorded on-site session events",
			},
		),
		EventsDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dispatchly_events_dropped_total",
				Help: "Total number of behavioral events dropped by the publisher",
			},
		),
		UnsubscribesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dispatchly_unsubscribes_total",
				Help: "Total number of self-service unsubscribes",
			},
		),
		ResubscribesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dispatchly_resubscribes_total",
				Help: "Total number of self-service resubscribes",
			},
		),
		QueueWaiting: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dispatchly_queue_waiting",
				Help: "Number of dispatch jobs waiting to run",
			},
		),
		QueueDelayed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dispatchly_queue_delayed",
				Help: "Number of dispatch jobs scheduled or backing off",
			},
		),
		QueueActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dispatchly_queue_active",
				Help: "Number of dispatch jobs currently running",
			},
		),
		QueueFailed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dispatchly_queue_failed",
				Help: "Number of permanently failed dispatch jobs",
			},
		),
		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatchly_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatchly_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.MessagesSentTotal,
		m.MessagesFailedTotal,
		m.LinkClicksTotal,
		m.SessionEventsTotal,
		m.EventsDroppedTotal,
		m.UnsubscribesTotal,
		m.ResubscribesTotal,
		m.QueueWaiting,
		m.QueueDelayed,
		m.QueueActive,
		m.QueueFailed,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
	)

	return m
}

// Handler returns the HTTP handler serving the registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// MessageSent implements dispatch.Recorder
func (m *Metrics) MessageSent(channel string) {
	m.MessagesSentTotal.WithLabelValues(channel).Inc()
}

// MessageFailed implements dispatch.Recorder
func (m *Metrics) MessageFailed(channel string) {
	m.MessagesFailedTotal.WithLabelValues(channel).Inc()
}
