package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/streamhaus/backbone/core/publish"
)

// publishMetrics implements publish.PublishMetrics using Prometheus.
type publishMetrics struct {
	published       *prometheus.CounterVec
	publishFailed   *prometheus.CounterVec
	publishDuration *prometheus.HistogramVec
	deadLettered    *prometheus.CounterVec
	dlqSendFailed   *prometheus.CounterVec
	deduplicated    *prometheus.CounterVec
}

// NewPublishMetrics creates a new Prometheus implementation of
// PublishMetrics.
func NewPublishMetrics(reg prometheus.Registerer) publish.PublishMetrics {
	m := &publishMetrics{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backbone_publish_total",
			Help: "Total number of acknowledged broker publishes",
		}, []string{"topic"}),

		publishFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backbone_publish_failed_total",
			Help: "Total number of rejected or unacknowledged publishes",
		}, []string{"topic"}),

		publishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "backbone_publish_duration_seconds",
			Help:    "Time from send to broker acknowledgment in seconds",
			Buckets: defaultBuckets,
		}, []string{"topic"}),

		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backbone_publish_dead_lettered_total",
			Help: "Total number of messages routed to a dead-letter channel",
		}, []string{"topic"}),

		dlqSendFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backbone_publish_dlq_send_failed_total",
			Help: "Total number of dead-letter sends that failed and were dropped",
		}, []string{"topic"}),

		deduplicated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backbone_publish_deduplicated_total",
			Help: "Total number of publishes suppressed by the dedup window",
		}, []string{"topic"}),
	}

	reg.MustRegister(
		m.published,
		m.publishFailed,
		m.publishDuration,
		m.deadLettered,
		m.dlqSendFailed,
		m.deduplicated,
	)

	return m
}

func (m *publishMetrics) Published(topic string) {
	m.published.WithLabelValues(topic).Inc()
}

func (m *publishMetrics) PublishFailed(topic string) {
	m.publishFailed.WithLabelValues(topic).Inc()
}

func (m *publishMetrics) PublishDuration(topic string, seconds float64) {
	m.publishDuration.WithLabelValues(topic).Observe(seconds)
}

func (m *publishMetrics) DeadLettered(topic string) {
	m.deadLettered.WithLabelValues(topic).Inc()
}

func (m *publishMetrics) DLQSendFailed(topic string) {
	m.dlqSendFailed.WithLabelValues(topic).Inc()
}

func (m *publishMetrics) Deduplicated(topic string) {
	m.deduplicated.WithLabelValues(topic).Inc()
}

var _ publish.PublishMetrics = (*publishMetrics)(nil)
