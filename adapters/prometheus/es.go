package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/streamhaus/backbone/core/es"
	"github.com/streamhaus/backbone/core/metrics"
)

// esMetrics implements es.ESMetrics using Prometheus.
type esMetrics struct {
	// Store metrics
	storeLoadDuration    *prometheus.HistogramVec
	storeAppendDuration  *prometheus.HistogramVec
	eventsAppended       *prometheus.CounterVec
	concurrencyConflicts *prometheus.CounterVec

	// Snapshot and rebuild metrics
	snapshotLoadDuration *prometheus.HistogramVec
	snapshotSaveDuration *prometheus.HistogramVec
	rebuildDuration      *prometheus.HistogramVec

	// Consumer metrics
	consumerEventDuration *prometheus.HistogramVec
	consumerEvents        *prometheus.CounterVec
	consumerLag           *prometheus.GaugeVec

	// Projection metrics
	projectionStale *prometheus.GaugeVec
}

// NewESMetrics creates a new Prometheus implementation of ESMetrics.
func NewESMetrics(reg prometheus.Registerer) es.ESMetrics {
	m := &esMetrics{
		storeLoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "backbone_es_store_load_duration_seconds",
			Help:    "Event store load latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		storeAppendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "backbone_es_store_append_duration_seconds",
			Help:    "Event store append latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backbone_es_events_appended_total",
			Help: "Total number of events appended",
		}, []string{"aggregate_type"}),

		concurrencyConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backbone_es_concurrency_conflicts_total",
			Help: "Total number of optimistic lock failures",
		}, []string{"aggregate_type"}),

		snapshotLoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "backbone_es_snapshot_load_duration_seconds",
			Help:    "Snapshot load latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		snapshotSaveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "backbone_es_snapshot_save_duration_seconds",
			Help:    "Snapshot save latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		rebuildDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "backbone_es_rebuild_duration_seconds",
			Help:    "Aggregate rebuild latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		consumerEventDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "backbone_es_consumer_event_duration_seconds",
			Help:    "Event processing time in seconds",
			Buckets: defaultBuckets,
		}, []string{"event_type", "live"}),

		consumerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backbone_es_consumer_events_total",
			Help: "Total number of events processed",
		}, []string{"event_type", "live", "success"}),

		consumerLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "backbone_es_consumer_lag",
			Help: "Consumer lag (sequences behind)",
		}, []string{"consumer"}),

		projectionStale: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "backbone_es_projection_stale",
			Help: "1 while a projection is out of date, 0 otherwise",
		}, []string{"projection"}),
	}

	reg.MustRegister(
		m.storeLoadDuration,
		m.storeAppendDuration,
		m.eventsAppended,
		m.concurrencyConflicts,
		m.snapshotLoadDuration,
		m.snapshotSaveDuration,
		m.rebuildDuration,
		m.consumerEventDuration,
		m.consumerEvents,
		m.consumerLag,
		m.projectionStale,
	)

	return m
}

func (m *esMetrics) StoreLoadDuration(aggType string) metrics.Timer {
	return newTimer(m.storeLoadDuration.WithLabelValues(aggType))
}

func (m *esMetrics) StoreAppendDuration(aggType string) metrics.Timer {
	return newTimer(m.storeAppendDuration.WithLabelValues(aggType))
}

func (m *esMetrics) EventsAppended(aggType string, count int) {
	m.eventsAppended.WithLabelValues(aggType).Add(float64(count))
}

func (m *esMetrics) ConcurrencyConflict(aggType string) {
	m.concurrencyConflicts.WithLabelValues(aggType).Inc()
}

func (m *esMetrics) SnapshotLoadDuration(aggType string) metrics.Timer {
	return newTimer(m.snapshotLoadDuration.WithLabelValues(aggType))
}

func (m *esMetrics) SnapshotSaveDuration(aggType string) metrics.Timer {
	return newTimer(m.snapshotSaveDuration.WithLabelValues(aggType))
}

func (m *esMetrics) RebuildDuration(aggType string) metrics.Timer {
	return newTimer(m.rebuildDuration.WithLabelValues(aggType))
}

func boolToStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func (m *esMetrics) ConsumerEventDuration(eventType string, live bool) metrics.Timer {
	return newTimer(m.consumerEventDuration.WithLabelValues(eventType, boolToStr(live)))
}

func (m *esMetrics) ConsumerEventProcessed(eventType string, live bool, success bool) {
	m.consumerEvents.WithLabelValues(eventType, boolToStr(live), boolToStr(success)).Inc()
}

func (m *esMetrics) ConsumerLag(consumer string, lag int64) {
	m.consumerLag.WithLabelValues(consumer).Set(float64(lag))
}

func (m *esMetrics) ProjectionStale(projection string, stale bool) {
	v := 0.0
	if stale {
		v = 1.0
	}
	m.projectionStale.WithLabelValues(projection).Set(v)
}

var _ es.ESMetrics = (*esMetrics)(nil)
