// Package prometheus provides Prometheus implementations of the metrics
// interfaces for the event store, the delivery pipeline and the fan-out
// hub.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/streamhaus/backbone/core/metrics"
)

// timer wraps a Prometheus histogram to implement the Timer interface.
type timer struct {
	h     prometheus.Observer
	start time.Time
}

func newTimer(h prometheus.Observer) metrics.Timer {
	return &timer{h: h, start: time.Now()}
}

func (t *timer) ObserveDuration() {
	t.h.Observe(time.Since(t.start).Seconds())
}

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

// AllMetrics holds Prometheus implementations for every instrumented
// component. Use this to initialize the whole application at once.
type AllMetrics struct {
	ES      *esMetrics
	Publish *publishMetrics
	Fanout  *fanoutMetrics
}

func NewAllMetrics(reg prometheus.Registerer) *AllMetrics {
	return &AllMetrics{
		ES:      NewESMetrics(reg).(*esMetrics),
		Publish: NewPublishMetrics(reg).(*publishMetrics),
		Fanout:  NewFanoutMetrics(reg).(*fanoutMetrics),
	}
}
