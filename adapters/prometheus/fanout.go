package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/streamhaus/backbone/core/fanout"
)

// fanoutMetrics implements fanout.FanoutMetrics using Prometheus.
type fanoutMetrics struct {
	connectionsOpened prometheus.Counter
	connectionsClosed prometheus.Counter
	connected         prometheus.Gauge
	eventsBroadcast   *prometheus.CounterVec
	heartbeats        prometheus.Counter
}

// NewFanoutMetrics creates a new Prometheus implementation of
// FanoutMetrics.
func NewFanoutMetrics(reg prometheus.Registerer) fanout.FanoutMetrics {
	m := &fanoutMetrics{
		connectionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backbone_fanout_connections_opened_total",
			Help: "Total number of subscriber connections opened",
		}),

		connectionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backbone_fanout_connections_closed_total",
			Help: "Total number of subscriber connections closed or pruned",
		}),

		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "backbone_fanout_connected",
			Help: "Current number of open subscriber connections",
		}),

		eventsBroadcast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "backbone_fanout_events_broadcast_total",
			Help: "Total number of events broadcast to subscribers",
		}, []string{"event"}),

		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backbone_fanout_heartbeats_total",
			Help: "Total number of heartbeat passes",
		}),
	}

	reg.MustRegister(
		m.connectionsOpened,
		m.connectionsClosed,
		m.connected,
		m.eventsBroadcast,
		m.heartbeats,
	)

	return m
}

func (m *fanoutMetrics) ConnectionOpened() { m.connectionsOpened.Inc() }

func (m *fanoutMetrics) ConnectionClosed() { m.connectionsClosed.Inc() }

func (m *fanoutMetrics) ConnectedCount(n int) { m.connected.Set(float64(n)) }

func (m *fanoutMetrics) EventBroadcast(name string) {
	m.eventsBroadcast.WithLabelValues(name).Inc()
}

func (m *fanoutMetrics) HeartbeatSent() { m.heartbeats.Inc() }

var _ fanout.FanoutMetrics = (*fanoutMetrics)(nil)
