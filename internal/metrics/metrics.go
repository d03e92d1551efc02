// Package metrics holds the Prometheus collectors of the bridge. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Delivery paths.
const (
	PathLive    = "live"
	PathHandoff = "handoff"
	PathQueued  = "queued"
	PathPulled  = "pulled"
)

type Metrics struct {
	connections     prometheus.Gauge
	waiters         prometheus.Gauge
	messagesSaved   *prometheus.CounterVec
	persistFailures prometheus.Counter
	deliveries      *prometheus.CounterVec
	queueEvictions  prometheus.Counter
	pushEvictions   prometheus.Counter
	frameErrors     *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatbridge_connections_active",
			Help: "Current number of authenticated WebSocket connections.",
		}),
		waiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatbridge_longpoll_waiters",
			Help: "Current number of parked long-poll requests.",
		}),
		messagesSaved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatbridge_messages_saved_total",
			Help: "Messages persisted, by message type.",
		}, []string{"type"}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatbridge_persist_failures_total",
			Help: "Messages rejected because they could not be stored.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatbridge_deliveries_total",
			Help: "Messages handed towards a recipient, by path.",
		}, []string{"path"}),
		queueEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatbridge_pending_evictions_total",
			Help: "Pending entries dropped because a recipient queue was full.",
		}),
		pushEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatbridge_connection_evictions_total",
			Help: "Connections dropped after a failed push.",
		}),
		frameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatbridge_frame_errors_total",
			Help: "Error frames sent to clients, by error code.",
		}, []string{"code"}),
	}

	reg.MustRegister(
		m.connections,
		m.waiters,
		m.messagesSaved,
		m.persistFailures,
		m.deliveries,
		m.queueEvictions,
		m.pushEvictions,
		m.frameErrors,
	)
	return m
}

func (m *Metrics) SetConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}

func (m *Metrics) WaiterParked() {
	if m == nil {
		return
	}
	m.waiters.Inc()
}

func (m *Metrics) WaiterDone() {
	if m == nil {
		return
	}
	m.waiters.Dec()
}

func (m *Metrics) MessageSaved(messageType string) {
	if m == nil {
		return
	}
	m.messagesSaved.WithLabelValues(messageType).Inc()
}

func (m *Metrics) PersistFailed() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}

func (m *Metrics) Delivered(path string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.deliveries.WithLabelValues(path).Add(float64(n))
}

func (m *Metrics) QueueEvicted() {
	if m == nil {
		return
	}
	m.queueEvictions.Inc()
}

func (m *Metrics) ConnectionEvicted() {
	if m == nil {
		return
	}
	m.pushEvictions.Inc()
}

func (m *Metrics) FrameError(code string) {
	if m == nil {
		return
	}
	m.frameErrors.WithLabelValues(code).Inc()
}
