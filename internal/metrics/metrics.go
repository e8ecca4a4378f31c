// Package metrics holds the Prometheus collectors of the sync engine. A nil
// *Metrics is valid and records nothing, so components can run without it.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatsync"

// Metrics is a private registry plus the engine's collectors.
type Metrics struct {
	reg *prometheus.Registry

	eventsApplied     *prometheus.CounterVec
	malformedFrames   prometheus.Counter
	reconnectAttempts prometheus.Counter
	unreachable       prometheus.Counter
	outboxSends       *prometheus.CounterVec
	outboxResends     prometheus.Counter
	outboxFailures    prometheus.Counter
	readAcks          prometheus.Counter
	outboxDepth       *prometheus.GaugeVec
	connectedSessions prometheus.Gauge
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		eventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_applied_total",
			Help:      "Server events applied by the reconciler, by type.",
		}, []string{"type"}),
		malformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_frames_total",
			Help:      "Inbound frames dropped because they could not be decoded.",
		}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Scheduled reconnect attempts.",
		}),
		unreachable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unreachable_total",
			Help:      "Sessions that exhausted their reconnect attempts.",
		}),
		outboxSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_sends_total",
			Help:      "Outbox operations transmitted, by kind.",
		}, []string{"kind"}),
		outboxResends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_resends_total",
			Help:      "Outbox transmissions that were retries of an earlier send.",
		}),
		outboxFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_failures_total",
			Help:      "Outbox operations that ran out of attempts.",
		}),
		readAcks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "read_acks_total",
			Help:      "Read acknowledgements sent.",
		}),
		outboxDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_depth",
			Help:      "Unconfirmed outbox operations, by chat.",
		}, []string{"chat_id"}),
		connectedSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_sessions",
			Help:      "Transport sessions currently connected.",
		}),
	}
	m.reg.MustRegister(
		m.eventsApplied,
		m.malformedFrames,
		m.reconnectAttempts,
		m.unreachable,
		m.outboxSends,
		m.outboxResends,
		m.outboxFailures,
		m.readAcks,
		m.outboxDepth,
		m.connectedSessions,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) EventApplied(eventType string) {
	if m == nil {
		return
	}
	m.eventsApplied.WithLabelValues(eventType).Inc()
}

func (m *Metrics) MalformedFrame() {
	if m == nil {
		return
	}
	m.malformedFrames.Inc()
}

func (m *Metrics) ReconnectScheduled() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) Unreachable() {
	if m == nil {
		return
	}
	m.unreachable.Inc()
}

// OutboxSent records one transmission; resend marks a retry.
func (m *Metrics) OutboxSent(kind string, resend bool) {
	if m == nil {
		return
	}
	m.outboxSends.WithLabelValues(kind).Inc()
	if resend {
		m.outboxResends.Inc()
	}
}

func (m *Metrics) OutboxFailed() {
	if m == nil {
		return
	}
	m.outboxFailures.Inc()
}

func (m *Metrics) ReadAck() {
	if m == nil {
		return
	}
	m.readAcks.Inc()
}

func (m *Metrics) SetOutboxDepth(chatID int64, n int) {
	if m == nil {
		return
	}
	m.outboxDepth.WithLabelValues(strconv.FormatInt(chatID, 10)).Set(float64(n))
}

// SessionConnected moves the connected-sessions gauge by +1 or -1.
func (m *Metrics) SessionConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.connectedSessions.Inc()
	} else {
		m.connectedSessions.Dec()
	}
}
