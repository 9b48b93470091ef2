// ABOUTME: Prometheus collectors for connections, broadcasts, requests, and runs
// ABOUTME: Registered against a caller-supplied registry so instances can coexist

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "switchboard"

// Metrics exposes the gateway's Prometheus collectors.
type Metrics struct {
	clients        prometheus.Gauge
	nodes          prometheus.Gauge
	framesSent     *prometheus.CounterVec
	framesDropped  *prometheus.CounterVec
	slowConsumers  prometheus.Counter
	seqGaps        prometheus.Counter
	dedupeHits     *prometheus.CounterVec
	requests       *prometheus.HistogramVec
	chatTerminals  *prometheus.CounterVec
	handshakeFails *prometheus.CounterVec
}

// MustNewMetrics creates the collectors and registers them with reg,
// panicking on registration errors.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients_connected",
			Help:      "WebSocket clients that completed the handshake.",
		}),
		nodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bridge_nodes_connected",
			Help:      "Bridge nodes that completed the hello exchange.",
		}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_sent_total",
			Help:      "Event frames enqueued to connections.",
		}, []string{"event"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Droppable event frames skipped for slow connections.",
		}, []string{"event"}),
		slowConsumers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slow_consumer_closes_total",
			Help:      "Connections closed for exceeding the outbound buffer limit.",
		}),
		seqGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_seq_gaps_total",
			Help:      "Agent events whose sequence number did not follow the previous one.",
		}),
		dedupeHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedupe_replays_total",
			Help:      "Idempotent requests answered from the dedupe cache.",
		}, []string{"class"}),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time spent handling requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "outcome"}),
		chatTerminals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_runs_finished_total",
			Help:      "Chat runs that reached a terminal state.",
		}, []string{"state"}),
		handshakeFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_failures_total",
			Help:      "Connections closed during the handshake.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.clients,
		m.nodes,
		m.framesSent,
		m.framesDropped,
		m.slowConsumers,
		m.seqGaps,
		m.dedupeHits,
		m.requests,
		m.chatTerminals,
		m.handshakeFails,
	)
	return m
}

// SetClients records the number of connected WebSocket clients.
func (m *Metrics) SetClients(n int) {
	if m == nil {
		return
	}
	m.clients.Set(float64(n))
}

// SetNodes records the number of connected bridge nodes.
func (m *Metrics) SetNodes(n int) {
	if m == nil {
		return
	}
	m.nodes.Set(float64(n))
}

// EventSent counts one enqueued event frame.
func (m *Metrics) EventSent(event string) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(event).Inc()
}

// EventDropped counts one skipped droppable frame.
func (m *Metrics) EventDropped(event string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(event).Inc()
}

// SlowConsumerClosed counts a connection closed for backpressure.
func (m *Metrics) SlowConsumerClosed() {
	if m == nil {
		return
	}
	m.slowConsumers.Inc()
}

// SeqGap counts a detected agent sequence gap.
func (m *Metrics) SeqGap() {
	if m == nil {
		return
	}
	m.seqGaps.Inc()
}

// DedupeReplay counts a request answered from the dedupe cache.
func (m *Metrics) DedupeReplay(class string) {
	if m == nil {
		return
	}
	m.dedupeHits.WithLabelValues(class).Inc()
}

// ObserveRequest records how long a request took and whether it succeeded.
func (m *Metrics) ObserveRequest(method string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.requests.WithLabelValues(method, outcome).Observe(d.Seconds())
}

// ChatRunFinished counts a chat run reaching a terminal state.
func (m *Metrics) ChatRunFinished(state string) {
	if m == nil {
		return
	}
	m.chatTerminals.WithLabelValues(state).Inc()
}

// HandshakeFailed counts a connection rejected during the handshake.
func (m *Metrics) HandshakeFailed(reason string) {
	if m == nil {
		return
	}
	m.handshakeFails.WithLabelValues(reason).Inc()
}
