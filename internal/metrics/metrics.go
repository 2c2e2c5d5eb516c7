// Package metrics exposes Prometheus collectors for the realtime subsystem.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	connections       prometheus.Gauge
	admitted          prometheus.Counter
	messages          *prometheus.CounterVec
	evictions         prometheus.Counter
	rejectedHandshake *prometheus.CounterVec
	pollRequests      *prometheus.CounterVec
	droppedSends      prometheus.Counter
	archiveDropped    prometheus.Counter
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "socialchat",
			Name:      "connections_active",
			Help:      "Live persistent connections held in the registry.",
		}),
		admitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "socialchat",
			Name:      "connections_admitted_total",
			Help:      "Persistent connections admitted after authentication.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "socialchat",
			Name:      "chat_messages_total",
			Help:      "Chat messages published, by transport.",
		}, []string{"transport"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "socialchat",
			Name:      "liveness_evictions_total",
			Help:      "Connections evicted for failing to answer a liveness probe.",
		}),
		rejectedHandshake: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "socialchat",
			Name:      "handshakes_rejected_total",
			Help:      "Realtime handshakes rejected, by reason.",
		}, []string{"reason"}),
		pollRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "socialchat",
			Name:      "poll_requests_total",
			Help:      "Polling channel requests, by method and status code.",
		}, []string{"method", "code"}),
		droppedSends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "socialchat",
			Name:      "dropped_sends_total",
			Help:      "Envelopes that could not be queued for a recipient.",
		}),
		archiveDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "socialchat",
			Name:      "archive_dropped_total",
			Help:      "Messages dropped because the archive queue was full.",
		}),
	}
	reg.MustRegister(
		m.connections,
		m.admitted,
		m.messages,
		m.evictions,
		m.rejectedHandshake,
		m.pollRequests,
		m.droppedSends,
		m.archiveDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ConnectionAdmitted() {
	if m == nil {
		return
	}
	m.admitted.Inc()
	m.connections.Inc()
}

func (m *Metrics) ConnectionRemoved() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) MessagePublished(transport string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(transport).Inc()
}

func (m *Metrics) ConnectionEvicted() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

func (m *Metrics) HandshakeRejected(reason string) {
	if m == nil {
		return
	}
	m.rejectedHandshake.WithLabelValues(reason).Inc()
}

func (m *Metrics) PollRequest(method, code string) {
	if m == nil {
		return
	}
	m.pollRequests.WithLabelValues(method, code).Inc()
}

func (m *Metrics) SendDropped() {
	if m == nil {
		return
	}
	m.droppedSends.Inc()
}

func (m *Metrics) ArchiveDropped() {
	if m == nil {
		return
	}
	m.archiveDropped.Inc()
}
