package server

import (
	"net/http"

	"github.com/livefish/cmdrelay/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "cmdrelay"

// Metrics holds the server's Prometheus collectors. Each instance owns its
// registry so several servers can live in one process. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions      *prometheus.GaugeVec
	connectionsTotal    prometheus.Counter
	rejectedConnections *prometheus.CounterVec
	loginResults        *prometheus.CounterVec
	messagesReceived    *prometheus.CounterVec
	messagesSent        *prometheus.CounterVec
	requestsIssued      prometheus.Counter
	requestsCompleted   prometheus.Counter
	pendingRequests     prometheus.Gauge
	routingErrors       *prometheus.CounterVec
	disconnects         *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		activeSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_sessions",
			Help:      "Number of logged-in sessions by role",
		}, []string{"role"}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_total",
			Help:      "Accepted connections",
		}),
		rejectedConnections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rejected_connections_total",
			Help:      "Connections refused before login",
		}, []string{"reason"}),
		loginResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "login_results_total",
			Help:      "Login and registration outcomes",
		}, []string{"result"}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_received_total",
			Help:      "Control messages received by type",
		}, []string{"type"}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_sent_total",
			Help:      "Control messages sent by type",
		}, []string{"type"}),
		requestsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_issued_total",
			Help:      "Command requests forwarded to clients",
		}),
		requestsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_completed_total",
			Help:      "Command requests completed by clients",
		}),
		pendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pending_requests",
			Help:      "Requests waiting for a done report",
		}),
		routingErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "routing_errors_total",
			Help:      "Request routing errors by kind",
		}, []string{"kind"}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "disconnects_total",
			Help:      "Session disconnects by role",
		}, []string{"role"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.activeSessions,
		m.connectionsTotal,
		m.rejectedConnections,
		m.loginResults,
		m.messagesReceived,
		m.messagesSent,
		m.requestsIssued,
		m.requestsCompleted,
		m.pendingRequests,
		m.routingErrors,
		m.disconnects,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RecordActiveSessions(admins, clients int) {
	if m == nil {
		return
	}
	m.activeSessions.WithLabelValues("admin").Set(float64(admins))
	m.activeSessions.WithLabelValues("client").Set(float64(clients))
}

func (m *Metrics) RecordConnection() {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
}

func (m *Metrics) RecordRejectedConnection(reason string) {
	if m == nil {
		return
	}
	m.rejectedConnections.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordLoginResult(result protocol.LoginResultCode) {
	if m == nil {
		return
	}
	m.loginResults.WithLabelValues(result.String()).Inc()
}

func (m *Metrics) RecordMessageReceived(t protocol.MessageType) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) RecordMessageSent(t protocol.MessageType) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) RecordRequestIssued(pending int) {
	if m == nil {
		return
	}
	m.requestsIssued.Inc()
	m.pendingRequests.Set(float64(pending))
}

func (m *Metrics) RecordRequestCompleted(pending int) {
	if m == nil {
		return
	}
	m.requestsCompleted.Inc()
	m.pendingRequests.Set(float64(pending))
}

func (m *Metrics) RecordPendingRequests(pending int) {
	if m == nil {
		return
	}
	m.pendingRequests.Set(float64(pending))
}

func (m *Metrics) RecordRoutingError(kind string) {
	if m == nil {
		return
	}
	m.routingErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordDisconnect(role protocol.Role) {
	if m == nil {
		return
	}
	m.disconnects.WithLabelValues(role.String()).Inc()
}
