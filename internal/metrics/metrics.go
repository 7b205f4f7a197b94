// Package metrics exposes Prometheus instrumentation for the mesh.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectedAgents tracks the number of live authenticated connections.
	ConnectedAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mesh_connected_agents",
		Help: "Current number of connected agents",
	})

	// MessagesSent counts outbound messages by type.
	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_messages_sent_total",
		Help: "Total messages sent, by message type",
	}, []string{"type"})

	// MessagesReceived counts inbound messages by type.
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_messages_received_total",
		Help: "Total messages received, by message type",
	}, []string{"type"})

	// HandshakeFailures counts failed connection attempts by reason.
	HandshakeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_handshake_failures_total",
		Help: "Failed handshake attempts, by reason",
	}, []string{"reason"}) // not_authorized, tls, auth, timeout

	// FramesDropped counts inbound frames rejected before delivery.
	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_frames_dropped_total",
		Help: "Inbound frames dropped, by reason",
	}, []string{"reason"}) // unknown_key, integrity, decode, expired, rate_limited

	// HeartbeatFailures counts heartbeat sends that failed.
	HeartbeatFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_heartbeat_failures_total",
		Help: "Heartbeat send failures, by peer agent",
	}, []string{"agent_id"})

	// CertRenewals counts certificate renewal attempts by outcome.
	CertRenewals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_cert_renewals_total",
		Help: "Certificate renewal attempts, by outcome",
	}, []string{"outcome"}) // success, failure

	// SessionKeys tracks live entries in the encryption key store.
	SessionKeys = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mesh_session_keys",
		Help: "Current number of session keys held in memory",
	})
)

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
