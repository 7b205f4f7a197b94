package events

import "time"

// EventType identifies the kind of event being published.
type EventType string

const (
	// Service lifecycle events
	ServiceStarted     EventType = "service_started"
	ServiceStartFailed EventType = "service_start_failed"
	ServiceStopped     EventType = "service_stopped"

	// Connection events
	AgentConnected    EventType = "agent_connected"
	AgentDisconnected EventType = "agent_disconnected"
	HandshakeFailed   EventType = "handshake_failed"
	HeartbeatLost     EventType = "heartbeat_lost"

	// Message events
	MessageSent     EventType = "message_sent"
	MessageReceived EventType = "message_received"
	FrameRejected   EventType = "frame_rejected"

	// Certificate lifecycle events
	CertGenerated     EventType = "cert_generated"
	CertExpiring      EventType = "cert_expiring"
	CertRenewed       EventType = "cert_renewed"
	CertRenewalFailed EventType = "cert_renewal_failed"
	CertRevoked       EventType = "cert_revoked"
)

// Severity indicates the urgency of an event.
type Severity int

const (
	SeverityInfo     Severity = 0
	SeverityWarning  Severity = 1
	SeverityCritical Severity = 2
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Event is the payload published through the bus.
type Event struct {
	Type      EventType         `json:"type"`
	Severity  Severity          `json:"severity"`
	AgentID   string            `json:"agent_id,omitempty"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
