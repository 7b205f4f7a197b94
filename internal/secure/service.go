// Package secure implements the mutually-authenticated, message-level
// encrypted channel between agents: connection establishment, session
// key exchange, sealed messaging, heartbeats and teardown.
package secure

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"meshwork/internal/audit"
	"meshwork/internal/certs"
	"meshwork/internal/events"
	"meshwork/internal/identity"
	"meshwork/internal/keystore"
	"meshwork/internal/metrics"
)

// Config tunes one communication service instance.
type Config struct {
	Policy                    TLSPolicy
	HeartbeatInterval         time.Duration
	HeartbeatFailureThreshold int
	ConnectTimeout            time.Duration

	// IdleTimeout bounds how long a connection may go without any
	// inbound frame. It is independent of HeartbeatInterval: inbound
	// traffic arrives at the peer's cadence, not ours.
	IdleTimeout time.Duration

	// WriteTimeout bounds a single frame write so a stalled peer
	// cannot block senders indefinitely.
	WriteTimeout time.Duration

	AllowedAgentTypes []identity.AgentType
	InboundRate       float64 // frames per second, per peer
	InboundBurst      int
	MaxMessageBytes   int64
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatFailureThreshold <= 0 {
		c.HeartbeatFailureThreshold = 3
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.Policy.SessionTimeout <= 0 {
		c.Policy.SessionTimeout = time.Hour
	}
	if c.InboundRate <= 0 {
		c.InboundRate = 100
	}
	if c.InboundBurst <= 0 {
		c.InboundBurst = 200
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 256 * 1024
	}
	return c
}

// Handler consumes decrypted, verified inbound messages.
type Handler func(msg *Message, peer *identity.AgentIdentity)

// Service maintains the live connections for one local identity and
// moves messages across them. The connection map and key store belong
// exclusively to this instance.
type Service struct {
	local    *identity.AgentIdentity
	cfg      Config
	certMgr  *certs.Manager
	registry *identity.Registry
	keys     *keystore.Store
	bus      *events.Bus
	auditor  audit.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	started bool
	conns   map[string]*Connection
	servers []*http.Server
	stopCh  chan struct{}

	handlersMu sync.RWMutex
	handlers   []Handler

	wg sync.WaitGroup

	tlsCert     tls.Certificate
	signKey     crypto.Signer
	fingerprint string
}

// NewService wires a communication service for the given local agent.
func NewService(local *identity.AgentIdentity, cfg Config, certMgr *certs.Manager, registry *identity.Registry, auditor audit.Logger, bus *events.Bus) *Service {
	if bus == nil {
		bus = events.NewBus()
	}
	cfg = cfg.withDefaults()
	return &Service{
		local:    local,
		cfg:      cfg,
		certMgr:  certMgr,
		registry: registry,
		keys:     keystore.New(cfg.Policy.SessionTimeout),
		bus:      bus,
		auditor:  auditor,
		conns:    make(map[string]*Connection),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// OnMessage registers a consumer for verified inbound messages.
// Heartbeats are handled internally and not delivered.
func (s *Service) OnMessage(h Handler) {
	s.handlersMu.Lock()
	s.handlers = append(s.handlers, h)
	s.handlersMu.Unlock()
}

// Start validates the TLS policy, loads identity material, opens one
// mutual-TLS listener per configured endpoint and begins the heartbeat
// loop. Configuration errors are fatal and prevent startup.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}

	if err := s.startLocked(); err != nil {
		s.auditAuth("start", "service", audit.OutcomeFailure, map[string]string{"error": err.Error()})
		s.bus.Publish(events.Event{
			Type:     events.ServiceStartFailed,
			Severity: events.SeverityCritical,
			AgentID:  s.local.ID,
			Message:  fmt.Sprintf("service start failed: %v", err),
		})
		return err
	}

	s.started = true
	s.auditAuth("start", "service", audit.OutcomeSuccess, nil)
	s.bus.Publish(events.Event{
		Type:     events.ServiceStarted,
		Severity: events.SeverityInfo,
		AgentID:  s.local.ID,
		Message:  fmt.Sprintf("communication service started for %s", s.local.ID),
	})
	return nil
}

func (s *Service) startLocked() error {
	if err := s.cfg.Policy.Validate(); err != nil {
		return err
	}

	cert, err := s.certMgr.TLSCertificate()
	if err != nil {
		return fmt.Errorf("load identity certificate: %w", err)
	}
	s.tlsCert = cert

	fingerprint, err := s.certMgr.Fingerprint()
	if err != nil {
		return fmt.Errorf("fingerprint identity certificate: %w", err)
	}
	s.fingerprint = fingerprint
	s.local.CertFingerprint = fingerprint

	keyPEM, err := os.ReadFile(s.certMgr.Config().KeyPath)
	if err != nil {
		return fmt.Errorf("read signing key: %w", err)
	}
	s.signKey, err = certs.ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return fmt.Errorf("parse signing key: %w", err)
	}

	serverTLS, err := s.cfg.Policy.ServerConfig(cert)
	if err != nil {
		return fmt.Errorf("build server TLS config: %w", err)
	}

	s.stopCh = make(chan struct{})
	s.servers = nil

	for _, ep := range s.local.Endpoints {
		mux := http.NewServeMux()
		path := ep.Path
		if path == "" {
			path = "/mesh"
		}
		mux.HandleFunc(path, s.handleInbound)

		srv := &http.Server{
			Addr:      fmt.Sprintf(":%d", ep.Port),
			Handler:   mux,
			TLSConfig: serverTLS.Clone(),
		}

		ln, err := net.Listen("tcp", srv.Addr)
		if err != nil {
			s.closeServersLocked()
			return fmt.Errorf("listen on %s: %w", srv.Addr, err)
		}

		s.servers = append(s.servers, srv)
		s.wg.Add(1)
		go func(srv *http.Server, ln net.Listener) {
			defer s.wg.Done()
			if err := srv.ServeTLS(ln, "", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[COMM] listener %s: %v", srv.Addr, err)
			}
		}(srv, ln)
		log.Printf("[COMM] %s listening on %s%s", s.local.ID, srv.Addr, path)
	}

	s.wg.Add(2)
	go s.heartbeatLoop()
	go s.sweepLoop()
	return nil
}

// Stop disconnects every agent gracefully, closes all listeners and
// purges session keys. Safe to call when already stopped.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)

	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[string]*Connection)
	servers := s.servers
	s.servers = nil
	s.mu.Unlock()

	for _, c := range conns {
		c.signalDone()
		c.closeGracefully("service stopping")
		s.keys.Remove(c.KeyID)
	}
	metrics.ConnectedAgents.Set(0)

	for _, srv := range servers {
		srv.Close()
	}

	s.wg.Wait()
	s.keys.Purge()
	metrics.SessionKeys.Set(0)

	s.auditAuth("stop", "service", audit.OutcomeSuccess, nil)
	s.bus.Publish(events.Event{
		Type:     events.ServiceStopped,
		Severity: events.SeverityInfo,
		AgentID:  s.local.ID,
		Message:  fmt.Sprintf("communication service stopped for %s", s.local.ID),
	})
}

func (s *Service) closeServersLocked() {
	for _, srv := range s.servers {
		srv.Close()
	}
	s.servers = nil
}

// ConnectToAgent establishes an outbound session: identity checks, TLS
// handshake, mutual authentication, session key exchange. Failures are
// typed and retryable; a timed-out attempt leaves nothing behind.
func (s *Service) ConnectToAgent(agentID string) error {
	peer := s.registry.Get(agentID)
	if peer == nil {
		metrics.HandshakeFailures.WithLabelValues("not_authorized").Inc()
		return &ConnectionError{AgentID: agentID, Reason: "agent not in registry"}
	}
	if len(s.cfg.AllowedAgentTypes) > 0 && !typeAllowed(peer.Type, s.cfg.AllowedAgentTypes) {
		metrics.HandshakeFailures.WithLabelValues("not_authorized").Inc()
		return &ConnectionError{AgentID: agentID, Reason: fmt.Sprintf("agent type %q not allowed", peer.Type)}
	}
	if peer.CertFingerprint == "" {
		metrics.HandshakeFailures.WithLabelValues("not_authorized").Inc()
		return &ConnectionError{AgentID: agentID, Reason: "identity carries no certificate fingerprint"}
	}

	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return &ConnectionError{AgentID: agentID, Reason: "service not started"}
	}
	if _, exists := s.conns[agentID]; exists {
		s.mu.Unlock()
		return nil // already connected
	}
	s.mu.Unlock()

	ep, err := peer.PrimaryEndpoint()
	if err != nil {
		return &ConnectionError{AgentID: agentID, Reason: err.Error()}
	}

	clientTLS, err := s.cfg.Policy.ClientConfig(s.tlsCert, ep.Host)
	if err != nil {
		return fmt.Errorf("build client TLS config: %w", err)
	}

	dialer := websocket.Dialer{
		TLSClientConfig:  clientTLS,
		HandshakeTimeout: s.cfg.ConnectTimeout,
	}
	ws, _, err := dialer.Dial(ep.URL(), nil)
	if err != nil {
		if isTimeout(err) {
			metrics.HandshakeFailures.WithLabelValues("timeout").Inc()
			return &TimeoutError{Op: "handshake with " + agentID, After: s.cfg.ConnectTimeout}
		}
		metrics.HandshakeFailures.WithLabelValues("tls").Inc()
		s.publishHandshakeFailure(agentID, err)
		return &HandshakeError{AgentID: agentID, Err: err}
	}

	conn, err := s.completeOutboundHandshake(ws, peer, ep)
	if err != nil {
		ws.Close()
		s.publishHandshakeFailure(agentID, err)
		return err
	}

	s.registerConnection(conn)
	s.auditAuth("connect", "agent:"+agentID, audit.OutcomeSuccess, map[string]string{"endpoint": ep.URL()})
	return nil
}

// completeOutboundHandshake runs the application handshake as the
// initiator and returns the authenticated connection.
func (s *Service) completeOutboundHandshake(ws *websocket.Conn, peer *identity.AgentIdentity, ep identity.Endpoint) (*Connection, error) {
	hs, err := newHandshakeState()
	if err != nil {
		return nil, &HandshakeError{AgentID: peer.ID, Err: err}
	}

	deadline := time.Now().Add(s.cfg.ConnectTimeout)
	ws.SetWriteDeadline(deadline)
	ws.SetReadDeadline(deadline)

	hello := hs.hello(s.local, s.fingerprint, "")
	if err := ws.WriteJSON(hello); err != nil {
		if isTimeout(err) {
			metrics.HandshakeFailures.WithLabelValues("timeout").Inc()
			return nil, &TimeoutError{Op: "handshake with " + peer.ID, After: s.cfg.ConnectTimeout}
		}
		return nil, &HandshakeError{AgentID: peer.ID, Err: err}
	}

	var resp helloFrame
	if err := ws.ReadJSON(&resp); err != nil {
		if isTimeout(err) {
			metrics.HandshakeFailures.WithLabelValues("timeout").Inc()
			return nil, &TimeoutError{Op: "handshake with " + peer.ID, After: s.cfg.ConnectTimeout}
		}
		return nil, &HandshakeError{AgentID: peer.ID, Err: err}
	}

	peerCert := peerCertificate(ws)
	verified, err := verifyPeerHello(&resp, peerCert, s.registry, s.cfg.AllowedAgentTypes)
	if err != nil {
		metrics.HandshakeFailures.WithLabelValues("auth").Inc()
		return nil, err
	}
	if verified.ID != peer.ID {
		metrics.HandshakeFailures.WithLabelValues("auth").Inc()
		return nil, &AuthenticationError{AgentID: peer.ID, Reason: fmt.Sprintf("peer identified as %s", verified.ID)}
	}
	if resp.KeyID == "" {
		metrics.HandshakeFailures.WithLabelValues("auth").Inc()
		return nil, &AuthenticationError{AgentID: peer.ID, Reason: "responder supplied no key id"}
	}

	ourNonce, err := nonceBytes(hello.Nonce)
	if err != nil {
		return nil, &HandshakeError{AgentID: peer.ID, Err: err}
	}
	theirNonce, err := nonceBytes(resp.Nonce)
	if err != nil {
		return nil, &HandshakeError{AgentID: peer.ID, Err: err}
	}
	keyMaterial, err := hs.deriveSessionKey(resp.ECDHPublic, ourNonce, theirNonce)
	if err != nil {
		return nil, &HandshakeError{AgentID: peer.ID, Err: err}
	}
	if _, err := s.keys.Put(resp.KeyID, keyMaterial); err != nil {
		return nil, &HandshakeError{AgentID: peer.ID, Err: err}
	}
	metrics.SessionKeys.Set(float64(s.keys.Len()))

	ws.SetReadDeadline(time.Time{})
	ws.SetWriteDeadline(time.Time{})

	return s.newConnection(ws, verified, ep, resp.KeyID, peerCert), nil
}

// handleInbound upgrades an incoming mutual-TLS connection and runs the
// application handshake as the responder.
func (s *Service) handleInbound(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		http.Error(w, "service stopping", http.StatusServiceUnavailable)
		return
	}

	var peerCert *x509.Certificate
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		peerCert = r.TLS.PeerCertificates[0]
	}
	if s.cfg.Policy.RequireClientCert && peerCert == nil {
		http.Error(w, "client certificate required", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[COMM] upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}

	conn, err := s.completeInboundHandshake(ws, peerCert)
	if err != nil {
		log.Printf("[COMM] inbound handshake from %s rejected: %v", r.RemoteAddr, err)
		s.publishHandshakeFailure("", err)
		s.auditAuth("accept", "remote:"+r.RemoteAddr, audit.OutcomeDenied, map[string]string{"error": err.Error()})
		ws.Close()
		return
	}

	s.registerConnection(conn)
	s.auditAuth("accept", "agent:"+conn.Peer.ID, audit.OutcomeSuccess, nil)
}

func (s *Service) completeInboundHandshake(ws *websocket.Conn, peerCert *x509.Certificate) (*Connection, error) {
	deadline := time.Now().Add(s.cfg.ConnectTimeout)
	ws.SetReadDeadline(deadline)
	ws.SetWriteDeadline(deadline)

	var hello helloFrame
	if err := ws.ReadJSON(&hello); err != nil {
		if isTimeout(err) {
			metrics.HandshakeFailures.WithLabelValues("timeout").Inc()
			return nil, &TimeoutError{Op: "inbound handshake", After: s.cfg.ConnectTimeout}
		}
		return nil, &HandshakeError{AgentID: "?", Err: err}
	}

	peer, err := verifyPeerHello(&hello, peerCert, s.registry, s.cfg.AllowedAgentTypes)
	if err != nil {
		metrics.HandshakeFailures.WithLabelValues("auth").Inc()
		return nil, err
	}

	hs, err := newHandshakeState()
	if err != nil {
		return nil, &HandshakeError{AgentID: peer.ID, Err: err}
	}
	keyID := uuid.NewString()

	resp := hs.hello(s.local, s.fingerprint, keyID)
	if err := ws.WriteJSON(resp); err != nil {
		return nil, &HandshakeError{AgentID: peer.ID, Err: err}
	}

	initiatorNonce, err := nonceBytes(hello.Nonce)
	if err != nil {
		return nil, &HandshakeError{AgentID: peer.ID, Err: err}
	}
	ourNonce, err := nonceBytes(resp.Nonce)
	if err != nil {
		return nil, &HandshakeError{AgentID: peer.ID, Err: err}
	}
	keyMaterial, err := hs.deriveSessionKey(hello.ECDHPublic, initiatorNonce, ourNonce)
	if err != nil {
		return nil, &HandshakeError{AgentID: peer.ID, Err: err}
	}
	if _, err := s.keys.Put(keyID, keyMaterial); err != nil {
		return nil, &HandshakeError{AgentID: peer.ID, Err: err}
	}
	metrics.SessionKeys.Set(float64(s.keys.Len()))

	ws.SetReadDeadline(time.Time{})
	ws.SetWriteDeadline(time.Time{})

	return s.newConnection(ws, peer, identity.Endpoint{}, keyID, peerCert), nil
}

func (s *Service) newConnection(ws *websocket.Conn, peer *identity.AgentIdentity, ep identity.Endpoint, keyID string, peerCert *x509.Certificate) *Connection {
	now := time.Now()
	return &Connection{
		ID:            uuid.NewString(),
		Peer:          peer,
		Endpoint:      ep,
		ConnectedAt:   now,
		KeyID:         keyID,
		Authenticated: true,
		conn:          ws,
		peerCert:      peerCert,
		writeTimeout:  s.cfg.WriteTimeout,
		limiter:       rate.NewLimiter(rate.Limit(s.cfg.InboundRate), s.cfg.InboundBurst),
		done:          make(chan struct{}),
		lastActivity:  now,
	}
}

// registerConnection serializes registration into the shared map and
// starts the connection's read loop. An existing connection for the
// same peer is replaced.
func (s *Service) registerConnection(conn *Connection) {
	s.mu.Lock()
	if prev, ok := s.conns[conn.Peer.ID]; ok {
		prev.signalDone()
		prev.conn.Close()
		s.keys.Remove(prev.KeyID)
	}
	s.conns[conn.Peer.ID] = conn
	total := len(s.conns)
	s.mu.Unlock()

	metrics.ConnectedAgents.Set(float64(total))
	log.Printf("[COMM] %s connected to %s (key %s)", s.local.ID, conn.Peer.ID, conn.KeyID)
	s.bus.Publish(events.Event{
		Type:     events.AgentConnected,
		Severity: events.SeverityInfo,
		AgentID:  conn.Peer.ID,
		Message:  fmt.Sprintf("agent %s connected", conn.Peer.ID),
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readLoop(conn)
		s.dropConnection(conn, "connection closed")
	}()
}

// dropConnection removes conn from the map if it is still the
// registered one, and discards its session key.
func (s *Service) dropConnection(conn *Connection, reason string) {
	s.mu.Lock()
	current, ok := s.conns[conn.Peer.ID]
	if ok && current == conn {
		delete(s.conns, conn.Peer.ID)
	}
	total := len(s.conns)
	s.mu.Unlock()

	if !ok || current != conn {
		return // already replaced or removed
	}

	conn.conn.Close()
	s.keys.Remove(conn.KeyID)
	metrics.ConnectedAgents.Set(float64(total))
	metrics.SessionKeys.Set(float64(s.keys.Len()))

	log.Printf("[COMM] %s disconnected from %s: %s", s.local.ID, conn.Peer.ID, reason)
	s.bus.Publish(events.Event{
		Type:     events.AgentDisconnected,
		Severity: events.SeverityInfo,
		AgentID:  conn.Peer.ID,
		Message:  fmt.Sprintf("agent %s disconnected: %s", conn.Peer.ID, reason),
	})
	s.auditAuth("disconnect", "agent:"+conn.Peer.ID, audit.OutcomeSuccess, map[string]string{"reason": reason})
}

// DisconnectAgent closes the session with the given agent. Idempotent.
func (s *Service) DisconnectAgent(agentID string) {
	s.mu.Lock()
	conn, ok := s.conns[agentID]
	s.mu.Unlock()
	if !ok {
		return
	}

	conn.signalDone()
	conn.closeGracefully("disconnect requested")
	s.dropConnection(conn, "disconnect requested")
}

// ConnectedAgents returns the ids of currently connected peers.
func (s *Service) ConnectedAgents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.conns))
	for id := range s.conns {
		out = append(out, id)
	}
	return out
}

// SendMessage seals and transmits one message to a connected agent.
// Delivery is at-most-once; retry policy belongs to the consumer.
func (s *Service) SendMessage(recipientID string, typ MessageType, payload json.RawMessage, opts SendOptions) (string, error) {
	if !typ.Valid() {
		return "", fmt.Errorf("unknown message type %q", typ)
	}

	s.mu.Lock()
	conn, ok := s.conns[recipientID]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotConnected, recipientID)
	}

	msg := NewMessage(s.local.ID, recipientID, typ, payload, opts)
	if err := msg.Sign(s.signKey); err != nil {
		return "", err
	}

	key, err := s.keys.Get(conn.KeyID)
	if err != nil {
		return "", err // keystore.ErrUnknownKey after a rotation race
	}

	plaintext, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}
	env, err := Seal(key, plaintext)
	if err != nil {
		return "", fmt.Errorf("seal message: %w", err)
	}

	if err := conn.writeJSON(env); err != nil {
		// The peer is gone; drop the connection rather than leaving a
		// dead entry in the map.
		s.dropConnection(conn, "write failed")
		return "", fmt.Errorf("%w: %s", ErrNotConnected, recipientID)
	}

	conn.touch()
	metrics.MessagesSent.WithLabelValues(string(typ)).Inc()
	s.bus.Publish(events.Event{
		Type:     events.MessageSent,
		Severity: events.SeverityInfo,
		AgentID:  recipientID,
		Message:  fmt.Sprintf("message %s sent to %s", msg.ID, recipientID),
		Metadata: map[string]string{"message_id": msg.ID, "type": string(typ)},
	})
	s.auditData("send", "agent:"+recipientID, string(typ), map[string]string{"message_id": msg.ID})

	return msg.ID, nil
}

// readLoop decrypts and verifies inbound frames. A bad frame is
// dropped and logged; it never tears down the loop.
func (s *Service) readLoop(conn *Connection) {
	conn.conn.SetReadLimit(s.cfg.MaxMessageBytes)
	idle := s.cfg.IdleTimeout

	for {
		select {
		case <-conn.done:
			return
		default:
		}

		conn.conn.SetReadDeadline(time.Now().Add(idle))
		_, raw, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[COMM] read from %s: %v", conn.Peer.ID, err)
			}
			return
		}

		if !conn.limiter.Allow() {
			s.rejectFrame(conn, "rate_limited", nil)
			continue
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.rejectFrame(conn, "decode", err)
			continue
		}

		plaintext, err := Open(s.keys, &env)
		if err != nil {
			switch {
			case errors.Is(err, keystore.ErrUnknownKey):
				// Typed rejection so a rotation race is visible to the
				// sender through the audit trail, not a silent drop.
				s.rejectFrame(conn, "unknown_key", err)
			case errors.Is(err, ErrIntegrity):
				s.rejectFrame(conn, "integrity", err)
			default:
				s.rejectFrame(conn, "decode", err)
			}
			continue
		}

		var msg Message
		if err := json.Unmarshal(plaintext, &msg); err != nil {
			s.rejectFrame(conn, "decode", err)
			continue
		}
		if !msg.Type.Valid() {
			s.rejectFrame(conn, "decode", fmt.Errorf("unknown message type %q", msg.Type))
			continue
		}
		if err := msg.VerifySignature(conn.peerCert); err != nil {
			s.rejectFrame(conn, "integrity", err)
			continue
		}
		if msg.Expired(time.Now()) {
			s.rejectFrame(conn, "expired", nil)
			continue
		}

		conn.touch()
		metrics.MessagesReceived.WithLabelValues(string(msg.Type)).Inc()

		if msg.Type == TypeHeartbeat {
			continue // liveness only
		}

		s.bus.Publish(events.Event{
			Type:     events.MessageReceived,
			Severity: events.SeverityInfo,
			AgentID:  conn.Peer.ID,
			Message:  fmt.Sprintf("message %s received from %s", msg.ID, conn.Peer.ID),
			Metadata: map[string]string{"message_id": msg.ID, "type": string(msg.Type)},
		})
		s.dispatch(&msg, conn.Peer)
	}
}

func (s *Service) rejectFrame(conn *Connection, reason string, err error) {
	metrics.FramesDropped.WithLabelValues(reason).Inc()
	if err != nil {
		log.Printf("[COMM] frame from %s rejected (%s): %v", conn.Peer.ID, reason, err)
	} else {
		log.Printf("[COMM] frame from %s rejected (%s)", conn.Peer.ID, reason)
	}
	s.bus.Publish(events.Event{
		Type:     events.FrameRejected,
		Severity: events.SeverityWarning,
		AgentID:  conn.Peer.ID,
		Message:  fmt.Sprintf("frame from %s rejected: %s", conn.Peer.ID, reason),
		Metadata: map[string]string{"reason": reason},
	})
}

func (s *Service) dispatch(msg *Message, peer *identity.AgentIdentity) {
	s.handlersMu.RLock()
	handlers := make([]Handler, len(s.handlers))
	copy(handlers, s.handlers)
	s.handlersMu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[COMM] message handler panic on %s: %v", msg.ID, r)
				}
			}()
			h(msg, peer)
		}()
	}
}

// heartbeatLoop sends a low-priority, short-TTL heartbeat to every
// connected agent. A single failure only logs; the configured number of
// consecutive failures disconnects the peer.
func (s *Service) heartbeatLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	payload, _ := json.Marshal(map[string]string{"status": "alive"})

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			conns := make([]*Connection, 0, len(s.conns))
			for _, c := range s.conns {
				conns = append(conns, c)
			}
			s.mu.Unlock()

			for _, conn := range conns {
				_, err := s.SendMessage(conn.Peer.ID, TypeHeartbeat, payload, SendOptions{
					Priority: PriorityLow,
					TTL:      s.cfg.HeartbeatInterval,
				})
				if err != nil {
					failures := conn.heartbeatFailed()
					metrics.HeartbeatFailures.WithLabelValues(conn.Peer.ID).Inc()
					log.Printf("[COMM] heartbeat to %s failed (%d/%d): %v",
						conn.Peer.ID, failures, s.cfg.HeartbeatFailureThreshold, err)

					if failures >= s.cfg.HeartbeatFailureThreshold {
						s.bus.Publish(events.Event{
							Type:     events.HeartbeatLost,
							Severity: events.SeverityWarning,
							AgentID:  conn.Peer.ID,
							Message:  fmt.Sprintf("agent %s unresponsive after %d heartbeats", conn.Peer.ID, failures),
						})
						s.DisconnectAgent(conn.Peer.ID)
					}
					continue
				}
				conn.heartbeatOK()
			}
		}
	}
}

// sweepLoop periodically drops expired session keys.
func (s *Service) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if removed := s.keys.Sweep(); removed > 0 {
				log.Printf("[COMM] swept %d expired session keys", removed)
				metrics.SessionKeys.Set(float64(s.keys.Len()))
			}
		}
	}
}

func (s *Service) publishHandshakeFailure(agentID string, err error) {
	s.bus.Publish(events.Event{
		Type:     events.HandshakeFailed,
		Severity: events.SeverityWarning,
		AgentID:  agentID,
		Message:  fmt.Sprintf("handshake failed: %v", err),
	})
}

func (s *Service) auditAuth(action, resource string, outcome audit.Outcome, metadata map[string]string) {
	if s.auditor == nil {
		return
	}
	if err := s.auditor.LogAuthenticationEvent(audit.AuthenticationEvent{
		AgentID:  s.local.ID,
		Action:   action,
		Resource: resource,
		Outcome:  outcome,
		Metadata: metadata,
	}); err != nil {
		log.Printf("[COMM] audit write failed: %v", err)
	}
}

func (s *Service) auditData(action, resource, dataType string, metadata map[string]string) {
	if s.auditor == nil {
		return
	}
	if err := s.auditor.LogDataAccess(audit.DataAccessEvent{
		AgentID:  s.local.ID,
		Action:   action,
		Resource: resource,
		DataType: dataType,
		Metadata: metadata,
	}); err != nil {
		log.Printf("[COMM] audit write failed: %v", err)
	}
}

// peerCertificate extracts the peer's leaf certificate from the TLS
// connection under the websocket.
func peerCertificate(ws *websocket.Conn) *x509.Certificate {
	tlsConn, ok := ws.UnderlyingConn().(*tls.Conn)
	if !ok {
		return nil
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil
	}
	return state.PeerCertificates[0]
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}
