package secure

import (
	"crypto/x509"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"meshwork/internal/identity"
)

// Connection is one mutually-authenticated session to a remote agent.
// Created on successful handshake, destroyed on disconnect.
type Connection struct {
	ID            string
	Peer          *identity.AgentIdentity
	Endpoint      identity.Endpoint
	ConnectedAt   time.Time
	KeyID         string
	Authenticated bool

	conn         *websocket.Conn
	peerCert     *x509.Certificate
	limiter      *rate.Limiter
	writeTimeout time.Duration
	done         chan struct{}
	closeOnce    sync.Once

	writeMu sync.Mutex // serializes socket writes

	mu           sync.Mutex
	lastActivity time.Time
	hbFailures   int
}

// signalDone releases the read loop. Safe to call more than once.
func (c *Connection) signalDone() {
	c.closeOnce.Do(func() { close(c.done) })
}

// touch records activity on the connection.
func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// LastActivity returns the time of the most recent send or receive.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// heartbeatFailed increments the consecutive-failure counter and
// returns the new count.
func (c *Connection) heartbeatFailed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hbFailures++
	return c.hbFailures
}

// heartbeatOK resets the consecutive-failure counter.
func (c *Connection) heartbeatOK() {
	c.mu.Lock()
	c.hbFailures = 0
	c.mu.Unlock()
}

// writeDeadline returns the deadline for the next socket write.
func (c *Connection) writeDeadline() time.Time {
	wt := c.writeTimeout
	if wt <= 0 {
		wt = 10 * time.Second
	}
	return time.Now().Add(wt)
}

// writeJSON writes one JSON frame under a deadline. Gorilla
// connections allow a single concurrent writer, hence the mutex; the
// deadline keeps a stalled peer from blocking senders forever.
func (c *Connection) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(c.writeDeadline())
	return c.conn.WriteJSON(v)
}

// closeGracefully sends a close control frame then closes the socket.
func (c *Connection) closeGracefully(reason string) {
	c.writeMu.Lock()
	c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		c.writeDeadline(),
	)
	c.writeMu.Unlock()
	c.conn.Close()
}
