package secure

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors callers branch on. All connection-level failures are
// retryable; none of them crash the service.
var (
	// ErrNotConnected is returned when sending to an agent with no live
	// connection.
	ErrNotConnected = errors.New("agent not connected")

	// ErrAlreadyStarted is returned by Start on a running service.
	ErrAlreadyStarted = errors.New("service already started")

	// ErrIntegrity is returned when an envelope fails authenticated
	// decryption.
	ErrIntegrity = errors.New("message integrity check failed")
)

// ConnectionError reports a connection attempt rejected before any
// handshake, typically an authorization failure.
type ConnectionError struct {
	AgentID string
	Reason  string
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to %s rejected: %s", e.AgentID, e.Reason)
}

// HandshakeError reports a transport-level handshake failure.
type HandshakeError struct {
	AgentID string
	Err     error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("handshake with %s failed: %v", e.AgentID, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// AuthenticationError reports a mutual-authentication failure after the
// transport handshake succeeded.
type AuthenticationError struct {
	AgentID string
	Reason  string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication of %s failed: %s", e.AgentID, e.Reason)
}

// CipherSuiteError reports a configured cipher suite outside the
// allow-list.
type CipherSuiteError struct {
	Suite string
}

func (e *CipherSuiteError) Error() string {
	return fmt.Sprintf("unsupported cipher suite %q", e.Suite)
}

// TimeoutError reports an operation that exceeded its deadline. The
// failed attempt leaves no partial connection behind.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}
