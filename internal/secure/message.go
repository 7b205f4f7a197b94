package secure

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType is the closed set of application message kinds.
type MessageType string

const (
	TypeRequest   MessageType = "request"
	TypeResponse  MessageType = "response"
	TypeEvent     MessageType = "event"
	TypeHeartbeat MessageType = "heartbeat"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeRequest, TypeResponse, TypeEvent, TypeHeartbeat:
		return true
	}
	return false
}

// Priority orders messages for consumers. The transport itself does not
// reorder; priority is advisory metadata.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Message is one unit of application traffic. Messages are immutable
// once built and are not persisted by this layer.
type Message struct {
	ID            string          `json:"id"`
	Timestamp     time.Time       `json:"timestamp"`
	SenderID      string          `json:"sender_id"`
	RecipientID   string          `json:"recipient_id"`
	Type          MessageType     `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	Signature     string          `json:"signature,omitempty"`
	Priority      Priority        `json:"priority,omitempty"`
	TTL           time.Duration   `json:"ttl,omitempty"`
	RetryCount    int             `json:"retry_count,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// SendOptions carries the optional metadata for one send.
type SendOptions struct {
	Priority      Priority
	TTL           time.Duration
	CorrelationID string
}

// NewMessage builds an unsigned message ready for signing and sealing.
func NewMessage(senderID, recipientID string, typ MessageType, payload json.RawMessage, opts SendOptions) *Message {
	priority := opts.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	return &Message{
		ID:            uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		SenderID:      senderID,
		RecipientID:   recipientID,
		Type:          typ,
		Payload:       payload,
		Priority:      priority,
		TTL:           opts.TTL,
		CorrelationID: opts.CorrelationID,
	}
}

// Expired reports whether the message's TTL has lapsed at now.
func (m *Message) Expired(now time.Time) bool {
	return m.TTL > 0 && now.After(m.Timestamp.Add(m.TTL))
}

// digest is the byte string covered by the message signature: identity
// and payload, but not the signature field itself.
func (m *Message) digest() []byte {
	h := sha256.New()
	h.Write([]byte(m.ID))
	h.Write([]byte(m.SenderID))
	h.Write([]byte(m.RecipientID))
	h.Write([]byte(m.Type))
	h.Write([]byte(m.Timestamp.UTC().Format(time.RFC3339Nano)))
	h.Write(m.Payload)
	return h.Sum(nil)
}

// Sign computes the sender signature with the agent's certificate key.
func (m *Message) Sign(key crypto.Signer) error {
	sig, err := key.Sign(rand.Reader, m.digest(), crypto.SHA256)
	if err != nil {
		return fmt.Errorf("sign message %s: %w", m.ID, err)
	}
	m.Signature = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// VerifySignature checks the signature against the sender's certificate
// public key, as presented during the handshake.
func (m *Message) VerifySignature(cert *x509.Certificate) error {
	sig, err := base64.StdEncoding.DecodeString(m.Signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	digest := m.digest()

	switch pub := cert.PublicKey.(type) {
	case *ecdsa.PublicKey:
		if !ecdsa.VerifyASN1(pub, digest, sig) {
			return fmt.Errorf("message %s: invalid ECDSA signature", m.ID)
		}
	case *rsa.PublicKey:
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest, sig); err != nil {
			return fmt.Errorf("message %s: invalid RSA signature", m.ID)
		}
	default:
		return fmt.Errorf("message %s: unsupported public key type %T", m.ID, pub)
	}
	return nil
}
