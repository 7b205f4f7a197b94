package secure

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"meshwork/internal/identity"
	"meshwork/internal/keystore"
)

// handshakeNonceSize is the per-side nonce contribution in bytes.
const handshakeNonceSize = 32

const sessionKeyInfo = "meshwork session key v1"

// helloFrame is the application-level handshake message exchanged after
// the TLS handshake completes. Both sides send one; the responder's
// carries the key-id that names the derived session key.
type helloFrame struct {
	AgentID         string             `json:"agent_id"`
	Name            string             `json:"name"`
	AgentType       identity.AgentType `json:"agent_type"`
	Version         string             `json:"version"`
	Capabilities    []string           `json:"capabilities,omitempty"`
	CertFingerprint string             `json:"cert_fingerprint"`
	ECDHPublic      string             `json:"ecdh_public"` // base64 uncompressed P-256 point
	Nonce           string             `json:"nonce"`       // base64
	KeyID           string             `json:"key_id,omitempty"`
}

// handshakeState holds one side's ephemeral key-exchange material.
type handshakeState struct {
	private *ecdh.PrivateKey
	nonce   []byte
}

// newHandshakeState generates an ephemeral P-256 key pair and nonce.
func newHandshakeState() (*handshakeState, error) {
	private, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	nonce := make([]byte, handshakeNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate handshake nonce: %w", err)
	}
	return &handshakeState{private: private, nonce: nonce}, nil
}

// hello builds this side's hello frame for the given local identity.
func (h *handshakeState) hello(local *identity.AgentIdentity, fingerprint, keyID string) helloFrame {
	return helloFrame{
		AgentID:         local.ID,
		Name:            local.Name,
		AgentType:       local.Type,
		Version:         local.Version,
		Capabilities:    local.Capabilities,
		CertFingerprint: fingerprint,
		ECDHPublic:      base64.StdEncoding.EncodeToString(h.private.PublicKey().Bytes()),
		Nonce:           base64.StdEncoding.EncodeToString(h.nonce),
		KeyID:           keyID,
	}
}

// deriveSessionKey combines the ECDH shared secret with both nonces
// through HKDF-SHA256. initiatorNonce must be ordered first on both
// sides so the two derivations agree.
func (h *handshakeState) deriveSessionKey(peerPublicB64 string, initiatorNonce, responderNonce []byte) ([]byte, error) {
	peerBytes, err := base64.StdEncoding.DecodeString(peerPublicB64)
	if err != nil {
		return nil, fmt.Errorf("decode peer public key: %w", err)
	}
	peerPub, err := ecdh.P256().NewPublicKey(peerBytes)
	if err != nil {
		return nil, fmt.Errorf("parse peer public key: %w", err)
	}
	shared, err := h.private.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("compute shared secret: %w", err)
	}

	salt := append(append([]byte(nil), initiatorNonce...), responderNonce...)
	reader := hkdf.New(sha256.New, shared, salt, []byte(sessionKeyInfo))
	key := make([]byte, keystore.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}

// verifyPeerHello performs the mutual-authentication checks: the
// claimed identity must be registered, of an allowed type, and bound
// to the certificate presented during the TLS handshake. Binding is
// checked three ways: the certificate subject must name the agent,
// the claimed fingerprint must match the presented certificate, and
// when the registry carries a fingerprint on record the certificate
// must match that too. The first two alone would only prove the peer
// knows its own certificate; the subject and registry checks tie the
// certificate to the identity being claimed.
func verifyPeerHello(hello *helloFrame, peerCert *x509.Certificate, registry *identity.Registry, allowed []identity.AgentType) (*identity.AgentIdentity, error) {
	if hello.AgentID == "" {
		return nil, &AuthenticationError{AgentID: "?", Reason: "hello carries no agent id"}
	}
	if !hello.AgentType.Valid() {
		return nil, &AuthenticationError{AgentID: hello.AgentID, Reason: fmt.Sprintf("unknown agent type %q", hello.AgentType)}
	}
	if len(allowed) > 0 && !typeAllowed(hello.AgentType, allowed) {
		return nil, &ConnectionError{AgentID: hello.AgentID, Reason: fmt.Sprintf("agent type %q not allowed", hello.AgentType)}
	}

	peer := registry.Get(hello.AgentID)
	if peer == nil {
		return nil, &AuthenticationError{AgentID: hello.AgentID, Reason: "agent not in registry"}
	}
	if peer.Type != hello.AgentType {
		return nil, &AuthenticationError{AgentID: hello.AgentID, Reason: "declared type does not match registry"}
	}

	if peerCert == nil {
		return nil, &AuthenticationError{AgentID: hello.AgentID, Reason: "peer presented no certificate"}
	}
	if peerCert.Subject.CommonName != hello.AgentID {
		return nil, &AuthenticationError{AgentID: hello.AgentID, Reason: "certificate subject does not name the claimed agent"}
	}
	sum := sha256.Sum256(peerCert.Raw)
	presented := hex.EncodeToString(sum[:])
	if !strings.EqualFold(presented, hello.CertFingerprint) {
		return nil, &AuthenticationError{AgentID: hello.AgentID, Reason: "certificate fingerprint does not match identity claim"}
	}
	if peer.CertFingerprint != "" && !strings.EqualFold(presented, peer.CertFingerprint) {
		return nil, &AuthenticationError{AgentID: hello.AgentID, Reason: "certificate does not match registry fingerprint"}
	}

	return peer, nil
}

func typeAllowed(t identity.AgentType, allowed []identity.AgentType) bool {
	for _, a := range allowed {
		if a == t {
			return true
		}
	}
	return false
}

// nonceBytes decodes a base64 handshake nonce and checks its length.
func nonceBytes(b64 string) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode handshake nonce: %w", err)
	}
	if len(nonce) != handshakeNonceSize {
		return nil, fmt.Errorf("handshake nonce has %d bytes, want %d", len(nonce), handshakeNonceSize)
	}
	return nonce, nil
}
