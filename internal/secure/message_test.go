package secure

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"math/big"
	"testing"
	"time"
)

// testCertificate builds a throwaway self-signed certificate with the
// given subject and its private key.
func testCertificate(t *testing.T, cn string) (*x509.Certificate, crypto.Signer) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return cert, key
}

func TestNewMessageDefaults(t *testing.T) {
	msg := NewMessage("a-1", "a-2", TypeRequest, json.RawMessage(`{"op":"status"}`), SendOptions{})

	if msg.ID == "" {
		t.Error("message has no id")
	}
	if msg.Priority != PriorityMedium {
		t.Errorf("default priority = %q, want %q", msg.Priority, PriorityMedium)
	}
	if msg.SenderID != "a-1" || msg.RecipientID != "a-2" {
		t.Errorf("addressing = %s->%s", msg.SenderID, msg.RecipientID)
	}
	if msg.Timestamp.IsZero() {
		t.Error("message has no timestamp")
	}
}

func TestMessageTypeValid(t *testing.T) {
	for _, typ := range []MessageType{TypeRequest, TypeResponse, TypeEvent, TypeHeartbeat} {
		if !typ.Valid() {
			t.Errorf("%q should be valid", typ)
		}
	}
	if MessageType("gossip").Valid() {
		t.Error("unknown type accepted")
	}
}

func TestSignAndVerify(t *testing.T) {
	cert, key := testCertificate(t, "a-1")

	msg := NewMessage("a-1", "a-2", TypeEvent, json.RawMessage(`{"k":"v"}`), SendOptions{})
	if err := msg.Sign(key); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if msg.Signature == "" {
		t.Fatal("Sign left signature empty")
	}
	if err := msg.VerifySignature(cert); err != nil {
		t.Errorf("VerifySignature: %v", err)
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	cert, key := testCertificate(t, "a-1")

	msg := NewMessage("a-1", "a-2", TypeEvent, json.RawMessage(`{"k":"v"}`), SendOptions{})
	if err := msg.Sign(key); err != nil {
		t.Fatalf("Sign: %v", err)
	}

	msg.Payload = json.RawMessage(`{"k":"tampered"}`)
	if err := msg.VerifySignature(cert); err == nil {
		t.Error("tampered payload verified")
	}
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	cert, _ := testCertificate(t, "a-1")
	_, otherKey := testCertificate(t, "a-1")

	msg := NewMessage("a-1", "a-2", TypeEvent, json.RawMessage(`{}`), SendOptions{})
	if err := msg.Sign(otherKey); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := msg.VerifySignature(cert); err == nil {
		t.Error("signature from another key verified")
	}
}

func TestMessageExpired(t *testing.T) {
	msg := NewMessage("a-1", "a-2", TypeRequest, nil, SendOptions{TTL: time.Minute})

	if msg.Expired(msg.Timestamp.Add(30 * time.Second)) {
		t.Error("message expired within TTL")
	}
	if !msg.Expired(msg.Timestamp.Add(2 * time.Minute)) {
		t.Error("message not expired after TTL")
	}

	forever := NewMessage("a-1", "a-2", TypeRequest, nil, SendOptions{})
	if forever.Expired(forever.Timestamp.Add(24 * time.Hour)) {
		t.Error("message without TTL expired")
	}
}
