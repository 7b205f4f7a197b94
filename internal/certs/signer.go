package certs

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"os"
	"time"
)

// backdate absorbs clock skew between peers validating a fresh cert.
const backdate = 5 * time.Minute

// Issuer signs certificates. A zero Issuer self-signs; one loaded via
// LoadCA signs with the CA key.
type Issuer struct {
	caCert *x509.Certificate
	caKey  crypto.Signer
}

// SelfSigner returns an issuer that self-signs every certificate.
func SelfSigner() *Issuer {
	return &Issuer{}
}

// LoadCA reads CA material from disk. Declared-but-unreadable CA
// material is a SigningError.
func LoadCA(certPath, keyPath string) (*Issuer, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, &SigningError{Reason: "read CA certificate", Err: err}
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, &SigningError{Reason: "CA certificate is not PEM"}
	}
	caCert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, &SigningError{Reason: "parse CA certificate", Err: err}
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, &SigningError{Reason: "read CA key", Err: err}
	}
	caKey, err := ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, &SigningError{Reason: "parse CA key", Err: err}
	}

	return &Issuer{caCert: caCert, caKey: caKey}, nil
}

// IsCA reports whether the issuer signs with loaded CA material.
func (is *Issuer) IsCA() bool { return is.caCert != nil }

// Issue signs a leaf certificate for the configured subject using the
// public key embedded in the CSR. now anchors the validity window.
func (is *Issuer) Issue(cfg *Config, csr *x509.CertificateRequest, key crypto.Signer, now time.Time) ([]byte, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, &SigningError{Reason: "generate serial", Err: err}
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      csr.Subject,
		DNSNames:     csr.DNSNames,
		IPAddresses:  csr.IPAddresses,
		NotBefore:    now.Add(-backdate),
		NotAfter:     now.Add(time.Duration(cfg.ValidityDays) * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	parent := template
	signKey := key
	if is.caCert != nil {
		parent = is.caCert
		signKey = is.caKey
	}

	der, err := x509.CreateCertificate(rand.Reader, template, parent, csr.PublicKey, signKey)
	if err != nil {
		return nil, &SigningError{Reason: "create certificate", Err: err}
	}
	return der, nil
}

// CreateCA generates a self-signed CA pair on disk, for bootstrapping a
// signing authority shared by a fleet of agents.
func CreateCA(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	key, err := GenerateKeyPair(cfg)
	if err != nil {
		return err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return &SigningError{Reason: "generate serial", Err: err}
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subjectName(cfg),
		NotBefore:             now.Add(-backdate),
		NotAfter:              now.Add(time.Duration(cfg.ValidityDays) * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return &SigningError{Reason: "create CA certificate", Err: err}
	}

	if err := writePEM(cfg.CertPath, "CERTIFICATE", der, 0o640); err != nil {
		return &SigningError{Reason: "write CA certificate", Err: err}
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return &SigningError{Reason: "marshal CA key", Err: err}
	}
	if err := writePEM(cfg.KeyPath, "PRIVATE KEY", keyDER, 0o600); err != nil {
		return &SigningError{Reason: "write CA key", Err: err}
	}
	return nil
}
