package secure

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"
)

// defaultCipherAllowList is the agreed TLS 1.3 suite set.
var defaultCipherAllowList = []string{
	"TLS_AES_256_GCM_SHA384",
	"TLS_AES_128_GCM_SHA256",
	"TLS_CHACHA20_POLY1305_SHA256",
}

// knownCipherSuites maps suite names to their IANA ids.
var knownCipherSuites = map[string]uint16{
	"TLS_AES_128_GCM_SHA256":       tls.TLS_AES_128_GCM_SHA256,
	"TLS_AES_256_GCM_SHA384":       tls.TLS_AES_256_GCM_SHA384,
	"TLS_CHACHA20_POLY1305_SHA256": tls.TLS_CHACHA20_POLY1305_SHA256,
}

// TLSPolicy is the transport security policy layered on the platform
// TLS stack. The protocol version is pinned: min and max are both 1.3.
type TLSPolicy struct {
	CipherSuites      []string
	RequireClientCert bool
	VerifyClient      bool
	SessionTimeout    time.Duration
	CACertPath        string
}

// DefaultTLSPolicy returns the production policy: TLS 1.3 only,
// mutual certificates required.
func DefaultTLSPolicy(caCertPath string) TLSPolicy {
	return TLSPolicy{
		CipherSuites:      defaultCipherAllowList,
		RequireClientCert: true,
		VerifyClient:      true,
		SessionTimeout:    time.Hour,
		CACertPath:        caCertPath,
	}
}

// Validate rejects any advertised cipher suite outside the allow-list.
func (p *TLSPolicy) Validate() error {
	if len(p.CipherSuites) == 0 {
		return fmt.Errorf("cipher suite allow-list is empty")
	}
	for _, suite := range p.CipherSuites {
		if _, ok := knownCipherSuites[suite]; !ok {
			return &CipherSuiteError{Suite: suite}
		}
	}
	if p.RequireClientCert && p.CACertPath == "" {
		return fmt.Errorf("client certificate requirement needs a CA cert path")
	}
	return nil
}

// caPool loads the configured CA bundle.
func (p *TLSPolicy) caPool() (*x509.CertPool, error) {
	pem, err := os.ReadFile(p.CACertPath)
	if err != nil {
		return nil, fmt.Errorf("read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("CA bundle %s contains no certificates", p.CACertPath)
	}
	return pool, nil
}

// ServerConfig builds the listener-side TLS config. Go fixes the
// TLS 1.3 suite set itself; the policy pins the version and has already
// validated the allow-list.
func (p *TLSPolicy) ServerConfig(cert tls.Certificate) (*tls.Config, error) {
	pool, err := p.caPool()
	if err != nil {
		return nil, err
	}

	auth := tls.NoClientCert
	if p.RequireClientCert {
		auth = tls.RequireAndVerifyClientCert
		if !p.VerifyClient {
			auth = tls.RequireAnyClientCert
		}
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   auth,
		MinVersion:   tls.VersionTLS13,
		MaxVersion:   tls.VersionTLS13,
	}, nil
}

// ClientConfig builds the dialer-side TLS config.
func (p *TLSPolicy) ClientConfig(cert tls.Certificate, serverName string) (*tls.Config, error) {
	pool, err := p.caPool()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS13,
		MaxVersion:   tls.VersionTLS13,
	}, nil
}
