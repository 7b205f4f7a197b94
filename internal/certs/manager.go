package certs

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"meshwork/internal/events"
	"meshwork/internal/metrics"
)

// timestampLayout names backup and revocation files. Colons are avoided
// so the names stay portable.
const timestampLayout = "2006-01-02T15-04-05Z"

// CertificateInfo is the parsed description of an on-disk certificate.
type CertificateInfo struct {
	SerialNumber       string    `json:"serial_number"`
	Subject            string    `json:"subject"`
	Issuer             string    `json:"issuer"`
	NotBefore          time.Time `json:"not_before"`
	NotAfter           time.Time `json:"not_after"`
	DNSNames           []string  `json:"dns_names,omitempty"`
	IPAddresses        []string  `json:"ip_addresses,omitempty"`
	KeyUsage           []string  `json:"key_usage,omitempty"`
	ExtKeyUsage        []string  `json:"ext_key_usage,omitempty"`
	PublicKeyAlgorithm string    `json:"public_key_algorithm"`
	KeyBits            int       `json:"key_bits,omitempty"`
	Curve              string    `json:"curve,omitempty"`
	SignatureAlgorithm string    `json:"signature_algorithm"`
	IsCA               bool      `json:"is_ca"`
	SelfSigned         bool      `json:"self_signed"`
	FingerprintSHA1    string    `json:"fingerprint_sha1"`
	FingerprintSHA256  string    `json:"fingerprint_sha256"`
}

// ValidationResult is the structured outcome of Validate. Errors make
// the certificate unusable; warnings are advisory.
type ValidationResult struct {
	Valid           bool             `json:"valid"`
	Errors          []string         `json:"errors,omitempty"`
	Warnings        []string         `json:"warnings,omitempty"`
	DaysUntilExpiry int              `json:"days_until_expiry"`
	Info            *CertificateInfo `json:"certificate_info,omitempty"`
}

// Manager owns the lifecycle of one certificate/key pair. The on-disk
// pair belongs exclusively to this instance; renewals for the same
// identity are serialized.
type Manager struct {
	cfg Config
	bus *events.Bus
	now func() time.Time

	mu      sync.Mutex // guards timer
	timer   *time.Timer
	renewAt time.Time

	renewMu sync.Mutex // serializes renewal
}

// NewManager validates the config and returns a manager. No key
// material is produced until Generate is called.
func NewManager(cfg Config, bus *events.Bus) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("certificate config: %w", err)
	}
	if bus == nil {
		bus = events.NewBus()
	}
	return &Manager{cfg: cfg, bus: bus, now: time.Now}, nil
}

// Generate produces a fresh key pair, issues a certificate (self-signed
// unless CA material is configured), persists both, and arms the
// renewal timer when auto-renewal is enabled.
func (m *Manager) Generate() (*CertificateInfo, error) {
	key, err := GenerateKeyPair(&m.cfg)
	if err != nil {
		return nil, err
	}

	csrDER, err := CreateCSR(&m.cfg, key)
	if err != nil {
		return nil, err
	}
	csr, err := x509.ParseCertificateRequest(csrDER)
	if err != nil {
		return nil, fmt.Errorf("parse CSR: %w", err)
	}

	if m.cfg.CSRPath != "" {
		if err := writePEM(m.cfg.CSRPath, "CERTIFICATE REQUEST", csrDER, 0o640); err != nil {
			return nil, fmt.Errorf("write CSR: %w", err)
		}
	}

	issuer := SelfSigner()
	if m.cfg.CACertPath != "" {
		issuer, err = LoadCA(m.cfg.CACertPath, m.cfg.CAKeyPath)
		if err != nil {
			return nil, err
		}
	}

	certDER, err := issuer.Issue(&m.cfg, csr, key, m.now())
	if err != nil {
		return nil, err
	}

	// Certificate is group-readable, the key is owner-only.
	if err := writePEM(m.cfg.CertPath, "CERTIFICATE", certDER, 0o640); err != nil {
		return nil, fmt.Errorf("write certificate: %w", err)
	}
	keyPEM, err := MarshalPrivateKeyPEM(key)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(m.cfg.KeyPath, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parse issued certificate: %w", err)
	}
	info := describeCertificate(cert)

	if m.cfg.AutoRenew {
		m.ScheduleRenewal()
	}

	m.bus.Publish(events.Event{
		Type:     events.CertGenerated,
		Severity: events.SeverityInfo,
		Message:  fmt.Sprintf("certificate issued for %s", m.cfg.CommonName),
		Metadata: map[string]string{
			"serial":      info.SerialNumber,
			"fingerprint": info.FingerprintSHA256,
			"not_after":   info.NotAfter.Format(time.RFC3339),
		},
	})

	return info, nil
}

// Validate loads the on-disk pair and reports a structured result.
// Missing files and expiry are hard errors; weak keys, deprecated
// signature hashes and jurisdiction violations are warnings.
func (m *Manager) Validate() (*ValidationResult, error) {
	result := &ValidationResult{}

	cert, err := m.loadCertificate()
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result, nil
	}
	if _, err := os.Stat(m.cfg.KeyPath); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("private key file missing: %v", err))
	}

	result.Info = describeCertificate(cert)
	result.DaysUntilExpiry = daysUntilExpiry(cert.NotAfter, m.now())

	if result.DaysUntilExpiry <= 0 {
		result.Errors = append(result.Errors,
			fmt.Sprintf("certificate expired on %s", cert.NotAfter.Format(time.RFC3339)))
	} else if result.DaysUntilExpiry <= m.cfg.RenewBeforeDays {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("certificate expires in %d days", result.DaysUntilExpiry))
		m.bus.Publish(events.Event{
			Type:     events.CertExpiring,
			Severity: events.SeverityWarning,
			Message:  fmt.Sprintf("certificate for %s expires in %d days", m.cfg.CommonName, result.DaysUntilExpiry),
		})
	}

	if m.now().Before(cert.NotBefore) {
		result.Errors = append(result.Errors,
			fmt.Sprintf("certificate not valid until %s", cert.NotBefore.Format(time.RFC3339)))
	}

	if rsaKey, ok := cert.PublicKey.(*rsa.PublicKey); ok && rsaKey.N.BitLen() < 2048 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("RSA key size %d is below 2048 bits", rsaKey.N.BitLen()))
	}

	switch cert.SignatureAlgorithm {
	case x509.SHA1WithRSA, x509.ECDSAWithSHA1, x509.DSAWithSHA1:
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("deprecated signature algorithm %s", cert.SignatureAlgorithm))
	}

	result.Warnings = append(result.Warnings, m.jurisdictionWarnings(cert)...)

	result.Valid = len(result.Errors) == 0
	return result, nil
}

// jurisdictionWarnings checks compliance constraints. These never block.
func (m *Manager) jurisdictionWarnings(cert *x509.Certificate) []string {
	j := m.cfg.Jurisdiction
	var warnings []string

	if j.Country != "" {
		issuing := ""
		if len(cert.Issuer.Country) > 0 {
			issuing = cert.Issuer.Country[0]
		}
		if !strings.EqualFold(issuing, j.Country) {
			warnings = append(warnings,
				fmt.Sprintf("issuing country %q does not match required %q", issuing, j.Country))
		}
	}

	if j.RequireResidentSAN {
		found := false
		for _, name := range cert.DNSNames {
			if strings.HasSuffix(name, j.ResidentSANSuffix) {
				found = true
				break
			}
		}
		if !found {
			warnings = append(warnings,
				fmt.Sprintf("no SAN under %q despite residency requirement", j.ResidentSANSuffix))
		}
	}
	return warnings
}

// NeedsRenewal reports whether the certificate is inside its renewal
// window (or already unusable).
func (m *Manager) NeedsRenewal() (bool, error) {
	result, err := m.Validate()
	if err != nil {
		return false, err
	}
	if !result.Valid {
		return true, nil
	}
	return result.DaysUntilExpiry <= m.cfg.RenewBeforeDays, nil
}

// ScheduleRenewal arms a one-shot renewal timer at
// now + (validityDays - renewBeforeDays). Calling it again replaces the
// existing timer; there is never more than one armed.
func (m *Manager) ScheduleRenewal() {
	delay := time.Duration(m.cfg.ValidityDays-m.cfg.RenewBeforeDays) * 24 * time.Hour

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.timer != nil {
		m.timer.Stop()
	}
	m.renewAt = m.now().Add(delay)
	m.timer = time.AfterFunc(delay, func() {
		if _, err := m.Renew(); err != nil {
			log.Printf("[CERT] scheduled renewal for %s failed: %v", m.cfg.CommonName, err)
		}
	})
	log.Printf("[CERT] renewal for %s scheduled at %s", m.cfg.CommonName, m.renewAt.Format(time.RFC3339))
}

// CancelRenewal stops any pending renewal timer. A cancelled timer
// never fires, even if it was already scheduled.
func (m *Manager) CancelRenewal() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
		m.renewAt = time.Time{}
	}
}

// RenewalScheduledAt returns the pending renewal time, if any.
func (m *Manager) RenewalScheduledAt() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.renewAt, m.timer != nil
}

// Renew backs up the current pair, regenerates, and restores the backup
// if generation fails. Concurrent calls for the same identity do not
// race: the loser gets ErrRenewalInProgress.
func (m *Manager) Renew() (*CertificateInfo, error) {
	if !m.renewMu.TryLock() {
		return nil, ErrRenewalInProgress
	}
	defer m.renewMu.Unlock()

	stamp := m.now().UTC().Format(timestampLayout)
	certBackup := m.cfg.CertPath + ".backup-" + stamp
	keyBackup := m.cfg.KeyPath + ".backup-" + stamp

	if err := copyFile(m.cfg.CertPath, certBackup, 0o640); err != nil {
		metrics.CertRenewals.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("backup certificate: %w", err)
	}
	if err := copyFile(m.cfg.KeyPath, keyBackup, 0o600); err != nil {
		metrics.CertRenewals.WithLabelValues("failure").Inc()
		return nil, fmt.Errorf("backup private key: %w", err)
	}

	info, err := m.Generate()
	if err != nil {
		metrics.CertRenewals.WithLabelValues("failure").Inc()
		// Put the previous pair back so the identity keeps serving.
		restoreErr := restorePair(certBackup, keyBackup, m.cfg.CertPath, m.cfg.KeyPath)
		m.bus.Publish(events.Event{
			Type:     events.CertRenewalFailed,
			Severity: events.SeverityCritical,
			Message:  fmt.Sprintf("renewal for %s failed: %v", m.cfg.CommonName, err),
		})
		if restoreErr != nil {
			return nil, fmt.Errorf("renewal failed (%w) and backup restore failed: %v", err, restoreErr)
		}
		return nil, fmt.Errorf("renew certificate: %w", err)
	}

	metrics.CertRenewals.WithLabelValues("success").Inc()
	m.bus.Publish(events.Event{
		Type:     events.CertRenewed,
		Severity: events.SeverityInfo,
		Message:  fmt.Sprintf("certificate for %s renewed", m.cfg.CommonName),
		Metadata: map[string]string{"fingerprint": info.FingerprintSHA256},
	})
	return info, nil
}

// Revoke moves the active certificate into the revoked store and
// deletes the active copy. The private key is left in place; key
// destruction is a separate explicit operation.
func (m *Manager) Revoke(reason string) error {
	certPEM, err := os.ReadFile(m.cfg.CertPath)
	if err != nil {
		return fmt.Errorf("read certificate for revocation: %w", err)
	}

	revokedDir := filepath.Join(filepath.Dir(m.cfg.CertPath), "revoked")
	if err := os.MkdirAll(revokedDir, 0o700); err != nil {
		return fmt.Errorf("create revoked store: %w", err)
	}

	stamp := m.now().UTC().Format(timestampLayout)
	target := filepath.Join(revokedDir, fmt.Sprintf("%s-%s.crt", m.cfg.CommonName, stamp))
	if err := os.WriteFile(target, certPEM, 0o640); err != nil {
		return fmt.Errorf("write revoked certificate: %w", err)
	}
	if err := os.Remove(m.cfg.CertPath); err != nil {
		return fmt.Errorf("remove active certificate: %w", err)
	}

	m.CancelRenewal()

	m.bus.Publish(events.Event{
		Type:     events.CertRevoked,
		Severity: events.SeverityWarning,
		Message:  fmt.Sprintf("certificate for %s revoked: %s", m.cfg.CommonName, reason),
		Metadata: map[string]string{"reason": reason, "stored_at": target},
	})
	return nil
}

// DestroyKey deletes the private key file. Separate from Revoke so a
// reversible revocation does not lose the key.
func (m *Manager) DestroyKey() error {
	if err := os.Remove(m.cfg.KeyPath); err != nil {
		return fmt.Errorf("remove private key: %w", err)
	}
	return nil
}

// TLSCertificate returns the on-disk pair for use in a TLS config.
// An expired or otherwise invalid certificate is never handed out.
func (m *Manager) TLSCertificate() (tls.Certificate, error) {
	result, err := m.Validate()
	if err != nil {
		return tls.Certificate{}, err
	}
	if !result.Valid {
		return tls.Certificate{}, fmt.Errorf("certificate unusable: %s", strings.Join(result.Errors, "; "))
	}
	pair, err := tls.LoadX509KeyPair(m.cfg.CertPath, m.cfg.KeyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("load key pair: %w", err)
	}
	return pair, nil
}

// Fingerprint returns the SHA-256 fingerprint of the active certificate.
func (m *Manager) Fingerprint() (string, error) {
	cert, err := m.loadCertificate()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:]), nil
}

// Config returns a copy of the manager's configuration.
func (m *Manager) Config() Config { return m.cfg }

// Close cancels pending timers. The on-disk material is left intact.
func (m *Manager) Close() {
	m.CancelRenewal()
}

// ─── private helpers ─────────────────────────────────────────────────────────

func (m *Manager) loadCertificate() (*x509.Certificate, error) {
	certPEM, err := os.ReadFile(m.cfg.CertPath)
	if err != nil {
		return nil, fmt.Errorf("certificate file missing: %w", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("certificate file %s is not PEM", m.cfg.CertPath)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return cert, nil
}

func daysUntilExpiry(notAfter, now time.Time) int {
	return int(math.Ceil(notAfter.Sub(now).Hours() / 24))
}

func describeCertificate(cert *x509.Certificate) *CertificateInfo {
	sha1Sum := sha1.Sum(cert.Raw)
	sha256Sum := sha256.Sum256(cert.Raw)

	info := &CertificateInfo{
		SerialNumber:       cert.SerialNumber.Text(16),
		Subject:            cert.Subject.String(),
		Issuer:             cert.Issuer.String(),
		NotBefore:          cert.NotBefore,
		NotAfter:           cert.NotAfter,
		DNSNames:           cert.DNSNames,
		PublicKeyAlgorithm: cert.PublicKeyAlgorithm.String(),
		SignatureAlgorithm: cert.SignatureAlgorithm.String(),
		IsCA:               cert.IsCA,
		SelfSigned:         cert.Subject.String() == cert.Issuer.String(),
		FingerprintSHA1:    hex.EncodeToString(sha1Sum[:]),
		FingerprintSHA256:  hex.EncodeToString(sha256Sum[:]),
	}

	for _, ip := range cert.IPAddresses {
		info.IPAddresses = append(info.IPAddresses, ip.String())
	}
	info.KeyUsage = keyUsageNames(cert.KeyUsage)
	for _, eku := range cert.ExtKeyUsage {
		info.ExtKeyUsage = append(info.ExtKeyUsage, extKeyUsageName(eku))
	}

	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		info.KeyBits = pub.N.BitLen()
	case *ecdsa.PublicKey:
		info.Curve = pub.Curve.Params().Name
		info.KeyBits = pub.Curve.Params().BitSize
	}
	return info
}

func keyUsageNames(usage x509.KeyUsage) []string {
	var names []string
	pairs := []struct {
		bit  x509.KeyUsage
		name string
	}{
		{x509.KeyUsageDigitalSignature, "digital_signature"},
		{x509.KeyUsageKeyEncipherment, "key_encipherment"},
		{x509.KeyUsageCertSign, "cert_sign"},
		{x509.KeyUsageCRLSign, "crl_sign"},
	}
	for _, p := range pairs {
		if usage&p.bit != 0 {
			names = append(names, p.name)
		}
	}
	return names
}

func extKeyUsageName(eku x509.ExtKeyUsage) string {
	switch eku {
	case x509.ExtKeyUsageServerAuth:
		return "server_auth"
	case x509.ExtKeyUsageClientAuth:
		return "client_auth"
	default:
		return "other"
	}
}

func copyFile(src, dst string, mode os.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, mode)
}

func restorePair(certBackup, keyBackup, certPath, keyPath string) error {
	if err := copyFile(certBackup, certPath, 0o640); err != nil {
		return err
	}
	return copyFile(keyBackup, keyPath, 0o600)
}
