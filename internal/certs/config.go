// Package certs owns the certificate lifecycle for one identity:
// key generation, issuance, validation, scheduled renewal, backup and
// revocation.
package certs

import (
	"fmt"
	"net"
)

// KeyAlgorithm selects the asymmetric key family.
type KeyAlgorithm string

const (
	AlgorithmRSA   KeyAlgorithm = "rsa"
	AlgorithmECDSA KeyAlgorithm = "ecdsa"
)

// Jurisdiction holds compliance constraints checked during validation.
// Violations are advisory warnings, never hard errors.
type Jurisdiction struct {
	// Country is the expected issuing country code (e.g. "AU").
	Country string
	// RequireResidentSAN demands at least one SAN under ResidentSANSuffix.
	RequireResidentSAN bool
	ResidentSANSuffix  string
}

// Config is the declarative description of one certificate. It is
// supplied by configuration and read-only to the manager.
type Config struct {
	// Subject fields
	CommonName   string
	Organization string
	OrgUnit      string
	Country      string
	State        string
	Locality     string

	// Subject alternative names
	DNSNames    []string
	IPAddresses []string

	// Key material
	Algorithm KeyAlgorithm
	RSABits   int    // 2048, 3072, 4096
	Curve     string // P-256, P-384, P-521

	// Validity and renewal policy
	ValidityDays    int
	AutoRenew       bool
	RenewBeforeDays int

	// CA linkage: both empty means self-signed.
	CACertPath string
	CAKeyPath  string

	// On-disk layout
	CertPath string
	KeyPath  string
	CSRPath  string // optional

	Jurisdiction Jurisdiction
}

// Validate checks the config before any key material is produced.
func (c *Config) Validate() error {
	if c.CommonName == "" {
		return fmt.Errorf("common name is required")
	}
	if c.CertPath == "" || c.KeyPath == "" {
		return fmt.Errorf("cert and key paths are required")
	}
	if c.ValidityDays <= 0 {
		return fmt.Errorf("validity days must be positive, got %d", c.ValidityDays)
	}
	if c.RenewBeforeDays < 0 || c.RenewBeforeDays >= c.ValidityDays {
		return fmt.Errorf("renew-before days %d must be in [0, %d)", c.RenewBeforeDays, c.ValidityDays)
	}
	if (c.CACertPath == "") != (c.CAKeyPath == "") {
		return fmt.Errorf("CA cert and key paths must be set together")
	}
	for _, ip := range c.IPAddresses {
		if net.ParseIP(ip) == nil {
			return fmt.Errorf("invalid SAN IP address %q", ip)
		}
	}
	switch c.Algorithm {
	case AlgorithmRSA, AlgorithmECDSA, "":
	default:
		return fmt.Errorf("unknown key algorithm %q", c.Algorithm)
	}
	return nil
}

// sanIPs parses the configured SAN IP strings. Validate has already
// rejected unparseable entries.
func (c *Config) sanIPs() []net.IP {
	ips := make([]net.IP, 0, len(c.IPAddresses))
	for _, s := range c.IPAddresses {
		if ip := net.ParseIP(s); ip != nil {
			ips = append(ips, ip)
		}
	}
	return ips
}
