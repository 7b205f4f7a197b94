package certs

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// GenerateKeyPair produces a fresh private key for the configured
// algorithm. RSA defaults to 2048 bits, ECDSA to P-256.
func GenerateKeyPair(cfg *Config) (crypto.Signer, error) {
	alg := cfg.Algorithm
	if alg == "" {
		alg = AlgorithmECDSA
	}

	switch alg {
	case AlgorithmRSA:
		bits := cfg.RSABits
		if bits == 0 {
			bits = 2048
		}
		switch bits {
		case 2048, 3072, 4096:
		default:
			return nil, &KeyGenerationError{
				Algorithm: "rsa", Bits: bits,
				Err: errors.New("unsupported key size"),
			}
		}
		key, err := rsa.GenerateKey(rand.Reader, bits)
		if err != nil {
			return nil, &KeyGenerationError{Algorithm: "rsa", Bits: bits, Err: err}
		}
		return key, nil

	case AlgorithmECDSA:
		curve, err := curveByName(cfg.Curve)
		if err != nil {
			return nil, &KeyGenerationError{Algorithm: "ecdsa", Curve: cfg.Curve, Err: err}
		}
		key, err := ecdsa.GenerateKey(curve, rand.Reader)
		if err != nil {
			return nil, &KeyGenerationError{Algorithm: "ecdsa", Curve: cfg.Curve, Err: err}
		}
		return key, nil

	default:
		return nil, &KeyGenerationError{
			Algorithm: string(alg),
			Err:       errors.New("unsupported algorithm"),
		}
	}
}

func curveByName(name string) (elliptic.Curve, error) {
	switch name {
	case "", "P-256":
		return elliptic.P256(), nil
	case "P-384":
		return elliptic.P384(), nil
	case "P-521":
		return elliptic.P521(), nil
	default:
		return nil, fmt.Errorf("unsupported curve %q", name)
	}
}

// CreateCSR builds a DER-encoded certificate signing request from the
// configured subject and SAN fields.
func CreateCSR(cfg *Config, key crypto.Signer) ([]byte, error) {
	template := &x509.CertificateRequest{
		Subject:     subjectName(cfg),
		DNSNames:    cfg.DNSNames,
		IPAddresses: cfg.sanIPs(),
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return nil, fmt.Errorf("create CSR: %w", err)
	}
	return der, nil
}

func subjectName(cfg *Config) pkix.Name {
	name := pkix.Name{CommonName: cfg.CommonName}
	if cfg.Organization != "" {
		name.Organization = []string{cfg.Organization}
	}
	if cfg.OrgUnit != "" {
		name.OrganizationalUnit = []string{cfg.OrgUnit}
	}
	if cfg.Country != "" {
		name.Country = []string{cfg.Country}
	}
	if cfg.State != "" {
		name.Province = []string{cfg.State}
	}
	if cfg.Locality != "" {
		name.Locality = []string{cfg.Locality}
	}
	return name
}

// MarshalPrivateKeyPEM encodes a private key as PKCS#8 PEM.
func MarshalPrivateKeyPEM(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// ParsePrivateKeyPEM decodes a PKCS#8 PEM private key.
func ParsePrivateKeyPEM(data []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block in key data")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, errors.New("private key does not implement crypto.Signer")
	}
	return signer, nil
}

// writePEM writes a single PEM block to path with the given mode.
func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck

	return pem.Encode(f, &pem.Block{Type: blockType, Bytes: der})
}
