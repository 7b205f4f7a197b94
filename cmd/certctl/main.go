// certctl manages agent certificates from the command line: bootstrap a
// CA, issue and inspect certificates, renew and revoke them.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"meshwork/internal/certs"
)

func main() {
	log.SetFlags(0)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "ca":
		runCA(args)
	case "generate":
		runGenerate(args)
	case "validate":
		runValidate(args)
	case "renew":
		runRenew(args)
	case "revoke":
		runRevoke(args)
	case "info":
		runInfo(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: certctl <command> [flags]

commands:
  ca        create a self-signed certificate authority
  generate  issue a certificate (self-signed or CA-signed)
  validate  check an existing certificate
  renew     replace a certificate, keeping a backup
  revoke    move a certificate to the revoked store
  info      print certificate details as JSON

run 'certctl <command> -h' for the flags of a command`)
}

// certFlags binds the shared certificate flags onto a flag set and
// returns a builder for the resulting config.
func certFlags(fs *flag.FlagSet) func() certs.Config {
	cn := fs.String("cn", "", "certificate common name")
	org := fs.String("org", "meshwork", "organization")
	country := fs.String("country", "", "subject country code")
	dns := fs.String("dns", "", "comma-separated DNS SANs")
	ips := fs.String("ip", "", "comma-separated IP SANs")
	algo := fs.String("algo", "ecdsa", "key algorithm: rsa or ecdsa")
	rsaBits := fs.Int("rsa-bits", 2048, "RSA key size")
	curve := fs.String("curve", "P-256", "ECDSA curve: P-256, P-384 or P-521")
	validity := fs.Int("validity", 365, "validity in days")
	renewBefore := fs.Int("renew-before", 30, "renewal window in days")
	certPath := fs.String("cert", "certs/node.crt", "certificate output path")
	keyPath := fs.String("key", "certs/node.key", "private key output path")
	csrPath := fs.String("csr", "", "optional CSR output path")
	caCert := fs.String("ca-cert", "", "issuing CA certificate")
	caKey := fs.String("ca-key", "", "issuing CA private key")

	return func() certs.Config {
		return certs.Config{
			CommonName:      *cn,
			Organization:    *org,
			Country:         *country,
			DNSNames:        splitList(*dns),
			IPAddresses:     splitList(*ips),
			Algorithm:       certs.KeyAlgorithm(*algo),
			RSABits:         *rsaBits,
			Curve:           *curve,
			ValidityDays:    *validity,
			RenewBeforeDays: *renewBefore,
			CertPath:        *certPath,
			KeyPath:         *keyPath,
			CSRPath:         *csrPath,
			CACertPath:      *caCert,
			CAKeyPath:       *caKey,
		}
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func runCA(args []string) {
	fs := flag.NewFlagSet("ca", flag.ExitOnError)
	build := certFlags(fs)
	fs.Parse(args)

	cfg := build()
	if err := certs.CreateCA(&cfg); err != nil {
		log.Fatalf("create CA: %v", err)
	}
	fmt.Printf("CA written to %s (key %s)\n", cfg.CertPath, cfg.KeyPath)
}

func runGenerate(args []string) {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	build := certFlags(fs)
	fs.Parse(args)

	mgr := newManager(build())
	defer mgr.Close()

	info, err := mgr.Generate()
	if err != nil {
		log.Fatalf("generate: %v", err)
	}
	fmt.Printf("certificate issued for %s\n", info.Subject)
	fmt.Printf("  serial      %s\n", info.SerialNumber)
	fmt.Printf("  not after   %s\n", info.NotAfter)
	fmt.Printf("  fingerprint %s\n", info.FingerprintSHA256)
}

func runValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	build := certFlags(fs)
	fs.Parse(args)

	mgr := newManager(build())
	defer mgr.Close()

	result, err := mgr.Validate()
	if err != nil {
		log.Fatalf("validate: %v", err)
	}
	for _, e := range result.Errors {
		fmt.Printf("error:   %s\n", e)
	}
	for _, w := range result.Warnings {
		fmt.Printf("warning: %s\n", w)
	}
	if !result.Valid {
		os.Exit(1)
	}
	fmt.Printf("valid, expires in %d days\n", result.DaysUntilExpiry)
}

func runRenew(args []string) {
	fs := flag.NewFlagSet("renew", flag.ExitOnError)
	build := certFlags(fs)
	fs.Parse(args)

	mgr := newManager(build())
	defer mgr.Close()

	info, err := mgr.Renew()
	if err != nil {
		log.Fatalf("renew: %v", err)
	}
	fmt.Printf("certificate renewed, new fingerprint %s\n", info.FingerprintSHA256)
}

func runRevoke(args []string) {
	fs := flag.NewFlagSet("revoke", flag.ExitOnError)
	build := certFlags(fs)
	reason := fs.String("reason", "unspecified", "revocation reason")
	destroyKey := fs.Bool("destroy-key", false, "also delete the private key")
	fs.Parse(args)

	mgr := newManager(build())
	defer mgr.Close()

	if err := mgr.Revoke(*reason); err != nil {
		log.Fatalf("revoke: %v", err)
	}
	fmt.Println("certificate revoked")

	if *destroyKey {
		if err := mgr.DestroyKey(); err != nil {
			log.Fatalf("destroy key: %v", err)
		}
		fmt.Println("private key destroyed")
	}
}

func runInfo(args []string) {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	build := certFlags(fs)
	fs.Parse(args)

	mgr := newManager(build())
	defer mgr.Close()

	result, err := mgr.Validate()
	if err != nil {
		log.Fatalf("info: %v", err)
	}
	if result.Info == nil {
		log.Fatalf("info: %s", strings.Join(result.Errors, "; "))
	}

	out, err := json.MarshalIndent(result.Info, "", "  ")
	if err != nil {
		log.Fatalf("info: %v", err)
	}
	fmt.Println(string(out))
}

func newManager(cfg certs.Config) *certs.Manager {
	mgr, err := certs.NewManager(cfg, nil)
	if err != nil {
		log.Fatalf("%v", err)
	}
	return mgr
}
