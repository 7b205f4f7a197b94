// meshnode runs one agent of the mesh: it provisions the node's
// certificate, opens the secure communication service and exposes
// Prometheus metrics until it receives SIGINT or SIGTERM.
package main

import (
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"meshwork/internal/audit"
	"meshwork/internal/certs"
	"meshwork/internal/config"
	"meshwork/internal/db"
	"meshwork/internal/events"
	"meshwork/internal/identity"
	"meshwork/internal/metrics"
	"meshwork/internal/notify"
	"meshwork/internal/secure"
)

func main() {
	log.SetFlags(log.Ltime | log.Ldate)

	cfg := config.Load()
	log.Printf("meshnode starting as %s (%s)", cfg.AgentID, cfg.AgentType)

	conn, err := db.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer conn.Close()

	auditStore, err := audit.NewStore(conn)
	if err != nil {
		log.Fatalf("audit store: %v", err)
	}

	bus := events.NewBus()

	mgr, err := certs.NewManager(certConfig(cfg), bus)
	if err != nil {
		log.Fatalf("certificate manager: %v", err)
	}
	defer mgr.Close()

	if err := ensureCertificate(mgr); err != nil {
		log.Fatalf("certificate: %v", err)
	}
	fingerprint, err := mgr.Fingerprint()
	if err != nil {
		log.Fatalf("certificate fingerprint: %v", err)
	}
	log.Printf("✓ certificate ready (fingerprint %s)", fingerprint[:16])

	registry, err := loadRegistry(cfg.RegistryPath)
	if err != nil {
		log.Fatalf("registry: %v", err)
	}
	local := localIdentity(cfg, registry, fingerprint)

	policy := secure.DefaultTLSPolicy(cfg.CACertPath)
	policy.SessionTimeout = cfg.SessionTimeout

	svc := secure.NewService(local, secure.Config{
		Policy:                    policy,
		HeartbeatInterval:         cfg.HeartbeatInterval,
		HeartbeatFailureThreshold: cfg.HeartbeatFailureThreshold,
		ConnectTimeout:            cfg.ConnectTimeout,
		IdleTimeout:               cfg.IdleTimeout,
		AllowedAgentTypes:         allowedTypes(cfg.AllowedAgentTypes),
	}, mgr, registry, auditStore, bus)

	dispatcher := notify.NewDispatcher(conn, bus, nil)
	dispatcher.Start()
	defer dispatcher.Stop()

	metricsSrv := startMetrics(cfg.MetricsAddr)

	if err := svc.Start(); err != nil {
		log.Fatalf("communication service: %v", err)
	}
	log.Printf("✓ mesh service up on port %d", cfg.ListenPort)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("⏹  shutting down...")
	svc.Stop()
	metricsSrv.Close()
}

// certConfig maps the node configuration onto a certificate config.
// CA material is only attached when the node holds the CA key.
func certConfig(cfg config.Config) certs.Config {
	cc := certs.Config{
		CommonName:      cfg.AgentID,
		Organization:    cfg.CertOrganization,
		DNSNames:        sanNames(cfg),
		Algorithm:       certs.AlgorithmECDSA,
		Curve:           "P-256",
		ValidityDays:    cfg.CertValidityDays,
		AutoRenew:       cfg.CertAutoRenew,
		RenewBeforeDays: cfg.CertRenewBeforeDays,
		CertPath:        cfg.CertPath,
		KeyPath:         cfg.KeyPath,
	}
	if cfg.CAKeyPath != "" {
		cc.CACertPath = cfg.CACertPath
		cc.CAKeyPath = cfg.CAKeyPath
	}
	return cc
}

// allowedTypes maps configured type names onto the closed agent type
// set. A bad name is a deployment mistake and stops startup.
func allowedTypes(names []string) []identity.AgentType {
	if len(names) == 0 {
		return nil
	}
	out := make([]identity.AgentType, 0, len(names))
	for _, name := range names {
		typ := identity.AgentType(name)
		if !typ.Valid() {
			log.Fatalf("unknown agent type %q in MESH_ALLOWED_TYPES", name)
		}
		out = append(out, typ)
	}
	return out
}

func sanNames(cfg config.Config) []string {
	names := []string{cfg.AgentName}
	if hostname, err := os.Hostname(); err == nil && hostname != cfg.AgentName {
		names = append(names, hostname)
	}
	return names
}

// ensureCertificate generates a certificate when none is present or the
// existing one no longer validates.
func ensureCertificate(mgr *certs.Manager) error {
	result, err := mgr.Validate()
	if err == nil && result.Valid {
		if mgr.Config().AutoRenew {
			mgr.ScheduleRenewal()
		}
		return nil
	}
	if result != nil && len(result.Errors) > 0 {
		log.Printf("existing certificate rejected: %v", result.Errors)
	}
	_, err = mgr.Generate()
	return err
}

// loadRegistry reads the known-agents file; a missing file starts the
// node with an empty registry.
func loadRegistry(path string) (*identity.Registry, error) {
	registry, err := identity.LoadRegistry(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Printf("registry %s not found, starting empty", path)
			return identity.NewRegistry(), nil
		}
		return nil, err
	}
	log.Printf("✓ registry loaded (%d agents)", len(registry.List()))
	return registry, nil
}

// localIdentity builds this node's identity and reconciles it with the
// registry record of the same id, if one exists.
func localIdentity(cfg config.Config, registry *identity.Registry, fingerprint string) *identity.AgentIdentity {
	if existing := registry.Get(cfg.AgentID); existing != nil {
		registry.UpdateFingerprint(cfg.AgentID, fingerprint)
		return existing
	}

	local := &identity.AgentIdentity{
		ID:      cfg.AgentID,
		Name:    cfg.AgentName,
		Type:    identity.AgentType(cfg.AgentType),
		Version: cfg.AgentVersion,
		Endpoints: []identity.Endpoint{
			{Host: cfg.AgentName, Port: cfg.ListenPort, Protocol: "wss", Path: cfg.MeshPath},
		},
		CertFingerprint: fingerprint,
	}
	if err := local.Validate(); err != nil {
		log.Fatalf("local identity: %v", err)
	}
	return local
}

func startMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server: %v", err)
		}
	}()
	log.Printf("✓ metrics on %s/metrics", addr)
	return srv
}
