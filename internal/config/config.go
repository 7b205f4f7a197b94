// Package config loads the node configuration from environment
// variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the runtime configuration for one mesh node.
type Config struct {
	// Local identity
	AgentID      string
	AgentName    string
	AgentType    string
	AgentVersion string

	// Persistence
	DBPath       string
	RegistryPath string

	// Certificate material
	CertPath            string
	KeyPath             string
	CACertPath          string
	CAKeyPath           string
	CertOrganization    string
	CertValidityDays    int
	CertRenewBeforeDays int
	CertAutoRenew       bool

	// Transport
	ListenPort                int
	MeshPath                  string
	HeartbeatInterval         time.Duration
	HeartbeatFailureThreshold int
	ConnectTimeout            time.Duration
	IdleTimeout               time.Duration
	SessionTimeout            time.Duration

	// AllowedAgentTypes restricts which agent types this node will
	// talk to. Empty means all types.
	AllowedAgentTypes []string

	// Observability
	MetricsAddr string
}

// Load returns the node configuration from environment variables.
func Load() Config {
	return Config{
		AgentID:      getEnv("MESH_AGENT_ID", "node-local"),
		AgentName:    getEnv("MESH_AGENT_NAME", "node-local"),
		AgentType:    getEnv("MESH_AGENT_TYPE", "backend"),
		AgentVersion: getEnv("MESH_AGENT_VERSION", "0.0.0"),

		DBPath:       getEnv("MESH_DB_PATH", "meshwork.db"),
		RegistryPath: getEnv("MESH_REGISTRY_PATH", "registry.json"),

		CertPath:            getEnv("MESH_CERT_PATH", "certs/node.crt"),
		KeyPath:             getEnv("MESH_KEY_PATH", "certs/node.key"),
		CACertPath:          getEnv("MESH_CA_CERT_PATH", "certs/ca.crt"),
		CAKeyPath:           getEnv("MESH_CA_KEY_PATH", ""),
		CertOrganization:    getEnv("MESH_CERT_ORG", "meshwork"),
		CertValidityDays:    getEnvInt("MESH_CERT_VALIDITY_DAYS", 365),
		CertRenewBeforeDays: getEnvInt("MESH_CERT_RENEW_BEFORE_DAYS", 30),
		CertAutoRenew:       getEnv("MESH_CERT_AUTO_RENEW", "true") == "true",

		ListenPort:                getEnvInt("MESH_LISTEN_PORT", 9443),
		MeshPath:                  getEnv("MESH_PATH", "/mesh"),
		HeartbeatInterval:         getEnvDuration("MESH_HEARTBEAT_INTERVAL", 30*time.Second),
		HeartbeatFailureThreshold: getEnvInt("MESH_HEARTBEAT_FAILURES", 3),
		ConnectTimeout:            getEnvDuration("MESH_CONNECT_TIMEOUT", 10*time.Second),
		IdleTimeout:               getEnvDuration("MESH_IDLE_TIMEOUT", 5*time.Minute),
		SessionTimeout:            getEnvDuration("MESH_SESSION_TIMEOUT", time.Hour),
		AllowedAgentTypes:         getEnvList("MESH_ALLOWED_TYPES"),

		MetricsAddr: getEnv("MESH_METRICS_ADDR", ":9090"),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

// getEnvList splits a comma-separated variable; empty entries are
// dropped. An unset or empty variable yields nil.
func getEnvList(key string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
