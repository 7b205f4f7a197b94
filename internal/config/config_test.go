package config

import (
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.AgentID != "node-local" {
		t.Errorf("AgentID = %q", cfg.AgentID)
	}
	if cfg.ListenPort != 9443 {
		t.Errorf("ListenPort = %d", cfg.ListenPort)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Errorf("HeartbeatInterval = %v", cfg.HeartbeatInterval)
	}
	if cfg.HeartbeatFailureThreshold != 3 {
		t.Errorf("HeartbeatFailureThreshold = %d", cfg.HeartbeatFailureThreshold)
	}
	if !cfg.CertAutoRenew {
		t.Error("CertAutoRenew should default to true")
	}
	if cfg.IdleTimeout != 5*time.Minute {
		t.Errorf("IdleTimeout = %v", cfg.IdleTimeout)
	}
	if cfg.AllowedAgentTypes != nil {
		t.Errorf("AllowedAgentTypes = %v, want nil", cfg.AllowedAgentTypes)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("MESH_AGENT_ID", "node-7")
	t.Setenv("MESH_AGENT_TYPE", "monitor")
	t.Setenv("MESH_LISTEN_PORT", "10443")
	t.Setenv("MESH_HEARTBEAT_INTERVAL", "5s")
	t.Setenv("MESH_CERT_AUTO_RENEW", "false")
	t.Setenv("MESH_ALLOWED_TYPES", "backend, api,,monitor")

	cfg := Load()

	if cfg.AgentID != "node-7" {
		t.Errorf("AgentID = %q", cfg.AgentID)
	}
	if cfg.AgentType != "monitor" {
		t.Errorf("AgentType = %q", cfg.AgentType)
	}
	if cfg.ListenPort != 10443 {
		t.Errorf("ListenPort = %d", cfg.ListenPort)
	}
	if cfg.HeartbeatInterval != 5*time.Second {
		t.Errorf("HeartbeatInterval = %v", cfg.HeartbeatInterval)
	}
	if cfg.CertAutoRenew {
		t.Error("CertAutoRenew should be false")
	}
	want := []string{"backend", "api", "monitor"}
	if !reflect.DeepEqual(cfg.AllowedAgentTypes, want) {
		t.Errorf("AllowedAgentTypes = %v, want %v", cfg.AllowedAgentTypes, want)
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("MESH_LISTEN_PORT", "not-a-number")
	t.Setenv("MESH_CONNECT_TIMEOUT", "soon")

	cfg := Load()

	if cfg.ListenPort != 9443 {
		t.Errorf("ListenPort = %d, want default", cfg.ListenPort)
	}
	if cfg.ConnectTimeout != 10*time.Second {
		t.Errorf("ConnectTimeout = %v, want default", cfg.ConnectTimeout)
	}
}
