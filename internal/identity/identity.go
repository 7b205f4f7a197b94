// Package identity defines the agent identity model: who an agent is,
// what role it plays, and where it can be reached.
package identity

import (
	"fmt"
	"time"
)

// AgentType is the declared role of an agent. The set is closed; an
// identity with any other type fails validation.
type AgentType string

const (
	TypeFrontend  AgentType = "frontend"
	TypeBackend   AgentType = "backend"
	TypeAPI       AgentType = "api"
	TypeScheduler AgentType = "scheduler"
	TypeMonitor   AgentType = "monitor"
	TypeWorker    AgentType = "worker"
)

// Valid reports whether t is one of the known agent types.
func (t AgentType) Valid() bool {
	switch t {
	case TypeFrontend, TypeBackend, TypeAPI, TypeScheduler, TypeMonitor, TypeWorker:
		return true
	}
	return false
}

// Endpoint is one reachable network address for an agent. Endpoints are
// immutable; a changed address is a new endpoint.
type Endpoint struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"` // wss
	Path     string `json:"path,omitempty"`
}

// URL renders the endpoint as a dialable address.
func (e Endpoint) URL() string {
	path := e.Path
	if path == "" {
		path = "/mesh"
	}
	return fmt.Sprintf("%s://%s:%d%s", e.Protocol, e.Host, e.Port, path)
}

// AgentIdentity represents one communicating party. The certificate
// fingerprint changes on renewal; every other field is fixed at
// provisioning time.
type AgentIdentity struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Type            AgentType  `json:"type"`
	Version         string     `json:"version"`
	Capabilities    []string   `json:"capabilities,omitempty"`
	Endpoints       []Endpoint `json:"endpoints"`
	CertFingerprint string     `json:"cert_fingerprint,omitempty"`
	RegisteredAt    time.Time  `json:"registered_at,omitempty"`
}

// PrimaryEndpoint returns the first configured endpoint.
func (a *AgentIdentity) PrimaryEndpoint() (Endpoint, error) {
	if len(a.Endpoints) == 0 {
		return Endpoint{}, fmt.Errorf("agent %s has no endpoints", a.ID)
	}
	return a.Endpoints[0], nil
}

// Validate checks the structural invariants of an identity record.
func (a *AgentIdentity) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("agent id is required")
	}
	if !a.Type.Valid() {
		return fmt.Errorf("unknown agent type %q for agent %s", a.Type, a.ID)
	}
	if len(a.Endpoints) == 0 {
		return fmt.Errorf("agent %s declares no endpoints", a.ID)
	}
	for i, ep := range a.Endpoints {
		if ep.Host == "" {
			return fmt.Errorf("agent %s endpoint %d has no host", a.ID, i)
		}
		if ep.Port <= 0 || ep.Port > 65535 {
			return fmt.Errorf("agent %s endpoint %d has invalid port %d", a.ID, i, ep.Port)
		}
	}
	return nil
}
