package identity

import (
	"os"
	"path/filepath"
	"testing"
)

func validIdentity(id string) *AgentIdentity {
	return &AgentIdentity{
		ID:   id,
		Name: "test-" + id,
		Type: TypeWorker,
		Endpoints: []Endpoint{
			{Host: "127.0.0.1", Port: 9443, Protocol: "wss"},
		},
	}
}

func TestValidateAcceptsWellFormedIdentity(t *testing.T) {
	if err := validIdentity("a1").Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsUnknownType(t *testing.T) {
	a := validIdentity("a1")
	a.Type = "database"
	if err := a.Validate(); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestValidateRejectsMissingEndpoints(t *testing.T) {
	a := validIdentity("a1")
	a.Endpoints = nil
	if err := a.Validate(); err == nil {
		t.Fatal("expected error for missing endpoints")
	}
}

func TestValidateRejectsBadPort(t *testing.T) {
	a := validIdentity("a1")
	a.Endpoints[0].Port = 70000
	if err := a.Validate(); err == nil {
		t.Fatal("expected error for invalid port")
	}
}

func TestEndpointURL(t *testing.T) {
	ep := Endpoint{Host: "node1", Port: 9443, Protocol: "wss"}
	if got := ep.URL(); got != "wss://node1:9443/mesh" {
		t.Errorf("unexpected URL %q", got)
	}

	ep.Path = "/custom"
	if got := ep.URL(); got != "wss://node1:9443/custom" {
		t.Errorf("unexpected URL %q", got)
	}
}

func TestRegistryAddRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	if err := r.Add(validIdentity("a1")); err != nil {
		t.Fatalf("first add failed: %v", err)
	}
	if err := r.Add(validIdentity("a1")); err == nil {
		t.Fatal("expected duplicate id to be rejected")
	}
}

func TestRegistryUpdateFingerprint(t *testing.T) {
	r := NewRegistry()
	r.Add(validIdentity("a1"))

	if err := r.UpdateFingerprint("a1", "ab:cd"); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if got := r.Get("a1").CertFingerprint; got != "ab:cd" {
		t.Errorf("fingerprint not updated, got %q", got)
	}

	if err := r.UpdateFingerprint("nope", "x"); err == nil {
		t.Error("expected error for unknown agent")
	}
}

func TestLoadRegistry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")
	content := `[
		{"id": "a1", "name": "one", "type": "backend",
		 "endpoints": [{"host": "h1", "port": 9443, "protocol": "wss"}]},
		{"id": "a2", "name": "two", "type": "monitor",
		 "endpoints": [{"host": "h2", "port": 9444, "protocol": "wss"}]}
	]`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	r, err := LoadRegistry(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(r.List()) != 2 {
		t.Errorf("expected 2 agents, got %d", len(r.List()))
	}
	if r.Get("a2").Type != TypeMonitor {
		t.Errorf("wrong type for a2: %s", r.Get("a2").Type)
	}
}

func TestLoadRegistryRejectsInvalidRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")
	content := `[{"id": "a1", "type": "mainframe", "endpoints": [{"host": "h", "port": 1, "protocol": "wss"}]}]`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadRegistry(path); err == nil {
		t.Fatal("expected load to fail on invalid type")
	}
}
