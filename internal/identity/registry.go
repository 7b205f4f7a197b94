package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
)

// Registry holds the set of known agent identities, supplied at
// bootstrap. Peers are not discovered dynamically; the registry file is
// the source of truth.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*AgentIdentity
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*AgentIdentity)}
}

// LoadRegistry reads a JSON array of identity records from path.
// Every record must validate; a single bad record fails the load.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry %s: %w", path, err)
	}

	var records []*AgentIdentity
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", path, err)
	}

	r := NewRegistry()
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			return nil, fmt.Errorf("registry %s: %w", path, err)
		}
		if err := r.Add(rec); err != nil {
			return nil, fmt.Errorf("registry %s: %w", path, err)
		}
	}
	return r, nil
}

// Add registers an identity. Duplicate ids are rejected.
func (r *Registry) Add(a *AgentIdentity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[a.ID]; exists {
		return fmt.Errorf("duplicate agent id %s", a.ID)
	}
	r.agents[a.ID] = a
	return nil
}

// Get returns the identity for id, or nil if unknown.
func (r *Registry) Get(id string) *AgentIdentity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[id]
}

// Remove deletes an identity. Removing an unknown id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, id)
}

// UpdateFingerprint records a new certificate fingerprint for id,
// as happens after the peer renews its certificate.
func (r *Registry) UpdateFingerprint(id, fingerprint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("unknown agent id %s", id)
	}
	a.CertFingerprint = fingerprint
	return nil
}

// List returns all identities sorted by id.
func (r *Registry) List() []*AgentIdentity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*AgentIdentity, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
