// Package keystore holds per-connection symmetric session keys, keyed
// by key-id. Keys live only in memory and expire with their session.
package keystore

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// ErrUnknownKey is returned when a key-id has no live entry, typically
// after a rotation race. Callers treat it as a signal to renegotiate.
var ErrUnknownKey = errors.New("unknown key id")

// SessionKey is one symmetric key bound to a connection.
type SessionKey struct {
	ID        string
	Key       []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the key is past its expiry at the given time.
func (k *SessionKey) Expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && now.After(k.ExpiresAt)
}

// Store is an in-memory session key store. Safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	keys map[string]*SessionKey
	ttl  time.Duration
	now  func() time.Time
}

// New creates a store whose keys expire after ttl. A zero ttl means
// keys live until explicitly removed.
func New(ttl time.Duration) *Store {
	return &Store{
		keys: make(map[string]*SessionKey),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Generate creates a fresh random session key under a new key-id.
func (s *Store) Generate() (*SessionKey, error) {
	material := make([]byte, KeySize)
	if _, err := rand.Read(material); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}
	return s.Put(uuid.NewString(), material)
}

// Put registers key material under the given key-id. Existing material
// under the same id is replaced.
func (s *Store) Put(id string, material []byte) (*SessionKey, error) {
	if len(material) != KeySize {
		return nil, fmt.Errorf("session key must be %d bytes, got %d", KeySize, len(material))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := &SessionKey{
		ID:        id,
		Key:       append([]byte(nil), material...),
		CreatedAt: s.now(),
	}
	if s.ttl > 0 {
		key.ExpiresAt = key.CreatedAt.Add(s.ttl)
	}
	s.keys[id] = key
	return key, nil
}

// Get returns the live key for id. Expired or missing keys yield
// ErrUnknownKey.
func (s *Store) Get(id string) (*SessionKey, error) {
	s.mu.RLock()
	key, ok := s.keys[id]
	s.mu.RUnlock()

	if !ok || key.Expired(s.now()) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, id)
	}
	return key, nil
}

// Remove discards the key for id. Removing an unknown id is a no-op.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	delete(s.keys, id)
	s.mu.Unlock()
}

// Sweep drops every expired key and returns how many were removed.
func (s *Store) Sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, key := range s.keys {
		if key.Expired(now) {
			delete(s.keys, id)
			removed++
		}
	}
	return removed
}

// Purge discards every key, as happens on service shutdown.
func (s *Store) Purge() {
	s.mu.Lock()
	s.keys = make(map[string]*SessionKey)
	s.mu.Unlock()
}

// Len returns the number of live entries, expired ones included until
// the next sweep.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}
