package keystore

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestGenerateAndGet(t *testing.T) {
	s := New(0)

	key, err := s.Generate()
	if err != nil {
		t.Fatal(err)
	}
	if len(key.Key) != KeySize {
		t.Errorf("key length = %d, want %d", len(key.Key), KeySize)
	}

	got, err := s.Get(key.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.Key, key.Key) {
		t.Error("retrieved key differs from generated key")
	}
}

func TestGetUnknownKey(t *testing.T) {
	s := New(0)

	_, err := s.Get("nope")
	if !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
}

func TestPutRejectsWrongSize(t *testing.T) {
	s := New(0)
	if _, err := s.Put("k1", make([]byte, 16)); err == nil {
		t.Error("expected error for 16-byte key")
	}
}

func TestExpiredKeyIsUnknown(t *testing.T) {
	s := New(time.Hour)
	key, err := s.Generate()
	if err != nil {
		t.Fatal(err)
	}

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	if _, err := s.Get(key.ID); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("expected ErrUnknownKey for expired key, got %v", err)
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	s := New(time.Hour)
	s.Generate()
	s.Generate()

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	s.Generate() // fresh relative to mocked clock

	if removed := s.Sweep(); removed != 2 {
		t.Errorf("swept %d keys, want 2", removed)
	}
	if s.Len() != 1 {
		t.Errorf("store holds %d keys, want 1", s.Len())
	}
}

func TestRemoveAndPurge(t *testing.T) {
	s := New(0)
	key, _ := s.Generate()
	s.Generate()

	s.Remove(key.ID)
	if _, err := s.Get(key.ID); !errors.Is(err, ErrUnknownKey) {
		t.Error("removed key should be unknown")
	}

	s.Purge()
	if s.Len() != 0 {
		t.Errorf("store holds %d keys after purge", s.Len())
	}

	// Removing again is a no-op.
	s.Remove(key.ID)
}
