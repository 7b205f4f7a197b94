package secure

import (
	"bytes"
	"errors"
	"testing"

	"meshwork/internal/keystore"
)

func TestSealOpenRoundTrip(t *testing.T) {
	store := keystore.New(0)
	key, err := store.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	plaintext := []byte(`{"id":"m-1","payload":"hello"}`)
	env, err := Seal(key, plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if env.KeyID != key.ID {
		t.Errorf("envelope key id = %q, want %q", env.KeyID, key.ID)
	}
	if env.EncryptedData == "" || env.Nonce == "" || env.AuthTag == "" {
		t.Errorf("envelope has empty fields: %+v", env)
	}

	got, err := Open(store, env)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Open = %q, want %q", got, plaintext)
	}
}

func TestOpenUnknownKey(t *testing.T) {
	store := keystore.New(0)
	key, err := store.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	env, err := Seal(key, []byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	store.Remove(key.ID)
	if _, err := Open(store, env); !errors.Is(err, keystore.ErrUnknownKey) {
		t.Errorf("Open after key removal = %v, want ErrUnknownKey", err)
	}
}

func TestOpenTamperedCiphertext(t *testing.T) {
	store := keystore.New(0)
	key, err := store.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	env, err := Seal(key, []byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	// Flip one hex digit of the ciphertext.
	data := []byte(env.EncryptedData)
	if data[0] == 'a' {
		data[0] = 'b'
	} else {
		data[0] = 'a'
	}
	env.EncryptedData = string(data)

	if _, err := Open(store, env); !errors.Is(err, ErrIntegrity) {
		t.Errorf("Open tampered = %v, want ErrIntegrity", err)
	}
}

func TestOpenWrongKey(t *testing.T) {
	store := keystore.New(0)
	key, err := store.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	other, err := store.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	env, err := Seal(key, []byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	env.KeyID = other.ID

	if _, err := Open(store, env); !errors.Is(err, ErrIntegrity) {
		t.Errorf("Open with wrong key = %v, want ErrIntegrity", err)
	}
}

func TestOpenGarbageHex(t *testing.T) {
	store := keystore.New(0)
	key, err := store.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	env, err := Seal(key, []byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	env.Nonce = "not hex"

	if _, err := Open(store, env); err == nil {
		t.Error("Open with garbage nonce succeeded")
	}
}
