package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"meshwork/internal/keystore"
)

// gcmTagSize is the AES-GCM authentication tag length in bytes.
const gcmTagSize = 16

// Envelope is the wire format carried inside the TLS stream. Every
// message is sealed independently with a fresh nonce; the key-id
// travels in the clear so the receiver can look up the session key.
type Envelope struct {
	EncryptedData string `json:"encrypted_data"`
	Nonce         string `json:"nonce"`
	AuthTag       string `json:"auth_tag"`
	KeyID         string `json:"key_id"`
}

// Seal encrypts plaintext under the session key using AES-256-GCM.
func Seal(key *keystore.SessionKey, plaintext []byte) (*Envelope, error) {
	block, err := aes.NewCipher(key.Key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, []byte(key.ID))
	ciphertext := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]

	return &Envelope{
		EncryptedData: hex.EncodeToString(ciphertext),
		Nonce:         hex.EncodeToString(nonce),
		AuthTag:       hex.EncodeToString(tag),
		KeyID:         key.ID,
	}, nil
}

// Open looks up the envelope's key-id and decrypts. An unknown key-id
// surfaces keystore.ErrUnknownKey so the sender can renegotiate;
// authentication failure surfaces ErrIntegrity.
func Open(store *keystore.Store, env *Envelope) ([]byte, error) {
	key, err := store.Get(env.KeyID)
	if err != nil {
		return nil, err
	}

	ciphertext, err := hex.DecodeString(env.EncryptedData)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	nonce, err := hex.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	tag, err := hex.DecodeString(env.AuthTag)
	if err != nil {
		return nil, fmt.Errorf("decode auth tag: %w", err)
	}

	block, err := aes.NewCipher(key.Key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init GCM: %w", err)
	}
	if len(nonce) != gcm.NonceSize() || len(tag) != gcmTagSize {
		return nil, ErrIntegrity
	}

	sealed := append(ciphertext, tag...)
	plaintext, err := gcm.Open(nil, nonce, sealed, []byte(key.ID))
	if err != nil {
		return nil, ErrIntegrity
	}
	return plaintext, nil
}
