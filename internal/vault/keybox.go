package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var ErrSealedCorrupt = errors.New("sealed credentials corrupt or wrong master key")

// Keybox seals and opens channel credentials with XChaCha20-Poly1305 under a
// process-wide master key. Plaintext only ever exists at point of use.
type Keybox struct {
	aead cipher.AEAD
}

// NewKeybox builds a Keybox from a base64-encoded 32-byte master key.
func NewKeybox(masterKeyB64 string) (*Keybox, error) {
	key, err := base64.StdEncoding.DecodeString(masterKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	return &Keybox{aead: aead}, nil
}

// Seal encrypts creds as nonce || ciphertext.
func (k *Keybox) Seal(creds map[string]string) ([]byte, error) {
	plaintext, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("marshal credentials: %w", err)
	}
	nonce := make([]byte, k.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return k.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts sealed credentials produced by Seal.
func (k *Keybox) Open(sealed []byte) (map[string]string, error) {
	if len(sealed) < k.aead.NonceSize() {
		return nil, ErrSealedCorrupt
	}
	nonce, ciphertext := sealed[:k.aead.NonceSize()], sealed[k.aead.NonceSize():]
	plaintext, err := k.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrSealedCorrupt
	}
	var creds map[string]string
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return nil, ErrSealedCorrupt
	}
	return creds, nil
}
