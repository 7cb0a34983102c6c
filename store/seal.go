package store

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrSealCorrupt is returned when sealed data cannot be authenticated,
// usually because the secret changed since the row was written.
var ErrSealCorrupt = errors.New("store: sealed value corrupt or wrong secret")

// Sealer encrypts API keys at rest with ChaCha20-Poly1305. The key is
// derived once from an operator-supplied secret; the Sealer is passed in
// explicitly wherever sealing happens.
type Sealer struct {
	key [chacha20poly1305.KeySize]byte
}

// NewSealer derives the sealing key from secret. An empty secret is
// rejected: persisting credentials without one is not supported.
func NewSealer(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, errors.New("store: sealing secret is empty")
	}
	return &Sealer{key: sha256.Sum256([]byte(secret))}, nil
}

// Seal encrypts plaintext and returns nonce||ciphertext base64-encoded,
// suitable for a TEXT column. Sealing the empty string yields the empty
// string so unset keys stay recognisably unset.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	aead, err := chacha20poly1305.NewX(s.key[:])
	if err != nil {
		return "", fmt.Errorf("store: seal: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("store: seal nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", ErrSealCorrupt
	}
	aead, err := chacha20poly1305.NewX(s.key[:])
	if err != nil {
		return "", fmt.Errorf("store: open: %w", err)
	}
	if len(raw) < aead.NonceSize() {
		return "", ErrSealCorrupt
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrSealCorrupt
	}
	return string(plaintext), nil
}
