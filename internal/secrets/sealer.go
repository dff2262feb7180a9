package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const sealedPrefix = "v1:"

// ErrMalformed is returned when a sealed value cannot be decoded.
var ErrMalformed = errors.New("secrets: malformed sealed value")

// Sealer encrypts small secrets (OAuth tokens) for storage at rest using
// XChaCha20-Poly1305.
type Sealer struct {
	key []byte
}

// NewSealer builds a Sealer from a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("secrets: key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Sealer{key: k}, nil
}

// NewEphemeralSealer builds a Sealer with a random key. Values sealed with it
// cannot be opened after the process exits.
func NewEphemeralSealer() (*Sealer, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("secrets: generate key: %w", err)
	}
	return &Sealer{key: key}, nil
}

// Seal encrypts plaintext. additional binds the ciphertext to its owner
// (e.g. the connection id) so it cannot be swapped between rows.
func (s *Sealer) Seal(plaintext, additional []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("secrets: init cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secrets: generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, plaintext, additional)
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal.
func (s *Sealer) Open(value string, additional []byte) ([]byte, error) {
	if !strings.HasPrefix(value, sealedPrefix) {
		return nil, ErrMalformed
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return nil, ErrMalformed
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("secrets: init cipher: %w", err)
	}
	if len(raw) < aead.NonceSize() {
		return nil, ErrMalformed
	}

	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, additional)
	if err != nil {
		return nil, fmt.Errorf("secrets: open: %w", err)
	}
	return plaintext, nil
}
