package storage

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const sealPrefix = "sealed:v1:"

// ErrUnsealed is returned by Open when the value was written without sealing.
var ErrUnsealed = errors.New("value is not sealed")

// Sealer encrypts credential values at rest with XChaCha20-Poly1305. The
// storage key is bound as additional data so a sealed value cannot be moved
// to another key.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer creates a sealer from a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("invalid seal key: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// ParseSealKey decodes a 64-character hex key.
func ParseSealKey(hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("seal key hex decode: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("seal key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return key, nil
}

// Seal encrypts plain for the given storage key.
func (s *Sealer) Seal(key string, plain []byte) (string, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plain)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := s.aead.Seal(nonce, nonce, plain, []byte(key))
	return sealPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal for the same storage key.
func (s *Sealer) Open(key, sealed string) ([]byte, error) {
	if !strings.HasPrefix(sealed, sealPrefix) {
		return nil, ErrUnsealed
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, sealPrefix))
	if err != nil {
		return nil, fmt.Errorf("sealed value decode: %w", err)
	}
	ns := s.aead.NonceSize()
	if len(raw) < ns+s.aead.Overhead() {
		return nil, errors.New("sealed value too short")
	}
	plain, err := s.aead.Open(nil, raw[:ns], raw[ns:], []byte(key))
	if err != nil {
		return nil, fmt.Errorf("sealed value rejected: %w", err)
	}
	return plain, nil
}
