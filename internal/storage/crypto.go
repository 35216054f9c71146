package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const keyInfo = "cloud-inventory-assistant/store/v1"

// sealVersion prefixes every sealed value so the format can change later.
const sealVersion byte = 1

var errMalformedValue = errors.New("malformed sealed value")

// DeriveKey derives a 32-byte AES key from a passphrase with HKDF-SHA256.
func DeriveKey(passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("empty passphrase")
	}
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(passphrase), nil, []byte(keyInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// sealer encrypts store values with AES-GCM. Each value is bound to the row
// key it is stored under, so a value moved to another key no longer opens.
type sealer struct {
	aead cipher.AEAD
}

func newSealer(key []byte) (*sealer, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &sealer{aead: aead}, nil
}

func additionalData(rowKey string) []byte {
	return append([]byte{sealVersion}, rowKey...)
}

// Seal returns base64(version | nonce | ciphertext | tag).
func (s *sealer) Seal(rowKey string, value []byte) (string, error) {
	nonceSize := s.aead.NonceSize()
	out := make([]byte, 1+nonceSize, 1+nonceSize+len(value)+s.aead.Overhead())
	out[0] = sealVersion
	if _, err := io.ReadFull(rand.Reader, out[1:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	out = s.aead.Seal(out, out[1:], value, additionalData(rowKey))
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal for a value read from rowKey.
func (s *sealer) Open(rowKey, encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode value: %w", err)
	}
	nonceSize := s.aead.NonceSize()
	if len(raw) < 1+nonceSize+s.aead.Overhead() || raw[0] != sealVersion {
		return nil, errMalformedValue
	}

	nonce, ciphertext := raw[1:1+nonceSize], raw[1+nonceSize:]
	value, err := s.aead.Open(nil, nonce, ciphertext, additionalData(rowKey))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return value, nil
}
