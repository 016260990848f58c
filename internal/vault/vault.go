// Package vault seals long-lived OAuth credentials for storage at rest.
// Sealed blobs are AES-256-GCM ciphertext with the nonce prepended, encoded
// as base64. The encryption key is derived from an externally supplied master
// key and never leaves process memory.
package vault

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

	"storysync/internal/sync/domain"
)

// ErrKeyMissing indicates no master key was configured. The pipeline cannot
// run without one.
var ErrKeyMissing = errors.New("vault master key not configured")

const keyContext = "storysync-credential-vault"

// Vault seals and opens credential material with authenticated encryption.
type Vault struct {
	aead cipher.AEAD
}

// New creates a Vault from a base64-encoded master key of at least 16 bytes.
// The AES key is derived with HKDF-SHA256 so the raw master key is never used
// directly as cipher material.
func New(masterKey string) (*Vault, error) {
	if masterKey == "" {
		return nil, ErrKeyMissing
	}

	raw, err := base64.StdEncoding.DecodeString(masterKey)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(raw) < 16 {
		return nil, errors.New("master key must be at least 16 bytes")
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, raw, nil, []byte(keyContext)), key); err != nil {
		return nil, fmt.Errorf("derive encryption key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM cipher: %w", err)
	}

	return &Vault{aead: aead}, nil
}

// Seal encrypts plaintext and returns a base64 blob with a fresh random
// nonce prepended.
func (v *Vault) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := v.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts a sealed blob. Any tampering or malformation yields a
// DecryptionError; Open never returns altered plaintext.
func (v *Vault) Open(blob string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, &domain.DecryptionError{Reason: "malformed base64 blob"}
	}

	nonceSize := v.aead.NonceSize()
	if len(data) < nonceSize+v.aead.Overhead() {
		return nil, &domain.DecryptionError{Reason: "blob too short"}
	}

	plaintext, err := v.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, &domain.DecryptionError{Reason: "authentication failed"}
	}
	return plaintext, nil
}

// GenerateMasterKey returns a fresh 256-bit master key as base64, suitable
// for configuration.
func GenerateMasterKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
