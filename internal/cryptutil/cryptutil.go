// Package cryptutil encrypts sensitive JobEndpoint header values at rest
// (spec.md §5 "Encryption of sensitive headers ... performed by the repo
// at read/write boundaries with a process-wide key"). Ciphertext is a
// random nonce prefixed to the AEAD output, base64-encoded for storage,
// sealed with golang.org/x/crypto/chacha20poly1305 rather than
// crypto/aes+GCM since no password-derived key is involved here — just one
// process-wide key.
package cryptutil

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required length of the process-wide encryption key.
const KeySize = chacha20poly1305.KeySize

// Box seals and opens header values with one process-wide key.
type Box struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
	}
}

// NewBox builds a Box from a 32-byte key (chacha20poly1305.KeySize).
func NewBox(key []byte) (*Box, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts plaintext, returning a base64 string of nonce||ciphertext
// suitable for storing directly in a headersJson string value.
func (b *Box) Seal(plaintext string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal.
func (b *Box) Open(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	n := b.aead.NonceSize()
	if len(raw) < n {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := raw[:n], raw[n:]
	plaintext, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

// SealedPrefix marks a header value as encrypted so the repo layer can
// distinguish sealed values from plaintext ones without a schema change.
const SealedPrefix = "enc:"
