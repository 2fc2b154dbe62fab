// Package crypto provides field-level encryption for credential values at rest.
//
// Ciphertext is self-describing: every token carries an algorithm tag and the
// nonce, so the key derivation or cipher can change later without a schema
// migration. Tokens produced under a different master key fail authentication
// and surface ErrDecrypt.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// algXChaCha20 tags tokens sealed with XChaCha20-Poly1305.
const algXChaCha20 = "xcp1"

// ErrDecrypt indicates a token that could not be authenticated: tampered
// ciphertext, a token sealed under a foreign key, or a malformed envelope.
var ErrDecrypt = errors.New("crypto: decryption failed")

// ErrInvalidKey indicates a master key that is not 32 bytes after decoding.
var ErrInvalidKey = errors.New("crypto: master key must decode to 32 bytes")

// Encryptor seals and opens credential strings with a process-wide master key.
// Safe for concurrent use.
type Encryptor struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
}

// NewEncryptor builds an Encryptor from the master key material.
// The key is accepted as base64 (std or raw) or hex, and must decode to
// exactly 32 bytes.
func NewEncryptor(key string) (*Encryptor, error) {
	raw, err := decodeKey(strings.TrimSpace(key))
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(raw)
	if err != nil {
		return nil, fmt.Errorf("crypto: init cipher: %w", err)
	}
	return &Encryptor{aead: aead}, nil
}

func decodeKey(key string) ([]byte, error) {
	if key == "" {
		return nil, ErrInvalidKey
	}
	decoders := []func(string) ([]byte, error){
		base64.StdEncoding.DecodeString,
		base64.RawStdEncoding.DecodeString,
		hex.DecodeString,
	}
	for _, decode := range decoders {
		raw, err := decode(key)
		if err == nil && len(raw) == chacha20poly1305.KeySize {
			return raw, nil
		}
	}
	return nil, ErrInvalidKey
}

// Encrypt seals plaintext and returns an opaque token of the form
// "<alg>:<base64(nonce || ciphertext)>".
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("crypto: nonce: %w", err)
	}
	sealed := e.aead.Seal(nil, nonce, []byte(plaintext), nil)
	token := append(nonce, sealed...)
	return algXChaCha20 + ":" + base64.StdEncoding.EncodeToString(token), nil
}

// Decrypt opens a token produced by Encrypt. Any malformed, tampered, or
// foreign-key token yields ErrDecrypt; garbage is never returned.
func (e *Encryptor) Decrypt(token string) (string, error) {
	alg, body, ok := strings.Cut(token, ":")
	if !ok || alg != algXChaCha20 {
		return "", ErrDecrypt
	}
	raw, err := base64.StdEncoding.DecodeString(body)
	if err != nil || len(raw) < chacha20poly1305.NonceSizeX {
		return "", ErrDecrypt
	}
	nonce, sealed := raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:]
	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}
