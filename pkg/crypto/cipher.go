// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

// Package crypto encrypts upstream credentials at rest and mints the
// bearer tokens and admin keys that guard the gateway.
//
// Encrypted values are AES-256-GCM with a random 128-bit IV per message
// and a 128-bit authentication tag, serialized as three colon-separated
// lowercase-hex fields: `iv:tag:ciphertext`. The process-wide key is
// derived by SHA-256 from an operator-supplied secret.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
)

const (
	// ivSize is the GCM nonce length in bytes. The persisted format
	// carries a 32-hex-char IV, so GCM is instantiated at 16 bytes
	// rather than the 12-byte default.
	ivSize = 16

	// tagSize is the GCM authentication tag length in bytes.
	tagSize = 16

	// MinSecretLen is the minimum length of the operator-supplied
	// encryption secret.
	MinSecretLen = 32
)

// ErrDecrypt indicates ciphertext that failed to parse or failed its
// integrity check. Callers must not mask it; log it with the record id
// of the encrypted field, never with key or ciphertext material.
var ErrDecrypt = errors.New("decryption failed")

// encryptedPattern matches the persisted `iv:tag:ciphertext` form:
// 32 lowercase hex chars, 32 lowercase hex chars, then an even number
// of lowercase hex chars.
var encryptedPattern = regexp.MustCompile(`^[0-9a-f]{32}:[0-9a-f]{32}:(?:[0-9a-f]{2})*$`)

// IsEncrypted reports whether s is shaped like an encrypted blob. It
// checks shape only; a true result does not promise the blob decrypts.
func IsEncrypted(s string) bool {
	return encryptedPattern.MatchString(s)
}

// Cipher seals and opens credential payloads with a single process-wide
// key. Safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives an AES-256 key from secret via SHA-256. The secret
// must be at least MinSecretLen characters.
func NewCipher(secret string) (*Cipher, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("encryption secret must be at least %d characters", MinSecretLen)
	}
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext and returns the `iv:tag:ciphertext` encoding.
// Every call draws a fresh random IV, so equal plaintexts yield
// distinct outputs.
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("failed to generate IV: %w", err)
	}

	// Seal appends the tag to the ciphertext; split it back out for
	// the wire format.
	sealed := c.aead.Seal(nil, iv, plaintext, nil)
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ct), nil
}

// Decrypt opens an `iv:tag:ciphertext` blob. Any parse failure, any
// flipped byte, or a key mismatch returns an error wrapping ErrDecrypt.
func (c *Cipher) Decrypt(encoded string) ([]byte, error) {
	parts := strings.Split(encoded, ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected iv:tag:ciphertext", ErrDecrypt)
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != ivSize {
		return nil, fmt.Errorf("%w: malformed IV", ErrDecrypt)
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return nil, fmt.Errorf("%w: malformed tag", ErrDecrypt)
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: malformed ciphertext", ErrDecrypt)
	}

	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := c.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: integrity check failed", ErrDecrypt)
	}
	return plaintext, nil
}

// EncryptJSON marshals v and seals the result.
func (c *Cipher) EncryptJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	return c.Encrypt(data)
}

// DecryptJSON opens encoded and unmarshals the plaintext into out.
func (c *Cipher) DecryptJSON(encoded string, out any) error {
	plaintext, err := c.Decrypt(encoded)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		return fmt.Errorf("%w: payload is not valid JSON", ErrDecrypt)
	}
	return nil
}
