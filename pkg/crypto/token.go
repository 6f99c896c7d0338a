// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// TokenPrefix marks bundle access tokens presented by MCP clients.
	TokenPrefix = "mcpb_"

	// AdminKeyPrefix marks management API keys. Distinct from
	// TokenPrefix so one credential class can never pass for the other.
	AdminKeyPrefix = "mcpba_"

	// tokenRandomBytes is the entropy drawn per minted token.
	tokenRandomBytes = 32

	// minTokenSuffixLen is the minimum number of characters after the
	// prefix for a token to be considered well formed.
	minTokenSuffixLen = 32
)

// NewToken mints a bundle access token: TokenPrefix plus 64 hex chars.
// The plaintext is returned exactly once; persist only HashToken of it.
func NewToken() (string, error) {
	suffix, err := randomHex()
	if err != nil {
		return "", err
	}
	return TokenPrefix + suffix, nil
}

// NewAdminKey mints a management API key with the admin prefix.
func NewAdminKey() (string, error) {
	suffix, err := randomHex()
	if err != nil {
		return "", err
	}
	return AdminKeyPrefix + suffix, nil
}

func randomHex() (string, error) {
	b := make([]byte, tokenRandomBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashToken returns the SHA-256 hex digest of the full token string,
// the only form ever persisted.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ValidTokenFormat reports whether a presented value has the bundle
// token prefix followed by at least 32 characters. Shape only; validity
// against the store is a separate check.
func ValidTokenFormat(token string) bool {
	return hasPrefixedSuffix(token, TokenPrefix)
}

// ValidAdminKeyFormat reports whether a presented value has the admin
// key prefix followed by at least 32 characters.
func ValidAdminKeyFormat(key string) bool {
	return hasPrefixedSuffix(key, AdminKeyPrefix)
}

func hasPrefixedSuffix(s, prefix string) bool {
	return strings.HasPrefix(s, prefix) && len(s) >= len(prefix)+minTokenSuffixLen
}
