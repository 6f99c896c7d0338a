// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/mcpbundle/mcpb/pkg/logger"
)

// EncryptionKeyEnv names the environment variable holding the
// process-wide encryption secret.
const EncryptionKeyEnv = "ENCRYPTION_KEY"

// LoadSecret reads the encryption secret from the environment. In
// production a missing or short secret is an error the caller should
// treat as fatal. Outside production it logs a warning and generates an
// ephemeral secret, so encrypted values will not survive a restart.
func LoadSecret(production bool) (string, error) {
	secret := os.Getenv(EncryptionKeyEnv)
	if len(secret) >= MinSecretLen {
		return secret, nil
	}

	if production {
		if secret == "" {
			return "", fmt.Errorf("%s is required in production", EncryptionKeyEnv)
		}
		return "", fmt.Errorf("%s must be at least %d characters", EncryptionKeyEnv, MinSecretLen)
	}

	if secret == "" {
		logger.Warnf("%s is not set; using an ephemeral key, stored credentials will not survive a restart", EncryptionKeyEnv)
	} else {
		logger.Warnf("%s is shorter than %d characters; using an ephemeral key instead", EncryptionKeyEnv, MinSecretLen)
	}
	return NewEphemeralSecret()
}

// NewEphemeralSecret generates a random secret suitable for NewCipher.
func NewEphemeralSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
