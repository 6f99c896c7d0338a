// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"fmt"

	"github.com/mcpbundle/mcpb/pkg/bundle"
	"github.com/mcpbundle/mcpb/pkg/crypto"
	"github.com/mcpbundle/mcpb/pkg/logger"
)

// authCodec moves AuthConfig values between cleartext and the encrypted
// auth_blob column.
type authCodec struct {
	cipher *crypto.Cipher

	// failClosed propagates read-side decryption failures instead of
	// substituting the none config. Credential rows always propagate,
	// the flag applies to MASTER credentials on MCP rows.
	failClosed bool
}

// seal encrypts auth for storage. The none config (and the zero value)
// stores as an empty blob.
func (c authCodec) seal(auth bundle.AuthConfig) (string, error) {
	if auth.Method == "" || auth.Method == bundle.AuthMethodNone {
		return "", nil
	}
	blob, err := c.cipher.EncryptJSON(auth)
	if err != nil {
		return "", fmt.Errorf("encrypting auth config: %w", err)
	}
	return blob, nil
}

// open decrypts a stored blob. Empty blobs are the none config. On
// failure it either propagates ErrDecrypt or logs the record id and
// substitutes none, depending on failClosed.
func (c authCodec) open(blob, recordID string) (bundle.AuthConfig, error) {
	if blob == "" {
		return bundle.NoneAuth(), nil
	}
	var auth bundle.AuthConfig
	if err := c.cipher.DecryptJSON(blob, &auth); err != nil {
		if c.failClosed {
			return bundle.AuthConfig{}, fmt.Errorf("record %s: %w", recordID, err)
		}
		logger.Errorf("failed to decrypt auth for record %s, substituting none", recordID)
		return bundle.NoneAuth(), nil
	}
	return auth, nil
}

// mustOpen decrypts a stored blob and always propagates failures. Used
// for per-token credentials, where the caller decides whether to skip
// the entry.
func (c authCodec) mustOpen(blob, recordID string) (bundle.AuthConfig, error) {
	if blob == "" {
		return bundle.NoneAuth(), nil
	}
	var auth bundle.AuthConfig
	if err := c.cipher.DecryptJSON(blob, &auth); err != nil {
		return bundle.AuthConfig{}, fmt.Errorf("record %s: %w", recordID, err)
	}
	return auth, nil
}
