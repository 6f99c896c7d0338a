// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mcpbundle/mcpb/pkg/bundle"
	"github.com/mcpbundle/mcpb/pkg/crypto"
	"github.com/mcpbundle/mcpb/pkg/storage"
)

// CredentialStore implements storage.CredentialRepo using SQLite.
//
// Unlike MCP rows, credential reads always propagate decryption
// failures: the bundle resolver needs to see the failure to skip the
// affected entry rather than attach with a silently emptied credential.
type CredentialStore struct {
	db    *sql.DB
	codec authCodec
}

// NewCredentialStore creates a SQLite-backed CredentialRepo.
func NewCredentialStore(db *DB, cipher *crypto.Cipher) *CredentialStore {
	return &CredentialStore{db: db.DB(), codec: authCodec{cipher: cipher}}
}

var _ storage.CredentialRepo = (*CredentialStore)(nil)

const credentialColumns = `id, token_id, mcp_id, auth_blob, created_at, updated_at`

var credentialFields = map[string]string{
	"tokenId": "token_id",
	"mcpId":   "mcp_id",
}

// Create persists a new credential binding.
func (s *CredentialStore) Create(ctx context.Context, c bundle.BundleCredential) (bundle.BundleCredential, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	blob, err := s.codec.seal(c.Auth)
	if err != nil {
		return bundle.BundleCredential{}, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO bundle_credentials (id, token_id, mcp_id, auth_blob, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.TokenID, c.McpID, blob, formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return bundle.BundleCredential{}, bundle.ErrAlreadyExists
		}
		return bundle.BundleCredential{}, fmt.Errorf("inserting credential: %w", err)
	}
	return c, nil
}

// Update re-seals an existing credential by id.
func (s *CredentialStore) Update(ctx context.Context, c bundle.BundleCredential) (bundle.BundleCredential, error) {
	blob, err := s.codec.seal(c.Auth)
	if err != nil {
		return bundle.BundleCredential{}, err
	}
	c.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx,
		`UPDATE bundle_credentials SET auth_blob = ?, updated_at = ? WHERE id = ?`,
		blob, formatTime(c.UpdatedAt), c.ID,
	)
	if err != nil {
		return bundle.BundleCredential{}, fmt.Errorf("updating credential: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return bundle.BundleCredential{}, err
	}
	return s.FindByID(ctx, c.ID)
}

// Delete removes a credential by id.
func (s *CredentialStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bundle_credentials WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting credential: %w", err)
	}
	return requireAffected(res)
}

// FindByID loads one credential.
func (s *CredentialStore) FindByID(ctx context.Context, id string) (bundle.BundleCredential, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM bundle_credentials WHERE id = ?`, id)
	return s.scanCredential(row)
}

// FindFirst loads the first credential whose field equals value.
func (s *CredentialStore) FindFirst(ctx context.Context, field, value string) (bundle.BundleCredential, error) {
	column, ok := credentialFields[field]
	if !ok {
		return bundle.BundleCredential{}, bundle.NewFieldError(field, "not a queryable credential field")
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM bundle_credentials WHERE `+column+` = ? LIMIT 1`, value)
	return s.scanCredential(row)
}

// Exists reports whether a credential with the given id is stored.
func (s *CredentialStore) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM bundle_credentials WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking credential existence: %w", err)
	}
	return true, nil
}

// FindByTokenAndMcp loads the credential bound to a (token, mcp) pair.
func (s *CredentialStore) FindByTokenAndMcp(ctx context.Context, tokenID, mcpID string) (bundle.BundleCredential, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM bundle_credentials
		 WHERE token_id = ? AND mcp_id = ?`,
		tokenID, mcpID)
	return s.scanCredential(row)
}

// Bind creates or replaces the credential for a (token, mcp) pair.
func (s *CredentialStore) Bind(ctx context.Context, c bundle.BundleCredential) (bundle.BundleCredential, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	blob, err := s.codec.seal(c.Auth)
	if err != nil {
		return bundle.BundleCredential{}, err
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO bundle_credentials (id, token_id, mcp_id, auth_blob, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(token_id, mcp_id) DO UPDATE SET
			auth_blob = excluded.auth_blob,
			updated_at = excluded.updated_at`,
		c.ID, c.TokenID, c.McpID, blob, formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	); err != nil {
		return bundle.BundleCredential{}, fmt.Errorf("binding credential: %w", err)
	}

	return s.FindByTokenAndMcp(ctx, c.TokenID, c.McpID)
}

// UpdateByTokenAndMcp rewrites an existing binding.
func (s *CredentialStore) UpdateByTokenAndMcp(
	ctx context.Context, tokenID, mcpID string, auth bundle.AuthConfig,
) (bundle.BundleCredential, error) {
	blob, err := s.codec.seal(auth)
	if err != nil {
		return bundle.BundleCredential{}, err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE bundle_credentials SET auth_blob = ?, updated_at = ?
		 WHERE token_id = ? AND mcp_id = ?`,
		blob, formatTime(time.Now().UTC()), tokenID, mcpID,
	)
	if err != nil {
		return bundle.BundleCredential{}, fmt.Errorf("updating credential binding: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return bundle.BundleCredential{}, err
	}
	return s.FindByTokenAndMcp(ctx, tokenID, mcpID)
}

// Remove deletes the binding for a (token, mcp) pair.
func (s *CredentialStore) Remove(ctx context.Context, tokenID, mcpID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM bundle_credentials WHERE token_id = ? AND mcp_id = ?`,
		tokenID, mcpID)
	if err != nil {
		return fmt.Errorf("removing credential binding: %w", err)
	}
	return requireAffected(res)
}

// ListByToken returns every credential bound to a token.
func (s *CredentialStore) ListByToken(ctx context.Context, tokenID string) ([]bundle.BundleCredential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM bundle_credentials
		 WHERE token_id = ? ORDER BY created_at`,
		tokenID)
	if err != nil {
		return nil, fmt.Errorf("querying credentials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var creds []bundle.BundleCredential
	for rows.Next() {
		c, err := s.scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating credential rows: %w", err)
	}
	return creds, nil
}

func (s *CredentialStore) scanCredential(sc scanner) (bundle.BundleCredential, error) {
	var (
		c         bundle.BundleCredential
		blob      string
		createdAt string
		updatedAt string
	)
	err := sc.Scan(&c.ID, &c.TokenID, &c.McpID, &blob, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return bundle.BundleCredential{}, bundle.ErrNotFound
		}
		return bundle.BundleCredential{}, fmt.Errorf("scanning credential row: %w", err)
	}

	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return bundle.BundleCredential{}, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return bundle.BundleCredential{}, err
	}
	if c.Auth, err = s.codec.mustOpen(blob, c.ID); err != nil {
		return bundle.BundleCredential{}, err
	}
	return c, nil
}
