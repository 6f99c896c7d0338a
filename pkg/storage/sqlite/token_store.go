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
	"github.com/mcpbundle/mcpb/pkg/storage"
)

// TokenStore implements storage.TokenRepo using SQLite.
type TokenStore struct {
	db *sql.DB
}

// NewTokenStore creates a SQLite-backed TokenRepo.
func NewTokenStore(db *DB) *TokenStore {
	return &TokenStore{db: db.DB()}
}

var _ storage.TokenRepo = (*TokenStore)(nil)

const tokenColumns = `id, bundle_id, name, token_hash, expires_at, revoked, created_at`

var tokenFields = map[string]string{
	"bundleId": "bundle_id",
	"name":     "name",
	"hash":     "token_hash",
}

// Create persists a token record. Only the hash is stored.
func (s *TokenStore) Create(ctx context.Context, t bundle.Token) (bundle.Token, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens (id, bundle_id, name, token_hash, expires_at, revoked, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.BundleID, t.Name, t.Hash,
		formatNullableTime(t.ExpiresAt), t.Revoked, formatTime(t.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return bundle.Token{}, bundle.ErrAlreadyExists
		}
		return bundle.Token{}, fmt.Errorf("inserting token: %w", err)
	}
	return t, nil
}

// Update rewrites a token's mutable fields (name, expiry, revocation).
func (s *TokenStore) Update(ctx context.Context, t bundle.Token) (bundle.Token, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tokens SET name = ?, expires_at = ?, revoked = ? WHERE id = ?`,
		t.Name, formatNullableTime(t.ExpiresAt), t.Revoked, t.ID,
	)
	if err != nil {
		return bundle.Token{}, fmt.Errorf("updating token: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return bundle.Token{}, err
	}
	return s.FindByID(ctx, t.ID)
}

// Delete removes a token; its credentials cascade.
func (s *TokenStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting token: %w", err)
	}
	return requireAffected(res)
}

// FindByID loads one token record.
func (s *TokenStore) FindByID(ctx context.Context, id string) (bundle.Token, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE id = ?`, id)
	return scanToken(row)
}

// FindFirst loads the first token whose field equals value.
func (s *TokenStore) FindFirst(ctx context.Context, field, value string) (bundle.Token, error) {
	column, ok := tokenFields[field]
	if !ok {
		return bundle.Token{}, bundle.NewFieldError(field, "not a queryable token field")
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE `+column+` = ? LIMIT 1`, value)
	return scanToken(row)
}

// Exists reports whether a token with the given id is stored.
func (s *TokenStore) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tokens WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking token existence: %w", err)
	}
	return true, nil
}

// FindByHash loads a token by its SHA-256 hash.
func (s *TokenStore) FindByHash(ctx context.Context, hash string) (bundle.Token, error) {
	return s.FindFirst(ctx, "hash", hash)
}

// List returns all tokens minted for a bundle, newest first.
func (s *TokenStore) List(ctx context.Context, bundleID string) ([]bundle.Token, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE bundle_id = ? ORDER BY created_at DESC`,
		bundleID)
	if err != nil {
		return nil, fmt.Errorf("querying tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tokens []bundle.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating token rows: %w", err)
	}
	return tokens, nil
}

// IsValid reports whether the hash belongs to a token that is neither
// revoked nor expired. Unknown hashes are invalid, not an error.
func (s *TokenStore) IsValid(ctx context.Context, hash string) (bool, error) {
	t, err := s.FindByHash(ctx, hash)
	if errors.Is(err, bundle.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return t.IsValid(time.Now()), nil
}

func scanToken(sc scanner) (bundle.Token, error) {
	var (
		t         bundle.Token
		expiresAt sql.NullString
		createdAt string
	)
	err := sc.Scan(&t.ID, &t.BundleID, &t.Name, &t.Hash, &expiresAt, &t.Revoked, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return bundle.Token{}, bundle.ErrNotFound
		}
		return bundle.Token{}, fmt.Errorf("scanning token row: %w", err)
	}

	if t.ExpiresAt, err = parseNullableTime(expiresAt); err != nil {
		return bundle.Token{}, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return bundle.Token{}, err
	}
	return t, nil
}
