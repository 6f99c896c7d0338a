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

// McpStore implements storage.McpRepo using SQLite. MASTER credentials
// are sealed into auth_blob on write and opened on read.
type McpStore struct {
	db    *sql.DB
	codec authCodec
}

// NewMcpStore creates a SQLite-backed McpRepo. With failClosed set,
// read-side decryption failures propagate instead of degrading the
// record to the none config.
func NewMcpStore(db *DB, cipher *crypto.Cipher, failClosed bool) *McpStore {
	return &McpStore{db: db.DB(), codec: authCodec{cipher: cipher, failClosed: failClosed}}
}

var _ storage.McpRepo = (*McpStore)(nil)

const mcpColumns = `id, namespace, url, version, transport, stateless,
	auth_strategy, auth_blob, created_by_id, created_at, updated_at`

var mcpFields = map[string]string{
	"namespace":   "namespace",
	"url":         "url",
	"createdById": "created_by_id",
}

// Create persists a new MCP definition.
func (s *McpStore) Create(ctx context.Context, m bundle.Mcp) (bundle.Mcp, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	blob, err := s.codec.seal(m.Auth)
	if err != nil {
		return bundle.Mcp{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO mcps (
			id, namespace, url, version, transport, stateless,
			auth_strategy, auth_blob, created_by_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Namespace, m.URL, m.Version, string(m.Transport), m.Stateless,
		string(m.AuthStrategy), blob, nullableString(m.CreatedByID),
		formatTime(m.CreatedAt), formatTime(m.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return bundle.Mcp{}, fmt.Errorf("namespace %q: %w", m.Namespace, bundle.ErrAlreadyExists)
		}
		return bundle.Mcp{}, fmt.Errorf("inserting mcp: %w", err)
	}
	return m, nil
}

// Update rewrites an MCP definition, re-sealing its credential.
func (s *McpStore) Update(ctx context.Context, m bundle.Mcp) (bundle.Mcp, error) {
	blob, err := s.codec.seal(m.Auth)
	if err != nil {
		return bundle.Mcp{}, err
	}
	m.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE mcps SET
			namespace = ?, url = ?, version = ?, transport = ?, stateless = ?,
			auth_strategy = ?, auth_blob = ?, updated_at = ?
		WHERE id = ?`,
		m.Namespace, m.URL, m.Version, string(m.Transport), m.Stateless,
		string(m.AuthStrategy), blob, formatTime(m.UpdatedAt), m.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return bundle.Mcp{}, fmt.Errorf("namespace %q: %w", m.Namespace, bundle.ErrAlreadyExists)
		}
		return bundle.Mcp{}, fmt.Errorf("updating mcp: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return bundle.Mcp{}, err
	}
	return s.FindByID(ctx, m.ID)
}

// Delete removes an MCP. Bundle entries and credentials referencing it
// go away with it.
func (s *McpStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM mcps WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting mcp: %w", err)
	}
	return requireAffected(res)
}

// FindByID loads one MCP.
func (s *McpStore) FindByID(ctx context.Context, id string) (bundle.Mcp, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+mcpColumns+` FROM mcps WHERE id = ?`, id)
	return s.scanMcp(row)
}

// FindFirst loads the first MCP whose field equals value.
func (s *McpStore) FindFirst(ctx context.Context, field, value string) (bundle.Mcp, error) {
	column, ok := mcpFields[field]
	if !ok {
		return bundle.Mcp{}, bundle.NewFieldError(field, "not a queryable mcp field")
	}
	predicate, args := column+" = ?", []any{value}
	if column == "created_by_id" {
		predicate, args = matchNullable(column, value)
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+mcpColumns+` FROM mcps WHERE `+predicate+` LIMIT 1`, args...)
	return s.scanMcp(row)
}

// Exists reports whether an MCP with the given id is stored.
func (s *McpStore) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM mcps WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking mcp existence: %w", err)
	}
	return true, nil
}

// FindByNamespace loads the MCP owning a namespace.
func (s *McpStore) FindByNamespace(ctx context.Context, namespace string) (bundle.Mcp, error) {
	return s.FindFirst(ctx, "namespace", namespace)
}

// ListAll returns every registered MCP ordered by namespace.
func (s *McpStore) ListAll(ctx context.Context) ([]bundle.Mcp, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+mcpColumns+` FROM mcps ORDER BY namespace`)
	if err != nil {
		return nil, fmt.Errorf("querying mcps: %w", err)
	}
	return s.collectMcps(rows)
}

// ListByCreators returns MCPs created by any of the given users.
func (s *McpStore) ListByCreators(ctx context.Context, creatorIDs []string) ([]bundle.Mcp, error) {
	if len(creatorIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+mcpColumns+` FROM mcps
		 WHERE created_by_id IN (`+placeholders(len(creatorIDs))+`)
		 ORDER BY namespace`,
		toAnySlice(creatorIDs)...)
	if err != nil {
		return nil, fmt.Errorf("querying mcps by creators: %w", err)
	}
	return s.collectMcps(rows)
}

// DeleteByCreators removes all MCPs created by the given users.
func (s *McpStore) DeleteByCreators(ctx context.Context, creatorIDs []string) (int64, error) {
	if len(creatorIDs) == 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM mcps WHERE created_by_id IN (`+placeholders(len(creatorIDs))+`)`,
		toAnySlice(creatorIDs)...)
	if err != nil {
		return 0, fmt.Errorf("deleting mcps by creators: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return affected, nil
}

func (s *McpStore) collectMcps(rows *sql.Rows) ([]bundle.Mcp, error) {
	defer func() { _ = rows.Close() }()

	var mcps []bundle.Mcp
	for rows.Next() {
		m, err := s.scanMcp(rows)
		if err != nil {
			return nil, err
		}
		mcps = append(mcps, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating mcp rows: %w", err)
	}
	return mcps, nil
}

func (s *McpStore) scanMcp(sc scanner) (bundle.Mcp, error) {
	var (
		m         bundle.Mcp
		transport string
		strategy  string
		blob      string
		createdBy sql.NullString
		createdAt string
		updatedAt string
	)
	err := sc.Scan(
		&m.ID, &m.Namespace, &m.URL, &m.Version, &transport, &m.Stateless,
		&strategy, &blob, &createdBy, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return bundle.Mcp{}, bundle.ErrNotFound
		}
		return bundle.Mcp{}, fmt.Errorf("scanning mcp row: %w", err)
	}

	m.Transport = bundle.TransportType(transport)
	m.AuthStrategy = bundle.AuthStrategy(strategy)
	m.CreatedByID = createdBy.String
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return bundle.Mcp{}, err
	}
	if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return bundle.Mcp{}, err
	}
	if m.Auth, err = s.codec.open(blob, m.ID); err != nil {
		return bundle.Mcp{}, err
	}
	return m, nil
}
