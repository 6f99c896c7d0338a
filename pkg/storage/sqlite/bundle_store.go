// SPDX-FileCopyrightText: Copyright 2025 mcpbundle Authors
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mcpbundle/mcpb/pkg/bundle"
	"github.com/mcpbundle/mcpb/pkg/storage"
)

// BundleStore implements storage.BundleRepo using SQLite. Bundles and
// their entries persist as one aggregate.
type BundleStore struct {
	db *sql.DB
}

// NewBundleStore creates a SQLite-backed BundleRepo.
func NewBundleStore(db *DB) *BundleStore {
	return &BundleStore{db: db.DB()}
}

var _ storage.BundleRepo = (*BundleStore)(nil)

const bundleColumns = `id, name, description, created_by_id, created_at, updated_at`

var bundleFields = map[string]string{
	"name":        "name",
	"createdById": "created_by_id",
}

// Create persists a bundle with its entries.
func (s *BundleStore) Create(ctx context.Context, b bundle.Bundle) (bundle.Bundle, error) {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return bundle.Bundle{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO bundles (id, name, description, created_by_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, b.Name, b.Description, nullableString(b.CreatedByID),
		formatTime(b.CreatedAt), formatTime(b.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return bundle.Bundle{}, bundle.ErrAlreadyExists
		}
		return bundle.Bundle{}, fmt.Errorf("inserting bundle: %w", err)
	}

	entries, err := insertEntries(ctx, tx, b.ID, b.Entries)
	if err != nil {
		return bundle.Bundle{}, err
	}
	b.Entries = entries

	if err := tx.Commit(); err != nil {
		return bundle.Bundle{}, fmt.Errorf("committing transaction: %w", err)
	}
	return b, nil
}

// Update rewrites a bundle and replaces its entries.
func (s *BundleStore) Update(ctx context.Context, b bundle.Bundle) (bundle.Bundle, error) {
	b.UpdatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return bundle.Bundle{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx,
		`UPDATE bundles SET name = ?, description = ?, updated_at = ? WHERE id = ?`,
		b.Name, b.Description, formatTime(b.UpdatedAt), b.ID,
	)
	if err != nil {
		return bundle.Bundle{}, fmt.Errorf("updating bundle: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return bundle.Bundle{}, err
	}

	// Replace entries: delete existing, then re-insert.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM bundle_entries WHERE bundle_id = ?`, b.ID,
	); err != nil {
		return bundle.Bundle{}, fmt.Errorf("deleting old entries: %w", err)
	}
	entries, err := insertEntries(ctx, tx, b.ID, b.Entries)
	if err != nil {
		return bundle.Bundle{}, err
	}
	b.Entries = entries

	if err := tx.Commit(); err != nil {
		return bundle.Bundle{}, fmt.Errorf("committing transaction: %w", err)
	}
	return s.FindByID(ctx, b.ID)
}

// Delete removes a bundle; entries and tokens cascade.
func (s *BundleStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bundles WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting bundle: %w", err)
	}
	return requireAffected(res)
}

// FindByID loads a bundle with its entries in position order.
func (s *BundleStore) FindByID(ctx context.Context, id string) (bundle.Bundle, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+bundleColumns+` FROM bundles WHERE id = ?`, id)
	b, err := scanBundle(row)
	if err != nil {
		return bundle.Bundle{}, err
	}
	if b.Entries, err = fetchEntries(ctx, s.db, b.ID); err != nil {
		return bundle.Bundle{}, err
	}
	return b, nil
}

// FindFirst loads the first bundle whose field equals value.
func (s *BundleStore) FindFirst(ctx context.Context, field, value string) (bundle.Bundle, error) {
	column, ok := bundleFields[field]
	if !ok {
		return bundle.Bundle{}, bundle.NewFieldError(field, "not a queryable bundle field")
	}
	predicate, args := column+" = ?", []any{value}
	if column == "created_by_id" {
		predicate, args = matchNullable(column, value)
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+bundleColumns+` FROM bundles WHERE `+predicate+` LIMIT 1`, args...)
	b, err := scanBundle(row)
	if err != nil {
		return bundle.Bundle{}, err
	}
	if b.Entries, err = fetchEntries(ctx, s.db, b.ID); err != nil {
		return bundle.Bundle{}, err
	}
	return b, nil
}

// Exists reports whether a bundle with the given id is stored.
func (s *BundleStore) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM bundles WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking bundle existence: %w", err)
	}
	return true, nil
}

// ListByCreators returns bundles created by any of the given users.
func (s *BundleStore) ListByCreators(ctx context.Context, creatorIDs []string) ([]bundle.Bundle, error) {
	if len(creatorIDs) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+bundleColumns+` FROM bundles
		 WHERE created_by_id IN (`+placeholders(len(creatorIDs))+`)
		 ORDER BY name`,
		toAnySlice(creatorIDs)...)
	if err != nil {
		return nil, fmt.Errorf("querying bundles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	// Phase 1: collect bundle rows. Rows must be closed before fetching
	// entries because the handle is capped at one connection.
	var bundles []bundle.Bundle
	for rows.Next() {
		b, err := scanBundle(rows)
		if err != nil {
			return nil, err
		}
		bundles = append(bundles, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating bundle rows: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("closing bundle rows: %w", err)
	}

	// Phase 2: fetch entries now that the connection is released.
	for i := range bundles {
		if bundles[i].Entries, err = fetchEntries(ctx, s.db, bundles[i].ID); err != nil {
			return nil, err
		}
	}
	return bundles, nil
}

// insertEntries persists bundle entries within a transaction, assigning
// ids and positions.
func insertEntries(ctx context.Context, tx *sql.Tx, bundleID string, entries []bundle.BundleEntry) ([]bundle.BundleEntry, error) {
	out := make([]bundle.BundleEntry, 0, len(entries))
	for i, e := range entries {
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		e.BundleID = bundleID
		e.Position = i

		tools, err := encodeAllowList(e.Permissions.AllowedTools)
		if err != nil {
			return nil, err
		}
		resources, err := encodeAllowList(e.Permissions.AllowedResources)
		if err != nil {
			return nil, err
		}
		prompts, err := encodeAllowList(e.Permissions.AllowedPrompts)
		if err != nil {
			return nil, err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO bundle_entries (
				id, bundle_id, mcp_id, position,
				allowed_tools, allowed_resources, allowed_prompts
			) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.BundleID, e.McpID, e.Position, tools, resources, prompts,
		); err != nil {
			if isUniqueViolation(err) {
				return nil, fmt.Errorf("mcp %s appears twice in bundle: %w", e.McpID, bundle.ErrAlreadyExists)
			}
			return nil, fmt.Errorf("inserting bundle entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// fetchEntries loads a bundle's entries in position order.
func fetchEntries(ctx context.Context, db *sql.DB, bundleID string) ([]bundle.BundleEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, bundle_id, mcp_id, position,
		       allowed_tools, allowed_resources, allowed_prompts
		FROM bundle_entries WHERE bundle_id = ? ORDER BY position`,
		bundleID)
	if err != nil {
		return nil, fmt.Errorf("querying bundle entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []bundle.BundleEntry
	for rows.Next() {
		var (
			e         bundle.BundleEntry
			tools     sql.NullString
			resources sql.NullString
			prompts   sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.BundleID, &e.McpID, &e.Position,
			&tools, &resources, &prompts); err != nil {
			return nil, fmt.Errorf("scanning bundle entry: %w", err)
		}
		if e.Permissions.AllowedTools, err = decodeAllowList(tools); err != nil {
			return nil, err
		}
		if e.Permissions.AllowedResources, err = decodeAllowList(resources); err != nil {
			return nil, err
		}
		if e.Permissions.AllowedPrompts, err = decodeAllowList(prompts); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entry rows: %w", err)
	}
	return entries, nil
}

func scanBundle(sc scanner) (bundle.Bundle, error) {
	var (
		b         bundle.Bundle
		createdBy sql.NullString
		createdAt string
		updatedAt string
	)
	err := sc.Scan(&b.ID, &b.Name, &b.Description, &createdBy, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return bundle.Bundle{}, bundle.ErrBundleNotFound
		}
		return bundle.Bundle{}, fmt.Errorf("scanning bundle row: %w", err)
	}

	b.CreatedByID = createdBy.String
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return bundle.Bundle{}, err
	}
	if b.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return bundle.Bundle{}, err
	}
	return b, nil
}

// encodeAllowList serializes an allow-list to a JSON text column. A nil
// list stores as NULL and means "no restriction"; an empty list stores
// as `[]` and denies everything.
func encodeAllowList(values []string) (sql.NullString, error) {
	if values == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshaling allow-list: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// decodeAllowList deserializes an allow-list, preserving the NULL/empty
// distinction.
func decodeAllowList(s sql.NullString) ([]string, error) {
	if !s.Valid {
		return nil, nil
	}
	result := []string{}
	if err := json.Unmarshal([]byte(s.String), &result); err != nil {
		return nil, fmt.Errorf("unmarshaling allow-list: %w", err)
	}
	return result, nil
}
