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

// UserStore implements storage.UserRepo using SQLite.
type UserStore struct {
	db *sql.DB
}

// NewUserStore creates a SQLite-backed UserRepo.
func NewUserStore(db *DB) *UserStore {
	return &UserStore{db: db.DB()}
}

var _ storage.UserRepo = (*UserStore)(nil)

const userColumns = `id, name, key_hash, created_by_id, created_at, last_login_at`

// userFields whitelists FindFirst field names.
var userFields = map[string]string{
	"name":        "name",
	"keyHash":     "key_hash",
	"createdById": "created_by_id",
}

// Create persists a new user, assigning an id when absent.
func (s *UserStore) Create(ctx context.Context, u bundle.User) (bundle.User, error) {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, name, key_hash, created_by_id, created_at, last_login_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Name, u.KeyHash, nullableString(u.CreatedByID),
		formatTime(u.CreatedAt), formatNullableTime(u.LastLoginAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return bundle.User{}, bundle.ErrAlreadyExists
		}
		return bundle.User{}, fmt.Errorf("inserting user: %w", err)
	}
	return u, nil
}

// Update rewrites a user's mutable fields.
func (s *UserStore) Update(ctx context.Context, u bundle.User) (bundle.User, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET name = ?, key_hash = ?, last_login_at = ? WHERE id = ?`,
		u.Name, u.KeyHash, formatNullableTime(u.LastLoginAt), u.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return bundle.User{}, bundle.ErrAlreadyExists
		}
		return bundle.User{}, fmt.Errorf("updating user: %w", err)
	}
	if err := requireAffected(res); err != nil {
		return bundle.User{}, err
	}
	return s.FindByID(ctx, u.ID)
}

// Delete removes a user. Records they created survive with a NULL
// creator; users they created survive as roots of their own subtree.
func (s *UserStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}
	return requireAffected(res)
}

// FindByID loads one user.
func (s *UserStore) FindByID(ctx context.Context, id string) (bundle.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// FindFirst loads the first user whose field equals value. An empty
// createdById matches root users, whose creator column is NULL.
func (s *UserStore) FindFirst(ctx context.Context, field, value string) (bundle.User, error) {
	column, ok := userFields[field]
	if !ok {
		return bundle.User{}, bundle.NewFieldError(field, "not a queryable user field")
	}
	predicate, args := column+" = ?", []any{value}
	if column == "created_by_id" {
		predicate, args = matchNullable(column, value)
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE `+predicate+` LIMIT 1`, args...)
	return scanUser(row)
}

// Exists reports whether a user with the given id is stored.
func (s *UserStore) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking user existence: %w", err)
	}
	return true, nil
}

// ValidateAndUpdate resolves an admin key hash to its user and stamps
// last login.
func (s *UserStore) ValidateAndUpdate(ctx context.Context, keyHash string) (bundle.User, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return bundle.User{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	row := tx.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE key_hash = ?`, keyHash)
	u, err := scanUser(row)
	if err != nil {
		return bundle.User{}, err
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET last_login_at = ? WHERE id = ?`,
		formatTime(now), u.ID,
	); err != nil {
		return bundle.User{}, fmt.Errorf("stamping last login: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return bundle.User{}, fmt.Errorf("committing transaction: %w", err)
	}

	u.LastLoginAt = &now
	return u, nil
}

// CollectDescendantIDs returns userID plus every user it transitively
// created.
func (s *UserStore) CollectDescendantIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE descendants(id) AS (
			SELECT id FROM users WHERE id = ?
			UNION
			SELECT u.id FROM users u JOIN descendants d ON u.created_by_id = d.id
		)
		SELECT id FROM descendants`, userID)
	if err != nil {
		return nil, fmt.Errorf("collecting descendants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning descendant id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating descendant rows: %w", err)
	}
	return ids, nil
}

// IsAuthorized reports whether userID may act on a record created by
// createdByID. Records with no surviving creator belong to root users
// only.
func (s *UserStore) IsAuthorized(ctx context.Context, userID, createdByID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	if createdByID == "" {
		var isRoot bool
		err := s.db.QueryRowContext(ctx,
			`SELECT created_by_id IS NULL FROM users WHERE id = ?`, userID,
		).Scan(&isRoot)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("checking root status: %w", err)
		}
		return isRoot, nil
	}

	var authorized bool
	err := s.db.QueryRowContext(ctx, `
		WITH RECURSIVE descendants(id) AS (
			SELECT id FROM users WHERE id = ?
			UNION
			SELECT u.id FROM users u JOIN descendants d ON u.created_by_id = d.id
		)
		SELECT EXISTS(SELECT 1 FROM descendants WHERE id = ?)`,
		userID, createdByID,
	).Scan(&authorized)
	if err != nil {
		return false, fmt.Errorf("checking authorization: %w", err)
	}
	return authorized, nil
}

// ListByIDs loads the given users, skipping unknown ids.
func (s *UserStore) ListByIDs(ctx context.Context, ids []string) ([]bundle.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id IN (`+placeholders(len(ids))+`) ORDER BY created_at`,
		toAnySlice(ids)...)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []bundle.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating user rows: %w", err)
	}
	return users, nil
}

// scanUser scans one user row.
func scanUser(sc scanner) (bundle.User, error) {
	var (
		u         bundle.User
		createdBy sql.NullString
		createdAt string
		lastLogin sql.NullString
	)
	err := sc.Scan(&u.ID, &u.Name, &u.KeyHash, &createdBy, &createdAt, &lastLogin)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return bundle.User{}, bundle.ErrNotFound
		}
		return bundle.User{}, fmt.Errorf("scanning user row: %w", err)
	}

	u.CreatedByID = createdBy.String
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return bundle.User{}, err
	}
	if u.LastLoginAt, err = parseNullableTime(lastLogin); err != nil {
		return bundle.User{}, err
	}
	return u, nil
}

// nullableString maps the empty string to NULL.
func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// requireAffected maps zero affected rows to bundle.ErrNotFound.
func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return bundle.ErrNotFound
	}
	return nil
}
