package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// User represents a row in the users table.
type User struct {
	ID        int64
	Username  string
	TenantID  *uuid.UUID
	IsAdmin   bool
	Version   int64
	CreatedAt time.Time
}

// CreateUser inserts a user.
func (s *Store) CreateUser(ctx context.Context, q Querier, username string, tenantID *uuid.UUID) (*User, error) {
	u := &User{}
	var tenant uuid.NullUUID
	if tenantID != nil {
		tenant = uuid.NullUUID{UUID: *tenantID, Valid: true}
	}
	err := q.QueryRowContext(ctx, `
		INSERT INTO users (username, tenant_id)
		VALUES ($1, $2)
		RETURNING id, username, tenant_id, is_admin, version, created_at`,
		username, tenant,
	).Scan(&u.ID, &u.Username, &tenant, &u.IsAdmin, &u.Version, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("CreateUser: %w", err)
	}
	if tenant.Valid {
		u.TenantID = &tenant.UUID
	}
	return u, nil
}

// GetUser returns a user by ID, or nil if not found.
func (s *Store) GetUser(ctx context.Context, q Querier, id int64) (*User, error) {
	u := &User{}
	var tenant uuid.NullUUID
	err := q.QueryRowContext(ctx, `
		SELECT id, username, tenant_id, is_admin, version, created_at
		FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Username, &tenant, &u.IsAdmin, &u.Version, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetUser: %w", err)
	}
	if tenant.Valid {
		u.TenantID = &tenant.UUID
	}
	return u, nil
}

// RecordExport registers a file exported for userID. The deletion saga
// snapshots these paths before erasing the user.
func (s *Store) RecordExport(ctx context.Context, q Querier, userID int64, path string) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx,
		`INSERT INTO export_records (user_id, file_path) VALUES ($1, $2) RETURNING id`,
		userID, path,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("RecordExport: %w", err)
	}
	return id, nil
}
