package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"guild-archiver/models"
)

// UpsertGuildRole records a created or updated role. A role seen again after a
// delete event is revived.
func (s *Store) UpsertGuildRole(ctx context.Context, r models.GuildRole, now time.Time) error {
	createdAt := r.CreatedAt
	if createdAt == 0 {
		createdAt = now.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO guild_roles
		(role_id, name, color, position, permissions, flags, created_at, updated_at, deleted_at, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, 0)
		ON CONFLICT(role_id) DO UPDATE SET
		  name = excluded.name,
		  color = excluded.color,
		  position = excluded.position,
		  permissions = excluded.permissions,
		  flags = excluded.flags,
		  updated_at = excluded.updated_at,
		  deleted_at = NULL,
		  deleted = 0`,
		r.RoleID, r.Name, r.Color, r.Position, r.Permissions, r.Flags, createdAt, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to upsert role %s: %w", r.RoleID, err)
	}
	return nil
}

// SoftDeleteGuildRole flags a role as deleted; archived messages may still mention it.
func (s *Store) SoftDeleteGuildRole(ctx context.Context, roleID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO guild_roles (role_id, created_at, updated_at, deleted_at, deleted)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(role_id) DO UPDATE SET deleted = 1, deleted_at = excluded.deleted_at, updated_at = excluded.updated_at`,
		roleID, now.UnixMilli(), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to soft-delete role %s: %w", roleID, err)
	}
	return nil
}

// GetGuildRole returns a role snapshot, or nil when unknown.
func (s *Store) GetGuildRole(ctx context.Context, roleID string) (*models.GuildRole, error) {
	var (
		r         models.GuildRole
		deletedAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `SELECT role_id, name, color, position, permissions, flags, created_at, updated_at, deleted_at, deleted
		FROM guild_roles WHERE role_id = ?`, roleID).Scan(
		&r.RoleID, &r.Name, &r.Color, &r.Position, &r.Permissions, &r.Flags, &r.CreatedAt, &r.UpdatedAt, &deletedAt, &r.Deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query role %s: %w", roleID, err)
	}
	r.DeletedAt = deletedAt.Int64
	return &r, nil
}

// GuildRoles returns every known role keyed by id, deleted roles included.
func (s *Store) GuildRoles(ctx context.Context) (map[string]models.GuildRole, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT role_id, name, color, position, permissions, flags, created_at, updated_at, deleted_at, deleted
		FROM guild_roles`)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	roles := make(map[string]models.GuildRole)
	for rows.Next() {
		var (
			r         models.GuildRole
			deletedAt sql.NullInt64
		)
		if err := rows.Scan(&r.RoleID, &r.Name, &r.Color, &r.Position, &r.Permissions, &r.Flags, &r.CreatedAt, &r.UpdatedAt, &deletedAt, &r.Deleted); err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		r.DeletedAt = deletedAt.Int64
		roles[r.RoleID] = r
	}
	return roles, rows.Err()
}
