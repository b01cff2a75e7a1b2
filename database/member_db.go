package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"guild-archiver/models"
)

// UpsertMember writes a current member from a live event. Rejoining clears the left flag.
func (s *Store) UpsertMember(ctx context.Context, m models.GuildMember) error {
	source := m.Source
	if source == "" {
		source = models.MemberSourceLive
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO guild_members
		(member_id, username, display_name, avatar, joined_at, joined_at_iso, is_bot, last_updated, left_guild, left_at, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, ?)
		ON CONFLICT(member_id) DO UPDATE SET
		  username = excluded.username,
		  display_name = excluded.display_name,
		  avatar = excluded.avatar,
		  joined_at = CASE WHEN excluded.joined_at > 0 THEN excluded.joined_at ELSE guild_members.joined_at END,
		  joined_at_iso = CASE WHEN excluded.joined_at > 0 THEN excluded.joined_at_iso ELSE guild_members.joined_at_iso END,
		  is_bot = excluded.is_bot,
		  last_updated = excluded.last_updated,
		  left_guild = 0,
		  left_at = NULL,
		  source = excluded.source`,
		m.MemberID, m.Username, m.DisplayName, m.Avatar, m.JoinedAt, m.JoinedAtISO,
		boolToInt(m.IsBot), m.LastUpdated, source)
	if err != nil {
		return fmt.Errorf("failed to upsert member %s: %w", m.MemberID, err)
	}
	return nil
}

// MarkMemberLeft flags a member as gone. Unknown members get a minimal row so the
// departure is not lost.
func (s *Store) MarkMemberLeft(ctx context.Context, m models.GuildMember, leftAt time.Time) error {
	source := m.Source
	if source == "" {
		source = models.MemberSourceLive
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO guild_members
		(member_id, username, display_name, avatar, is_bot, last_updated, left_guild, left_at, source)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(member_id) DO UPDATE SET
		  left_guild = 1,
		  left_at = excluded.left_at,
		  last_updated = excluded.last_updated`,
		m.MemberID, m.Username, m.DisplayName, m.Avatar, boolToInt(m.IsBot),
		leftAt.UnixMilli(), leftAt.UnixMilli(), source)
	if err != nil {
		return fmt.Errorf("failed to mark member %s as left: %w", m.MemberID, err)
	}
	return nil
}

// GetMember returns a member row, or nil when absent.
func (s *Store) GetMember(ctx context.Context, memberID string) (*models.GuildMember, error) {
	var (
		m      models.GuildMember
		leftAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `SELECT member_id, username, display_name, avatar, joined_at, joined_at_iso,
		  is_bot, last_updated, left_guild, left_at, source
		FROM guild_members WHERE member_id = ?`, memberID).Scan(
		&m.MemberID, &m.Username, &m.DisplayName, &m.Avatar, &m.JoinedAt, &m.JoinedAtISO,
		&m.IsBot, &m.LastUpdated, &m.LeftGuild, &leftAt, &m.Source)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query member %s: %w", memberID, err)
	}
	m.LeftAt = leftAt.Int64
	return &m, nil
}

// CountMembers returns the number of member rows, and how many of them have left.
func (s *Store) CountMembers(ctx context.Context) (total, left int, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(left_guild), 0) FROM guild_members`).Scan(&total, &left)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count members: %w", err)
	}
	return total, left, nil
}

// ReplaceMemberRoles swaps a member's current role set for roles in one transaction.
func (s *Store) ReplaceMemberRoles(ctx context.Context, memberID string, roles []models.MemberRole) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return replaceMemberRoles(ctx, tx, memberID, roles)
	})
}

// ApplyRoleChange writes a member's role diff in one transaction, so a failed
// write leaves no history behind to be appended again.
func (s *Store) ApplyRoleChange(ctx context.Context, memberID string, roles []models.MemberRole, history []models.RoleHistoryEntry, at time.Time, gains int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := appendRoleHistory(ctx, tx, history); err != nil {
			return err
		}
		if err := replaceMemberRoles(ctx, tx, memberID, roles); err != nil {
			return err
		}
		if gains > 0 {
			return incrementStat(ctx, tx, "role_gains", at, gains)
		}
		return nil
	})
}

func replaceMemberRoles(ctx context.Context, tx *sql.Tx, memberID string, roles []models.MemberRole) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM member_roles WHERE member_id = ?`, memberID); err != nil {
		return fmt.Errorf("failed to clear roles for member %s: %w", memberID, err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO member_roles
		(member_id, role_id, role_name, role_color, role_position, assigned_at, source)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare member role insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range roles {
		source := r.Source
		if source == "" {
			source = models.RoleSourceLive
		}
		if _, err := stmt.ExecContext(ctx, memberID, r.RoleID, r.RoleName, r.RoleColor, r.Position, r.AssignedAt, source); err != nil {
			return fmt.Errorf("failed to insert role %s for member %s: %w", r.RoleID, memberID, err)
		}
	}
	return nil
}

// InsertMemberRolesIgnore inserts roles, leaving existing (member, role) pairs untouched.
// It returns how many rows were added.
func (s *Store) InsertMemberRolesIgnore(ctx context.Context, roles []models.MemberRole) (int, error) {
	var added int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		added, err = insertMemberRolesIgnore(ctx, tx, roles)
		return err
	})
	return added, err
}

func insertMemberRolesIgnore(ctx context.Context, tx *sql.Tx, roles []models.MemberRole) (int, error) {
	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO member_roles
		(member_id, role_id, role_name, role_color, role_position, assigned_at, source)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare member role insert: %w", err)
	}
	defer stmt.Close()

	added := 0
	for _, r := range roles {
		res, err := stmt.ExecContext(ctx, r.MemberID, r.RoleID, r.RoleName, r.RoleColor, r.Position, r.AssignedAt, r.Source)
		if err != nil {
			return 0, fmt.Errorf("failed to insert role %s for member %s: %w", r.RoleID, r.MemberID, err)
		}
		n, _ := res.RowsAffected()
		added += int(n)
	}
	return added, nil
}

// ListMemberRoles returns the roles held by one member ordered by position, highest first.
func (s *Store) ListMemberRoles(ctx context.Context, memberID string) ([]models.MemberRole, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT member_id, role_id, role_name, role_color, role_position, assigned_at, source
		FROM member_roles WHERE member_id = ? ORDER BY role_position DESC, role_id`, memberID)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles for member %s: %w", memberID, err)
	}
	defer rows.Close()

	var roles []models.MemberRole
	for rows.Next() {
		var r models.MemberRole
		if err := rows.Scan(&r.MemberID, &r.RoleID, &r.RoleName, &r.RoleColor, &r.Position, &r.AssignedAt, &r.Source); err != nil {
			return nil, fmt.Errorf("failed to scan member role: %w", err)
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// AppendRoleHistory appends add/remove events. History rows are never updated.
func (s *Store) AppendRoleHistory(ctx context.Context, entries []models.RoleHistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return appendRoleHistory(ctx, tx, entries)
	})
}

func appendRoleHistory(ctx context.Context, tx *sql.Tx, entries []models.RoleHistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO role_history (member_id, role_id, role_name, action, timestamp) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare role history insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.MemberID, e.RoleID, e.RoleName, e.Action, e.Timestamp); err != nil {
			return fmt.Errorf("failed to append role history for member %s: %w", e.MemberID, err)
		}
	}
	return nil
}

// ListRoleHistory returns a member's history, oldest first.
func (s *Store) ListRoleHistory(ctx context.Context, memberID string) ([]models.RoleHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, member_id, role_id, role_name, action, timestamp
		FROM role_history WHERE member_id = ? ORDER BY timestamp, id`, memberID)
	if err != nil {
		return nil, fmt.Errorf("failed to list role history for member %s: %w", memberID, err)
	}
	defer rows.Close()

	var entries []models.RoleHistoryEntry
	for rows.Next() {
		var e models.RoleHistoryEntry
		if err := rows.Scan(&e.ID, &e.MemberID, &e.RoleID, &e.RoleName, &e.Action, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan role history: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
