package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"guild-archiver/models"
)

// RoleEvidence is one role a member is believed to have held, with the earliest
// timestamp the evidence supports.
type RoleEvidence struct {
	RoleID    string
	RoleName  string
	RoleColor int
	Position  int
	Timestamp int64
	Source    string // models.RoleSourceHistory or models.RoleSourceInferred
}

// LeftMemberCandidates lists non-bot message authors with no guild_members row,
// most recently active first, along with their first and last message times.
func (s *Store) LeftMemberCandidates(ctx context.Context, limit int) ([]models.LeftMemberCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.author_id,
		       (SELECT x.author_name FROM messages x WHERE x.author_id = a.author_id ORDER BY x.timestamp DESC LIMIT 1),
		       a.first_ts, a.last_ts, a.cnt
		FROM (
		  SELECT m.author_id, MIN(m.timestamp) AS first_ts, MAX(m.timestamp) AS last_ts, COUNT(*) AS cnt
		  FROM messages m
		  WHERE m.author_is_bot = 0
		    AND NOT EXISTS (SELECT 1 FROM guild_members g WHERE g.member_id = m.author_id)
		  GROUP BY m.author_id
		) a
		ORDER BY a.last_ts DESC, a.author_id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query left member candidates: %w", err)
	}
	defer rows.Close()

	var candidates []models.LeftMemberCandidate
	for rows.Next() {
		var c models.LeftMemberCandidate
		if err := rows.Scan(&c.AuthorID, &c.AuthorName, &c.FirstMessage, &c.LastMessage, &c.MessageCount); err != nil {
			return nil, fmt.Errorf("failed to scan left member candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// InsertReconstructedMembers writes one batch of inferred departures in a single
// transaction. Members that already have a row are left untouched, which keeps
// reruns from altering settled results. It returns how many rows were added.
func (s *Store) InsertReconstructedMembers(ctx context.Context, members []models.GuildMember, now time.Time) (int, error) {
	var added int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		added = 0
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO guild_members
			(member_id, username, display_name, avatar, joined_at, joined_at_iso, is_bot, last_updated, left_guild, left_at, source)
			VALUES (?, ?, ?, '', ?, ?, 0, ?, 1, ?, ?)
			ON CONFLICT(member_id) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("failed to prepare reconstructed member insert: %w", err)
		}
		defer stmt.Close()

		for _, m := range members {
			res, err := stmt.ExecContext(ctx, m.MemberID, m.Username, m.DisplayName, m.JoinedAt, m.JoinedAtISO,
				now.UnixMilli(), m.LeftAt, models.MemberSourceReconstructed)
			if err != nil {
				return fmt.Errorf("failed to insert reconstructed member %s: %w", m.MemberID, err)
			}
			n, _ := res.RowsAffected()
			added += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}

// LeftMembersWithoutRoles lists departed members that have no member_roles rows.
func (s *Store) LeftMembersWithoutRoles(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT g.member_id FROM guild_members g
		WHERE g.left_guild = 1
		  AND NOT EXISTS (SELECT 1 FROM member_roles r WHERE r.member_id = g.member_id)
		ORDER BY g.member_id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query left members without roles: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan member id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RoleEvidenceFor gathers the "added" role history of a member and the roles named in
// the role-mention lists of messages the member wrote. Mentions match by exact JSON
// array element, joined against the role registry.
func (s *Store) RoleEvidenceFor(ctx context.Context, memberID string) ([]RoleEvidence, error) {
	var evidence []RoleEvidence

	rows, err := s.db.QueryContext(ctx, `
		SELECT h.role_id,
		       COALESCE(r.name, MAX(h.role_name), ''),
		       COALESCE(r.color, 0),
		       COALESCE(r.position, 0),
		       MIN(h.timestamp)
		FROM role_history h
		LEFT JOIN guild_roles r ON r.role_id = h.role_id
		WHERE h.member_id = ? AND h.action = ?
		GROUP BY h.role_id`, memberID, models.RoleActionAdded)
	if err != nil {
		return nil, fmt.Errorf("failed to query role history evidence for member %s: %w", memberID, err)
	}
	for rows.Next() {
		e := RoleEvidence{Source: models.RoleSourceHistory}
		if err := rows.Scan(&e.RoleID, &e.RoleName, &e.RoleColor, &e.Position, &e.Timestamp); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan role history evidence: %w", err)
		}
		evidence = append(evidence, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		SELECT r.role_id, r.name, r.color, r.position, MIN(m.timestamp)
		FROM messages m
		JOIN json_each(CASE WHEN json_valid(m.role_mentions) THEN m.role_mentions ELSE '[]' END) je
		JOIN guild_roles r ON r.role_id = je.value
		WHERE m.author_id = ?
		GROUP BY r.role_id`, memberID)
	if err != nil {
		return nil, fmt.Errorf("failed to query role mention evidence for member %s: %w", memberID, err)
	}
	defer rows.Close()
	for rows.Next() {
		e := RoleEvidence{Source: models.RoleSourceInferred}
		if err := rows.Scan(&e.RoleID, &e.RoleName, &e.RoleColor, &e.Position, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan role mention evidence: %w", err)
		}
		evidence = append(evidence, e)
	}
	return evidence, rows.Err()
}
