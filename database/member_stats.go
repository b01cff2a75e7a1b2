package database

import (
	"context"
	"fmt"
	"time"

	"guild-archiver/models"
)

// statsDateLayout keys member_stats rows by calendar day.
const statsDateLayout = "2006-01-02"

// ensureStatsRecord makes sure the row for day exists.
func (s *Store) ensureStatsRecord(ctx context.Context, day string) error {
	return ensureStatsRecord(ctx, s.db, day)
}

func ensureStatsRecord(ctx context.Context, e execer, day string) error {
	_, err := e.ExecContext(ctx, `INSERT OR IGNORE INTO member_stats (date, total_members, joins, leaves, role_gains)
		VALUES (?, 0, 0, 0, 0)`, day)
	if err != nil {
		return fmt.Errorf("failed to ensure stats record for %s: %w", day, err)
	}
	return nil
}

func (s *Store) incrementStat(ctx context.Context, column string, at time.Time, count int) error {
	return incrementStat(ctx, s.db, column, at, count)
}

func incrementStat(ctx context.Context, e execer, column string, at time.Time, count int) error {
	day := at.UTC().Format(statsDateLayout)
	if err := ensureStatsRecord(ctx, e, day); err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE member_stats SET %s = %s + ?, updated_at = CURRENT_TIMESTAMP WHERE date = ?`, column, column)
	if _, err := e.ExecContext(ctx, query, count, day); err != nil {
		return fmt.Errorf("failed to increment %s for %s: %w", column, day, err)
	}
	return nil
}

// IncrementJoins adds count to the joins of the day containing at.
func (s *Store) IncrementJoins(ctx context.Context, at time.Time, count int) error {
	return s.incrementStat(ctx, "joins", at, count)
}

// IncrementLeaves adds count to the leaves of the day containing at.
func (s *Store) IncrementLeaves(ctx context.Context, at time.Time, count int) error {
	return s.incrementStat(ctx, "leaves", at, count)
}

// IncrementRoleGains adds count to the role gains of the day containing at.
func (s *Store) IncrementRoleGains(ctx context.Context, at time.Time, count int) error {
	return s.incrementStat(ctx, "role_gains", at, count)
}

// SetTotalMembers records the member count snapshot for the day containing at.
func (s *Store) SetTotalMembers(ctx context.Context, at time.Time, total int) error {
	day := at.UTC().Format(statsDateLayout)
	if err := s.ensureStatsRecord(ctx, day); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE member_stats SET total_members = ?, updated_at = CURRENT_TIMESTAMP WHERE date = ?`,
		total, day); err != nil {
		return fmt.Errorf("failed to update total members for %s: %w", day, err)
	}
	return nil
}

// GetMemberStats returns up to days rows, newest first.
func (s *Store) GetMemberStats(ctx context.Context, days int) ([]models.MemberStat, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT date, total_members, joins, leaves, role_gains
		FROM member_stats ORDER BY date DESC LIMIT ?`, days)
	if err != nil {
		return nil, fmt.Errorf("failed to query member stats: %w", err)
	}
	defer rows.Close()

	var stats []models.MemberStat
	for rows.Next() {
		var st models.MemberStat
		if err := rows.Scan(&st.Date, &st.TotalMembers, &st.Joins, &st.Leaves, &st.RoleGains); err != nil {
			return nil, fmt.Errorf("failed to scan member stats: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}
