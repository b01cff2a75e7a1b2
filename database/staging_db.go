package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"guild-archiver/models"
)

// StageMessage inserts a live message into the write-ahead table with processed=0.
// Re-staging an id already present is a no-op; it reports whether a row was added.
func (s *Store) StageMessage(ctx context.Context, m models.Message, now time.Time) (bool, error) {
	args := append(messageArgs(m), now.UnixMilli())
	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO message_wal (`+messageColumns+`, processed, staged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`, args...)
	if err != nil {
		return false, fmt.Errorf("failed to stage message %s: %w", m.MessageID, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ReadyStagedMessages returns unprocessed entries whose event time is at or before cutoff,
// oldest first.
func (s *Store) ReadyStagedMessages(ctx context.Context, cutoff time.Time, limit int) ([]models.StagedMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+`, processed, staged_at
		FROM message_wal
		WHERE processed = 0 AND timestamp <= ?
		ORDER BY timestamp
		LIMIT ?`, cutoff.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query staged messages: %w", err)
	}
	defer rows.Close()

	var staged []models.StagedMessage
	for rows.Next() {
		var m models.StagedMessage
		if err := rows.Scan(
			&m.MessageID, &m.ChannelID, &m.Content, &m.AuthorID, &m.AuthorName, &m.AuthorIsBot,
			&m.Timestamp, &m.TimestampISO, &m.Attachments, &m.Embeds, &m.Reactions, &m.RoleMentions,
			&m.Processed, &m.StagedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan staged message: %w", err)
		}
		staged = append(staged, m)
	}
	return staged, rows.Err()
}

// ClaimStagedMessage flips processed 0 -> 1. Only one caller can win the claim.
func (s *Store) ClaimStagedMessage(ctx context.Context, messageID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE message_wal SET processed = 1 WHERE message_id = ? AND processed = 0`, messageID)
	if err != nil {
		return false, fmt.Errorf("failed to claim staged message %s: %w", messageID, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ReleaseStagedMessage resets processed to 0 so the next sweep retries the entry.
func (s *Store) ReleaseStagedMessage(ctx context.Context, messageID string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE message_wal SET processed = 0 WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("failed to release staged message %s: %w", messageID, err)
	}
	return nil
}

// ResetClaimedStagedMessages releases every claimed entry. It is only safe while no sweep
// is running, i.e. at startup after a crash left claims behind.
func (s *Store) ResetClaimedStagedMessages(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE message_wal SET processed = 0 WHERE processed = 1`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset claimed staged messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteStagedMessage removes an entry from the write-ahead table.
func (s *Store) DeleteStagedMessage(ctx context.Context, messageID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM message_wal WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("failed to delete staged message %s: %w", messageID, err)
	}
	return nil
}

// PromoteStagedMessage archives m and deletes its staging row in one transaction.
func (s *Store) PromoteStagedMessage(ctx context.Context, m models.Message) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO messages (`+messageColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, messageArgs(m)...); err != nil {
			return fmt.Errorf("failed to archive staged message %s: %w", m.MessageID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM message_wal WHERE message_id = ?`, m.MessageID); err != nil {
			return fmt.Errorf("failed to clear staged message %s: %w", m.MessageID, err)
		}
		return nil
	})
}

// GetStagedMessage returns one staging row, or nil when absent.
func (s *Store) GetStagedMessage(ctx context.Context, messageID string) (*models.StagedMessage, error) {
	var m models.StagedMessage
	err := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+`, processed, staged_at FROM message_wal WHERE message_id = ?`, messageID).Scan(
		&m.MessageID, &m.ChannelID, &m.Content, &m.AuthorID, &m.AuthorName, &m.AuthorIsBot,
		&m.Timestamp, &m.TimestampISO, &m.Attachments, &m.Embeds, &m.Reactions, &m.RoleMentions,
		&m.Processed, &m.StagedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query staged message %s: %w", messageID, err)
	}
	return &m, nil
}

// StagingStats summarises the write-ahead table relative to now and the dwell time.
func (s *Store) StagingStats(ctx context.Context, now time.Time, dwell time.Duration) (models.WALStats, error) {
	var (
		stats          models.WALStats
		oldest, newest sql.NullInt64
	)
	cutoff := now.Add(-dwell).UnixMilli()
	err := s.db.QueryRowContext(ctx, `SELECT
		  COUNT(*),
		  COALESCE(SUM(CASE WHEN processed = 0 AND timestamp <= ? THEN 1 ELSE 0 END), 0),
		  MIN(timestamp),
		  MAX(timestamp)
		FROM message_wal`, cutoff).Scan(&stats.TotalEntries, &stats.ReadyToProcess, &oldest, &newest)
	if err != nil {
		return models.WALStats{}, fmt.Errorf("failed to read staging stats: %w", err)
	}
	if oldest.Valid {
		stats.OldestAge = now.Sub(time.UnixMilli(oldest.Int64))
	}
	if newest.Valid {
		stats.NewestAge = now.Sub(time.UnixMilli(newest.Int64))
	}
	return stats, nil
}
