package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"guild-archiver/models"
)

// StartChannelCrawl creates or refreshes the cursor row for a crawl that is starting.
// An existing last_message_id is kept so an interrupted crawl resumes where it stopped.
func (s *Store) StartChannelCrawl(ctx context.Context, channelID, name string, now time.Time) (models.ChannelCursor, error) {
	_, err := s.db.ExecContext(ctx, `INSERT INTO channels (channel_id, name, fetch_started, fetch_completed, last_message_id, last_activity)
		VALUES (?, ?, 1, 0, '', ?)
		ON CONFLICT(channel_id) DO UPDATE SET
		  name = excluded.name,
		  fetch_started = 1,
		  last_activity = excluded.last_activity`, channelID, name, now.UnixMilli())
	if err != nil {
		return models.ChannelCursor{}, fmt.Errorf("failed to start crawl for channel %s: %w", channelID, err)
	}

	cur, err := s.GetChannelCursor(ctx, channelID)
	if err != nil {
		return models.ChannelCursor{}, err
	}
	return *cur, nil
}

// AdvanceChannelCursor records the oldest message id flushed so far.
func (s *Store) AdvanceChannelCursor(ctx context.Context, channelID, lastMessageID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE channels SET last_message_id = ?, last_activity = ? WHERE channel_id = ?`,
		lastMessageID, now.UnixMilli(), channelID)
	if err != nil {
		return fmt.Errorf("failed to advance cursor for channel %s: %w", channelID, err)
	}
	return nil
}

// CompleteChannelCrawl marks the channel's backfill as finished.
func (s *Store) CompleteChannelCrawl(ctx context.Context, channelID, lastMessageID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE channels
		SET fetch_started = 1, fetch_completed = 1,
		    last_message_id = CASE WHEN ? = '' THEN last_message_id ELSE ? END,
		    last_activity = ?
		WHERE channel_id = ?`, lastMessageID, lastMessageID, now.UnixMilli(), channelID)
	if err != nil {
		return fmt.Errorf("failed to complete crawl for channel %s: %w", channelID, err)
	}
	return nil
}

// GetChannelCursor returns the cursor for a channel, or nil when it was never targeted.
func (s *Store) GetChannelCursor(ctx context.Context, channelID string) (*models.ChannelCursor, error) {
	var c models.ChannelCursor
	err := s.db.QueryRowContext(ctx, `SELECT channel_id, name, fetch_started, fetch_completed, last_message_id, last_activity
		FROM channels WHERE channel_id = ?`, channelID).Scan(
		&c.ChannelID, &c.Name, &c.FetchStarted, &c.FetchCompleted, &c.LastMessageID, &c.LastActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query cursor for channel %s: %w", channelID, err)
	}
	return &c, nil
}

// ListChannelCursors returns every cursor row.
func (s *Store) ListChannelCursors(ctx context.Context) ([]models.ChannelCursor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT channel_id, name, fetch_started, fetch_completed, last_message_id, last_activity
		FROM channels ORDER BY channel_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list channel cursors: %w", err)
	}
	defer rows.Close()

	var cursors []models.ChannelCursor
	for rows.Next() {
		var c models.ChannelCursor
		if err := rows.Scan(&c.ChannelID, &c.Name, &c.FetchStarted, &c.FetchCompleted, &c.LastMessageID, &c.LastActivity); err != nil {
			return nil, fmt.Errorf("failed to scan channel cursor: %w", err)
		}
		cursors = append(cursors, c)
	}
	return cursors, rows.Err()
}
