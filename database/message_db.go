package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"guild-archiver/models"
)

const messageColumns = `message_id, channel_id, content, author_id, author_name, author_is_bot,
	timestamp, timestamp_iso, attachments, embeds, reactions, role_mentions`

const upsertMessageQuery = `INSERT INTO messages (` + messageColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(message_id) DO UPDATE SET
	  channel_id = excluded.channel_id,
	  content = excluded.content,
	  author_id = excluded.author_id,
	  author_name = excluded.author_name,
	  author_is_bot = excluded.author_is_bot,
	  timestamp = excluded.timestamp,
	  timestamp_iso = excluded.timestamp_iso,
	  attachments = excluded.attachments,
	  embeds = excluded.embeds,
	  reactions = excluded.reactions,
	  role_mentions = excluded.role_mentions`

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// BatchResult counts the outcome of a bulk message insert.
type BatchResult struct {
	Stored     int // rows written, duplicates included
	Duplicates int // ids that were already archived
	Failed     int // rows that could not be written even individually
}

func messageArgs(m models.Message) []any {
	return []any{
		m.MessageID, m.ChannelID, m.Content, m.AuthorID, m.AuthorName, boolToInt(m.AuthorIsBot),
		m.Timestamp, m.TimestampISO, jsonOrEmpty(m.Attachments), jsonOrEmpty(m.Embeds),
		jsonOrEmpty(m.Reactions), jsonOrEmpty(m.RoleMentions),
	}
}

func jsonOrEmpty(s string) string {
	if s == "" {
		return "[]"
	}
	return s
}

// UpsertMessage writes a message; on an existing id the new values win.
func (s *Store) UpsertMessage(ctx context.Context, m models.Message) error {
	return upsertMessage(ctx, s.db, m)
}

func upsertMessage(ctx context.Context, e execer, m models.Message) error {
	if _, err := e.ExecContext(ctx, upsertMessageQuery, messageArgs(m)...); err != nil {
		return fmt.Errorf("failed to upsert message %s: %w", m.MessageID, err)
	}
	return nil
}

// InsertMessageBatch upserts msgs inside one transaction. If the transaction fails it is
// rolled back and every row is retried on its own, so one bad row cannot sink the batch.
func (s *Store) InsertMessageBatch(ctx context.Context, msgs []models.Message) (BatchResult, error) {
	if len(msgs) == 0 {
		return BatchResult{}, nil
	}

	var res BatchResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res = BatchResult{}
		for _, m := range msgs {
			exists, err := messageExists(ctx, tx, m.MessageID)
			if err != nil {
				return err
			}
			if err := upsertMessage(ctx, tx, m); err != nil {
				return err
			}
			if exists {
				res.Duplicates++
			}
			res.Stored++
		}
		return nil
	})
	if err == nil {
		return res, nil
	}

	s.logger.Warn("bulk insert failed, falling back to per-row inserts", "rows", len(msgs), "err", err)
	res = BatchResult{}
	var lastErr error
	for _, m := range msgs {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		exists, existsErr := messageExists(ctx, s.db, m.MessageID)
		if err := upsertMessage(ctx, s.db, m); err != nil {
			res.Failed++
			lastErr = err
			s.logger.Error("dropping message after per-row retry", "message_id", m.MessageID, "err", err)
			continue
		}
		if existsErr == nil && exists {
			res.Duplicates++
		}
		res.Stored++
	}
	if res.Stored == 0 && lastErr != nil {
		return res, lastErr
	}
	return res, nil
}

// MessageExists reports whether a message id is archived.
func (s *Store) MessageExists(ctx context.Context, messageID string) (bool, error) {
	return messageExists(ctx, s.db, messageID)
}

func messageExists(ctx context.Context, e execer, messageID string) (bool, error) {
	var one int
	err := e.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE message_id = ? LIMIT 1`, messageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up message %s: %w", messageID, err)
	}
	return true, nil
}

// GetMessage retrieves a single message by its id. It returns nil, nil when absent.
func (s *Store) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	var m models.Message
	err := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE message_id = ? ORDER BY id LIMIT 1`, messageID).Scan(
		&m.MessageID, &m.ChannelID, &m.Content, &m.AuthorID, &m.AuthorName, &m.AuthorIsBot,
		&m.Timestamp, &m.TimestampISO, &m.Attachments, &m.Embeds, &m.Reactions, &m.RoleMentions,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query message %s: %w", messageID, err)
	}
	return &m, nil
}

// CountMessages returns the number of archived rows.
func (s *Store) CountMessages(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// CountChannelMessages returns the number of archived rows for one channel.
func (s *Store) CountChannelMessages(ctx context.Context, channelID string) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE channel_id = ?`, channelID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count messages for channel %s: %w", channelID, err)
	}
	return n, nil
}

// CheckDuplicates counts surplus rows: rows whose message_id is shared with a lower id.
func (s *Store) CheckDuplicates(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(cnt - 1), 0) FROM (
		  SELECT COUNT(*) AS cnt FROM messages GROUP BY message_id HAVING COUNT(*) > 1
		)`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count duplicate messages: %w", err)
	}
	return n, nil
}

const messageIndex = "idx_messages_message_id"

// RemoveDuplicates keeps the lowest row id per message_id, deletes the rest and
// restores the unique index on message_id. It returns the number of rows removed.
func (s *Store) RemoveDuplicates(ctx context.Context) (int64, error) {
	var removed int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		removed, err = collapseDuplicates(ctx, tx)
		return err
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.logger.Info("removed duplicate messages", "rows", removed)
	}
	return removed, nil
}

func collapseDuplicates(ctx context.Context, tx *sql.Tx) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		DELETE FROM messages
		WHERE id NOT IN (SELECT MIN(id) FROM messages GROUP BY message_id)`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete duplicate messages: %w", err)
	}
	removed, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx, `CREATE UNIQUE INDEX IF NOT EXISTS `+messageIndex+` ON messages(message_id)`); err != nil {
		return 0, fmt.Errorf("failed to restore unique message index: %w", err)
	}
	return removed, nil
}
