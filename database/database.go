package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // Import the SQLite3 driver
)

// CurrentSchemaVersion is the latest schema version.
// Bump this when adding migrations.
const CurrentSchemaVersion = 2

// Store is the per-guild archive. SQLite allows one writer, so the pool holds a single
// connection and every caller is serialised through it.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Open initializes the archive database at dbPath, creating the file and running migrations.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// Ensure the directory for the database file exists.
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	removed, repaired, err := repairMessageIndex(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	if repaired {
		logger.Warn("rebuilt missing unique message index", "duplicates_removed", removed)
	}

	logger.Info("archive database ready", "path", dbPath)
	return &Store{db: db, path: dbPath, logger: logger}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// DB exposes the underlying handle for maintenance and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("rollback failed", "err", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// migrate applies schema migrations based on user_version.
func migrate(db *sql.DB) error {
	version, err := GetUserVersion(db)
	if err != nil {
		return err
	}

	// Migration 0 -> 1: archive tables
	if version < 1 {
		schema := `
		CREATE TABLE IF NOT EXISTS messages (
		  id            INTEGER PRIMARY KEY AUTOINCREMENT,
		  message_id    TEXT NOT NULL,
		  channel_id    TEXT NOT NULL,
		  content       TEXT NOT NULL DEFAULT '',
		  author_id     TEXT NOT NULL,
		  author_name   TEXT NOT NULL DEFAULT '',
		  author_is_bot INTEGER NOT NULL DEFAULT 0,
		  timestamp     INTEGER NOT NULL,
		  timestamp_iso TEXT NOT NULL DEFAULT '',
		  attachments   TEXT NOT NULL DEFAULT '[]',
		  embeds        TEXT NOT NULL DEFAULT '[]',
		  reactions     TEXT NOT NULL DEFAULT '[]',
		  role_mentions TEXT NOT NULL DEFAULT '[]'
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_message_id ON messages(message_id);
		CREATE INDEX IF NOT EXISTS idx_messages_author_timestamp ON messages(author_id, timestamp);
		CREATE INDEX IF NOT EXISTS idx_messages_channel_timestamp ON messages(channel_id, timestamp);
		CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);

		CREATE TABLE IF NOT EXISTS message_wal (
		  message_id    TEXT PRIMARY KEY,
		  channel_id    TEXT NOT NULL,
		  content       TEXT NOT NULL DEFAULT '',
		  author_id     TEXT NOT NULL,
		  author_name   TEXT NOT NULL DEFAULT '',
		  author_is_bot INTEGER NOT NULL DEFAULT 0,
		  timestamp     INTEGER NOT NULL,
		  timestamp_iso TEXT NOT NULL DEFAULT '',
		  attachments   TEXT NOT NULL DEFAULT '[]',
		  embeds        TEXT NOT NULL DEFAULT '[]',
		  reactions     TEXT NOT NULL DEFAULT '[]',
		  role_mentions TEXT NOT NULL DEFAULT '[]',
		  processed     INTEGER NOT NULL DEFAULT 0,
		  staged_at     INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_message_wal_pending ON message_wal(processed, timestamp);

		CREATE TABLE IF NOT EXISTS channels (
		  channel_id      TEXT PRIMARY KEY,
		  name            TEXT NOT NULL DEFAULT '',
		  fetch_started   INTEGER NOT NULL DEFAULT 0,
		  fetch_completed INTEGER NOT NULL DEFAULT 0,
		  last_message_id TEXT NOT NULL DEFAULT '',
		  last_activity   INTEGER NOT NULL DEFAULT 0,
		  CHECK (fetch_completed = 0 OR fetch_started = 1)
		);

		CREATE TABLE IF NOT EXISTS guild_members (
		  member_id     TEXT PRIMARY KEY,
		  username      TEXT NOT NULL DEFAULT '',
		  display_name  TEXT NOT NULL DEFAULT '',
		  avatar        TEXT NOT NULL DEFAULT '',
		  joined_at     INTEGER NOT NULL DEFAULT 0,
		  joined_at_iso TEXT NOT NULL DEFAULT '',
		  is_bot        INTEGER NOT NULL DEFAULT 0,
		  last_updated  INTEGER NOT NULL DEFAULT 0,
		  left_guild    INTEGER NOT NULL DEFAULT 0,
		  left_at       INTEGER,
		  CHECK (left_guild = 0 OR left_at IS NOT NULL)
		);
		CREATE INDEX IF NOT EXISTS idx_guild_members_left ON guild_members(left_guild);

		CREATE TABLE IF NOT EXISTS member_roles (
		  member_id     TEXT NOT NULL,
		  role_id       TEXT NOT NULL,
		  role_name     TEXT NOT NULL DEFAULT '',
		  role_color    INTEGER NOT NULL DEFAULT 0,
		  role_position INTEGER NOT NULL DEFAULT 0,
		  assigned_at   INTEGER NOT NULL DEFAULT 0,
		  PRIMARY KEY (member_id, role_id)
		);
		CREATE INDEX IF NOT EXISTS idx_member_roles_role ON member_roles(role_id);

		CREATE TABLE IF NOT EXISTS role_history (
		  id        INTEGER PRIMARY KEY AUTOINCREMENT,
		  member_id TEXT NOT NULL,
		  role_id   TEXT NOT NULL,
		  role_name TEXT NOT NULL DEFAULT '',
		  action    TEXT NOT NULL,
		  timestamp INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_role_history_member ON role_history(member_id, role_id, timestamp);

		CREATE TABLE IF NOT EXISTS guild_roles (
		  role_id     TEXT PRIMARY KEY,
		  name        TEXT NOT NULL DEFAULT '',
		  color       INTEGER NOT NULL DEFAULT 0,
		  position    INTEGER NOT NULL DEFAULT 0,
		  permissions INTEGER NOT NULL DEFAULT 0,
		  flags       INTEGER NOT NULL DEFAULT 0,
		  created_at  INTEGER NOT NULL DEFAULT 0,
		  updated_at  INTEGER NOT NULL DEFAULT 0,
		  deleted_at  INTEGER,
		  deleted     INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS member_stats (
		  date          TEXT PRIMARY KEY,
		  total_members INTEGER NOT NULL DEFAULT 0,
		  joins         INTEGER NOT NULL DEFAULT 0,
		  leaves        INTEGER NOT NULL DEFAULT 0,
		  role_gains    INTEGER NOT NULL DEFAULT 0,
		  updated_at    DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		`
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if err := SetUserVersion(db, 1); err != nil {
			return err
		}
	}

	// Migration 1 -> 2: provenance columns for reconstructed rows
	if version < 2 {
		stmts := []string{
			`ALTER TABLE guild_members ADD COLUMN source TEXT NOT NULL DEFAULT 'live'`,
			`ALTER TABLE member_roles ADD COLUMN source TEXT NOT NULL DEFAULT 'live'`,
		}
		for _, stmt := range stmts {
			if _, err := db.Exec(stmt); err != nil {
				return fmt.Errorf("migration 2 failed: %w", err)
			}
		}
		if err := SetUserVersion(db, 2); err != nil {
			return err
		}
	}

	return nil
}

// hasIndex reports whether the messages table carries the named index.
func hasIndex(db *sql.DB, name string) (bool, error) {
	rows, err := db.Query(`SELECT name FROM pragma_index_list('messages')`)
	if err != nil {
		return false, fmt.Errorf("failed to list message indexes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var idx string
		if err := rows.Scan(&idx); err != nil {
			return false, err
		}
		if idx == name {
			return true, nil
		}
	}
	return false, rows.Err()
}

// repairMessageIndex restores the unique message_id index when an archive lost it.
// Upserts depend on that index, so duplicates are collapsed before it is rebuilt.
func repairMessageIndex(db *sql.DB) (int64, bool, error) {
	ok, err := hasIndex(db, messageIndex)
	if err != nil || ok {
		return 0, false, err
	}
	tx, err := db.Begin()
	if err != nil {
		return 0, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	removed, err := collapseDuplicates(context.Background(), tx)
	if err != nil {
		tx.Rollback()
		return 0, false, err
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("failed to commit index repair: %w", err)
	}
	return removed, true, nil
}

// GetUserVersion returns the current schema version (user_version pragma).
func GetUserVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get user_version: %w", err)
	}
	return version, nil
}

// SetUserVersion sets the schema version (user_version pragma).
func SetUserVersion(db *sql.DB, version int) error {
	_, err := db.Exec(fmt.Sprintf("PRAGMA user_version=%d", version))
	if err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableMillis(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}
