// ABOUTME: SQLite implementation of the session Store using modernc.org/sqlite
// ABOUTME: Creates the sessions and messages tables on open

package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a single SQLite database file.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (and if needed creates) the database at path.
// The special path ":memory:" opens a private in-memory database.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	logger = logger.With("component", "session-store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// An in-memory database exists per connection.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite session store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			session_key    TEXT PRIMARY KEY,
			session_id     TEXT NOT NULL UNIQUE,
			updated_at     INTEGER NOT NULL,
			thinking_level TEXT NOT NULL DEFAULT '',
			verbose_level  TEXT NOT NULL DEFAULT '',
			label          TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

		CREATE TABLE IF NOT EXISTS messages (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			role       TEXT NOT NULL,
			text       TEXT NOT NULL,
			run_id     TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			FOREIGN KEY (session_id) REFERENCES sessions(session_id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session_created
			ON messages(session_id, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Load returns the entry for key or ErrNotFound.
func (s *SQLiteStore) Load(ctx context.Context, key string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_key, session_id, updated_at, thinking_level, verbose_level, label
		FROM sessions WHERE session_key = ?`, key)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("loading session %q: %w", key, err)
	}
	return e, nil
}

// Save inserts or replaces the entry under e.Key.
func (s *SQLiteStore) Save(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_key, session_id, updated_at, thinking_level, verbose_level, label)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_key) DO UPDATE SET
			updated_at = excluded.updated_at,
			thinking_level = excluded.thinking_level,
			verbose_level = excluded.verbose_level,
			label = excluded.label`,
		e.Key, e.SessionID, e.UpdatedAt.UnixMilli(), e.ThinkingLevel, e.VerboseLevel, e.Label)
	if err != nil {
		return fmt.Errorf("saving session %q: %w", e.Key, err)
	}
	return nil
}

// List returns sessions updated at or after activeSince, newest first.
// A zero activeSince lists everything; limit <= 0 means no limit.
func (s *SQLiteStore) List(ctx context.Context, activeSince time.Time, limit int) ([]Entry, error) {
	since := int64(0)
	if !activeSince.IsZero() {
		since = activeSince.UnixMilli()
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT session_key, session_id, updated_at, thinking_level, verbose_level, label
		FROM sessions WHERE updated_at >= ?
		ORDER BY updated_at DESC LIMIT ?`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AppendMessage adds a transcript line.
func (s *SQLiteStore) AppendMessage(ctx context.Context, m Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (session_id, role, text, run_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		m.SessionID, m.Role, m.Text, m.RunID, m.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("appending message: %w", err)
	}
	return nil
}

// Messages returns the newest limit messages of sessionID in chronological order.
func (s *SQLiteStore) Messages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, text, run_id, created_at FROM (
			SELECT * FROM messages WHERE session_id = ?
			ORDER BY created_at DESC, id DESC LIMIT ?
		) ORDER BY created_at ASC, id ASC`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("reading messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var created int64
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Text, &m.RunID, &created); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.CreatedAt = time.UnixMilli(created)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (Entry, error) {
	var e Entry
	var updated int64
	if err := sc.Scan(&e.Key, &e.SessionID, &updated, &e.ThinkingLevel, &e.VerboseLevel, &e.Label); err != nil {
		return Entry{}, err
	}
	e.UpdatedAt = time.UnixMilli(updated)
	return e, nil
}
