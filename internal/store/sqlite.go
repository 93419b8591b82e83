// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides session ledger persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// defaultListLimit caps ListSessions when the filter sets no limit.
const defaultListLimit = 50

// timeLayout is fixed width so text comparison matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path, or an
// in-memory one for ":memory:". The schema is created if it doesn't exist.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	inMemory := path == ":memory:"
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if inMemory {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	} else {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
		if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting busy timeout: %w", err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id          TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL,
			function_id INTEGER NOT NULL,
			question    TEXT NOT NULL DEFAULT '',
			outcome     TEXT NOT NULL,
			frames      INTEGER NOT NULL DEFAULT 0,
			dropped     INTEGER NOT NULL DEFAULT 0,
			created_at  TEXT NOT NULL,
			finished_at TEXT,

			CHECK (outcome IN ('open', 'completed', 'disconnected', 'expired', 'aborted', 'rejected'))
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_user_created
			ON sessions(user_id, created_at);

		CREATE INDEX IF NOT EXISTS idx_sessions_created
			ON sessions(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// CreateSession records a newly opened session.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	query := `
		INSERT INTO sessions (id, user_id, function_id, question, outcome, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	outcome := sess.Outcome
	if outcome == "" {
		outcome = OutcomeOpen
	}

	_, err := s.db.ExecContext(ctx, query,
		sess.ID,
		sess.UserID,
		sess.FunctionID,
		sess.Question,
		string(outcome),
		formatTime(sess.CreatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateSession
		}
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("recorded session", "session_id", sess.ID, "user_id", sess.UserID)
	return nil
}

// FinishSession stores how a session ended. Finishing a session twice keeps
// the first outcome.
func (s *SQLiteStore) FinishSession(ctx context.Context, id string, f SessionFinish) error {
	query := `
		UPDATE sessions
		SET outcome = ?, frames = ?, dropped = ?, finished_at = ?
		WHERE id = ? AND finished_at IS NULL
	`
	result, err := s.db.ExecContext(ctx, query,
		string(f.Outcome),
		f.Frames,
		f.Dropped,
		formatTime(f.FinishedAt),
		id,
	)
	if err != nil {
		return fmt.Errorf("finishing session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := s.GetSession(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// GetSession retrieves one session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `
		SELECT id, user_id, function_id, question, outcome, frames, dropped, created_at, finished_at
		FROM sessions
		WHERE id = ?
	`
	sess, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return sess, nil
}

// ListSessions returns the most recent sessions first.
func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `
		SELECT id, user_id, function_id, question, outcome, frames, dropped, created_at, finished_at
		FROM sessions
	`
	var args []any
	if filter.UserID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, filter.UserID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

// SessionStats aggregates sessions created at or after since.
func (s *SQLiteStore) SessionStats(ctx context.Context, since time.Time) (*SessionStats, error) {
	query := `
		SELECT outcome, COUNT(*), COALESCE(SUM(frames), 0), COALESCE(SUM(dropped), 0)
		FROM sessions
		WHERE created_at >= ?
		GROUP BY outcome
	`
	rows, err := s.db.QueryContext(ctx, query, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("querying session stats: %w", err)
	}
	defer rows.Close()

	stats := &SessionStats{ByOutcome: make(map[Outcome]int)}
	for rows.Next() {
		var outcome string
		var count int
		var frames, dropped int64
		if err := rows.Scan(&outcome, &count, &frames, &dropped); err != nil {
			return nil, fmt.Errorf("scanning session stats: %w", err)
		}
		stats.ByOutcome[Outcome(outcome)] = count
		stats.Total += count
		stats.TotalFrames += frames
		stats.Dropped += dropped
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session stats: %w", err)
	}
	return stats, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var outcome, createdAt string
	var finishedAt sql.NullString

	if err := row.Scan(
		&sess.ID,
		&sess.UserID,
		&sess.FunctionID,
		&sess.Question,
		&outcome,
		&sess.Frames,
		&sess.Dropped,
		&createdAt,
		&finishedAt,
	); err != nil {
		return nil, err
	}

	sess.Outcome = Outcome(outcome)

	var err error
	sess.CreatedAt, err = time.Parse(timeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if finishedAt.Valid {
		t, err := time.Parse(timeLayout, finishedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing finished_at: %w", err)
		}
		sess.FinishedAt = &t
	}
	return &sess, nil
}

// formatTime stores times as sortable UTC text.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)
