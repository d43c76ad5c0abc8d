// Package store persists session conversation logs in SQLite.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Dom110/KI-AutoAgent-sub006/internal/core"
)

//go:embed migrations/001_initial_schema.sql
var migrationV1 string

// SQLiteStore implements core.ConversationStore.
type SQLiteStore struct {
	dbPath string
	db     *sql.DB // Write connection
	readDB *sql.DB // Read-only connection

	maxRetries    int
	baseRetryWait time.Duration
}

// Option configures the store.
type Option func(*SQLiteStore)

// WithRetry sets how often a busy write is retried and the first backoff.
func WithRetry(maxRetries int, baseWait time.Duration) Option {
	return func(s *SQLiteStore) {
		s.maxRetries = maxRetries
		s.baseRetryWait = baseWait
	}
}

// NewSQLiteStore opens or creates the database at dbPath.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	s := &SQLiteStore{
		dbPath:        dbPath,
		maxRetries:    5,
		baseRetryWait: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening write database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	s.db = db

	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	readDB, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&mode=ro&_pragma=busy_timeout(1000)")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening read database: %w", err)
	}
	readDB.SetMaxOpenConns(10)
	readDB.SetMaxIdleConns(5)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	s.readDB = readDB

	return s, nil
}

// Path returns the database file.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("checking schema version: %w", err)
	}

	for i, migration := range []string{migrationV1} {
		version := i + 1
		if version <= current {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning migration transaction: %w", err)
		}
		for _, stmt := range splitStatements(migration) {
			if _, err := tx.Exec(stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("executing migration v%d: %w", version, err)
			}
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
			version, time.Now().UTC().Format(time.RFC3339),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("recording migration v%d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration v%d: %w", version, err)
		}
	}
	return nil
}

// splitStatements splits a SQL script into statements, dropping comment lines.
func splitStatements(script string) []string {
	var statements []string
	for _, stmt := range strings.Split(script, ";") {
		var lines []string
		for _, line := range strings.Split(stmt, "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed != "" && !strings.HasPrefix(trimmed, "--") {
				lines = append(lines, line)
			}
		}
		if len(lines) > 0 {
			statements = append(statements, strings.Join(lines, "\n"))
		}
	}
	return statements
}

// retryWrite runs fn, retrying with exponential backoff while SQLite is busy.
func (s *SQLiteStore) retryWrite(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.baseRetryWait * time.Duration(1<<attempt)):
		}
	}
	return fmt.Errorf("%s failed after %d retries: %w", operation, s.maxRetries, lastErr)
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}

// SaveMessage implements core.ConversationStore. Messages keep their
// insertion order within a session regardless of timestamps.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg core.Message) error {
	if msg.ID == "" || msg.SessionID == "" {
		return core.ErrValidation(core.CodeInvalidMessage, "message id and session id are required")
	}
	return s.retryWrite(ctx, "SaveMessage", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		var seq int
		if err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?", msg.SessionID,
		).Scan(&seq); err != nil {
			_ = tx.Rollback()
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (id, session_id, seq, role, worker, step_id, content, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			msg.ID,
			msg.SessionID,
			seq,
			string(msg.Role),
			string(msg.Worker),
			string(msg.StepID),
			msg.Content,
			msg.Timestamp.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// LoadHistory implements core.ConversationStore.
func (s *SQLiteStore) LoadHistory(ctx context.Context, sessionID string, limit int) ([]core.Message, error) {
	query := `
		SELECT id, session_id, role, worker, step_id, content, timestamp FROM (
			SELECT * FROM messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.readDB.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var out []core.Message
	for rows.Next() {
		var (
			m              core.Message
			role, ts       string
			worker, stepID sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &worker, &stepID, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.Role = core.MessageRole(role)
		m.Worker = core.Role(worker.String)
		m.StepID = core.StepID(stepID.String)
		m.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetStats implements core.ConversationStore.
func (s *SQLiteStore) GetStats(ctx context.Context, sessionID string) (core.ConversationStats, error) {
	stats := core.ConversationStats{SessionID: sessionID, ByRole: make(map[core.MessageRole]int)}

	rows, err := s.readDB.QueryContext(ctx,
		"SELECT role, COUNT(*) FROM messages WHERE session_id = ? GROUP BY role", sessionID)
	if err != nil {
		return stats, fmt.Errorf("counting messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			role  string
			count int
		)
		if err := rows.Scan(&role, &count); err != nil {
			return stats, fmt.Errorf("scanning counts: %w", err)
		}
		stats.ByRole[core.MessageRole(role)] = count
		stats.TotalMessages += count
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}
	if stats.TotalMessages == 0 {
		return stats, nil
	}

	var first, last string
	err = s.readDB.QueryRowContext(ctx, `
		SELECT
			(SELECT timestamp FROM messages WHERE session_id = ?1 ORDER BY seq ASC LIMIT 1),
			(SELECT timestamp FROM messages WHERE session_id = ?1 ORDER BY seq DESC LIMIT 1)
	`, sessionID).Scan(&first, &last)
	if err != nil {
		return stats, fmt.Errorf("reading message range: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, first); err == nil {
		stats.FirstMessage = &t
	}
	if t, err := time.Parse(time.RFC3339Nano, last); err == nil {
		stats.LastMessage = &t
	}
	return stats, nil
}

// Sessions returns the ids of every session with a message, sorted.
func (s *SQLiteStore) Sessions(ctx context.Context) ([]string, error) {
	rows, err := s.readDB.QueryContext(ctx, "SELECT DISTINCT session_id FROM messages ORDER BY session_id")
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Close closes both database connections.
func (s *SQLiteStore) Close() error {
	var first error
	if s.readDB != nil {
		if err := s.readDB.Close(); err != nil {
			first = fmt.Errorf("closing read connection: %w", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil && first == nil {
			first = fmt.Errorf("closing write connection: %w", err)
		}
	}
	return first
}
