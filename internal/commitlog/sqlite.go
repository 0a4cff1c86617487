package commitlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS commits (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT    NOT NULL,
    word_index INTEGER NOT NULL,
    prev_index INTEGER NOT NULL,
    line       INTEGER NOT NULL,
    score      REAL    NOT NULL,
    kind       TEXT    NOT NULL,
    trace_id   TEXT    NOT NULL DEFAULT '',
    at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_commits_session ON commits(session_id, id);
`

// SQLiteStore is a [Store] backed by a SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	closed atomic.Bool
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("commitlog: sqlite: empty path")
	}
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("commitlog: sqlite: create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("commitlog: sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("commitlog: sqlite: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("commitlog: sqlite: migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Append implements [Store].
func (s *SQLiteStore) Append(ctx context.Context, e Entry) error {
	if s.closed.Load() {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO commits(session_id, word_index, prev_index, line, score, kind, trace_id, at_unix_ms)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.Index, e.Prev, e.Line, e.Score, e.Kind, e.TraceID, e.At.UnixMilli())
	if err != nil {
		return fmt.Errorf("commitlog: sqlite: append: %w", err)
	}
	return nil
}

// List implements [Store].
func (s *SQLiteStore) List(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, word_index, prev_index, line, score, kind, trace_id, at_unix_ms
		 FROM commits WHERE session_id = ? ORDER BY id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("commitlog: sqlite: list: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ms int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Index, &e.Prev, &e.Line, &e.Score, &e.Kind, &e.TraceID, &ms); err != nil {
			return nil, fmt.Errorf("commitlog: sqlite: scan: %w", err)
		}
		e.At = time.UnixMilli(ms).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("commitlog: sqlite: list: %w", err)
	}
	return out, nil
}

// Close implements [Store].
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
