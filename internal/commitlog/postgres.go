package commitlog

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the SQL DDL for the commit log. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS prompter_commits (
    id         BIGSERIAL PRIMARY KEY,
    session_id TEXT             NOT NULL,
    word_index INTEGER          NOT NULL,
    prev_index INTEGER          NOT NULL,
    line       INTEGER          NOT NULL,
    score      DOUBLE PRECISION NOT NULL,
    kind       TEXT             NOT NULL,
    trace_id   TEXT             NOT NULL DEFAULT '',
    at         TIMESTAMPTZ      NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_prompter_commits_session ON prompter_commits(session_id, id);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database.
type PostgresStore struct {
	db     DB
	close  func()
	closed atomic.Bool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a [PostgresStore] on db. The caller owns db and
// is responsible for calling [PostgresStore.Migrate].
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres connects a pool to dsn, pings it, and migrates the schema.
// The pool is closed by [PostgresStore.Close].
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("commitlog: postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("commitlog: postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("commitlog: postgres: ping: %w", err)
	}
	s := &PostgresStore{db: pool, close: pool.Close}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate executes the [Schema] DDL.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("commitlog: migrate: %w", err)
	}
	return nil
}

// Append implements [Store].
func (s *PostgresStore) Append(ctx context.Context, e Entry) error {
	if s.closed.Load() {
		return ErrClosed
	}
	const query = `
		INSERT INTO prompter_commits (session_id, word_index, prev_index, line, score, kind, trace_id, at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	if _, err := s.db.Exec(ctx, query, e.SessionID, e.Index, e.Prev, e.Line, e.Score, e.Kind, e.TraceID, e.At); err != nil {
		return fmt.Errorf("commitlog: append: %w", err)
	}
	return nil
}

// List implements [Store].
func (s *PostgresStore) List(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	const query = `
		SELECT id, session_id, word_index, prev_index, line, score, kind, trace_id, at
		FROM prompter_commits
		WHERE session_id = $1
		ORDER BY id ASC
		LIMIT $2`

	rows, err := s.db.Query(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("commitlog: list %q: %w", sessionID, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var at time.Time
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Index, &e.Prev, &e.Line, &e.Score, &e.Kind, &e.TraceID, &at); err != nil {
			return nil, fmt.Errorf("commitlog: scan: %w", err)
		}
		e.At = at
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("commitlog: list %q: %w", sessionID, err)
	}
	return out, nil
}

// Close implements [Store]. A pool opened by [OpenPostgres] is closed.
func (s *PostgresStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.close != nil {
		s.close()
	}
	return nil
}
