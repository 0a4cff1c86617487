// Package commitlog persists accepted commits so that a run can be reviewed
// or replayed after the fact.
//
// A [Store] is an append-only log keyed by session. Three backends exist:
// [MemStore] for tests and ephemeral runs, [SQLiteStore] for a single
// machine, and [PostgresStore] for shared deployments. The [Recorder] feeds
// a store from the event bus without ever blocking the alignment pipeline.
package commitlog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/prompter/internal/bus"
)

// ErrClosed is returned by a store after Close.
var ErrClosed = errors.New("commitlog: store closed")

// Entry is one logged commit.
type Entry struct {
	// ID is assigned by the store on Append.
	ID int64

	SessionID string
	Index     int
	Prev      int
	Line      int
	Score     float64

	// Kind is "advance", "leap", "refresh", or "nudge".
	Kind string

	// TraceID is the trace of the span that produced the commit, or empty.
	TraceID string

	At time.Time
}

// Store is an append-only commit log.
type Store interface {
	// Append writes e. The ID field is ignored.
	Append(ctx context.Context, e Entry) error

	// List returns up to limit entries of sessionID, oldest first. A limit
	// of zero or less means 1000.
	List(ctx context.Context, sessionID string, limit int) ([]Entry, error)

	// Close releases the backend. Later calls return [ErrClosed].
	Close() error
}

const defaultLimit = 1000

// EntryFromEvent converts a bus commit event into an [Entry]. It reports
// false for events that carry no commit.
func EntryFromEvent(ev bus.Event) (Entry, bool) {
	c := ev.Commit
	if ev.Kind != bus.KindCommit || c == nil {
		return Entry{}, false
	}
	return Entry{
		SessionID: ev.Session,
		Index:     c.Index,
		Prev:      c.Prev,
		Line:      c.Line,
		Score:     c.Score,
		Kind:      kindOf(c),
		TraceID:   c.TraceID,
		At:        ev.At,
	}, true
}

func kindOf(c *bus.Commit) string {
	switch {
	case c.Nudged:
		return "nudge"
	case c.Refresh:
		return "refresh"
	case c.Leap:
		return "leap"
	default:
		return "advance"
	}
}

// Open returns the store for driver: "memory", "sqlite" (dsn is a file
// path), or "postgres" (dsn is a connection string). The SQL backends are
// migrated before Open returns.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "", "memory":
		return NewMemStore(), nil
	case "sqlite":
		return OpenSQLite(ctx, dsn)
	case "postgres":
		return OpenPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("commitlog: unknown driver %q", driver)
	}
}

// MemStore is an in-memory [Store].
type MemStore struct {
	mu      sync.Mutex
	entries []Entry
	nextID  int64
	closed  bool
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{}
}

// Append implements [Store].
func (m *MemStore) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.nextID++
	e.ID = m.nextID
	m.entries = append(m.entries, e)
	return nil
}

// List implements [Store].
func (m *MemStore) List(_ context.Context, sessionID string, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	var out []Entry
	for _, e := range m.entries {
		if e.SessionID != sessionID {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Close implements [Store].
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
