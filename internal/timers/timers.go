// Package timers keeps every timer a session owns in one table keyed by
// purpose, so that tearing a session down is a single [Table.ClearAll].
//
// Callbacks are guarded: a timer that was replaced, cancelled, or cleared
// never runs its callback, even if the underlying clock had already started
// delivering it.
package timers

import (
	"sync"
	"time"

	"github.com/MrWong99/prompter/internal/clock"
)

// Key names the purpose of a timer ("heartbeat", "recycle", ...). A table
// holds at most one timer per key.
type Key string

type entry struct {
	id       uint64
	timer    clock.Timer
	deadline time.Time
}

// Table is a set of named timers on one clock. The zero value is not usable;
// construct with [New]. All methods are safe for concurrent use.
type Table struct {
	clk clock.Clock

	mu      sync.Mutex
	nextID  uint64
	entries map[Key]*entry
}

// New returns an empty table on clk.
func New(clk clock.Clock) *Table {
	return &Table{clk: clk, entries: make(map[Key]*entry)}
}

// After arms a one-shot timer, replacing any timer already armed under key.
func (t *Table) After(key Key, d time.Duration, f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.arm(key, d, f, false)
}

// Every arms a periodic timer that re-arms itself after each call until it
// is cancelled or replaced.
func (t *Table) Every(key Key, d time.Duration, f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.arm(key, d, f, true)
}

// arm must be called with t.mu held.
func (t *Table) arm(key Key, d time.Duration, f func(), periodic bool) {
	t.stopLocked(key)
	t.nextID++
	id := t.nextID
	e := &entry{id: id, deadline: t.clk.Now().Add(d)}
	t.entries[key] = e
	e.timer = t.clk.AfterFunc(d, func() {
		t.mu.Lock()
		cur, ok := t.entries[key]
		if !ok || cur.id != id {
			t.mu.Unlock()
			return
		}
		if periodic {
			t.arm(key, d, f, true)
		} else {
			delete(t.entries, key)
		}
		t.mu.Unlock()
		f()
	})
}

// Cancel stops the timer under key and reports whether one was armed.
func (t *Table) Cancel(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopLocked(key)
}

func (t *Table) stopLocked(key Key) bool {
	e, ok := t.entries[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(t.entries, key)
	return true
}

// ClearAll stops every timer in the table.
func (t *Table) ClearAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.entries {
		t.stopLocked(k)
	}
}

// Active reports whether a timer is armed under key.
func (t *Table) Active(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[key]
	return ok
}

// Deadline returns when the timer under key is due.
func (t *Table) Deadline(key Key) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return time.Time{}, false
	}
	return e.deadline, true
}

// Len returns the number of armed timers.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
