// Package guard implements the commit gate between the matcher and the rest
// of the pipeline. The [Guard] exclusively owns the Current Index: it only
// moves forward, except through an explicit [Guard.Nudge].
//
// For each candidate the rules run in order:
//
//  1. A candidate at or behind the current index is rejected (dup or
//     backwards), unless a nudge armed it or it is a same-line re-score that
//     clears the margin and interval.
//  2. While the post-commit freeze window is open, everything is rejected.
//  3. A forward jump of LeapMinDelta or more words needs either a score of at
//     least LeapConfirmScore or a second sighting of the same index within
//     LeapConfirmWindow. The first low-score sighting becomes the pending
//     leap.
//  4. Otherwise the candidate is committed and the freeze window opens.
package guard

import (
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/prompter/internal/clock"
	"github.com/MrWong99/prompter/internal/timers"
)

// Reason explains a rejected candidate.
type Reason string

const (
	ReasonNone      Reason = ""
	ReasonDup       Reason = "dup"
	ReasonBackwards Reason = "backwards"
	ReasonFreeze    Reason = "freeze"
	ReasonLeap      Reason = "leap"
)

// leapExpiry is the timer key used for pending-leap expiry.
const leapExpiry timers.Key = "leap_expiry"

// Config holds the guard thresholds. Zero fields take the defaults noted.
type Config struct {
	// LeapConfirmScore accepts a leap on first sighting. Default: 0.8.
	LeapConfirmScore float64

	// LeapConfirmWindow is how long a pending leap waits for its second
	// sighting. Default: 1500ms.
	LeapConfirmWindow time.Duration

	// LeapMinDelta is the smallest forward jump treated as a leap. Default: 4.
	LeapMinDelta int

	// PostCommitFreeze is the cooldown after each commit. Default: 250ms.
	PostCommitFreeze time.Duration

	// RescoreMargin is how much a same-line score must improve to refresh
	// the commit. Default: 0.10.
	RescoreMargin float64

	// RescoreMinInterval is the minimum time between same-line refreshes.
	// Default: 350ms.
	RescoreMinInterval time.Duration
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	var c Config
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.LeapConfirmScore <= 0 {
		c.LeapConfirmScore = 0.8
	}
	if c.LeapConfirmWindow <= 0 {
		c.LeapConfirmWindow = 1500 * time.Millisecond
	}
	if c.LeapMinDelta <= 0 {
		c.LeapMinDelta = 4
	}
	if c.PostCommitFreeze <= 0 {
		c.PostCommitFreeze = 250 * time.Millisecond
	}
	if c.RescoreMargin <= 0 {
		c.RescoreMargin = 0.10
	}
	if c.RescoreMinInterval <= 0 {
		c.RescoreMinInterval = 350 * time.Millisecond
	}
}

// Commit records one accepted candidate.
type Commit struct {
	Index int
	Prev  int
	Score float64
	At    time.Time

	// Refresh marks a same-line re-score; Index == Prev.
	Refresh bool

	// Nudged marks a manual re-anchor or the one-time acceptance it armed.
	Nudged bool

	// Leap marks a commit that jumped LeapMinDelta or more words.
	Leap bool
}

// Decision is the outcome of [Guard.Allow].
type Decision struct {
	Accept bool
	Reason Reason
	Commit Commit
}

// Stats counts commits and suppressed candidates since the last Reset.
type Stats struct {
	Commits       int
	Refreshes     int
	Dup           int
	Backwards     int
	Freeze        int
	Leap          int
	LeapConfirmed int
	LeapExpired   int
}

type pendingLeap struct {
	idx int
	at  time.Time
}

// maxLog bounds the in-memory commit log.
const maxLog = 1024

// Option is a functional option for configuring a [Guard].
type Option func(*Guard)

// WithTimers expires pending leaps through tab instead of lazily on the next
// candidate.
func WithTimers(tab *timers.Table) Option {
	return func(g *Guard) {
		g.timers = tab
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) {
		g.log = l
	}
}

// Guard is the commit gate. All methods are safe for concurrent use.
type Guard struct {
	clk    clock.Clock
	timers *timers.Table
	log    *slog.Logger

	mu          sync.Mutex
	cfg         Config
	current     int
	lastScore   float64
	lastCommit  time.Time
	freezeUntil time.Time
	pending     *pendingLeap
	nudgeIdx    int // armed one-time acceptance; -1 when disarmed
	stats       Stats
	commits     []Commit
}

// New returns a guard positioned at index 0.
func New(cfg Config, clk clock.Clock, opts ...Option) *Guard {
	cfg.applyDefaults()
	g := &Guard{cfg: cfg, clk: clk, log: slog.Default(), nudgeIdx: -1}
	for _, o := range opts {
		o(g)
	}
	return g
}

// SetConfig replaces the thresholds. Pending state is kept.
func (g *Guard) SetConfig(cfg Config) {
	cfg.applyDefaults()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = cfg
}

// Reset positions the guard at start and clears every piece of state,
// including statistics and the commit log.
func (g *Guard) Reset(start int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if start < 0 {
		start = 0
	}
	g.current = start
	g.lastScore = 0
	g.lastCommit = time.Time{}
	g.freezeUntil = time.Time{}
	g.clearPendingLocked()
	g.nudgeIdx = -1
	g.stats = Stats{}
	g.commits = nil
}

// Allow runs candidate through the rules and commits it if accepted.
func (g *Guard) Allow(candidate int, score float64) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clk.Now()

	if candidate <= g.current {
		return g.behindLocked(candidate, score, now)
	}

	if now.Before(g.freezeUntil) {
		g.stats.Freeze++
		return Decision{Reason: ReasonFreeze}
	}

	leap := candidate-g.current >= g.cfg.LeapMinDelta
	if leap && score < g.cfg.LeapConfirmScore {
		if p := g.pending; p != nil && p.idx == candidate && now.Sub(p.at) <= g.cfg.LeapConfirmWindow {
			g.stats.LeapConfirmed++
		} else {
			if p != nil && now.Sub(p.at) > g.cfg.LeapConfirmWindow {
				g.stats.LeapExpired++
			}
			g.setPendingLocked(candidate, now)
			g.stats.Leap++
			return Decision{Reason: ReasonLeap}
		}
	}

	c := g.commitLocked(Commit{Index: candidate, Prev: g.current, Score: score, At: now, Leap: leap})
	return Decision{Accept: true, Commit: c}
}

// behindLocked handles candidates at or behind the current index.
func (g *Guard) behindLocked(candidate int, score float64, now time.Time) Decision {
	if candidate < g.current {
		g.stats.Backwards++
		return Decision{Reason: ReasonBackwards}
	}

	if g.nudgeIdx >= 0 && candidate == g.nudgeIdx {
		g.nudgeIdx = -1
		c := g.commitLocked(Commit{Index: candidate, Prev: candidate, Score: score, At: now, Nudged: true})
		return Decision{Accept: true, Commit: c}
	}

	if !now.Before(g.freezeUntil) &&
		score >= g.lastScore+g.cfg.RescoreMargin &&
		now.Sub(g.lastCommit) >= g.cfg.RescoreMinInterval {
		c := g.commitLocked(Commit{Index: candidate, Prev: candidate, Score: score, At: now, Refresh: true})
		return Decision{Accept: true, Commit: c}
	}

	g.stats.Dup++
	return Decision{Reason: ReasonDup}
}

// commitLocked applies c. Must be called with g.mu held.
func (g *Guard) commitLocked(c Commit) Commit {
	g.current = c.Index
	g.lastScore = c.Score
	g.lastCommit = c.At
	g.freezeUntil = c.At.Add(g.cfg.PostCommitFreeze)
	g.clearPendingLocked()
	if !c.Nudged {
		g.nudgeIdx = -1
	}
	if c.Refresh {
		g.stats.Refreshes++
	} else {
		g.stats.Commits++
	}
	g.commits = append(g.commits, c)
	if len(g.commits) > maxLog {
		g.commits = g.commits[len(g.commits)-maxLog:]
	}
	g.log.Debug("guard: commit", "index", c.Index, "prev", c.Prev, "score", c.Score,
		"leap", c.Leap, "refresh", c.Refresh, "nudged", c.Nudged)
	return c
}

func (g *Guard) setPendingLocked(idx int, now time.Time) {
	g.pending = &pendingLeap{idx: idx, at: now}
	if g.timers == nil {
		return
	}
	p := g.pending
	g.timers.After(leapExpiry, g.cfg.LeapConfirmWindow, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.pending == p {
			g.pending = nil
			g.stats.LeapExpired++
		}
	})
}

func (g *Guard) clearPendingLocked() {
	if g.pending == nil {
		return
	}
	g.pending = nil
	if g.timers != nil {
		g.timers.Cancel(leapExpiry)
	}
}

// Nudge re-anchors the current index to idx in either direction, clears the
// pending leap and the freeze window, and arms a one-time acceptance of idx.
func (g *Guard) Nudge(idx int) Commit {
	g.mu.Lock()
	defer g.mu.Unlock()
	if idx < 0 {
		idx = 0
	}
	now := g.clk.Now()
	prev := g.current
	g.current = idx
	g.lastScore = 0
	g.lastCommit = now
	g.freezeUntil = time.Time{}
	g.clearPendingLocked()
	g.nudgeIdx = idx
	c := Commit{Index: idx, Prev: prev, At: now, Nudged: true}
	g.commits = append(g.commits, c)
	g.log.Info("guard: nudge", "index", idx, "prev", prev)
	return c
}

// Current returns the current index.
func (g *Guard) Current() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// PendingLeap returns the index awaiting confirmation, if any.
func (g *Guard) PendingLeap() (int, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return 0, false
	}
	return g.pending.idx, true
}

// SinceCommit returns how long ago the last commit (or nudge) happened, and
// false if there has been none since Reset.
func (g *Guard) SinceCommit() (time.Duration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lastCommit.IsZero() {
		return 0, false
	}
	return g.clk.Now().Sub(g.lastCommit), true
}

// Stats returns a snapshot of the counters.
func (g *Guard) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stats
}

// Commits returns a copy of the in-memory commit log, oldest first.
func (g *Guard) Commits() []Commit {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Commit, len(g.commits))
	copy(out, g.commits)
	return out
}
