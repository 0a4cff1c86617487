// Package replay feeds recorded recognizer output through an alignment
// session on a manual clock, for offline tuning of the matcher, guard, and
// controller against real speech.
//
// Recordings are JSON Lines, one event per line:
//
//	{"offset_ms":0,"text":"farmers watched","final":false}
//	{"offset_ms":420,"text":"farmers watched the sky","final":true,"confidence":0.93}
//	{"offset_ms":600,"err_px":-35}
//
// An event with text is a transcript; an event with only err_px is a scroll
// error report from the scroll-writer. Blank lines and lines starting with
// '#' are skipped.
package replay

import (
	"bufio"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/prompter/internal/clock"
	"github.com/MrWong99/prompter/internal/guard"
	"github.com/MrWong99/prompter/internal/observe"
	"github.com/MrWong99/prompter/internal/script"
	"github.com/MrWong99/prompter/internal/session"
	"github.com/MrWong99/prompter/pkg/types"
)

// Event is one recorded line.
type Event struct {
	OffsetMs   int64    `json:"offset_ms"`
	Text       string   `json:"text,omitempty"`
	Final      bool     `json:"final,omitempty"`
	Confidence float64  `json:"confidence,omitempty"`
	ErrPx      *float64 `json:"err_px,omitempty"`
}

// Offset returns the event time relative to the start of the recording.
func (e Event) Offset() time.Duration { return time.Duration(e.OffsetMs) * time.Millisecond }

// Read parses a recording. Events are returned ordered by offset; events
// with equal offsets keep their file order.
func Read(r io.Reader) ([]Event, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var events []Event
	n := 0
	for scanner.Scan() {
		n++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return nil, fmt.Errorf("replay: line %d: %w", n, err)
		}
		if ev.OffsetMs < 0 {
			return nil, fmt.Errorf("replay: line %d: negative offset %d", n, ev.OffsetMs)
		}
		if ev.Text == "" && ev.ErrPx == nil {
			return nil, fmt.Errorf("replay: line %d: event has neither text nor err_px", n)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("replay: read: %w", err)
	}
	slices.SortStableFunc(events, func(a, b Event) int { return cmp.Compare(a.OffsetMs, b.OffsetMs) })
	return events, nil
}

// Result summarises a replay.
type Result struct {
	// Commits is the accepted commit sequence, in order.
	Commits []guard.Commit

	// Final is the session state after the last event.
	Final session.Snapshot

	// Transcripts and Scrolls count the events fed in.
	Transcripts int
	Scrolls     int

	// Start is the manual clock's origin; commit offsets are At - Start.
	Start time.Time
}

// Option is a functional option for [Run].
type Option func(*runner)

type runner struct {
	log   *slog.Logger
	start time.Time
	tail  time.Duration
	sopts []session.Option
}

// WithLogger sets the logger for the replayed session. Default: a logger
// that discards everything below warn.
func WithLogger(l *slog.Logger) Option {
	return func(r *runner) {
		r.log = l
	}
}

// WithStart sets the manual clock's origin. Default: 2000-01-01 UTC.
func WithStart(t time.Time) Option {
	return func(r *runner) {
		r.start = t
	}
}

// WithTail advances the clock by d after the last event so that pending
// leaps expire. Default: 0.
func WithTail(d time.Duration) Option {
	return func(r *runner) {
		r.tail = d
	}
}

// WithSessionOptions passes extra options to the replayed session, such as
// a bus to observe the emitted events.
func WithSessionOptions(opts ...session.Option) Option {
	return func(r *runner) {
		r.sopts = append(r.sopts, opts...)
	}
}

// Run replays events against idx with the given tuning. Events must be
// ordered by offset, as returned by [Read].
func Run(ctx context.Context, idx *script.Index, events []Event, cfg session.Config, opts ...Option) (Result, error) {
	r := &runner{
		start: time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC),
		log:   slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn})),
	}
	for _, o := range opts {
		o(r)
	}

	clk := clock.NewManual(r.start)
	sopts := append([]session.Option{session.WithLogger(r.log)}, r.sopts...)
	sess := session.New("replay", cfg, clk, sopts...)
	sess.LoadScript(idx)
	sess.Begin()
	defer sess.End()

	res := Result{Start: r.start}
	var at time.Duration
	for i, ev := range events {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("replay: event %d: %w", i, err)
		}
		off := ev.Offset()
		if off < at {
			return res, fmt.Errorf("replay: event %d: offset %dms before %dms", i, ev.OffsetMs, at.Milliseconds())
		}
		clk.Advance(off - at)
		at = off

		if ev.Text != "" {
			res.Transcripts++
			sess.HandleTranscript(ctx, types.Transcript{
				Text:       ev.Text,
				IsFinal:    ev.Final,
				Confidence: ev.Confidence,
				Timestamp:  off,
				ReceivedAt: clk.Now(),
			})
		}
		if ev.ErrPx != nil {
			res.Scrolls++
			sess.Tick(ctx, *ev.ErrPx)
		}
	}
	if r.tail > 0 {
		clk.Advance(r.tail)
	}

	res.Commits = sess.Commits()
	res.Final = sess.Snapshot()
	observe.Logger(ctx).Debug("replay: done", "events", len(events), "commits", len(res.Commits))
	return res, nil
}

// Print writes the commit sequence, one line per commit, followed by the
// guard counters.
func Print(w io.Writer, idx *script.Index, res Result) error {
	for _, c := range res.Commits {
		kind := "advance"
		switch {
		case c.Nudged:
			kind = "nudge"
		case c.Refresh:
			kind = "refresh"
		case c.Leap:
			kind = "leap"
		}
		var text string
		if ln, ok := idx.LineAt(c.Index); ok {
			text = ln.Text
		}
		if _, err := fmt.Fprintf(w, "%8.3fs  idx=%-5d prev=%-5d score=%.2f %-7s %s\n",
			c.At.Sub(res.Start).Seconds(), c.Index, c.Prev, c.Score, kind, text); err != nil {
			return err
		}
	}
	st := res.Final.Stats
	_, err := fmt.Fprintf(w, "commits=%d refreshes=%d dup=%d backwards=%d freeze=%d leap=%d confirmed=%d expired=%d\n",
		st.Commits, st.Refreshes, st.Dup, st.Backwards, st.Freeze, st.Leap, st.LeapConfirmed, st.LeapExpired)
	return err
}
