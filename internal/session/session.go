// Package session holds the session-scoped alignment context: the script
// index, the commit guard, the speed controller, and the rolling spoken
// window, all owned by one [Session] created when listening starts and reset
// when it ends.
//
// Transcript events flow in through [Session.HandleTranscript]; scroll error
// reports flow in through [Session.Tick]. Accepted commits, speed directives,
// and guard counters flow out on the event bus. Matching runs outside the
// session lock against an immutable index snapshot; a result computed for an
// older generation (the session was reset or the script replaced in between)
// is discarded.
package session

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/prompter/internal/bus"
	"github.com/MrWong99/prompter/internal/clock"
	"github.com/MrWong99/prompter/internal/controller"
	"github.com/MrWong99/prompter/internal/guard"
	"github.com/MrWong99/prompter/internal/matcher"
	"github.com/MrWong99/prompter/internal/observe"
	"github.com/MrWong99/prompter/internal/script"
	"github.com/MrWong99/prompter/internal/similarity"
	"github.com/MrWong99/prompter/internal/textnorm"
	"github.com/MrWong99/prompter/internal/timers"
	"github.com/MrWong99/prompter/pkg/types"
	"go.opentelemetry.io/otel/trace"
)

// Transcript outcomes recorded in metrics.
const (
	outcomeMatched   = "matched"
	outcomeUnmatched = "unmatched"
	outcomeThrottled = "throttled"
	outcomeStale     = "stale"
	outcomeInactive  = "inactive"
	outcomeEmpty     = "empty"
)

// keywordBoost is the boost attached to script names sent to the recognizer.
const keywordBoost = 2

// Config is the session tuning. Zero fields take the defaults noted; the
// nested blocks apply their own defaults.
type Config struct {
	Matcher    matcher.Config
	Guard      guard.Config
	Controller controller.Config

	// SpokenWindow is how many trailing tokens are matched. Default: 12.
	SpokenWindow int

	// PartialInterval throttles partial transcripts. Finals are never
	// throttled. Default: 150ms.
	PartialInterval time.Duration

	// NoCommitHold is how long after the last commit the controller keeps
	// using the match confidence; past it, ongoing speech holds the speed.
	// Default: 1200ms.
	NoCommitHold time.Duration

	// LagWidenPx is the |scroll error| above which the matcher widens its
	// band. Default: 120.
	LagWidenPx float64
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	var c Config
	c.applyDefaults()
	c.Matcher = matcher.DefaultConfig()
	c.Guard = guard.DefaultConfig()
	c.Controller = controller.DefaultConfig()
	return c
}

func (c *Config) applyDefaults() {
	if c.SpokenWindow <= 0 {
		c.SpokenWindow = 12
	}
	if c.PartialInterval <= 0 {
		c.PartialInterval = 150 * time.Millisecond
	}
	if c.NoCommitHold <= 0 {
		c.NoCommitHold = 1200 * time.Millisecond
	}
	if c.LagWidenPx <= 0 {
		c.LagWidenPx = 120
	}
}

// Option is a functional option for configuring a [Session].
type Option func(*Session)

// WithBus publishes commit, speed, and stats events to b.
func WithBus(b *bus.Bus) Option {
	return func(s *Session) {
		s.bus = b
	}
}

// WithTimers schedules through tab. The supervisor should share the same
// table so that [Session.End] clears every timer at once.
func WithTimers(tab *timers.Table) Option {
	return func(s *Session) {
		s.timers = tab
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		s.log = l
	}
}

// WithMetrics sets the metric instruments. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// WithTracer sets the tracer for the transcript and nudge spans.
// Default: observe.Tracer().
func WithTracer(tr trace.Tracer) Option {
	return func(s *Session) {
		s.tracer = tr
	}
}

// WithScorer sets the entity-bonus scorer. Default: similarity.New().
func WithScorer(sc *similarity.Scorer) Option {
	return func(s *Session) {
		s.scorer = sc
	}
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	ID          string
	Active      bool
	Generation  uint64
	Words       int
	Current     int
	Line        int
	Progress    float64
	PendingLeap int
	HasPending  bool
	Bias        float64
	State       string
	Stats       guard.Stats
}

// Session is one alignment context. All methods are safe for concurrent use.
type Session struct {
	id      string
	clk     clock.Clock
	timers  *timers.Table
	bus     *bus.Bus
	log     *slog.Logger
	metrics *observe.Metrics
	tracer  trace.Tracer
	scorer  *similarity.Scorer

	guard *guard.Guard
	ctrl  *controller.Controller

	mu          sync.Mutex
	cfg         Config
	idx         *script.Index
	matcher     *matcher.Matcher
	gen         uint64
	active      bool
	finalTail   []string
	lastPartial time.Time
	lastSpeech  time.Time
	lastConf    float64
	widen       bool
}

// New returns an inactive session with an empty script. A nil clk means the
// wall clock.
func New(id string, cfg Config, clk clock.Clock, opts ...Option) *Session {
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.Real{}
	}
	s := &Session{
		id:  id,
		clk: clk,
		log: slog.Default(),
		cfg: cfg,
		idx: script.Parse(""),
	}
	for _, o := range opts {
		o(s)
	}
	if s.timers == nil {
		s.timers = timers.New(clk)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.tracer == nil {
		s.tracer = observe.Tracer()
	}
	if s.scorer == nil {
		s.scorer = similarity.New()
	}
	s.log = s.log.With("session_id", id)
	s.guard = guard.New(cfg.Guard, clk, guard.WithTimers(s.timers), guard.WithLogger(s.log))
	s.ctrl = controller.New(cfg.Controller)
	s.matcher = matcher.New(cfg.Matcher, s.scorer)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Timers returns the session's timer table.
func (s *Session) Timers() *timers.Table { return s.timers }

// LoadScript replaces the script index. The guard and controller are reset
// and in-flight matches against the previous script are discarded.
func (s *Session) LoadScript(idx *script.Index) {
	if idx == nil {
		idx = script.Parse("")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idx = idx
	s.gen++
	s.resetLocked()
	if s.active {
		s.ctrl.Start(s.clk.Now())
	}
	s.log.Info("session: script loaded", "words", idx.Len(), "lines", len(idx.Lines), "names", len(idx.Names))
}

// Keywords returns the script's names as recognizer keyword boosts.
func (s *Session) Keywords() []types.KeywordBoost {
	s.mu.Lock()
	names := s.idx.Names
	s.mu.Unlock()
	out := make([]types.KeywordBoost, 0, len(names))
	for _, n := range names {
		out = append(out, types.KeywordBoost{Keyword: n, Boost: keywordBoost})
	}
	return out
}

// Begin starts a new listening run from the top of the script.
func (s *Session) Begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return
	}
	s.active = true
	s.gen++
	s.resetLocked()
	s.ctrl.Start(s.clk.Now())
	s.metrics.ActiveSessions.Add(context.Background(), 1)
	s.log.Info("session: begin", "generation", s.gen)
}

// End stops the run: every session timer is cleared, and the current
// index, pending leap, and controller state return to their initial values.
// Callbacks already in flight become no-ops.
func (s *Session) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	s.active = false
	s.gen++
	s.timers.ClearAll()
	s.resetLocked()
	s.ctrl.Reset()
	s.metrics.ActiveSessions.Add(context.Background(), -1)
	s.log.Info("session: end", "generation", s.gen)
}

func (s *Session) resetLocked() {
	s.guard.Reset(0)
	s.finalTail = nil
	s.lastPartial = time.Time{}
	s.lastSpeech = time.Time{}
	s.lastConf = 0
	s.widen = false
}

// UpdateTuning applies new tuning to the live session without resetting
// its position.
func (s *Session) UpdateTuning(cfg Config) {
	cfg.applyDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.matcher = matcher.New(cfg.Matcher, s.scorer)
	s.guard.SetConfig(cfg.Guard)
	s.ctrl.SetConfig(cfg.Controller)
	if len(s.finalTail) > cfg.SpokenWindow {
		s.finalTail = s.finalTail[len(s.finalTail)-cfg.SpokenWindow:]
	}
	s.log.Info("session: tuning updated")
}

// HandleTranscript matches one recognizer result against the script and
// offers the best candidate to the guard. It never fails; events that
// cannot be used are counted and dropped. Each call runs in its own span, and
// a commit it produces carries the span's trace ID.
func (s *Session) HandleTranscript(ctx context.Context, t types.Transcript) {
	toks := textnorm.NormalizeTokens(t.Text)
	now := s.clk.Now()

	ctx, span := s.tracer.Start(ctx, observe.SpanTranscript, trace.WithAttributes(
		observe.AttrSessionID.String(s.id),
		observe.AttrFinal.Bool(t.IsFinal),
		observe.AttrTokens.Int(len(toks)),
	))
	outcome := outcomeMatched
	defer func() { observe.EndSpan(span, outcome, nil) }()
	drop := func(o string) {
		outcome = o
		s.metrics.RecordTranscript(ctx, t.IsFinal, o)
	}

	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		drop(outcomeInactive)
		return
	}
	if len(toks) == 0 {
		s.mu.Unlock()
		drop(outcomeEmpty)
		return
	}
	s.lastSpeech = now
	if !t.IsFinal {
		if !s.lastPartial.IsZero() && now.Sub(s.lastPartial) < s.cfg.PartialInterval {
			s.mu.Unlock()
			drop(outcomeThrottled)
			return
		}
		s.lastPartial = now
	}

	spoken := tail(append(append([]string(nil), s.finalTail...), toks...), s.cfg.SpokenWindow)
	if t.IsFinal {
		s.finalTail = spoken
	}
	gen, idx, m, widen := s.gen, s.idx, s.matcher, s.widen
	q := matcher.Query{Tokens: spoken, Text: t.Text, Current: s.guard.Current(), Widen: widen}
	s.mu.Unlock()

	start := time.Now()
	res := m.Match(idx, q)
	s.metrics.RecordMatch(ctx, time.Since(start).Seconds(), res.BestSim)
	span.SetAttributes(observe.AttrIndex.Int(res.BestIdx), observe.AttrScore.Float64(res.BestSim))

	s.mu.Lock()
	if gen != s.gen || !s.active {
		s.mu.Unlock()
		drop(outcomeStale)
		s.log.Debug("session: stale match discarded", "generation", gen)
		return
	}
	if !res.Matched(m.Config().MinScore) {
		s.mu.Unlock()
		drop(outcomeUnmatched)
		return
	}
	s.lastConf = res.BestSim
	d := s.guard.Allow(res.BestIdx, res.BestSim)
	stats := s.guard.Stats()
	s.mu.Unlock()

	s.metrics.RecordTranscript(ctx, t.IsFinal, outcomeMatched)
	if d.Accept {
		kind := commitKind(d.Commit)
		span.SetAttributes(observe.AttrReason.String(kind))
		s.metrics.RecordCommit(ctx, kind)
		s.publishCommit(ctx, idx, d.Commit)
	} else {
		span.SetAttributes(observe.AttrReason.String(string(d.Reason)))
		s.metrics.RecordSuppressed(ctx, string(d.Reason))
		s.log.Debug("session: candidate suppressed", "index", res.BestIdx, "score", res.BestSim, "reason", d.Reason)
	}
	s.publish(bus.Event{Kind: bus.KindStats, Stats: statsEvent(stats)})
}

// Tick feeds one scroll-error report (spoken position minus displayed
// position, in px) to the controller and publishes the resulting speed
// directive. It returns false when the session is inactive.
func (s *Session) Tick(ctx context.Context, errPx float64) (controller.Output, bool) {
	now := s.clk.Now()

	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return controller.Output{}, false
	}
	s.widen = math.Abs(errPx) > s.cfg.LagWidenPx
	progress := s.idx.Progress(s.guard.Current())
	since, committed := s.guard.SinceCommit()
	speaking := !s.lastSpeech.IsZero() && now.Sub(s.lastSpeech) < s.cfg.NoCommitHold

	var out controller.Output
	switch {
	case committed && since <= s.cfg.NoCommitHold:
		out = s.ctrl.Tick(controller.Sample{ErrPx: errPx, Conf: s.lastConf, T: now, Progress: progress})
	case speaking:
		out = s.ctrl.Hold(now)
	default:
		out = s.ctrl.Tick(controller.Sample{ErrPx: errPx, T: now, Progress: progress})
	}
	s.mu.Unlock()

	s.metrics.RecordDirective(ctx, out.Bias, out.Speed, out.State.String())
	s.publishSpeed(out)
	return out, true
}

// Nudge re-anchors the session at word idx, in either direction.
func (s *Session) Nudge(ctx context.Context, idx int) {
	ctx, span := s.tracer.Start(ctx, observe.SpanNudge, trace.WithAttributes(
		observe.AttrSessionID.String(s.id),
		observe.AttrIndex.Int(idx),
	))
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		observe.EndSpan(span, outcomeInactive, nil)
		return
	}
	sidx := s.idx
	c := s.guard.Nudge(sidx.Clamp(idx))
	s.finalTail = nil
	s.mu.Unlock()

	s.metrics.RecordCommit(ctx, commitKind(c))
	s.publishCommit(ctx, sidx, c)
	observe.EndSpan(span, "nudge", nil)
}

// ManualSpeed overrides the base scroll speed.
func (s *Session) ManualSpeed(pxPerSec float64) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	out := s.ctrl.Manual(pxPerSec, s.clk.Now())
	s.mu.Unlock()
	s.log.Info("session: manual speed", "px_per_sec", pxPerSec)
	s.publishSpeed(out)
}

// Snapshot returns the current session view.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.guard.Current()
	snap := Snapshot{
		ID:         s.id,
		Active:     s.active,
		Generation: s.gen,
		Words:      s.idx.Len(),
		Current:    cur,
		Line:       -1,
		Progress:   s.idx.Progress(cur),
		Bias:       s.ctrl.Bias(),
		State:      s.ctrl.State().String(),
		Stats:      s.guard.Stats(),
	}
	if l, ok := s.idx.LineAt(cur); ok {
		snap.Line = l.Key
	}
	snap.PendingLeap, snap.HasPending = s.guard.PendingLeap()
	return snap
}

// Commits returns the guard's in-memory commit log for this run.
func (s *Session) Commits() []guard.Commit {
	return s.guard.Commits()
}

func (s *Session) publishCommit(ctx context.Context, idx *script.Index, c guard.Commit) {
	ev := &bus.Commit{
		TraceID:  observe.CorrelationID(ctx),
		Index:    c.Index,
		Prev:     c.Prev,
		Line:     -1,
		Score:    c.Score,
		Progress: idx.Progress(c.Index),
		Leap:     c.Leap,
		Refresh:  c.Refresh,
		Nudged:   c.Nudged,
	}
	if l, ok := idx.LineAt(c.Index); ok {
		ev.Line = l.Key
		ev.LineStart = l.Start
		ev.Speaker = l.Speaker
	}
	s.publish(bus.Event{Kind: bus.KindCommit, At: c.At, Commit: ev})
}

func (s *Session) publishSpeed(out controller.Output) {
	s.publish(bus.Event{Kind: bus.KindSpeed, Speed: &bus.Speed{
		PxPerSec: out.Speed,
		Bias:     out.Bias,
		Ramp:     out.Ramp,
		State:    out.State.String(),
	}})
}

func (s *Session) publish(ev bus.Event) {
	if s.bus == nil {
		return
	}
	ev.Session = s.id
	if ev.At.IsZero() {
		ev.At = s.clk.Now()
	}
	s.bus.Publish(ev)
}

func commitKind(c guard.Commit) string {
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

func statsEvent(st guard.Stats) *bus.Stats {
	return &bus.Stats{
		Commits:       st.Commits,
		Refreshes:     st.Refreshes,
		Dup:           st.Dup,
		Backwards:     st.Backwards,
		Freeze:        st.Freeze,
		Leap:          st.Leap,
		LeapConfirmed: st.LeapConfirmed,
		LeapExpired:   st.LeapExpired,
	}
}

// tail returns the last n tokens of toks.
func tail(toks []string, n int) []string {
	if len(toks) <= n {
		return toks
	}
	return toks[len(toks)-n:]
}
