// Package supervisor owns the lifecycle of the speech recognizer: start and
// stop, automatic restart with exponential backoff, idle detection, proactive
// recycling, and escalation of repeated network failures to a fatal pause.
//
// The recognizer itself is reached only through the [Recognizer] capability
// interface. A [Factory] builds a fresh instance for every (re)start and
// hands it the [Handlers] it must call back into. Each instance is tagged
// with a generation; callbacks from an instance that was stopped, recycled,
// or replaced are dropped.
//
// Every state change is reported through the status handler. The handler is
// advisory: it is called outside the supervisor's lock and a panic inside it
// is recovered and logged.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/prompter/internal/clock"
	"github.com/MrWong99/prompter/internal/observe"
	"github.com/MrWong99/prompter/internal/resilience"
	"github.com/MrWong99/prompter/internal/timers"
	"github.com/MrWong99/prompter/pkg/types"
	"go.opentelemetry.io/otel/trace"
)

// Recognizer is one recognition session.
//
// After a successful Start the recognizer must call Handlers.OnEnd exactly
// once when recognition ends for any reason, including Stop and Abort.
// OnError, when called, precedes OnEnd.
type Recognizer interface {
	// Start begins recognition. An error means the session never started
	// and OnEnd will not be called.
	Start(ctx context.Context) error

	// Stop ends recognition gracefully, letting pending results flush.
	Stop() error

	// Abort ends recognition immediately, discarding pending results.
	Abort() error
}

// Handlers are the callbacks a [Recognizer] reports into. Any field may be
// nil.
type Handlers struct {
	OnResult func(types.Transcript)
	OnError  func(error)
	OnEnd    func()
}

// Factory builds a new, unstarted [Recognizer] bound to h.
type Factory func(h Handlers) (Recognizer, error)

// State is the supervisor's lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateStarting   State = "starting"
	StateListening  State = "listening"
	StateRestarting State = "restarting"
	StateFatal      State = "fatal"
)

// EventType names a status event.
type EventType string

const (
	EventState   EventType = "state"
	EventError   EventType = "error"
	EventRestart EventType = "restart"
	EventRecycle EventType = "recycle"
	EventFatal   EventType = "fatal"
	EventResume  EventType = "resume"
)

// Status is one lifecycle report.
type Status struct {
	Type  EventType
	State State

	// Kind and Err are set for EventError and EventFatal.
	Kind ErrorKind
	Err  error

	// Delay is the scheduled restart delay (EventRestart) or the time until
	// the automatic resume (EventFatal, zero when there is none).
	Delay time.Duration

	// Reason explains restarts and recycles ("ended", "start_failed",
	// "idle", "scheduled").
	Reason string

	Generation uint64
	At         time.Time
}

// Config holds the supervisor timings. Zero fields take the defaults noted.
type Config struct {
	// BackoffInitial is the first restart delay. Default: 200ms.
	BackoffInitial time.Duration

	// BackoffMax caps the doubling restart delay. Default: 3000ms.
	BackoffMax time.Duration

	// Heartbeat is the idle-check period. Default: 5s.
	Heartbeat time.Duration

	// Idle forces a recycle when no result arrived for this long.
	// Default: 15s.
	Idle time.Duration

	// Recycle is the proactive session lifetime. Default: 55s.
	Recycle time.Duration

	// NetworkErrorThreshold network errors without a quiet gap of
	// NetworkQuiet escalate to StateFatal. Default: 3.
	NetworkErrorThreshold int

	// NetworkQuiet resets the network-error count. Default: 60s.
	NetworkQuiet time.Duration

	// FatalBackoff is the wait before the single automatic resume after a
	// network escalation. Default: 30s.
	FatalBackoff time.Duration
}

// DefaultConfig returns the default timings.
func DefaultConfig() Config {
	var c Config
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	set := func(v *time.Duration, d time.Duration) {
		if *v <= 0 {
			*v = d
		}
	}
	set(&c.BackoffInitial, 200*time.Millisecond)
	set(&c.BackoffMax, 3000*time.Millisecond)
	set(&c.Heartbeat, 5*time.Second)
	set(&c.Idle, 15*time.Second)
	set(&c.Recycle, 55*time.Second)
	set(&c.NetworkQuiet, 60*time.Second)
	set(&c.FatalBackoff, 30*time.Second)
	if c.NetworkErrorThreshold <= 0 {
		c.NetworkErrorThreshold = 3
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = c.BackoffInitial
	}
}

// Timer keys used in the shared timer table.
const (
	keyRestart   timers.Key = "restart"
	keyHeartbeat timers.Key = "heartbeat"
	keyRecycle   timers.Key = "recycle"
	keyResume    timers.Key = "fatal_resume"
)

// Option is a functional option for configuring a [Supervisor].
type Option func(*Supervisor)

// WithTimers schedules through tab, typically the session's table, so that
// clearing the session clears the supervisor's timers too.
func WithTimers(tab *timers.Table) Option {
	return func(s *Supervisor) {
		s.timers = tab
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		s.log = l
	}
}

// WithTracer sets the tracer for the start, restart, and recycle spans.
// Default: observe.Tracer().
func WithTracer(tr trace.Tracer) Option {
	return func(s *Supervisor) {
		s.tracer = tr
	}
}

// WithStatusHandler registers fn for lifecycle reports.
func WithStatusHandler(fn func(Status)) Option {
	return func(s *Supervisor) {
		s.onStatus = fn
	}
}

// WithResultHandler registers fn for recognition results from the live
// recognizer instance.
func WithResultHandler(fn func(types.Transcript)) Option {
	return func(s *Supervisor) {
		s.onResult = fn
	}
}

// Supervisor runs one recognizer at a time. All methods are safe for
// concurrent use.
type Supervisor struct {
	factory  Factory
	clk      clock.Clock
	timers   *timers.Table
	log      *slog.Logger
	tracer   trace.Tracer
	onStatus func(Status)
	onResult func(types.Transcript)
	netErrs  *resilience.CircuitBreaker

	mu           sync.Mutex
	cfg          Config
	ctx          context.Context
	state        State
	shouldListen bool
	rec          Recognizer
	gen          uint64
	backoff      time.Duration
	lastResult   time.Time

	// deferred runs after mu is released, in order.
	deferred []func()
}

// New returns an idle supervisor. A nil clk means the wall clock.
func New(factory Factory, cfg Config, clk clock.Clock, opts ...Option) *Supervisor {
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.Real{}
	}
	s := &Supervisor{
		factory: factory,
		clk:     clk,
		log:     slog.Default(),
		cfg:     cfg,
		state:   StateIdle,
		backoff: cfg.BackoffInitial,
	}
	for _, o := range opts {
		o(s)
	}
	if s.timers == nil {
		s.timers = timers.New(clk)
	}
	if s.tracer == nil {
		s.tracer = observe.Tracer()
	}
	s.netErrs = newNetworkBreaker(cfg, clk)
	return s
}

func newNetworkBreaker(cfg Config, clk clock.Clock) *resilience.CircuitBreaker {
	return resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:          "recognizer-network",
		MaxFailures:   cfg.NetworkErrorThreshold,
		FailureWindow: cfg.NetworkQuiet,
		ResetTimeout:  cfg.FatalBackoff,
		HalfOpenMax:   1,
		Clock:         clk,
	})
}

// SetConfig replaces the timings. They apply from the next scheduled timer;
// the network-error count starts over.
func (s *Supervisor) SetConfig(cfg Config) {
	cfg.applyDefaults()
	s.mu.Lock()
	defer s.unlock()
	s.cfg = cfg
	s.netErrs = newNetworkBreaker(cfg, s.clk)
	if s.backoff > cfg.BackoffMax {
		s.backoff = cfg.BackoffMax
	}
}

// Start begins listening. It is a no-op while the supervisor is already
// starting, listening, or restarting. Starting from StateFatal clears the
// fatal pause.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.factory == nil {
		return ErrNoFactory
	}
	s.mu.Lock()
	if s.shouldListen && s.state != StateIdle && s.state != StateFatal {
		s.unlock()
		return nil
	}
	s.shouldListen = true
	s.ctx = ctx
	s.backoff = s.cfg.BackoffInitial
	s.netErrs.Reset()
	s.timers.Cancel(keyResume)
	gen := s.beginLocked()
	s.unlock()

	s.attempt(gen, observe.SpanRecognizerStart)
	return nil
}

// Stop ends listening: no further automatic restart happens, every
// supervisor timer is cancelled, and the live recognizer (if any) is
// stopped. Stop is idempotent.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	s.shouldListen = false
	s.cancelTimersLocked()
	s.timers.Cancel(keyResume)
	rec := s.rec
	s.rec = nil
	s.gen++
	if s.state != StateIdle {
		s.setStateLocked(StateIdle, "stopped")
	}
	s.unlock()

	if rec == nil {
		return nil
	}
	if err := rec.Stop(); err != nil {
		return fmt.Errorf("supervisor: stop recognizer: %w", err)
	}
	return nil
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Listening reports whether listening is desired, including while
// restarting or paused after a network escalation.
func (s *Supervisor) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shouldListen
}

// Generation returns the generation of the current recognizer instance.
func (s *Supervisor) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// NextBackoff returns the delay the next automatic restart would use.
func (s *Supervisor) NextBackoff() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backoff
}

// beginLocked starts a new generation in StateStarting.
func (s *Supervisor) beginLocked() uint64 {
	s.gen++
	s.rec = nil
	s.setStateLocked(StateStarting, "")
	return s.gen
}

// attempt builds and starts the recognizer for generation gen inside a span
// named op. The factory and Recognizer.Start run without the lock held.
func (s *Supervisor) attempt(gen uint64, op string) {
	s.mu.Lock()
	if gen != s.gen || !s.shouldListen {
		s.unlock()
		return
	}
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	s.unlock()

	ctx, span := s.tracer.Start(ctx, op, trace.WithAttributes(observe.AttrGeneration.Int64(int64(gen))))
	rec, err := s.factory(s.handlers(gen))
	if err == nil {
		err = rec.Start(ctx)
	}

	s.mu.Lock()
	if gen != s.gen || !s.shouldListen || s.state != StateStarting {
		s.unlock()
		if err == nil && rec != nil {
			_ = rec.Abort()
		}
		observe.EndSpan(span, "superseded", nil)
		return
	}
	if err != nil {
		s.failLocked(err, true)
		state := s.state
		s.unlock()
		observe.EndSpan(span, string(state), err)
		return
	}
	s.rec = rec
	s.lastResult = s.clk.Now()
	s.setStateLocked(StateListening, "")
	s.timers.Every(keyHeartbeat, s.cfg.Heartbeat, s.heartbeat)
	s.timers.After(keyRecycle, s.cfg.Recycle, func() { s.recycle("scheduled") })
	s.unlock()
	observe.EndSpan(span, string(StateListening), nil)
}

func (s *Supervisor) handlers(gen uint64) Handlers {
	return Handlers{
		OnResult: func(t types.Transcript) { s.handleResult(gen, t) },
		OnError:  func(err error) { s.handleError(gen, err) },
		OnEnd:    func() { s.handleEnd(gen) },
	}
}

func (s *Supervisor) handleResult(gen uint64, t types.Transcript) {
	s.mu.Lock()
	if gen != s.gen || !s.shouldListen || s.state == StateFatal {
		s.unlock()
		return
	}
	now := s.clk.Now()
	if t.ReceivedAt.IsZero() {
		t.ReceivedAt = now
	}
	s.lastResult = now
	s.backoff = s.cfg.BackoffInitial
	s.netErrs.RecordSuccess()
	fn := s.onResult
	s.unlock()

	if fn != nil {
		s.safely("result", func() { fn(t) })
	}
}

func (s *Supervisor) handleError(gen uint64, err error) {
	s.mu.Lock()
	defer s.unlock()
	if gen != s.gen || err == nil {
		return
	}
	s.failLocked(err, false)
}

func (s *Supervisor) handleEnd(gen uint64) {
	s.mu.Lock()
	defer s.unlock()
	if gen != s.gen {
		return
	}
	s.rec = nil
	switch {
	case !s.shouldListen:
		s.cancelTimersLocked()
		s.setStateLocked(StateIdle, "ended")
	case s.state == StateFatal:
	default:
		s.scheduleRestartLocked("ended")
	}
}

// failLocked reports err and escalates it. When restart is set (the start
// call itself failed) a non-fatal error schedules a restart; otherwise the
// recognizer's end callback decides.
func (s *Supervisor) failLocked(err error, restart bool) {
	kind := Classify(err)
	s.pushLocked(Status{Type: EventError, State: s.state, Kind: kind, Err: err})

	switch {
	case kind == KindNotAllowed:
		s.fatalLocked(err, kind, false)
	case kind == KindNetwork && s.netErrs.RecordFailure():
		s.fatalLocked(err, kind, true)
	case restart:
		s.scheduleRestartLocked("start_failed")
	}
}

func (s *Supervisor) scheduleRestartLocked(reason string) {
	d := s.backoff
	s.backoff = min(s.backoff*2, s.cfg.BackoffMax)
	s.rec = nil
	s.cancelTimersLocked()
	s.state = StateRestarting
	s.timers.After(keyRestart, d, s.restart)
	s.pushLocked(Status{Type: EventRestart, State: StateRestarting, Delay: d, Reason: reason})
}

func (s *Supervisor) restart() {
	s.mu.Lock()
	if !s.shouldListen || s.state != StateRestarting {
		s.unlock()
		return
	}
	gen := s.beginLocked()
	s.unlock()
	s.attempt(gen, observe.SpanRecognizerRestart)
}

// fatalLocked pauses listening. The live recognizer is aborted and its
// generation retired. With resume set, one automatic restart is scheduled
// after FatalBackoff; otherwise listening stays off until the next Start.
func (s *Supervisor) fatalLocked(err error, kind ErrorKind, resume bool) {
	rec := s.rec
	s.rec = nil
	s.gen++
	s.cancelTimersLocked()
	s.state = StateFatal

	var delay time.Duration
	if resume {
		delay = s.cfg.FatalBackoff
		s.timers.After(keyResume, delay, s.resume)
	} else {
		s.shouldListen = false
	}
	s.pushLocked(Status{Type: EventFatal, State: StateFatal, Kind: kind, Err: err, Delay: delay})

	if rec != nil {
		s.deferred = append(s.deferred, func() {
			if err := rec.Abort(); err != nil {
				s.log.Debug("supervisor: abort after fatal error", "err", err)
			}
		})
	}
}

func (s *Supervisor) resume() {
	s.mu.Lock()
	if s.state != StateFatal || !s.shouldListen {
		s.unlock()
		return
	}
	s.netErrs.Reset()
	s.backoff = s.cfg.BackoffInitial
	s.pushLocked(Status{Type: EventResume, State: StateFatal})
	gen := s.beginLocked()
	s.unlock()
	s.attempt(gen, observe.SpanRecognizerResume)
}

func (s *Supervisor) heartbeat() {
	s.mu.Lock()
	idle := s.state == StateListening && s.shouldListen &&
		s.clk.Now().Sub(s.lastResult) >= s.cfg.Idle
	s.unlock()
	if idle {
		s.recycle("idle")
	}
}

// recycle stops the live recognizer and lets its end callback restart it.
func (s *Supervisor) recycle(reason string) {
	s.mu.Lock()
	if s.state != StateListening || !s.shouldListen || s.rec == nil {
		s.unlock()
		return
	}
	rec, gen, ctx := s.rec, s.gen, s.ctx
	s.cancelTimersLocked()
	s.pushLocked(Status{Type: EventRecycle, State: StateListening, Reason: reason})
	s.unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	_, span := s.tracer.Start(ctx, observe.SpanRecognizerRecycle, trace.WithAttributes(
		observe.AttrReason.String(reason),
		observe.AttrGeneration.Int64(int64(gen)),
	))
	err := rec.Stop()
	if err != nil {
		// No end callback is coming; restart directly.
		s.log.Warn("supervisor: recycle stop failed", "err", err)
		s.handleEnd(gen)
	}
	observe.EndSpan(span, "", err)
}

func (s *Supervisor) cancelTimersLocked() {
	s.timers.Cancel(keyRestart)
	s.timers.Cancel(keyHeartbeat)
	s.timers.Cancel(keyRecycle)
}

func (s *Supervisor) setStateLocked(st State, reason string) {
	s.state = st
	s.pushLocked(Status{Type: EventState, State: st, Reason: reason})
}

// pushLocked queues st for delivery once the lock is released.
func (s *Supervisor) pushLocked(st Status) {
	st.Generation = s.gen
	st.At = s.clk.Now()
	s.deferred = append(s.deferred, func() { s.emit(st) })
}

// unlock releases mu and runs the work queued while it was held.
func (s *Supervisor) unlock() {
	work := s.deferred
	s.deferred = nil
	s.mu.Unlock()
	for _, f := range work {
		f()
	}
}

func (s *Supervisor) emit(st Status) {
	switch st.Type {
	case EventFatal:
		s.log.Error("supervisor: listening paused", "kind", st.Kind, "err", st.Err, "resume_in", st.Delay)
	case EventError:
		s.log.Warn("supervisor: recognizer error", "kind", st.Kind, "err", st.Err)
	case EventRestart:
		s.log.Info("supervisor: restart scheduled", "delay", st.Delay, "reason", st.Reason)
	default:
		s.log.Debug("supervisor: status", "type", st.Type, "state", st.State, "reason", st.Reason, "generation", st.Generation)
	}
	if s.onStatus != nil {
		s.safely("status", func() { s.onStatus(st) })
	}
}

func (s *Supervisor) safely(what string, f func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("supervisor: handler panicked", "handler", what, "panic", r)
		}
	}()
	f()
}
