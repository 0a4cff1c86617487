package commitlog

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/prompter/internal/bus"
	"github.com/MrWong99/prompter/internal/clock"
	"github.com/MrWong99/prompter/internal/observe"
	"github.com/MrWong99/prompter/internal/resilience"
)

// RecorderOption is a functional option for configuring a [Recorder].
type RecorderOption func(*Recorder)

// WithRecorderLogger sets the logger. Default: slog.Default().
func WithRecorderLogger(l *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		r.log = l
	}
}

// WithRecorderMetrics sets the metric instruments. Default:
// observe.DefaultMetrics().
func WithRecorderMetrics(m *observe.Metrics) RecorderOption {
	return func(r *Recorder) {
		r.metrics = m
	}
}

// WithRecorderClock sets the clock used by the write breaker.
func WithRecorderClock(clk clock.Clock) RecorderOption {
	return func(r *Recorder) {
		r.clk = clk
	}
}

// WithBuffer sets how many commits may queue ahead of the store. Default: 256.
func WithBuffer(n int) RecorderOption {
	return func(r *Recorder) {
		r.buf = n
	}
}

// WithWriteTimeout bounds each Append. Default: 2s.
func WithWriteTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		r.timeout = d
	}
}

// Recorder copies commit events from the bus into a [Store]. Writes happen
// on the recorder's goroutine; when the queue is full the bus drops events
// instead of blocking the publisher. Repeated write failures open a circuit
// breaker and commits are skipped until it lets a probe through.
type Recorder struct {
	store   Store
	sub     *bus.Subscription
	log     *slog.Logger
	metrics *observe.Metrics
	clk     clock.Clock
	breaker *resilience.CircuitBreaker
	buf     int
	timeout time.Duration

	written atomic.Int64
	skipped atomic.Int64
	failed  atomic.Int64
}

// NewRecorder subscribes to commit events on b. Call [Recorder.Run] to start
// writing.
func NewRecorder(store Store, b *bus.Bus, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:   store,
		log:     slog.Default(),
		buf:     256,
		timeout: 2 * time.Second,
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	if r.clk == nil {
		r.clk = clock.Real{}
	}
	r.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "commitlog",
		MaxFailures:  3,
		ResetTimeout: 10 * time.Second,
		HalfOpenMax:  1,
		Clock:        r.clk,
	})
	r.sub = b.Subscribe(r.buf, bus.KindCommit)
	return r
}

// Run writes commits until ctx is done or the bus closes. It always returns
// nil; write failures are logged and counted.
func (r *Recorder) Run(ctx context.Context) error {
	defer r.sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-r.sub.C():
			if !ok {
				return nil
			}
			r.write(ctx, ev)
		}
	}
}

func (r *Recorder) write(ctx context.Context, ev bus.Event) {
	e, ok := EntryFromEvent(ev)
	if !ok {
		return
	}
	err := r.breaker.Execute(func() error {
		wctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		return r.store.Append(wctx, e)
	})
	switch {
	case err == nil:
		r.written.Add(1)
	case errors.Is(err, resilience.ErrCircuitOpen):
		r.skipped.Add(1)
		r.log.Debug("commitlog: breaker open, commit skipped", "session_id", e.SessionID, "index", e.Index)
	default:
		r.failed.Add(1)
		r.metrics.CommitLogErrors.Add(ctx, 1)
		r.log.Warn("commitlog: append failed", "session_id", e.SessionID, "index", e.Index, "err", err)
	}
}

// Written returns how many commits were stored.
func (r *Recorder) Written() int64 { return r.written.Load() }

// Skipped returns how many commits were skipped while the breaker was open.
func (r *Recorder) Skipped() int64 { return r.skipped.Load() }

// Failed returns how many appends returned an error.
func (r *Recorder) Failed() int64 { return r.failed.Load() }
