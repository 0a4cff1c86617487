package supervisor_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/prompter/internal/clock"
	"github.com/MrWong99/prompter/internal/observe"
	"github.com/MrWong99/prompter/internal/supervisor"
	"github.com/MrWong99/prompter/internal/timers"
	"github.com/MrWong99/prompter/pkg/provider/stt"
	"github.com/MrWong99/prompter/pkg/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// fakeRecognizer records lifecycle calls. Stop ends recognition
// synchronously, like an engine that reports its end right away.
type fakeRecognizer struct {
	h        supervisor.Handlers
	startErr error
	stopErr  error

	mu      sync.Mutex
	started int
	stopped int
	aborted int
}

func (r *fakeRecognizer) Start(context.Context) error {
	r.mu.Lock()
	r.started++
	r.mu.Unlock()
	return r.startErr
}

func (r *fakeRecognizer) Stop() error {
	r.mu.Lock()
	r.stopped++
	r.mu.Unlock()
	if r.stopErr != nil {
		return r.stopErr
	}
	r.h.OnEnd()
	return nil
}

func (r *fakeRecognizer) Abort() error {
	r.mu.Lock()
	r.aborted++
	r.mu.Unlock()
	return nil
}

func (r *fakeRecognizer) counts() (started, stopped, aborted int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started, r.stopped, r.aborted
}

// fakeFactory hands out fakeRecognizers; startErrs are consumed in order.
type fakeFactory struct {
	mu        sync.Mutex
	recs      []*fakeRecognizer
	startErrs []error
}

func (f *fakeFactory) New(h supervisor.Handlers) (supervisor.Recognizer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := &fakeRecognizer{h: h}
	if len(f.startErrs) > 0 {
		r.startErr = f.startErrs[0]
		f.startErrs = f.startErrs[1:]
	}
	f.recs = append(f.recs, r)
	return r, nil
}

func (f *fakeFactory) last() *fakeRecognizer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recs[len(f.recs)-1]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.recs)
}

type statusLog struct {
	mu  sync.Mutex
	evs []supervisor.Status
}

func (l *statusLog) add(st supervisor.Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evs = append(l.evs, st)
}

func (l *statusLog) of(typ supervisor.EventType) []supervisor.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []supervisor.Status
	for _, ev := range l.evs {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	sup     *supervisor.Supervisor
	clk     *clock.Manual
	factory *fakeFactory
	status  *statusLog
	results *[]types.Transcript
}

func newHarness(t *testing.T, cfg supervisor.Config, opts ...supervisor.Option) *harness {
	t.Helper()
	clk := clock.NewManual(epoch)
	f := &fakeFactory{}
	log := &statusLog{}
	var mu sync.Mutex
	results := []types.Transcript{}
	opts = append([]supervisor.Option{
		supervisor.WithTimers(timers.New(clk)),
		supervisor.WithStatusHandler(log.add),
		supervisor.WithResultHandler(func(tr types.Transcript) {
			mu.Lock()
			defer mu.Unlock()
			results = append(results, tr)
		}),
	}, opts...)
	sup := supervisor.New(f.New, cfg, clk, opts...)
	return &harness{sup: sup, clk: clk, factory: f, status: log, results: &results}
}

// quiet disables the idle and recycle timers for tests about other rules.
var quiet = supervisor.Config{Idle: time.Hour, Recycle: time.Hour, Heartbeat: time.Hour}

func TestSupervisor_RestartBackoffDoubles(t *testing.T) {
	t.Parallel()

	h := newHarness(t, quiet)
	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if h.sup.State() != supervisor.StateListening {
		t.Fatalf("state = %v, want listening", h.sup.State())
	}

	var delays []time.Duration
	for i := 0; i < 3; i++ {
		h.factory.last().h.OnEnd()
		evs := h.status.of(supervisor.EventRestart)
		d := evs[len(evs)-1].Delay
		delays = append(delays, d)
		if h.sup.State() != supervisor.StateRestarting {
			t.Fatalf("state after end %d = %v, want restarting", i, h.sup.State())
		}
		h.clk.Advance(d)
		if h.sup.State() != supervisor.StateListening {
			t.Fatalf("state after restart %d = %v, want listening", i, h.sup.State())
		}
	}

	want := []time.Duration{200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}
	if !slices.Equal(delays, want) {
		t.Errorf("restart delays = %v, want %v", delays, want)
	}
	if h.factory.count() != 4 {
		t.Errorf("recognizers built = %d, want 4", h.factory.count())
	}
}

func TestSupervisor_BackoffCapsAndResetsOnResult(t *testing.T) {
	t.Parallel()

	h := newHarness(t, quiet)
	_ = h.sup.Start(context.Background())
	for i := 0; i < 8; i++ {
		h.factory.last().h.OnEnd()
		h.clk.Advance(5 * time.Second)
	}
	if got := h.sup.NextBackoff(); got != 3000*time.Millisecond {
		t.Errorf("NextBackoff after many restarts = %v, want 3s", got)
	}

	h.factory.last().h.OnResult(types.Transcript{Text: "hello"})
	if got := h.sup.NextBackoff(); got != 200*time.Millisecond {
		t.Errorf("NextBackoff after result = %v, want 200ms", got)
	}
	if len(*h.results) != 1 || (*h.results)[0].ReceivedAt.IsZero() {
		t.Errorf("results = %+v, want one stamped result", *h.results)
	}
}

func TestSupervisor_StartIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, quiet)
	_ = h.sup.Start(context.Background())
	_ = h.sup.Start(context.Background())
	if h.factory.count() != 1 {
		t.Errorf("recognizers built = %d, want 1", h.factory.count())
	}
}

func TestSupervisor_NoFactory(t *testing.T) {
	t.Parallel()

	sup := supervisor.New(nil, supervisor.Config{}, clock.NewManual(epoch))
	if err := sup.Start(context.Background()); !errors.Is(err, supervisor.ErrNoFactory) {
		t.Errorf("Start = %v, want ErrNoFactory", err)
	}
}

func TestSupervisor_StartFailureRetries(t *testing.T) {
	t.Parallel()

	h := newHarness(t, quiet)
	h.factory.startErrs = []error{errors.New("engine busy"), nil}

	_ = h.sup.Start(context.Background())
	if h.sup.State() != supervisor.StateRestarting {
		t.Fatalf("state = %v, want restarting", h.sup.State())
	}
	errs := h.status.of(supervisor.EventError)
	if len(errs) != 1 || errs[0].Kind != supervisor.KindOther {
		t.Errorf("error events = %+v", errs)
	}
	restarts := h.status.of(supervisor.EventRestart)
	if len(restarts) != 1 || restarts[0].Reason != "start_failed" || restarts[0].Delay != 200*time.Millisecond {
		t.Errorf("restart events = %+v", restarts)
	}

	h.clk.Advance(200 * time.Millisecond)
	if h.sup.State() != supervisor.StateListening {
		t.Errorf("state after retry = %v, want listening", h.sup.State())
	}
}

func TestSupervisor_StopPreventsRestart(t *testing.T) {
	t.Parallel()

	h := newHarness(t, quiet)
	_ = h.sup.Start(context.Background())
	first := h.factory.last()
	first.h.OnEnd()

	if err := h.sup.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := h.sup.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	h.clk.Advance(10 * time.Second)

	if h.factory.count() != 1 {
		t.Errorf("recognizers built after Stop = %d, want 1", h.factory.count())
	}
	if h.sup.State() != supervisor.StateIdle || h.sup.Listening() {
		t.Errorf("state = %v listening = %v, want idle/false", h.sup.State(), h.sup.Listening())
	}
	if h.clk.Pending() != 0 {
		t.Errorf("pending timers after Stop = %d, want 0", h.clk.Pending())
	}
}

func TestSupervisor_StopStopsRecognizerAndDropsLateCallbacks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, quiet)
	_ = h.sup.Start(context.Background())
	rec := h.factory.last()

	if err := h.sup.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, stopped, _ := rec.counts(); stopped != 1 {
		t.Errorf("recognizer stopped %d times, want 1", stopped)
	}

	rec.h.OnResult(types.Transcript{Text: "late"})
	rec.h.OnError(errors.New("late"))
	rec.h.OnEnd()
	if len(*h.results) != 0 {
		t.Errorf("late result delivered: %+v", *h.results)
	}
	if len(h.status.of(supervisor.EventRestart)) != 0 {
		t.Error("late end scheduled a restart")
	}
}

func TestSupervisor_StaleGenerationIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t, quiet)
	_ = h.sup.Start(context.Background())
	old := h.factory.last()
	old.h.OnEnd()
	h.clk.Advance(200 * time.Millisecond)

	gen := h.sup.Generation()
	old.h.OnEnd()
	old.h.OnResult(types.Transcript{Text: "stale"})
	if h.sup.State() != supervisor.StateListening || h.sup.Generation() != gen {
		t.Errorf("stale callbacks changed state: %v gen %d (want %d)", h.sup.State(), h.sup.Generation(), gen)
	}
	if len(*h.results) != 0 {
		t.Error("stale result delivered")
	}
}

func TestSupervisor_NetworkErrorsEscalate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, quiet)
	_ = h.sup.Start(context.Background())
	netErr := &supervisor.RecognizerError{Kind: supervisor.KindNetwork, Err: errors.New("socket reset")}

	for i := 0; i < 2; i++ {
		h.factory.last().h.OnError(netErr)
		h.factory.last().h.OnEnd()
		h.clk.Advance(3 * time.Second)
	}
	if h.sup.State() == supervisor.StateFatal {
		t.Fatal("fatal after two network errors")
	}

	rec := h.factory.last()
	rec.h.OnError(netErr)
	if h.sup.State() != supervisor.StateFatal {
		t.Fatalf("state after third network error = %v, want fatal", h.sup.State())
	}
	if _, _, aborted := rec.counts(); aborted != 1 {
		t.Errorf("live recognizer aborted %d times, want 1", aborted)
	}
	fatal := h.status.of(supervisor.EventFatal)
	if len(fatal) != 1 || fatal[0].Delay != 30*time.Second || fatal[0].Kind != supervisor.KindNetwork {
		t.Errorf("fatal events = %+v", fatal)
	}

	// The aborted instance's end is ignored: no restart while paused.
	rec.h.OnEnd()
	built := h.factory.count()
	h.clk.Advance(29 * time.Second)
	if h.factory.count() != built {
		t.Fatal("restarted before the fatal backoff elapsed")
	}

	h.clk.Advance(time.Second)
	if len(h.status.of(supervisor.EventResume)) != 1 {
		t.Error("no resume event")
	}
	if h.sup.State() != supervisor.StateListening || h.factory.count() != built+1 {
		t.Errorf("after resume: state %v, built %d", h.sup.State(), h.factory.count())
	}
}

func TestSupervisor_NetworkQuietResetsCount(t *testing.T) {
	t.Parallel()

	h := newHarness(t, quiet)
	_ = h.sup.Start(context.Background())
	netErr := &supervisor.RecognizerError{Kind: supervisor.KindNetwork}

	h.factory.last().h.OnError(netErr)
	h.factory.last().h.OnError(netErr)
	h.clk.Advance(61 * time.Second)
	h.factory.last().h.OnError(netErr)

	if h.sup.State() == supervisor.StateFatal {
		t.Error("fatal although the errors were separated by a quiet minute")
	}
}

func TestSupervisor_ResultResetsNetworkCount(t *testing.T) {
	t.Parallel()

	h := newHarness(t, quiet)
	_ = h.sup.Start(context.Background())
	netErr := &supervisor.RecognizerError{Kind: supervisor.KindNetwork}
	rec := h.factory.last()

	rec.h.OnError(netErr)
	rec.h.OnError(netErr)
	rec.h.OnResult(types.Transcript{Text: "back"})
	rec.h.OnError(netErr)
	if h.sup.State() == supervisor.StateFatal {
		t.Error("fatal although a result arrived between the errors")
	}
}

func TestSupervisor_NotAllowedIsFatalWithoutResume(t *testing.T) {
	t.Parallel()

	h := newHarness(t, quiet)
	_ = h.sup.Start(context.Background())
	h.factory.last().h.OnError(fmt.Errorf("dial: %w", stt.ErrUnauthorized))

	if h.sup.State() != supervisor.StateFatal || h.sup.Listening() {
		t.Fatalf("state = %v listening = %v, want fatal/false", h.sup.State(), h.sup.Listening())
	}
	fatal := h.status.of(supervisor.EventFatal)
	if len(fatal) != 1 || fatal[0].Delay != 0 || fatal[0].Kind != supervisor.KindNotAllowed {
		t.Errorf("fatal events = %+v", fatal)
	}

	built := h.factory.count()
	h.clk.Advance(time.Minute)
	if h.factory.count() != built {
		t.Error("resumed automatically after not-allowed")
	}

	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatalf("Start after fatal: %v", err)
	}
	if h.sup.State() != supervisor.StateListening {
		t.Errorf("state after manual start = %v, want listening", h.sup.State())
	}
}

func TestSupervisor_HeartbeatRecyclesIdleRecognizer(t *testing.T) {
	t.Parallel()

	h := newHarness(t, supervisor.Config{Recycle: time.Hour})
	_ = h.sup.Start(context.Background())
	rec := h.factory.last()

	h.clk.Advance(10 * time.Second)
	if _, stopped, _ := rec.counts(); stopped != 0 {
		t.Fatal("recycled before the idle limit")
	}

	h.clk.Advance(5 * time.Second)
	if _, stopped, _ := rec.counts(); stopped != 1 {
		t.Fatalf("stopped %d times after 15s idle, want 1", stopped)
	}
	rec0 := h.status.of(supervisor.EventRecycle)
	if len(rec0) != 1 || rec0[0].Reason != "idle" {
		t.Errorf("recycle events = %+v", rec0)
	}

	h.clk.Advance(200 * time.Millisecond)
	if h.factory.count() != 2 || h.sup.State() != supervisor.StateListening {
		t.Errorf("after recycle: built %d, state %v", h.factory.count(), h.sup.State())
	}
}

func TestSupervisor_ResultsKeepHeartbeatQuiet(t *testing.T) {
	t.Parallel()

	h := newHarness(t, supervisor.Config{Recycle: time.Hour})
	_ = h.sup.Start(context.Background())
	rec := h.factory.last()

	for i := 0; i < 10; i++ {
		h.clk.Advance(4 * time.Second)
		rec.h.OnResult(types.Transcript{Text: "still talking"})
	}
	if _, stopped, _ := rec.counts(); stopped != 0 {
		t.Errorf("active recognizer recycled %d times", stopped)
	}
}

func TestSupervisor_ProactiveRecycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, supervisor.Config{Idle: time.Hour})
	_ = h.sup.Start(context.Background())
	rec := h.factory.last()

	h.clk.Advance(54 * time.Second)
	if _, stopped, _ := rec.counts(); stopped != 0 {
		t.Fatal("recycled early")
	}
	h.clk.Advance(time.Second)
	if _, stopped, _ := rec.counts(); stopped != 1 {
		t.Fatalf("stopped %d times at 55s, want 1", stopped)
	}
	evs := h.status.of(supervisor.EventRecycle)
	if len(evs) != 1 || evs[0].Reason != "scheduled" {
		t.Errorf("recycle events = %+v", evs)
	}
}

func TestSupervisor_RecycleStopFailureRestarts(t *testing.T) {
	t.Parallel()

	h := newHarness(t, supervisor.Config{Idle: time.Hour})
	_ = h.sup.Start(context.Background())
	h.factory.last().stopErr = errors.New("engine wedged")

	h.clk.Advance(55 * time.Second)
	if h.sup.State() != supervisor.StateRestarting {
		t.Fatalf("state = %v, want restarting", h.sup.State())
	}
	h.clk.Advance(200 * time.Millisecond)
	if h.factory.count() != 2 {
		t.Errorf("recognizers built = %d, want 2", h.factory.count())
	}
}

func spanAttr(s sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range s.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestSupervisor_LifecycleSpans(t *testing.T) {
	t.Parallel()

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	tracer := tp.Tracer("test")
	h := newHarness(t, supervisor.Config{Idle: time.Hour}, supervisor.WithTracer(tracer))

	ctx, listen := tracer.Start(context.Background(), "listen")
	defer listen.End()
	_ = h.sup.Start(ctx)
	h.clk.Advance(55 * time.Second)
	h.clk.Advance(200 * time.Millisecond)

	spans := exp.GetSpans().Snapshots()
	var names []string
	for _, s := range spans {
		names = append(names, s.Name())
	}
	want := []string{observe.SpanRecognizerStart, observe.SpanRecognizerRecycle, observe.SpanRecognizerRestart}
	if !slices.Equal(names, want) {
		t.Fatalf("spans = %v, want %v", names, want)
	}

	traceID := listen.SpanContext().TraceID()
	for _, s := range spans {
		if s.SpanContext().TraceID() != traceID {
			t.Errorf("%s: trace id %s, want %s", s.Name(), s.SpanContext().TraceID(), traceID)
		}
	}
	if v, _ := spanAttr(spans[1], observe.AttrReason); v.AsString() != "scheduled" {
		t.Errorf("recycle reason = %q, want scheduled", v.AsString())
	}
	if v, _ := spanAttr(spans[1], observe.AttrGeneration); v.AsInt64() != 1 {
		t.Errorf("recycle generation = %d, want 1", v.AsInt64())
	}
	if v, _ := spanAttr(spans[2], observe.AttrGeneration); v.AsInt64() != 2 {
		t.Errorf("restart generation = %d, want 2", v.AsInt64())
	}
	if v, _ := spanAttr(spans[2], observe.AttrOutcome); v.AsString() != string(supervisor.StateListening) {
		t.Errorf("restart outcome = %q, want listening", v.AsString())
	}
}

func TestSupervisor_StartFailureSpan(t *testing.T) {
	t.Parallel()

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	h := newHarness(t, quiet, supervisor.WithTracer(tp.Tracer("test")))
	h.factory.startErrs = []error{errors.New("device busy")}

	_ = h.sup.Start(context.Background())

	spans := exp.GetSpans().Snapshots()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Status().Code != codes.Error {
		t.Errorf("status = %v, want error", spans[0].Status())
	}
	if v, _ := spanAttr(spans[0], observe.AttrOutcome); v.AsString() != string(supervisor.StateRestarting) {
		t.Errorf("outcome = %q, want restarting", v.AsString())
	}
}

func TestSupervisor_StatusHandlerPanicIsContained(t *testing.T) {
	t.Parallel()

	f := &fakeFactory{}
	sup := supervisor.New(f.New, quiet, clock.NewManual(epoch),
		supervisor.WithStatusHandler(func(supervisor.Status) { panic("observer bug") }))

	if err := sup.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sup.State() != supervisor.StateListening {
		t.Errorf("state = %v, want listening", sup.State())
	}
}

func TestSupervisor_StatusEventsCarryGeneration(t *testing.T) {
	t.Parallel()

	h := newHarness(t, quiet)
	_ = h.sup.Start(context.Background())
	states := h.status.of(supervisor.EventState)
	if len(states) != 2 || states[0].State != supervisor.StateStarting || states[1].State != supervisor.StateListening {
		t.Fatalf("state events = %+v", states)
	}
	if states[1].Generation != h.sup.Generation() || !states[1].At.Equal(epoch) {
		t.Errorf("listening event = %+v", states[1])
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want supervisor.ErrorKind
	}{
		{"nil", nil, ""},
		{"tagged", &supervisor.RecognizerError{Kind: supervisor.KindNoSpeech}, supervisor.KindNoSpeech},
		{"wrapped tag", fmt.Errorf("x: %w", &supervisor.RecognizerError{Kind: supervisor.KindAudioCapture}), supervisor.KindAudioCapture},
		{"unauthorized", fmt.Errorf("dial: %w", stt.ErrUnauthorized), supervisor.KindNotAllowed},
		{"canceled", context.Canceled, supervisor.KindAborted},
		{"deadline", context.DeadlineExceeded, supervisor.KindNetwork},
		{"net error", fmt.Errorf("read: %w", timeoutErr{}), supervisor.KindNetwork},
		{"other", errors.New("boom"), supervisor.KindOther},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := supervisor.Classify(tc.err); got != tc.want {
				t.Errorf("Classify(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	c := supervisor.DefaultConfig()
	if c.BackoffInitial != 200*time.Millisecond || c.BackoffMax != 3*time.Second ||
		c.Heartbeat != 5*time.Second || c.Idle != 15*time.Second || c.Recycle != 55*time.Second ||
		c.NetworkErrorThreshold != 3 || c.NetworkQuiet != time.Minute || c.FatalBackoff != 30*time.Second {
		t.Errorf("DefaultConfig = %+v", c)
	}
}
