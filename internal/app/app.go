// Package app wires all prompter subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context ends, and Shutdown tears
// everything down in order.
//
// For testing, inject implementations via functional options (WithProvider,
// WithStore, WithPublisher, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/prompter/internal/bus"
	"github.com/MrWong99/prompter/internal/clock"
	"github.com/MrWong99/prompter/internal/commitlog"
	"github.com/MrWong99/prompter/internal/config"
	"github.com/MrWong99/prompter/internal/health"
	"github.com/MrWong99/prompter/internal/observe"
	"github.com/MrWong99/prompter/internal/script"
	"github.com/MrWong99/prompter/internal/session"
	"github.com/MrWong99/prompter/internal/supervisor"
	"github.com/MrWong99/prompter/internal/web"
	"github.com/MrWong99/prompter/pkg/provider/stt"
)

// sessionID names the single alignment session of a process.
const sessionID = "main"

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	log     *slog.Logger
	level   *slog.LevelVar
	clk     clock.Clock
	metrics *observe.Metrics

	provider stt.Provider
	audio    <-chan []byte
	script   *script.Index
	pub      bus.Publisher

	// Subsystems, initialised in New and torn down in Shutdown.
	bus      *bus.Bus
	sess     *session.Session
	sup      *supervisor.Supervisor
	store    commitlog.Store
	recorder *commitlog.Recorder
	bridge   *bus.NATSBridge
	health   *health.Handler
	web      *web.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithProvider sets the recognizer backend. Without one the app serves the
// directive stream and accepts manual control, but does not listen.
func WithProvider(p stt.Provider) Option {
	return func(a *App) { a.provider = p }
}

// WithAudio sets the PCM source forwarded to the recognizer.
func WithAudio(ch <-chan []byte) Option {
	return func(a *App) { a.audio = ch }
}

// WithScript loads idx into the session at construction.
func WithScript(idx *script.Index) Option {
	return func(a *App) { a.script = idx }
}

// WithStore injects a commit log store instead of opening one from config.
func WithStore(s commitlog.Store) Option {
	return func(a *App) { a.store = s }
}

// WithPublisher injects the NATS publisher instead of dialing bus.nats_url.
func WithPublisher(p bus.Publisher) Option {
	return func(a *App) { a.pub = p }
}

// WithClock sets the clock for every timer. Default: the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(a *App) { a.clk = clk }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevel lets config reloads change the log level of the handler
// behind the logger.
func WithLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics sets the metric instruments. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New creates an App by wiring all subsystems together. cfg must have
// defaults applied (as returned by config.Load).
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg: cfg,
		log: slog.Default(),
		clk: clock.Real{},
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// 1. Bus and session.
	a.bus = bus.New(bus.WithLogger(a.log))
	a.sess = session.New(sessionID, cfg.SessionConfig(), a.clk,
		session.WithBus(a.bus),
		session.WithLogger(a.log),
		session.WithMetrics(a.metrics),
	)
	if a.script != nil {
		a.sess.LoadScript(a.script)
	}

	// 2. Commit log.
	if err := a.initStore(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	a.recorder = commitlog.NewRecorder(a.store, a.bus,
		commitlog.WithRecorderLogger(a.log),
		commitlog.WithRecorderMetrics(a.metrics),
	)

	// 3. Recognizer supervisor.
	a.initSupervisor()

	// 4. NATS bridge.
	if err := a.initBridge(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init nats: %w", err)
	}

	// 5. HTTP surface.
	a.health = health.New(
		health.Recognizer(a.recognizerState),
		health.ScriptLoaded(func() int { return a.sess.Snapshot().Words }),
		health.CommitLog(func(ctx context.Context) error {
			_, err := a.store.List(ctx, sessionID, 1)
			return err
		}),
	)
	a.web = web.New(a.bus, a.sess,
		web.WithLogger(a.log),
		web.WithMetrics(a.metrics),
		web.WithHealth(a.health),
		web.WithOriginPatterns(cfg.Server.AllowedOrigins...),
	)

	a.log.Info("app initialised",
		"listen_addr", cfg.Server.ListenAddr,
		"recognizer", cfg.Recognizer.Name,
		"store", cfg.Store.Driver,
		"nats", a.bridge != nil,
	)
	return a, nil
}

func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	store, err := commitlog.Open(ctx, string(a.cfg.Store.Driver), a.cfg.Store.DSN)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)
	return nil
}

func (a *App) initSupervisor() {
	if a.provider == nil {
		a.log.Warn("no recognizer configured; listening disabled")
		return
	}
	factory := supervisor.NewStreamFactory(supervisor.StreamOptions{
		Provider: a.provider,
		Stream:   a.cfg.StreamConfig(),
		Keywords: a.sess.Keywords,
		Audio:    a.audio,
	})
	a.sup = supervisor.New(factory, a.cfg.SupervisorConfig(), a.clk,
		supervisor.WithTimers(a.sess.Timers()),
		supervisor.WithLogger(a.log),
		supervisor.WithStatusHandler(a.onStatus),
		supervisor.WithResultHandler(a.onResult),
	)
}

func (a *App) initBridge() error {
	if a.pub == nil && a.cfg.Bus.NATSURL == "" {
		return nil
	}
	if a.pub == nil {
		conn, err := bus.ConnectNATS(a.cfg.Bus.NATSURL, a.cfg.Telemetry.ServiceName, 5*time.Second)
		if err != nil {
			return err
		}
		a.pub = conn
		a.closers = append(a.closers, func() error {
			return conn.Drain()
		})
	}
	a.bridge = bus.NewNATSBridge(a.bus, a.pub, a.cfg.Bus.SubjectPrefix, 256)
	return nil
}

// Session returns the alignment session.
func (a *App) Session() *session.Session { return a.sess }

// Bus returns the event bus.
func (a *App) Bus() *bus.Bus { return a.bus }

// Store returns the commit log store.
func (a *App) Store() commitlog.Store { return a.store }

// Supervisor returns the recognizer supervisor, or nil when listening is
// disabled.
func (a *App) Supervisor() *supervisor.Supervisor { return a.sup }

// Web returns the HTTP server.
func (a *App) Web() *web.Server { return a.web }

// LoadScript replaces the script. Names reach the recognizer at its next
// (re)start.
func (a *App) LoadScript(idx *script.Index) {
	a.sess.LoadScript(idx)
}

func (a *App) recognizerState() string {
	if a.sup == nil {
		return string(supervisor.StateIdle)
	}
	return string(a.sup.State())
}

func (a *App) onResult(t stt.Transcript) {
	a.sess.HandleTranscript(context.Background(), t)
}

// onStatus forwards supervisor status to the bus and the metrics.
func (a *App) onStatus(st supervisor.Status) {
	ev := &bus.Status{
		Source:  "supervisor",
		Type:    string(st.Type),
		State:   string(st.State),
		Kind:    string(st.Kind),
		Reason:  st.Reason,
		DelayMs: st.Delay.Milliseconds(),
	}
	if st.Err != nil {
		ev.Error = st.Err.Error()
	}
	a.bus.Publish(bus.Event{Kind: bus.KindStatus, Session: sessionID, At: st.At, Status: ev})
	a.metrics.RecordRecognizerEvent(context.Background(), string(st.Type), string(st.Kind))
}

// Run serves HTTP, records commits, bridges to NATS, and listens until ctx
// is cancelled. It returns nil on a clean cancellation.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return web.Serve(gctx, a.cfg.Server.ListenAddr, a.web.Handler())
	})
	g.Go(func() error { return a.recorder.Run(gctx) })
	if a.bridge != nil {
		g.Go(func() error { return a.bridge.Run(gctx) })
	}

	if a.sup != nil {
		a.sess.Begin()
		if err := a.sup.Start(gctx); err != nil {
			a.sess.End()
			return fmt.Errorf("app: start recognizer: %w", err)
		}
		g.Go(func() error {
			<-gctx.Done()
			err := a.sup.Stop()
			a.sess.End()
			return err
		})
	}

	a.log.Info("app running", "listen_addr", a.cfg.Server.ListenAddr, "listening", a.sup != nil)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Reload applies a changed config to the running app. Tuning, supervisor,
// and log level changes take effect immediately; other sections need a
// restart and are only logged.
func (a *App) Reload(old, updated *config.Config) {
	d := config.Diff(old, updated)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Slog())
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.TuningChanged() {
		a.sess.UpdateTuning(updated.SessionConfig())
	}
	if d.SupervisorChanged && a.sup != nil {
		a.sup.SetConfig(updated.SupervisorConfig())
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes need a restart to take effect", "sections", d.RestartRequired)
	}
}

// Shutdown stops listening, closes the bus, and runs the closers in order.
// It respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))

		if a.sup != nil {
			if err := a.sup.Stop(); err != nil {
				a.log.Warn("recognizer stop error", "err", err)
			}
		}
		a.sess.End()
		a.bus.Close()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers registered so far after a failed New.
func (a *App) closeAll() {
	a.bus.Close()
	for _, c := range a.closers {
		_ = c()
	}
}
