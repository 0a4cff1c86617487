// Package web is the prompter's HTTP surface.
//
// /ws upgrades to a websocket that streams bus events (commits, speed
// directives, supervisor status, guard stats) as JSON text messages and
// accepts control messages from the scroll-writer:
//
//	{"type":"scroll","err_px":-18.5}   position error report, drives the controller
//	{"type":"nudge","index":120}       manual re-anchor
//	{"type":"speed","px_per_sec":72}   manual base speed
//
// The mux also serves /healthz, /readyz, and the Prometheus /metrics
// endpoint, all wrapped in the tracing and latency middleware.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/prompter/internal/bus"
	"github.com/MrWong99/prompter/internal/controller"
	"github.com/MrWong99/prompter/internal/health"
	"github.com/MrWong99/prompter/internal/observe"
)

// Control message types.
const (
	MsgScroll = "scroll"
	MsgNudge  = "nudge"
	MsgSpeed  = "speed"
)

// Message is one inbound control message.
type Message struct {
	Type     string  `json:"type"`
	ErrPx    float64 `json:"err_px,omitempty"`
	Index    int     `json:"index,omitempty"`
	PxPerSec float64 `json:"px_per_sec,omitempty"`
}

// Controls is the session surface driven by control messages.
// *session.Session satisfies it.
type Controls interface {
	Tick(ctx context.Context, errPx float64) (controller.Output, bool)
	Nudge(ctx context.Context, idx int)
	ManualSpeed(pxPerSec float64)
}

// Option is a functional option for configuring a [Server].
type Option func(*Server)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// WithMetrics sets the metric instruments. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithHealth serves h's probes. Default: probes without checkers.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) {
		s.health = h
	}
}

// WithOriginPatterns allows cross-origin websocket clients whose Origin host
// matches one of patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) {
		s.origins = patterns
	}
}

// WithClientBuffer sets the per-client event queue length. Default: 64.
func WithClientBuffer(n int) Option {
	return func(s *Server) {
		s.buf = n
	}
}

// Server serves the directive stream and the probes.
type Server struct {
	bus     *bus.Bus
	ctl     Controls
	log     *slog.Logger
	metrics *observe.Metrics
	health  *health.Handler
	origins []string
	buf     int

	clients atomic.Int64
}

// writeTimeout bounds each websocket write so a stuck client cannot hold its
// subscription forever.
const writeTimeout = 5 * time.Second

// New returns a server streaming events from b and forwarding control
// messages to ctl.
func New(b *bus.Bus, ctl Controls, opts ...Option) *Server {
	s := &Server{bus: b, ctl: ctl, log: slog.Default(), buf: 64}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.health == nil {
		s.health = health.New()
	}
	return s
}

// Handler returns the instrumented mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.ServeWS)
	mux.Handle("GET /metrics", promhttp.Handler())
	s.health.Register(mux)
	return observe.Middleware(s.metrics)(mux)
}

// Clients returns the number of connected websocket clients.
func (s *Server) Clients() int { return int(s.clients.Load()) }

// ServeWS upgrades the request and runs the client until either side
// closes.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.log.Warn("web: websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	sub := s.bus.Subscribe(s.buf)
	defer sub.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s.clients.Add(1)
	s.metrics.StreamClients.Add(ctx, 1)
	defer func() {
		s.clients.Add(-1)
		s.metrics.StreamClients.Add(context.Background(), -1)
	}()
	log := observe.Logger(ctx).With("remote", r.RemoteAddr)
	log.Info("web: client connected")

	go func() {
		defer cancel()
		s.readLoop(ctx, conn, log)
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			log.Info("web: client disconnected")
			return
		case ev, ok := <-sub.C():
			if !ok {
				conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(wctx, conn, ev)
			wcancel()
			if err != nil {
				log.Info("web: write failed, dropping client", "err", err)
				return
			}
		}
	}
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, log *slog.Logger) {
	for {
		var msg Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
				log.Debug("web: read failed", "err", err)
			}
			return
		}
		s.dispatch(ctx, msg, log)
	}
}

func (s *Server) dispatch(ctx context.Context, msg Message, log *slog.Logger) {
	switch msg.Type {
	case MsgScroll:
		s.ctl.Tick(ctx, msg.ErrPx)
	case MsgNudge:
		s.ctl.Nudge(ctx, msg.Index)
	case MsgSpeed:
		s.ctl.ManualSpeed(msg.PxPerSec)
	default:
		log.Debug("web: unknown message type", "type", msg.Type)
	}
}

// Serve runs an HTTP server for h on addr until ctx is done, then shuts it
// down gracefully.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// Hijacked websocket connections are not tracked by Shutdown; their
		// handlers exit when the bus closes.
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
