// Package bus is the typed in-process event bus between the alignment
// session and its consumers (websocket clients, the NATS bridge, the commit
// recorder, metrics).
//
// Publishing never blocks: a subscriber whose buffer is full misses the
// event and the drop is counted. Events are advisory for every consumer;
// none of them feeds back into matching or control.
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Option is a functional option for configuring a [Bus].
type Option func(*Bus)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		b.log = l
	}
}

// Bus fans events out to subscribers. All methods are safe for concurrent
// use.
type Bus struct {
	log     *slog.Logger
	dropped atomic.Uint64

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// New returns an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{log: slog.Default(), subs: make(map[*Subscription]struct{})}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscription is one consumer's view of the bus.
type Subscription struct {
	bus   *Bus
	ch    chan Event
	kinds map[Kind]bool
}

// Subscribe registers a consumer with a buffer of buf events. With no kinds
// it receives every event. On a closed bus the returned subscription's
// channel is already closed.
func (b *Bus) Subscribe(buf int, kinds ...Kind) *Subscription {
	if buf < 1 {
		buf = 1
	}
	s := &Subscription{bus: b, ch: make(chan Event, buf)}
	if len(kinds) > 0 {
		s.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// C returns the event channel. It is closed by [Subscription.Close] or
// [Bus.Close].
func (s *Subscription) C() <-chan Event { return s.ch }

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; !ok {
		return
	}
	delete(b.subs, s)
	close(s.ch)
}

// Publish delivers ev to every interested subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if s.kinds != nil && !s.kinds[ev.Kind] {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			if b.dropped.Add(1)%100 == 1 {
				b.log.Warn("bus: subscriber too slow, dropping events", "kind", ev.Kind, "dropped", b.dropped.Load())
			}
		}
	}
}

// Dropped returns how many deliveries were skipped on full buffers.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close closes every subscription. Later publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		delete(b.subs, s)
		close(s.ch)
	}
}
