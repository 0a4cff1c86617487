package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher is the subset of *nats.Conn the bridge needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// ConnectNATS dials the NATS servers in url (comma-separated).
func ConnectNATS(url, name string, timeout time.Duration) (*nats.Conn, error) {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	conn, err := nats.Connect(url, nats.Name(name), nats.Timeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("bus: connect to nats: %w", err)
	}
	return conn, nil
}

// NATSBridge republishes bus events as JSON on subjects "<prefix>.<kind>",
// for scroll-writers and dashboards running in other processes.
type NATSBridge struct {
	pub    Publisher
	prefix string
	sub    *Subscription
	log    *slog.Logger
}

// NewNATSBridge subscribes to b with a buffer of buf events. Run must be
// called to start forwarding.
func NewNATSBridge(b *Bus, pub Publisher, prefix string, buf int) *NATSBridge {
	if prefix == "" {
		prefix = "prompter"
	}
	return &NATSBridge{
		pub:    pub,
		prefix: prefix,
		sub:    b.Subscribe(buf),
		log:    slog.Default().With("component", "nats_bridge"),
	}
}

// Subject returns the subject used for events of kind k.
func (n *NATSBridge) Subject(k Kind) string { return n.prefix + "." + string(k) }

// Run forwards events until ctx is cancelled or the bus is closed. Publish
// failures are logged and skipped.
func (n *NATSBridge) Run(ctx context.Context) error {
	defer n.sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-n.sub.C():
			if !ok {
				return nil
			}
			data, err := json.Marshal(ev)
			if err != nil {
				n.log.Warn("marshal event", "kind", ev.Kind, "err", err)
				continue
			}
			if err := n.pub.Publish(n.Subject(ev.Kind), data); err != nil {
				n.log.Warn("publish event", "subject", n.Subject(ev.Kind), "err", err)
			}
		}
	}
}
