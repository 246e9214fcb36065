package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// MsgPublisher is the part of *nats.Conn the sink needs.
type MsgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATSSink mirrors events onto NATS subjects named <prefix>.<event type>.
type NATSSink struct {
	pub    MsgPublisher
	prefix string
}

// NewNATSSink creates a sink publishing under prefix.
func NewNATSSink(pub MsgPublisher, prefix string) *NATSSink {
	if prefix == "" {
		prefix = "fleetlink"
	}
	return &NATSSink{pub: pub, prefix: prefix}
}

func (n *NATSSink) Name() string { return "nats" }

// Send publishes the envelope as JSON. The Nats-Msg-Id is derived from the
// encoded envelope, so sending the same event twice yields the same id and a
// JetStream stream with a duplicate window keeps one copy.
func (n *NATSSink) Send(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("nats: marshal %s: %w", ev.Type, err)
	}
	msg := nats.NewMsg(n.prefix + "." + ev.Type)
	msg.Header.Set(nats.MsgIdHdr, MsgID(data))
	msg.Data = data
	if err := n.pub.PublishMsg(msg); err != nil {
		return fmt.Errorf("nats: publish %s: %w", msg.Subject, err)
	}
	return nil
}

// msgIDSpace namespaces message ids derived from envelopes.
var msgIDSpace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:fleetlink:events"))

// MsgID returns the deduplication id for an encoded envelope.
func MsgID(envelope []byte) string {
	return uuid.NewSHA1(msgIDSpace, envelope).String()
}

// ConnectNATS dials a NATS server and keeps reconnecting in the background.
func ConnectNATS(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("fleetlink"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS %s: %w", url, err)
	}
	return nc, nil
}
