package pubsub

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// mirrorSubjectPrefix is where hub publications appear on the external bus.
const mirrorSubjectPrefix = "rpc.pub."

// ingestSubjectPrefix is the subject space the bridge feeds back into the
// hub: a message on "rpc.ingest.<topic>" becomes a hub publication on
// <topic>.
const ingestSubjectPrefix = "rpc.ingest."

// ingestClientID is the client id under which bridge-originated publications
// are handed to the hub.
const ingestClientID ClientID = "nats-bridge"

// NATSBridge mirrors every hub publication to a NATS subject and feeds
// messages from the ingest subject space back into the hub, so processes
// outside the RPC mesh can observe and inject topic traffic.
type NATSBridge struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	logger *slog.Logger
}

// NewNATSBridge connects to a NATS server. Wire the returned bridge into
// HubConfig.Mirror, then call StartIngest with the hub to enable the inbound
// direction.
func NewNATSBridge(url string) (*NATSBridge, error) {
	logger := slog.Default().With("component", "nats-bridge")

	opts := []nats.Option{
		nats.Name("toy-rpc"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &NATSBridge{conn: nc, logger: logger}, nil
}

// MirrorPublication implements Mirror. Called from the hub loop, so it must
// not block: nats.Conn.Publish only buffers.
func (b *NATSBridge) MirrorPublication(p Publication) {
	subject := mirrorSubjectPrefix + p.Topic
	if err := b.conn.Publish(subject, p.Payload); err != nil {
		b.logger.Warn("mirror publish failed", "subject", subject, "error", err)
	}
}

// StartIngest subscribes to the ingest subject space and republishes each
// message into the hub under the topic embedded in the subject.
func (b *NATSBridge) StartIngest(hub *Hub) error {
	sub, err := b.conn.Subscribe(ingestSubjectPrefix+">", func(msg *nats.Msg) {
		topic := strings.TrimPrefix(msg.Subject, ingestSubjectPrefix)
		if topic == "" || topic == msg.Subject {
			return
		}
		hub.Publish(ingestClientID, topic, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}
	b.sub = sub
	return nil
}

// Close drains the connection, flushing buffered mirror publishes.
func (b *NATSBridge) Close() {
	if b.sub != nil {
		_ = b.sub.Unsubscribe()
	}
	if b.conn != nil {
		_ = b.conn.Drain()
	}
}
