// Package client implements the connection's client half: an RPC caller with
// per-call cancellation and timeout hints, plus the publisher/subscriber side
// of the pub/sub overlay, multiplexed over one framed transport.
package client

import (
	"crypto/tls"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stormasm/toy-rpc/codec"
	"github.com/stormasm/toy-rpc/message"
	"github.com/stormasm/toy-rpc/pubsub"
	"github.com/stormasm/toy-rpc/transport"
)

// DefaultEventChannelSize bounds the client broker's inbound event channel.
const DefaultEventChannelSize = 64

// DefaultAckTimeout bounds how long Publish waits for the server's ack in
// auto ack mode.
const DefaultAckTimeout = 5 * time.Second

// DefaultSubscriptionBuffer is the subscription channel capacity used when
// Subscribe is called with a non-positive buffer.
const DefaultSubscriptionBuffer = 16

// Client is one connection's client endpoint. All methods are safe for
// concurrent use; internally every mutation funnels through the broker
// goroutine.
type Client struct {
	codec      codec.Codec
	ackMode    pubsub.AckMode
	ackTimeout time.Duration
	eventSize  int
	logger     *slog.Logger

	nextID atomic.Uint64

	events chan clientEvent
	outQ   chan outItem

	// connDone closes when the broker exits; writerDead when the writer
	// does. Both gate channel sends that would otherwise block forever.
	connDone   chan struct{}
	writerDead chan struct{}

	closeOnce sync.Once
}

// Option configures a Client.
type Option func(*Client)

// WithCodec selects the wire codec (default JSON). It must match the
// server's.
func WithCodec(c codec.Codec) Option {
	return func(cl *Client) { cl.codec = c }
}

// WithAckMode selects the pub/sub delivery-confirmation policy. It must
// match the server's.
func WithAckMode(m pubsub.AckMode) Option {
	return func(cl *Client) { cl.ackMode = m }
}

// WithAckTimeout bounds the wait for a publish ack in auto ack mode.
func WithAckTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.ackTimeout = d }
}

// WithEventChannelSize bounds the broker event channel.
func WithEventChannelSize(n int) Option {
	return func(cl *Client) { cl.eventSize = n }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// Dial connects to a TCP server.
func Dial(addr string, opts ...Option) (*Client, error) {
	fs, err := transport.Dial(addr)
	if err != nil {
		return nil, err
	}
	return NewClient(fs, opts...), nil
}

// DialTLS connects to a TLS server.
func DialTLS(addr string, cfg *tls.Config, opts ...Option) (*Client, error) {
	fs, err := transport.DialTLS(addr, cfg)
	if err != nil {
		return nil, err
	}
	return NewClient(fs, opts...), nil
}

// DialWebSocket connects to a server's HTTP upgrade endpoint
// (ws://host/_rpc_).
func DialWebSocket(url string, opts ...Option) (*Client, error) {
	fs, err := transport.DialWebSocket(url)
	if err != nil {
		return nil, err
	}
	return NewClient(fs, opts...), nil
}

// NewClient starts the reader, broker and writer over an established frame
// stream and returns the ready client.
func NewClient(fs transport.FrameStream, opts ...Option) *Client {
	c := &Client{
		codec:      codec.JSON{},
		ackTimeout: DefaultAckTimeout,
		eventSize:  DefaultEventChannelSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default().With("component", "rpc-client")
	}
	c.events = make(chan clientEvent, c.eventSize)
	c.outQ = make(chan outItem, c.eventSize)
	c.connDone = make(chan struct{})
	c.writerDead = make(chan struct{})

	go c.readLoop(codec.NewSource(fs, c.codec))
	go c.writeLoop(codec.NewSink(fs, c.codec))
	go c.brokerLoop()
	return c
}

// Close drains the connection: unresolved calls fail with an io_error,
// subscription channels close, and the transport shuts down gracefully.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.sendEvent(stoppingEvent{})
	})
	<-c.connDone
	return nil
}

// sendEvent delivers an event to the broker; it reports false once the
// broker has exited.
func (c *Client) sendEvent(ev clientEvent) bool {
	select {
	case <-c.connDone:
		return false
	default:
	}
	select {
	case c.events <- ev:
		return true
	case <-c.connDone:
		return false
	}
}

// push enqueues an outbound item, giving up if the writer died.
func (c *Client) push(item outItem) {
	select {
	case c.outQ <- item:
	case <-c.writerDead:
	}
}

func (c *Client) allocID() message.MessageID {
	return message.MessageID(c.nextID.Add(1))
}

var errClosed = message.NewError(message.KindIO, "connection closed")
