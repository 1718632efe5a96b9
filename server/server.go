// Package server hosts named services over stream transports. Each accepted
// connection runs the reader / broker / writer trio; a process-wide pubsub
// hub fans publications out across connections.
package server

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/stormasm/toy-rpc/codec"
	"github.com/stormasm/toy-rpc/pubsub"
	"github.com/stormasm/toy-rpc/transport"
)

// DefaultRPCPath is the conventional HTTP route for the WebSocket upgrade.
const DefaultRPCPath = "/_rpc_"

// DefaultEventChannelSize bounds the per-connection broker inbound channel; a
// full channel stalls the reader, which backpressures the socket.
const DefaultEventChannelSize = 64

// Server hosts registered services and serves connections.
type Server struct {
	mu       sync.RWMutex
	services map[string]Handler

	codec     codec.Codec
	hub       *pubsub.Hub
	hubCfg    pubsub.HubConfig
	eventSize int
	logger    *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithCodec selects the wire codec (default JSON).
func WithCodec(c codec.Codec) Option {
	return func(s *Server) { s.codec = c }
}

// WithHubConfig tunes the pubsub hub (ack mode, retry policy, mailbox bound).
func WithHubConfig(cfg pubsub.HubConfig) Option {
	return func(s *Server) { s.hubCfg = cfg }
}

// WithAckMode selects the pub/sub delivery-confirmation policy.
func WithAckMode(m pubsub.AckMode) Option {
	return func(s *Server) { s.hubCfg.AckMode = m }
}

// WithEventChannelSize bounds the per-connection broker event channel.
func WithEventChannelSize(n int) Option {
	return func(s *Server) { s.eventSize = n }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a server and starts its pubsub hub.
func NewServer(opts ...Option) *Server {
	s := &Server{
		services:  make(map[string]Handler),
		codec:     codec.JSON{},
		eventSize: DefaultEventChannelSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "rpc-server")
	}
	s.hub = pubsub.NewHub(s.hubCfg)
	return s
}

// Hub exposes the server's pubsub hub, e.g. for wiring a NATS bridge ingest.
func (s *Server) Hub() *pubsub.Hub { return s.hub }

// Register registers rcvr's exported methods under its concrete type name.
func (s *Server) Register(rcvr any) error {
	return s.RegisterName(defaultServiceName(rcvr), rcvr)
}

// RegisterName registers rcvr's exported methods under an explicit service
// name. Methods must have the shape Method(ctx, arg) (res, error).
func (s *Server) RegisterName(name string, rcvr any) error {
	handler, err := buildHandler(name, rcvr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.services[name]; dup {
		return fmt.Errorf("service %q already registered", name)
	}
	s.services[name] = handler
	return nil
}

func (s *Server) lookup(service string) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.services[service]
	return h, ok
}

// Accept serves connections from l until it is closed, one goroutine per
// connection. It returns the listener's final error.
func (s *Server) Accept(l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		go s.ServeConn(conn)
	}
}

// ServeConn serves one byte-stream connection (TCP or TLS) to completion.
func (s *Server) ServeConn(conn net.Conn) {
	s.ServeStream(transport.NewStream(conn))
}

// Close stops the pubsub hub. Connections already being served drain on
// their own when their transports close.
func (s *Server) Close() error {
	s.hub.Close()
	return nil
}
