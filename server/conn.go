package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stormasm/toy-rpc/codec"
	"github.com/stormasm/toy-rpc/message"
	"github.com/stormasm/toy-rpc/pubsub"
	"github.com/stormasm/toy-rpc/transport"
)

// Broker events. The broker goroutine is the sole owner of per-connection
// mutable state; the reader, workers and the hub reach it only through these.
type serverEvent interface{ isServerEvent() }

type requestEvent struct {
	id      message.MessageID
	handler Handler
	method  string
	body    *codec.Deferred
}

type responseEvent struct {
	id     message.MessageID
	result any
	err    *message.Error
	// fromWorker marks results produced by an execution; the broker drops
	// them when the execution entry is gone (cancel won the race). Reader
	// generated errors (ServiceNotFound, bad cancel token) have no entry
	// and are always written.
	fromWorker bool
}

type cancelEvent struct{ id message.MessageID }

type timeoutEvent struct {
	id message.MessageID
	d  time.Duration
}

type publishEvent struct {
	id      message.MessageID
	topic   string
	payload []byte
}

type subscribeEvent struct{ topic string }

type unsubscribeEvent struct{ topic string }

type inboundAckEvent struct{ seq pubsub.SeqID }

type stoppingEvent struct{}

func (requestEvent) isServerEvent()     {}
func (responseEvent) isServerEvent()    {}
func (cancelEvent) isServerEvent()      {}
func (timeoutEvent) isServerEvent()     {}
func (publishEvent) isServerEvent()     {}
func (subscribeEvent) isServerEvent()   {}
func (unsubscribeEvent) isServerEvent() {}
func (inboundAckEvent) isServerEvent()  {}
func (stoppingEvent) isServerEvent()    {}

// connection is the per-connection state machine. Field access outside the
// broker loop is limited to immutable members and channels.
type connection struct {
	server   *Server
	clientID pubsub.ClientID

	events  chan serverEvent
	writeQ  chan writerItem
	mailbox chan pubsub.Publication

	// connDone closes when the broker exits; it unblocks workers and the
	// reader that would otherwise send into a dead loop.
	connDone chan struct{}
	// writerDead closes when the writer exits; it unblocks broker pushes
	// after a write failure.
	writerDead chan struct{}

	// Owned exclusively by the broker loop.
	executions map[message.MessageID]context.CancelFunc
	durations  map[message.MessageID]time.Duration

	logger *slog.Logger
}

// ServeStream serves one framed connection with the server's configured
// codec: it spawns the reader and writer and runs the broker loop on the
// calling goroutine.
func (s *Server) ServeStream(fs transport.FrameStream) {
	s.ServeCodec(fs, s.codec)
}

// ServeCodec is ServeStream with an explicitly supplied codec, for peers
// negotiated onto something other than the server-wide default.
func (s *Server) ServeCodec(fs transport.FrameStream, wire codec.Codec) {
	clientID := pubsub.ClientID(uuid.NewString())
	c := &connection{
		server:     s,
		clientID:   clientID,
		events:     make(chan serverEvent, s.eventSize),
		writeQ:     make(chan writerItem, s.eventSize),
		mailbox:    make(chan pubsub.Publication, s.hub.MailboxSize()),
		connDone:   make(chan struct{}),
		writerDead: make(chan struct{}),
		executions: make(map[message.MessageID]context.CancelFunc),
		durations:  make(map[message.MessageID]time.Duration),
		logger:     s.logger.With("client_id", string(clientID)),
	}

	c.logger.Debug("connection open")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.readLoop(codec.NewSource(fs, wire))
	}()
	go func() {
		defer wg.Done()
		c.writeLoop(codec.NewSink(fs, wire))
	}()

	c.brokerLoop()
	wg.Wait()
	c.logger.Debug("connection closed")
}

// sendEvent delivers an event to the broker, giving up once the broker has
// exited.
func (c *connection) sendEvent(ev serverEvent) {
	select {
	case c.events <- ev:
	case <-c.connDone:
	}
}

// push enqueues an outbound item, giving up if the writer died on a
// transport error.
func (c *connection) push(item writerItem) {
	select {
	case c.writeQ <- item:
	case <-c.writerDead:
	}
}

// readLoop consumes frames, classifies each inbound message and forwards a
// typed broker event. It always hands the broker a Stopping event on exit so
// the connection drains, whether the peer closed cleanly or the transport
// failed.
func (c *connection) readLoop(src *codec.Source) {
	defer c.sendEvent(stoppingEvent{})

	for {
		var h message.RequestHeader
		if err := src.ReadHeader(&h); err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Warn("read header", "error", err)
			}
			return
		}
		body, err := src.ReadBody()
		if err != nil {
			c.logger.Warn("read body", "error", err)
			return
		}

		req, err := message.Classify(h)
		if err != nil {
			// A dotless method name is answered, not dropped.
			c.sendEvent(responseEvent{id: h.ID, err: message.AsError(err)})
			continue
		}

		switch req.Kind {
		case message.KindCall:
			handler, ok := c.server.lookup(req.Service)
			if !ok {
				c.logger.Debug("service not found", "service", req.Service, "id", uint64(h.ID))
				c.sendEvent(responseEvent{
					id:  h.ID,
					err: message.NewError(message.KindServiceNotFound, req.Service),
				})
				continue
			}
			c.sendEvent(requestEvent{id: h.ID, handler: handler, method: req.Method, body: body})

		case message.KindCancel:
			var token string
			if body.Decode(&token) != nil || !message.ValidCancelBody(h.ID, token) {
				c.sendEvent(responseEvent{
					id:  h.ID,
					err: message.NewError(message.KindInvalidArgument, "invalid cancellation token"),
				})
				continue
			}
			c.sendEvent(cancelEvent{id: h.ID})

		case message.KindRequestTimeout:
			var tb message.TimeoutBody
			if err := body.Decode(&tb); err != nil {
				c.sendEvent(responseEvent{
					id:  h.ID,
					err: message.NewError(message.KindInvalidArgument, "invalid timeout body"),
				})
				continue
			}
			c.sendEvent(timeoutEvent{id: h.ID, d: time.Duration(tb.Nanos)})

		case message.KindPublish:
			c.sendEvent(publishEvent{id: h.ID, topic: req.Topic, payload: body.Bytes()})

		case message.KindSubscribe:
			c.sendEvent(subscribeEvent{topic: req.Topic})

		case message.KindUnsubscribe:
			c.sendEvent(unsubscribeEvent{topic: req.Topic})

		case message.KindAck:
			var seq uint64
			if err := body.Decode(&seq); err != nil {
				c.logger.Warn("invalid ack body", "id", uint64(h.ID), "error", err)
				continue
			}
			c.sendEvent(inboundAckEvent{seq: pubsub.SeqID(seq)})
		}
	}
}

// brokerLoop sequences all per-connection state transitions.
func (c *connection) brokerLoop() {
	defer close(c.connDone)

	hub := c.server.hub
	for {
		select {
		case ev := <-c.events:
			switch e := ev.(type) {
			case requestEvent:
				c.handleRequest(e)

			case responseEvent:
				if e.fromWorker {
					if _, live := c.executions[e.id]; !live {
						// Cancel won the race; the late result is dropped.
						continue
					}
					delete(c.executions, e.id)
				}
				c.push(responseItem{id: e.id, result: e.result, err: e.err})

			case cancelEvent:
				if cancel, ok := c.executions[e.id]; ok {
					cancel()
					delete(c.executions, e.id)
				}

			case timeoutEvent:
				c.durations[e.id] = e.d

			case publishEvent:
				hub.Publish(c.clientID, e.topic, e.payload)
				if hub.AckMode() == pubsub.AckAuto {
					c.push(ackItem{id: e.id})
				}

			case subscribeEvent:
				hub.Subscribe(c.clientID, e.topic, c.mailbox)

			case unsubscribeEvent:
				hub.Unsubscribe(c.clientID, e.topic)

			case inboundAckEvent:
				hub.Ack(c.clientID, e.seq)

			case stoppingEvent:
				for id, cancel := range c.executions {
					cancel()
					delete(c.executions, id)
				}
				hub.Disconnect(c.clientID)
				close(c.writeQ)
				return
			}

		case p := <-c.mailbox:
			c.push(publicationItem{pub: p})
		}
	}
}

// handleRequest spawns the worker for one call. A pending timeout hint for
// the same id is consumed here; its presence (even zero) arms a deadline.
func (c *connection) handleRequest(e requestEvent) {
	d, hasDeadline := c.durations[e.id]
	delete(c.durations, e.id)

	ctx, cancel := context.WithCancel(context.Background())
	c.executions[e.id] = cancel
	go c.runWorker(ctx, e, d, hasDeadline)
}

type workerResult struct {
	v   any
	err error
}

// runWorker executes one call, enforcing the optional deadline, and reports
// the outcome back to the broker. The handler itself keeps running after a
// timeout or cancel fires (stop is cooperative via ctx); its eventual result
// goes nowhere.
func (c *connection) runWorker(ctx context.Context, e requestEvent, d time.Duration, hasDeadline bool) {
	if hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	resCh := make(chan workerResult, 1)
	go func() {
		v, err := e.handler(ctx, e.method, e.body)
		resCh <- workerResult{v: v, err: err}
	}()

	interrupted := func() workerResult {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			c.logger.Debug("request timed out", "id", uint64(e.id), "timeout", d)
			return workerResult{err: message.TimeoutError(e.id)}
		}
		return workerResult{err: message.CanceledError(e.id)}
	}

	var res workerResult
	if ctx.Err() != nil {
		// Deadline of zero (or cancel before start): report without waiting
		// on the handler.
		res = interrupted()
	} else {
		select {
		case res = <-resCh:
		case <-ctx.Done():
			res = interrupted()
		}
	}

	var msgErr *message.Error
	if res.err != nil {
		msgErr = message.AsError(res.err)
		c.logger.Debug("request failed", "id", uint64(e.id), "method", e.method, "error", msgErr)
	}
	c.sendEvent(responseEvent{id: e.id, result: res.v, err: msgErr, fromWorker: true})
}
