package client

import (
	"errors"
	"io"
	"time"

	"github.com/stormasm/toy-rpc/codec"
	"github.com/stormasm/toy-rpc/message"
	"github.com/stormasm/toy-rpc/pubsub"
)

// Broker events. Application goroutines and the reader never touch broker
// state directly; they send these.
type clientEvent interface{ isClientEvent() }

type callEvent struct {
	call          *Call
	serviceMethod string
	args          any
	timeout       time.Duration
	// hasTimeout distinguishes an armed zero deadline from no deadline at
	// all; only armed calls send the hint frame.
	hasTimeout bool
}

type cancelCallEvent struct{ id message.MessageID }

type responseInEvent struct {
	id      message.MessageID
	isError bool
	body    *codec.Deferred
}

type publicationInEvent struct {
	seq   pubsub.SeqID
	topic string
	body  *codec.Deferred
}

// serverAckEvent is the server's confirmation of one of our publishes (auto
// ack mode).
type serverAckEvent struct{ id message.MessageID }

type publishOutEvent struct {
	id      message.MessageID
	topic   string
	payload []byte
	ackCh   chan struct{} // non-nil in auto ack mode
}

type subscribeOutEvent struct{ sub *Subscription }

type unsubscribeOutEvent struct{ sub *Subscription }

type ackOutEvent struct{ seq pubsub.SeqID }

type stoppingEvent struct{}

func (callEvent) isClientEvent()           {}
func (cancelCallEvent) isClientEvent()     {}
func (responseInEvent) isClientEvent()     {}
func (publicationInEvent) isClientEvent()  {}
func (serverAckEvent) isClientEvent()      {}
func (publishOutEvent) isClientEvent()     {}
func (subscribeOutEvent) isClientEvent()   {}
func (unsubscribeOutEvent) isClientEvent() {}
func (ackOutEvent) isClientEvent()         {}
func (stoppingEvent) isClientEvent()       {}

// outItem is one outbound logical message. raw, when non-nil, is an
// already-encoded body written verbatim (publish payloads).
type outItem struct {
	header message.RequestHeader
	body   any
	raw    []byte
}

// readLoop consumes frames and forwards typed events. A non-empty
// service_method marks a server-initiated message (publication or ack);
// everything else is a response.
func (c *Client) readLoop(src *codec.Source) {
	defer c.sendEvent(stoppingEvent{})

	for {
		var h message.AnyHeader
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

		if h.IsResponse() {
			c.sendEvent(responseInEvent{id: h.ID, isError: h.IsError, body: body})
			continue
		}

		req, err := message.Classify(message.RequestHeader{ID: h.ID, ServiceMethod: h.ServiceMethod})
		if err != nil {
			c.logger.Warn("unclassifiable server message", "service_method", h.ServiceMethod)
			continue
		}
		switch req.Kind {
		case message.KindPublish:
			// Publication headers carry the hub sequence id in the id slot.
			c.sendEvent(publicationInEvent{seq: pubsub.SeqID(h.ID), topic: req.Topic, body: body})
		case message.KindAck:
			c.sendEvent(serverAckEvent{id: h.ID})
		default:
			c.logger.Warn("unexpected server message kind", "service_method", h.ServiceMethod)
		}
	}
}

// writeLoop drains outbound items in FIFO order and closes the sink on exit,
// which performs the transport's graceful shutdown.
func (c *Client) writeLoop(sink *codec.Sink) {
	defer close(c.writerDead)
	defer sink.Close()

	for item := range c.outQ {
		var err error
		if item.raw != nil {
			_, err = sink.WriteRawMessage(item.header, item.raw)
		} else {
			_, err = sink.WriteMessage(item.header, item.body)
		}
		if err != nil {
			c.logger.Warn("write failed", "error", err)
			return
		}
	}
}

// brokerLoop owns the pending-call table, the local subscription table and
// the publish-ack waiters.
func (c *Client) brokerLoop() {
	defer close(c.connDone)

	pending := make(map[message.MessageID]*Call)
	subs := make(map[string]*Subscription)
	pubWaiters := make(map[message.MessageID]chan struct{})

	for ev := range c.events {
		switch e := ev.(type) {
		case callEvent:
			pending[e.call.id] = e.call
			if e.hasTimeout {
				c.push(outItem{
					header: message.RequestHeader{ID: e.call.id, ServiceMethod: message.TimeoutToken},
					body:   message.TimeoutBody{Nanos: int64(e.timeout)},
				})
			}
			c.push(outItem{
				header: message.RequestHeader{ID: e.call.id, ServiceMethod: e.serviceMethod},
				body:   e.args,
			})

		case cancelCallEvent:
			call, ok := pending[e.id]
			if !ok {
				// Already resolved; cancel after response is a no-op.
				continue
			}
			delete(pending, e.id)
			call.resolve(nil, message.CanceledError(e.id))
			c.push(outItem{
				header: message.RequestHeader{ID: e.id, ServiceMethod: message.CancelToken},
				body:   message.CancelBody(e.id),
			})

		case responseInEvent:
			call, ok := pending[e.id]
			if !ok {
				// Response for a call we cancelled; drop it.
				continue
			}
			delete(pending, e.id)
			if e.isError {
				var body message.ErrorBody
				if err := e.body.Decode(&body); err != nil {
					call.resolve(nil, message.WrapError(message.KindInternal, err))
				} else {
					call.resolve(nil, message.FromBody(body))
				}
			} else {
				call.resolve(e.body, nil)
			}

		case publicationInEvent:
			c.handlePublication(subs, e)

		case serverAckEvent:
			if ch, ok := pubWaiters[e.id]; ok {
				close(ch)
				delete(pubWaiters, e.id)
			}

		case publishOutEvent:
			if e.ackCh != nil {
				pubWaiters[e.id] = e.ackCh
			}
			c.push(outItem{
				header: message.RequestHeader{
					ID:            e.id,
					ServiceMethod: message.TopicMethod(message.PublishToken, e.topic),
				},
				raw: e.payload,
			})

		case subscribeOutEvent:
			if prev, ok := subs[e.sub.topic]; ok {
				// Second subscription to a topic replaces the first.
				close(prev.ch)
			}
			subs[e.sub.topic] = e.sub
			c.push(outItem{
				header: message.RequestHeader{
					ID:            c.allocID(),
					ServiceMethod: message.TopicMethod(message.SubscribeToken, e.sub.topic),
				},
			})

		case unsubscribeOutEvent:
			if subs[e.sub.topic] != e.sub {
				// A replacement already superseded this subscription.
				continue
			}
			delete(subs, e.sub.topic)
			close(e.sub.ch)
			c.push(outItem{
				header: message.RequestHeader{
					ID:            c.allocID(),
					ServiceMethod: message.TopicMethod(message.UnsubscribeToken, e.sub.topic),
				},
			})

		case ackOutEvent:
			c.pushAck(e.seq)

		case stoppingEvent:
			for id, call := range pending {
				delete(pending, id)
				call.resolve(nil, errClosed)
			}
			for topic, sub := range subs {
				delete(subs, topic)
				close(sub.ch)
			}
			close(c.outQ)
			return
		}
	}
}

// handlePublication routes one inbound publication to its local
// subscription, deduplicating retransmissions by sequence id. A full
// subscription buffer defers in manual ack mode (no ack, the hub retries)
// and drops oldest otherwise.
func (c *Client) handlePublication(subs map[string]*Subscription, e publicationInEvent) {
	sub, ok := subs[e.topic]
	if !ok {
		return
	}
	if sub.sawSeq(e.seq) {
		// Retransmission of something already delivered; the application
		// acks on its own schedule, so just drop the duplicate.
		return
	}

	p := &Publication{Seq: e.seq, Topic: e.topic, body: e.body, client: c}
	select {
	case sub.ch <- p:
	default:
		if c.ackMode == pubsub.AckManual {
			c.logger.Debug("subscription buffer full, awaiting retry",
				"topic", e.topic, "seq", uint64(e.seq))
			return
		}
		select {
		case <-sub.ch:
			c.logger.Warn("subscription buffer full, dropped oldest", "topic", e.topic)
		default:
		}
		select {
		case sub.ch <- p:
		default:
			return
		}
	}
	sub.markSeen(e.seq)
}

func (c *Client) pushAck(seq pubsub.SeqID) {
	c.push(outItem{
		header: message.RequestHeader{ID: c.allocID(), ServiceMethod: message.AckToken},
		body:   uint64(seq),
	})
}
