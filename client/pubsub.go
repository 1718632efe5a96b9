package client

import (
	"time"

	"github.com/stormasm/toy-rpc/codec"
	"github.com/stormasm/toy-rpc/message"
	"github.com/stormasm/toy-rpc/pubsub"
)

// maxSeenSeqs bounds the per-subscription dedup set.
const maxSeenSeqs = 1024

// Publication is one delivered pub/sub message. Decode it into the expected
// type; in manual ack mode, Ack it once processed.
type Publication struct {
	Seq   pubsub.SeqID
	Topic string

	body   *codec.Deferred
	client *Client
}

// Decode unmarshals the publication payload into out.
func (p *Publication) Decode(out any) error { return p.body.Decode(out) }

// Payload returns the raw publication bytes. The slice is shared; callers
// must not mutate it.
func (p *Publication) Payload() []byte { return p.body.Bytes() }

// Ack confirms delivery to the hub. Only meaningful in manual ack mode; a
// no-op otherwise.
func (p *Publication) Ack() {
	if p.client.ackMode != pubsub.AckManual {
		return
	}
	p.client.sendEvent(ackOutEvent{seq: p.Seq})
}

// Subscription is a local sink for one topic. Publications arrive on C in
// hub enqueue order; the channel closes on Unsubscribe, replacement by a
// newer subscription to the same topic, or connection shutdown.
type Subscription struct {
	topic  string
	client *Client
	ch     chan *Publication

	// seen is the dedup set for retransmitted publications. Owned by the
	// broker goroutine.
	seen map[pubsub.SeqID]struct{}
}

// C returns the delivery channel.
func (s *Subscription) C() <-chan *Publication { return s.ch }

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Unsubscribe removes the subscription and tells the server. The delivery
// channel closes; publications already buffered in it can still be received
// before the channel reports closed.
func (s *Subscription) Unsubscribe() {
	s.client.sendEvent(unsubscribeOutEvent{sub: s})
}

func (s *Subscription) sawSeq(seq pubsub.SeqID) bool {
	_, ok := s.seen[seq]
	return ok
}

func (s *Subscription) markSeen(seq pubsub.SeqID) {
	if len(s.seen) >= maxSeenSeqs {
		// Evict an arbitrary entry; retransmissions only chase recent seqs.
		for old := range s.seen {
			delete(s.seen, old)
			break
		}
	}
	s.seen[seq] = struct{}{}
}

// Subscribe registers a subscription for topic with the given buffer size
// (DefaultSubscriptionBuffer if non-positive) and sends the subscribe frame.
// Subscribing again to the same topic replaces the previous subscription.
func (c *Client) Subscribe(topic string, buffer int) (*Subscription, error) {
	if buffer <= 0 {
		buffer = DefaultSubscriptionBuffer
	}
	sub := &Subscription{
		topic:  topic,
		client: c,
		ch:     make(chan *Publication, buffer),
		seen:   make(map[pubsub.SeqID]struct{}),
	}
	if !c.sendEvent(subscribeOutEvent{sub: sub}) {
		return nil, errClosed
	}
	return sub, nil
}

// Publish encodes v with the connection codec and publishes it to topic. In
// auto ack mode it waits for the server's ack, bounded by the ack timeout.
func (c *Client) Publish(topic string, v any) error {
	payload, err := c.codec.Marshal(v)
	if err != nil {
		return message.WrapError(message.KindParse, err)
	}

	id := c.allocID()
	var ackCh chan struct{}
	if c.ackMode == pubsub.AckAuto {
		ackCh = make(chan struct{})
	}
	if !c.sendEvent(publishOutEvent{id: id, topic: topic, payload: payload, ackCh: ackCh}) {
		return errClosed
	}
	if ackCh == nil {
		return nil
	}

	timer := time.NewTimer(c.ackTimeout)
	defer timer.Stop()
	select {
	case <-ackCh:
		return nil
	case <-timer.C:
		return message.TimeoutError(id)
	case <-c.connDone:
		return errClosed
	}
}
