package pubsub

import (
	"log/slog"
	"time"
)

// Default hub tuning, overridable through HubConfig.
const (
	DefaultMaxRetries    = 3
	DefaultRetryInterval = 500 * time.Millisecond
	DefaultMailboxSize   = 16
)

// Mirror receives a copy of every publication the hub accepts. Used by the
// optional NATS bridge; a nil mirror disables mirroring.
type Mirror interface {
	MirrorPublication(p Publication)
}

// HubConfig tunes a Hub.
type HubConfig struct {
	// AckMode selects the delivery-confirmation policy. In AckManual the
	// hub retains each publication until every subscriber at publish time
	// has acked it, retrying up to MaxRetries times.
	AckMode       AckMode
	MaxRetries    int
	RetryInterval time.Duration
	// MailboxSize bounds each subscriber mailbox the server side creates;
	// recorded here so all hub users share one setting.
	MailboxSize int
	Mirror      Mirror
	Logger      *slog.Logger
}

func (c HubConfig) withDefaults() HubConfig {
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.MailboxSize == 0 {
		c.MailboxSize = DefaultMailboxSize
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With("component", "pubsub-hub")
	}
	return c
}

type subscribeReq struct {
	client  ClientID
	topic   string
	mailbox chan Publication
}

type unsubscribeReq struct {
	client ClientID
	topic  string
}

type publishReq struct {
	client  ClientID
	topic   string
	payload []byte
}

type ackReq struct {
	client ClientID
	seq    SeqID
}

// pubEntry tracks one retained publication in AckManual mode until every
// pending subscriber acks or the retry budget runs out.
type pubEntry struct {
	pub     Publication
	pending map[ClientID]struct{}
	retries int
	timer   *time.Timer
}

// Hub routes publications to subscriber mailboxes. All state is owned by the
// single goroutine running Run; accessors communicate over channels only.
type Hub struct {
	cfg HubConfig

	subscribes   chan subscribeReq
	unsubscribes chan unsubscribeReq
	publishes    chan publishReq
	acks         chan ackReq
	disconnects  chan ClientID
	retryFires   chan SeqID
	done         chan struct{}

	// Owned by the Run goroutine.
	topics   map[string]map[ClientID]chan Publication
	byClient map[ClientID]map[string]struct{}
	pending  map[SeqID]*pubEntry
	nextSeq  SeqID

	logger *slog.Logger
}

// NewHub creates a hub and starts its event loop.
func NewHub(cfg HubConfig) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:          cfg,
		subscribes:   make(chan subscribeReq),
		unsubscribes: make(chan unsubscribeReq),
		publishes:    make(chan publishReq),
		acks:         make(chan ackReq),
		disconnects:  make(chan ClientID),
		retryFires:   make(chan SeqID),
		done:         make(chan struct{}),
		topics:       make(map[string]map[ClientID]chan Publication),
		byClient:     make(map[ClientID]map[string]struct{}),
		pending:      make(map[SeqID]*pubEntry),
		nextSeq:      1,
		logger:       cfg.Logger,
	}
	go h.run()
	return h
}

// MailboxSize returns the configured per-subscriber mailbox bound.
func (h *Hub) MailboxSize() int { return h.cfg.MailboxSize }

// AckMode returns the hub's delivery-confirmation policy.
func (h *Hub) AckMode() AckMode { return h.cfg.AckMode }

// Close stops the hub loop. Pending retry timers are dropped; accessor calls
// after Close are no-ops.
func (h *Hub) Close() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

// Subscribe registers mailbox for (client, topic), replacing any previous
// subscription for the same pair.
func (h *Hub) Subscribe(client ClientID, topic string, mailbox chan Publication) {
	select {
	case h.subscribes <- subscribeReq{client, topic, mailbox}:
	case <-h.done:
	}
}

// Unsubscribe removes the (client, topic) subscription if present.
func (h *Hub) Unsubscribe(client ClientID, topic string) {
	select {
	case h.unsubscribes <- unsubscribeReq{client, topic}:
	case <-h.done:
	}
}

// Publish hands a payload to the hub for fan-out. The payload is shared by
// reference from here on and must not be mutated by the caller.
func (h *Hub) Publish(client ClientID, topic string, payload []byte) {
	select {
	case h.publishes <- publishReq{client, topic, payload}:
	case <-h.done:
	}
}

// Ack records a subscriber's confirmation of a delivered publication.
func (h *Hub) Ack(client ClientID, seq SeqID) {
	select {
	case h.acks <- ackReq{client, seq}:
	case <-h.done:
	}
}

// Disconnect purges all subscriptions and pending acks for a client. Called
// by the connection broker on shutdown.
func (h *Hub) Disconnect(client ClientID) {
	select {
	case h.disconnects <- client:
	case <-h.done:
	}
}

func (h *Hub) run() {
	for {
		select {
		case req := <-h.subscribes:
			h.handleSubscribe(req)
		case req := <-h.unsubscribes:
			h.handleUnsubscribe(req.client, req.topic)
		case req := <-h.publishes:
			h.handlePublish(req)
		case req := <-h.acks:
			h.handleAck(req)
		case client := <-h.disconnects:
			h.handleDisconnect(client)
		case seq := <-h.retryFires:
			h.handleRetry(seq)
		case <-h.done:
			for _, entry := range h.pending {
				entry.timer.Stop()
			}
			return
		}
	}
}

func (h *Hub) handleSubscribe(req subscribeReq) {
	subs := h.topics[req.topic]
	if subs == nil {
		subs = make(map[ClientID]chan Publication)
		h.topics[req.topic] = subs
	}
	// Replacing silently unsubscribes the previous mailbox for this pair.
	subs[req.client] = req.mailbox

	clientTopics := h.byClient[req.client]
	if clientTopics == nil {
		clientTopics = make(map[string]struct{})
		h.byClient[req.client] = clientTopics
	}
	clientTopics[req.topic] = struct{}{}

	h.logger.Debug("subscribed", "client", req.client, "topic", req.topic)
}

func (h *Hub) handleUnsubscribe(client ClientID, topic string) {
	if subs, ok := h.topics[topic]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
	if clientTopics, ok := h.byClient[client]; ok {
		delete(clientTopics, topic)
		if len(clientTopics) == 0 {
			delete(h.byClient, client)
		}
	}
}

func (h *Hub) handlePublish(req publishReq) {
	seq := h.nextSeq
	h.nextSeq++

	pub := Publication{Seq: seq, Topic: req.topic, Payload: req.payload}
	if h.cfg.Mirror != nil {
		h.cfg.Mirror.MirrorPublication(pub)
	}

	subs := h.topics[req.topic]
	if len(subs) == 0 {
		return
	}

	if h.cfg.AckMode != AckManual {
		for client, mailbox := range subs {
			h.deliverBestEffort(client, mailbox, pub)
		}
		return
	}

	// Manual mode: retain the publication until every subscriber at publish
	// time has acked, retrying on a timer. A full mailbox now is not a drop;
	// the retry pass delivers it later.
	entry := &pubEntry{
		pub:     pub,
		pending: make(map[ClientID]struct{}, len(subs)),
	}
	for client, mailbox := range subs {
		entry.pending[client] = struct{}{}
		h.tryDeliver(client, mailbox, pub)
	}
	entry.timer = h.armRetry(seq)
	h.pending[seq] = entry
}

// deliverBestEffort try-sends, dropping the oldest queued publication for
// this subscriber to make room when the mailbox is full.
func (h *Hub) deliverBestEffort(client ClientID, mailbox chan Publication, pub Publication) {
	select {
	case mailbox <- pub:
		return
	default:
	}
	select {
	case <-mailbox:
		h.logger.Warn("mailbox full, dropped oldest publication",
			"client", client, "topic", pub.Topic)
	default:
	}
	select {
	case mailbox <- pub:
	default:
		h.logger.Warn("mailbox full, publication dropped",
			"client", client, "topic", pub.Topic, "seq", uint64(pub.Seq))
	}
}

// tryDeliver try-sends without dropping; in manual mode an undelivered
// publication stays pending for the retry pass.
func (h *Hub) tryDeliver(client ClientID, mailbox chan Publication, pub Publication) {
	select {
	case mailbox <- pub:
	default:
		h.logger.Debug("mailbox full, deferring to retry",
			"client", client, "topic", pub.Topic, "seq", uint64(pub.Seq))
	}
}

func (h *Hub) armRetry(seq SeqID) *time.Timer {
	return time.AfterFunc(h.cfg.RetryInterval, func() {
		select {
		case h.retryFires <- seq:
		case <-h.done:
		}
	})
}

func (h *Hub) handleAck(req ackReq) {
	entry, ok := h.pending[req.seq]
	if !ok {
		// Acks are accepted only for seq ids the hub issued and not yet
		// collected; anything else is ignored.
		h.logger.Debug("ack for unknown publication", "client", req.client, "seq", uint64(req.seq))
		return
	}
	delete(entry.pending, req.client)
	if len(entry.pending) == 0 {
		entry.timer.Stop()
		delete(h.pending, req.seq)
	}
}

func (h *Hub) handleRetry(seq SeqID) {
	entry, ok := h.pending[seq]
	if !ok {
		return
	}
	if entry.retries >= h.cfg.MaxRetries {
		h.logger.Warn("publication retired without full acknowledgement",
			"topic", entry.pub.Topic, "seq", uint64(seq), "unacked", len(entry.pending))
		delete(h.pending, seq)
		return
	}
	entry.retries++
	for client := range entry.pending {
		subs := h.topics[entry.pub.Topic]
		mailbox, ok := subs[client]
		if !ok {
			// Subscriber left; stop waiting for it.
			delete(entry.pending, client)
			continue
		}
		h.tryDeliver(client, mailbox, entry.pub)
	}
	if len(entry.pending) == 0 {
		delete(h.pending, seq)
		return
	}
	entry.timer = h.armRetry(seq)
}

func (h *Hub) handleDisconnect(client ClientID) {
	for topic := range h.byClient[client] {
		if subs, ok := h.topics[topic]; ok {
			delete(subs, client)
			if len(subs) == 0 {
				delete(h.topics, topic)
			}
		}
	}
	delete(h.byClient, client)

	for seq, entry := range h.pending {
		delete(entry.pending, client)
		if len(entry.pending) == 0 {
			entry.timer.Stop()
			delete(h.pending, seq)
		}
	}
}
