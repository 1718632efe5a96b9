package server

import (
	"github.com/stormasm/toy-rpc/codec"
	"github.com/stormasm/toy-rpc/message"
	"github.com/stormasm/toy-rpc/pubsub"
)

// Writer items. The writer goroutine has exclusive use of the transport
// write half, so each item's header and body frames go out as an atomic pair.
type writerItem interface{ isWriterItem() }

// responseItem answers one RPC call.
type responseItem struct {
	id     message.MessageID
	result any
	err    *message.Error
}

// publicationItem delivers one hub publication to this connection's
// subscriber. The payload is written verbatim; it was encoded once by the
// publisher and is shared across all fan-out targets.
type publicationItem struct {
	pub pubsub.Publication
}

// ackItem confirms a client publish in auto ack mode.
type ackItem struct {
	id message.MessageID
}

func (responseItem) isWriterItem()    {}
func (publicationItem) isWriterItem() {}
func (ackItem) isWriterItem()         {}

// writeLoop drains the outbound queue in FIFO order. It exits when the
// broker closes the queue (connection drain) or a write fails; either way it
// closes the sink, which performs the transport's graceful shutdown and, on
// the failure path, unsticks the reader.
func (c *connection) writeLoop(sink *codec.Sink) {
	defer close(c.writerDead)
	defer sink.Close()

	for item := range c.writeQ {
		var err error
		switch it := item.(type) {
		case responseItem:
			if it.err != nil {
				_, err = sink.WriteMessage(message.ResponseHeader{ID: it.id, IsError: true}, it.err.Body())
			} else {
				_, err = sink.WriteMessage(message.ResponseHeader{ID: it.id}, it.result)
			}
		case publicationItem:
			header := message.RequestHeader{
				ID:            message.MessageID(it.pub.Seq),
				ServiceMethod: message.TopicMethod(message.PublishToken, it.pub.Topic),
			}
			_, err = sink.WriteRawMessage(header, it.pub.Payload)
		case ackItem:
			_, err = sink.WriteMessage(message.RequestHeader{ID: it.id, ServiceMethod: message.AckToken}, nil)
		}
		if err != nil {
			c.logger.Warn("write failed", "error", err)
			return
		}
	}
}
