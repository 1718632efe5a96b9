package codec

import (
	"errors"
	"io"

	"github.com/stormasm/toy-rpc/message"
)

// FrameReader is the read half of a frame stream. ReadFrame returns io.EOF
// when the peer closed the stream cleanly.
type FrameReader interface {
	ReadFrame() ([]byte, error)
}

// FrameWriter is the write half of a frame stream.
type FrameWriter interface {
	WriteFrame(p []byte) error
	Close() error
}

// Source decodes inbound logical messages from a frame stream. It is owned
// by a single reader goroutine.
type Source struct {
	r     FrameReader
	codec Codec
}

// NewSource builds a Source over the read half of a frame stream.
func NewSource(r FrameReader, c Codec) *Source {
	return &Source{r: r, codec: c}
}

// ReadHeader reads one frame and decodes it into out. It returns io.EOF on a
// clean peer close; any other failure is an io_error, since a header that
// cannot be decoded leaves the stream position unknowable.
func (s *Source) ReadHeader(out any) error {
	frame, err := s.r.ReadFrame()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return message.WrapError(message.KindIO, err)
	}
	if err := s.codec.Unmarshal(frame, out); err != nil {
		return message.WrapError(message.KindIO, err)
	}
	return nil
}

// ReadBody reads the body frame that follows a header and returns it as a
// deferred decoder. A stream that ends between header and body is a truncated
// message and reported as an io_error, not a clean EOF.
func (s *Source) ReadBody() (*Deferred, error) {
	frame, err := s.r.ReadFrame()
	if err != nil {
		return nil, message.WrapError(message.KindIO, err)
	}
	return NewDeferred(frame, s.codec), nil
}

// Sink encodes outbound logical messages onto a frame stream. It is owned by
// a single writer goroutine, which guarantees that the header and body frames
// of one message are never interleaved with another message's frames.
type Sink struct {
	w     FrameWriter
	codec Codec
}

// NewSink builds a Sink over the write half of a frame stream.
func NewSink(w FrameWriter, c Codec) *Sink {
	return &Sink{w: w, codec: c}
}

// WriteMessage marshals and writes one header/body pair, returning the total
// payload bytes written.
func (s *Sink) WriteMessage(header, body any) (int, error) {
	b, err := s.codec.Marshal(body)
	if err != nil {
		return 0, message.WrapError(message.KindParse, err)
	}
	return s.writeFrames(header, b)
}

// WriteRawMessage writes a header followed by an already-encoded body. Used
// for publication payloads, which fan out verbatim without re-encoding.
func (s *Sink) WriteRawMessage(header any, body []byte) (int, error) {
	return s.writeFrames(header, body)
}

func (s *Sink) writeFrames(header any, body []byte) (int, error) {
	h, err := s.codec.Marshal(header)
	if err != nil {
		return 0, message.WrapError(message.KindParse, err)
	}
	if err := s.w.WriteFrame(h); err != nil {
		return 0, message.WrapError(message.KindIO, err)
	}
	if err := s.w.WriteFrame(body); err != nil {
		return len(h), message.WrapError(message.KindIO, err)
	}
	return len(h) + len(body), nil
}

// Close closes the underlying write half, performing the transport's graceful
// shutdown (Close frame for WebSocket, half-close for TCP).
func (s *Sink) Close() error { return s.w.Close() }
