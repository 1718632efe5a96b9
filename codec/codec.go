// Package codec maps header and body values to the byte payloads carried by
// transport frames. A Codec is a pluggable marshal/unmarshal pair; Source and
// Sink glue a Codec onto a frame stream, reading and writing one logical
// message as a header frame followed by a body frame.
package codec

import (
	"fmt"

	"github.com/stormasm/toy-rpc/message"
)

// Codec serializes header and body values. Implementations must be stateless
// and safe for concurrent use.
type Codec interface {
	// Name identifies the codec for negotiation and configuration ("json",
	// "msgpack").
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// ByName looks up a built-in codec by its configuration name.
func ByName(name string) (Codec, error) {
	switch name {
	case "json", "":
		return JSON{}, nil
	case "msgpack":
		return Msgpack{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// Deferred is a body frame whose typed decoding is deferred until a consumer
// that knows the target type asks for it. The reader dispatches on the header
// alone; the final decode runs in the worker, so a malformed body surfaces as
// an InvalidArgument response instead of tearing down the connection.
type Deferred struct {
	data  []byte
	codec Codec
}

// NewDeferred wraps raw body bytes with the codec that will decode them.
func NewDeferred(data []byte, c Codec) *Deferred {
	return &Deferred{data: data, codec: c}
}

// Decode unmarshals the held bytes into out. Failures are reported as parse
// errors so the broker can map them onto the right response kind.
func (d *Deferred) Decode(out any) error {
	if err := d.codec.Unmarshal(d.data, out); err != nil {
		return message.WrapError(message.KindParse, err)
	}
	return nil
}

// Bytes returns the undecoded body payload. The slice is shared; callers must
// not mutate it.
func (d *Deferred) Bytes() []byte { return d.data }

// Len returns the body payload length in bytes.
func (d *Deferred) Len() int { return len(d.data) }
