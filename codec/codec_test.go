package codec

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stormasm/toy-rpc/message"
)

// frameQueue is an in-memory frame stream for exercising Source and Sink
// without a socket.
type frameQueue struct {
	frames [][]byte
	closed bool
}

func (q *frameQueue) WriteFrame(p []byte) error {
	buf := make([]byte, len(p))
	copy(buf, p)
	q.frames = append(q.frames, buf)
	return nil
}

func (q *frameQueue) ReadFrame() ([]byte, error) {
	if len(q.frames) == 0 {
		return nil, io.EOF
	}
	f := q.frames[0]
	q.frames = q.frames[1:]
	return f, nil
}

func (q *frameQueue) Close() error {
	q.closed = true
	return nil
}

type testBody struct {
	A int    `json:"a" msgpack:"a"`
	B string `json:"b" msgpack:"b"`
}

func codecsUnderTest() []Codec {
	return []Codec{JSON{}, Msgpack{}}
}

func TestMessageRoundTrip(t *testing.T) {
	for _, c := range codecsUnderTest() {
		t.Run(c.Name(), func(t *testing.T) {
			q := &frameQueue{}
			sink := NewSink(q, c)
			src := NewSource(q, c)

			header := message.RequestHeader{ID: 5, ServiceMethod: "Arith.Add"}
			body := testBody{A: 3, B: "six"}

			n, err := sink.WriteMessage(header, body)
			require.NoError(t, err)
			assert.Positive(t, n)

			var gotHeader message.RequestHeader
			require.NoError(t, src.ReadHeader(&gotHeader))
			assert.Equal(t, header, gotHeader)

			deferred, err := src.ReadBody()
			require.NoError(t, err)

			var gotBody testBody
			require.NoError(t, deferred.Decode(&gotBody))
			assert.Equal(t, body, gotBody)
		})
	}
}

func TestResponseHeaderRoundTrip(t *testing.T) {
	for _, c := range codecsUnderTest() {
		t.Run(c.Name(), func(t *testing.T) {
			q := &frameQueue{}
			sink := NewSink(q, c)
			src := NewSource(q, c)

			_, err := sink.WriteMessage(message.ResponseHeader{ID: 9, IsError: true}, nil)
			require.NoError(t, err)

			var h message.AnyHeader
			require.NoError(t, src.ReadHeader(&h))
			assert.True(t, h.IsResponse())
			assert.Equal(t, message.MessageID(9), h.ID)
			assert.True(t, h.IsError)
		})
	}
}

func TestRawBodyPassthrough(t *testing.T) {
	q := &frameQueue{}
	sink := NewSink(q, JSON{})
	src := NewSource(q, JSON{})

	payload := []byte(`{"a":1,"b":"two"}`)
	_, err := sink.WriteRawMessage(message.RequestHeader{ID: 1, ServiceMethod: "RPC_PUB.t"}, payload)
	require.NoError(t, err)

	var h message.RequestHeader
	require.NoError(t, src.ReadHeader(&h))

	deferred, err := src.ReadBody()
	require.NoError(t, err)
	assert.Equal(t, payload, deferred.Bytes())

	var got testBody
	require.NoError(t, deferred.Decode(&got))
	assert.Equal(t, testBody{A: 1, B: "two"}, got)
}

func TestZeroLengthBody(t *testing.T) {
	for _, c := range codecsUnderTest() {
		t.Run(c.Name(), func(t *testing.T) {
			q := &frameQueue{}
			sink := NewSink(q, c)
			src := NewSource(q, c)

			_, err := sink.WriteRawMessage(message.RequestHeader{ID: 2, ServiceMethod: "RPC_SUB.t"}, nil)
			require.NoError(t, err)

			var h message.RequestHeader
			require.NoError(t, src.ReadHeader(&h))

			deferred, err := src.ReadBody()
			require.NoError(t, err)
			assert.Equal(t, 0, deferred.Len())
		})
	}
}

func TestDecodeFailureIsParseError(t *testing.T) {
	d := NewDeferred([]byte(`{"a":"not a number"}`), JSON{})

	var got testBody
	err := d.Decode(&got)
	require.Error(t, err)

	var e *message.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, message.KindParse, e.Kind)
}

func TestSourceEOF(t *testing.T) {
	src := NewSource(&frameQueue{}, JSON{})

	var h message.RequestHeader
	assert.ErrorIs(t, src.ReadHeader(&h), io.EOF)
}

func TestTruncatedMessageIsIOError(t *testing.T) {
	q := &frameQueue{}
	sink := NewSink(q, JSON{})
	src := NewSource(q, JSON{})

	// Header frame without its body frame.
	_, err := sink.WriteMessage(message.RequestHeader{ID: 3, ServiceMethod: "a.b"}, testBody{})
	require.NoError(t, err)
	q.frames = q.frames[:1]

	var h message.RequestHeader
	require.NoError(t, src.ReadHeader(&h))

	_, err = src.ReadBody()
	require.Error(t, err)

	var e *message.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, message.KindIO, e.Kind)
}

func TestByName(t *testing.T) {
	c, err := ByName("json")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())

	c, err = ByName("msgpack")
	require.NoError(t, err)
	assert.Equal(t, "msgpack", c.Name())

	_, err = ByName("xml")
	assert.Error(t, err)
}
