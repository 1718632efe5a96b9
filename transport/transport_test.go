package transport

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tcpPair returns two connected framed TCP streams.
func tcpPair(t *testing.T) (*Stream, *Stream) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	dialed, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server := <-accepted

	t.Cleanup(func() {
		dialed.Close()
		server.Close()
	})
	return NewStream(dialed), NewStream(server)
}

func TestStreamRoundTrip(t *testing.T) {
	a, b := tcpPair(t)

	frames := [][]byte{
		[]byte("hello"),
		{},
		[]byte(strings.Repeat("x", 70000)), // spans several TCP segments
	}
	writeErr := make(chan error, 1)
	go func() {
		for _, f := range frames {
			if err := a.WriteFrame(f); err != nil {
				writeErr <- err
				return
			}
		}
		writeErr <- nil
	}()

	for _, want := range frames {
		got, err := b.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, len(want), len(got))
		assert.Equal(t, []byte(want), got)
	}
	require.NoError(t, <-writeErr)
}

func TestStreamEOFOnClose(t *testing.T) {
	a, b := tcpPair(t)

	require.NoError(t, a.WriteFrame([]byte("last")))
	require.NoError(t, a.Close())

	got, err := b.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte("last"), got)

	_, err = b.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStreamFrameSizeLimit(t *testing.T) {
	a, b := tcpPair(t)
	b.SetMaxFrameSize(8)

	require.NoError(t, a.WriteFrame([]byte("0123456789abcdef")))

	_, err := b.ReadFrame()
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
}

func TestDial(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s := NewStream(conn)
		frame, err := s.ReadFrame()
		if err == nil {
			_ = s.WriteFrame(frame)
		}
	}()

	s, err := Dial(ln.Addr().String())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.WriteFrame([]byte("ping")))
	got, err := s.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), got)
}

func TestWebSocketRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	serverSide := make(chan *WebSocket, 1)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverSide <- NewWebSocket(conn)
	}))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	client, err := DialWebSocket(url)
	require.NoError(t, err)

	server := <-serverSide

	require.NoError(t, client.WriteFrame([]byte("one binary message")))
	got, err := server.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte("one binary message"), got)

	require.NoError(t, server.WriteFrame([]byte{})) // empty frames survive
	got, err = client.ReadFrame()
	require.NoError(t, err)
	assert.Empty(t, got)

	// Close frame surfaces as a clean EOF on the peer.
	require.NoError(t, client.Close())
	_, err = server.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}
