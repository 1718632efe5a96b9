package transport

import (
	"fmt"
	"io"
	"time"

	"github.com/gorilla/websocket"
)

// wsCloseGrace is how long Close waits for the Close frame to be written.
const wsCloseGrace = 5 * time.Second

// WebSocket adapts a gorilla WebSocket connection to a FrameStream: each
// frame is one binary message. Control frames (ping/pong) are handled by the
// gorilla read loop and never surface as frames.
type WebSocket struct {
	conn *websocket.Conn
}

// NewWebSocket wraps an already-established WebSocket connection, from either
// an Upgrader on the server side or a Dialer on the client side.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	conn.SetReadLimit(DefaultMaxFrameSize)
	return &WebSocket{conn: conn}
}

// ReadFrame returns the next binary message. A Close frame from the peer
// (normal or going-away) is a clean io.EOF; text messages are a protocol
// violation.
func (w *WebSocket) ReadFrame() ([]byte, error) {
	for {
		typ, data, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		switch typ {
		case websocket.BinaryMessage:
			return data, nil
		case websocket.TextMessage:
			return nil, fmt.Errorf("expected binary WebSocket message, got text")
		}
	}
}

// WriteFrame writes one binary message.
func (w *WebSocket) WriteFrame(p []byte) error {
	return w.conn.WriteMessage(websocket.BinaryMessage, p)
}

// Close sends a Close frame, then releases the connection. WriteControl is
// used so the frame goes out even though the writer goroutine has stopped
// consuming the queue.
func (w *WebSocket) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseGrace))
	return w.conn.Close()
}

// DialWebSocket connects to a WebSocket endpoint (ws:// or wss://) and
// returns a framed stream.
func DialWebSocket(url string) (*WebSocket, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocket(conn), nil
}
