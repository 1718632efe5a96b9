package transport

import (
	"bufio"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// Stream frames an ordered byte stream (TCP, TLS, net.Pipe) with a 4-byte
// big-endian length prefix per frame.
type Stream struct {
	conn io.ReadWriteCloser
	br   *bufio.Reader
	max  uint32
	lbuf [4]byte
}

// NewStream wraps a byte stream connection. TLS needs no special handling
// here: a *tls.Conn is just another io.ReadWriteCloser.
func NewStream(conn io.ReadWriteCloser) *Stream {
	return &Stream{
		conn: conn,
		br:   bufio.NewReader(conn),
		max:  DefaultMaxFrameSize,
	}
}

// SetMaxFrameSize overrides the inbound frame size bound. Must be called
// before the first read.
func (s *Stream) SetMaxFrameSize(n uint32) { s.max = n }

// ReadFrame reads one length-prefixed frame. A clean close between frames is
// io.EOF; a close inside a frame is io.ErrUnexpectedEOF.
func (s *Stream) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(s.br, s.lbuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(s.lbuf[:])
	if n > s.max {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit %d", n, s.max)
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(s.br, frame); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return frame, nil
}

// WriteFrame writes one length-prefixed frame.
func (s *Stream) WriteFrame(p []byte) error {
	var lbuf [4]byte
	binary.BigEndian.PutUint32(lbuf[:], uint32(len(p)))
	if _, err := s.conn.Write(lbuf[:]); err != nil {
		return err
	}
	_, err := s.conn.Write(p)
	return err
}

// Close half-closes the write side when the connection supports it, giving
// the peer a clean EOF, then releases the connection.
func (s *Stream) Close() error {
	type closeWriter interface{ CloseWrite() error }
	if cw, ok := s.conn.(closeWriter); ok {
		_ = cw.CloseWrite()
	}
	return s.conn.Close()
}

// Dial connects to a TCP peer and returns a framed stream.
func Dial(addr string) (*Stream, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewStream(conn), nil
}

// DialTLS connects to a TLS peer and returns a framed stream.
func DialTLS(addr string, cfg *tls.Config) (*Stream, error) {
	conn, err := tls.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, err
	}
	return NewStream(conn), nil
}
