package rpc

import (
	"io"

	"github.com/gorilla/websocket"
)

// WSStream adapts a websocket connection to the byte-stream interface
// the transport consumes, so plugins may attach over a socket instead of
// stdio. Each outgoing frame is one binary message; encodeFrame hands
// the transport a single buffer per frame, so the one-Write-one-message
// mapping holds.
type WSStream struct {
	conn *websocket.Conn
	cur  io.Reader
}

// NewWSStream wraps an established websocket connection.
func NewWSStream(conn *websocket.Conn) *WSStream {
	return &WSStream{conn: conn}
}

// Read streams bytes across message boundaries.
func (s *WSStream) Read(p []byte) (int, error) {
	for {
		if s.cur == nil {
			_, r, err := s.conn.NextReader()
			if err != nil {
				return 0, err
			}
			s.cur = r
		}
		n, err := s.cur.Read(p)
		if err == io.EOF {
			s.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Write sends p as a single binary message.
func (s *WSStream) Write(p []byte) (int, error) {
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close closes the underlying connection.
func (s *WSStream) Close() error {
	return s.conn.Close()
}
