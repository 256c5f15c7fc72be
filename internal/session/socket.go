package session

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/kspine/lapce/internal/logging"
	"github.com/kspine/lapce/internal/rpc"
)

// SocketLauncher attaches to a peer already listening on a websocket
// URL instead of spawning it. Each Launch dials a fresh connection, so
// a supervised restart reconnects rather than respawns.
type SocketLauncher struct {
	URL    string
	Header http.Header

	// Dialer overrides websocket.DefaultDialer, mainly for tests.
	Dialer *websocket.Dialer
	Log    *logging.Logger
}

// Launch dials the peer and wraps the connection in the byte-stream
// form the transport consumes.
func (l *SocketLauncher) Launch(ctx context.Context) (*Endpoint, error) {
	dialer := l.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, l.URL, l.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", l.URL, err)
	}
	if l.Log != nil {
		l.Log.Debugf("attached to %s", l.URL)
	}

	stream := rpc.NewWSStream(conn)
	exited := make(chan error, 1)
	return &Endpoint{
		Reader: stream,
		Writer: stream,
		Closer: &socketCloser{stream: stream, exited: exited},
		Exited: exited,
	}, nil
}

// socketCloser reports a local close on the exit channel. A remote
// close surfaces as a read error on the transport, which the session
// monitor already watches.
type socketCloser struct {
	stream *rpc.WSStream
	exited chan error
	once   sync.Once
}

func (c *socketCloser) Close() error {
	err := c.stream.Close()
	c.once.Do(func() {
		c.exited <- nil
		close(c.exited)
	})
	return err
}
