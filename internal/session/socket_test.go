package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// echoSocketServer upgrades each request and echoes every message back,
// splitting the payload across two frames so the reader side has to
// stream across message boundaries.
func echoSocketServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			half := len(data) / 2
			if err := conn.WriteMessage(websocket.BinaryMessage, data[:half]); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, data[half:]); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSocketLauncherRoundTrip(t *testing.T) {
	srv := echoSocketServer(t)

	launcher := &SocketLauncher{URL: wsURL(srv)}
	endpoint, err := launcher.Launch(context.Background())
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer endpoint.Closer.Close()

	msg := []byte("Content-Length: 2\r\n\r\n{}")
	if _, err := endpoint.Writer.Write(msg); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// The echo comes back in two frames; Read must stitch them.
	got := make([]byte, len(msg))
	for off := 0; off < len(msg); {
		n, err := endpoint.Reader.Read(got[off:])
		if err != nil {
			t.Fatalf("Read after %d bytes: %v", off, err)
		}
		off += n
	}
	if string(got) != string(msg) {
		t.Errorf("echo = %q, want %q", got, msg)
	}
}

func TestSocketLauncherCloseSignalsExit(t *testing.T) {
	srv := echoSocketServer(t)

	launcher := &SocketLauncher{URL: wsURL(srv)}
	endpoint, err := launcher.Launch(context.Background())
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	select {
	case <-endpoint.Exited:
		t.Fatal("exit signalled before close")
	default:
	}

	if err := endpoint.Closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case cause := <-endpoint.Exited:
		if cause != nil {
			t.Errorf("exit cause = %v, want nil", cause)
		}
	case <-time.After(time.Second):
		t.Fatal("no exit signal after close")
	}

	// Closing again must not panic or double-signal.
	_ = endpoint.Closer.Close()
	if _, open := <-endpoint.Exited; open {
		t.Error("exit channel still open after drain")
	}
}

func TestSocketLauncherDialFailure(t *testing.T) {
	launcher := &SocketLauncher{URL: "ws://127.0.0.1:1/nope"}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := launcher.Launch(ctx); err == nil {
		t.Fatal("Launch succeeded against a closed port")
	}
}
