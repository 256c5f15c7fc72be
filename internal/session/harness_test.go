package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// wireMsg mirrors the JSON-RPC envelope for test-side scripting.
type wireMsg struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

func writeTestFrame(w io.Writer, msg wireMsg) error {
	msg.JSONRPC = "2.0"
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "Content-Length: %d\r\n\r\n%s", len(payload), payload)
	return err
}

func readTestFrame(r *bufio.Reader) (wireMsg, error) {
	var msg wireMsg
	length := -1
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return msg, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if name, value, ok := strings.Cut(line, ":"); ok && strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			length, _ = strconv.Atoi(strings.TrimSpace(value))
		}
	}
	if length < 0 {
		return msg, fmt.Errorf("missing content length")
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return msg, err
	}
	err := json.Unmarshal(body, &msg)
	return msg, err
}

// fakeServer scripts the peer side of a session: it answers initialize
// automatically, records traffic, and lets tests leave chosen methods
// unanswered or kill the process.
type fakeServer struct {
	// session's end: reads sessRead, writes sessWrite
	sessRead  *io.PipeReader
	sessWrite *io.PipeWriter
	// server's end
	srvRead  *io.PipeReader
	srvWrite *io.PipeWriter

	r      *bufio.Reader
	exited chan error

	mu       sync.Mutex
	silent   map[string]bool
	handlers map[string]func(params json.RawMessage) (any, error)
	dead     bool

	notifications chan wireMsg
	requests      chan wireMsg
}

func newFakeServer() *fakeServer {
	sessRead, srvWrite := io.Pipe()
	srvRead, sessWrite := io.Pipe()

	f := &fakeServer{
		sessRead:      sessRead,
		sessWrite:     sessWrite,
		srvRead:       srvRead,
		srvWrite:      srvWrite,
		r:             bufio.NewReader(srvRead),
		exited:        make(chan error, 1),
		silent:        make(map[string]bool),
		handlers:      make(map[string]func(json.RawMessage) (any, error)),
		notifications: make(chan wireMsg, 64),
		requests:      make(chan wireMsg, 64),
	}
	go f.run()
	return f
}

func (f *fakeServer) endpoint() *Endpoint {
	return &Endpoint{
		Reader: f.sessRead,
		Writer: f.sessWrite,
		Closer: nopCloser{},
		Exited: f.exited,
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// mute leaves a method unanswered, so its request stays pending.
func (f *fakeServer) mute(method string) {
	f.mu.Lock()
	f.silent[method] = true
	f.mu.Unlock()
}

// handle installs a scripted response for a method.
func (f *fakeServer) handle(method string, fn func(params json.RawMessage) (any, error)) {
	f.mu.Lock()
	f.handlers[method] = fn
	f.mu.Unlock()
}

// notify sends a server-initiated notification.
func (f *fakeServer) notify(method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return writeTestFrame(f.srvWrite, wireMsg{Method: method, Params: raw})
}

// sendRaw frames an arbitrary payload, valid JSON or not.
func (f *fakeServer) sendRaw(payload string) error {
	_, err := fmt.Fprintf(f.srvWrite, "Content-Length: %d\r\n\r\n%s", len(payload), payload)
	return err
}

// request sends a server-initiated request with the given id.
func (f *fakeServer) request(id uint64, method string, params any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return writeTestFrame(f.srvWrite, wireMsg{ID: &id, Method: method, Params: raw})
}

// crash simulates process death: both pipes break and the exit channel
// fires.
func (f *fakeServer) crash(cause error) {
	f.mu.Lock()
	if f.dead {
		f.mu.Unlock()
		return
	}
	f.dead = true
	f.mu.Unlock()

	_ = f.srvWrite.Close() // session's reader sees EOF
	_ = f.sessWrite.CloseWithError(io.ErrClosedPipe)
	f.exited <- cause
	close(f.exited)
}

func (f *fakeServer) run() {
	for {
		msg, err := readTestFrame(f.r)
		if err != nil {
			return
		}
		if msg.ID == nil && msg.Method != "" {
			select {
			case f.notifications <- msg:
			default:
			}
			continue
		}
		if msg.Method == "" {
			// Response to a server-initiated request; tests read these
			// from the requests channel too.
			select {
			case f.requests <- msg:
			default:
			}
			continue
		}

		select {
		case f.requests <- msg:
		default:
		}

		f.mu.Lock()
		muted := f.silent[msg.Method]
		handler := f.handlers[msg.Method]
		f.mu.Unlock()

		if muted {
			continue
		}

		switch {
		case handler != nil:
			result, herr := handler(msg.Params)
			if herr != nil {
				errObj, _ := json.Marshal(map[string]any{"code": -32603, "message": herr.Error()})
				_ = writeTestFrame(f.srvWrite, wireMsg{ID: msg.ID, Error: errObj})
				continue
			}
			raw, _ := json.Marshal(result)
			_ = writeTestFrame(f.srvWrite, wireMsg{ID: msg.ID, Result: raw})

		case msg.Method == MethodInitialize:
			raw, _ := json.Marshal(InitializeResult{
				ServerInfo: &ServerInfo{Name: "fake-server", Version: "1.0"},
			})
			_ = writeTestFrame(f.srvWrite, wireMsg{ID: msg.ID, Result: raw})

		default:
			_ = writeTestFrame(f.srvWrite, wireMsg{ID: msg.ID, Result: json.RawMessage(`null`)})
		}
	}
}

// waitNotification blocks for the next notification with the given
// method, skipping others.
func (f *fakeServer) waitNotification(t *testing.T, method string) wireMsg {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-f.notifications:
			if msg.Method == method {
				return msg
			}
		case <-deadline:
			t.Fatalf("no %s notification", method)
			return wireMsg{}
		}
	}
}

// fakeLauncher yields a fresh fakeServer per Launch and publishes each
// one so supervisor tests can reach the replacement's script.
type fakeLauncher struct {
	mu       sync.Mutex
	servers  []*fakeServer
	launched chan *fakeServer
	prepare  func(*fakeServer)
	failNext bool
}

func newFakeLauncher(prepare func(*fakeServer)) *fakeLauncher {
	return &fakeLauncher{
		launched: make(chan *fakeServer, 8),
		prepare:  prepare,
	}
}

func (l *fakeLauncher) Launch(_ context.Context) (*Endpoint, error) {
	l.mu.Lock()
	if l.failNext {
		l.failNext = false
		l.mu.Unlock()
		return nil, fmt.Errorf("spawn refused")
	}
	l.mu.Unlock()

	srv := newFakeServer()
	if l.prepare != nil {
		l.prepare(srv)
	}
	l.mu.Lock()
	l.servers = append(l.servers, srv)
	l.mu.Unlock()
	select {
	case l.launched <- srv:
	default:
	}
	return srv.endpoint(), nil
}

func (l *fakeLauncher) latest() *fakeServer {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.servers) == 0 {
		return nil
	}
	return l.servers[len(l.servers)-1]
}
