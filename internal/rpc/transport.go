package rpc

import (
	"bufio"
	"io"
	"sync"
	"sync/atomic"

	"github.com/tidwall/gjson"

	"github.com/kspine/lapce/internal/logging"
)

// Handlers receive incoming messages, called from the read loop in wire
// order. They must not block; hand work off instead.
type (
	// ResponseHandler receives responses to previously issued requests.
	ResponseHandler func(*Response)
	// RequestHandler receives peer-initiated requests that expect a reply.
	RequestHandler func(*Request)
	// NotificationHandler receives fire-and-forget peer notifications.
	NotificationHandler func(*Notification)
	// ProtocolErrorHandler receives malformed-message errors. The
	// transport keeps reading; the session layer decides whether to
	// degrade.
	ProtocolErrorHandler func(error)
)

// Transport is a framed, bidirectional JSON-RPC channel over a byte
// stream. Outgoing messages pass through a bounded queue serviced by a
// single writer goroutine; incoming messages are classified and handed
// to the registered handlers in arrival order.
//
// Transport failure (EOF, broken pipe, write error) is a single terminal
// event: Done() closes, Err() reports the cause, and the close handler
// fires exactly once so the dispatcher can fail every outstanding
// request instead of letting callers hang.
type Transport struct {
	reader *bufio.Reader
	writer io.Writer
	closer io.Closer
	log    *logging.Logger

	outgoing chan []byte
	done     chan struct{}
	closed   atomic.Bool

	errMu sync.Mutex
	err   error

	onResponse      ResponseHandler
	onRequest       RequestHandler
	onNotification  NotificationHandler
	onProtocolError ProtocolErrorHandler
	onClose         func(error)

	wg sync.WaitGroup
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithQueueSize bounds the outgoing queue. Default 64.
func WithQueueSize(n int) TransportOption {
	return func(t *Transport) {
		if n > 0 {
			t.outgoing = make(chan []byte, n)
		}
	}
}

// WithLogger sets the logger for protocol warnings.
func WithLogger(l *logging.Logger) TransportOption {
	return func(t *Transport) { t.log = l }
}

// NewTransport creates a transport over the given connection. Typically
// r/w are the stdio pipes of a spawned process; c (may be nil) is closed
// on teardown.
func NewTransport(r io.Reader, w io.Writer, c io.Closer, opts ...TransportOption) *Transport {
	t := &Transport{
		reader:   bufio.NewReaderSize(r, 64*1024),
		writer:   w,
		closer:   c,
		log:      logging.Nop(),
		outgoing: make(chan []byte, 64),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnResponse registers the response handler. Must be called before Start.
func (t *Transport) OnResponse(h ResponseHandler) { t.onResponse = h }

// OnRequest registers the peer-request handler. Must be called before Start.
func (t *Transport) OnRequest(h RequestHandler) { t.onRequest = h }

// OnNotification registers the notification handler. Must be called before Start.
func (t *Transport) OnNotification(h NotificationHandler) { t.onNotification = h }

// OnProtocolError registers the malformed-message handler. Must be called before Start.
func (t *Transport) OnProtocolError(h ProtocolErrorHandler) { t.onProtocolError = h }

// OnClose registers a handler for the terminal event. It runs exactly
// once with the cause. Must be called before Start.
func (t *Transport) OnClose(h func(error)) { t.onClose = h }

// Start launches the read and write loops.
func (t *Transport) Start() {
	t.wg.Add(2)
	go t.readLoop()
	go t.writeLoop()
}

// SendRequest enqueues a request frame. Blocks while the queue is full;
// fails with ErrTransportClosed once the transport is torn down.
func (t *Transport) SendRequest(id uint64, method string, params any) error {
	frame, err := marshalRequest(id, method, params)
	if err != nil {
		return err
	}
	return t.enqueue(frame, true)
}

// SendNotification enqueues a notification frame, blocking like SendRequest.
func (t *Transport) SendNotification(method string, params any) error {
	frame, err := marshalNotification(method, params)
	if err != nil {
		return err
	}
	return t.enqueue(frame, true)
}

// TrySendNotification enqueues a notification without blocking, failing
// with ErrQueueFull when the peer has stalled. Used for events that may
// be dropped (progress, watch traffic) in preference to unbounded memory
// growth.
func (t *Transport) TrySendNotification(method string, params any) error {
	frame, err := marshalNotification(method, params)
	if err != nil {
		return err
	}
	return t.enqueue(frame, false)
}

// SendResponse enqueues a response to a peer-initiated request.
func (t *Transport) SendResponse(id uint64, result any, respErr *Error) error {
	frame, err := marshalResponse(id, result, respErr)
	if err != nil {
		return err
	}
	return t.enqueue(frame, true)
}

// Done closes when the transport reaches its terminal state.
func (t *Transport) Done() <-chan struct{} { return t.done }

// Err returns the terminal cause, or nil while the transport is live.
func (t *Transport) Err() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return t.err
}

// IsClosed reports whether the terminal event has fired.
func (t *Transport) IsClosed() bool { return t.closed.Load() }

// Close tears the transport down. Idempotent.
func (t *Transport) Close() error {
	t.fail(ErrTransportClosed)
	return nil
}

func (t *Transport) enqueue(frame []byte, block bool) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	encoded := encodeFrame(frame)
	if block {
		select {
		case t.outgoing <- encoded:
			return nil
		case <-t.done:
			return ErrTransportClosed
		}
	}
	select {
	case t.outgoing <- encoded:
		return nil
	case <-t.done:
		return ErrTransportClosed
	default:
		return ErrQueueFull
	}
}

func (t *Transport) writeLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.done:
			return
		case frame := <-t.outgoing:
			if _, err := t.writer.Write(frame); err != nil {
				t.fail(err)
				return
			}
		}
	}
}

func (t *Transport) readLoop() {
	defer t.wg.Done()
	for {
		payload, err := readFrame(t.reader)
		if err != nil {
			if isProtocolError(err) {
				// Malformed frame: warn and keep the stream alive.
				t.log.Warnf("transport: %v", err)
				if t.onProtocolError != nil {
					t.onProtocolError(err)
				}
				continue
			}
			t.fail(err)
			return
		}
		t.dispatch(payload)
		if t.closed.Load() {
			return
		}
	}
}

// dispatch classifies a payload and hands it to the matching handler.
// Classification sniffs the id/method/result/error fields before a full
// decode so garbage is rejected cheaply.
func (t *Transport) dispatch(payload []byte) {
	if !gjson.ValidBytes(payload) {
		t.protocolError("invalid JSON payload")
		return
	}

	id := gjson.GetBytes(payload, "id")
	method := gjson.GetBytes(payload, "method")
	result := gjson.GetBytes(payload, "result")
	errField := gjson.GetBytes(payload, "error")

	switch {
	case id.Exists() && (result.Exists() || errField.Exists()):
		var msg wireMessage
		if err := unmarshalStrict(payload, &msg); err != nil || msg.ID == nil {
			t.protocolError("malformed response")
			return
		}
		if t.onResponse != nil {
			t.onResponse(&Response{ID: *msg.ID, Result: msg.Result, Error: msg.Error})
		}

	case id.Exists() && method.Exists():
		if id.Type != gjson.Number {
			t.protocolError("non-numeric request id")
			return
		}
		var msg wireMessage
		if err := unmarshalStrict(payload, &msg); err != nil || msg.ID == nil {
			t.protocolError("malformed request")
			return
		}
		if t.onRequest != nil {
			t.onRequest(&Request{ID: *msg.ID, Method: msg.Method, Params: msg.Params})
		}

	case method.Exists():
		var msg wireMessage
		if err := unmarshalStrict(payload, &msg); err != nil {
			t.protocolError("malformed notification")
			return
		}
		if t.onNotification != nil {
			t.onNotification(&Notification{Method: msg.Method, Params: msg.Params})
		}

	default:
		t.protocolError("message is neither request, response, nor notification")
	}
}

func (t *Transport) protocolError(detail string) {
	err := wrapProtocol(detail)
	t.log.Warnf("transport: %v", err)
	if t.onProtocolError != nil {
		t.onProtocolError(err)
	}
}

// fail records the terminal cause and fires the close handler once.
func (t *Transport) fail(cause error) {
	if t.closed.Swap(true) {
		return
	}
	t.errMu.Lock()
	t.err = cause
	t.errMu.Unlock()

	close(t.done)
	if t.closer != nil {
		_ = t.closer.Close()
	}
	if t.onClose != nil {
		t.onClose(cause)
	}
}
