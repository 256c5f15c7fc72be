package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/kspine/lapce/internal/logging"
)

// MethodCancel is the advisory cancellation notification. The peer may
// honor it or complete the work anyway; either way the local caller has
// already been released.
const MethodCancel = "$/cancelRequest"

type cancelParams struct {
	ID uint64 `json:"id"`
}

// ServeFunc handles one peer-initiated request and returns a result or a
// protocol error. It runs on its own goroutine.
type ServeFunc func(req *Request) (any, *Error)

// Conn couples a Transport with a Dispatcher into a call-style API:
// Call blocks for the correlated response, Notify fires and forgets, and
// incoming notifications fan out to per-method handlers. When the
// transport dies every outstanding Call fails with ErrSessionLost.
type Conn struct {
	transport *Transport
	disp      *Dispatcher
	log       *logging.Logger

	defaultTimeout time.Duration

	mu            sync.RWMutex
	notifyHandler map[string][]NotificationHandler
	serve         ServeFunc
	onProtoErr    ProtocolErrorHandler
}

// ConnOption configures a Conn.
type ConnOption func(*Conn)

// WithDefaultTimeout sets the per-request deadline used when the Call
// context carries none. Zero disables the local timer.
func WithDefaultTimeout(d time.Duration) ConnOption {
	return func(c *Conn) { c.defaultTimeout = d }
}

// WithConnLogger sets the connection logger.
func WithConnLogger(l *logging.Logger) ConnOption {
	return func(c *Conn) { c.log = l }
}

// NewConn wires a connection over r/w. The transport is started; the
// caller owns shutdown via Close.
func NewConn(r io.Reader, w io.Writer, closer io.Closer, opts ...ConnOption) *Conn {
	c := &Conn{
		log:            logging.Nop(),
		defaultTimeout: 30 * time.Second,
		notifyHandler:  make(map[string][]NotificationHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.transport = NewTransport(r, w, closer, WithLogger(c.log))
	c.disp = NewDispatcher(c.log)

	c.transport.OnResponse(c.disp.Resolve)
	c.transport.OnNotification(c.handleNotification)
	c.transport.OnRequest(c.handleRequest)
	c.transport.OnProtocolError(func(err error) {
		c.mu.RLock()
		h := c.onProtoErr
		c.mu.RUnlock()
		if h != nil {
			h(err)
		}
	})
	c.transport.OnClose(func(cause error) {
		c.disp.FailAll(fmt.Errorf("%w: %v", ErrSessionLost, cause))
	})
	c.transport.Start()
	return c
}

// Call issues a request and blocks until the response, the context, or
// the deadline settles it. A context cancellation releases the caller
// immediately and sends an advisory $/cancelRequest; the reserved id is
// never reused, so a response arriving later is discarded.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	timeout := c.defaultTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return fmt.Errorf("%w: %s", ErrTimeout, method)
		}
	}

	id, ch := c.disp.Register(method, timeout)
	if err := c.transport.SendRequest(id, method, params); err != nil {
		c.disp.Fail(id, err)
		<-ch
		return fmt.Errorf("%s: %w", method, err)
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			return fmt.Errorf("%s: %w", method, res.Err)
		}
		if result != nil && len(res.Payload) > 0 {
			if err := json.Unmarshal(res.Payload, result); err != nil {
				return fmt.Errorf("%s: decode result: %w", method, err)
			}
		}
		return nil

	case <-ctx.Done():
		if c.disp.Cancel(id) {
			_ = c.transport.TrySendNotification(MethodCancel, cancelParams{ID: id})
		}
		<-ch
		return fmt.Errorf("%s: %w", method, ErrCancelled)
	}
}

// Notify sends a fire-and-forget notification, blocking while the
// outgoing queue is full.
func (c *Conn) Notify(method string, params any) error {
	return c.transport.SendNotification(method, params)
}

// TryNotify sends a notification without blocking; the caller handles
// ErrQueueFull.
func (c *Conn) TryNotify(method string, params any) error {
	return c.transport.TrySendNotification(method, params)
}

// OnNotification registers a handler for a method. "*" receives every
// notification after the method-specific handlers.
func (c *Conn) OnNotification(method string, h NotificationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifyHandler[method] = append(c.notifyHandler[method], h)
}

// Serve registers the handler for peer-initiated requests. Without one,
// peer requests are answered with MethodNotFound.
func (c *Conn) Serve(fn ServeFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.serve = fn
}

// OnProtocolError registers the malformed-message handler.
func (c *Conn) OnProtocolError(h ProtocolErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onProtoErr = h
}

// Done closes when the connection reaches its terminal state.
func (c *Conn) Done() <-chan struct{} { return c.transport.Done() }

// Err returns the terminal cause, or nil while the connection is live.
func (c *Conn) Err() error { return c.transport.Err() }

// Outstanding returns the number of unresolved calls.
func (c *Conn) Outstanding() int { return c.disp.Outstanding() }

// Stats returns the dispatcher counters.
func (c *Conn) Stats() DispatcherStats { return c.disp.Stats() }

// Close tears down the connection. Outstanding calls fail with
// ErrSessionLost. Idempotent.
func (c *Conn) Close() error { return c.transport.Close() }

func (c *Conn) handleNotification(n *Notification) {
	c.mu.RLock()
	handlers := append([]NotificationHandler(nil), c.notifyHandler[n.Method]...)
	handlers = append(handlers, c.notifyHandler["*"]...)
	c.mu.RUnlock()

	for _, h := range handlers {
		h(n)
	}
}

func (c *Conn) handleRequest(req *Request) {
	c.mu.RLock()
	serve := c.serve
	c.mu.RUnlock()

	if serve == nil {
		_ = c.transport.SendResponse(req.ID, nil, &Error{
			Code:    CodeMethodNotFound,
			Message: fmt.Sprintf("method %q not handled", req.Method),
		})
		return
	}
	go func() {
		result, respErr := serve(req)
		if err := c.transport.SendResponse(req.ID, result, respErr); err != nil {
			c.log.Warnf("conn: respond to %s (id %d): %v", req.Method, req.ID, err)
		}
	}()
}
