// Package session runs the proxy side of the editor: it owns language
// server and plugin processes, their lifecycle state machines, document
// binding, and the ordered synchronization traffic between open buffers
// and every peer that cares about them.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kspine/lapce/internal/buffer"
	"github.com/kspine/lapce/internal/delta"
	"github.com/kspine/lapce/internal/logging"
	"github.com/kspine/lapce/internal/rpc"
)

// ID is an opaque session handle issued by the Manager. Ids are never
// reused within a Manager's lifetime.
type ID uint64

// Kind distinguishes the two handshake protocols a session can run.
type Kind int

const (
	// KindLanguageServer speaks the LSP initialize handshake.
	KindLanguageServer Kind = iota
	// KindPlugin waits for the peer to register itself with a manifest.
	KindPlugin
)

// RegisterFunc validates a plugin registration payload and returns the
// granted capability set (encoded back to the plugin) or an error that
// refuses the registration.
type RegisterFunc func(params json.RawMessage) (any, error)

// Config describes one session.
type Config struct {
	Name       string
	LanguageID string
	Kind       Kind
	Launcher   Launcher
	Folders    []WorkspaceFolder
	RootURI    buffer.URI
	InitOpts   any

	HandshakeTimeout time.Duration // default 15s
	RequestTimeout   time.Duration // default 30s
	DegradeThreshold int           // protocol errors before Ready→Degraded, default 3

	// Snapshot supplies full document state for revision-gap resyncs.
	Snapshot snapshotFunc

	// OnRegister handles plugin/register for KindPlugin sessions.
	OnRegister RegisterFunc

	// MethodAllowed gates peer-initiated requests for plugin sessions.
	// Nil allows everything.
	MethodAllowed func(method string) bool

	// OnDiagnostics receives publishDiagnostics notifications.
	OnDiagnostics func(PublishDiagnosticsParams)

	// OnExit fires once when the session reaches Dead, with the cause.
	OnExit func(error)

	// Serve handles peer-initiated requests that pass the method gate.
	Serve func(req *rpc.Request) (any, *rpc.Error)

	Log *logging.Logger
}

func (c *Config) fill() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 15 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.DegradeThreshold <= 0 {
		c.DegradeThreshold = 3
	}
	if c.Log == nil {
		c.Log = logging.Nop()
	}
	if c.Snapshot == nil {
		c.Snapshot = func(buffer.URI) (TextDocumentItem, bool) { return TextDocumentItem{}, false }
	}
}

// Session is one live peer process plus its transport, correlation
// table, and document-sync queue. A Session never resurrects: once Dead
// it stays Dead and the supervisor builds a replacement.
type Session struct {
	id  ID
	cfg Config
	log *logging.Logger

	state     atomic.Int32
	protoErrs atomic.Int32
	started   atomic.Bool

	mu       sync.Mutex
	conn     *rpc.Conn
	endpoint *Endpoint
	queue    *syncQueue
	caps     ServerCapabilities
	info     *ServerInfo

	registered chan struct{} // closed when a plugin completes registration
	deadOnce   sync.Once
}

// New creates a session in Starting state. Call Start to launch it.
func New(id ID, cfg Config) *Session {
	cfg.fill()
	s := &Session{
		id:         id,
		cfg:        cfg,
		log:        cfg.Log.WithPrefix(fmt.Sprintf("session[%d:%s]", id, cfg.Name)),
		registered: make(chan struct{}),
	}
	s.state.Store(int32(StateStarting))
	return s
}

// ID returns the session's handle.
func (s *Session) ID() ID { return s.id }

// Name returns the configured session name.
func (s *Session) Name() string { return s.cfg.Name }

// LanguageID returns the language this session serves ("" for plugins
// that registered for multiple languages).
func (s *Session) LanguageID() string { return s.cfg.LanguageID }

// Kind returns the handshake protocol kind.
func (s *Session) Kind() Kind { return s.cfg.Kind }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Capabilities returns the peer's advertised capabilities (zero value
// until Ready).
func (s *Session) Capabilities() ServerCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

// Info returns the peer's self-description, if it sent one.
func (s *Session) Info() *ServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Start launches the process, runs the handshake, and moves the session
// to Ready. On any failure the session is Dead and the error tells why.
func (s *Session) Start(ctx context.Context) error {
	if s.started.Swap(true) {
		return ErrAlreadyStarted
	}

	endpoint, err := s.cfg.Launcher.Launch(ctx)
	if err != nil {
		s.markDead(err)
		return fmt.Errorf("launch %s: %w", s.cfg.Name, err)
	}

	conn := rpc.NewConn(endpoint.Reader, endpoint.Writer, endpoint.Closer,
		rpc.WithConnLogger(s.log),
		rpc.WithDefaultTimeout(s.cfg.RequestTimeout),
	)

	s.mu.Lock()
	s.endpoint = endpoint
	s.conn = conn
	s.queue = newSyncQueue(conn, s.cfg.Snapshot, s.log)
	s.mu.Unlock()

	conn.OnProtocolError(s.noteProtocolError)
	conn.OnNotification(MethodPublishDiagnostics, s.handleDiagnostics)
	conn.Serve(s.servePeer)

	go s.monitor(endpoint, conn)

	if err := s.handshake(ctx); err != nil {
		s.markDead(err)
		return err
	}

	s.state.Store(int32(StateReady))
	s.log.Infof("ready")
	return nil
}

// handshake runs the kind-specific startup exchange.
func (s *Session) handshake(ctx context.Context) error {
	switch s.cfg.Kind {
	case KindPlugin:
		// The plugin opens the conversation by registering its manifest;
		// servePeer closes registered on success.
		select {
		case <-s.registered:
			return nil
		case <-time.After(s.cfg.HandshakeTimeout):
			return fmt.Errorf("%s: registration timeout", s.cfg.Name)
		case <-ctx.Done():
			return ctx.Err()
		}

	default:
		hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
		defer cancel()

		params := InitializeParams{
			ProcessID: os.Getpid(),
			RootURI:   s.cfg.RootURI,
			Capabilities: ClientCapabilities{
				TextDocument: &TextDocumentClientCapabilities{
					Synchronization:    &SyncClientCapabilities{DidSave: true},
					PublishDiagnostics: &DiagnosticsClientCapabilities{VersionSupport: true},
				},
				Workspace: &WorkspaceClientCapabilities{
					WorkspaceFolders:      true,
					DidChangeWatchedFiles: true,
				},
			},
			InitializationOptions: s.cfg.InitOpts,
			WorkspaceFolders:      s.cfg.Folders,
		}

		var result InitializeResult
		if err := s.conn.Call(hctx, MethodInitialize, params, &result); err != nil {
			return fmt.Errorf("initialize: %w", err)
		}

		s.mu.Lock()
		s.caps = result.Capabilities
		s.info = result.ServerInfo
		s.mu.Unlock()

		return s.conn.Notify(MethodInitialized, struct{}{})
	}
}

// monitor waits for the peer to die, from either direction.
func (s *Session) monitor(endpoint *Endpoint, conn *rpc.Conn) {
	var cause error
	select {
	case err := <-endpoint.Exited:
		cause = err
		if cause == nil {
			cause = fmt.Errorf("%s exited", s.cfg.Name)
		}
	case <-conn.Done():
		cause = conn.Err()
	}
	s.markDead(cause)
}

// markDead is the single transition into the terminal state. It fails
// every outstanding request, stops the sync queue, and fires OnExit.
func (s *Session) markDead(cause error) {
	s.deadOnce.Do(func() {
		s.state.Store(int32(StateDead))

		s.mu.Lock()
		conn := s.conn
		queue := s.queue
		s.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}
		if queue != nil {
			queue.close()
		}

		s.log.Warnf("dead: %v", cause)
		if s.cfg.OnExit != nil {
			s.cfg.OnExit(cause)
		}
	})
}

// Shutdown asks the peer to exit cleanly, then tears the session down.
func (s *Session) Shutdown(ctx context.Context) error {
	if s.State() == StateDead {
		return nil
	}
	if s.cfg.Kind == KindLanguageServer {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = s.conn.Call(sctx, MethodShutdown, nil, nil)
		_ = s.conn.Notify(MethodExit, nil)
	}
	s.markDead(ErrDead)
	return nil
}

// Outstanding returns the number of unresolved requests.
func (s *Session) Outstanding() int {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return 0
	}
	return conn.Outstanding()
}

// --- document sync ---

// DidOpen ships the full document to the peer.
func (s *Session) DidOpen(item TextDocumentItem) error {
	return s.enqueueSync(syncOp{
		method:   MethodDidOpen,
		uri:      item.URI,
		params:   DidOpenParams{TextDocument: item},
		revAfter: item.Version,
	})
}

// DidChange ships incremental changes. revBefore is the revision the
// changes apply against; a mismatch with the last shipped revision makes
// the queue fall back to a full resync.
func (s *Session) DidChange(uri buffer.URI, revBefore, revAfter uint64, changes []delta.ContentChange) error {
	return s.enqueueSync(syncOp{
		method: MethodDidChange,
		uri:    uri,
		params: DidChangeParams{
			TextDocument: VersionedTextDocumentIdentifier{
				TextDocumentIdentifier: TextDocumentIdentifier{URI: uri},
				Version:                revAfter,
			},
			ContentChanges: changes,
		},
		revBefore: revBefore,
		revAfter:  revAfter,
	})
}

// DidClose tells the peer the document is no longer open.
func (s *Session) DidClose(uri buffer.URI) error {
	return s.enqueueSync(syncOp{
		method: MethodDidClose,
		uri:    uri,
		params: DidCloseParams{TextDocument: TextDocumentIdentifier{URI: uri}},
	})
}

// DidSave notifies the peer of a save.
func (s *Session) DidSave(uri buffer.URI) error {
	return s.enqueueSync(syncOp{
		method: MethodDidSave,
		uri:    uri,
		params: DidSaveParams{TextDocument: TextDocumentIdentifier{URI: uri}},
	})
}

// NotifyWatchedFiles forwards filesystem changes. Best-effort: watch
// traffic may be dropped under backpressure.
func (s *Session) NotifyWatchedFiles(events []FileEvent) error {
	if !s.State().Usable() {
		return ErrNotReady
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	return conn.TryNotify(MethodDidChangeWatched, DidChangeWatchedFilesParams{Changes: events})
}

func (s *Session) enqueueSync(op syncOp) error {
	switch s.State() {
	case StateDead:
		return ErrDead
	case StateStarting:
		return ErrNotReady
	}
	s.mu.Lock()
	queue := s.queue
	s.mu.Unlock()
	if queue == nil {
		return ErrNotReady
	}
	return queue.enqueue(op)
}

// --- requests ---

// Completion asks the peer for completions at a position.
func (s *Session) Completion(ctx context.Context, uri buffer.URI, pos delta.Position) (*CompletionList, error) {
	var list CompletionList
	err := s.call(ctx, MethodCompletion, CompletionParams{
		TextDocumentPositionParams: TextDocumentPositionParams{
			TextDocument: TextDocumentIdentifier{URI: uri},
			Position:     pos,
		},
	}, &list)
	if err != nil {
		return nil, err
	}
	return &list, nil
}

// Hover asks the peer for hover content at a position. A nil result
// means the peer had nothing to say.
func (s *Session) Hover(ctx context.Context, uri buffer.URI, pos delta.Position) (*Hover, error) {
	var hover *Hover
	err := s.call(ctx, MethodHover, TextDocumentPositionParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
		Position:     pos,
	}, &hover)
	if err != nil {
		return nil, err
	}
	return hover, nil
}

// Definition asks the peer where the symbol at a position is defined.
func (s *Session) Definition(ctx context.Context, uri buffer.URI, pos delta.Position) ([]Location, error) {
	var locs []Location
	err := s.call(ctx, MethodDefinition, TextDocumentPositionParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
		Position:     pos,
	}, &locs)
	if err != nil {
		return nil, err
	}
	return locs, nil
}

// Call issues an arbitrary request on the session. Plugin-scoped method
// gating applies only to peer-initiated traffic, not outbound calls.
func (s *Session) Call(ctx context.Context, method string, params, result any) error {
	return s.call(ctx, method, params, result)
}

func (s *Session) call(ctx context.Context, method string, params, result any) error {
	switch s.State() {
	case StateDead:
		return fmt.Errorf("%s: %w", method, rpc.ErrSessionLost)
	case StateStarting:
		return fmt.Errorf("%s: %w", method, ErrNotReady)
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	err := conn.Call(ctx, method, params, result)
	if err == nil {
		// A clean exchange clears a Degraded session.
		if s.state.CompareAndSwap(int32(StateDegraded), int32(StateReady)) {
			s.protoErrs.Store(0)
			s.log.Infof("recovered from degraded state")
		}
	}
	return err
}

// --- incoming traffic ---

func (s *Session) noteProtocolError(err error) {
	n := s.protoErrs.Add(1)
	if int(n) >= s.cfg.DegradeThreshold {
		if s.state.CompareAndSwap(int32(StateReady), int32(StateDegraded)) {
			s.log.Warnf("degraded after %d protocol errors: %v", n, err)
		}
	}
}

func (s *Session) handleDiagnostics(n *rpc.Notification) {
	if s.cfg.OnDiagnostics == nil {
		return
	}
	var params PublishDiagnosticsParams
	if err := json.Unmarshal(n.Params, &params); err != nil {
		s.log.Warnf("bad publishDiagnostics payload: %v", err)
		return
	}
	s.cfg.OnDiagnostics(params)
}

// servePeer handles requests the peer initiates. Plugin registration is
// intercepted here; everything else passes the capability gate and then
// the configured handler.
func (s *Session) servePeer(req *rpc.Request) (any, *rpc.Error) {
	if s.cfg.Kind == KindPlugin && req.Method == MethodPluginRegister {
		return s.handleRegister(req)
	}

	if s.cfg.MethodAllowed != nil && !s.cfg.MethodAllowed(req.Method) {
		s.log.Warnf("refused method %q outside granted capabilities", req.Method)
		return nil, &rpc.Error{
			Code:    rpc.CodeMethodNotFound,
			Message: fmt.Sprintf("method %q not granted", req.Method),
		}
	}

	if s.cfg.Serve != nil {
		return s.cfg.Serve(req)
	}
	return nil, &rpc.Error{
		Code:    rpc.CodeMethodNotFound,
		Message: fmt.Sprintf("method %q not handled", req.Method),
	}
}

func (s *Session) handleRegister(req *rpc.Request) (any, *rpc.Error) {
	if s.cfg.OnRegister == nil {
		return nil, &rpc.Error{Code: rpc.CodeInvalidRequest, Message: "registration not accepted"}
	}
	grant, err := s.cfg.OnRegister(req.Params)
	if err != nil {
		return nil, &rpc.Error{Code: rpc.CodeInvalidParams, Message: err.Error()}
	}

	select {
	case <-s.registered:
		// Duplicate registration: acknowledge idempotently.
	default:
		close(s.registered)
	}
	return grant, nil
}
