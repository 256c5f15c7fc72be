package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kspine/lapce/internal/buffer"
	"github.com/kspine/lapce/internal/delta"
	"github.com/kspine/lapce/internal/logging"
	"github.com/kspine/lapce/internal/rpc"
)

// DocID is an opaque document handle issued by the Manager. Ids are
// never reused within a Manager's lifetime.
type DocID uint64

// ServerSpec describes one language server to run under supervision.
type ServerSpec struct {
	Name       string
	LanguageID string
	// Languages overrides LanguageID for servers handling several
	// languages. Leaving both empty binds the server to every document.
	Languages []string
	Command   string
	Args      []string
	Env       []string
	InitOpts  any

	// Launcher overrides the spawn command; used for peers that attach
	// over a socket instead of stdio.
	Launcher Launcher

	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration
}

func (s *ServerSpec) launcher(log *logging.Logger) Launcher {
	if s.Launcher != nil {
		return s.Launcher
	}
	return &CommandLauncher{Command: s.Command, Args: s.Args, Env: s.Env, Log: log}
}

// PluginSpec describes one plugin process. Languages scopes which
// documents the plugin is bound to; empty means all.
type PluginSpec struct {
	Name      string
	Command   string
	Args      []string
	Env       []string
	Languages []string

	// Launcher overrides the spawn command.
	Launcher Launcher

	// OnRegister validates the plugin's manifest and returns the grant.
	OnRegister RegisterFunc
	// MethodAllowed gates the plugin's requests into the proxy.
	MethodAllowed func(method string) bool
	// Serve handles granted plugin requests.
	Serve ServeHook

	HandshakeTimeout time.Duration
}

// ServeHook handles a peer-initiated request already past the
// capability gate.
type ServeHook func(method string, params json.RawMessage) (any, error)

// serverEntry is one supervised peer: the supervisor plus the id of its
// current session incarnation.
type serverEntry struct {
	name      string
	languages []string
	sup       *Supervisor
	currentID ID
}

// matches reports whether the entry serves documents of a language.
func (e *serverEntry) matches(languageID string) bool {
	if len(e.languages) == 0 {
		return true
	}
	for _, lang := range e.languages {
		if lang == languageID {
			return true
		}
	}
	return false
}

// ManagerConfig tunes the Manager.
type ManagerConfig struct {
	RootURI buffer.URI
	Folders []WorkspaceFolder
	Backoff BackoffConfig
	Log     *logging.Logger
}

// Manager is the arena: documents and sessions live in id-keyed maps,
// and the relationship between them is a pair of id-set indexes rather
// than object references, so nothing here forms a cycle and sessions can
// be replaced wholesale after a crash.
type Manager struct {
	cfg ManagerConfig
	log *logging.Logger

	mu          sync.RWMutex
	nextSession ID
	nextDoc     DocID
	documents   map[DocID]*buffer.Document
	docByURI    map[buffer.URI]DocID
	sessions    map[ID]*Session
	servers     map[string]*serverEntry

	// bindings, both directions
	docSessions map[DocID]map[ID]struct{}
	sessionDocs map[ID]map[DocID]struct{}

	diags  *DiagnosticStore
	events chan SupervisorEvent

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates an empty arena.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Log == nil {
		cfg.Log = logging.Nop()
	}
	if cfg.Backoff == (BackoffConfig{}) {
		cfg.Backoff = DefaultBackoffConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:         cfg,
		log:         cfg.Log.WithPrefix("manager"),
		ctx:         ctx,
		cancel:      cancel,
		nextSession: 1,
		nextDoc:     1,
		documents:   make(map[DocID]*buffer.Document),
		docByURI:    make(map[buffer.URI]DocID),
		sessions:    make(map[ID]*Session),
		servers:     make(map[string]*serverEntry),
		docSessions: make(map[DocID]map[ID]struct{}),
		sessionDocs: make(map[ID]map[DocID]struct{}),
		diags:       NewDiagnosticStore(),
		events:      make(chan SupervisorEvent, 64),
	}
}

// Events yields supervisor events from every server, merged.
func (m *Manager) Events() <-chan SupervisorEvent { return m.events }

// Diagnostics returns the cached diagnostics for a document.
func (m *Manager) Diagnostics(id DocID) (VersionedDiagnostics, bool) {
	m.mu.RLock()
	doc, ok := m.documents[id]
	m.mu.RUnlock()
	if !ok {
		return VersionedDiagnostics{}, false
	}
	return m.diags.Get(doc.URI())
}

// --- servers ---

// StartServer launches a supervised language server. Documents of the
// matching language already open are bound and shipped immediately.
func (m *Manager) StartServer(ctx context.Context, spec ServerSpec) error {
	m.mu.Lock()
	if _, exists := m.servers[spec.Name]; exists {
		m.mu.Unlock()
		return fmt.Errorf("server %q: %w", spec.Name, ErrAlreadyStarted)
	}
	languages := spec.Languages
	if len(languages) == 0 && spec.LanguageID != "" {
		languages = []string{spec.LanguageID}
	}
	entry := &serverEntry{name: spec.Name, languages: languages}
	m.servers[spec.Name] = entry
	m.mu.Unlock()

	build := func(ctx context.Context, onExit func(error)) (*Session, error) {
		return m.buildSession(ctx, entry, Config{
			Name:             spec.Name,
			LanguageID:       spec.LanguageID,
			Kind:             KindLanguageServer,
			Launcher:         spec.launcher(m.log),
			Folders:          m.cfg.Folders,
			RootURI:          m.cfg.RootURI,
			InitOpts:         spec.InitOpts,
			RequestTimeout:   spec.RequestTimeout,
			HandshakeTimeout: spec.HandshakeTimeout,
		}, onExit)
	}

	entry.sup = NewSupervisor(spec.Name, m.cfg.Backoff, build,
		func(sess *Session) { m.adoptReplacement(entry, sess) },
		m.cfg.Log)

	go m.forwardEvents(entry.sup)

	if err := entry.sup.Start(ctx); err != nil {
		m.mu.Lock()
		delete(m.servers, spec.Name)
		m.mu.Unlock()
		return err
	}

	m.bindOpenDocuments(entry)
	return nil
}

// StartPlugin launches a supervised plugin process. The plugin must
// register its manifest before the handshake deadline.
func (m *Manager) StartPlugin(ctx context.Context, spec PluginSpec) error {
	m.mu.Lock()
	if _, exists := m.servers[spec.Name]; exists {
		m.mu.Unlock()
		return fmt.Errorf("plugin %q: %w", spec.Name, ErrAlreadyStarted)
	}
	entry := &serverEntry{name: spec.Name, languages: spec.Languages}
	m.servers[spec.Name] = entry
	m.mu.Unlock()

	build := func(ctx context.Context, onExit func(error)) (*Session, error) {
		launcher := spec.Launcher
		if launcher == nil {
			launcher = &CommandLauncher{Command: spec.Command, Args: spec.Args, Env: spec.Env, Log: m.log}
		}
		cfg := Config{
			Name:             spec.Name,
			Kind:             KindPlugin,
			Launcher:         launcher,
			RootURI:          m.cfg.RootURI,
			OnRegister:       spec.OnRegister,
			MethodAllowed:    spec.MethodAllowed,
			HandshakeTimeout: spec.HandshakeTimeout,
		}
		if spec.Serve != nil {
			serve := spec.Serve
			cfg.Serve = func(req *rpc.Request) (any, *rpc.Error) {
				result, err := serve(req.Method, req.Params)
				if err != nil {
					return nil, &rpc.Error{Code: rpc.CodeInternalError, Message: err.Error()}
				}
				return result, nil
			}
		}
		return m.buildSession(ctx, entry, cfg, onExit)
	}

	entry.sup = NewSupervisor(spec.Name, m.cfg.Backoff, build,
		func(sess *Session) { m.adoptReplacement(entry, sess) },
		m.cfg.Log)

	go m.forwardEvents(entry.sup)

	if err := entry.sup.Start(ctx); err != nil {
		m.mu.Lock()
		delete(m.servers, spec.Name)
		m.mu.Unlock()
		return err
	}

	m.bindOpenDocuments(entry)
	return nil
}

// buildSession allocates an id, constructs the session, starts it, and
// records it in the arena. Shared by first start and supervisor rebuild.
func (m *Manager) buildSession(ctx context.Context, entry *serverEntry, cfg Config, onExit func(error)) (*Session, error) {
	m.mu.Lock()
	id := m.nextSession
	m.nextSession++
	m.mu.Unlock()

	cfg.Log = m.cfg.Log
	cfg.Snapshot = m.snapshotByURI
	cfg.OnDiagnostics = m.handleDiagnostics
	cfg.OnExit = func(cause error) {
		m.noteSessionDead(id)
		if onExit != nil {
			onExit(cause)
		}
	}
	sess := New(id, cfg)
	if err := sess.Start(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[id] = sess
	entry.currentID = id
	m.mu.Unlock()
	return sess, nil
}

// noteSessionDead cleans bindings for a dead session. The documents
// themselves stay open and keep accumulating edits locally; the
// supervisor's replacement session is re-bound with a full resync.
func (m *Manager) noteSessionDead(id ID) {
	m.mu.Lock()
	docs := m.sessionDocs[id]
	delete(m.sessionDocs, id)
	for docID := range docs {
		delete(m.docSessions[docID], id)
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	if len(docs) > 0 {
		m.log.Infof("session %d dead, %d documents queue edits locally until recovery", id, len(docs))
	}
}

// adoptReplacement binds a replacement session to every document its
// predecessor served and ships each one as a full didOpen at its current
// revision.
func (m *Manager) adoptReplacement(entry *serverEntry, sess *Session) {
	m.bindOpenDocuments(entry)
}

// bindOpenDocuments binds the entry's current session to every open
// document whose language matches, shipping didOpen for each new
// binding.
func (m *Manager) bindOpenDocuments(entry *serverEntry) {
	m.mu.Lock()
	sess := m.sessions[entry.currentID]
	if sess == nil {
		m.mu.Unlock()
		return
	}
	type pending struct {
		docID DocID
		doc   *buffer.Document
	}
	var toShip []pending
	for docID, doc := range m.documents {
		if !entry.matches(doc.LanguageID()) {
			continue
		}
		if _, bound := m.docSessions[docID][sess.ID()]; bound {
			continue
		}
		m.bindLocked(docID, sess.ID())
		toShip = append(toShip, pending{docID, doc})
	}
	m.mu.Unlock()

	// Deterministic ship order keeps logs and tests stable.
	sort.Slice(toShip, func(i, j int) bool { return toShip[i].docID < toShip[j].docID })
	for _, p := range toShip {
		if err := sess.DidOpen(m.itemFor(p.doc)); err != nil {
			m.log.Warnf("didOpen %s on %s: %v", p.doc.URI(), entry.name, err)
		}
	}
}

func (m *Manager) bindLocked(docID DocID, sessID ID) {
	if m.docSessions[docID] == nil {
		m.docSessions[docID] = make(map[ID]struct{})
	}
	m.docSessions[docID][sessID] = struct{}{}
	if m.sessionDocs[sessID] == nil {
		m.sessionDocs[sessID] = make(map[DocID]struct{})
	}
	m.sessionDocs[sessID][docID] = struct{}{}
}

func (m *Manager) forwardEvents(sup *Supervisor) {
	for event := range sup.Events() {
		select {
		case m.events <- event:
		default:
		}
	}
}

// Session returns a live session by id.
func (m *Manager) Session(id ID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// ServerSession returns the current session for a named server.
func (m *Manager) ServerSession(name string) (*Session, bool) {
	m.mu.RLock()
	entry, ok := m.servers[name]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	sess := entry.sup.Session()
	return sess, sess != nil
}

// ServerStats returns supervisor statistics for a named server.
func (m *Manager) ServerStats(name string) (SupervisorStats, bool) {
	m.mu.RLock()
	entry, ok := m.servers[name]
	m.mu.RUnlock()
	if !ok {
		return SupervisorStats{}, false
	}
	return entry.sup.Stats(), true
}

// --- documents ---

// OpenDocument registers a document in the arena and binds it to every
// matching server, shipping didOpen at the document's current revision.
func (m *Manager) OpenDocument(doc *buffer.Document) DocID {
	m.mu.Lock()
	if existing, ok := m.docByURI[doc.URI()]; ok {
		m.mu.Unlock()
		return existing
	}
	id := m.nextDoc
	m.nextDoc++
	m.documents[id] = doc
	m.docByURI[doc.URI()] = id

	var targets []*Session
	for _, entry := range m.servers {
		sess := m.sessions[entry.currentID]
		if sess == nil || !entry.matches(doc.LanguageID()) {
			continue
		}
		m.bindLocked(id, sess.ID())
		targets = append(targets, sess)
	}
	m.mu.Unlock()

	item := m.itemFor(doc)
	for _, sess := range targets {
		if err := sess.DidOpen(item); err != nil {
			m.log.Warnf("didOpen %s on session %d: %v", doc.URI(), sess.ID(), err)
		}
	}
	return id
}

// OpenFile loads a file from disk and opens it as a document.
func (m *Manager) OpenFile(path, languageID string) (DocID, *buffer.Document, error) {
	doc, err := buffer.Open(PathToURI(path), languageID, path)
	if err != nil {
		return 0, nil, err
	}
	return m.OpenDocument(doc), doc, nil
}

// Document returns a registered document.
func (m *Manager) Document(id DocID) (*buffer.Document, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.documents[id]
	return doc, ok
}

// OpenURIs lists every open document's URI in stable order.
func (m *Manager) OpenURIs() []buffer.URI {
	m.mu.RLock()
	defer m.mu.RUnlock()
	uris := make([]buffer.URI, 0, len(m.docByURI))
	for uri := range m.docByURI {
		uris = append(uris, uri)
	}
	sort.Slice(uris, func(i, j int) bool { return uris[i] < uris[j] })
	return uris
}

// DocumentByURI resolves a URI to a registered document.
func (m *Manager) DocumentByURI(uri buffer.URI) (DocID, *buffer.Document, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.docByURI[uri]
	if !ok {
		return 0, nil, false
	}
	return id, m.documents[id], true
}

// Edit applies a replacement to a document and ships the resulting
// incremental change to every bound usable session. A no-op edit (empty
// range, empty replacement) ships nothing and does not advance the
// revision. Dead sessions miss the change; their replacements catch up
// via full resync.
func (m *Manager) Edit(id DocID, start, end int, replacement string) error {
	m.mu.RLock()
	doc, ok := m.documents[id]
	m.mu.RUnlock()
	if !ok {
		return ErrUnknownDocument
	}

	before := doc.Snapshot()
	edit, applied := doc.Replace(start, end, replacement)
	if !applied {
		return nil
	}

	changes, ok := delta.EncodeEdits(before, []buffer.Edit{edit})
	if !ok {
		// Should not happen for a single fresh edit; fall back to full.
		changes = []delta.ContentChange{delta.FullChange(doc.Text())}
	}

	for _, sess := range m.boundSessions(id) {
		if !sess.State().Usable() {
			continue
		}
		if err := sess.DidChange(doc.URI(), edit.RevisionBefore, edit.RevisionAfter, changes); err != nil {
			m.log.Warnf("didChange %s on session %d: %v", doc.URI(), sess.ID(), err)
		}
	}
	return nil
}

// SaveDocument clears the dirty flag and notifies bound sessions.
func (m *Manager) SaveDocument(id DocID) error {
	m.mu.RLock()
	doc, ok := m.documents[id]
	m.mu.RUnlock()
	if !ok {
		return ErrUnknownDocument
	}
	doc.MarkSaved()
	for _, sess := range m.boundSessions(id) {
		if sess.State().Usable() {
			_ = sess.DidSave(doc.URI())
		}
	}
	return nil
}

// CloseDocument unbinds and unregisters a document, notifying every
// bound session and dropping its cached diagnostics.
func (m *Manager) CloseDocument(id DocID) error {
	m.mu.Lock()
	doc, ok := m.documents[id]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownDocument
	}
	sessions := make([]*Session, 0, len(m.docSessions[id]))
	for sessID := range m.docSessions[id] {
		if sess := m.sessions[sessID]; sess != nil {
			sessions = append(sessions, sess)
		}
		delete(m.sessionDocs[sessID], id)
	}
	delete(m.docSessions, id)
	delete(m.documents, id)
	delete(m.docByURI, doc.URI())
	m.mu.Unlock()

	for _, sess := range sessions {
		if sess.State().Usable() {
			_ = sess.DidClose(doc.URI())
		}
	}
	m.diags.Clear(doc.URI())
	return nil
}

// --- request routing ---

// Completion routes a completion request to the best bound session.
func (m *Manager) Completion(ctx context.Context, id DocID, pos delta.Position) (*CompletionList, error) {
	doc, sess, err := m.provider(id)
	if err != nil {
		return nil, err
	}
	return sess.Completion(ctx, doc.URI(), pos)
}

// Hover routes a hover request to the best bound session.
func (m *Manager) Hover(ctx context.Context, id DocID, pos delta.Position) (*Hover, error) {
	doc, sess, err := m.provider(id)
	if err != nil {
		return nil, err
	}
	return sess.Hover(ctx, doc.URI(), pos)
}

// Definition routes a definition request to the best bound session.
func (m *Manager) Definition(ctx context.Context, id DocID, pos delta.Position) ([]Location, error) {
	doc, sess, err := m.provider(id)
	if err != nil {
		return nil, err
	}
	return sess.Definition(ctx, doc.URI(), pos)
}

// provider picks a usable session for a document, preferring Ready over
// Degraded.
func (m *Manager) provider(id DocID) (*buffer.Document, *Session, error) {
	m.mu.RLock()
	doc, ok := m.documents[id]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, ErrUnknownDocument
	}

	var degraded *Session
	for _, sess := range m.boundSessions(id) {
		switch sess.State() {
		case StateReady:
			return doc, sess, nil
		case StateDegraded:
			if degraded == nil {
				degraded = sess
			}
		}
	}
	if degraded != nil {
		return doc, degraded, nil
	}
	return nil, nil, fmt.Errorf("%s: %w", doc.URI(), ErrNoProvider)
}

// boundSessions snapshots the sessions bound to a document, in stable
// id order.
func (m *Manager) boundSessions(id DocID) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]ID, 0, len(m.docSessions[id]))
	for sessID := range m.docSessions[id] {
		ids = append(ids, sessID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	sessions := make([]*Session, 0, len(ids))
	for _, sessID := range ids {
		if sess := m.sessions[sessID]; sess != nil {
			sessions = append(sessions, sess)
		}
	}
	return sessions
}

// NotifyWatchedFiles fans filesystem change events out to every usable
// session, best effort.
func (m *Manager) NotifyWatchedFiles(events []FileEvent) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	for _, sess := range sessions {
		if sess.State().Usable() {
			_ = sess.NotifyWatchedFiles(events)
		}
	}
}

// Shutdown stops every server and plugin.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	entries := make([]*serverEntry, 0, len(m.servers))
	for _, entry := range m.servers {
		entries = append(entries, entry)
	}
	m.mu.Unlock()

	for _, entry := range entries {
		if err := entry.sup.Stop(ctx); err != nil {
			m.log.Warnf("stop %s: %v", entry.name, err)
		}
	}
	m.cancel()
}

// --- glue ---

func (m *Manager) itemFor(doc *buffer.Document) TextDocumentItem {
	return TextDocumentItem{
		URI:        doc.URI(),
		LanguageID: doc.LanguageID(),
		Version:    doc.Revision(),
		Text:       doc.Text(),
	}
}

// snapshotByURI serves the sync queues' full-resync fallback.
func (m *Manager) snapshotByURI(uri buffer.URI) (TextDocumentItem, bool) {
	m.mu.RLock()
	id, ok := m.docByURI[uri]
	if !ok {
		m.mu.RUnlock()
		return TextDocumentItem{}, false
	}
	doc := m.documents[id]
	m.mu.RUnlock()
	return m.itemFor(doc), true
}

// handleDiagnostics feeds the revision-gated cache.
func (m *Manager) handleDiagnostics(params PublishDiagnosticsParams) {
	if !m.diags.Set(params.URI, params.Version, params.Diagnostics) {
		m.log.Debugf("dropped stale diagnostics for %s", params.URI)
	}
}
