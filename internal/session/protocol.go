package session

import (
	"net/url"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/kspine/lapce/internal/buffer"
	"github.com/kspine/lapce/internal/delta"
)

// Method names for the language-server protocol subset the proxy speaks.
const (
	MethodInitialize          = "initialize"
	MethodInitialized         = "initialized"
	MethodShutdown            = "shutdown"
	MethodExit                = "exit"
	MethodDidOpen             = "textDocument/didOpen"
	MethodDidChange           = "textDocument/didChange"
	MethodDidClose            = "textDocument/didClose"
	MethodDidSave             = "textDocument/didSave"
	MethodCompletion          = "textDocument/completion"
	MethodHover               = "textDocument/hover"
	MethodDefinition          = "textDocument/definition"
	MethodPublishDiagnostics  = "textDocument/publishDiagnostics"
	MethodDidChangeWatched    = "workspace/didChangeWatchedFiles"
	MethodPluginRegister      = "plugin/register"
	MethodPluginNotifyPrefix  = "plugin/"
	MethodWorkspaceApplyEdit  = "workspace/applyEdit"
	MethodWindowShowMessage   = "window/showMessage"
	MethodWindowLogMessage    = "window/logMessage"
	MethodProgress            = "$/progress"
	MethodCancelRequest       = "$/cancelRequest"
	MethodTelemetryEvent      = "telemetry/event"
	MethodRegisterCapability  = "client/registerCapability"
	MethodWorkspaceConfig     = "workspace/configuration"
	MethodWorkDoneProgressNew = "window/workDoneProgress/create"
)

// TextDocumentIdentifier identifies a text document.
type TextDocumentIdentifier struct {
	URI buffer.URI `json:"uri"`
}

// VersionedTextDocumentIdentifier identifies a specific revision of a
// text document. Version is the document revision counter.
type VersionedTextDocumentIdentifier struct {
	TextDocumentIdentifier
	Version uint64 `json:"version"`
}

// TextDocumentItem transfers a full document to the server.
type TextDocumentItem struct {
	URI        buffer.URI `json:"uri"`
	LanguageID string     `json:"languageId"`
	Version    uint64     `json:"version"`
	Text       string     `json:"text"`
}

// TextDocumentPositionParams names a document and a position inside it.
type TextDocumentPositionParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Position     delta.Position         `json:"position"`
}

// DidOpenParams accompany textDocument/didOpen.
type DidOpenParams struct {
	TextDocument TextDocumentItem `json:"textDocument"`
}

// DidChangeParams accompany textDocument/didChange. ContentChanges apply
// in order against successive intermediate document states.
type DidChangeParams struct {
	TextDocument   VersionedTextDocumentIdentifier `json:"textDocument"`
	ContentChanges []delta.ContentChange           `json:"contentChanges"`
}

// DidCloseParams accompany textDocument/didClose.
type DidCloseParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
}

// DidSaveParams accompany textDocument/didSave.
type DidSaveParams struct {
	TextDocument TextDocumentIdentifier `json:"textDocument"`
	Text         string                 `json:"text,omitempty"`
}

// Location points into a resource.
type Location struct {
	URI   buffer.URI  `json:"uri"`
	Range delta.Range `json:"range"`
}

// TextEdit is a replacement applicable to a document.
type TextEdit struct {
	Range   delta.Range `json:"range"`
	NewText string      `json:"newText"`
}

// MarkupContent is human-readable text with a declared format.
type MarkupContent struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// CompletionParams accompany textDocument/completion.
type CompletionParams struct {
	TextDocumentPositionParams
	Context *CompletionContext `json:"context,omitempty"`
}

// CompletionContext describes how completion was triggered.
type CompletionContext struct {
	TriggerKind      int    `json:"triggerKind"`
	TriggerCharacter string `json:"triggerCharacter,omitempty"`
}

// CompletionList is the result of a completion request.
type CompletionList struct {
	IsIncomplete bool             `json:"isIncomplete"`
	Items        []CompletionItem `json:"items"`
}

// CompletionItem is one completion proposal.
type CompletionItem struct {
	Label            string    `json:"label"`
	Kind             int       `json:"kind,omitempty"`
	Detail           string    `json:"detail,omitempty"`
	Documentation    any       `json:"documentation,omitempty"`
	SortText         string    `json:"sortText,omitempty"`
	FilterText       string    `json:"filterText,omitempty"`
	InsertText       string    `json:"insertText,omitempty"`
	InsertTextFormat int       `json:"insertTextFormat,omitempty"`
	TextEdit         *TextEdit `json:"textEdit,omitempty"`
}

// Hover is the result of a hover request.
type Hover struct {
	Contents MarkupContent `json:"contents"`
	Range    *delta.Range  `json:"range,omitempty"`
}

// Diagnostic severities.
const (
	SeverityError   = 1
	SeverityWarning = 2
	SeverityInfo    = 3
	SeverityHint    = 4
)

// Diagnostic is one reported problem in a document.
type Diagnostic struct {
	Range    delta.Range `json:"range"`
	Severity int         `json:"severity,omitempty"`
	Code     any         `json:"code,omitempty"`
	Source   string      `json:"source,omitempty"`
	Message  string      `json:"message"`
}

// PublishDiagnosticsParams accompany textDocument/publishDiagnostics.
// Version, when present, names the document revision the diagnostics
// were computed against.
type PublishDiagnosticsParams struct {
	URI         buffer.URI   `json:"uri"`
	Version     *uint64      `json:"version,omitempty"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// WorkspaceFolder names one root the session operates over.
type WorkspaceFolder struct {
	URI  buffer.URI `json:"uri"`
	Name string     `json:"name"`
}

// InitializeParams open the handshake.
type InitializeParams struct {
	ProcessID             int                `json:"processId"`
	RootURI               buffer.URI         `json:"rootUri,omitempty"`
	Capabilities          ClientCapabilities `json:"capabilities"`
	InitializationOptions any                `json:"initializationOptions,omitempty"`
	WorkspaceFolders      []WorkspaceFolder  `json:"workspaceFolders,omitempty"`
}

// ClientCapabilities advertise what the proxy understands. The set is
// fixed: incremental sync, markdown hover, snippet-less completion.
type ClientCapabilities struct {
	TextDocument *TextDocumentClientCapabilities `json:"textDocument,omitempty"`
	Workspace    *WorkspaceClientCapabilities    `json:"workspace,omitempty"`
}

type TextDocumentClientCapabilities struct {
	Synchronization    *SyncClientCapabilities        `json:"synchronization,omitempty"`
	PublishDiagnostics *DiagnosticsClientCapabilities `json:"publishDiagnostics,omitempty"`
}

type SyncClientCapabilities struct {
	DidSave bool `json:"didSave,omitempty"`
}

type DiagnosticsClientCapabilities struct {
	VersionSupport bool `json:"versionSupport,omitempty"`
}

type WorkspaceClientCapabilities struct {
	WorkspaceFolders      bool `json:"workspaceFolders,omitempty"`
	DidChangeWatchedFiles bool `json:"didChangeWatchedFiles,omitempty"`
}

// InitializeResult is the server's half of the handshake.
type InitializeResult struct {
	Capabilities ServerCapabilities `json:"capabilities"`
	ServerInfo   *ServerInfo        `json:"serverInfo,omitempty"`
}

// ServerInfo names the peer.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// ServerCapabilities is the subset the proxy inspects.
type ServerCapabilities struct {
	TextDocumentSync   any `json:"textDocumentSync,omitempty"`
	CompletionProvider any `json:"completionProvider,omitempty"`
	HoverProvider      any `json:"hoverProvider,omitempty"`
	DefinitionProvider any `json:"definitionProvider,omitempty"`
}

// FileEvent reports one watched-file change.
type FileEvent struct {
	URI  buffer.URI `json:"uri"`
	Type int        `json:"type"`
}

// File change types for workspace/didChangeWatchedFiles.
const (
	FileCreated = 1
	FileChanged = 2
	FileDeleted = 3
)

// DidChangeWatchedFilesParams accompany workspace/didChangeWatchedFiles.
type DidChangeWatchedFilesParams struct {
	Changes []FileEvent `json:"changes"`
}

// PathToURI converts a filesystem path to a file:// URI.
func PathToURI(path string) buffer.URI {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	abs = filepath.ToSlash(abs)
	if runtime.GOOS == "windows" && !strings.HasPrefix(abs, "/") {
		abs = "/" + abs
	}
	return buffer.URI((&url.URL{Scheme: "file", Path: abs}).String())
}

// URIToPath converts a file:// URI back to a filesystem path. Non-file
// URIs are returned as-is.
func URIToPath(uri buffer.URI) string {
	u, err := url.Parse(string(uri))
	if err != nil || u.Scheme != "file" {
		return string(uri)
	}
	path := u.Path
	if runtime.GOOS == "windows" {
		path = strings.TrimPrefix(path, "/")
	}
	return filepath.FromSlash(path)
}
