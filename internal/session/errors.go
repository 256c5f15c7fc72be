package session

import "errors"

var (
	// ErrNotReady means the session has not finished its handshake.
	ErrNotReady = errors.New("session: not ready")

	// ErrDead means the session's peer is gone.
	ErrDead = errors.New("session: dead")

	// ErrUnknownSession means no session exists for the given id.
	ErrUnknownSession = errors.New("session: unknown session id")

	// ErrUnknownDocument means no document exists for the given id or URI.
	ErrUnknownDocument = errors.New("session: unknown document")

	// ErrNoProvider means no usable session is bound to the document for
	// the requested operation.
	ErrNoProvider = errors.New("session: no provider for document")

	// ErrAlreadyStarted means Start was called twice.
	ErrAlreadyStarted = errors.New("session: already started")

	// ErrCapabilityDenied means a plugin invoked a method outside its
	// granted namespace.
	ErrCapabilityDenied = errors.New("session: capability denied")
)
