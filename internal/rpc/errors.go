package rpc

import (
	"errors"
	"fmt"
)

// Failure taxonomy for requests and transports. Each outstanding request
// resolves with exactly one of a response, or one of these.
var (
	// ErrTimeout indicates no response arrived within the caller's
	// deadline. The caller decides whether to retry; the id stays
	// reserved so a late response is recognized and discarded.
	ErrTimeout = errors.New("rpc: request timed out")

	// ErrSessionLost indicates the peer process died or its transport
	// broke while the request was outstanding.
	ErrSessionLost = errors.New("rpc: session lost")

	// ErrCancelled indicates the caller withdrew interest. Cancellation
	// is advisory; the remote side may still complete the work.
	ErrCancelled = errors.New("rpc: request cancelled")

	// ErrProtocol indicates a malformed message. Protocol errors degrade
	// a session; they do not kill the process on first occurrence.
	ErrProtocol = errors.New("rpc: protocol error")

	// ErrTransportClosed indicates the transport was shut down before or
	// while the operation ran.
	ErrTransportClosed = errors.New("rpc: transport closed")

	// ErrQueueFull indicates the bounded outgoing queue rejected a
	// message because the peer has stalled.
	ErrQueueFull = errors.New("rpc: outgoing queue full")
)

func wrapProtocol(detail string) error {
	return fmt.Errorf("%w: %s", ErrProtocol, detail)
}

func isProtocolError(err error) bool {
	return errors.Is(err, ErrProtocol)
}
