package session

// State is the lifecycle of one session. Transitions: Starting → Ready,
// Ready ⇄ Degraded, and any state → Dead when the peer process exits or
// its transport breaks. Dead is terminal for a Session instance;
// recovery means the supervisor building a replacement.
type State int32

const (
	// StateStarting means the process is launched but the handshake has
	// not completed. Requests are refused, document sync is queued.
	StateStarting State = iota
	// StateReady means the handshake completed and the peer is serving.
	StateReady
	// StateDegraded means the peer is misbehaving (repeated protocol
	// errors) but still alive. Sync continues; a clean response promotes
	// the session back to Ready.
	StateDegraded
	// StateDead means the peer is gone. Outstanding requests have been
	// failed with ErrSessionLost.
	StateDead
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// Usable reports whether the session accepts requests and sync traffic.
func (s State) Usable() bool {
	return s == StateReady || s == StateDegraded
}
