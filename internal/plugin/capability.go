package plugin

import (
	"sort"
	"strings"
)

// Capability names a privilege a plugin may request. Each grants a
// namespace of proxy methods; everything outside the granted namespaces
// is refused at the wire.
type Capability string

const (
	// CapBufferRead grants read access to open documents.
	CapBufferRead Capability = "buffer:read"
	// CapBufferEdit grants edits to open documents.
	CapBufferEdit Capability = "buffer:edit"
	// CapDiagnostics grants publishing diagnostics.
	CapDiagnostics Capability = "diagnostics"
	// CapCompletion grants serving completion results.
	CapCompletion Capability = "completion"
	// CapHover grants serving hover results.
	CapHover Capability = "hover"
	// CapWatch grants receiving file watch events.
	CapWatch Capability = "watch"
	// CapConfig grants reading user configuration values.
	CapConfig Capability = "config"
)

var knownCapabilities = map[Capability]bool{
	CapBufferRead:  true,
	CapBufferEdit:  true,
	CapDiagnostics: true,
	CapCompletion:  true,
	CapHover:       true,
	CapWatch:       true,
	CapConfig:      true,
}

// methodNamespaces maps each capability to the method prefixes it
// unlocks.
var methodNamespaces = map[Capability][]string{
	CapBufferRead:  {"proxy/buffer/get", "proxy/buffer/lines", "proxy/buffer/list"},
	CapBufferEdit:  {"proxy/buffer/edit"},
	CapDiagnostics: {"proxy/diagnostics/publish", "proxy/diagnostics/clear"},
	CapCompletion:  {"proxy/completion"},
	CapHover:       {"proxy/hover"},
	CapWatch:       {"proxy/watch/subscribe", "proxy/watch/unsubscribe"},
	CapConfig:      {"proxy/config/get"},
}

// Scope is the resolved method namespace for one granted plugin.
type Scope struct {
	granted  []Capability
	prefixes []string
}

// NewScope resolves the namespace for a capability set. Unknown
// capabilities are ignored; validation happened at manifest parse.
func NewScope(caps []Capability) *Scope {
	s := &Scope{}
	seen := make(map[Capability]bool)
	for _, c := range caps {
		if seen[c] || !knownCapabilities[c] {
			continue
		}
		seen[c] = true
		s.granted = append(s.granted, c)
		s.prefixes = append(s.prefixes, methodNamespaces[c]...)
	}
	sort.Slice(s.granted, func(i, j int) bool { return s.granted[i] < s.granted[j] })
	sort.Strings(s.prefixes)
	return s
}

// Allows reports whether a method falls inside the granted namespaces.
// A prefix matches exactly or at a "/" boundary, so "proxy/hover" admits
// "proxy/hover/resolve" but not "proxy/hoverx".
func (s *Scope) Allows(method string) bool {
	for _, prefix := range s.prefixes {
		if method == prefix || strings.HasPrefix(method, prefix+"/") {
			return true
		}
	}
	return false
}

// Granted returns the granted capabilities in stable order.
func (s *Scope) Granted() []Capability {
	out := make([]Capability, len(s.granted))
	copy(out, s.granted)
	return out
}

// Methods returns the unlocked method prefixes in stable order.
func (s *Scope) Methods() []string {
	out := make([]string, len(s.prefixes))
	copy(out, s.prefixes)
	return out
}
