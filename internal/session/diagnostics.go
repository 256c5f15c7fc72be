package session

import (
	"sync"

	"github.com/kspine/lapce/internal/buffer"
)

// VersionedDiagnostics is one document's cached diagnostics plus the
// revision they were computed against (absent when the peer does not
// version its publishes).
type VersionedDiagnostics struct {
	Revision    uint64
	HasRevision bool
	Items       []Diagnostic
}

// DiagnosticStore caches the latest diagnostics per document. Publishes
// are revision-gated: a payload tagged with an older revision than the
// cached one is stale output from a peer that has not caught up, and is
// dropped rather than flickering old squiggles back onto the screen.
type DiagnosticStore struct {
	mu    sync.RWMutex
	byURI map[buffer.URI]VersionedDiagnostics
}

// NewDiagnosticStore creates an empty store.
func NewDiagnosticStore() *DiagnosticStore {
	return &DiagnosticStore{byURI: make(map[buffer.URI]VersionedDiagnostics)}
}

// Set records a publish. Returns false if the payload was dropped as
// stale. An unversioned publish always replaces the cache.
func (d *DiagnosticStore) Set(uri buffer.URI, revision *uint64, items []Diagnostic) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry := VersionedDiagnostics{Items: items}
	if revision != nil {
		if cached, ok := d.byURI[uri]; ok && cached.HasRevision && *revision < cached.Revision {
			return false
		}
		entry.Revision = *revision
		entry.HasRevision = true
	}
	d.byURI[uri] = entry
	return true
}

// Get returns the cached diagnostics for a document.
func (d *DiagnosticStore) Get(uri buffer.URI) (VersionedDiagnostics, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	entry, ok := d.byURI[uri]
	return entry, ok
}

// Clear drops a document's diagnostics, typically on close.
func (d *DiagnosticStore) Clear(uri buffer.URI) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.byURI, uri)
}

// Counts tallies cached errors and warnings across all documents.
func (d *DiagnosticStore) Counts() (errors, warnings int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, entry := range d.byURI {
		for _, diag := range entry.Items {
			switch diag.Severity {
			case SeverityError:
				errors++
			case SeverityWarning:
				warnings++
			}
		}
	}
	return errors, warnings
}
