// Package buffer owns open documents: a persistent rope, a strictly
// increasing revision counter, and the append-only edit history used for
// undo and for resynchronizing remote mirrors.
package buffer

import (
	"errors"
	"sync"

	"github.com/kspine/lapce/internal/rope"
)

// Errors returned by document operations.
var (
	// ErrNothingToUndo indicates the undo stack is empty.
	ErrNothingToUndo = errors.New("nothing to undo")

	// ErrNothingToRedo indicates the redo stack is empty.
	ErrNothingToRedo = errors.New("nothing to redo")
)

// URI identifies a document to language servers (file://... form).
type URI string

// Document is an open file. Edits are serialized by the owning caller;
// the internal lock only guards against concurrent snapshot reads.
//
// Revision policy: the revision advances exactly once per effective edit.
// Deleting an empty range is a no-op and does not advance the revision;
// synchronization depends on every revision carrying a real change.
type Document struct {
	mu sync.Mutex

	uri        URI
	languageID string
	text       rope.Rope
	revision   uint64
	dirty      bool

	// history is append-only: every applied edit, including the inverse
	// edits generated by undo/redo.
	history []Edit

	// undo/redo track indexes into history.
	undoStack []Edit
	redoStack []Edit
}

// New creates a document with the given initial text at revision 0.
func New(uri URI, languageID, text string) *Document {
	return &Document{
		uri:        uri,
		languageID: languageID,
		text:       rope.FromString(text),
	}
}

// URI returns the document's URI.
func (d *Document) URI() URI { return d.uri }

// LanguageID returns the language identifier used in didOpen.
func (d *Document) LanguageID() string { return d.languageID }

// Revision returns the current revision. Revisions are strictly
// increasing and start at 0 for the freshly opened document.
func (d *Document) Revision() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.revision
}

// Text returns the full current text.
func (d *Document) Text() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text.String()
}

// Snapshot returns the current rope. The rope is persistent, so the
// snapshot stays valid while later edits are applied.
func (d *Document) Snapshot() rope.Rope {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text
}

// Len returns the byte length of the current text.
func (d *Document) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text.Len()
}

// LineCount returns the number of lines in the current text.
func (d *Document) LineCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text.LineCount()
}

// Slice returns the text in [start, end), clamped to the document bounds.
func (d *Document) Slice(start, end int) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.text.Slice(start, end)
}

// IsDirty reports whether the document has unsaved edits.
func (d *Document) IsDirty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dirty
}

// MarkSaved clears the dirty flag after a successful save.
func (d *Document) MarkSaved() {
	d.mu.Lock()
	d.dirty = false
	d.mu.Unlock()
}

// Insert inserts text at offset (clamped) and returns the resulting Edit.
// Inserting an empty string is a no-op returning ok=false.
func (d *Document) Insert(offset int, text string) (Edit, bool) {
	return d.Replace(offset, offset, text)
}

// Delete removes the byte range [start, end) and returns the resulting
// Edit. Deleting an empty range is a no-op returning ok=false; the
// revision does not advance.
func (d *Document) Delete(start, end int) (Edit, bool) {
	return d.Replace(start, end, "")
}

// Replace replaces [start, end) with text and returns the resulting Edit.
// A replacement that changes nothing (empty range, empty text) returns
// ok=false without advancing the revision.
func (d *Document) Replace(start, end int, text string) (Edit, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	start, end = clampRange(start, end, d.text.Len())
	if start == end && text == "" {
		return Edit{}, false
	}

	edit := Edit{
		Start:          start,
		End:            end,
		Replacement:    text,
		Removed:        d.text.Slice(start, end),
		RevisionBefore: d.revision,
		RevisionAfter:  d.revision + 1,
	}

	d.applyLocked(edit)
	d.undoStack = append(d.undoStack, edit)
	d.redoStack = nil
	return edit, true
}

// Undo reverts the most recent edit, returning the inverse Edit that was
// applied. The inverse advances the revision like any other edit.
func (d *Document) Undo() (Edit, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.undoStack) == 0 {
		return Edit{}, ErrNothingToUndo
	}
	last := d.undoStack[len(d.undoStack)-1]
	d.undoStack = d.undoStack[:len(d.undoStack)-1]

	inv := last.Invert()
	inv.RevisionBefore = d.revision
	inv.RevisionAfter = d.revision + 1
	d.applyLocked(inv)
	d.redoStack = append(d.redoStack, last)
	return inv, nil
}

// Redo re-applies the most recently undone edit.
func (d *Document) Redo() (Edit, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.redoStack) == 0 {
		return Edit{}, ErrNothingToRedo
	}
	orig := d.redoStack[len(d.redoStack)-1]
	d.redoStack = d.redoStack[:len(d.redoStack)-1]

	redo := Edit{
		Start:          orig.Start,
		End:            orig.End,
		Replacement:    orig.Replacement,
		Removed:        orig.Removed,
		RevisionBefore: d.revision,
		RevisionAfter:  d.revision + 1,
	}
	d.applyLocked(redo)
	d.undoStack = append(d.undoStack, redo)
	return redo, nil
}

// History returns all edits applied since the document was opened, in
// order. The returned slice is a copy.
func (d *Document) History() []Edit {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Edit, len(d.history))
	copy(out, d.history)
	return out
}

// EditsSince returns the edits with RevisionAfter > revision, in order.
// Used to replay changes a remote mirror missed.
func (d *Document) EditsSince(revision uint64) []Edit {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []Edit
	for _, e := range d.history {
		if e.RevisionAfter > revision {
			out = append(out, e)
		}
	}
	return out
}

// applyLocked mutates the rope, appends to history, and advances the
// revision. Caller holds d.mu.
func (d *Document) applyLocked(e Edit) {
	d.text = d.text.Replace(e.Start, e.End, e.Replacement)
	d.revision = e.RevisionAfter
	d.dirty = true
	d.history = append(d.history, e)
}

func clampRange(start, end, n int) (int, int) {
	if start < 0 {
		start = 0
	}
	if start > n {
		start = n
	}
	if end < start {
		end = start
	}
	if end > n {
		end = n
	}
	return start, end
}
