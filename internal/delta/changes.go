package delta

import (
	"github.com/kspine/lapce/internal/buffer"
	"github.com/kspine/lapce/internal/rope"
)

// ContentChange is the wire form of one incremental document change,
// matching the LSP textDocument/didChange event. A nil Range means the
// whole document is replaced by Text.
type ContentChange struct {
	Range *Range `json:"range,omitempty"`
	Text  string `json:"text"`
}

// FullChange returns a whole-document replacement change.
func FullChange(text string) ContentChange {
	return ContentChange{Text: text}
}

// EncodeEdits converts a batch of sequential edits into incremental
// content changes. snapshot must be the document text BEFORE the first
// edit; each change's range is expressed against the text state produced
// by the previous change, which is how didChange batches are applied.
//
// Revisions must be contiguous: edit i+1's RevisionBefore must equal edit
// i's RevisionAfter. A gap means the mirror would silently diverge, so
// EncodeEdits reports ok=false and the caller must fall back to a full
// resynchronization.
func EncodeEdits(snapshot rope.Rope, edits []buffer.Edit) ([]ContentChange, bool) {
	changes := make([]ContentChange, 0, len(edits))
	text := snapshot

	for i, e := range edits {
		if i > 0 && e.RevisionBefore != edits[i-1].RevisionAfter {
			return nil, false
		}
		m := NewMapper(text)
		r := m.RangeOf(e.Start, e.End)
		changes = append(changes, ContentChange{Range: &r, Text: e.Replacement})
		text = text.Replace(e.Start, e.End, e.Replacement)
	}
	return changes, true
}

// EncodeDeltas converts old-text deltas (as produced by Diff) into
// incremental content changes. Deltas address the same old text, so they
// are emitted back-to-front: applying the resulting changes in order
// yields the new text without any range shifting.
func EncodeDeltas(snapshot rope.Rope, deltas []Delta) []ContentChange {
	m := NewMapper(snapshot)
	changes := make([]ContentChange, 0, len(deltas))
	for i := len(deltas) - 1; i >= 0; i-- {
		d := deltas[i]
		r := m.RangeOf(d.Start, d.End)
		changes = append(changes, ContentChange{Range: &r, Text: d.Text})
	}
	return changes
}

// ApplyChange applies one content change to text, interpreting the range
// in protocol positions. Used by the proxy-side mirror and by round-trip
// tests.
func ApplyChange(text rope.Rope, ch ContentChange) rope.Rope {
	if ch.Range == nil {
		return rope.FromString(ch.Text)
	}
	m := NewMapper(text)
	start, end := m.OffsetsOf(*ch.Range)
	return text.Replace(start, end, ch.Text)
}

// ApplyChanges applies a didChange batch in order.
func ApplyChanges(text rope.Rope, changes []ContentChange) rope.Rope {
	for _, ch := range changes {
		text = ApplyChange(text, ch)
	}
	return text
}
