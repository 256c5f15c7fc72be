package buffer

// Edit is an immutable record of one buffer mutation. The byte range
// [Start, End) of the pre-edit text was replaced by Replacement; Removed
// holds the text that was there before, so the edit can be inverted.
// RevisionBefore/RevisionAfter tie the edit into the document's revision
// sequence for synchronization and undo.
type Edit struct {
	Start       int
	End         int
	Replacement string
	Removed     string

	RevisionBefore uint64
	RevisionAfter  uint64
}

// IsInsert reports whether the edit removed nothing.
func (e Edit) IsInsert() bool {
	return e.Start == e.End
}

// IsDelete reports whether the edit inserted nothing.
func (e Edit) IsDelete() bool {
	return e.Replacement == ""
}

// Invert returns the edit that undoes e. Revision fields are zero; the
// document assigns them when the inverse is applied.
func (e Edit) Invert() Edit {
	return Edit{
		Start:       e.Start,
		End:         e.Start + len(e.Replacement),
		Replacement: e.Removed,
		Removed:     e.Replacement,
	}
}
