// Package delta converts buffer edits into the minimal (range, replacement)
// deltas used to synchronize remote document mirrors, including the LSP
// incremental-change form with UTF-16 positions.
package delta

import (
	"sort"
	"strings"

	"github.com/kspine/lapce/internal/buffer"
)

// Delta describes one text change: the byte range [Start, End) of the old
// text is replaced by Text. Deltas in a set are non-overlapping and sorted
// by Start, with all ranges addressed in the old text.
type Delta struct {
	Start int
	End   int
	Text  string
}

// IsZero reports whether the delta changes nothing.
func (d Delta) IsZero() bool {
	return d.Start == d.End && d.Text == ""
}

// FromEdit converts a single buffer edit into a delta. This is the cheap
// interactive-typing path: no diffing, the edit is replayed directly.
func FromEdit(e buffer.Edit) Delta {
	return Delta{Start: e.Start, End: e.End, Text: e.Replacement}
}

// Apply replays deltas against text. Deltas must be sorted and
// non-overlapping, as produced by Diff.
func Apply(text string, deltas []Delta) string {
	var sb strings.Builder
	last := 0
	for _, d := range deltas {
		sb.WriteString(text[last:d.Start])
		sb.WriteString(d.Text)
		last = d.End
	}
	sb.WriteString(text[last:])
	return sb.String()
}

// Diff computes a minimal set of non-overlapping deltas transforming old
// into new. Changes are located with a line-level Myers diff, then each
// changed region is tightened at the byte level. Used for bulk external
// edits (formatting, reload) where replaying individual keystrokes is not
// possible.
func Diff(old, new string) []Delta {
	if old == new {
		return nil
	}

	// Fast path: the change is confined to one line, found by trimming the
	// common prefix and suffix. Covers most single-edit cases without a diff.
	if d, ok := singleDelta(old, new); ok {
		if !strings.Contains(old[d.Start:d.End], "\n") && !strings.Contains(d.Text, "\n") {
			return []Delta{d}
		}
	} else {
		return nil
	}

	oldLines := splitKeepEnds(old)
	newLines := splitKeepEnds(new)
	ops := myers(oldLines, newLines)

	// Byte offset of each old line start.
	oldStarts := make([]int, len(oldLines)+1)
	for i, l := range oldLines {
		oldStarts[i+1] = oldStarts[i] + len(l)
	}

	var deltas []Delta
	i := 0
	for i < len(ops) {
		if ops[i].kind == opEqual {
			i++
			continue
		}

		// Collect one run of deletes and inserts.
		delStart, delEnd := -1, -1
		var inserted strings.Builder
		for i < len(ops) && ops[i].kind != opEqual {
			switch ops[i].kind {
			case opDelete:
				if delStart < 0 {
					delStart = ops[i].oldIndex
				}
				delEnd = ops[i].oldIndex + 1
			case opInsert:
				inserted.WriteString(newLines[ops[i].newIndex])
			}
			i++
		}

		d := Delta{Text: inserted.String()}
		if delStart >= 0 {
			d.Start = oldStarts[delStart]
			d.End = oldStarts[delEnd]
		} else {
			// Pure insertion: anchor at the next equal old line, or EOF.
			anchor := len(old)
			if i < len(ops) {
				anchor = oldStarts[ops[i].oldIndex]
			}
			d.Start, d.End = anchor, anchor
		}
		if !d.IsZero() {
			deltas = append(deltas, tighten(old, d))
		}
	}

	sort.Slice(deltas, func(a, b int) bool { return deltas[a].Start < deltas[b].Start })
	return deltas
}

// singleDelta trims the common prefix and suffix of old/new. It reports
// ok=false when the texts are equal (no delta needed).
func singleDelta(old, new string) (Delta, bool) {
	p := commonPrefix(old, new)
	if p == len(old) && p == len(new) {
		return Delta{}, false
	}
	s := commonSuffix(old[p:], new[p:])
	return Delta{Start: p, End: len(old) - s, Text: new[p : len(new)-s]}, true
}

// tighten shrinks a line-granular delta to the byte level by trimming the
// common prefix and suffix of the replaced region and its replacement.
func tighten(old string, d Delta) Delta {
	removed := old[d.Start:d.End]
	p := commonPrefix(removed, d.Text)
	s := commonSuffix(removed[p:], d.Text[p:])
	return Delta{
		Start: d.Start + p,
		End:   d.End - s,
		Text:  d.Text[p : len(d.Text)-s],
	}
}

func commonPrefix(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	// Do not split a UTF-8 sequence.
	for i > 0 && i < len(a) && a[i]&0xC0 == 0x80 {
		i--
	}
	return i
}

func commonSuffix(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[len(a)-1-i] == b[len(b)-1-i] {
		i++
	}
	for i > 0 && i < len(a) && a[len(a)-i]&0xC0 == 0x80 {
		i--
	}
	return i
}

// splitKeepEnds splits text into lines keeping the trailing newline on
// each line, so concatenating the lines reproduces the text exactly.
func splitKeepEnds(s string) []string {
	if s == "" {
		return nil
	}
	var lines []string
	for {
		i := strings.IndexByte(s, '\n')
		if i < 0 {
			lines = append(lines, s)
			return lines
		}
		lines = append(lines, s[:i+1])
		s = s[i+1:]
		if s == "" {
			return lines
		}
	}
}
