package delta

import (
	"github.com/rivo/uniseg"

	"github.com/kspine/lapce/internal/rope"
)

// Position is a zero-based line/character position. Character counts
// UTF-16 code units, matching the wire protocol: an astral character
// (outside the BMP) counts as two units, never one.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

// Range is a half-open [Start, End) position range.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Mapper converts between byte offsets in a rope snapshot and protocol
// positions. The snapshot is persistent, so a Mapper stays valid while
// later edits are applied to the document.
type Mapper struct {
	text rope.Rope
}

// NewMapper creates a mapper over the given snapshot.
func NewMapper(text rope.Rope) *Mapper {
	return &Mapper{text: text}
}

// PositionOf converts a byte offset (clamped) into a protocol position.
func (m *Mapper) PositionOf(offset int) Position {
	p := m.text.OffsetToPoint(offset)
	line := m.text.Line(p.Line)
	col := p.Column
	if col > len(line) {
		col = len(line)
	}
	return Position{Line: p.Line, Character: utf16Len(line[:col])}
}

// OffsetOf converts a protocol position into a byte offset. Lines and
// characters outside the document clamp to the nearest valid location,
// and offsets landing inside a grapheme cluster snap back to the cluster
// start so an edit never splits user-perceived characters.
func (m *Mapper) OffsetOf(pos Position) int {
	if pos.Line < 0 {
		return 0
	}
	if pos.Line >= m.text.LineCount() {
		return m.text.Len()
	}

	line := m.text.Line(pos.Line)
	col := utf16ToByte(line, pos.Character)
	col = snapToGrapheme(line, col)
	return m.text.LineStartOffset(pos.Line) + col
}

// RangeOf converts a byte range into a protocol range.
func (m *Mapper) RangeOf(start, end int) Range {
	return Range{Start: m.PositionOf(start), End: m.PositionOf(end)}
}

// OffsetsOf converts a protocol range into byte offsets.
func (m *Mapper) OffsetsOf(r Range) (start, end int) {
	start = m.OffsetOf(r.Start)
	end = m.OffsetOf(r.End)
	if end < start {
		end = start
	}
	return start, end
}

// utf16Len returns the length of s in UTF-16 code units.
func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		if r >= 0x10000 {
			n += 2
		} else {
			n++
		}
	}
	return n
}

// utf16ToByte converts a UTF-16 unit offset into a byte offset within s.
// An offset landing between the halves of a surrogate pair resolves to
// the start of that character.
func utf16ToByte(s string, units int) int {
	if units <= 0 {
		return 0
	}
	count := 0
	for i, r := range s {
		if count >= units {
			return i
		}
		if r >= 0x10000 {
			if count+2 > units {
				// The offset points between the surrogate halves;
				// resolve to the start of the character.
				return i
			}
			count += 2
		} else {
			count++
		}
	}
	return len(s)
}

// byteToUTF16 converts a byte offset within s into UTF-16 units.
func byteToUTF16(s string, off int) int {
	if off <= 0 {
		return 0
	}
	if off >= len(s) {
		return utf16Len(s)
	}
	return utf16Len(s[:off])
}

// snapToGrapheme returns the largest grapheme-cluster boundary <= off.
func snapToGrapheme(line string, off int) int {
	if off <= 0 {
		return 0
	}
	if off >= len(line) {
		return len(line)
	}

	pos := 0
	state := -1
	for pos < len(line) {
		cluster, _, _, next := uniseg.FirstGraphemeClusterInString(line[pos:], state)
		end := pos + len(cluster)
		if off < end {
			return pos
		}
		if off == end {
			return off
		}
		pos = end
		state = next
	}
	return len(line)
}
