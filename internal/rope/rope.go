// Package rope implements a persistent rope for text storage.
//
// A Rope is an immutable balanced tree of small text pieces. Every edit
// returns a new Rope sharing most of its structure with the original, so
// old revisions stay valid for undo history and for synchronization
// snapshots taken while an edit is in flight. Reads against an old
// revision are always consistent and never torn.
//
// All offsets are byte offsets and are clamped to [0, Len()].
package rope

import (
	"io"
	"strings"
)

// Point is a zero-based line/column position. Column is a byte offset
// within the line.
type Point struct {
	Line   int
	Column int
}

// Rope is a persistent text structure. The zero value is an empty rope.
type Rope struct {
	root *node
}

// New returns an empty rope.
func New() Rope {
	return Rope{}
}

// FromString builds a rope from s.
func FromString(s string) Rope {
	if len(s) == 0 {
		return Rope{}
	}
	return Rope{root: buildTree(splitPieces(s))}
}

// FromReader builds a rope by reading r to EOF.
func FromReader(r io.Reader) (Rope, error) {
	var b Builder
	if _, err := b.ReadFrom(r); err != nil {
		return Rope{}, err
	}
	return b.Build(), nil
}

// Len returns the total byte length.
func (r Rope) Len() int {
	if r.root == nil {
		return 0
	}
	return r.root.sum.bytes
}

// IsEmpty reports whether the rope contains no text.
func (r Rope) IsEmpty() bool {
	return r.Len() == 0
}

// LineCount returns the number of lines (newline count + 1).
func (r Rope) LineCount() int {
	if r.root == nil {
		return 1
	}
	return r.root.sum.newlines + 1
}

// String returns the full text. Use sparingly for large ropes.
func (r Rope) String() string {
	if r.root == nil {
		return ""
	}
	var sb strings.Builder
	sb.Grow(r.Len())
	r.root.writeAll(&sb)
	return sb.String()
}

// Slice returns the text in the byte range [start, end).
// The range is clamped to the rope bounds.
func (r Rope) Slice(start, end int) string {
	start, end = r.clampRange(start, end)
	if r.root == nil || start >= end {
		return ""
	}
	var sb strings.Builder
	sb.Grow(end - start)
	r.root.writeRange(&sb, start, end)
	return sb.String()
}

// Insert returns a new rope with text inserted at offset.
// The offset is clamped to [0, Len()].
func (r Rope) Insert(offset int, text string) Rope {
	if len(text) == 0 {
		return r
	}
	offset = r.clamp(offset)

	if r.root == nil {
		return FromString(text)
	}
	if offset == 0 {
		return FromString(text).Concat(r)
	}
	if offset >= r.Len() {
		return r.Concat(FromString(text))
	}

	left, right := r.Split(offset)
	return left.Concat(FromString(text)).Concat(right)
}

// Delete returns a new rope with the byte range [start, end) removed.
// The range is clamped; deleting an empty range returns the rope unchanged.
func (r Rope) Delete(start, end int) Rope {
	start, end = r.clampRange(start, end)
	if r.root == nil || start >= end {
		return r
	}

	n := r.Len()
	switch {
	case start == 0 && end >= n:
		return Rope{}
	case start == 0:
		_, right := r.Split(end)
		return right
	case end >= n:
		left, _ := r.Split(start)
		return left
	}

	left, rest := r.Split(start)
	_, right := rest.Split(end - start)
	return left.Concat(right)
}

// Replace returns a new rope with [start, end) replaced by text.
func (r Rope) Replace(start, end int, text string) Rope {
	start, end = r.clampRange(start, end)
	if start >= end {
		return r.Insert(start, text)
	}
	if len(text) == 0 {
		return r.Delete(start, end)
	}
	return r.Delete(start, end).Insert(start, text)
}

// Split splits the rope at offset into [0, offset) and [offset, Len()).
func (r Rope) Split(offset int) (Rope, Rope) {
	offset = r.clamp(offset)
	if r.root == nil || offset == 0 {
		return Rope{}, r
	}
	if offset >= r.Len() {
		return r, Rope{}
	}
	left, right := r.root.split(offset)
	return Rope{root: normalize(left)}, Rope{root: normalize(right)}
}

// Concat returns the concatenation of r and other.
func (r Rope) Concat(other Rope) Rope {
	if r.root == nil {
		return other
	}
	if other.root == nil {
		return r
	}
	return Rope{root: join(r.root, other.root)}
}

// LineStartOffset returns the byte offset of the start of line (zero-based).
// Out-of-range lines map to Len().
func (r Rope) LineStartOffset(line int) int {
	if r.root == nil || line <= 0 {
		return 0
	}
	if line > r.root.sum.newlines {
		return r.Len()
	}
	return r.root.offsetOfLine(line)
}

// LineEndOffset returns the byte offset just past the last character of
// line, not counting its trailing newline.
func (r Rope) LineEndOffset(line int) int {
	if r.root == nil {
		return 0
	}
	if line >= r.LineCount()-1 {
		return r.Len()
	}
	return r.LineStartOffset(line+1) - 1
}

// Line returns the text of the given line without its trailing newline.
func (r Rope) Line(line int) string {
	return r.Slice(r.LineStartOffset(line), r.LineEndOffset(line))
}

// OffsetToPoint converts a byte offset to a line/column position.
func (r Rope) OffsetToPoint(offset int) Point {
	offset = r.clamp(offset)
	if r.root == nil || offset == 0 {
		return Point{}
	}
	line := r.root.newlinesBefore(offset)
	return Point{Line: line, Column: offset - r.LineStartOffset(line)}
}

// PointToOffset converts a line/column position to a byte offset.
// Columns past the end of the line clamp to the line end.
func (r Rope) PointToOffset(p Point) int {
	if r.root == nil || p.Line < 0 {
		return 0
	}
	start := r.LineStartOffset(p.Line)
	end := r.LineEndOffset(p.Line)
	if p.Column < 0 {
		return start
	}
	if start+p.Column > end {
		return end
	}
	return start + p.Column
}

// Equals reports whether two ropes hold the same text.
func (r Rope) Equals(other Rope) bool {
	if r.Len() != other.Len() {
		return false
	}
	// Compare by walking both piece sequences without materializing.
	var a, b pieceIter
	a.init(r.root)
	b.init(other.root)

	sa, sb := a.next(), b.next()
	for sa != "" || sb != "" {
		n := len(sa)
		if len(sb) < n {
			n = len(sb)
		}
		if n == 0 {
			return false
		}
		if sa[:n] != sb[:n] {
			return false
		}
		sa, sb = sa[n:], sb[n:]
		if sa == "" {
			sa = a.next()
		}
		if sb == "" {
			sb = b.next()
		}
	}
	return true
}

// Height returns the tree height. Exposed for balance tests.
func (r Rope) Height() int {
	if r.root == nil {
		return 0
	}
	return r.root.height + 1
}

func (r Rope) clamp(offset int) int {
	if offset < 0 {
		return 0
	}
	if n := r.Len(); offset > n {
		return n
	}
	return offset
}

func (r Rope) clampRange(start, end int) (int, int) {
	start = r.clamp(start)
	end = r.clamp(end)
	if end < start {
		end = start
	}
	return start, end
}

// pieceIter walks the leaf pieces of a tree in order.
type pieceIter struct {
	stack []*node
	leaf  *node
	idx   int
}

func (it *pieceIter) init(root *node) {
	if root == nil {
		return
	}
	n := root
	for n.height > 0 {
		for i := len(n.children) - 1; i > 0; i-- {
			it.stack = append(it.stack, n.children[i])
		}
		n = n.children[0]
	}
	it.leaf = n
}

func (it *pieceIter) next() string {
	for {
		if it.leaf == nil {
			return ""
		}
		if it.idx < len(it.leaf.pieces) {
			s := it.leaf.pieces[it.idx].text
			it.idx++
			if s != "" {
				return s
			}
			continue
		}
		it.idx = 0
		it.leaf = nil
		if len(it.stack) > 0 {
			n := it.stack[len(it.stack)-1]
			it.stack = it.stack[:len(it.stack)-1]
			for n.height > 0 {
				for i := len(n.children) - 1; i > 0; i-- {
					it.stack = append(it.stack, n.children[i])
				}
				n = n.children[0]
			}
			it.leaf = n
		}
	}
}
