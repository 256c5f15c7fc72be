package rope

import "strings"

// Tree shape constants. Leaves hold a handful of pieces; internal nodes
// hold up to maxFanout children.
const (
	maxFanout     = 8
	maxLeafPieces = 4

	minPieceLen    = 128
	maxPieceLen    = 512
	targetPieceLen = 320
)

// summary holds the aggregated metrics for a subtree or piece.
type summary struct {
	bytes    int
	newlines int
}

func (s summary) add(o summary) summary {
	return summary{bytes: s.bytes + o.bytes, newlines: s.newlines + o.newlines}
}

func summarize(s string) summary {
	return summary{bytes: len(s), newlines: strings.Count(s, "\n")}
}

// piece is an immutable bounded run of text stored in a leaf.
type piece struct {
	text string
	sum  summary
}

func newPiece(s string) piece {
	return piece{text: s, sum: summarize(s)}
}

// splitAt splits a piece at a byte offset.
func (p piece) splitAt(offset int) (piece, piece) {
	if offset <= 0 {
		return piece{}, p
	}
	if offset >= len(p.text) {
		return p, piece{}
	}
	return newPiece(p.text[:offset]), newPiece(p.text[offset:])
}

// splitPieces cuts a string into pieces of bounded size, preferring to cut
// just after a newline so lines rarely straddle pieces.
func splitPieces(s string) []piece {
	if len(s) == 0 {
		return nil
	}
	var pieces []piece
	for len(s) > maxPieceLen {
		cut := pieceCut(s)
		pieces = append(pieces, newPiece(s[:cut]))
		s = s[cut:]
	}
	pieces = append(pieces, newPiece(s))
	return pieces
}

// pieceCut picks a cut point near targetPieceLen at a UTF-8 boundary,
// preferring a position just after a newline.
func pieceCut(s string) int {
	hi := targetPieceLen + minPieceLen/2
	lo := targetPieceLen - minPieceLen/2
	if hi > len(s) {
		hi = len(s)
	}
	if lo < 1 {
		lo = 1
	}
	if idx := strings.LastIndexByte(s[lo:hi], '\n'); idx >= 0 {
		return lo + idx + 1
	}

	// Back up to a UTF-8 start byte.
	cut := targetPieceLen
	for cut > 1 && cut < len(s) && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return cut
}

// node is a tree node. Leaves (height 0) hold pieces; internal nodes hold
// children. Nodes are immutable once linked into a rope.
type node struct {
	height   int
	sum      summary
	children []*node
	pieces   []piece
}

func newLeaf(pieces []piece) *node {
	n := &node{pieces: pieces}
	for _, p := range pieces {
		n.sum = n.sum.add(p.sum)
	}
	return n
}

func newInternal(children []*node) *node {
	n := &node{height: children[0].height + 1, children: children}
	for _, c := range children {
		n.sum = n.sum.add(c.sum)
	}
	return n
}

// buildTree builds a balanced tree bottom-up from pieces.
func buildTree(pieces []piece) *node {
	if len(pieces) == 0 {
		return nil
	}

	var level []*node
	for i := 0; i < len(pieces); i += maxLeafPieces {
		end := i + maxLeafPieces
		if end > len(pieces) {
			end = len(pieces)
		}
		leaf := make([]piece, end-i)
		copy(leaf, pieces[i:end])
		level = append(level, newLeaf(leaf))
	}
	return buildLevels(level)
}

// buildLevels stacks internal nodes until a single root remains.
func buildLevels(level []*node) *node {
	for len(level) > 1 {
		var next []*node
		for i := 0; i < len(level); i += maxFanout {
			end := i + maxFanout
			if end > len(level) {
				end = len(level)
			}
			children := make([]*node, end-i)
			copy(children, level[i:end])
			next = append(next, newInternal(children))
		}
		level = next
	}
	return level[0]
}

// normalize collapses trivial trees after a split: empty nodes become nil
// and single-child internals are unwrapped.
func normalize(n *node) *node {
	for n != nil {
		if n.sum.bytes == 0 {
			return nil
		}
		if n.height > 0 && len(n.children) == 1 {
			n = n.children[0]
			continue
		}
		return n
	}
	return nil
}

func (n *node) writeAll(sb *strings.Builder) {
	if n.height == 0 {
		for _, p := range n.pieces {
			sb.WriteString(p.text)
		}
		return
	}
	for _, c := range n.children {
		c.writeAll(sb)
	}
}

// writeRange appends the text in [start, end) to sb. The range must be
// within the node's bounds.
func (n *node) writeRange(sb *strings.Builder, start, end int) {
	if n.height == 0 {
		off := 0
		for _, p := range n.pieces {
			pEnd := off + p.sum.bytes
			if pEnd > start && off < end {
				lo, hi := 0, p.sum.bytes
				if start > off {
					lo = start - off
				}
				if end < pEnd {
					hi = end - off
				}
				sb.WriteString(p.text[lo:hi])
			}
			off = pEnd
			if off >= end {
				return
			}
		}
		return
	}

	off := 0
	for _, c := range n.children {
		cEnd := off + c.sum.bytes
		if cEnd > start && off < end {
			lo, hi := 0, c.sum.bytes
			if start > off {
				lo = start - off
			}
			if end < cEnd {
				hi = end - off
			}
			c.writeRange(sb, lo, hi)
		}
		off = cEnd
		if off >= end {
			return
		}
	}
}

// split divides the subtree at offset. 0 < offset < n.sum.bytes.
// The returned nodes may be shallow; callers normalize.
func (n *node) split(offset int) (*node, *node) {
	if n.height == 0 {
		var left, right []piece
		off := 0
		for _, p := range n.pieces {
			pEnd := off + p.sum.bytes
			switch {
			case pEnd <= offset:
				left = append(left, p)
			case off >= offset:
				right = append(right, p)
			default:
				l, r := p.splitAt(offset - off)
				if l.sum.bytes > 0 {
					left = append(left, l)
				}
				if r.sum.bytes > 0 {
					right = append(right, r)
				}
			}
			off = pEnd
		}
		return newLeaf(left), newLeaf(right)
	}

	var left, right []*node
	off := 0
	for _, c := range n.children {
		cEnd := off + c.sum.bytes
		switch {
		case cEnd <= offset:
			left = append(left, c)
		case off >= offset:
			right = append(right, c)
		default:
			l, r := c.split(offset - off)
			if l = normalize(l); l != nil {
				left = append(left, l)
			}
			if r = normalize(r); r != nil {
				right = append(right, r)
			}
		}
		off = cEnd
	}
	return rebuild(left), rebuild(right)
}

// rebuild assembles a node from children that may differ in height.
func rebuild(children []*node) *node {
	if len(children) == 0 {
		return nil
	}
	if len(children) == 1 {
		return children[0]
	}
	out := children[0]
	for _, c := range children[1:] {
		out = join(out, c)
	}
	return out
}

// join concatenates two subtrees, equalizing heights and splitting
// overfull levels.
func join(a, b *node) *node {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}

	if a.height == 0 && b.height == 0 {
		return joinLeaves(a, b)
	}

	for a.height < b.height {
		a = newInternal([]*node{a})
	}
	for b.height < a.height {
		b = newInternal([]*node{b})
	}
	if a.height == 0 {
		return joinLeaves(a, b)
	}

	merged := make([]*node, 0, len(a.children)+len(b.children))
	merged = append(merged, a.children...)
	merged = append(merged, b.children...)
	if len(merged) <= maxFanout {
		return newInternal(merged)
	}
	return buildLevels(chunkNodes(merged))
}

// chunkNodes groups same-height nodes into internal nodes of legal fanout.
func chunkNodes(nodes []*node) []*node {
	var out []*node
	for i := 0; i < len(nodes); i += maxFanout {
		end := i + maxFanout
		if end > len(nodes) {
			end = len(nodes)
		}
		children := make([]*node, end-i)
		copy(children, nodes[i:end])
		out = append(out, newInternal(children))
	}
	return out
}

// joinLeaves merges two leaves, re-splitting pieces that got small.
func joinLeaves(a, b *node) *node {
	total := len(a.pieces) + len(b.pieces)
	if total <= maxLeafPieces {
		pieces := make([]piece, 0, total)
		pieces = append(pieces, a.pieces...)
		pieces = append(pieces, b.pieces...)
		return newLeaf(pieces)
	}
	return newInternal([]*node{a, b})
}

// offsetOfLine returns the byte offset of the start of the given line.
// 1 <= line <= n.sum.newlines.
func (n *node) offsetOfLine(line int) int {
	if n.height == 0 {
		off := 0
		for _, p := range n.pieces {
			if line <= p.sum.newlines {
				return off + nthNewline(p.text, line) + 1
			}
			line -= p.sum.newlines
			off += p.sum.bytes
		}
		return off
	}

	off := 0
	for _, c := range n.children {
		if line <= c.sum.newlines {
			return off + c.offsetOfLine(line)
		}
		line -= c.sum.newlines
		off += c.sum.bytes
	}
	return off
}

// newlinesBefore counts newlines in [0, offset).
func (n *node) newlinesBefore(offset int) int {
	if n.height == 0 {
		count := 0
		for _, p := range n.pieces {
			if offset <= 0 {
				break
			}
			if offset >= p.sum.bytes {
				count += p.sum.newlines
				offset -= p.sum.bytes
				continue
			}
			count += strings.Count(p.text[:offset], "\n")
			break
		}
		return count
	}

	count := 0
	for _, c := range n.children {
		if offset <= 0 {
			break
		}
		if offset >= c.sum.bytes {
			count += c.sum.newlines
			offset -= c.sum.bytes
			continue
		}
		count += c.newlinesBefore(offset)
		break
	}
	return count
}

// nthNewline returns the byte index of the nth newline (1-based) in s.
func nthNewline(s string, n int) int {
	idx := 0
	for {
		i := strings.IndexByte(s[idx:], '\n')
		if i < 0 {
			return len(s) - 1
		}
		idx += i
		n--
		if n == 0 {
			return idx
		}
		idx++
	}
}
