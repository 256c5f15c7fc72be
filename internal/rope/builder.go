package rope

import (
	"io"
	"strings"
)

// Builder accumulates text and produces a rope in one pass. It is cheaper
// than repeated Concat when loading a file.
type Builder struct {
	pieces []piece
	buf    strings.Builder
	total  int
}

// WriteString appends s to the builder.
func (b *Builder) WriteString(s string) {
	if len(s) == 0 {
		return
	}
	b.total += len(s)
	b.buf.WriteString(s)
	if b.buf.Len() >= 2*maxPieceLen {
		b.flush()
	}
}

// Write implements io.Writer.
func (b *Builder) Write(p []byte) (int, error) {
	b.WriteString(string(p))
	return len(p), nil
}

// ReadFrom implements io.ReaderFrom.
func (b *Builder) ReadFrom(r io.Reader) (int64, error) {
	buf := make([]byte, 64*1024)
	var total int64
	for {
		n, err := r.Read(buf)
		if n > 0 {
			b.WriteString(string(buf[:n]))
			total += int64(n)
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// Len returns the number of bytes written so far.
func (b *Builder) Len() int {
	return b.total
}

// Build produces the rope and resets the builder.
func (b *Builder) Build() Rope {
	b.flush()
	if len(b.pieces) == 0 {
		b.Reset()
		return Rope{}
	}
	pieces := b.pieces
	b.Reset()
	return Rope{root: buildTree(pieces)}
}

// Reset clears the builder for reuse.
func (b *Builder) Reset() {
	b.pieces = nil
	b.buf.Reset()
	b.total = 0
}

func (b *Builder) flush() {
	if b.buf.Len() == 0 {
		return
	}
	b.pieces = append(b.pieces, splitPieces(b.buf.String())...)
	b.buf.Reset()
}
