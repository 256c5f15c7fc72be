package buffer

import (
	"bytes"
	"io"
	"os"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/kspine/lapce/internal/rope"
)

// Byte-order marks recognized when loading files. Everything is
// normalized to UTF-8 without a BOM before it reaches the rope.
var (
	bomUTF8    = []byte{0xEF, 0xBB, 0xBF}
	bomUTF16LE = []byte{0xFF, 0xFE}
	bomUTF16BE = []byte{0xFE, 0xFF}
)

// Load reads the file at path into a rope, transcoding UTF-16 content
// (detected by BOM) to UTF-8 and stripping any BOM.
func Load(path string) (rope.Rope, error) {
	f, err := os.Open(path)
	if err != nil {
		return rope.Rope{}, err
	}
	defer f.Close()
	return LoadReader(f)
}

// LoadReader reads r into a rope, applying the same BOM handling as Load.
func LoadReader(r io.Reader) (rope.Rope, error) {
	head := make([]byte, 3)
	n, err := io.ReadFull(r, head)
	if err == io.EOF {
		return rope.Rope{}, nil
	}
	if err != nil && err != io.ErrUnexpectedEOF {
		return rope.Rope{}, err
	}
	head = head[:n]

	switch {
	case bytes.HasPrefix(head, bomUTF8):
		r = io.MultiReader(bytes.NewReader(head[len(bomUTF8):]), r)
	case bytes.HasPrefix(head, bomUTF16LE):
		dec := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
		r = transform.NewReader(io.MultiReader(bytes.NewReader(head[len(bomUTF16LE):]), r), dec)
	case bytes.HasPrefix(head, bomUTF16BE):
		dec := unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewDecoder()
		r = transform.NewReader(io.MultiReader(bytes.NewReader(head[len(bomUTF16BE):]), r), dec)
	default:
		r = io.MultiReader(bytes.NewReader(head), r)
	}

	return rope.FromReader(r)
}

// Open loads the file at path and wraps it in a Document.
func Open(uri URI, languageID, path string) (*Document, error) {
	text, err := Load(path)
	if err != nil {
		return nil, err
	}
	d := New(uri, languageID, "")
	d.text = text
	return d, nil
}
