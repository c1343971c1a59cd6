// Package textfile reads and writes target files as text while preserving
// their byte-order mark. UTF-8, UTF-16LE and UTF-16BE BOMs are recognised;
// files without a BOM are handled as raw UTF-8 bytes so that content the
// rules never touch is written back byte for byte.
package textfile

import (
	"bytes"
	"fmt"
	"os"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
)

// BOM identifies the byte-order mark a file started with.
type BOM int

const (
	// NoBOM means the file had no byte-order mark.
	NoBOM BOM = iota
	// UTF8 is the EF BB BF mark.
	UTF8
	// UTF16LE is the FF FE mark.
	UTF16LE
	// UTF16BE is the FE FF mark.
	UTF16BE
)

// String returns the encoding name for logs.
func (b BOM) String() string {
	switch b {
	case UTF8:
		return "utf-8-bom"
	case UTF16LE:
		return "utf-16le"
	case UTF16BE:
		return "utf-16be"
	default:
		return "utf-8"
	}
}

var (
	utf8Mark    = []byte{0xEF, 0xBB, 0xBF}
	utf16LEMark = []byte{0xFF, 0xFE}
	utf16BEMark = []byte{0xFE, 0xFF}
)

// Document is the decoded content of a file together with the BOM it was
// stored with.
type Document struct {
	Text string
	BOM  BOM
}

// Detect returns the BOM at the start of data.
func Detect(data []byte) BOM {
	switch {
	case bytes.HasPrefix(data, utf8Mark):
		return UTF8
	case bytes.HasPrefix(data, utf16LEMark):
		return UTF16LE
	case bytes.HasPrefix(data, utf16BEMark):
		return UTF16BE
	default:
		return NoBOM
	}
}

func (b BOM) encoding() encoding.Encoding {
	switch b {
	case UTF8:
		return unicode.UTF8BOM
	case UTF16LE:
		return unicode.UTF16(unicode.LittleEndian, unicode.UseBOM)
	case UTF16BE:
		return unicode.UTF16(unicode.BigEndian, unicode.UseBOM)
	default:
		return nil
	}
}

// Decode converts raw file bytes to a Document.
func Decode(data []byte) (Document, error) {
	bom := Detect(data)
	enc := bom.encoding()
	if enc == nil {
		return Document{Text: string(data), BOM: NoBOM}, nil
	}

	text, err := enc.NewDecoder().Bytes(data)
	if err != nil {
		return Document{}, fmt.Errorf("textfile: decode %s: %w", bom, err)
	}
	return Document{Text: string(text), BOM: bom}, nil
}

// Encode converts text back to bytes using bom, emitting the mark when the
// original had one.
func Encode(text string, bom BOM) ([]byte, error) {
	enc := bom.encoding()
	if enc == nil {
		return []byte(text), nil
	}

	data, err := enc.NewEncoder().Bytes([]byte(text))
	if err != nil {
		return nil, fmt.Errorf("textfile: encode %s: %w", bom, err)
	}
	return data, nil
}

// Read loads and decodes the file at path.
func Read(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, err
	}
	return Decode(data)
}

// Write encodes text with bom and overwrites the file at path in place.
// The file's permissions are left untouched when it already exists.
func Write(path, text string, bom BOM) error {
	data, err := Encode(text, bom)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
