package textfile_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tripwire/rewriter/internal/textfile"
)

func TestDetect(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want textfile.BOM
	}{
		{"empty", nil, textfile.NoBOM},
		{"plain", []byte("version=1"), textfile.NoBOM},
		{"utf8", []byte("\xEF\xBB\xBFversion=1"), textfile.UTF8},
		{"utf16le", []byte{0xFF, 0xFE, 'a', 0}, textfile.UTF16LE},
		{"utf16be", []byte{0xFE, 0xFF, 0, 'a'}, textfile.UTF16BE},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, textfile.Detect(tc.data))
		})
	}
}

func TestDecode_StripsBOM(t *testing.T) {
	doc, err := textfile.Decode([]byte("\xEF\xBB\xBFversion=1"))
	require.NoError(t, err)
	assert.Equal(t, "version=1", doc.Text)
	assert.Equal(t, textfile.UTF8, doc.BOM)

	doc, err = textfile.Decode([]byte{0xFF, 0xFE, 'v', 0, '=', 0, '1', 0})
	require.NoError(t, err)
	assert.Equal(t, "v=1", doc.Text)
	assert.Equal(t, textfile.UTF16LE, doc.BOM)
}

func TestEncode_RoundTrip(t *testing.T) {
	for _, bom := range []textfile.BOM{textfile.NoBOM, textfile.UTF8, textfile.UTF16LE, textfile.UTF16BE} {
		t.Run(bom.String(), func(t *testing.T) {
			data, err := textfile.Encode("version=99\nnäme=x\n", bom)
			require.NoError(t, err)
			assert.Equal(t, bom, textfile.Detect(data))

			doc, err := textfile.Decode(data)
			require.NoError(t, err)
			assert.Equal(t, "version=99\nnäme=x\n", doc.Text)
			assert.Equal(t, bom, doc.BOM)
		})
	}
}

func TestDecode_PlainBytesUntouched(t *testing.T) {
	raw := []byte("a\r\nb\x00c")
	doc, err := textfile.Decode(raw)
	require.NoError(t, err)

	out, err := textfile.Encode(doc.Text, doc.BOM)
	require.NoError(t, err)
	assert.Equal(t, raw, out)
}

func TestReadWrite_PreservesBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "version.txt")
	require.NoError(t, os.WriteFile(path, []byte("\xEF\xBB\xBFversion=1"), 0o600))

	doc, err := textfile.Read(path)
	require.NoError(t, err)
	require.NoError(t, textfile.Write(path, "version=2", doc.BOM))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("\xEF\xBB\xBFversion=2"), data)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestRead_Missing(t *testing.T) {
	_, err := textfile.Read(filepath.Join(t.TempDir(), "missing.txt"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
