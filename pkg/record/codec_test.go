package record

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appendkv/pkg/dberrors"
)

func TestCodecRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		rec  Record
	}{
		{"simple", New("k1", "v1", 1000)},
		{"empty value", New("k1", "", 1000)},
		{"tombstone", NewTombstone("k1", 1234)},
		{"multi-byte utf8", New("ключ-日本語", "значение-値", 987654321)},
		{"long value", New("k", string(bytes.Repeat([]byte("x"), 10_000)), 42)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode(Encode(tc.rec))
			require.NoError(t, err)
			assert.Equal(t, tc.rec, got)
		})
	}
}

func TestCodecEncodedSize(t *testing.T) {
	rec := New("key", "value", 7)
	assert.Len(t, Encode(rec), EncodedSize(rec))
}

func TestCodecStream(t *testing.T) {
	var buf bytes.Buffer
	recs := []Record{
		New("a", "1", 1),
		NewTombstone("b", 2),
		New("c", "", 3),
	}
	for _, rec := range recs {
		require.NoError(t, Write(&buf, rec))
	}

	var got []Record
	for {
		rec, err := Read(&buf)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, rec)
	}
	assert.Equal(t, recs, got)
}

func TestDecodeCorrupt(t *testing.T) {
	t.Run("truncated key", func(t *testing.T) {
		data := Encode(New("longish-key", "value", 1))
		_, err := Decode(data[:6])
		assert.ErrorIs(t, err, dberrors.ErrCorrupt)
	})

	t.Run("truncated tail", func(t *testing.T) {
		data := Encode(New("k", "v", 1))
		_, err := Decode(data[:len(data)-3])
		assert.ErrorIs(t, err, dberrors.ErrCorrupt)
	})

	t.Run("zero key length", func(t *testing.T) {
		data := Encode(New("k", "v", 1))
		copy(data[:4], []byte{0, 0, 0, 0})
		_, err := Decode(data)
		assert.ErrorIs(t, err, dberrors.ErrCorrupt)
	})

	t.Run("invalid utf8 key", func(t *testing.T) {
		data := Encode(New("kk", "v", 1))
		data[4], data[5] = 0xff, 0xfe
		_, err := Decode(data)
		assert.ErrorIs(t, err, dberrors.ErrCorrupt)
	})

	t.Run("clean eof", func(t *testing.T) {
		_, err := Read(bytes.NewReader(nil))
		assert.ErrorIs(t, err, io.EOF)
	})
}

func TestSupersedes(t *testing.T) {
	older := New("k", "v1", 100)
	newer := NewTombstone("k", 200)
	assert.True(t, newer.Supersedes(older))
	assert.False(t, older.Supersedes(newer))
	assert.False(t, older.Supersedes(older))
}
