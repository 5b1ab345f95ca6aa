package record

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"unicode/utf8"

	"appendkv/pkg/dberrors"
)

// On-disk record encoding, big-endian, used inside sorted-run data
// sections (the WAL has its own framing, see pkg/wal):
//
//	[u32 key_len][key_utf8][u32 val_len][val_utf8][u8 tombstone][i64 timestamp_ms]
//
// A zero val_len with tombstone == 0 encodes an empty value; the
// tombstone byte is the only discriminator between deletion and
// empty-value.

// maxFieldLen bounds key and value lengths so that a corrupted length
// prefix cannot trigger a multi-gigabyte allocation during recovery.
const maxFieldLen = 1 << 30

// EncodedSize returns the number of bytes Write emits for r.
func EncodedSize(r Record) int {
	return 4 + len(r.Key) + 4 + len(r.Value) + 1 + 8
}

// Write serializes r to w.
func Write(w io.Writer, r Record) error {
	if len(r.Key) > math.MaxUint32 {
		return fmt.Errorf("key too large: %d", len(r.Key))
	}
	if len(r.Value) > math.MaxUint32 {
		return fmt.Errorf("value too large: %d", len(r.Value))
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(r.Key)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := io.WriteString(w, r.Key); err != nil {
		return err
	}

	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(r.Value)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := io.WriteString(w, r.Value); err != nil {
		return err
	}

	tombstone := byte(0)
	if r.Tombstone {
		tombstone = 1
	}
	var tail [9]byte
	tail[0] = tombstone
	binary.BigEndian.PutUint64(tail[1:], uint64(r.Timestamp))
	_, err := w.Write(tail[:])
	return err
}

// Encode serializes r into a fresh byte slice.
func Encode(r Record) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, EncodedSize(r)))
	// bytes.Buffer writes never fail
	_ = Write(buf, r)
	return buf.Bytes()
}

// Read decodes the next record from r. It returns io.EOF when the
// stream ends cleanly at a record boundary and dberrors.ErrCorrupt when
// a record is truncated or carries invalid UTF-8.
func Read(r io.Reader) (Record, error) {
	var rec Record

	keyLen, err := readLen(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return rec, io.EOF // clean boundary
		}
		return rec, corruptEOF(err)
	}
	if keyLen == 0 || keyLen > maxFieldLen {
		return rec, fmt.Errorf("%w: bad key length %d", dberrors.ErrCorrupt, keyLen)
	}
	key, err := readString(r, keyLen)
	if err != nil {
		return rec, err
	}

	valLen, err := readLen(r)
	if err != nil {
		return rec, corruptEOF(err)
	}
	if valLen > maxFieldLen {
		return rec, fmt.Errorf("%w: bad value length %d", dberrors.ErrCorrupt, valLen)
	}
	value, err := readString(r, valLen)
	if err != nil {
		return rec, err
	}

	var tail [9]byte
	if _, err := io.ReadFull(r, tail[:]); err != nil {
		return rec, corruptEOF(err)
	}

	rec.Key = key
	rec.Value = value
	rec.Tombstone = tail[0] != 0
	rec.Timestamp = int64(binary.BigEndian.Uint64(tail[1:]))
	return rec, nil
}

// Decode decodes a single record from data.
func Decode(data []byte) (Record, error) {
	return Read(bytes.NewReader(data))
}

func readLen(r io.Reader) (int, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint32(buf[:])), nil
}

func readString(r io.Reader, n int) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", corruptEOF(err)
	}
	if !utf8.Valid(buf) {
		return "", fmt.Errorf("%w: invalid UTF-8", dberrors.ErrCorrupt)
	}
	return string(buf), nil
}

// corruptEOF maps a mid-record EOF to ErrCorrupt; other errors pass
// through untouched.
func corruptEOF(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: truncated record", dberrors.ErrCorrupt)
	}
	return err
}
