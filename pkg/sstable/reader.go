package sstable

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"unicode/utf8"

	"appendkv/pkg/dberrors"
	"appendkv/pkg/iterator"
	"appendkv/pkg/record"
)

// trailerSize covers the i64 index offset, the leading footer_len copy
// and the trailing footer_len.
const trailerSize = 8 + 4 + 4

// Reader serves point lookups and forward iteration over one run file.
// The footer and the full index are loaded once at construction; the
// file handle stays open until Close.
type Reader struct {
	file        *os.File
	meta        Metadata
	index       []indexEntry
	indexOffset int64
}

// NewReader opens the run file at path and loads its footer and index.
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open run file: %w", err)
	}

	r := &Reader{file: file}
	if err := r.load(path); err != nil {
		if cerr := file.Close(); cerr != nil {
			slogWarnClose(path, cerr)
		}
		return nil, err
	}
	return r, nil
}

func (r *Reader) load(path string) error {
	info, err := r.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat run file: %w", err)
	}
	size := info.Size()
	if size < trailerSize {
		return fmt.Errorf("%w: run file too small (%d bytes)", dberrors.ErrCorrupt, size)
	}

	// The last 4 bytes hold the footer length.
	var lenBuf [4]byte
	if _, err := r.file.ReadAt(lenBuf[:], size-4); err != nil {
		return fmt.Errorf("failed to read footer length: %w", err)
	}
	footerLen := int64(binary.BigEndian.Uint32(lenBuf[:]))

	footerStart := size - 4 - footerLen
	if footerLen < 20 || footerStart < trailerSize-4 {
		return fmt.Errorf("%w: invalid footer length %d", dberrors.ErrCorrupt, footerLen)
	}

	footer := make([]byte, footerLen)
	if _, err := r.file.ReadAt(footer, footerStart); err != nil {
		return fmt.Errorf("failed to read footer: %w", err)
	}
	if err := r.parseFooter(footer); err != nil {
		return err
	}
	r.meta.Path = path
	r.meta.FileSize = size

	// The index offset sits immediately before the footer.
	var offBuf [8]byte
	if _, err := r.file.ReadAt(offBuf[:], footerStart-8); err != nil {
		return fmt.Errorf("failed to read index offset: %w", err)
	}
	r.indexOffset = int64(binary.BigEndian.Uint64(offBuf[:]))

	indexEnd := footerStart - 12 // index offset field plus leading footer_len copy
	if r.indexOffset < 0 || r.indexOffset > indexEnd {
		return fmt.Errorf("%w: invalid index offset %d", dberrors.ErrCorrupt, r.indexOffset)
	}

	return r.loadIndex(indexEnd)
}

func (r *Reader) parseFooter(footer []byte) error {
	rd := bufferReader{buf: footer}

	count, err := rd.uint32()
	if err != nil {
		return err
	}
	minKey, err := rd.lenPrefixedString()
	if err != nil {
		return err
	}
	maxKey, err := rd.lenPrefixedString()
	if err != nil {
		return err
	}
	createdAt, err := rd.int64()
	if err != nil {
		return err
	}
	if rd.pos != len(footer) {
		return fmt.Errorf("%w: footer has %d trailing bytes", dberrors.ErrCorrupt, len(footer)-rd.pos)
	}

	r.meta.EntryCount = int(count)
	r.meta.MinKey = minKey
	r.meta.MaxKey = maxKey
	r.meta.CreatedAt = createdAt
	return nil
}

func (r *Reader) loadIndex(indexEnd int64) error {
	section := io.NewSectionReader(r.file, r.indexOffset, indexEnd-r.indexOffset)
	rd := bufio.NewReader(section)

	var lenBuf [4]byte
	var offBuf [8]byte
	for {
		if _, err := io.ReadFull(rd, lenBuf[:]); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("%w: truncated index entry", dberrors.ErrCorrupt)
		}
		keyLen := binary.BigEndian.Uint32(lenBuf[:])
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(rd, key); err != nil {
			return fmt.Errorf("%w: truncated index key", dberrors.ErrCorrupt)
		}
		if _, err := io.ReadFull(rd, offBuf[:]); err != nil {
			return fmt.Errorf("%w: truncated index offset", dberrors.ErrCorrupt)
		}
		r.index = append(r.index, indexEntry{
			key:    string(key),
			offset: int64(binary.BigEndian.Uint64(offBuf[:])),
		})
	}
	return nil
}

// Metadata returns the run's footer metadata.
func (r *Reader) Metadata() Metadata {
	return r.meta
}

// Get returns the record stored for key, tombstone or not. The second
// return value is false when the run does not contain the key.
func (r *Reader) Get(key string) (record.Record, bool, error) {
	if !r.meta.MightContain(key) {
		return record.Record{}, false, nil
	}

	// Greatest index entry with key <= target. The writer indexes every
	// record, so the search normally lands exactly on the target; the
	// forward scan below also tolerates sparser indexes.
	n := sort.Search(len(r.index), func(i int) bool {
		return r.index[i].key > key
	})
	if n == 0 {
		return record.Record{}, false, nil
	}
	start := r.index[n-1].offset

	section := io.NewSectionReader(r.file, start, r.indexOffset-start)
	rd := bufio.NewReader(section)
	for {
		rec, err := record.Read(rd)
		if errors.Is(err, io.EOF) {
			return record.Record{}, false, nil
		}
		if err != nil {
			return record.Record{}, false, fmt.Errorf("failed to read run data: %w", err)
		}
		if rec.Key == key {
			return rec, true, nil
		}
		if rec.Key > key {
			return record.Record{}, false, nil
		}
	}
}

// Iter returns a forward iterator over the run's records. A non-empty
// from skips records with key < from; a non-empty to stops the
// iteration at the first key >= to. The iterator owns its own file
// handle and must be closed.
func (r *Reader) Iter(from, to string) (iterator.Iterator, error) {
	file, err := os.Open(r.meta.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open run file for iteration: %w", err)
	}
	section := io.NewSectionReader(file, 0, r.indexOffset)
	return &runIterator{
		file: file,
		rd:   bufio.NewReader(section),
		from: from,
		to:   to,
	}, nil
}

// Close releases the file handle.
func (r *Reader) Close() error {
	return r.file.Close()
}

type bufferReader struct {
	buf []byte
	pos int
}

func (b *bufferReader) uint32() (uint32, error) {
	if b.pos+4 > len(b.buf) {
		return 0, fmt.Errorf("%w: truncated footer", dberrors.ErrCorrupt)
	}
	v := binary.BigEndian.Uint32(b.buf[b.pos:])
	b.pos += 4
	return v, nil
}

func (b *bufferReader) int64() (int64, error) {
	if b.pos+8 > len(b.buf) {
		return 0, fmt.Errorf("%w: truncated footer", dberrors.ErrCorrupt)
	}
	v := int64(binary.BigEndian.Uint64(b.buf[b.pos:]))
	b.pos += 8
	return v, nil
}

func (b *bufferReader) lenPrefixedString() (string, error) {
	n, err := b.uint32()
	if err != nil {
		return "", err
	}
	if b.pos+int(n) > len(b.buf) {
		return "", fmt.Errorf("%w: truncated footer key", dberrors.ErrCorrupt)
	}
	s := b.buf[b.pos : b.pos+int(n)]
	if !utf8.Valid(s) {
		return "", fmt.Errorf("%w: footer key is not valid UTF-8", dberrors.ErrCorrupt)
	}
	b.pos += int(n)
	return string(s), nil
}
