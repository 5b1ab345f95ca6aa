package sstable

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"

	"appendkv/pkg/record"
)

// Run file layout, all integers big-endian:
//
//	[data section: encoded records, key-ascending]
//	[index section: (u32 key_len, key, i64 offset) per record]
//	[u32 footer_len]   duplicate copy
//	[i64 index_offset] byte offset of the index section start
//	[u32 entry_count][u32 min_key_len][min_key][u32 max_key_len][max_key][i64 created_ms]
//	[u32 footer_len]   trailer: the last 4 bytes of the file
//
// Readers locate the footer through the trailer copy alone; the leading
// copy keeps the layout self-describing for forward scans.

type indexEntry struct {
	key    string
	offset int64
}

// Writer streams records into a new run file. The caller must feed
// records in strict ascending key order.
type Writer struct {
	path      string
	file      *os.File
	buf       *bufio.Writer
	index     []indexEntry
	offset    int64
	minKey    string
	maxKey    string
	count     int
	createdAt int64
	finished  bool
}

// NewWriter opens a fresh run file at path. createdAt becomes the run's
// creation timestamp in its footer and metadata.
func NewWriter(path string, createdAt int64) (*Writer, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create run file: %w", err)
	}
	return &Writer{
		path:      path,
		file:      file,
		buf:       bufio.NewWriter(file),
		createdAt: createdAt,
	}, nil
}

// Write appends rec to the data section and records its offset in the
// index buffer.
func (w *Writer) Write(rec record.Record) error {
	if w.minKey == "" || rec.Key < w.minKey {
		w.minKey = rec.Key
	}
	if w.maxKey == "" || rec.Key > w.maxKey {
		w.maxKey = rec.Key
	}

	w.index = append(w.index, indexEntry{key: rec.Key, offset: w.offset})

	if err := record.Write(w.buf, rec); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	w.offset += int64(record.EncodedSize(rec))
	w.count++
	return nil
}

// Finish writes the index section and footer, syncs and closes the
// file, and returns the run's metadata.
func (w *Writer) Finish() (Metadata, error) {
	indexOffset := w.offset

	for _, entry := range w.index {
		if err := w.writeIndexEntry(entry); err != nil {
			return Metadata{}, err
		}
	}

	footerLen := 4 + 4 + len(w.minKey) + 4 + len(w.maxKey) + 8
	if err := w.writeUint32(uint32(footerLen)); err != nil {
		return Metadata{}, err
	}
	if err := w.writeInt64(indexOffset); err != nil {
		return Metadata{}, err
	}
	if err := w.writeFooter(); err != nil {
		return Metadata{}, err
	}
	if err := w.writeUint32(uint32(footerLen)); err != nil {
		return Metadata{}, err
	}

	if err := w.buf.Flush(); err != nil {
		return Metadata{}, fmt.Errorf("failed to flush run file: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return Metadata{}, fmt.Errorf("failed to sync run file: %w", err)
	}
	info, err := w.file.Stat()
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to stat run file: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return Metadata{}, fmt.Errorf("failed to close run file: %w", err)
	}
	w.finished = true

	return Metadata{
		Path:       w.path,
		MinKey:     w.minKey,
		MaxKey:     w.maxKey,
		EntryCount: w.count,
		FileSize:   info.Size(),
		CreatedAt:  w.createdAt,
	}, nil
}

// Cancel closes the stream and deletes the partial file. Safe to call
// after any prior step; a partial run must never become visible.
func (w *Writer) Cancel() error {
	if w.finished {
		return nil
	}
	w.finished = true
	if cerr := w.file.Close(); cerr != nil {
		slog.Warn("failed to close canceled run file", "path", w.path, "error", cerr)
	}
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove partial run file: %w", err)
	}
	return nil
}

func (w *Writer) writeIndexEntry(entry indexEntry) error {
	if len(entry.key) > math.MaxUint32 {
		return fmt.Errorf("index key too large: %d", len(entry.key))
	}
	if err := w.writeUint32(uint32(len(entry.key))); err != nil {
		return err
	}
	if _, err := w.buf.WriteString(entry.key); err != nil {
		return err
	}
	return w.writeInt64(entry.offset)
}

func (w *Writer) writeFooter() error {
	if err := w.writeUint32(uint32(w.count)); err != nil {
		return err
	}
	if err := w.writeUint32(uint32(len(w.minKey))); err != nil {
		return err
	}
	if _, err := w.buf.WriteString(w.minKey); err != nil {
		return err
	}
	if err := w.writeUint32(uint32(len(w.maxKey))); err != nil {
		return err
	}
	if _, err := w.buf.WriteString(w.maxKey); err != nil {
		return err
	}
	return w.writeInt64(w.createdAt)
}

func (w *Writer) writeUint32(v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.buf.Write(buf[:])
	return err
}

func (w *Writer) writeInt64(v int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	_, err := w.buf.Write(buf[:])
	return err
}
