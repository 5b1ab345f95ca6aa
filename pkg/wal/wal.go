package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"appendkv/pkg/dberrors"
	"appendkv/pkg/record"
)

// Kind discriminates WAL record types.
type Kind uint8

const (
	KindPut    Kind = 1
	KindDelete Kind = 2
)

// Entry is one recovered WAL record. The sequence number is preserved
// for observability; recovery ordering relies on append order and
// timestamps.
type Entry struct {
	Kind      Kind
	Seq       uint64
	Timestamp int64
	Key       string
	Value     string
}

// Record converts the entry back into the engine's record form.
func (e Entry) Record() record.Record {
	if e.Kind == KindDelete {
		return record.NewTombstone(e.Key, e.Timestamp)
	}
	return record.New(e.Key, e.Value, e.Timestamp)
}

// WAL is the append-only recovery log. Every mutation is appended here
// before it becomes visible in the memtable. Appends land in the OS
// page cache before returning; fsync is deferred up to syncInterval
// (zero forces fsync per write).
type WAL struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *bufio.Writer
	seq      uint64
	lastSync time.Time

	syncInterval time.Duration
	closed       bool
}

// Open creates parent directories if missing and opens the log for
// appending. An existing non-empty file is read once to seed the
// sequence counter past the largest persisted value.
func Open(path string, syncInterval time.Duration) (*WAL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	w := &WAL{
		path:         path,
		file:         file,
		writer:       bufio.NewWriter(file),
		syncInterval: syncInterval,
		lastSync:     time.Now(),
	}

	if err := w.seedSequence(); err != nil {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close WAL after seed error", "error", cerr)
		}
		return nil, err
	}
	return w, nil
}

func (w *WAL) seedSequence() error {
	entries, err := readAll(w.path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Seq > w.seq {
			w.seq = e.Seq
		}
	}
	return nil
}

// LogPut appends a PUT record stamped with ts and returns its sequence
// number.
func (w *WAL) LogPut(key, value string, ts int64) (uint64, error) {
	return w.append(Entry{Kind: KindPut, Timestamp: ts, Key: key, Value: value})
}

// LogDelete appends a DELETE record stamped with ts.
func (w *WAL) LogDelete(key string, ts int64) (uint64, error) {
	return w.append(Entry{Kind: KindDelete, Timestamp: ts, Key: key})
}

func (w *WAL) append(e Entry) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, dberrors.ErrClosed
	}

	w.seq++
	e.Seq = w.seq

	if err := writeEntry(w.writer, e); err != nil {
		return 0, fmt.Errorf("failed to write WAL entry: %w", err)
	}
	// Reach the OS page cache before acknowledging the mutation.
	if err := w.writer.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush WAL: %w", err)
	}

	if w.syncInterval <= 0 || time.Since(w.lastSync) >= w.syncInterval {
		if err := w.syncLocked(); err != nil {
			return 0, err
		}
	}
	return e.Seq, nil
}

// Sync flushes buffers and fsyncs the file.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return dberrors.ErrClosed
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	return w.syncLocked()
}

func (w *WAL) syncLocked() error {
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}
	w.lastSync = time.Now()
	return nil
}

// Recover reads the log front to back and returns every intact entry.
// A corrupt record truncates the tail: everything read up to that
// point is returned and the rest discarded.
func (w *WAL) Recover() ([]Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush WAL before recovery: %w", err)
	}
	return readAll(w.path)
}

// Truncate deletes the log and reopens an empty one. The sequence
// counter keeps counting; it is never reset.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return dberrors.ErrClosed
	}

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL before truncate: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close WAL for truncate: %w", err)
	}
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove WAL file: %w", err)
	}

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to reopen WAL file: %w", err)
	}
	w.file = file
	w.writer = bufio.NewWriter(file)
	w.lastSync = time.Now()
	return nil
}

// Close syncs and closes the log.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL on close: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL on close: %w", err)
	}
	return w.file.Close()
}

// Seq returns the last assigned sequence number.
func (w *WAL) Seq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// WAL record format, big-endian:
//
//	[u8 kind][i64 sequence][i64 timestamp_ms][u32 key_len][key][u32 val_len][val]
//
// val_len is zero for DELETE.

func writeEntry(w io.Writer, e Entry) error {
	if len(e.Key) > math.MaxUint32 {
		return fmt.Errorf("key too large: %d", len(e.Key))
	}
	if len(e.Value) > math.MaxUint32 {
		return fmt.Errorf("value too large: %d", len(e.Value))
	}

	var head [17]byte
	head[0] = byte(e.Kind)
	binary.BigEndian.PutUint64(head[1:], e.Seq)
	binary.BigEndian.PutUint64(head[9:], uint64(e.Timestamp))
	if _, err := w.Write(head[:]); err != nil {
		return err
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(e.Key)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := io.WriteString(w, e.Key); err != nil {
		return err
	}

	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(e.Value)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, e.Value)
	return err
}

func readEntry(r io.Reader) (Entry, error) {
	var e Entry

	var head [17]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return e, io.EOF // clean boundary
		}
		return e, fmt.Errorf("%w: truncated WAL record", dberrors.ErrCorrupt)
	}

	e.Kind = Kind(head[0])
	if e.Kind != KindPut && e.Kind != KindDelete {
		return e, fmt.Errorf("%w: invalid WAL record kind %d", dberrors.ErrCorrupt, head[0])
	}
	e.Seq = binary.BigEndian.Uint64(head[1:])
	e.Timestamp = int64(binary.BigEndian.Uint64(head[9:]))

	key, err := readField(r)
	if err != nil {
		return e, err
	}
	if key == "" {
		return e, fmt.Errorf("%w: empty WAL record key", dberrors.ErrCorrupt)
	}
	value, err := readField(r)
	if err != nil {
		return e, err
	}

	e.Key = key
	e.Value = value
	return e, nil
}

func readField(r io.Reader) (string, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", fmt.Errorf("%w: truncated WAL record", dberrors.ErrCorrupt)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > 1<<30 {
		return "", fmt.Errorf("%w: bad WAL field length %d", dberrors.ErrCorrupt, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("%w: truncated WAL record", dberrors.ErrCorrupt)
	}
	if !utf8.Valid(buf) {
		return "", fmt.Errorf("%w: WAL field is not valid UTF-8", dberrors.ErrCorrupt)
	}
	return string(buf), nil
}

// readAll applies the tail-truncation policy: read until EOF or the
// first corrupt record, keep what was intact.
func readAll(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open WAL for reading: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close WAL read file", "error", cerr)
		}
	}()

	var entries []Entry
	reader := bufio.NewReader(file)
	for {
		e, err := readEntry(reader)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, dberrors.ErrCorrupt) {
			slog.Warn("corrupt WAL tail discarded", "entries", len(entries), "error", err)
			break
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}
