package store

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"appendkv/pkg/catalog"
	"appendkv/pkg/clock"
	"appendkv/pkg/compaction"
	"appendkv/pkg/config"
	"appendkv/pkg/dberrors"
	"appendkv/pkg/memtable"
	"appendkv/pkg/record"
	"appendkv/pkg/sstable"
	"appendkv/pkg/wal"
)

// WALFileName is the single recovery-log file inside the data
// directory.
const WALFileName = "database.wal"

// Store is the engine facade. It coordinates the write path
// (WAL append, active-table update, freeze at threshold), the read path
// (active, frozen, sorted runs newest first) and the background flush
// and compaction workers.
type Store struct {
	cfg config.StoreConfig
	dir string

	// mu guards active/frozen slot assignment; writers take exclusive,
	// point reads take shared. The catalog has its own lock, acquired
	// only after this one is released.
	mu     sync.RWMutex
	cond   *sync.Cond // signals the frozen slot becoming free
	active *memtable.Memtable
	frozen *memtable.Memtable

	cat       *catalog.Catalog
	journal   *wal.WAL // nil when the WAL is disabled
	clk       *clock.Clock
	flusher   *flusher
	compactor *compaction.Compactor

	closed atomic.Bool
	reads  atomic.Uint64
	writes atomic.Uint64

	// closeMu serializes Close calls; closeDone latches only once the
	// whole teardown has succeeded, so a failed Close can be retried.
	closeMu   sync.Mutex
	closeDone bool
}

// Open constructs the engine over dir: scans existing runs, replays the
// WAL into a fresh active table (original timestamps preserved) and
// starts the background workers.
func Open(dir string, cfg config.StoreConfig) (*Store, error) {
	clk := clock.New()

	cat, err := catalog.Open(dir)
	if err != nil {
		return nil, err
	}
	// Future run timestamps must sort after everything already on disk.
	for _, run := range cat.Runs() {
		clk.Advance(run.CreatedAt)
	}

	s := &Store{
		cfg:    cfg,
		dir:    dir,
		cat:    cat,
		clk:    clk,
		active: memtable.New(clk.Now()),
	}
	s.cond = sync.NewCond(&s.mu)

	if cfg.EnableWAL {
		journal, err := wal.Open(
			filepath.Join(dir, WALFileName),
			time.Duration(cfg.WALSyncIntervalMs)*time.Millisecond,
		)
		if err != nil {
			return nil, err
		}
		s.journal = journal

		if err := s.recover(); err != nil {
			return nil, err
		}
	}

	s.flusher = newFlusher(s.flushTable)
	s.flusher.start(context.Background())

	s.compactor = compaction.NewCompactor(cat, clk, compaction.Options{
		Threshold: cfg.CompactionThreshold,
		Interval:  time.Duration(cfg.CompactionIntervalMs) * time.Millisecond,
		MaxFiles:  cfg.MaxCompactionFiles,
	})
	s.compactor.Start()

	return s, nil
}

func (s *Store) recover() error {
	entries, err := s.journal.Recover()
	if err != nil {
		return fmt.Errorf("failed to recover WAL: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	for _, e := range entries {
		// Replay with the original timestamp so later flushes keep
		// their ordering against existing runs.
		s.active.Put(e.Record())
		s.clk.Advance(e.Timestamp)
	}
	slog.Info("recovered mutations from WAL", "count", len(entries))
	return nil
}

// Set stores a key-value pair.
func (s *Store) Set(key, value string) error {
	return s.mutate(key, func(ts int64) (record.Record, error) {
		if s.journal != nil {
			if _, err := s.journal.LogPut(key, value, ts); err != nil {
				return record.Record{}, err
			}
		}
		return record.New(key, value, ts), nil
	})
}

// Delete writes a tombstone for key.
func (s *Store) Delete(key string) error {
	return s.mutate(key, func(ts int64) (record.Record, error) {
		if s.journal != nil {
			if _, err := s.journal.LogDelete(key, ts); err != nil {
				return record.Record{}, err
			}
		}
		return record.NewTombstone(key, ts), nil
	})
}

func (s *Store) mutate(key string, build func(ts int64) (record.Record, error)) error {
	if s.closed.Load() {
		return dberrors.ErrClosed
	}
	if key == "" {
		return fmt.Errorf("%w: empty key", dberrors.ErrInvalidArgument)
	}
	s.writes.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := build(s.clk.Now())
	if err != nil {
		return err
	}
	s.active.Put(rec)

	if s.active.Size() >= s.cfg.FlushThreshold {
		s.freezeLocked()
	}
	return nil
}

// freezeLocked moves the active table into the frozen slot and hands it
// to the flush executor. The slot must be empty; if a previous flush is
// still in flight the caller blocks (write backpressure).
func (s *Store) freezeLocked() {
	for s.frozen != nil {
		s.cond.Wait()
	}
	s.frozen = s.active
	s.active = memtable.New(s.clk.Now())
	s.flusher.submit(s.frozen)
}

// Get returns the current value for key. The second return value is
// false when the key is absent or tombstoned.
func (s *Store) Get(key string) (string, bool, error) {
	if s.closed.Load() {
		return "", false, dberrors.ErrClosed
	}
	s.reads.Add(1)

	s.mu.RLock()
	if rec, ok := s.active.Get(key); ok {
		s.mu.RUnlock()
		return valueOf(rec)
	}
	if s.frozen != nil {
		if rec, ok := s.frozen.Get(key); ok {
			s.mu.RUnlock()
			return valueOf(rec)
		}
	}
	s.mu.RUnlock()

	rec, ok, err := s.cat.Get(key)
	if err != nil {
		return "", false, fmt.Errorf("failed to read sorted runs: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return valueOf(rec)
}

func valueOf(rec record.Record) (string, bool, error) {
	if rec.Tombstone {
		return "", false, nil
	}
	return rec.Value, true, nil
}

// Compact triggers a synchronous compaction pass. A pass already in
// flight surfaces as dberrors.ErrCompactionRunning.
func (s *Store) Compact() error {
	if s.closed.Load() {
		return dberrors.ErrClosed
	}
	return s.compactor.Trigger()
}

// Flush persists the active table synchronously. Mostly useful for
// tests and orderly shutdown; the write path flushes on its own once
// the threshold is crossed.
func (s *Store) Flush() error {
	if s.closed.Load() {
		return dberrors.ErrClosed
	}
	return s.flushNow()
}

func (s *Store) flushNow() error {
	s.mu.Lock()
	for s.frozen != nil {
		s.cond.Wait()
	}
	if s.active.IsEmpty() {
		s.mu.Unlock()
		return nil
	}
	s.frozen = s.active
	s.active = memtable.New(s.clk.Now())
	mt := s.frozen
	s.mu.Unlock()

	return s.flushTable(mt)
}

// flushTable persists one frozen table as a new sorted run, publishes
// it, clears the frozen slot and truncates the WAL. On failure the
// frozen slot stays populated; Close retries it.
func (s *Store) flushTable(mt *memtable.Memtable) error {
	snap := mt.Snapshot()
	if snap.IsEmpty() {
		s.clearFrozen(mt)
		return nil
	}

	writer, err := sstable.NewWriter(s.cat.NewPath(), s.clk.Now())
	if err != nil {
		return fmt.Errorf("failed to start flush: %w", err)
	}

	for _, rec := range snap.Records() {
		if err := writer.Write(rec); err != nil {
			if cerr := writer.Cancel(); cerr != nil {
				slog.Warn("failed to cancel run writer", "error", cerr)
			}
			return fmt.Errorf("failed to flush memtable: %w", err)
		}
	}

	meta, err := writer.Finish()
	if err != nil {
		if cerr := writer.Cancel(); cerr != nil {
			slog.Warn("failed to cancel run writer", "error", cerr)
		}
		return fmt.Errorf("failed to finish flush: %w", err)
	}

	s.cat.Publish(meta)
	s.clearFrozen(mt)

	if s.journal != nil {
		if err := s.journal.Truncate(); err != nil {
			return fmt.Errorf("failed to truncate WAL after flush: %w", err)
		}
	}

	slog.Info("flushed memtable to sorted run",
		"path", meta.Path, "entries", meta.EntryCount, "bytes", meta.FileSize)
	return nil
}

func (s *Store) clearFrozen(mt *memtable.Memtable) {
	s.mu.Lock()
	if s.frozen == mt {
		s.frozen = nil
		s.cond.Broadcast()
	}
	s.mu.Unlock()
}

// Stats reports engine-level counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	memSize := s.active.Size()
	if s.frozen != nil {
		memSize += s.frozen.Size()
	}
	s.mu.RUnlock()

	return Stats{
		MemtableSize: memSize,
		RunCount:     s.cat.Count(),
		TotalWrites:  s.writes.Load(),
		TotalReads:   s.reads.Load(),
	}
}

// Close refuses new operations, flushes remaining in-memory state and
// shuts down the background workers. The WAL is truncated only by the
// successful flushes it performs. A Close that fails partway (say a
// disk-full final flush) leaves the engine closed to callers but may be
// called again to retry the remaining teardown.
func (s *Store) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closeDone {
		return nil
	}
	s.closed.Store(true)

	// Let the background executor finish or abandon its current item,
	// then flush whatever is left synchronously. Both steps are
	// idempotent across retries.
	s.flusher.stop()

	s.mu.Lock()
	leftover := s.frozen
	s.mu.Unlock()
	if leftover != nil {
		if err := s.flushTable(leftover); err != nil {
			return err
		}
	}
	if err := s.flushNow(); err != nil {
		return err
	}

	// Shutdown guarantees quiescence: once it returns, no compaction
	// pass is touching the catalog's readers or files, so the WAL and
	// catalog can be torn down safely.
	s.compactor.Shutdown()

	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			return err
		}
	}
	if err := s.cat.Close(); err != nil {
		return err
	}
	s.closeDone = true
	return nil
}
