package compaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"appendkv/pkg/catalog"
	"appendkv/pkg/clock"
	"appendkv/pkg/dberrors"
	"appendkv/pkg/iterator"
	"appendkv/pkg/sstable"
)

// shutdownWait bounds how long Shutdown waits for an in-flight
// compaction before force-stopping it. Variable so tests can shorten
// the wait.
var shutdownWait = 30 * time.Second

const (
	stateIdle int32 = iota
	stateRunning
	stateStopping
)

// Options configures the compaction worker.
type Options struct {
	// Threshold is the minimum run count before a periodic tick
	// compacts anything.
	Threshold int
	// Interval is the period of the background tick.
	Interval time.Duration
	// MaxFiles bounds the number of runs merged per pass.
	MaxFiles int
}

// Compactor runs size-tiered compaction: periodically, and on demand
// through Trigger. Periodic and on-demand work coalesce on a try-lock,
// so a second caller observes "busy" instead of queueing.
type Compactor struct {
	cat  *catalog.Catalog
	clk  *clock.Clock
	opts Options

	runLock sync.Mutex // try-lock guarding one compaction at a time
	state   atomic.Int32
	stop    chan struct{}
	done    chan struct{}

	// ctx is canceled by a force-stop; the merge loop checks it
	// between records and aborts its writer.
	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
	stopOnce sync.Once

	// writeHook, when set, runs before each merged record is written.
	// Test seam only.
	writeHook func()
}

func NewCompactor(cat *catalog.Catalog, clk *clock.Clock, opts Options) *Compactor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Compactor{
		cat:    cat,
		clk:    clk,
		opts:   opts,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start schedules the periodic tick.
func (c *Compactor) Start() {
	c.started = true
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.tick()
			case <-c.stop:
				return
			}
		}
	}()
}

func (c *Compactor) tick() {
	if c.state.Load() == stateStopping {
		return
	}
	if c.cat.Count() < c.opts.Threshold {
		return
	}
	_, err := c.runOnce()
	if err != nil && !errors.Is(err, dberrors.ErrCompactionRunning) && !errors.Is(err, dberrors.ErrClosed) {
		// Background errors are swallowed; the next tick retries.
		slog.Error("compaction failed", "error", err)
	}
}

// Trigger runs one compaction pass synchronously. A concurrent pass
// makes it return dberrors.ErrCompactionRunning.
func (c *Compactor) Trigger() error {
	if c.state.Load() == stateStopping {
		return dberrors.ErrClosed
	}
	_, err := c.runOnce()
	return err
}

// Running reports whether a compaction pass is in flight.
func (c *Compactor) Running() bool {
	return c.state.Load() == stateRunning
}

// Shutdown stops the periodic tick and waits up to 30 seconds for
// in-flight work (periodic or a concurrent Trigger) to finish. On
// timeout it force-stops: the merge loop is canceled, the writer
// removes its partial run file, and Shutdown still waits for the pass
// to unwind. When Shutdown returns, no compaction is running and none
// can start.
func (c *Compactor) Shutdown() {
	c.state.Store(stateStopping)
	c.stopOnce.Do(func() { close(c.stop) })
	if c.started {
		<-c.done
	}

	deadline := time.Now().Add(shutdownWait)
	for time.Now().Before(deadline) {
		if c.runLock.TryLock() {
			c.runLock.Unlock()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Force-stop: abort the in-flight merge mid-pass. Its writer
	// cancels the partial file; blocking on the lock guarantees the
	// pass has fully unwound before teardown continues.
	slog.Warn("compaction did not finish in time, aborting in-flight merge")
	c.cancel()
	c.runLock.Lock()
	c.runLock.Unlock()
}

// runOnce performs one full compaction pass. It reports whether any
// runs were merged.
func (c *Compactor) runOnce() (bool, error) {
	if !c.runLock.TryLock() {
		return false, dberrors.ErrCompactionRunning
	}
	defer c.runLock.Unlock()

	// Re-check under the lock: a shutdown may have slipped in between
	// the caller's state check and the lock acquisition.
	if c.state.Load() == stateStopping || c.ctx.Err() != nil {
		return false, dberrors.ErrClosed
	}

	c.state.Store(stateRunning)
	defer c.state.CompareAndSwap(stateRunning, stateIdle)

	candidates := c.cat.SelectForCompaction(c.opts.MaxFiles)
	if len(candidates) < 2 {
		return false, nil
	}

	dropTombstones := c.dropTombstonesFor(candidates)

	output, merged, err := c.merge(candidates, dropTombstones)
	if err != nil {
		return false, err
	}

	if err := c.cat.Replace(output, candidates); err != nil {
		return false, err
	}

	if output != nil {
		slog.Info("compaction completed",
			"inputs", len(candidates), "entries", merged,
			"output", output.Path, "dropTombstones", dropTombstones)
	} else {
		slog.Info("compaction dropped all entries", "inputs", len(candidates))
	}
	return true, nil
}

// dropTombstonesFor reports whether every run older than the selected
// candidates is itself selected. Only then is it safe to discard
// tombstones: no non-selected run could still hold a pre-deletion
// version of a merged key.
func (c *Compactor) dropTombstonesFor(candidates []sstable.Metadata) bool {
	oldest := candidates[0].CreatedAt
	for _, meta := range candidates {
		if meta.CreatedAt < oldest {
			oldest = meta.CreatedAt
		}
	}

	selected := make(map[string]bool, len(candidates))
	for _, meta := range candidates {
		selected[meta.Path] = true
	}
	for _, run := range c.cat.Runs() {
		if !selected[run.Path] && run.CreatedAt < oldest {
			return false
		}
	}
	return true
}

// merge streams the candidates through a k-way merge into a new run
// file. It returns nil metadata when every record was dropped.
func (c *Compactor) merge(candidates []sstable.Metadata, dropTombstones bool) (*sstable.Metadata, int, error) {
	// Newest first, so that source position breaks timestamp ties in
	// favor of the more recent run.
	ordered := make([]sstable.Metadata, len(candidates))
	copy(ordered, candidates)
	for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
		ordered[i], ordered[j] = ordered[j], ordered[i]
	}

	sources := make([]iterator.Iterator, 0, len(ordered))
	for _, meta := range ordered {
		reader, err := c.cat.Reader(meta)
		if err != nil {
			closeSources(sources)
			return nil, 0, fmt.Errorf("failed to open compaction input: %w", err)
		}
		it, err := reader.Iter("", "")
		if err != nil {
			closeSources(sources)
			return nil, 0, fmt.Errorf("failed to iterate compaction input: %w", err)
		}
		sources = append(sources, it)
	}

	merge, err := NewMergeIterator(sources, dropTombstones)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to seed merge: %w", err)
	}
	defer func() {
		if cerr := merge.Close(); cerr != nil {
			slog.Warn("failed to close merge iterator", "error", cerr)
		}
	}()

	writer, err := sstable.NewWriter(c.cat.NewPath(), c.clk.Now())
	if err != nil {
		return nil, 0, err
	}

	merged := 0
	for merge.Next() {
		if c.writeHook != nil {
			c.writeHook()
		}
		if err := c.ctx.Err(); err != nil {
			cancelWriter(writer)
			return nil, 0, fmt.Errorf("compaction aborted: %w", err)
		}
		if err := writer.Write(merge.Record()); err != nil {
			cancelWriter(writer)
			return nil, 0, err
		}
		merged++
	}
	if err := merge.Err(); err != nil {
		cancelWriter(writer)
		return nil, 0, fmt.Errorf("merge failed: %w", err)
	}

	if merged == 0 {
		cancelWriter(writer)
		return nil, 0, nil
	}

	meta, err := writer.Finish()
	if err != nil {
		cancelWriter(writer)
		return nil, 0, err
	}
	return &meta, merged, nil
}

func cancelWriter(w *sstable.Writer) {
	if err := w.Cancel(); err != nil {
		slog.Warn("failed to cancel run writer", "error", err)
	}
}

func closeSources(sources []iterator.Iterator) {
	for _, src := range sources {
		if err := src.Close(); err != nil {
			slog.Warn("failed to close compaction input", "error", err)
		}
	}
}
