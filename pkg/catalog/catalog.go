package catalog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"appendkv/pkg/record"
	"appendkv/pkg/sstable"
)

const (
	runFilePattern = "run_%06d.dat"
	runFileGlob    = "run_*.dat"
)

// Size-tier thresholds for size-tiered compaction grouping.
const (
	tier0MaxBytes = 64 << 20
	tier1MaxBytes = 256 << 20
	tier2MaxBytes = 1 << 30
)

// Catalog tracks the live sorted runs of one store directory. The run
// list is kept sorted by creation timestamp, newest first, which is the
// read-search order. The catalog exclusively owns the reader cache;
// retire closes the cached reader before the file is deleted.
type Catalog struct {
	dir    string
	nextID atomic.Uint64

	mu   sync.RWMutex
	runs []sstable.Metadata // newest first

	cacheMu   sync.Mutex
	readers   map[string]*sstable.Reader
	openGroup singleflight.Group
}

// Open creates the directory if needed and scans it for existing run
// files. Each file's footer is read into metadata; the file-id counter
// advances past the largest id observed.
func Open(dir string) (*Catalog, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	c := &Catalog{
		dir:     dir,
		readers: make(map[string]*sstable.Reader),
	}
	if err := c.scan(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) scan() error {
	paths, err := filepath.Glob(filepath.Join(c.dir, runFileGlob))
	if err != nil {
		return fmt.Errorf("failed to list run files: %w", err)
	}

	for _, path := range paths {
		var id uint64
		if _, err := fmt.Sscanf(filepath.Base(path), runFilePattern, &id); err != nil {
			continue
		}

		reader, err := sstable.NewReader(path)
		if err != nil {
			slog.Error("failed to load run file, skipping", "path", path, "error", err)
			continue
		}

		c.runs = append(c.runs, reader.Metadata())
		c.cacheMu.Lock()
		c.readers[path] = reader
		c.cacheMu.Unlock()

		for {
			cur := c.nextID.Load()
			if id < cur || c.nextID.CompareAndSwap(cur, id) {
				break
			}
		}
	}

	c.sortLocked()
	return nil
}

// NewPath returns the path for the next run file and advances the id
// counter.
func (c *Catalog) NewPath() string {
	id := c.nextID.Add(1)
	return filepath.Join(c.dir, fmt.Sprintf(runFilePattern, id))
}

// Publish makes a fully written run visible to the read path.
func (c *Catalog) Publish(meta sstable.Metadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishLocked(meta)
}

func (c *Catalog) publishLocked(meta sstable.Metadata) {
	c.runs = append(c.runs, meta)
	c.sortLocked()
}

// Retire removes a run from the catalog, closes its cached reader and
// deletes the underlying file.
func (c *Catalog) Retire(meta sstable.Metadata) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retireLocked(meta)
}

func (c *Catalog) retireLocked(meta sstable.Metadata) error {
	for i, run := range c.runs {
		if run.Path == meta.Path {
			c.runs = append(c.runs[:i], c.runs[i+1:]...)
			break
		}
	}

	c.cacheMu.Lock()
	if reader, ok := c.readers[meta.Path]; ok {
		delete(c.readers, meta.Path)
		if err := reader.Close(); err != nil {
			slog.Warn("failed to close retired run reader", "path", meta.Path, "error", err)
		}
	}
	c.cacheMu.Unlock()

	if err := os.Remove(meta.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete run file: %w", err)
	}
	return nil
}

// Replace atomically publishes the compaction output and retires its
// inputs under one writer acquisition. A nil output (all entries were
// dropped) only retires.
func (c *Catalog) Replace(output *sstable.Metadata, inputs []sstable.Metadata) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if output != nil {
		c.publishLocked(*output)
	}
	for _, meta := range inputs {
		if err := c.retireLocked(meta); err != nil {
			return err
		}
	}
	return nil
}

// Get scans the runs newest-first and returns the first record found
// for key, tombstone or not. The first hit is the newest version
// because of the list ordering.
func (c *Catalog) Get(key string) (record.Record, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, meta := range c.runs {
		if !meta.MightContain(key) {
			continue
		}
		reader, err := c.reader(meta.Path)
		if err != nil {
			return record.Record{}, false, err
		}
		rec, ok, err := reader.Get(key)
		if err != nil {
			return record.Record{}, false, err
		}
		if ok {
			return rec, true, nil
		}
	}
	return record.Record{}, false, nil
}

// Reader returns the cached reader for a run, opening it on first use.
func (c *Catalog) Reader(meta sstable.Metadata) (*sstable.Reader, error) {
	return c.reader(meta.Path)
}

func (c *Catalog) reader(path string) (*sstable.Reader, error) {
	c.cacheMu.Lock()
	if reader, ok := c.readers[path]; ok {
		c.cacheMu.Unlock()
		return reader, nil
	}
	c.cacheMu.Unlock()

	// singleflight keeps concurrent readers from opening the same file
	// more than once.
	v, err, _ := c.openGroup.Do(path, func() (any, error) {
		reader, err := sstable.NewReader(path)
		if err != nil {
			return nil, err
		}
		c.cacheMu.Lock()
		c.readers[path] = reader
		c.cacheMu.Unlock()
		return reader, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*sstable.Reader), nil
}

// Runs returns a copy of the run list, newest first.
func (c *Catalog) Runs() []sstable.Metadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]sstable.Metadata, len(c.runs))
	copy(out, c.runs)
	return out
}

// GroupByTier buckets the runs by file-size band.
func (c *Catalog) GroupByTier() map[int][]sstable.Metadata {
	c.mu.RLock()
	defer c.mu.RUnlock()

	groups := make(map[int][]sstable.Metadata)
	for _, meta := range c.runs {
		tier := tierOf(meta.FileSize)
		groups[tier] = append(groups[tier], meta)
	}
	return groups
}

// SelectForCompaction picks the most populated tier and, if it holds at
// least two runs, returns its oldest min(maxFiles, population) runs by
// creation timestamp ascending.
func (c *Catalog) SelectForCompaction(maxFiles int) []sstable.Metadata {
	groups := c.GroupByTier()

	targetTier := -1
	maxCount := 0
	for tier, runs := range groups {
		if len(runs) > maxCount {
			maxCount = len(runs)
			targetTier = tier
		}
	}
	if targetTier < 0 || maxCount < 2 {
		return nil
	}

	candidates := groups[targetTier]
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt < candidates[j].CreatedAt
	})
	if maxFiles < len(candidates) {
		candidates = candidates[:maxFiles]
	}
	return candidates
}

// Count returns the number of live runs.
func (c *Catalog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.runs)
}

// TotalBytes sums the file sizes of all live runs.
func (c *Catalog) TotalBytes() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var total int64
	for _, meta := range c.runs {
		total += meta.FileSize
	}
	return total
}

// TotalEntries sums the entry counts of all live runs.
func (c *Catalog) TotalEntries() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var total int64
	for _, meta := range c.runs {
		total += int64(meta.EntryCount)
	}
	return total
}

// Close closes every cached reader.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	var firstErr error
	for path, reader := range c.readers {
		if err := reader.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close reader %s: %w", path, err)
		}
		delete(c.readers, path)
	}
	return firstErr
}

func (c *Catalog) sortLocked() {
	sort.Slice(c.runs, func(i, j int) bool {
		return c.runs[i].CreatedAt > c.runs[j].CreatedAt
	})
}

func tierOf(size int64) int {
	switch {
	case size <= tier0MaxBytes:
		return 0
	case size <= tier1MaxBytes:
		return 1
	case size <= tier2MaxBytes:
		return 2
	default:
		return 3
	}
}
