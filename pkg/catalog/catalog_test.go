package catalog

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appendkv/pkg/record"
	"appendkv/pkg/sstable"
)

func writeRun(t *testing.T, c *Catalog, createdAt int64, recs ...record.Record) sstable.Metadata {
	t.Helper()
	w, err := sstable.NewWriter(c.NewPath(), createdAt)
	require.NoError(t, err)
	for _, rec := range recs {
		require.NoError(t, w.Write(rec))
	}
	meta, err := w.Finish()
	require.NoError(t, err)
	c.Publish(meta)
	return meta
}

func TestCatalogNewPathSequence(t *testing.T) {
	c, err := Open(t.TempDir())
	require.NoError(t, err)
	defer c.Close()

	assert.Contains(t, c.NewPath(), "run_000001.dat")
	assert.Contains(t, c.NewPath(), "run_000002.dat")
}

func TestCatalogPublishOrdersNewestFirst(t *testing.T) {
	c, err := Open(t.TempDir())
	require.NoError(t, err)
	defer c.Close()

	writeRun(t, c, 100, record.New("a", "1", 100))
	writeRun(t, c, 300, record.New("a", "3", 300))
	writeRun(t, c, 200, record.New("a", "2", 200))

	runs := c.Runs()
	require.Len(t, runs, 3)
	assert.Equal(t, int64(300), runs[0].CreatedAt)
	assert.Equal(t, int64(200), runs[1].CreatedAt)
	assert.Equal(t, int64(100), runs[2].CreatedAt)
}

func TestCatalogGetPrefersNewestRun(t *testing.T) {
	c, err := Open(t.TempDir())
	require.NoError(t, err)
	defer c.Close()

	writeRun(t, c, 100, record.New("x", "old", 100))
	writeRun(t, c, 200, record.New("x", "new", 200))

	rec, ok, err := c.Get("x")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new", rec.Value)

	_, ok, err = c.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCatalogScanRestoresState(t *testing.T) {
	dir := t.TempDir()

	c, err := Open(dir)
	require.NoError(t, err)
	writeRun(t, c, 100, record.New("a", "1", 100))
	writeRun(t, c, 200, record.New("b", "2", 200))
	require.NoError(t, c.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, 2, reopened.Count())
	assert.Equal(t, int64(2), reopened.TotalEntries())
	// The id counter advances past the scanned maximum.
	assert.Contains(t, reopened.NewPath(), "run_000003.dat")

	rec, ok, err := reopened.Get("b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", rec.Value)
}

func TestCatalogRetireDeletesFile(t *testing.T) {
	c, err := Open(t.TempDir())
	require.NoError(t, err)
	defer c.Close()

	meta := writeRun(t, c, 100, record.New("a", "1", 100))
	require.NoError(t, c.Retire(meta))

	assert.Zero(t, c.Count())
	_, err = os.Stat(meta.Path)
	assert.True(t, os.IsNotExist(err))

	_, ok, err := c.Get("a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCatalogReplace(t *testing.T) {
	c, err := Open(t.TempDir())
	require.NoError(t, err)
	defer c.Close()

	oldA := writeRun(t, c, 100, record.New("a", "1", 100))
	oldB := writeRun(t, c, 200, record.New("a", "2", 200))

	w, err := sstable.NewWriter(c.NewPath(), 300)
	require.NoError(t, err)
	require.NoError(t, w.Write(record.New("a", "2", 200)))
	merged, err := w.Finish()
	require.NoError(t, err)

	require.NoError(t, c.Replace(&merged, []sstable.Metadata{oldA, oldB}))

	assert.Equal(t, 1, c.Count())
	rec, ok, err := c.Get("a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", rec.Value)
	for _, old := range []sstable.Metadata{oldA, oldB} {
		_, err := os.Stat(old.Path)
		assert.True(t, os.IsNotExist(err))
	}
}

func TestCatalogGroupByTier(t *testing.T) {
	c, err := Open(t.TempDir())
	require.NoError(t, err)
	defer c.Close()

	// Tier assignment depends only on metadata, so synthetic sizes are
	// enough here.
	c.Publish(sstable.Metadata{Path: "a", EntryCount: 1, FileSize: 1 << 20, CreatedAt: 1})
	c.Publish(sstable.Metadata{Path: "b", EntryCount: 1, FileSize: 64 << 20, CreatedAt: 2})
	c.Publish(sstable.Metadata{Path: "c", EntryCount: 1, FileSize: 100 << 20, CreatedAt: 3})
	c.Publish(sstable.Metadata{Path: "d", EntryCount: 1, FileSize: 512 << 20, CreatedAt: 4})
	c.Publish(sstable.Metadata{Path: "e", EntryCount: 1, FileSize: 2 << 30, CreatedAt: 5})

	groups := c.GroupByTier()
	assert.Len(t, groups[0], 2)
	assert.Len(t, groups[1], 1)
	assert.Len(t, groups[2], 1)
	assert.Len(t, groups[3], 1)
}

func TestCatalogSelectForCompaction(t *testing.T) {
	c, err := Open(t.TempDir())
	require.NoError(t, err)
	defer c.Close()

	t.Run("empty catalog selects nothing", func(t *testing.T) {
		assert.Empty(t, c.SelectForCompaction(10))
	})

	c.Publish(sstable.Metadata{Path: "a", EntryCount: 1, FileSize: 1 << 20, CreatedAt: 30})
	c.Publish(sstable.Metadata{Path: "b", EntryCount: 1, FileSize: 1 << 20, CreatedAt: 10})
	c.Publish(sstable.Metadata{Path: "c", EntryCount: 1, FileSize: 1 << 20, CreatedAt: 20})
	c.Publish(sstable.Metadata{Path: "big", EntryCount: 1, FileSize: 200 << 20, CreatedAt: 5})

	t.Run("picks oldest of the most populated tier", func(t *testing.T) {
		selected := c.SelectForCompaction(2)
		require.Len(t, selected, 2)
		assert.Equal(t, "b", selected[0].Path)
		assert.Equal(t, "c", selected[1].Path)
	})

	t.Run("tier population caps the selection", func(t *testing.T) {
		assert.Len(t, c.SelectForCompaction(10), 3)
	})

	t.Run("population of one selects nothing", func(t *testing.T) {
		solo, err := Open(t.TempDir())
		require.NoError(t, err)
		defer solo.Close()
		solo.Publish(sstable.Metadata{Path: "only", EntryCount: 1, FileSize: 1, CreatedAt: 1})
		assert.Empty(t, solo.SelectForCompaction(10))
	})
}

func TestCatalogTotals(t *testing.T) {
	c, err := Open(t.TempDir())
	require.NoError(t, err)
	defer c.Close()

	var wantBytes int64
	for i := 0; i < 3; i++ {
		meta := writeRun(t, c, int64(i+1),
			record.New(fmt.Sprintf("k%d", i), "v", int64(i+1)))
		wantBytes += meta.FileSize
	}

	assert.Equal(t, 3, c.Count())
	assert.Equal(t, wantBytes, c.TotalBytes())
	assert.Equal(t, int64(3), c.TotalEntries())
}
