package memtable

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"appendkv/pkg/record"
)

func TestMemtablePutGet(t *testing.T) {
	mt := New(1)

	mt.Put(record.New("k1", "v1", 10))
	mt.Put(record.New("k2", "v2", 11))

	rec, ok := mt.Get("k1")
	require.True(t, ok)
	assert.Equal(t, "v1", rec.Value)

	_, ok = mt.Get("missing")
	assert.False(t, ok)
	assert.Equal(t, 2, mt.Size())
}

func TestMemtableOverwriteKeepsSize(t *testing.T) {
	mt := New(1)

	mt.Put(record.New("k", "a", 10))
	mt.Put(record.New("k", "b", 11))

	assert.Equal(t, 1, mt.Size())
	rec, ok := mt.Get("k")
	require.True(t, ok)
	assert.Equal(t, "b", rec.Value)
}

func TestMemtableDeleteStoresTombstone(t *testing.T) {
	mt := New(1)

	mt.Put(record.New("k", "v", 10))
	mt.Delete("k", 11)

	// The tombstone is returned as-is; hiding the value is the caller's
	// concern.
	rec, ok := mt.Get("k")
	require.True(t, ok)
	assert.True(t, rec.Tombstone)
	assert.Equal(t, 1, mt.Size())
}

func TestMemtableAscendOrder(t *testing.T) {
	mt := New(1)
	keys := []string{"delta", "alpha", "charlie", "bravo"}
	for i, k := range keys {
		mt.Put(record.New(k, "v", int64(i)))
	}

	var got []string
	mt.Ascend(func(rec record.Record) bool {
		got = append(got, rec.Key)
		return true
	})
	assert.Equal(t, []string{"alpha", "bravo", "charlie", "delta"}, got)
}

func TestMemtableSnapshotIndependence(t *testing.T) {
	mt := New(42)
	for i := 0; i < 10; i++ {
		mt.Put(record.New(fmt.Sprintf("k%02d", i), "old", int64(i)))
	}

	snap := mt.Snapshot()
	require.Equal(t, 10, snap.Len())
	assert.Equal(t, int64(42), snap.CreatedAt())

	// Mutations after the snapshot must not leak into it.
	mt.Put(record.New("k00", "new", 100))
	mt.Put(record.New("zz", "extra", 101))
	mt.Clear()

	assert.Equal(t, 10, snap.Len())
	assert.Equal(t, "old", snap.Records()[0].Value)
	for i := 1; i < snap.Len(); i++ {
		assert.Less(t, snap.Records()[i-1].Key, snap.Records()[i].Key)
	}
}

func TestMemtableByteEstimate(t *testing.T) {
	mt := New(1)
	assert.Zero(t, mt.ByteEstimate())

	mt.Put(record.New("key", "value", 1))
	want := int64(2*3 + 2*5 + 64)
	assert.Equal(t, want, mt.ByteEstimate())

	// Overwriting adjusts by the delta, not the full estimate.
	mt.Put(record.New("key", "longer-value", 2))
	want = int64(2*3 + 2*12 + 64)
	assert.Equal(t, want, mt.ByteEstimate())

	mt.Clear()
	assert.Zero(t, mt.ByteEstimate())
	assert.True(t, mt.IsEmpty())
}
