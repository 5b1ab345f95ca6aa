package memtable

import (
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"appendkv/pkg/record"
)

// entryOverhead approximates per-entry object overhead. Together with
// the doubled key/value lengths it only governs flush-threshold sizing
// and need not be exact.
const entryOverhead = 64

type orderedMap = skipmap.FuncMap[string, record.Record]

func newOrderedMap() *orderedMap {
	return skipmap.NewFunc[string, record.Record](func(a, b string) bool {
		return a < b
	})
}

// Memtable is the in-memory ordered table. It holds the latest record
// per key in byte-lexicographic key order. Mutation is driven by the
// engine write path only; reads may run concurrently.
type Memtable struct {
	data      atomic.Pointer[orderedMap]
	size      atomic.Int64
	bytes     atomic.Int64
	createdAt int64
}

// New creates an empty memtable stamped with createdAt (milliseconds).
func New(createdAt int64) *Memtable {
	mt := &Memtable{createdAt: createdAt}
	mt.data.Store(newOrderedMap())
	return mt
}

// Put inserts or overwrites the record for rec.Key. The entry count
// grows only when the key was absent.
func (mt *Memtable) Put(rec record.Record) {
	data := mt.data.Load()
	old, existed := data.Load(rec.Key)
	data.Store(rec.Key, rec)

	if existed {
		mt.bytes.Add(entryEstimate(rec) - entryEstimate(old))
	} else {
		mt.size.Add(1)
		mt.bytes.Add(entryEstimate(rec))
	}
}

// Delete inserts a tombstone record for key.
func (mt *Memtable) Delete(key string, ts int64) {
	mt.Put(record.NewTombstone(key, ts))
}

// Get returns the stored record for key, tombstone or not. The layer
// above decides whether to hide the value.
func (mt *Memtable) Get(key string) (record.Record, bool) {
	return mt.data.Load().Load(key)
}

// Ascend calls fn for every record in ascending key order until fn
// returns false.
func (mt *Memtable) Ascend(fn func(rec record.Record) bool) {
	mt.data.Load().Range(func(_ string, rec record.Record) bool {
		return fn(rec)
	})
}

// Snapshot returns a read-only copy independent of later mutations.
func (mt *Memtable) Snapshot() *Snapshot {
	records := make([]record.Record, 0, mt.Size())
	mt.Ascend(func(rec record.Record) bool {
		records = append(records, rec)
		return true
	})
	return &Snapshot{
		records:   records,
		bytes:     mt.bytes.Load(),
		createdAt: mt.createdAt,
	}
}

// Size returns the number of entries.
func (mt *Memtable) Size() int {
	return int(mt.size.Load())
}

func (mt *Memtable) IsEmpty() bool {
	return mt.Size() == 0
}

// ByteEstimate returns the estimated in-memory footprint.
func (mt *Memtable) ByteEstimate() int64 {
	return mt.bytes.Load()
}

// CreatedAt returns the creation timestamp in milliseconds.
func (mt *Memtable) CreatedAt() int64 {
	return mt.createdAt
}

// Clear drops all entries.
func (mt *Memtable) Clear() {
	mt.data.Store(newOrderedMap())
	mt.size.Store(0)
	mt.bytes.Store(0)
}

func entryEstimate(rec record.Record) int64 {
	return 2*int64(len(rec.Key)) + 2*int64(len(rec.Value)) + entryOverhead
}
