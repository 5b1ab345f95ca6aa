package compaction

import (
	"container/heap"

	"appendkv/pkg/iterator"
	"appendkv/pkg/record"
)

// MergeIterator fuses N key-ascending source iterators into one
// key-ascending stream with at most one record per key: among duplicate
// keys the record with the greatest timestamp wins, ties broken by
// source position (sources must be supplied newest run first).
//
// When dropTombstones is set, winning tombstones are discarded instead
// of emitted. The caller asserts thereby that no run outside the merge
// could still hold a pre-deletion version of those keys.
type MergeIterator struct {
	sources []iterator.Iterator
	heap    mergeHeap
	cur     record.Record
	err     error

	dropTombstones bool
}

// NewMergeIterator seeds the merge from sources, ordered newest first.
func NewMergeIterator(sources []iterator.Iterator, dropTombstones bool) (*MergeIterator, error) {
	m := &MergeIterator{
		sources:        sources,
		dropTombstones: dropTombstones,
	}
	for id, src := range sources {
		if src.Next() {
			m.heap = append(m.heap, mergeEntry{rec: src.Record(), src: id})
		} else if err := src.Err(); err != nil {
			m.closeAll()
			return nil, err
		}
	}
	heap.Init(&m.heap)
	return m, nil
}

// Next advances to the next surviving record.
func (m *MergeIterator) Next() bool {
	if m.err != nil {
		return false
	}

	for m.heap.Len() > 0 {
		// The heap ordering (key asc, timestamp desc, source asc) makes
		// the first entry popped for a key its winner.
		winner := m.pop()
		if m.err != nil {
			return false
		}

		for m.heap.Len() > 0 && m.heap[0].rec.Key == winner.Key {
			m.pop()
			if m.err != nil {
				return false
			}
		}

		if winner.Tombstone && m.dropTombstones {
			continue
		}
		m.cur = winner
		return true
	}
	return false
}

// pop removes the heap minimum and refills from its source iterator.
func (m *MergeIterator) pop() record.Record {
	entry := heap.Pop(&m.heap).(mergeEntry)
	src := m.sources[entry.src]
	if src.Next() {
		heap.Push(&m.heap, mergeEntry{rec: src.Record(), src: entry.src})
	} else if err := src.Err(); err != nil {
		m.err = err
	}
	return entry.rec
}

func (m *MergeIterator) Record() record.Record {
	return m.cur
}

func (m *MergeIterator) Err() error {
	return m.err
}

// Close closes every source iterator.
func (m *MergeIterator) Close() error {
	return m.closeAll()
}

func (m *MergeIterator) closeAll() error {
	var firstErr error
	for _, src := range m.sources {
		if err := src.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type mergeEntry struct {
	rec record.Record
	src int
}

type mergeHeap []mergeEntry

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.rec.Key != b.rec.Key {
		return a.rec.Key < b.rec.Key
	}
	if a.rec.Timestamp != b.rec.Timestamp {
		return a.rec.Timestamp > b.rec.Timestamp
	}
	return a.src < b.src
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(mergeEntry)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}
