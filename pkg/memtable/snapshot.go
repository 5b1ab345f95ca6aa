package memtable

import "appendkv/pkg/record"

// Snapshot is a frozen, read-only copy of a memtable taken at flush
// time. It owns its data; the source table may be discarded while the
// snapshot is being written out.
type Snapshot struct {
	records   []record.Record
	bytes     int64
	createdAt int64
}

// Records returns the snapshot contents in ascending key order.
func (s *Snapshot) Records() []record.Record {
	return s.records
}

func (s *Snapshot) Len() int {
	return len(s.records)
}

func (s *Snapshot) IsEmpty() bool {
	return len(s.records) == 0
}

func (s *Snapshot) ByteEstimate() int64 {
	return s.bytes
}

func (s *Snapshot) CreatedAt() int64 {
	return s.createdAt
}
