package record

// Record is the immutable unit of data exchanged by every layer of the
// store: the memtable, the WAL and the sorted-run files all carry it.
type Record struct {
	Key       string
	Value     string
	Tombstone bool
	Timestamp int64 // wall time in milliseconds, monotonic per engine
}

// New builds a regular (non-tombstone) record.
func New(key, value string, ts int64) Record {
	return Record{Key: key, Value: value, Timestamp: ts}
}

// NewTombstone builds a deletion marker for key.
func NewTombstone(key string, ts int64) Record {
	return Record{Key: key, Tombstone: true, Timestamp: ts}
}

// Supersedes reports whether r is a newer version than other for the
// same key. A later timestamp wins regardless of the tombstone flag.
func (r Record) Supersedes(other Record) bool {
	return r.Timestamp > other.Timestamp
}
