package iterator

import "appendkv/pkg/record"

// Iterator is a forward-only cursor over a key-ascending sequence of
// records. It is finite and not restartable.
type Iterator interface {
	// Next advances to the next record. It returns false when the
	// sequence is exhausted or a read error occurred; check Err.
	Next() bool
	// Record returns the current record. Valid only after a true Next.
	Record() record.Record
	// Err returns the first error encountered while iterating.
	Err() error
	// Close releases resources.
	Close() error
}
