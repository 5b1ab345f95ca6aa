package store

import "fmt"

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	MemtableSize int
	RunCount     int
	TotalWrites  uint64
	TotalReads   uint64
}

func (s Stats) String() string {
	return fmt.Sprintf("Stats{memtableSize=%d, runCount=%d, totalWrites=%d, totalReads=%d}",
		s.MemtableSize, s.RunCount, s.TotalWrites, s.TotalReads)
}
