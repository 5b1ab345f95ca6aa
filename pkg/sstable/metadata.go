package sstable

// Metadata describes one published sorted-run file.
type Metadata struct {
	Path       string
	MinKey     string
	MaxKey     string
	EntryCount int
	FileSize   int64
	CreatedAt  int64 // milliseconds
}

// MightContain reports whether key falls inside the run's [min, max]
// key range.
func (m Metadata) MightContain(key string) bool {
	if m.EntryCount == 0 {
		return false
	}
	return key >= m.MinKey && key <= m.MaxKey
}
