package config

// Config is the root application configuration.
type Config struct {
	Logger LoggerConfig `yaml:"logger"`
	DB     StoreConfig  `yaml:"db"`
}

// StoreConfig is the plain configuration record the engine receives.
type StoreConfig struct {
	// MemtableMaxSize is an advisory cap on active-table entries.
	// Reserved; the engine does not enforce it.
	MemtableMaxSize int `yaml:"memtable_max_size"`
	// FlushThreshold is the entry count at which the active table is
	// frozen and scheduled for flush.
	FlushThreshold int `yaml:"flush_threshold"`

	// CompactionThreshold is the minimum number of sorted runs required
	// before a periodic compaction tick does any work.
	CompactionThreshold int `yaml:"compaction_threshold"`
	// CompactionIntervalMs is the period of the background tick.
	CompactionIntervalMs int64 `yaml:"compaction_interval_ms"`
	// MaxCompactionFiles bounds the number of runs merged per pass.
	MaxCompactionFiles int `yaml:"max_compaction_files"`

	// EnableWAL toggles the write-ahead log; without it there is no
	// crash recovery.
	EnableWAL bool `yaml:"enable_wal"`
	// WALSyncIntervalMs is the upper bound on time between fsyncs.
	// Zero forces an fsync per write.
	WALSyncIntervalMs int64 `yaml:"wal_sync_interval_ms"`

	// Reserved knobs, accepted but not implemented by the core.
	BufferSize        int     `yaml:"buffer_size"`
	EnableBloomFilter bool    `yaml:"enable_bloom_filter"`
	BloomFilterFPP    float64 `yaml:"bloom_filter_fpp"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		DB: DefaultStore(),
	}
}

// DefaultStore returns the baseline engine configuration.
func DefaultStore() StoreConfig {
	return StoreConfig{
		MemtableMaxSize:      10000,
		FlushThreshold:       8000,
		CompactionThreshold:  4,
		CompactionIntervalMs: 60000,
		MaxCompactionFiles:   10,
		EnableWAL:            true,
		WALSyncIntervalMs:    1000,
		BufferSize:           64 * 1024,
		EnableBloomFilter:    true,
		BloomFilterFPP:       0.01,
	}
}
