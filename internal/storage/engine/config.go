package engine

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config configures an Engine. Values are loaded from YAML; three of
// them may be overridden by environment variables: NAIVEDB_DATA_PATH,
// NAIVEDB_WAL_PATH, and NAIVEDB_DIRECT_IO (only the value "false" is
// recognized, turning direct I/O off).
type Config struct {
	DataPath           string        `yaml:"data_path"`
	WALPath            string        `yaml:"wal_path"`
	BufferPoolFrames   int           `yaml:"buffer_pool_frames"`
	DirectIO           bool          `yaml:"direct_io"`
	EnableDeadlockScan bool          `yaml:"enable_deadlock_detection"`
	DeadlockInterval   time.Duration `yaml:"deadlock_interval"`
	StatsInterval      string        `yaml:"stats_cron"`
}

// DefaultConfig returns sane defaults for local development.
func DefaultConfig() Config {
	return Config{
		DataPath:           "naivedb.data",
		WALPath:            "naivedb.wal",
		BufferPoolFrames:   256,
		DirectIO:           true,
		EnableDeadlockScan: true,
		DeadlockInterval:   100 * time.Millisecond,
		StatsInterval:      "@hourly",
	}
}

// LoadConfig reads a YAML config file, falling back to DefaultConfig
// for unset fields and applying environment overrides afterward.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, errors.Wrapf(err, "engine: read config %q", path)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, errors.Wrapf(err, "engine: parse config %q", path)
			}
		}
	}
	applyEnvOverrides(&cfg)
	if cfg.BufferPoolFrames <= 0 {
		return cfg, errors.Errorf("engine: buffer_pool_frames must be positive, got %d", cfg.BufferPoolFrames)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NAIVEDB_DATA_PATH"); v != "" {
		cfg.DataPath = v
	}
	if v := os.Getenv("NAIVEDB_WAL_PATH"); v != "" {
		cfg.WALPath = v
	}
	if v := os.Getenv("NAIVEDB_DIRECT_IO"); v == "false" {
		cfg.DirectIO = false
	}
}
