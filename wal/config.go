package wal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SyncMode selects when WalBuffer fsyncs a batch to disk.
type SyncMode string

const (
	// SyncAlways fsyncs after every batch, trading throughput for the
	// tightest possible durability window.
	SyncAlways SyncMode = "always"
	// SyncInterval batches fsyncs on FlushInterval, the default.
	SyncInterval SyncMode = "interval"
)

// Config configures a WalBuffer and the reclaim policy of the node that
// owns it.
type Config struct {
	SyncMode            SyncMode      `yaml:"sync_mode"`
	BatchSize           int           `yaml:"batch_size"`
	FlushInterval       time.Duration `yaml:"flush_interval"`
	MaxSegmentSizeBytes int64         `yaml:"max_segment_size_bytes"`
	// MaxMemTableSnapshotCount bounds how many times the reclaimer will
	// re-snapshot the same memtable before preferring a flush instead.
	MaxMemTableSnapshotCount int `yaml:"max_memtable_snapshot_count"`
	// MemTableSnapshotThresholdBytes: above this estimated cost, the
	// reclaimer prefers a flush over a snapshot regardless of count.
	MemTableSnapshotThresholdBytes int64 `yaml:"memtable_snapshot_threshold_bytes"`
	// EffectiveInfoRatioThreshold is the active/(active+flushed) ratio
	// below which the reclaimer attempts to unblock more deletion via
	// snapshot or flush.
	EffectiveInfoRatioThreshold float64 `yaml:"effective_info_ratio_threshold"`
	// FlushPollInterval/FlushWaitTimeout bound how long the reclaimer
	// polls an in-flight flush before giving up non-fatally.
	FlushPollInterval time.Duration `yaml:"flush_poll_interval"`
	FlushWaitTimeout  time.Duration `yaml:"flush_wait_timeout"`
	// EnableMemControl tells callers whether memtable cost should be
	// reported in RAM bytes (true) or as a flat per-memtable count (false).
	// The node itself only sums whatever cost it's given.
	EnableMemControl bool `yaml:"enable_mem_control"`
}

type yamlConfig struct {
	SyncMode                       string  `yaml:"sync_mode"`
	BatchSize                      int     `yaml:"batch_size"`
	FlushInterval                  string  `yaml:"flush_interval"`
	MaxSegmentSizeBytes            int64   `yaml:"max_segment_size_bytes"`
	MaxMemTableSnapshotCount       int     `yaml:"max_memtable_snapshot_count"`
	MemTableSnapshotThresholdBytes int64   `yaml:"memtable_snapshot_threshold_bytes"`
	EffectiveInfoRatioThreshold    float64 `yaml:"effective_info_ratio_threshold"`
	FlushPollInterval              string  `yaml:"flush_poll_interval"`
	FlushWaitTimeout               string  `yaml:"flush_wait_timeout"`
	EnableMemControl               bool    `yaml:"enable_mem_control"`
}

// defaultConfig returns the baseline configuration that Load overlays
// YAML-provided fields onto.
func defaultConfig() *Config {
	return &Config{
		SyncMode:                       SyncInterval,
		BatchSize:                      64,
		FlushInterval:                  100 * time.Millisecond,
		MaxSegmentSizeBytes:            32 * 1024 * 1024,
		MaxMemTableSnapshotCount:       3,
		MemTableSnapshotThresholdBytes: 16 * 1024 * 1024,
		EffectiveInfoRatioThreshold:    0.1,
		FlushPollInterval:              1 * time.Second,
		FlushWaitTimeout:               10 * time.Second,
		EnableMemControl:               true,
	}
}

// Validate range-checks cfg's fields, catching the kind of malformed
// override a hand-edited YAML file would otherwise smuggle past Load
// unnoticed until the first append or reclaim pass.
func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return errors.New("wal: batch_size must be positive")
	}
	if c.MaxSegmentSizeBytes <= 0 {
		return errors.New("wal: max_segment_size_bytes must be positive")
	}
	if c.MaxMemTableSnapshotCount < 0 {
		return errors.New("wal: max_memtable_snapshot_count must not be negative")
	}
	if c.MemTableSnapshotThresholdBytes <= 0 {
		return errors.New("wal: memtable_snapshot_threshold_bytes must be positive")
	}
	if c.EffectiveInfoRatioThreshold < 0 || c.EffectiveInfoRatioThreshold > 1 {
		return errors.New("wal: effective_info_ratio_threshold must be in [0, 1]")
	}
	if c.FlushPollInterval <= 0 {
		return errors.New("wal: flush_poll_interval must be positive")
	}
	if c.FlushWaitTimeout <= 0 {
		return errors.New("wal: flush_wait_timeout must be positive")
	}
	if c.SyncMode != SyncAlways && c.SyncMode != SyncInterval {
		return fmt.Errorf("wal: unknown sync_mode %q", c.SyncMode)
	}
	return nil
}

// LoadConfig reads wal.Config from a YAML file by path, falling back to
// defaults if the file does not exist. YAML read from the file is
// validated; the fallback defaults are returned as they are.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(nil)
		}
		return nil, fmt.Errorf("wal: open config %s: %w", path, err)
	}
	defer file.Close()
	return Load(file)
}

// Load reads wal.Config from an io.Reader, or returns defaults if r is nil
// or empty. A decoded config is validated before being returned; the
// defaults for a nil or empty reader are returned without calling Validate.
func Load(r io.Reader) (*Config, error) {
	cfg := defaultConfig()
	if r == nil {
		return cfg, nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("wal: read config: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	var raw yamlConfig
	raw.SyncMode = string(cfg.SyncMode)
	raw.BatchSize = cfg.BatchSize
	raw.FlushInterval = cfg.FlushInterval.String()
	raw.MaxSegmentSizeBytes = cfg.MaxSegmentSizeBytes
	raw.MaxMemTableSnapshotCount = cfg.MaxMemTableSnapshotCount
	raw.MemTableSnapshotThresholdBytes = cfg.MemTableSnapshotThresholdBytes
	raw.EffectiveInfoRatioThreshold = cfg.EffectiveInfoRatioThreshold
	raw.FlushPollInterval = cfg.FlushPollInterval.String()
	raw.FlushWaitTimeout = cfg.FlushWaitTimeout.String()
	raw.EnableMemControl = cfg.EnableMemControl

	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("wal: unmarshal config yaml: %w", err)
	}

	cfg.SyncMode = SyncMode(raw.SyncMode)
	cfg.BatchSize = raw.BatchSize
	cfg.MaxSegmentSizeBytes = raw.MaxSegmentSizeBytes
	cfg.MaxMemTableSnapshotCount = raw.MaxMemTableSnapshotCount
	cfg.MemTableSnapshotThresholdBytes = raw.MemTableSnapshotThresholdBytes
	cfg.EffectiveInfoRatioThreshold = raw.EffectiveInfoRatioThreshold
	cfg.EnableMemControl = raw.EnableMemControl

	if d, err := time.ParseDuration(raw.FlushInterval); err == nil {
		cfg.FlushInterval = d
	}
	if d, err := time.ParseDuration(raw.FlushPollInterval); err == nil {
		cfg.FlushPollInterval = d
	}
	if d, err := time.ParseDuration(raw.FlushWaitTimeout); err == nil {
		cfg.FlushWaitTimeout = d
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
