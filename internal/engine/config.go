package engine

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/radarcache/config"
)

// Config represents the complete engine configuration.
type Config struct {
	// DataDir is the root directory for the record database.
	DataDir string `yaml:"data_dir"`

	// CacheBudgetBytes is the storage budget for cached records.
	CacheBudgetBytes int64 `yaml:"cache_budget_bytes"`

	// EvictTargetRatio is the fraction of the budget eviction drives
	// usage down to.
	EvictTargetRatio float64 `yaml:"evict_target_ratio"`

	// Site is the initial radar site.
	Site string `yaml:"site"`

	// Ring configures the in-memory volume ring.
	Ring RingConfig `yaml:"ring"`

	// Scheduler configures data acquisition.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Archive configures the Level II archive source.
	Archive ArchiveConfig `yaml:"archive"`

	// Timeline configures availability queries.
	Timeline TimelineConfig `yaml:"timeline"`
}

// RingConfig configures the in-memory volume ring.
type RingConfig struct {
	// Capacity is the number of decoded volumes kept resident (2-3).
	Capacity int `yaml:"capacity"`
}

// SchedulerConfig configures data acquisition.
type SchedulerConfig struct {
	// Workers is the number of concurrent download workers.
	Workers int `yaml:"workers"`

	// QueueSize is the task queue capacity.
	QueueSize int `yaml:"queue_size"`

	// RetryMaxAttempts bounds fetch attempts per task.
	RetryMaxAttempts int `yaml:"retry_max_attempts"`

	// RetryInitialInterval is the first backoff delay.
	RetryInitialInterval time.Duration `yaml:"retry_initial_interval"`

	// RetryMaxInterval caps the backoff delay.
	RetryMaxInterval time.Duration `yaml:"retry_max_interval"`

	// FetchTimeout bounds a single volume download.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`

	// EventBufferSize is the event channel capacity.
	EventBufferSize int `yaml:"event_buffer_size"`
}

// ArchiveConfig configures the Level II archive source.
type ArchiveConfig struct {
	// Bucket is the archive bucket name.
	Bucket string `yaml:"bucket"`

	// Region is the bucket's region.
	Region string `yaml:"region"`
}

// TimelineConfig configures availability queries.
type TimelineConfig struct {
	// AvailabilityGapMs is the maximum gap between adjacent scans still
	// merged into one availability range.
	AvailabilityGapMs int64 `yaml:"availability_gap_ms"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir:          config.DefaultDataDir,
		CacheBudgetBytes: config.DefaultCacheBudgetBytes,
		EvictTargetRatio: config.DefaultEvictTargetRatio,
		Ring: RingConfig{
			Capacity: config.DefaultRingCapacity,
		},
		Scheduler: SchedulerConfig{
			Workers:              config.DefaultSchedulerWorkers,
			QueueSize:            config.DefaultSchedulerQueueSize,
			RetryMaxAttempts:     config.DefaultRetryMaxAttempts,
			RetryInitialInterval: config.DefaultRetryInitialInterval,
			RetryMaxInterval:     config.DefaultRetryMaxInterval,
			FetchTimeout:         config.DefaultFetchTimeout,
			EventBufferSize:      config.DefaultEventBufferSize,
		},
		Archive: ArchiveConfig{
			Bucket: config.DefaultArchiveBucket,
			Region: config.DefaultArchiveRegion,
		},
		Timeline: TimelineConfig{
			AvailabilityGapMs: config.DefaultAvailabilityGapMs,
		},
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.CacheBudgetBytes <= 0 {
		return fmt.Errorf("cache_budget_bytes must be positive, got %d", c.CacheBudgetBytes)
	}
	if c.EvictTargetRatio <= 0 || c.EvictTargetRatio > 1 {
		return fmt.Errorf("evict_target_ratio must be in (0, 1], got %g", c.EvictTargetRatio)
	}
	if c.Ring.Capacity < 2 || c.Ring.Capacity > 3 {
		return fmt.Errorf("ring.capacity must be 2 or 3, got %d", c.Ring.Capacity)
	}
	if c.Scheduler.Workers <= 0 {
		return fmt.Errorf("scheduler.workers must be positive, got %d", c.Scheduler.Workers)
	}
	if c.Scheduler.QueueSize <= 0 {
		return fmt.Errorf("scheduler.queue_size must be positive, got %d", c.Scheduler.QueueSize)
	}
	if c.Scheduler.RetryMaxAttempts < 1 {
		return fmt.Errorf("scheduler.retry_max_attempts must be at least 1, got %d", c.Scheduler.RetryMaxAttempts)
	}
	if c.Archive.Bucket == "" {
		return fmt.Errorf("archive.bucket must not be empty")
	}
	if c.Timeline.AvailabilityGapMs < 0 {
		return fmt.Errorf("timeline.availability_gap_ms must not be negative")
	}
	return nil
}
