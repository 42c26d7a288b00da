// Package config provides configuration defaults and utilities
// for the radarcache engine.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or CLI flags.
package config

import "time"

// =============================================================================
// Storage Defaults
// =============================================================================

const (
	// DefaultDataDir is the root directory for the record database.
	// Override via config: data_dir
	DefaultDataDir = "/var/lib/radarcache"

	// DefaultCacheBudgetBytes is the storage budget for cached records.
	// When exceeded, whole scans are evicted in LRU order.
	// Override via config: cache_budget_bytes
	DefaultCacheBudgetBytes = 512 * 1024 * 1024

	// DefaultEvictTargetRatio is the low watermark eviction drives toward,
	// as a fraction of the budget. Evicting below the budget itself avoids
	// re-triggering eviction on every subsequent write.
	// Range: 0.1-1.0
	// Override via config: evict_target_ratio
	DefaultEvictTargetRatio = 0.8
)

// =============================================================================
// Volume Ring Defaults
// =============================================================================

const (
	// DefaultRingCapacity is the number of decoded volumes kept in memory.
	// Two volumes are required for sweep rendering across a scan boundary;
	// three gives one volume of slack during playback.
	// Range: 2-3
	// Override via config: ring.capacity
	DefaultRingCapacity = 3
)

// =============================================================================
// Acquisition Defaults
// =============================================================================

const (
	// DefaultSchedulerWorkers is the number of concurrent acquisition workers.
	// Override via config: scheduler.workers
	DefaultSchedulerWorkers = 4

	// DefaultSchedulerQueueSize is the task queue capacity.
	// Override via config: scheduler.queue_size
	DefaultSchedulerQueueSize = 64

	// DefaultRetryMaxAttempts is the bounded attempt count for a failing
	// network fetch before the task is marked Failed.
	// Override via config: scheduler.retry_max_attempts
	DefaultRetryMaxAttempts = 4

	// DefaultRetryInitialInterval is the first backoff delay after a
	// transient network failure.
	// Override via config: scheduler.retry_initial_interval
	DefaultRetryInitialInterval = 500 * time.Millisecond

	// DefaultRetryMaxInterval caps the exponential backoff delay.
	// Override via config: scheduler.retry_max_interval
	DefaultRetryMaxInterval = 15 * time.Second

	// DefaultFetchTimeout bounds a single archive object download.
	// Override via config: scheduler.fetch_timeout
	DefaultFetchTimeout = 60 * time.Second

	// DefaultEventBufferSize is the capacity of the engine event channel.
	// Events are dropped (with a counter) when the consumer falls behind,
	// since all event payloads are recoverable from the index.
	// Override via config: scheduler.event_buffer_size
	DefaultEventBufferSize = 256

	// DefaultTaskHistoryLimit is how many terminal task snapshots are kept
	// for queue-state display before the oldest are pruned.
	DefaultTaskHistoryLimit = 256
)

// =============================================================================
// Archive Source Defaults
// =============================================================================

const (
	// DefaultArchiveBucket is the public Level II archive bucket.
	// Override via config: archive.bucket
	DefaultArchiveBucket = "noaa-nexrad-level2"

	// DefaultArchiveRegion is the region hosting the archive bucket.
	// Override via config: archive.region
	DefaultArchiveRegion = "us-east-1"
)

// =============================================================================
// Timeline Defaults
// =============================================================================

const (
	// DefaultAvailabilityGapMs is the maximum gap between adjacent scans
	// that is still merged into one availability range on the timeline.
	// A volume scan takes 4-10 minutes; 90s of slack covers VCP changes.
	// Override via config: timeline.availability_gap_ms
	DefaultAvailabilityGapMs = 90_000
)

// =============================================================================
// Stats Defaults
// =============================================================================

const (
	// DefaultSketchAccuracy is the relative accuracy of the fetch-latency
	// sketch (0.01 = 1% error).
	DefaultSketchAccuracy = 0.01
)
