// Package config provides configuration defaults for the feedrec daemons.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or environment variables.
package config

import "time"

// =============================================================================
// Clock Defaults
// =============================================================================

const (
	// DefaultClockWarmup is the gap between the two samples that seed the
	// initial cycle-to-nanosecond ratio.
	// Override via config: clock.warmup
	DefaultClockWarmup = time.Second

	// DefaultCalibrationInterval is the spacing between model corrections.
	// The background goroutine wakes more often but no-ops until due.
	// Override via config: clock.calibration_interval
	DefaultCalibrationInterval = 3 * time.Second

	// DefaultCalibrationTick is how often the calibration goroutine wakes.
	// Override via config: clock.tick
	DefaultCalibrationTick = time.Second

	// DefaultSyncSamples is the number of (wall, cycle) pairs taken per sync.
	// Override via config: clock.samples
	DefaultSyncSamples = 3

	// DefaultMaxSlewRatio bounds a single calibration's ratio change.
	// Larger corrections are treated as inconsistent samples and discarded.
	// Override via config: clock.max_slew_ratio
	DefaultMaxSlewRatio = 0.01
)

// =============================================================================
// Storage Defaults
// =============================================================================

const (
	// DefaultStorageRoot is the directory under which day files are written.
	// Override via config: storage.root
	DefaultStorageRoot = "data"

	// DefaultFileExtension is appended to every day file.
	// Override via config: storage.extension
	DefaultFileExtension = "csv"

	// DefaultBufferCapacity is the number of records buffered per shard
	// before a flush is forced.
	// Override via config: storage.buffer_capacity
	DefaultBufferCapacity = 600

	// DefaultLateRecordPolicy decides what happens to a record older than
	// the shard's current day. One of "reopen" or "drop".
	// Override via config: storage.late_records
	DefaultLateRecordPolicy = "reopen"

	// DefaultTimezone selects the trading-day boundary.
	// Override via config: storage.timezone
	DefaultTimezone = "UTC"

	// DefaultSegmentQueueSize is the capacity of the closed-file event queue
	// feeding the catalog and archive.
	// Override via config: storage.segment_queue_size
	DefaultSegmentQueueSize = 1024

	// DefaultCatalogFile is the catalog database name inside the storage
	// root.
	// Override via config: storage.catalog.path
	DefaultCatalogFile = "catalog.db"

	// DefaultFileMode is the permission of new day files.
	DefaultFileMode = 0o644

	// DefaultDirMode is the permission of new shard directories.
	DefaultDirMode = 0o755
)

// =============================================================================
// Archive Defaults
// =============================================================================

const (
	// DefaultArchiveWorkers is the number of concurrent Parquet conversions.
	// Override via config: storage.archive.workers
	DefaultArchiveWorkers = 2

	// DefaultArchiveQueueSize is the pending conversion queue capacity.
	// Override via config: storage.archive.queue_size
	DefaultArchiveQueueSize = 256

	// DefaultArchiveDir is the root of the Parquet tree.
	// Override via config: storage.archive.dir
	DefaultArchiveDir = "archive"

	// DefaultArchiveCompression is the Parquet column codec.
	// Override via config: storage.archive.compression
	DefaultArchiveCompression = "zstd"
)

// =============================================================================
// Retention Defaults
// =============================================================================

const (
	// DefaultRetentionInterval is the period of the day file cleanup.
	// Cleanup only runs when storage.retention.raw_days or archive_days
	// is set.
	// Override via config: storage.retention.interval
	DefaultRetentionInterval = time.Hour
)

// =============================================================================
// Pipeline Defaults
// =============================================================================

const (
	// DefaultPollTimeout bounds one readiness wait so the stop flag is
	// observed promptly.
	// Override via config: pipeline.poll_timeout
	DefaultPollTimeout = 100 * time.Millisecond

	// DefaultMaxDatagram is the receive buffer size per group.
	// Override via config: pipeline.max_datagram
	DefaultMaxDatagram = 65535

	// DefaultRecvBuffer is the SO_RCVBUF requested per channel, 0 keeps
	// the kernel default.
	// Override via config: pipeline.recv_buffer
	DefaultRecvBuffer = 4 * 1024 * 1024

	// DefaultMaxEvents is the readiness event batch size per wait.
	DefaultMaxEvents = 64

	// DefaultBurst caps the datagrams read from one channel per wakeup.
	// Override via config: pipeline.burst
	DefaultBurst = 256
)

// =============================================================================
// Metrics Defaults
// =============================================================================

const (
	// DefaultMetricsListen is the Prometheus exposition address.
	// Empty disables the endpoint.
	// Override via config: metrics.listen
	DefaultMetricsListen = "127.0.0.1:9464"

	// DefaultShutdownTimeout bounds the metrics server shutdown.
	DefaultShutdownTimeout = 5 * time.Second
)
