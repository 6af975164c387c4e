// Package loader - Configuration Types
//
// Defines the YAML configuration structure for feedrecd.
//
//	logging:   level, format, rotated log file
//	clock:     warmup and calibration cadence
//	storage:   day file tree, catalog, Parquet archive
//	pipeline:  poll loop and socket sizing
//	metrics:   Prometheus endpoint
//	channels:  UDP channels, their group and the record kinds they carry
//	include:   further files contributing channels
package loader

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/feedrec/config"
	"github.com/xtxerr/feedrec/internal/clock"
	"github.com/xtxerr/feedrec/internal/logging"
	"github.com/xtxerr/feedrec/internal/metrics"
	"github.com/xtxerr/feedrec/internal/pipeline"
	storageconfig "github.com/xtxerr/feedrec/internal/storage/config"
	"github.com/xtxerr/feedrec/internal/transport"
)

// =============================================================================
// Root Configuration
// =============================================================================

// Config is the root configuration structure for feedrecd.
type Config struct {
	// Logging configures the global logger.
	Logging LoggingConfig `yaml:"logging"`

	// Clock configures the cycle clock calibration.
	Clock ClockConfig `yaml:"clock"`

	// Storage configures the day file tree and its bookkeeping.
	Storage *storageconfig.Config `yaml:"storage"`

	// Pipeline configures the poll loops.
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Metrics configures the Prometheus endpoint.
	Metrics metrics.Config `yaml:"metrics"`

	// Channels lists the UDP channels to receive from.
	Channels []ChannelConfig `yaml:"channels"`

	// Include lists glob patterns of files whose channels are appended.
	// Relative patterns are resolved against the including file.
	Include []string `yaml:"include"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// JSON selects JSON output instead of text.
	JSON bool `yaml:"json"`

	// File enables an additional rotated log file.
	File logging.FileConfig `yaml:"file"`
}

// SlogLevel parses Level.
func (c LoggingConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", c.Level)
	}
}

// ClockConfig configures the cycle clock.
type ClockConfig struct {
	// Warmup is the gap between the two samples of the initial model.
	Warmup Duration `yaml:"warmup"`

	// CalibrationInterval is the spacing between model corrections.
	CalibrationInterval Duration `yaml:"calibration_interval"`

	// Tick is the wake-up period of the calibration goroutine.
	Tick Duration `yaml:"tick"`

	// Samples is the number of clock pairs read per sync.
	Samples int `yaml:"samples"`

	// MaxSlewRatio bounds one calibration's ratio change.
	MaxSlewRatio float64 `yaml:"max_slew_ratio"`
}

// Options returns the clock options for the hardware counter.
func (c ClockConfig) Options() clock.Options {
	opts := clock.DefaultOptions()
	opts.Tick = c.Tick.Duration()
	opts.Samples = c.Samples
	opts.MaxSlewRatio = c.MaxSlewRatio
	return opts
}

// PipelineConfig configures the ingestion poll loops.
type PipelineConfig struct {
	// PollTimeout bounds one readiness wait.
	PollTimeout Duration `yaml:"poll_timeout"`

	// MaxDatagram is the per-group receive buffer size.
	MaxDatagram ByteSize `yaml:"max_datagram"`

	// RecvBuffer is the default SO_RCVBUF of every channel.
	RecvBuffer ByteSize `yaml:"recv_buffer"`

	// MaxEvents is the readiness batch size per wait.
	MaxEvents int `yaml:"max_events"`

	// Burst caps the datagrams read from one channel per wakeup.
	Burst int `yaml:"burst"`

	// LockThread pins each poll goroutine to an OS thread.
	LockThread bool `yaml:"lock_thread"`
}

// Options returns the pipeline options.
func (c PipelineConfig) Options() pipeline.Options {
	opts := pipeline.DefaultOptions()
	opts.PollTimeout = c.PollTimeout.Duration()
	opts.LockThread = c.LockThread
	return opts
}

// TransportOptions returns the channel group options.
func (c PipelineConfig) TransportOptions() transport.Options {
	return transport.Options{
		MaxDatagram: int(c.MaxDatagram.Bytes()),
		MaxEvents:   c.MaxEvents,
		Burst:       c.Burst,
	}
}

// ChannelConfig is one entry of the channels list.
type ChannelConfig struct {
	// Name identifies the channel. Required and unique.
	Name string `yaml:"name"`

	// Address is the local IPv4 address or host name to bind. A
	// multicast address joins the group.
	Address string `yaml:"address"`

	// Port is the UDP port.
	Port int `yaml:"port"`

	// Interface is the IPv4 address used for multicast membership.
	Interface string `yaml:"interface"`

	// RecvBuffer overrides pipeline.recv_buffer.
	RecvBuffer ByteSize `yaml:"recv_buffer"`

	// Group names the poll loop. Empty gives the channel its own loop.
	Group string `yaml:"group"`

	// RecordTypes lists the record directory names carried, e.g.
	// depth5, trades, generic. Empty accepts every kind.
	RecordTypes []string `yaml:"record_types"`
}

// GroupName returns the effective group.
func (c ChannelConfig) GroupName() string {
	if c.Group != "" {
		return c.Group
	}
	return c.Name
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level: "info",
		},
		Clock: ClockConfig{
			Warmup:              Duration(config.DefaultClockWarmup),
			CalibrationInterval: Duration(config.DefaultCalibrationInterval),
			Tick:                Duration(config.DefaultCalibrationTick),
			Samples:             config.DefaultSyncSamples,
			MaxSlewRatio:        config.DefaultMaxSlewRatio,
		},
		Storage: storageconfig.DefaultConfig(),
		Pipeline: PipelineConfig{
			PollTimeout: Duration(config.DefaultPollTimeout),
			MaxDatagram: ByteSize(config.DefaultMaxDatagram),
			RecvBuffer:  ByteSize(config.DefaultRecvBuffer),
			MaxEvents:   config.DefaultMaxEvents,
			Burst:       config.DefaultBurst,
			LockThread:  true,
		},
		Metrics: metrics.DefaultConfig(),
	}
}

// =============================================================================
// Value Types
// =============================================================================

// Duration is a time.Duration that can be unmarshaled from YAML.
// Supports Go duration strings or plain integers as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler. An integer scalar is read
// as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode && value.Tag == "!!int" {
		var i int64
		if err := value.Decode(&i); err != nil {
			return err
		}
		*d = Duration(time.Duration(i) * time.Second)
		return nil
	}

	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(dur)
	return nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// ByteSize is a size in bytes that can be unmarshaled from YAML.
// Supports: "4MB", "64KB", or plain bytes.
type ByteSize int64

// UnmarshalYAML implements yaml.Unmarshaler. An integer scalar is read
// as bytes.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode && value.Tag == "!!int" {
		var i int64
		if err := value.Decode(&i); err != nil {
			return err
		}
		*b = ByteSize(i)
		return nil
	}

	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	size, err := parseByteSize(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*b = ByteSize(size)
	return nil
}

// byteUnits is ordered so that "B" is tried after the longer suffixes.
var byteUnits = []struct {
	suffix string
	mult   int64
}{
	{"GB", 1024 * 1024 * 1024},
	{"MB", 1024 * 1024},
	{"KB", 1024},
	{"B", 1},
}

// parseByteSize parses a size string like "4MB" or "64KB".
func parseByteSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, nil
	}

	for _, u := range byteUnits {
		if strings.HasSuffix(s, u.suffix) {
			numStr := strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			n, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("parse byte size %q: %w", s, err)
			}
			return n * u.mult, nil
		}
	}

	// Try as plain number
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse byte size %q: %w", s, err)
	}
	return n, nil
}

// Bytes returns the size in bytes.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}
