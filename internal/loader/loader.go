// Package loader handles configuration file loading and validation.
//
// This package is responsible for:
//   - Loading YAML configuration files
//   - Expanding environment variables
//   - Processing include directives
//   - Validating global settings (fatal) and channel entries (skipped)
//   - Converting channel entries into pipeline channels
package loader

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/feedrec/internal/errors"
	"github.com/xtxerr/feedrec/internal/pipeline"
	"github.com/xtxerr/feedrec/internal/record"
	"github.com/xtxerr/feedrec/internal/transport"
	"github.com/xtxerr/feedrec/internal/validation"
)

// =============================================================================
// Load
// =============================================================================

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Process includes (load additional channel files)
	baseDir := filepath.Dir(path)
	if err := processIncludes(cfg, baseDir); err != nil {
		return nil, err
	}

	return cfg, nil
}

// processIncludes loads included files and appends their channels.
func processIncludes(cfg *Config, baseDir string) error {
	for _, pattern := range cfg.Include {
		// Resolve relative paths
		if !filepath.IsAbs(pattern) {
			pattern = filepath.Join(baseDir, pattern)
		}

		// Expand glob pattern
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return fmt.Errorf("invalid include pattern %q: %w", pattern, err)
		}

		for _, match := range matches {
			if err := loadInclude(cfg, match); err != nil {
				return fmt.Errorf("load include %q: %w", match, err)
			}
		}
	}

	return nil
}

// loadInclude loads a single include file. Only its channels are used.
func loadInclude(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	expanded := os.ExpandEnv(string(data))

	var partial struct {
		Channels []ChannelConfig `yaml:"channels"`
	}
	if err := yaml.Unmarshal([]byte(expanded), &partial); err != nil {
		return fmt.Errorf("parse: %w", err)
	}

	cfg.Channels = append(cfg.Channels, partial.Channels...)
	return nil
}

// =============================================================================
// Validate
// =============================================================================

// Validate validates the global settings. Any error is fatal.
func Validate(cfg *Config) error {
	errs := errors.NewValidationErrors()

	// Logging validation
	if _, err := cfg.Logging.SlogLevel(); err != nil {
		errs.AddField("logging.level", err.Error())
	}

	// Clock validation
	if cfg.Clock.Warmup.Duration() <= 0 {
		errs.AddField("clock.warmup", "must be positive")
	}
	if cfg.Clock.CalibrationInterval.Duration() <= 0 {
		errs.AddField("clock.calibration_interval", "must be positive")
	}
	if cfg.Clock.Tick.Duration() <= 0 {
		errs.AddField("clock.tick", "must be positive")
	}
	if cfg.Clock.Samples < 1 {
		errs.AddField("clock.samples", "must be at least 1")
	}
	if cfg.Clock.MaxSlewRatio <= 0 || cfg.Clock.MaxSlewRatio >= 1 {
		errs.AddField("clock.max_slew_ratio", "must be between 0 and 1")
	}

	// Storage validation
	if cfg.Storage == nil {
		errs.AddMissing("storage")
	} else if err := cfg.Storage.Validate(); err != nil {
		errs.Add(errors.Wrap(err, "storage"))
	}

	// Pipeline validation
	if cfg.Pipeline.PollTimeout.Duration() <= 0 {
		errs.AddField("pipeline.poll_timeout", "must be positive")
	}
	if n := cfg.Pipeline.MaxDatagram.Bytes(); n < 1 || n > 65535 {
		errs.AddField("pipeline.max_datagram", "must be between 1 and 65535")
	}
	if cfg.Pipeline.RecvBuffer.Bytes() < 0 {
		errs.AddField("pipeline.recv_buffer", "must not be negative")
	}

	// Metrics validation
	if (cfg.Metrics.TLSCertFile == "") != (cfg.Metrics.TLSKeyFile == "") {
		errs.AddField("metrics", "tls_cert_file and tls_key_file must be set together")
	}

	if len(cfg.Channels) == 0 {
		errs.AddField("channels", "at least one channel is required")
	}

	return errs.Err()
}

// =============================================================================
// Channels
// =============================================================================

// ChannelError reports a channel entry that was skipped.
type ChannelError struct {
	Index int
	Name  string
	Err   error
}

func (e ChannelError) Error() string {
	return fmt.Sprintf("channels[%d] %s: %v", e.Index, e.Name, e.Err)
}

func (e ChannelError) Unwrap() error { return e.Err }

// Channels validates every channel entry and converts the valid ones.
// Invalid entries are skipped and returned, so one bad entry does not
// stop the others. A record kind may only be carried by channels of one
// group; later entries that claim a kind owned by another group are
// rejected.
func Channels(cfg *Config) ([]pipeline.Channel, []ChannelError) {
	var (
		out      []pipeline.Channel
		rejected []ChannelError
		names    = make(map[string]bool)
		owner    = make(map[record.Kind]string)
	)

	for i, c := range cfg.Channels {
		ch, err := convertChannel(cfg, c)
		if err == nil && names[c.Name] {
			err = errors.NewInvalidValue("name", c.Name, "duplicate channel")
		}
		if err == nil {
			err = claimKinds(owner, ch)
		}
		if err != nil {
			rejected = append(rejected, ChannelError{Index: i, Name: c.Name, Err: err})
			continue
		}
		names[c.Name] = true
		out = append(out, ch)
	}
	return out, rejected
}

func convertChannel(cfg *Config, c ChannelConfig) (pipeline.Channel, error) {
	if c.Name == "" {
		return pipeline.Channel{}, errors.NewMissingField("name")
	}
	if err := validation.ValidateChannelName(c.Name); err != nil {
		return pipeline.Channel{}, errors.Mark(errors.ErrInvalidName, err)
	}
	if c.Group != "" {
		if err := validation.ValidateChannelName(c.Group); err != nil {
			return pipeline.Channel{}, errors.Mark(errors.ErrInvalidName, fmt.Errorf("group: %w", err))
		}
	}
	if err := validation.ValidateBindAddress(c.Address); err != nil {
		return pipeline.Channel{}, errors.NewValidation("address", err.Error())
	}
	if err := validation.ValidatePort(c.Port, false); err != nil {
		return pipeline.Channel{}, errors.NewValidation("port", err.Error())
	}
	if err := validation.ValidateMulticastInterface(c.Interface); err != nil {
		return pipeline.Channel{}, errors.NewValidation("interface", err.Error())
	}
	if c.RecvBuffer < 0 {
		return pipeline.Channel{}, errors.NewInvalidValue("recv_buffer", c.RecvBuffer, "must not be negative")
	}

	var kinds []record.Kind
	seen := make(map[record.Kind]bool)
	for _, rt := range c.RecordTypes {
		k, err := record.ParseKind(rt)
		if err != nil {
			return pipeline.Channel{}, err
		}
		if !seen[k] {
			seen[k] = true
			kinds = append(kinds, k)
		}
	}

	recvBuf := c.RecvBuffer
	if recvBuf == 0 {
		recvBuf = cfg.Pipeline.RecvBuffer
	}

	return pipeline.Channel{
		ChannelConfig: transport.ChannelConfig{
			Name:       c.Name,
			Address:    c.Address,
			Port:       c.Port,
			Interface:  c.Interface,
			RecvBuffer: int(recvBuf.Bytes()),
		},
		Group: c.Group,
		Kinds: kinds,
	}, nil
}

// claimKinds records the group of every kind ch carries. A channel without
// a kind list carries all of them.
func claimKinds(owner map[record.Kind]string, ch pipeline.Channel) error {
	kinds := ch.Kinds
	if len(kinds) == 0 {
		kinds = record.Kinds
	}
	group := ch.GroupName()
	for _, k := range kinds {
		if g, ok := owner[k]; ok && g != group {
			return errors.NewInvalidValue("record_types", k.Dir(), "already carried by group "+g)
		}
	}
	for _, k := range kinds {
		owner[k] = group
	}
	return nil
}
