// Package config implements the STOQ configuration loader (C8): parsing a
// TOML file into a validated Config, with filesystem-watched hot-reload
// mirroring the teacher's cmd/dtnd configuration.go + BurntSushi/toml
// usage.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"

	"github.com/stoq-io/stoq/pkg/handshake"
	"github.com/stoq-io/stoq/pkg/stoqerr"
)

// tomlConfig is the on-disk shape, field names matching the TOML keys.
type tomlConfig struct {
	ListenAddr                string `toml:"listen_addr"`
	FalconPolicy              string `toml:"falcon_policy"`
	MaxShardSize              uint64 `toml:"max_shard_size"`
	ReassemblyTimeoutMs       int64  `toml:"reassembly_timeout_ms"`
	MaxReassemblyBytesPerConn uint64 `toml:"max_reassembly_bytes_per_connection"`
	SampleIntervalMs          int64  `toml:"sample_interval_ms"`
	StalenessBoundMs          int64  `toml:"staleness_bound_ms"`
	CooldownMs                int64  `toml:"cooldown_ms"`
	MaxPassMs                 int64  `toml:"max_pass_ms"`
	KeyStorePath              string `toml:"key_store_path"`
	MetricsEnabled            bool   `toml:"metrics_enabled"`
	AdminListenAddr           string `toml:"admin_listen_addr"`
}

// Config is the validated, in-memory configuration (spec section 3's
// "Configuration" data model).
type Config struct {
	ListenAddr             string
	FalconPolicy           handshake.Policy
	MaxShardSize           uint64
	ReassemblyTimeout      time.Duration
	MaxReassemblyBytesConn uint64
	SampleInterval         time.Duration
	StalenessBound         time.Duration
	CooldownMs             int
	MaxPassMs              int
	KeyStorePath           string
	MetricsEnabled         bool
	AdminListenAddr        string
}

// Default returns the spec's documented defaults, used to seed a Config
// before a file is parsed and as the fallback for any zero-valued field a
// TOML file leaves unset.
func Default() Config {
	return Config{
		ListenAddr:             "[::1]:4433",
		FalconPolicy:           handshake.Preferred,
		MaxShardSize:           16 * 1024,
		ReassemblyTimeout:      5 * time.Second,
		MaxReassemblyBytesConn: 64 * 1024 * 1024,
		SampleInterval:         time.Second,
		StalenessBound:         10 * time.Second,
		CooldownMs:             2000,
		MaxPassMs:              500,
		KeyStorePath:           "stoq-keystore",
		MetricsEnabled:         true,
		AdminListenAddr:        "[::1]:8080",
	}
}

func parsePolicy(s string) (handshake.Policy, error) {
	switch s {
	case "", "preferred":
		return handshake.Preferred, nil
	case "required":
		return handshake.Required, nil
	case "disabled":
		return handshake.Disabled, nil
	default:
		return handshake.Preferred, fmt.Errorf("falcon_policy: unknown value %q", s)
	}
}

// Load parses and validates a TOML configuration file.
func Load(path string) (*Config, error) {
	var raw tomlConfig
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, stoqerr.New(stoqerr.ConfigurationError, "failed to parse configuration file", err)
	}
	return fromTOML(raw)
}

func fromTOML(raw tomlConfig) (*Config, error) {
	cfg := Default()

	if raw.ListenAddr != "" {
		cfg.ListenAddr = raw.ListenAddr
	}
	if raw.MaxShardSize != 0 {
		cfg.MaxShardSize = raw.MaxShardSize
	}
	if raw.ReassemblyTimeoutMs != 0 {
		cfg.ReassemblyTimeout = time.Duration(raw.ReassemblyTimeoutMs) * time.Millisecond
	}
	if raw.MaxReassemblyBytesPerConn != 0 {
		cfg.MaxReassemblyBytesConn = raw.MaxReassemblyBytesPerConn
	}
	if raw.SampleIntervalMs != 0 {
		cfg.SampleInterval = time.Duration(raw.SampleIntervalMs) * time.Millisecond
	}
	if raw.StalenessBoundMs != 0 {
		cfg.StalenessBound = time.Duration(raw.StalenessBoundMs) * time.Millisecond
	}
	if raw.CooldownMs != 0 {
		cfg.CooldownMs = int(raw.CooldownMs)
	}
	if raw.MaxPassMs != 0 {
		cfg.MaxPassMs = int(raw.MaxPassMs)
	}
	if raw.KeyStorePath != "" {
		cfg.KeyStorePath = raw.KeyStorePath
	}
	if raw.AdminListenAddr != "" {
		cfg.AdminListenAddr = raw.AdminListenAddr
	}
	if raw.MetricsEnabled {
		cfg.MetricsEnabled = true
	}

	policy, err := parsePolicy(raw.FalconPolicy)
	if err != nil {
		return nil, stoqerr.New(stoqerr.ConfigurationError, err.Error(), nil)
	}
	cfg.FalconPolicy = policy

	if err := cfg.Validate(); err != nil {
		return nil, stoqerr.New(stoqerr.ConfigurationError, "configuration failed validation", err)
	}
	return &cfg, nil
}

// Validate checks the cross-field invariants spec section 4.8 names,
// aggregating every independent failure via go-multierror so an operator
// sees all of them at once rather than one at a time.
func (c *Config) Validate() error {
	var errs error

	if _, err := requireIPv6Addr(c.ListenAddr); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("listen_addr: %w", err))
	}
	if c.MaxShardSize == 0 {
		errs = multierror.Append(errs, fmt.Errorf("max_shard_size must be > 0"))
	}
	if c.SampleInterval >= c.StalenessBound {
		errs = multierror.Append(errs, fmt.Errorf("sample_interval (%s) must be less than staleness_bound (%s)", c.SampleInterval, c.StalenessBound))
	}
	if c.KeyStorePath == "" {
		errs = multierror.Append(errs, fmt.Errorf("key_store_path must not be empty"))
	}

	return errs
}
