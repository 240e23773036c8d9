// Package config provides configuration management for Nebula Manager.
// It handles loading, saving, and validating application settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yllada/nebula-manager/common"
)

// Config represents the application configuration.
// All settings are persisted to a YAML file in the user's config directory.
type Config struct {
	// DataDir holds tunnel files, history and logs. Empty means the
	// platform default (~/.local/share/nebula-manager).
	DataDir string `yaml:"data_dir"`
	// RememberKey stores the private key in the system keyring so a
	// session can be resumed without supplying it again.
	RememberKey bool            `yaml:"remember_key"`
	Log         LogConfig       `yaml:"log"`
	Reconcile   ReconcileConfig `yaml:"reconcile"`
	Ping        PingConfig      `yaml:"ping"`
	Engine      EngineConfig    `yaml:"engine"`
	// Oracle selects the connectivity source: "auto", "networkmanager" or "interfaces".
	Oracle     string           `yaml:"oracle"`
	Permission PermissionConfig `yaml:"permission"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	History    HistoryConfig    `yaml:"history"`
}

// LogConfig controls logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// File enables the rotating log file under <data_dir>/logs.
	File bool `yaml:"file"`
}

// ReconcileConfig controls the session reconciliation loop.
type ReconcileConfig struct {
	Interval          time.Duration `yaml:"interval"`
	StartTimeoutPolls int           `yaml:"start_timeout_polls"`
	StalePolls        int           `yaml:"stale_polls"`
	StopTimeoutPolls  int           `yaml:"stop_timeout_polls"`
	PermissionTimeout time.Duration `yaml:"permission_timeout"`
	OracleTimeout     time.Duration `yaml:"oracle_timeout"`
}

// PingConfig controls the diagnostic ping.
type PingConfig struct {
	Count   int           `yaml:"count"`
	Wait    time.Duration `yaml:"wait"`
	Timeout time.Duration `yaml:"timeout"`
}

// EngineConfig describes how the nebula binary is launched.
type EngineConfig struct {
	Binary string `yaml:"binary"`
	// Elevate runs the binary through pkexec when not already root.
	Elevate bool `yaml:"elevate"`
	// InterfacePrefixes are the interface names treated as VPN interfaces
	// by the "interfaces" oracle.
	InterfacePrefixes []string `yaml:"interface_prefixes"`
}

// PermissionConfig selects the consent mechanism.
type PermissionConfig struct {
	// Mode is "polkit" or "none".
	Mode     string `yaml:"mode"`
	ActionID string `yaml:"action_id"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// HistoryConfig controls the transition journal.
type HistoryConfig struct {
	Enabled bool `yaml:"enabled"`
	// Path overrides <data_dir>/history.db.
	Path string `yaml:"path"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		RememberKey: false,
		Log: LogConfig{
			Level: "info",
			File:  true,
		},
		Reconcile: ReconcileConfig{
			Interval:          common.PollInterval,
			StartTimeoutPolls: common.StartTimeoutPolls,
			StalePolls:        common.StalePolls,
			StopTimeoutPolls:  common.StopTimeoutPolls,
			PermissionTimeout: common.PermissionTimeout,
			OracleTimeout:     common.OracleTimeout,
		},
		Ping: PingConfig{
			Count:   common.PingCount,
			Wait:    common.PingWait,
			Timeout: common.PingTimeout,
		},
		Engine: EngineConfig{
			Binary:            common.DefaultEngineBinary,
			Elevate:           true,
			InterfacePrefixes: []string{"nebula", "tun", "utun"},
		},
		Oracle: common.OracleAuto,
		Permission: PermissionConfig{
			Mode:     common.PermissionPolkit,
			ActionID: common.DefaultPolkitAction,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  common.DefaultMetricsListen,
		},
		History: HistoryConfig{
			Enabled: true,
		},
	}
}

// Load loads the configuration from path. An empty path means the default
// location. A missing file yields the default configuration, which is
// written out so the user has a template to edit.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := DefaultConfig()
		if err := cfg.Save(path); err != nil {
			return cfg, err
		}
		return cfg, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: error opening configuration: %v", common.ErrConfigLoad, err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)

	// Decode over the defaults so omitted sections keep sensible values.
	config := DefaultConfig()
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("%w: error parsing configuration: %v", common.ErrConfigLoad, err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// validate verifies configuration values, falling back to defaults for
// out-of-range numbers and rejecting unknown modes.
func (c *Config) validate() error {
	def := DefaultConfig()

	if c.Reconcile.Interval <= 0 {
		c.Reconcile.Interval = def.Reconcile.Interval
	}
	if c.Reconcile.StartTimeoutPolls < 1 {
		c.Reconcile.StartTimeoutPolls = def.Reconcile.StartTimeoutPolls
	}
	if c.Reconcile.StalePolls < 1 {
		c.Reconcile.StalePolls = def.Reconcile.StalePolls
	}
	if c.Reconcile.StopTimeoutPolls < 1 {
		c.Reconcile.StopTimeoutPolls = def.Reconcile.StopTimeoutPolls
	}
	if c.Reconcile.PermissionTimeout <= 0 {
		c.Reconcile.PermissionTimeout = def.Reconcile.PermissionTimeout
	}
	if c.Reconcile.OracleTimeout <= 0 {
		c.Reconcile.OracleTimeout = def.Reconcile.OracleTimeout
	}

	if c.Ping.Count < 1 {
		c.Ping.Count = def.Ping.Count
	}
	if c.Ping.Wait <= 0 {
		c.Ping.Wait = def.Ping.Wait
	}
	if c.Ping.Timeout <= 0 {
		c.Ping.Timeout = def.Ping.Timeout
	}

	if c.Engine.Binary == "" {
		c.Engine.Binary = def.Engine.Binary
	}
	if len(c.Engine.InterfacePrefixes) == 0 {
		c.Engine.InterfacePrefixes = def.Engine.InterfacePrefixes
	}

	switch c.Oracle {
	case "":
		c.Oracle = common.OracleAuto
	case common.OracleAuto, common.OracleNetworkManager, common.OracleInterfaces:
	default:
		return fmt.Errorf("%w: unknown oracle %q", common.ErrInvalidConfig, c.Oracle)
	}

	switch c.Permission.Mode {
	case "":
		c.Permission.Mode = common.PermissionPolkit
	case common.PermissionPolkit, common.PermissionNone:
	default:
		return fmt.Errorf("%w: unknown permission mode %q", common.ErrInvalidConfig, c.Permission.Mode)
	}
	if c.Permission.ActionID == "" {
		c.Permission.ActionID = def.Permission.ActionID
	}

	if c.Metrics.Listen == "" {
		c.Metrics.Listen = def.Metrics.Listen
	}
	return nil
}

// Save saves the configuration to path.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("error serializing configuration: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("error saving configuration: %w", err)
	}

	return nil
}

// ResolveDataDir returns the data directory, creating it if needed.
func (c *Config) ResolveDataDir() (string, error) {
	if c.DataDir == "" {
		return common.GetDataDir()
	}
	dir := common.ExpandHome(c.DataDir)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("error creating data directory: %w", err)
	}
	return dir, nil
}

// HistoryPath returns the journal database path under dataDir unless overridden.
func (c *Config) HistoryPath(dataDir string) string {
	if c.History.Path != "" {
		return common.ExpandHome(c.History.Path)
	}
	return filepath.Join(dataDir, common.HistoryFileName)
}

// DefaultPath returns ~/.config/nebula-manager/config.yaml.
func DefaultPath() (string, error) {
	dir, err := common.GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, common.ConfigFileName), nil
}
