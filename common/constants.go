// Package common provides shared constants, types, and utilities
// used across the Nebula Manager application.
package common

import "time"

// Application metadata.
const (
	// AppID is the unique identifier for the application.
	AppID = "com.nebulamanager.app"
	// AppName is the display name of the application.
	AppName = "Nebula Manager"
	// ConfigDirName is the name of the configuration and data directory.
	ConfigDirName = "nebula-manager"
)

// File names used by the application.
//
// Live and test artifacts never share a name so that validating a
// configuration cannot clobber the files of a running session.
const (
	LiveConfigFileName    = "nebula_config.yaml"
	LiveKeyFileName       = "nebula_key.txt"
	TestConfigFileName    = "test_config.yaml"
	TestKeyFileName       = "test_key.txt"
	RuntimeConfigFileName = "runtime_config.yaml"
	ConfigFileName        = "config.yaml"
	HistoryFileName       = "history.db"
	CredentialsFileName   = ".credentials"
	LogFileName           = "nebula-manager.log"
)

// Default timeouts and intervals.
const (
	// PollInterval is how often the session is reconciled.
	PollInterval = 5 * time.Second
	// StartTimeoutPolls is how many polls a start may take before it is abandoned.
	StartTimeoutPolls = 6
	// StalePolls is how many consecutive disagreeing polls mark a session stale.
	StalePolls = 2
	// StopTimeoutPolls is how many polls a stop may take before it is re-issued.
	StopTimeoutPolls = 3
	// PermissionTimeout bounds how long a consent dialog may stay unanswered.
	PermissionTimeout = 2 * time.Minute
	// OracleTimeout bounds a single connectivity query.
	OracleTimeout = 2 * time.Second
	// PingTimeout bounds a diagnostic ping.
	PingTimeout = 8 * time.Second
	// PingCount is the number of echo requests sent per ping.
	PingCount = 3
	// PingWait is the per-reply wait passed to ping.
	PingWait = 2 * time.Second
	// StopWaitTimeout is how long the CLI waits for a clean disconnect on exit.
	StopWaitTimeout = 15 * time.Second
)

// Nebula engine defaults.
const (
	// DefaultEngineBinary is the nebula executable looked up in PATH.
	DefaultEngineBinary = "nebula"
	// DefaultPolkitAction is the polkit action checked before elevating the engine.
	DefaultPolkitAction = "org.freedesktop.policykit.exec"
	// DefaultMetricsListen is the loopback address of the metrics endpoint.
	DefaultMetricsListen = "127.0.0.1:9464"
	// KeyringAccount is the keyring entry holding the remembered private key.
	KeyringAccount = "live-private-key"
)

// Oracle modes.
const (
	OracleAuto           = "auto"
	OracleNetworkManager = "networkmanager"
	OracleInterfaces     = "interfaces"
)

// Permission modes.
const (
	PermissionPolkit = "polkit"
	PermissionNone   = "none"
)
