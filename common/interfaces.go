// Package common provides shared constants, types, and utilities
// used across the Nebula Manager application.
package common

import "context"

// TunnelService is the background service that owns the mesh engine.
// Start and Stop are commands that take effect asynchronously; their outcome
// is observed later through IsRunning. They only fail when the service
// cannot be reached at all.
type TunnelService interface {
	// Start asks the service to bring the tunnel up from the given files.
	Start(configPath, keyPath string) error
	// Stop asks the service to tear the tunnel down.
	Stop() error
	// IsRunning reports the service's own liveness flag.
	IsRunning() bool
	// Hostmap returns the engine's view of its peers keyed by overlay IP.
	Hostmap() (map[string]HostInfo, error)
	// Rebind asks the engine to re-bind its network listener.
	Rebind(reason string) error
}

// ConnectivityOracle reports whether the OS currently has an active
// VPN-capable network interface. Implementations must not cache.
type ConnectivityOracle interface {
	HasActiveVPNInterface(ctx context.Context) (bool, error)
}

// PermissionDecision is the synchronous part of a consent request.
type PermissionDecision struct {
	// Deferred is set when the answer will arrive later through the
	// result handler, keyed by RequestID.
	Deferred bool
	// Granted is only meaningful when Deferred is false.
	Granted bool
	// RequestID identifies a deferred request.
	RequestID string
}

// PermissionGate requests OS consent for creating a virtual network interface.
type PermissionGate interface {
	// Request starts a consent request. Deferred answers are delivered to
	// the result handler on another goroutine, never from inside Request.
	Request(ctx context.Context) (PermissionDecision, error)
	// SetResultHandler installs the receiver of deferred answers.
	SetResultHandler(handler func(requestID string, granted bool))
	// Cancel abandons an outstanding deferred request.
	Cancel(requestID string)
}

// ConfigStore persists the tunnel configuration and key before the
// service reads them.
type ConfigStore interface {
	// SaveLive writes the files used by a running session.
	SaveLive(config, privateKey string) (configPath, keyPath string, err error)
	// SaveTest writes the files used by configuration validation.
	SaveTest(config, privateKey string) (configPath, keyPath string, err error)
}

// ConfigChecker validates persisted tunnel files without starting a tunnel.
type ConfigChecker interface {
	CheckFiles(ctx context.Context, configPath, keyPath string) error
}

// Pinger runs a bounded reachability probe.
type Pinger interface {
	Ping(ctx context.Context, host string) (bool, error)
}

// HostInfo describes one peer in the overlay network.
type HostInfo struct {
	Name             string `json:"name"`
	RemoteAddress    string `json:"remote_address"`
	ConnectionActive bool   `json:"connection_active"`
	LastHandshake    int64  `json:"last_handshake"`
}

// Logger defines the interface for structured logging.
type Logger interface {
	// Debug logs a debug message.
	Debug(msg string, args ...interface{})
	// Info logs an informational message.
	Info(msg string, args ...interface{})
	// Warn logs a warning message.
	Warn(msg string, args ...interface{})
	// Error logs an error message.
	Error(msg string, args ...interface{})
}
