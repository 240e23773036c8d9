// Package vpn provides VPN session management functionality.
// This file contains the Manager type which drives a single Nebula session
// through permission, start, reconciliation and stop.
package vpn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/yllada/nebula-manager/common"
	"github.com/yllada/nebula-manager/diag"
)

// Common errors - re-exported from common package for convenience.
var (
	ErrAlreadyConnected = common.ErrAlreadyConnected
	ErrNotConnected     = common.ErrNotConnected
	ErrSessionBusy      = common.ErrSessionBusy

	ErrPermissionTimeout     = common.ErrPermissionTimeout
	ErrReconciliationTimeout = common.ErrReconciliationTimeout
)

// Observer receives counters about the session. metrics.Metrics
// implements it.
type Observer interface {
	ObserveTransition(from, to string)
	ObserveReconcile(result string)
	ObservePing(reachable bool)
	ObservePermission(outcome string)
}

// Options tune the reconciliation timing.
type Options struct {
	// PollInterval is the period of Run's reconciliation loop.
	PollInterval time.Duration
	// StartTimeoutPolls is how many polls Starting may take to converge.
	StartTimeoutPolls int
	// StalePolls is how many consecutive disagreeing polls mark a
	// Connected session stale, and an idle service orphaned.
	StalePolls int
	// StopTimeoutPolls is how many polls Stopping waits before re-issuing
	// the stop command.
	StopTimeoutPolls int
	// PermissionTimeout bounds how long a deferred request may stay pending.
	PermissionTimeout time.Duration
	// OracleTimeout bounds one connectivity query.
	OracleTimeout time.Duration

	Clock    clock.Clock
	Observer Observer
}

// DefaultOptions returns the default reconciliation timing.
func DefaultOptions() Options {
	return Options{
		PollInterval:      common.PollInterval,
		StartTimeoutPolls: common.StartTimeoutPolls,
		StalePolls:        common.StalePolls,
		StopTimeoutPolls:  common.StopTimeoutPolls,
		PermissionTimeout: common.PermissionTimeout,
		OracleTimeout:     common.OracleTimeout,
	}
}

func (o *Options) applyDefaults() {
	def := DefaultOptions()
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	if o.StartTimeoutPolls < 1 {
		o.StartTimeoutPolls = def.StartTimeoutPolls
	}
	if o.StalePolls < 1 {
		o.StalePolls = def.StalePolls
	}
	if o.StopTimeoutPolls < 1 {
		o.StopTimeoutPolls = def.StopTimeoutPolls
	}
	if o.PermissionTimeout <= 0 {
		o.PermissionTimeout = def.PermissionTimeout
	}
	if o.OracleTimeout <= 0 {
		o.OracleTimeout = def.OracleTimeout
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
}

// Deps are the collaborators a Manager drives. Checker and Pinger are
// optional.
type Deps struct {
	Service common.TunnelService
	Oracle  common.ConnectivityOracle
	Gate    common.PermissionGate
	Store   common.ConfigStore
	Checker common.ConfigChecker
	Pinger  common.Pinger
}

// Manager orchestrates a single tunnel session.
// One mutex serializes every state change; collaborators that may block
// (permission gate, oracle, ping, hostmap) are called outside it. Their
// results are checked against the state held when the lock is retaken; a
// poll sampled across a transition is dropped.
type Manager struct {
	deps Deps
	opts Options
	log  common.Logger

	mu         sync.Mutex
	state      State
	reason     string
	err        error
	since      time.Time
	pending    *PendingRequest
	requesting bool
	early      *permissionResult
	seq        uint64
	listeners  []func(Transition)

	// Poll counters, reset on every state change.
	startPolls   int
	stalePolls   int
	stopPolls    int
	foreignPolls int
	orphanPolls  int
}

// NewManager creates a session manager and installs itself as the
// permission gate's result handler.
func NewManager(deps Deps, opts Options) (*Manager, error) {
	if deps.Service == nil || deps.Oracle == nil || deps.Gate == nil || deps.Store == nil {
		return nil, fmt.Errorf("%w: service, oracle, gate and store are required", common.ErrInvalidArgument)
	}
	opts.applyDefaults()

	m := &Manager{
		deps:  deps,
		opts:  opts,
		log:   common.Component("vpn"),
		state: StateIdle,
		since: opts.Clock.Now(),
	}
	deps.Gate.SetResultHandler(m.OnPermissionResult)
	return m, nil
}

// OnStateChange registers a listener for transitions. Listeners run on
// their own goroutines.
func (m *Manager) OnStateChange(listener func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

// Status returns a snapshot of the session.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{State: m.state, Reason: m.reason, Err: m.err, Since: m.since}
	if m.pending != nil {
		st.PendingID = m.pending.ID
	}
	return st
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// transitionLocked moves to a new state. m.mu must be held.
func (m *Manager) transitionLocked(to State, reason string, err error) {
	from := m.state
	if from == to && m.reason == reason {
		return
	}

	now := m.opts.Clock.Now()
	m.seq++
	m.state = to
	m.reason = reason
	m.err = err
	m.since = now
	m.startPolls, m.stalePolls, m.stopPolls, m.foreignPolls, m.orphanPolls = 0, 0, 0, 0, 0

	if err != nil {
		m.log.Warn("State changed: %s -> %s (%s: %v)", from, to, reason, err)
	} else {
		m.log.Info("State changed: %s -> %s (%s)", from, to, reason)
	}

	if m.opts.Observer != nil {
		m.opts.Observer.ObserveTransition(from.String(), to.String())
	}

	t := Transition{Seq: m.seq, From: from, To: to, Reason: reason, At: now}
	for _, l := range m.listeners {
		go l(t)
	}
}

func (m *Manager) failLocked(reason string, err error) {
	m.transitionLocked(StateFailed, reason, err)
}

func (m *Manager) observePermission(outcome string) {
	if m.opts.Observer != nil {
		m.opts.Observer.ObservePermission(outcome)
	}
}

// Connect starts a session from config and privateKey. It returns true once
// the start command has been issued and false with a nil error while OS
// consent is outstanding; the final outcome is observed through CheckStatus
// or OnStateChange.
func (m *Manager) Connect(ctx context.Context, config, privateKey string) (bool, error) {
	if config == "" || privateKey == "" {
		return false, fmt.Errorf("%w: config and private key are required", common.ErrInvalidArgument)
	}

	m.mu.Lock()
	if err := m.connectableLocked(); err != nil {
		m.mu.Unlock()
		return false, err
	}
	m.requesting = true
	m.mu.Unlock()

	decision, err := m.deps.Gate.Request(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.requesting = false
	early := m.early
	m.early = nil

	if errors.Is(err, common.ErrPermissionRequestInProgress) {
		return false, err
	}

	// The session may have been adopted while the gate was answering.
	if !m.state.settled() {
		if err == nil && decision.Deferred {
			m.deps.Gate.Cancel(decision.RequestID)
		}
		return false, m.connectableLocked()
	}

	if err != nil {
		m.observePermission("error")
		m.failLocked("permission request failed", err)
		return false, err
	}

	if !decision.Deferred {
		if !decision.Granted {
			m.observePermission("denied")
			m.failLocked("permission denied", common.ErrPermissionDenied)
			return false, common.ErrPermissionDenied
		}
		m.observePermission("granted")
		if err := m.startLocked(config, privateKey); err != nil {
			return false, err
		}
		return true, nil
	}

	m.observePermission("deferred")
	m.pending = &PendingRequest{
		ID:         decision.RequestID,
		Config:     config,
		PrivateKey: privateKey,
		Created:    m.opts.Clock.Now(),
	}
	m.transitionLocked(StatePermissionPending, "waiting for permission", nil)

	if early != nil && early.id == decision.RequestID {
		m.applyPermissionLocked(early.granted)
		if m.state == StateStarting {
			return true, nil
		}
		return false, m.err
	}
	return false, nil
}

// connectableLocked returns the error a connect would get in the current state.
func (m *Manager) connectableLocked() error {
	if m.requesting {
		return common.ErrPermissionRequestInProgress
	}
	switch m.state {
	case StatePermissionPending:
		return common.ErrPermissionRequestInProgress
	case StateStarting, StateConnected:
		return ErrAlreadyConnected
	case StateStopping:
		return ErrSessionBusy
	}
	return nil
}

// startLocked persists the live files and issues the start command.
func (m *Manager) startLocked(config, privateKey string) error {
	configPath, keyPath, err := m.deps.Store.SaveLive(config, privateKey)
	if err != nil {
		m.failLocked("could not save configuration", err)
		return err
	}
	if err := m.deps.Service.Start(configPath, keyPath); err != nil {
		m.failLocked("could not start tunnel service", err)
		return err
	}
	m.transitionLocked(StateStarting, "start requested", nil)
	return nil
}

// OnPermissionResult delivers the answer to a deferred permission request.
// Answers for a request that is no longer pending are ignored.
func (m *Manager) OnPermissionResult(requestID string, granted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending == nil && m.requesting {
		m.early = &permissionResult{id: requestID, granted: granted}
		return
	}
	if m.state != StatePermissionPending || m.pending == nil || m.pending.ID != requestID {
		m.log.Debug("Ignoring permission result for stale request %s", requestID)
		return
	}
	m.applyPermissionLocked(granted)
}

func (m *Manager) applyPermissionLocked(granted bool) {
	p := m.pending
	m.pending = nil
	if !granted {
		m.observePermission("denied")
		m.failLocked("permission denied", common.ErrPermissionDenied)
		return
	}
	m.observePermission("granted")
	if err := m.startLocked(p.Config, p.PrivateKey); err != nil {
		m.log.Error("Start after permission grant failed: %v", err)
	}
}

// Disconnect stops the session. A pending permission request is cancelled.
// From a settled state it returns ErrNotConnected unless a tunnel service
// is still running, which is then stopped.
func (m *Manager) Disconnect() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StatePermissionPending:
		id := m.pending.ID
		m.pending = nil
		m.deps.Gate.Cancel(id)
		m.transitionLocked(StateDisconnected, "permission request cancelled", nil)
		return true, nil

	case StateStarting, StateConnected:
		if err := m.deps.Service.Stop(); err != nil {
			return false, err
		}
		m.transitionLocked(StateStopping, "disconnect requested", nil)
		return true, nil

	case StateStopping:
		if err := m.deps.Service.Stop(); err != nil {
			return false, err
		}
		return true, nil
	}

	if m.deps.Service.IsRunning() {
		if err := m.deps.Service.Stop(); err != nil {
			return false, err
		}
		m.transitionLocked(StateStopping, "stopping leftover service", nil)
		return true, nil
	}
	return false, ErrNotConnected
}

// TestConfig persists config and privateKey to the test files and checks
// them without starting a tunnel. Live files are never touched.
func (m *Manager) TestConfig(ctx context.Context, config, privateKey string) (bool, error) {
	if config == "" || privateKey == "" {
		return false, fmt.Errorf("%w: config and private key are required", common.ErrInvalidArgument)
	}
	configPath, keyPath, err := m.deps.Store.SaveTest(config, privateKey)
	if err != nil {
		return false, err
	}
	if m.deps.Checker == nil {
		return true, nil
	}
	if err := m.deps.Checker.CheckFiles(ctx, configPath, keyPath); err != nil {
		m.log.Info("Configuration check failed: %v", err)
		return false, err
	}
	return true, nil
}

// GetHostmap returns the engine's peers, or an empty map when not connected.
func (m *Manager) GetHostmap() (map[string]common.HostInfo, error) {
	if m.State() != StateConnected {
		return map[string]common.HostInfo{}, nil
	}
	hosts, err := m.deps.Service.Hostmap()
	if err != nil {
		return nil, err
	}
	if hosts == nil {
		hosts = map[string]common.HostInfo{}
	}
	return hosts, nil
}

// Rebind asks the engine to re-bind its listener. When not connected it is
// a no-op returning whether the service is running.
func (m *Manager) Rebind(reason string) (bool, error) {
	if m.State() != StateConnected {
		return m.deps.Service.IsRunning(), nil
	}
	if err := m.deps.Service.Rebind(reason); err != nil {
		return false, err
	}
	return true, nil
}

// PingHost probes host across the tunnel. It is only permitted while
// connected and never holds the session lock while the probe runs.
func (m *Manager) PingHost(ctx context.Context, host string) (bool, error) {
	if err := diag.ValidateHost(host); err != nil {
		return false, err
	}
	if m.State() != StateConnected {
		return false, ErrNotConnected
	}
	if m.deps.Pinger == nil {
		return false, common.WrapError(common.ErrServiceUnavailable, "no pinger configured")
	}

	ok, err := m.deps.Pinger.Ping(ctx, host)
	if err != nil {
		return false, err
	}
	if m.opts.Observer != nil {
		m.opts.Observer.ObservePing(ok)
	}
	return ok, nil
}
