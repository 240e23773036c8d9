// Package vpn provides VPN session management functionality.
// This file contains the reconciliation step that keeps the session state
// consistent with the tunnel service and the OS interface table.
package vpn

import (
	"context"
)

// Reconciliation outcomes reported to the Observer.
const (
	reconcileAgree       = "agree"
	reconcileDisagree    = "disagree"
	reconcileOracleError = "oracle_error"
	reconcilePending     = "pending"
	reconcileSuperseded  = "superseded"
)

// CheckStatus samples service liveness and the connectivity oracle and
// applies them to the current state. It returns true only when the session
// is Connected and both signals agreed in this poll.
//
// A sample taken across a transition describes a state that no longer
// holds and is dropped; the next poll samples again.
func (m *Manager) CheckStatus(ctx context.Context) bool {
	m.mu.Lock()
	seq := m.seq
	m.mu.Unlock()

	running := m.deps.Service.IsRunning()

	octx, cancel := context.WithTimeout(ctx, m.opts.OracleTimeout)
	present, err := m.deps.Oracle.HasActiveVPNInterface(octx)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seq != seq {
		m.log.Debug("Dropping poll sampled before transition %d", m.seq)
		m.observeReconcile(reconcileSuperseded)
		return false
	}
	return m.reconcileLocked(running, present, err)
}

func (m *Manager) observeReconcile(result string) {
	if m.opts.Observer != nil {
		m.opts.Observer.ObserveReconcile(result)
	}
}

// reconcileLocked applies one poll. m.mu must be held.
func (m *Manager) reconcileLocked(running, present bool, oracleErr error) bool {
	if m.state == StatePermissionPending {
		m.observeReconcile(reconcilePending)
		if m.opts.Clock.Since(m.pending.Created) >= m.opts.PermissionTimeout {
			id := m.pending.ID
			m.pending = nil
			m.deps.Gate.Cancel(id)
			m.observePermission("timeout")
			m.failLocked("permission request timed out", ErrPermissionTimeout)
		}
		return false
	}

	if oracleErr != nil {
		// Transient; the next poll retries.
		m.log.Warn("Connectivity check failed: %v", oracleErr)
		m.observeReconcile(reconcileOracleError)
		return false
	}

	agree := running && present
	if agree {
		m.observeReconcile(reconcileAgree)
	} else {
		m.observeReconcile(reconcileDisagree)
	}

	switch m.state {
	case StateStarting:
		if agree {
			m.transitionLocked(StateConnected, "tunnel is up", nil)
			return true
		}
		m.startPolls++
		m.log.Debug("Waiting for tunnel (poll %d/%d, running=%v, interface=%v)",
			m.startPolls, m.opts.StartTimeoutPolls, running, present)
		if m.startPolls >= m.opts.StartTimeoutPolls {
			m.stopServiceLocked()
			m.failLocked("tunnel did not come up", ErrReconciliationTimeout)
		}
		return false

	case StateConnected:
		if agree {
			m.stalePolls = 0
			return true
		}
		if !running && !present {
			m.transitionLocked(StateDisconnected, "tunnel terminated externally", nil)
			return false
		}
		m.stalePolls++
		m.log.Warn("Session signals disagree (poll %d/%d, running=%v, interface=%v)",
			m.stalePolls, m.opts.StalePolls, running, present)
		if m.stalePolls < m.opts.StalePolls {
			return false
		}
		if running {
			m.stopServiceLocked()
			m.transitionLocked(StateStopping, "stale session", nil)
		} else {
			m.transitionLocked(StateDisconnected, "stale session", nil)
		}
		return false

	case StateStopping:
		switch {
		case !running && !present:
			m.transitionLocked(StateDisconnected, "tunnel stopped", nil)
		case running:
			m.stopPolls++
			if m.stopPolls >= m.opts.StopTimeoutPolls {
				m.log.Warn("Tunnel still running after %d polls, stopping again", m.stopPolls)
				m.stopServiceLocked()
				m.stopPolls = 0
			}
		default:
			m.foreignPolls++
			if m.foreignPolls >= m.opts.StopTimeoutPolls {
				m.transitionLocked(StateDisconnected, "tunnel stopped, interface belongs to another VPN", nil)
			}
		}
		return false

	default:
		if agree {
			m.transitionLocked(StateConnected, "adopted running session", nil)
			return true
		}
		if running && !present {
			m.orphanPolls++
			if m.orphanPolls >= m.opts.StalePolls {
				m.log.Warn("Stopping orphaned tunnel service")
				m.stopServiceLocked()
				m.orphanPolls = 0
			}
		} else {
			m.orphanPolls = 0
		}
		return false
	}
}

// stopServiceLocked issues a stop command; an unreachable service is
// retried on a later poll.
func (m *Manager) stopServiceLocked() {
	if err := m.deps.Service.Stop(); err != nil {
		m.log.Warn("Stop command failed: %v", err)
	}
}

// Run reconciles immediately and then every PollInterval until ctx is
// cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := m.opts.Clock.Ticker(m.opts.PollInterval)
	defer ticker.Stop()

	m.log.Info("Reconciliation started (interval: %v)", m.opts.PollInterval)
	m.CheckStatus(ctx)

	for {
		select {
		case <-ctx.Done():
			m.log.Info("Reconciliation stopped")
			return
		case <-ticker.C:
			m.CheckStatus(ctx)
		}
	}
}
