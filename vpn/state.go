package vpn

import "time"

// State is the session lifecycle state.
type State int

const (
	// StateIdle is the initial state; no session has been attempted.
	StateIdle State = iota
	// StatePermissionPending waits for an asynchronous consent answer.
	StatePermissionPending
	// StateStarting has issued a start command and waits for both signals.
	StateStarting
	// StateConnected means the service and the OS agree the tunnel is up.
	StateConnected
	// StateStopping has issued a stop command and waits for it to settle.
	StateStopping
	// StateDisconnected follows a stop or an external termination.
	StateDisconnected
	// StateFailed is a hard failure; Status carries the reason.
	StateFailed
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StatePermissionPending:
		return "PermissionPending"
	case StateStarting:
		return "Starting"
	case StateConnected:
		return "Connected"
	case StateStopping:
		return "Stopping"
	case StateDisconnected:
		return "Disconnected"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// settled reports whether s accepts a new connect.
func (s State) settled() bool {
	return s == StateIdle || s == StateDisconnected || s == StateFailed
}

// Status is a snapshot of the session.
type Status struct {
	State State
	// Reason explains the most recent transition.
	Reason string
	// Err is set when State is StateFailed.
	Err error
	// Since is when the current state was entered.
	Since time.Time
	// PendingID is the outstanding permission request, if any.
	PendingID string
}

// Transition describes one state change. Seq increases monotonically.
type Transition struct {
	Seq    uint64
	From   State
	To     State
	Reason string
	At     time.Time
}

// PendingRequest holds a connect request while consent is outstanding.
type PendingRequest struct {
	ID         string
	Config     string
	PrivateKey string
	Created    time.Time
}

// permissionResult is an answer that arrived before its request was
// recorded.
type permissionResult struct {
	id      string
	granted bool
}
