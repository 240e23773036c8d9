// Package permission obtains OS consent before a tunnel interface is created.
package permission

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/yllada/nebula-manager/common"
)

const (
	polkitService   = "org.freedesktop.PolicyKit1"
	polkitPath      = dbus.ObjectPath("/org/freedesktop/PolicyKit1/Authority")
	polkitAuthority = "org.freedesktop.PolicyKit1.Authority"

	// CheckAuthorizationFlags
	polkitFlagNone                 = uint32(0)
	polkitFlagAllowUserInteraction = uint32(1)
)

// Authority performs polkit authorization checks.
type Authority interface {
	// Check returns whether the caller is authorized for actionID and whether
	// an interactive challenge would authorize it.
	Check(ctx context.Context, actionID, cancelID string, interactive bool) (authorized, challenge bool, err error)
	// CancelCheck aborts an interactive check started with cancelID.
	CancelCheck(cancelID string) error
}

type polkitSubject struct {
	Kind    string
	Details map[string]dbus.Variant
}

type polkitResult struct {
	IsAuthorized bool
	IsChallenge  bool
	Details      map[string]string
}

// busAuthority talks to the polkit daemon on the system bus.
type busAuthority struct {
	conn *dbus.Conn
}

// NewBusAuthority connects to polkit on the system bus.
func NewBusAuthority() (Authority, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	return &busAuthority{conn: conn}, nil
}

func (a *busAuthority) subject() polkitSubject {
	names := a.conn.Names()
	name := ""
	if len(names) > 0 {
		name = names[0]
	}
	return polkitSubject{
		Kind:    "system-bus-name",
		Details: map[string]dbus.Variant{"name": dbus.MakeVariant(name)},
	}
}

func (a *busAuthority) Check(ctx context.Context, actionID, cancelID string, interactive bool) (bool, bool, error) {
	flags := polkitFlagNone
	if interactive {
		flags = polkitFlagAllowUserInteraction
	}
	var res polkitResult
	err := a.conn.Object(polkitService, polkitPath).CallWithContext(ctx,
		polkitAuthority+".CheckAuthorization", 0,
		a.subject(), actionID, map[string]string{}, flags, cancelID,
	).Store(&res)
	if err != nil {
		return false, false, fmt.Errorf("polkit CheckAuthorization: %w", err)
	}
	return res.IsAuthorized, res.IsChallenge, nil
}

func (a *busAuthority) CancelCheck(cancelID string) error {
	return a.conn.Object(polkitService, polkitPath).Call(
		polkitAuthority+".CancelCheckAuthorization", 0, cancelID,
	).Err
}

// Polkit asks polkit whether the user may bring up a tunnel. A
// non-interactive check that would need a password turns into a deferred
// request whose answer arrives when the authentication agent finishes.
type Polkit struct {
	authority Authority
	actionID  string
	isRoot    func() bool
	log       common.Logger

	mu      sync.Mutex
	pending string
	handler func(requestID string, granted bool)
}

// NewPolkit creates a gate for actionID.
func NewPolkit(authority Authority, actionID string) *Polkit {
	if actionID == "" {
		actionID = common.DefaultPolkitAction
	}
	return &Polkit{
		authority: authority,
		actionID:  actionID,
		isRoot:    func() bool { return os.Geteuid() == 0 },
		log:       common.Component("permission"),
	}
}

// SetResultHandler implements common.PermissionGate.
func (p *Polkit) SetResultHandler(handler func(requestID string, granted bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = handler
}

// Request implements common.PermissionGate.
func (p *Polkit) Request(ctx context.Context) (common.PermissionDecision, error) {
	if p.isRoot() {
		return common.PermissionDecision{Granted: true}, nil
	}

	p.mu.Lock()
	if p.pending != "" {
		p.mu.Unlock()
		return common.PermissionDecision{}, common.ErrPermissionRequestInProgress
	}
	p.mu.Unlock()

	authorized, challenge, err := p.authority.Check(ctx, p.actionID, "", false)
	if err != nil {
		return common.PermissionDecision{}, err
	}
	if authorized {
		return common.PermissionDecision{Granted: true}, nil
	}
	if !challenge {
		p.log.Info("Action %s not authorized", p.actionID)
		return common.PermissionDecision{Granted: false}, nil
	}

	id := uuid.NewString()
	p.mu.Lock()
	if p.pending != "" {
		p.mu.Unlock()
		return common.PermissionDecision{}, common.ErrPermissionRequestInProgress
	}
	p.pending = id
	p.mu.Unlock()

	p.log.Info("Waiting for interactive authorization (request %s)", id)
	go p.waitInteractive(id)

	return common.PermissionDecision{Deferred: true, RequestID: id}, nil
}

func (p *Polkit) waitInteractive(id string) {
	authorized, _, err := p.authority.Check(context.Background(), p.actionID, id, true)
	if err != nil {
		p.log.Warn("Interactive authorization %s failed: %v", id, err)
	}
	p.deliver(id, err == nil && authorized)
}

func (p *Polkit) deliver(id string, granted bool) {
	p.mu.Lock()
	if p.pending != id {
		p.mu.Unlock()
		return
	}
	p.pending = ""
	handler := p.handler
	p.mu.Unlock()

	if handler != nil {
		handler(id, granted)
	}
}

// Cancel implements common.PermissionGate.
func (p *Polkit) Cancel(requestID string) {
	p.mu.Lock()
	if p.pending == "" || p.pending != requestID {
		p.mu.Unlock()
		return
	}
	p.pending = ""
	p.mu.Unlock()

	go func() {
		if err := p.authority.CancelCheck(requestID); err != nil {
			p.log.Debug("Cancel authorization %s: %v", requestID, err)
		}
	}()
}

// Pending returns the outstanding request ID, if any.
func (p *Polkit) Pending() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending
}
