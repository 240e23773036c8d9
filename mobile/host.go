package mobile

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/yllada/nebula-manager/common"
)

// PermissionHost is implemented by the host app to run the OS VPN consent
// flow (VpnService.prepare on Android, NEVPNManager on iOS).
type PermissionHost interface {
	// IsPrepared reports whether consent was already given.
	IsPrepared() bool
	// RequestConsent shows the consent dialog. The answer is delivered
	// through Bridge.OnPermissionResult with the same request id.
	RequestConsent(requestID string)
}

// ServiceHost is implemented by the host app's VPN service, which owns the
// Nebula engine.
type ServiceHost interface {
	StartService(configPath, keyPath string) error
	StopService() error
	IsServiceRunning() bool
	Rebind(reason string) error
	// HostmapJSON returns a JSON object of VPN address to host info.
	HostmapJSON() (string, error)
}

// NetworkHost answers the OS connectivity question.
type NetworkHost interface {
	// HasVPNTransport reports whether the active network has the VPN
	// transport capability.
	HasVPNTransport() bool
}

// StateListener receives every session transition.
type StateListener interface {
	OnStateChanged(from, to, reason string)
}

// hostGate is a single-slot permission gate over a PermissionHost.
type hostGate struct {
	host  PermissionHost
	newID func() string

	mu      sync.Mutex
	pending string
	handler func(id string, granted bool)
}

func newHostGate(host PermissionHost) *hostGate {
	return &hostGate{host: host, newID: uuid.NewString}
}

func (g *hostGate) Request(ctx context.Context) (common.PermissionDecision, error) {
	if err := ctx.Err(); err != nil {
		return common.PermissionDecision{}, err
	}

	g.mu.Lock()
	if g.pending != "" {
		g.mu.Unlock()
		return common.PermissionDecision{}, common.ErrPermissionRequestInProgress
	}
	if g.host.IsPrepared() {
		g.mu.Unlock()
		return common.PermissionDecision{Granted: true}, nil
	}
	id := g.newID()
	g.pending = id
	g.mu.Unlock()

	g.host.RequestConsent(id)
	return common.PermissionDecision{Deferred: true, RequestID: id}, nil
}

func (g *hostGate) SetResultHandler(h func(id string, granted bool)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handler = h
}

func (g *hostGate) Cancel(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == id {
		g.pending = ""
	}
}

// resolve forwards the host's answer if it matches the outstanding request.
func (g *hostGate) resolve(id string, granted bool) bool {
	g.mu.Lock()
	if id == "" || g.pending != id {
		g.mu.Unlock()
		return false
	}
	g.pending = ""
	h := g.handler
	g.mu.Unlock()

	if h != nil {
		h(id, granted)
	}
	return true
}

// hostService adapts a ServiceHost to common.TunnelService.
type hostService struct {
	host ServiceHost
}

func (s hostService) Start(configPath, keyPath string) error {
	return unavailable(s.host.StartService(configPath, keyPath), "start")
}

func (s hostService) Stop() error {
	return unavailable(s.host.StopService(), "stop")
}

func (s hostService) IsRunning() bool {
	return s.host.IsServiceRunning()
}

func (s hostService) Rebind(reason string) error {
	return unavailable(s.host.Rebind(reason), "rebind")
}

func (s hostService) Hostmap() (map[string]common.HostInfo, error) {
	raw, err := s.host.HostmapJSON()
	if err != nil {
		return nil, unavailable(err, "hostmap")
	}
	hosts := map[string]common.HostInfo{}
	if raw == "" {
		return hosts, nil
	}
	if err := json.Unmarshal([]byte(raw), &hosts); err != nil {
		return nil, fmt.Errorf("decode hostmap: %w", err)
	}
	return hosts, nil
}

// unavailable tags a host failure as ErrServiceUnavailable unless it already
// carries a sentinel.
func unavailable(err error, op string) error {
	if err == nil {
		return nil
	}
	if common.ErrorKind(err) != "Internal" {
		return err
	}
	return fmt.Errorf("%w: %s: %v", common.ErrServiceUnavailable, op, err)
}

// hostOracle adapts a NetworkHost to common.ConnectivityOracle.
type hostOracle struct {
	host NetworkHost
}

func (o hostOracle) HasActiveVPNInterface(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return o.host.HasVPNTransport(), nil
}
