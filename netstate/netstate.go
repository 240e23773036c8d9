// Package netstate answers whether the operating system currently has an
// active VPN-capable network interface.
//
// Every query reads the live OS state. Nothing is cached, so two calls a
// poll apart may disagree, which is what the session manager relies on.
package netstate

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/yllada/nebula-manager/common"
)

const (
	nmService         = "org.freedesktop.NetworkManager"
	nmPath            = dbus.ObjectPath("/org/freedesktop/NetworkManager")
	nmInterface       = "org.freedesktop.NetworkManager"
	nmActiveInterface = "org.freedesktop.NetworkManager.Connection.Active"
	propertiesGet     = "org.freedesktop.DBus.Properties.Get"

	// NM_ACTIVE_CONNECTION_STATE_ACTIVATED
	nmActiveActivated = uint32(2)

	nmConnTypeVPN       = "vpn"
	nmConnTypeTun       = "tun"
	nmConnTypeWireGuard = "wireguard"
)

// propertyReader reads a single D-Bus property.
type propertyReader func(ctx context.Context, path dbus.ObjectPath, iface, prop string) (dbus.Variant, error)

// NetworkManager asks NetworkManager over the system bus for an activated
// VPN, tun or WireGuard connection.
type NetworkManager struct {
	read propertyReader
	log  common.Logger
}

// NewNetworkManager connects to the system bus.
func NewNetworkManager() (*NetworkManager, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	return newNetworkManager(busReader(conn)), nil
}

func newNetworkManager(read propertyReader) *NetworkManager {
	return &NetworkManager{read: read, log: common.Component("netstate")}
}

func busReader(conn *dbus.Conn) propertyReader {
	return func(ctx context.Context, path dbus.ObjectPath, iface, prop string) (dbus.Variant, error) {
		var v dbus.Variant
		err := conn.Object(nmService, path).CallWithContext(ctx, propertiesGet, 0, iface, prop).Store(&v)
		return v, err
	}
}

// Ping checks that NetworkManager answers on the bus.
func (n *NetworkManager) Ping(ctx context.Context) error {
	_, err := n.read(ctx, nmPath, nmInterface, "Version")
	return err
}

// HasActiveVPNInterface implements common.ConnectivityOracle.
func (n *NetworkManager) HasActiveVPNInterface(ctx context.Context) (bool, error) {
	v, err := n.read(ctx, nmPath, nmInterface, "ActiveConnections")
	if err != nil {
		return false, fmt.Errorf("read active connections: %w", err)
	}
	paths, ok := v.Value().([]dbus.ObjectPath)
	if !ok {
		return false, fmt.Errorf("unexpected ActiveConnections type %s", v.Signature())
	}

	for _, p := range paths {
		active, err := n.isActiveVPN(ctx, p)
		if err != nil {
			// Connections can vanish between the list and the lookup.
			n.log.Debug("Skipping active connection %s: %v", p, err)
			continue
		}
		if active {
			return true, nil
		}
	}
	return false, nil
}

func (n *NetworkManager) isActiveVPN(ctx context.Context, p dbus.ObjectPath) (bool, error) {
	state, err := n.read(ctx, p, nmActiveInterface, "State")
	if err != nil {
		return false, err
	}
	if s, _ := state.Value().(uint32); s != nmActiveActivated {
		return false, nil
	}

	if vpn, err := n.read(ctx, p, nmActiveInterface, "Vpn"); err == nil {
		if b, _ := vpn.Value().(bool); b {
			return true, nil
		}
	}

	typ, err := n.read(ctx, p, nmActiveInterface, "Type")
	if err != nil {
		return false, err
	}
	switch t, _ := typ.Value().(string); t {
	case nmConnTypeVPN, nmConnTypeTun, nmConnTypeWireGuard:
		return true, nil
	}
	return false, nil
}

// Iface is the subset of net.Interface the table oracle looks at.
type Iface struct {
	Name  string
	Flags net.Flags
}

// Interfaces scans the OS interface table for an UP interface whose name
// starts with one of the configured prefixes.
type Interfaces struct {
	prefixes []string
	list     func() ([]Iface, error)
}

// NewInterfaces returns a table oracle matching the given name prefixes.
func NewInterfaces(prefixes []string) *Interfaces {
	return &Interfaces{prefixes: prefixes, list: systemInterfaces}
}

func systemInterfaces() ([]Iface, error) {
	ifs, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]Iface, 0, len(ifs))
	for _, i := range ifs {
		out = append(out, Iface{Name: i.Name, Flags: i.Flags})
	}
	return out, nil
}

// HasActiveVPNInterface implements common.ConnectivityOracle.
func (i *Interfaces) HasActiveVPNInterface(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ifs, err := i.list()
	if err != nil {
		return false, fmt.Errorf("list interfaces: %w", err)
	}
	for _, it := range ifs {
		if it.Flags&net.FlagUp == 0 {
			continue
		}
		if common.HasAnyPrefix(it.Name, i.prefixes) {
			return true, nil
		}
	}
	return false, nil
}

// Active returns the names of matching UP interfaces.
func (i *Interfaces) Active() ([]string, error) {
	ifs, err := i.list()
	if err != nil {
		return nil, err
	}
	var names []string
	for _, it := range ifs {
		if it.Flags&net.FlagUp != 0 && common.HasAnyPrefix(it.Name, i.prefixes) {
			names = append(names, it.Name)
		}
	}
	return names, nil
}

// New builds the oracle selected by mode ("auto", "networkmanager" or
// "interfaces"). Auto prefers NetworkManager when it answers on the bus.
func New(ctx context.Context, mode string, prefixes []string) (common.ConnectivityOracle, error) {
	log := common.Component("netstate")
	switch strings.ToLower(mode) {
	case common.OracleInterfaces:
		return NewInterfaces(prefixes), nil
	case common.OracleNetworkManager:
		return NewNetworkManager()
	case common.OracleAuto, "":
		nm, err := NewNetworkManager()
		if err == nil {
			if err = nm.Ping(ctx); err == nil {
				log.Info("Using NetworkManager for interface state")
				return nm, nil
			}
		}
		log.Info("NetworkManager unavailable (%v), using interface table", err)
		return NewInterfaces(prefixes), nil
	default:
		return nil, fmt.Errorf("%w: unknown oracle %q", common.ErrInvalidConfig, mode)
	}
}
