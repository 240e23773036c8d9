// Package mobile exposes the session manager to Android and iOS host apps
// through gomobile bind.
//
// The host implements PermissionHost, ServiceHost and NetworkHost; the
// Bridge drives them through the same vpn.Manager the desktop CLI uses.
// Only gomobile-compatible types cross the boundary: structured results are
// returned as JSON strings.
package mobile

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/yllada/nebula-manager/common"
	"github.com/yllada/nebula-manager/diag"
	"github.com/yllada/nebula-manager/history"
	"github.com/yllada/nebula-manager/store"
	"github.com/yllada/nebula-manager/tunnel"
	"github.com/yllada/nebula-manager/vpn"
)

// Bridge is the gomobile entry point.
type Bridge struct {
	manager *vpn.Manager
	gate    *hostGate
	journal *history.Store
	log     common.Logger

	mu       sync.Mutex
	stopPoll context.CancelFunc
	pollDone chan struct{}
}

// NewBridge creates a bridge writing its files under dataDir, normally the
// app's private files directory.
func NewBridge(dataDir string, permission PermissionHost, service ServiceHost, network NetworkHost) (*Bridge, error) {
	if permission == nil || service == nil || network == nil {
		return nil, fmt.Errorf("%w: host callbacks are required", common.ErrInvalidArgument)
	}
	files, err := store.New(dataDir)
	if err != nil {
		return nil, err
	}
	return newBridge(files, permission, service, network, vpn.DefaultOptions())
}

func newBridge(files *store.Store, permission PermissionHost, service ServiceHost, network NetworkHost, opts vpn.Options) (*Bridge, error) {
	gate := newHostGate(permission)
	manager, err := vpn.NewManager(vpn.Deps{
		Service: hostService{host: service},
		Oracle:  hostOracle{host: network},
		Gate:    gate,
		Store:   files,
		Checker: tunnel.NewChecker(nil),
		Pinger:  diag.NewExecPinger(common.PingCount, common.PingWait, common.PingTimeout),
	}, opts)
	if err != nil {
		return nil, err
	}

	b := &Bridge{
		manager: manager,
		gate:    gate,
		log:     common.Component("mobile"),
	}

	journal, err := history.Open(filepath.Join(files.Dir(), common.HistoryFileName))
	if err != nil {
		b.log.Warn("Transition history disabled: %v", err)
	} else {
		b.journal = journal
		manager.OnStateChange(func(t vpn.Transition) {
			journal.Observe(t.Seq, t.From.String(), t.To.String(), t.Reason, t.At)
		})
	}
	return b, nil
}

// SetStateListener registers l for every subsequent transition.
func (b *Bridge) SetStateListener(l StateListener) {
	if l == nil {
		return
	}
	b.manager.OnStateChange(func(t vpn.Transition) {
		l.OnStateChanged(t.From.String(), t.To.String(), t.Reason)
	})
}

// Connect starts a session. It returns false with no error while the
// consent dialog is showing.
func (b *Bridge) Connect(config, privateKey string) (bool, error) {
	return b.manager.Connect(context.Background(), config, privateKey)
}

// Disconnect stops the session or cancels a pending consent request.
func (b *Bridge) Disconnect() (bool, error) {
	return b.manager.Disconnect()
}

// TestConfig validates config and privateKey without touching the live files.
func (b *Bridge) TestConfig(config, privateKey string) (bool, error) {
	return b.manager.TestConfig(context.Background(), config, privateKey)
}

// CheckStatus runs one reconciliation and reports whether the session is up.
func (b *Bridge) CheckStatus() bool {
	return b.manager.CheckStatus(context.Background())
}

// GetHostmap returns the peers as a JSON object keyed by VPN address.
func (b *Bridge) GetHostmap() (string, error) {
	hosts, err := b.manager.GetHostmap()
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(hosts)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// RebindNebula asks the engine to re-bind after a network change.
func (b *Bridge) RebindNebula(reason string) (bool, error) {
	return b.manager.Rebind(reason)
}

// PingHost probes host across the tunnel.
func (b *Bridge) PingHost(host string) (bool, error) {
	return b.manager.PingHost(context.Background(), host)
}

// OnPermissionResult is called by the host when the consent dialog closes.
func (b *Bridge) OnPermissionResult(requestID string, granted bool) {
	if !b.gate.resolve(requestID, granted) {
		b.log.Debug("Ignoring permission result for %q", requestID)
	}
}

// State returns the current state name.
func (b *Bridge) State() string {
	return b.manager.State().String()
}

// StartPolling reconciles in the background until StopPolling or Close.
func (b *Bridge) StartPolling() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopPoll != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	b.stopPoll, b.pollDone = cancel, done
	go func() {
		defer close(done)
		b.manager.Run(ctx)
	}()
}

// StopPolling stops background reconciliation.
func (b *Bridge) StopPolling() {
	b.mu.Lock()
	cancel, done := b.stopPoll, b.pollDone
	b.stopPoll, b.pollDone = nil, nil
	b.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// IsPolling reports whether background reconciliation is active.
func (b *Bridge) IsPolling() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopPoll != nil
}

// Close stops polling and releases the history database. The tunnel is
// left as is; the host service owns it.
func (b *Bridge) Close() error {
	b.StopPolling()
	var err error
	if b.journal != nil {
		err = multierr.Append(err, b.journal.Close())
	}
	return err
}

// statusView is the JSON form of vpn.Status.
type statusView struct {
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Since     time.Time `json:"since"`
	PendingID string    `json:"pending_id,omitempty"`
}

func (b *Bridge) status() statusView {
	st := b.manager.Status()
	v := statusView{
		State:     st.State.String(),
		Reason:    st.Reason,
		Since:     st.Since,
		PendingID: st.PendingID,
		Kind:      common.ErrorKind(st.Err),
	}
	if st.Err != nil {
		v.Error = st.Err.Error()
	}
	return v
}

// historyView is the JSON form of history.Entry.
type historyView struct {
	Seq    uint64    `json:"seq"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

func (b *Bridge) recentHistory(limit int) ([]historyView, error) {
	if b.journal == nil {
		return []historyView{}, nil
	}
	entries, err := b.journal.List(context.Background(), limit)
	if err != nil {
		return nil, err
	}
	out := make([]historyView, 0, len(entries))
	for _, e := range entries {
		out = append(out, historyView{Seq: e.Seq, From: e.From, To: e.To, Reason: e.Reason, At: e.At})
	}
	return out, nil
}
