package vpn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yllada/nebula-manager/common"
)

// fakeService is a tunnel service whose liveness the test controls.
type fakeService struct {
	mu       sync.Mutex
	running  bool
	starts   int
	stops    int
	rebinds  []string
	startErr error
	stopErr  error
	hosts    map[string]common.HostInfo
	lastCfg  string
	lastKey  string
	// stopHalts makes Stop clear liveness immediately.
	stopHalts bool
}

func (f *fakeService) Start(configPath, keyPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.starts++
	f.lastCfg, f.lastKey = configPath, keyPath
	return nil
}

func (f *fakeService) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stops++
	if f.stopHalts {
		f.running = false
	}
	return nil
}

func (f *fakeService) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeService) Hostmap() (map[string]common.HostInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hosts, nil
}

func (f *fakeService) Rebind(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rebinds = append(f.rebinds, reason)
	return nil
}

func (f *fakeService) setRunning(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = v
}

func (f *fakeService) counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

type fakeOracle struct {
	mu      sync.Mutex
	present bool
	err     error
	calls   int
	// during runs once, after the answer is sampled and before it returns.
	during func()
}

func (f *fakeOracle) HasActiveVPNInterface(ctx context.Context) (bool, error) {
	f.mu.Lock()
	f.calls++
	present, err, during := f.present, f.err, f.during
	f.during = nil
	f.mu.Unlock()
	if during != nil {
		during()
	}
	return present, err
}

func (f *fakeOracle) setDuring(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.during = fn
}

func (f *fakeOracle) set(present bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.present, f.err = present, err
}

// fakeGate answers with a fixed decision and records cancellations.
type fakeGate struct {
	mu        sync.Mutex
	decision  common.PermissionDecision
	err       error
	handler   func(string, bool)
	cancelled []string
	requests  int
	// during runs inside Request, before it returns.
	during func()
}

func (f *fakeGate) Request(ctx context.Context) (common.PermissionDecision, error) {
	f.mu.Lock()
	f.requests++
	d, err, during := f.decision, f.err, f.during
	f.mu.Unlock()
	if during != nil {
		during()
	}
	return d, err
}

func (f *fakeGate) SetResultHandler(h func(string, bool)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeGate) Cancel(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
}

func (f *fakeGate) deliver(id string, granted bool) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(id, granted)
}

type fakeStore struct {
	mu        sync.Mutex
	live      [2]string
	test      [2]string
	liveSaves int
	err       error
}

func (f *fakeStore) SaveLive(config, key string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", "", f.err
	}
	f.liveSaves++
	f.live = [2]string{config, key}
	return "/data/nebula_config.yaml", "/data/nebula_key.txt", nil
}

func (f *fakeStore) SaveTest(config, key string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", "", f.err
	}
	f.test = [2]string{config, key}
	return "/data/test_config.yaml", "/data/test_key.txt", nil
}

type fakeChecker struct {
	err   error
	paths []string
}

func (f *fakeChecker) CheckFiles(ctx context.Context, configPath, keyPath string) error {
	f.paths = []string{configPath, keyPath}
	return f.err
}

type fakePinger struct {
	mu    sync.Mutex
	calls int
	ok    bool
}

func (f *fakePinger) Ping(ctx context.Context, host string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.ok, nil
}

type fakeObserver struct {
	mu          sync.Mutex
	transitions []string
	reconciles  map[string]int
	permissions []string
	pings       int
}

func (f *fakeObserver) ObserveTransition(from, to string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, from+"->"+to)
}

func (f *fakeObserver) ObserveReconcile(result string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reconciles == nil {
		f.reconciles = map[string]int{}
	}
	f.reconciles[result]++
}

func (f *fakeObserver) ObservePing(bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
}

func (f *fakeObserver) ObservePermission(outcome string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permissions = append(f.permissions, outcome)
}

type harness struct {
	m        *Manager
	service  *fakeService
	oracle   *fakeOracle
	gate     *fakeGate
	store    *fakeStore
	checker  *fakeChecker
	pinger   *fakePinger
	observer *fakeObserver
	clock    *clock.Mock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		service:  &fakeService{},
		oracle:   &fakeOracle{},
		gate:     &fakeGate{decision: common.PermissionDecision{Granted: true}},
		store:    &fakeStore{},
		checker:  &fakeChecker{},
		pinger:   &fakePinger{ok: true},
		observer: &fakeObserver{},
		clock:    clock.NewMock(),
	}
	opts := DefaultOptions()
	opts.Clock = h.clock
	opts.Observer = h.observer

	m, err := NewManager(Deps{
		Service: h.service,
		Oracle:  h.oracle,
		Gate:    h.gate,
		Store:   h.store,
		Checker: h.checker,
		Pinger:  h.pinger,
	}, opts)
	require.NoError(t, err)
	h.m = m
	return h
}

func (h *harness) deferNext(id string) {
	h.gate.mu.Lock()
	defer h.gate.mu.Unlock()
	h.gate.decision = common.PermissionDecision{Deferred: true, RequestID: id}
}

func (h *harness) check() bool {
	return h.m.CheckStatus(context.Background())
}

// connectAndUp drives a fresh harness to Connected.
func (h *harness) connectAndUp(t *testing.T) {
	t.Helper()
	ok, err := h.m.Connect(context.Background(), "cfg", "key")
	require.NoError(t, err)
	require.True(t, ok)
	h.service.setRunning(true)
	h.oracle.set(true, nil)
	require.True(t, h.check())
	require.Equal(t, StateConnected, h.m.State())
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateIdle, "Idle"},
		{StatePermissionPending, "PermissionPending"},
		{StateStarting, "Starting"},
		{StateConnected, "Connected"},
		{StateStopping, "Stopping"},
		{StateDisconnected, "Disconnected"},
		{StateFailed, "Failed"},
		{State(99), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.state.String(); got != tt.expected {
				t.Errorf("State.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestNewManager_RequiresCollaborators(t *testing.T) {
	_, err := NewManager(Deps{}, DefaultOptions())
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t, 5*time.Second, opts.PollInterval)
	assert.Equal(t, 2, opts.StalePolls)

	var zero Options
	zero.applyDefaults()
	assert.Equal(t, opts.StartTimeoutPolls, zero.StartTimeoutPolls)
	assert.NotNil(t, zero.Clock)
}

func TestConnect_ImmediateGrant(t *testing.T) {
	h := newHarness(t)

	ok, err := h.m.Connect(context.Background(), "cfg", "key")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, StateStarting, h.m.State())
	assert.Equal(t, [2]string{"cfg", "key"}, h.store.live)
	starts, _ := h.service.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, "/data/nebula_config.yaml", h.service.lastCfg)

	// Start takes effect asynchronously.
	assert.False(t, h.check())
	assert.Equal(t, StateStarting, h.m.State())

	h.service.setRunning(true)
	h.oracle.set(true, nil)
	assert.True(t, h.check())
	assert.Equal(t, StateConnected, h.m.State())
}

func TestConnect_DeferredThenDenied(t *testing.T) {
	h := newHarness(t)
	h.deferNext("req-1")

	ok, err := h.m.Connect(context.Background(), "cfg", "key")
	require.NoError(t, err)
	assert.False(t, ok)
	st := h.m.Status()
	assert.Equal(t, StatePermissionPending, st.State)
	assert.Equal(t, "req-1", st.PendingID)
	assert.Zero(t, h.store.liveSaves, "nothing is written before consent")

	h.gate.deliver("req-1", false)
	st = h.m.Status()
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, "permission denied", st.Reason)
	assert.ErrorIs(t, st.Err, common.ErrPermissionDenied)
	assert.Empty(t, st.PendingID)

	// Retry is allowed.
	h.gate.decision = common.PermissionDecision{Granted: true}
	ok, err = h.m.Connect(context.Background(), "cfg", "key")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StateStarting, h.m.State())
}

func TestConnect_DeferredThenGranted(t *testing.T) {
	h := newHarness(t)
	h.deferNext("req-1")

	_, err := h.m.Connect(context.Background(), "cfg", "key")
	require.NoError(t, err)

	h.gate.deliver("req-1", true)
	assert.Equal(t, StateStarting, h.m.State())
	assert.Equal(t, [2]string{"cfg", "key"}, h.store.live)
	starts, _ := h.service.counts()
	assert.Equal(t, 1, starts)
}

func TestConnect_ImmediateDenied(t *testing.T) {
	h := newHarness(t)
	h.gate.decision = common.PermissionDecision{Granted: false}

	ok, err := h.m.Connect(context.Background(), "cfg", "key")
	assert.False(t, ok)
	assert.ErrorIs(t, err, common.ErrPermissionDenied)
	assert.Equal(t, StateFailed, h.m.State())
	starts, _ := h.service.counts()
	assert.Zero(t, starts)
}

func TestConnect_SecondRequestWhilePendingIsRejected(t *testing.T) {
	h := newHarness(t)
	h.deferNext("req-1")

	_, err := h.m.Connect(context.Background(), "cfg-1", "key-1")
	require.NoError(t, err)

	ok, err := h.m.Connect(context.Background(), "cfg-2", "key-2")
	assert.False(t, ok)
	assert.ErrorIs(t, err, common.ErrPermissionRequestInProgress)
	assert.Equal(t, 1, h.gate.requests)

	// The first request is intact and is the one that starts.
	h.gate.deliver("req-1", true)
	assert.Equal(t, [2]string{"cfg-1", "key-1"}, h.store.live)
}

func TestConnect_StaleResultIsNoop(t *testing.T) {
	h := newHarness(t)
	h.deferNext("req-1")

	_, err := h.m.Connect(context.Background(), "cfg", "key")
	require.NoError(t, err)

	h.gate.deliver("other", true)
	assert.Equal(t, StatePermissionPending, h.m.State())

	_, err = h.m.Disconnect()
	require.NoError(t, err)
	assert.Equal(t, []string{"req-1"}, h.gate.cancelled)
	assert.Equal(t, StateDisconnected, h.m.State())

	// Late answer for the cancelled request changes nothing.
	h.gate.deliver("req-1", true)
	assert.Equal(t, StateDisconnected, h.m.State())
	starts, _ := h.service.counts()
	assert.Zero(t, starts)
}

func TestConnect_ResultBeforeRequestReturns(t *testing.T) {
	h := newHarness(t)
	h.deferNext("req-fast")
	h.gate.during = func() { h.gate.deliver("req-fast", true) }

	ok, err := h.m.Connect(context.Background(), "cfg", "key")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StateStarting, h.m.State())
}

func TestConnect_StateGuards(t *testing.T) {
	h := newHarness(t)

	_, err := h.m.Connect(context.Background(), "", "key")
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
	_, err = h.m.Connect(context.Background(), "cfg", "")
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	h.connectAndUp(t)
	_, err = h.m.Connect(context.Background(), "cfg", "key")
	assert.ErrorIs(t, err, common.ErrAlreadyConnected)

	_, err = h.m.Disconnect()
	require.NoError(t, err)
	_, err = h.m.Connect(context.Background(), "cfg", "key")
	assert.ErrorIs(t, err, common.ErrSessionBusy)
}

func TestConnect_PersistFailure(t *testing.T) {
	h := newHarness(t)
	h.store.err = common.WrapError(common.ErrConfigPersist, "disk full")

	ok, err := h.m.Connect(context.Background(), "cfg", "key")
	assert.False(t, ok)
	assert.ErrorIs(t, err, common.ErrConfigPersist)
	assert.Equal(t, StateFailed, h.m.State())
	starts, _ := h.service.counts()
	assert.Zero(t, starts, "start must not be issued when files were not written")
}

func TestConnect_ServiceUnavailable(t *testing.T) {
	h := newHarness(t)
	h.service.startErr = common.ErrServiceUnavailable

	_, err := h.m.Connect(context.Background(), "cfg", "key")
	assert.ErrorIs(t, err, common.ErrServiceUnavailable)
	st := h.m.Status()
	assert.Equal(t, StateFailed, st.State)
	assert.ErrorIs(t, st.Err, common.ErrServiceUnavailable)
}

func TestConnect_GateError(t *testing.T) {
	h := newHarness(t)
	h.gate.err = errors.New("polkit unavailable")

	_, err := h.m.Connect(context.Background(), "cfg", "key")
	assert.Error(t, err)
	assert.Equal(t, StateFailed, h.m.State())

	h.gate.err = common.ErrPermissionRequestInProgress
	_, err = h.m.Connect(context.Background(), "cfg", "key")
	assert.ErrorIs(t, err, common.ErrPermissionRequestInProgress)
	assert.Equal(t, StateFailed, h.m.State())
}

func TestConnect_AdoptedWhileRequesting(t *testing.T) {
	h := newHarness(t)
	h.deferNext("req-1")
	h.gate.during = func() {
		h.service.setRunning(true)
		h.oracle.set(true, nil)
		h.check()
	}

	_, err := h.m.Connect(context.Background(), "cfg", "key")
	assert.ErrorIs(t, err, common.ErrAlreadyConnected)
	assert.Equal(t, StateConnected, h.m.State())
	assert.Equal(t, []string{"req-1"}, h.gate.cancelled)
}

func TestConnect_GateErrorAfterAdoption(t *testing.T) {
	h := newHarness(t)
	h.gate.err = errors.New("polkit unavailable")
	h.gate.during = func() {
		h.service.setRunning(true)
		h.oracle.set(true, nil)
		h.check()
	}

	_, err := h.m.Connect(context.Background(), "cfg", "key")
	assert.ErrorIs(t, err, common.ErrAlreadyConnected)
	assert.Equal(t, StateConnected, h.m.State())
	assert.NotContains(t, h.observer.permissions, "error")
	_, stops := h.service.counts()
	assert.Zero(t, stops)
}

func TestPermissionTimeout(t *testing.T) {
	h := newHarness(t)
	h.deferNext("req-1")

	_, err := h.m.Connect(context.Background(), "cfg", "key")
	require.NoError(t, err)

	h.clock.Add(time.Minute)
	assert.False(t, h.check())
	assert.Equal(t, StatePermissionPending, h.m.State())

	h.clock.Add(time.Minute)
	assert.False(t, h.check())
	st := h.m.Status()
	assert.Equal(t, StateFailed, st.State)
	assert.ErrorIs(t, st.Err, common.ErrPermissionTimeout)
	assert.Equal(t, []string{"req-1"}, h.gate.cancelled)

	// A grant for the timed-out request is a no-op.
	h.gate.deliver("req-1", true)
	assert.Equal(t, StateFailed, h.m.State())
}

func TestStartTimeout(t *testing.T) {
	h := newHarness(t)

	_, err := h.m.Connect(context.Background(), "cfg", "key")
	require.NoError(t, err)

	// Service comes up but the interface never does.
	h.service.setRunning(true)
	for i := 1; i < common.StartTimeoutPolls; i++ {
		assert.False(t, h.check())
		assert.Equal(t, StateStarting, h.m.State(), "poll %d", i)
	}
	assert.False(t, h.check())

	st := h.m.Status()
	assert.Equal(t, StateFailed, st.State)
	assert.ErrorIs(t, st.Err, common.ErrReconciliationTimeout)
	_, stops := h.service.counts()
	assert.Equal(t, 1, stops, "service is stopped defensively")
}

func TestStaleConnectedSession(t *testing.T) {
	h := newHarness(t)
	h.connectAndUp(t)

	// The OS tore the interface down; the service still claims liveness.
	h.oracle.set(false, nil)

	assert.False(t, h.check())
	assert.Equal(t, StateConnected, h.m.State(), "one disagreeing poll is tolerated")
	_, stops := h.service.counts()
	assert.Zero(t, stops)

	assert.False(t, h.check())
	assert.Equal(t, StateStopping, h.m.State())
	_, stops = h.service.counts()
	assert.Equal(t, 1, stops)

	h.service.setRunning(false)
	assert.False(t, h.check())
	st := h.m.Status()
	assert.Equal(t, StateDisconnected, st.State)
	assert.NoError(t, st.Err)
}

func TestStaleRecoversWhenSignalsAgreeAgain(t *testing.T) {
	h := newHarness(t)
	h.connectAndUp(t)

	h.oracle.set(false, nil)
	assert.False(t, h.check())
	h.oracle.set(true, nil)
	assert.True(t, h.check())

	h.oracle.set(false, nil)
	assert.False(t, h.check())
	assert.Equal(t, StateConnected, h.m.State(), "disagreement count restarts after agreement")
}

func TestStaleWithForeignInterface(t *testing.T) {
	h := newHarness(t)
	h.connectAndUp(t)

	// Service died but some other VPN interface is up.
	h.service.setRunning(false)
	h.check()
	h.check()
	assert.Equal(t, StateDisconnected, h.m.State())
	_, stops := h.service.counts()
	assert.Zero(t, stops)
}

func TestUnsolicitedTermination(t *testing.T) {
	h := newHarness(t)
	h.connectAndUp(t)

	h.service.setRunning(false)
	h.oracle.set(false, nil)
	assert.False(t, h.check())
	st := h.m.Status()
	assert.Equal(t, StateDisconnected, st.State)
	assert.NoError(t, st.Err)
}

func TestDisconnect(t *testing.T) {
	h := newHarness(t)

	ok, err := h.m.Disconnect()
	assert.False(t, ok)
	assert.ErrorIs(t, err, common.ErrNotConnected)

	h.connectAndUp(t)
	ok, err = h.m.Disconnect()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StateStopping, h.m.State())

	// Still running after StopTimeoutPolls: stop is re-issued.
	for i := 0; i < common.StopTimeoutPolls; i++ {
		h.check()
	}
	_, stops := h.service.counts()
	assert.Equal(t, 2, stops)
	assert.Equal(t, StateStopping, h.m.State())

	h.service.setRunning(false)
	h.oracle.set(false, nil)
	h.check()
	assert.Equal(t, StateDisconnected, h.m.State())

	_, err = h.m.Disconnect()
	assert.ErrorIs(t, err, common.ErrNotConnected)
}

func TestDisconnect_WhileStarting(t *testing.T) {
	h := newHarness(t)
	h.service.stopHalts = true

	_, err := h.m.Connect(context.Background(), "cfg", "key")
	require.NoError(t, err)

	ok, err := h.m.Disconnect()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StateStopping, h.m.State())

	h.check()
	assert.Equal(t, StateDisconnected, h.m.State())
}

func TestDisconnect_StopFailureKeepsState(t *testing.T) {
	h := newHarness(t)
	h.connectAndUp(t)
	h.service.stopErr = common.ErrServiceUnavailable

	_, err := h.m.Disconnect()
	assert.ErrorIs(t, err, common.ErrServiceUnavailable)
	assert.Equal(t, StateConnected, h.m.State())
}

func TestDisconnect_LeftoverService(t *testing.T) {
	h := newHarness(t)
	h.service.setRunning(true)
	h.service.stopHalts = true

	ok, err := h.m.Disconnect()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StateStopping, h.m.State())
}

func TestStoppingWithForeignInterface(t *testing.T) {
	h := newHarness(t)
	h.connectAndUp(t)
	h.service.stopHalts = true

	_, err := h.m.Disconnect()
	require.NoError(t, err)

	// Our service is gone; another VPN keeps an interface up.
	for i := 1; i < common.StopTimeoutPolls; i++ {
		h.check()
		assert.Equal(t, StateStopping, h.m.State())
	}
	h.check()
	assert.Equal(t, StateDisconnected, h.m.State())
}

func TestAdoptRunningSession(t *testing.T) {
	h := newHarness(t)
	h.service.setRunning(true)
	h.oracle.set(true, nil)

	assert.True(t, h.check())
	assert.Equal(t, StateConnected, h.m.State())
	assert.Equal(t, "adopted running session", h.m.Status().Reason)
}

func TestOrphanServiceIsStopped(t *testing.T) {
	h := newHarness(t)
	h.service.setRunning(true)

	h.check()
	_, stops := h.service.counts()
	assert.Zero(t, stops)

	h.check()
	_, stops = h.service.counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, StateIdle, h.m.State())
}

func TestOracleErrorIsTransient(t *testing.T) {
	h := newHarness(t)
	h.connectAndUp(t)

	h.oracle.set(false, errors.New("dbus timeout"))
	for i := 0; i < 5; i++ {
		assert.False(t, h.check())
	}
	assert.Equal(t, StateConnected, h.m.State())
	_, stops := h.service.counts()
	assert.Zero(t, stops)

	h.oracle.set(true, nil)
	assert.True(t, h.check())
	assert.Equal(t, 5, h.observer.reconciles[reconcileOracleError])
}

func TestCheckStatus_Idempotent(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, h.check(), h.check())

	h.connectAndUp(t)
	assert.True(t, h.check())
	assert.True(t, h.check())

	h.oracle.set(false, nil)
	first := h.check()
	second := h.check()
	assert.False(t, first)
	assert.Equal(t, first, second)
}

func TestCheckStatus_NeverConnectedOnOneSignal(t *testing.T) {
	signals := []struct{ running, present bool }{
		{true, false}, {false, true}, {false, false},
	}
	for _, s := range signals {
		h := newHarness(t)
		_, err := h.m.Connect(context.Background(), "cfg", "key")
		require.NoError(t, err)
		h.service.setRunning(s.running)
		h.oracle.set(s.present, nil)

		for i := 0; i < 10; i++ {
			assert.False(t, h.check())
			assert.NotEqual(t, StateConnected, h.m.State())
		}
	}
}

func TestCheckStatus_SampleAcrossDisconnectIsDropped(t *testing.T) {
	h := newHarness(t)
	h.connectAndUp(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	h.oracle.setDuring(func() {
		close(entered)
		<-release
	})

	result := make(chan bool, 1)
	go func() { result <- h.check() }()
	<-entered

	// The blocked poll sampled running=true, present=true.
	_, err := h.m.Disconnect()
	require.NoError(t, err)
	h.service.setRunning(false)
	h.oracle.set(false, nil)
	assert.False(t, h.check())
	require.Equal(t, StateDisconnected, h.m.State())

	close(release)
	select {
	case ok := <-result:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked poll did not return")
	}
	assert.Equal(t, StateDisconnected, h.m.State())

	h.observer.mu.Lock()
	defer h.observer.mu.Unlock()
	assert.Equal(t, 1, h.observer.reconciles[reconcileSuperseded])
	assert.NotContains(t, h.observer.transitions, "Disconnected->Connected")
}

func TestCheckStatus_InterleavedPollsWithoutTransition(t *testing.T) {
	h := newHarness(t)
	h.connectAndUp(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	h.oracle.setDuring(func() {
		close(entered)
		<-release
	})

	result := make(chan bool, 1)
	go func() { result <- h.check() }()
	<-entered

	assert.True(t, h.check())
	close(release)
	select {
	case ok := <-result:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked poll did not return")
	}
	assert.Equal(t, StateConnected, h.m.State())
}

func TestTransitionsFollowCallOrder(t *testing.T) {
	h := newHarness(t)
	h.service.stopHalts = true

	var mu sync.Mutex
	var seen []Transition
	done := make(chan struct{}, 16)
	h.m.OnStateChange(func(tr Transition) {
		mu.Lock()
		seen = append(seen, tr)
		mu.Unlock()
		done <- struct{}{}
	})

	h.connectAndUp(t)
	_, err := h.m.Disconnect()
	require.NoError(t, err)
	h.oracle.set(false, nil)
	h.check()

	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("listener not called")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"Idle->Starting", "Starting->Connected", "Connected->Stopping", "Stopping->Disconnected"}
	got := make([]string, len(seen))
	bySeq := make(map[uint64]Transition)
	for _, tr := range seen {
		bySeq[tr.Seq] = tr
	}
	for i := range got {
		tr := bySeq[uint64(i+1)]
		got[i] = tr.From.String() + "->" + tr.To.String()
	}
	assert.Equal(t, want, got)
	assert.Equal(t, want, h.observer.transitions)
}

func TestTestConfig(t *testing.T) {
	h := newHarness(t)

	ok, err := h.m.TestConfig(context.Background(), "cfg", "key")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, [2]string{"cfg", "key"}, h.store.test)
	assert.Zero(t, h.store.liveSaves)
	assert.Equal(t, []string{"/data/test_config.yaml", "/data/test_key.txt"}, h.checker.paths)

	h.checker.err = common.WrapError(common.ErrInvalidConfig, "missing pki.ca")
	ok, err = h.m.TestConfig(context.Background(), "cfg", "key")
	assert.False(t, ok)
	assert.ErrorIs(t, err, common.ErrInvalidConfig)

	_, err = h.m.TestConfig(context.Background(), "", "key")
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	h.store.err = common.ErrConfigPersist
	_, err = h.m.TestConfig(context.Background(), "cfg", "key")
	assert.ErrorIs(t, err, common.ErrConfigPersist)
	assert.Equal(t, StateIdle, h.m.State(), "testing never changes the session")
}

func TestGetHostmap(t *testing.T) {
	h := newHarness(t)
	h.service.hosts = map[string]common.HostInfo{
		"100.64.0.1": {Name: "lighthouse", RemoteAddress: "lh.example.net:4242", ConnectionActive: true,
			LastHandshake: time.Now().Unix()},
	}

	hm, err := h.m.GetHostmap()
	require.NoError(t, err)
	assert.Empty(t, hm)

	h.connectAndUp(t)
	hm, err = h.m.GetHostmap()
	require.NoError(t, err)
	require.Contains(t, hm, "100.64.0.1")
	assert.LessOrEqual(t, hm["100.64.0.1"].LastHandshake, time.Now().Unix())
}

func TestRebind(t *testing.T) {
	h := newHarness(t)

	ok, err := h.m.Rebind("network changed")
	require.NoError(t, err)
	assert.False(t, ok)

	h.service.setRunning(true)
	ok, err = h.m.Rebind("network changed")
	require.NoError(t, err)
	assert.True(t, ok, "not connected returns the running state")
	assert.Empty(t, h.service.rebinds)

	h.oracle.set(true, nil)
	h.check()
	ok, err = h.m.Rebind("network changed")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"network changed"}, h.service.rebinds)
}

func TestPingHost(t *testing.T) {
	h := newHarness(t)

	_, err := h.m.PingHost(context.Background(), "100.64.0.1")
	assert.ErrorIs(t, err, common.ErrNotConnected)
	assert.Zero(t, h.pinger.calls, "ping must not run when not connected")

	_, err = h.m.PingHost(context.Background(), "")
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
	_, err = h.m.PingHost(context.Background(), "-f")
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	h.service.setRunning(true)
	h.oracle.set(true, nil)
	h.check()
	ok, err := h.m.PingHost(context.Background(), "100.64.0.1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, h.pinger.calls)
	assert.Equal(t, 1, h.observer.pings)
}

func TestRun_PollsOnTicker(t *testing.T) {
	h := newHarness(t)
	h.service.setRunning(true)
	h.oracle.set(true, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.m.Run(ctx)
		close(done)
	}()

	// The first poll runs immediately and adopts the session.
	require.Eventually(t, func() bool { return h.m.State() == StateConnected }, 2*time.Second, time.Millisecond)

	h.service.setRunning(false)
	h.oracle.set(false, nil)
	require.Eventually(t, func() bool {
		h.clock.Add(common.PollInterval)
		return h.m.State() == StateDisconnected
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestConcurrentOperations(t *testing.T) {
	h := newHarness(t)
	h.service.setRunning(true)
	h.oracle.set(true, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				h.m.CheckStatus(context.Background())
				_, _ = h.m.Connect(context.Background(), "cfg", "key")
				_, _ = h.m.GetHostmap()
				_ = h.m.Status()
				_, _ = h.m.Disconnect()
			}
		}()
	}
	wg.Wait()

	// Whatever interleaving happened, the session ends in a known state
	// and a pending request always has an id.
	st := h.m.Status()
	assert.NotEqual(t, "Unknown", st.State.String())
	if st.State == StatePermissionPending {
		assert.NotEmpty(t, st.PendingID)
	}
}
