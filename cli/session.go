package cli

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/yllada/nebula-manager/common"
	"github.com/yllada/nebula-manager/config"
	"github.com/yllada/nebula-manager/diag"
	"github.com/yllada/nebula-manager/history"
	"github.com/yllada/nebula-manager/metrics"
	"github.com/yllada/nebula-manager/netstate"
	"github.com/yllada/nebula-manager/permission"
	"github.com/yllada/nebula-manager/store"
	"github.com/yllada/nebula-manager/tunnel"
	"github.com/yllada/nebula-manager/vpn"
)

const serviceStartWait = 2 * time.Second

// session is the runtime graph behind the run command: the tunnel
// service, the manager and its reconciliation loop, and the optional
// metrics endpoint and history journal.
type session struct {
	manager *vpn.Manager
	service *tunnel.Service
	journal *history.Store
	log     common.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	errs error
}

func managerOptions(cfg *config.Config) vpn.Options {
	return vpn.Options{
		PollInterval:      cfg.Reconcile.Interval,
		StartTimeoutPolls: cfg.Reconcile.StartTimeoutPolls,
		StalePolls:        cfg.Reconcile.StalePolls,
		StopTimeoutPolls:  cfg.Reconcile.StopTimeoutPolls,
		PermissionTimeout: cfg.Reconcile.PermissionTimeout,
		OracleTimeout:     cfg.Reconcile.OracleTimeout,
	}
}

// openSession builds and starts the runtime graph. Background goroutines
// are detached from ctx so a signal can still disconnect cleanly; they stop
// on close.
func openSession(ctx context.Context, cfg *config.Config, files *store.Store) (*session, error) {
	oracle, err := netstate.New(ctx, cfg.Oracle, cfg.Engine.InterfacePrefixes)
	if err != nil {
		return nil, fmt.Errorf("connectivity oracle: %w", err)
	}
	gate, err := permission.New(cfg.Permission.Mode, cfg.Permission.ActionID)
	if err != nil {
		return nil, fmt.Errorf("permission gate: %w", err)
	}

	engine := tunnel.NewProcessEngine(cfg.Engine.Binary, cfg.Engine.Elevate, files.Dir())
	service := tunnel.NewService(engine)

	opts := managerOptions(cfg)
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		opts.Observer = m
	}

	manager, err := vpn.NewManager(vpn.Deps{
		Service: service,
		Oracle:  oracle,
		Gate:    gate,
		Store:   files,
		Checker: tunnel.NewChecker(engine),
		Pinger:  diag.NewExecPinger(cfg.Ping.Count, cfg.Ping.Wait, cfg.Ping.Timeout),
	}, opts)
	if err != nil {
		return nil, err
	}

	s := &session{
		manager: manager,
		service: service,
		log:     common.Component("cli"),
	}

	if cfg.History.Enabled {
		journal, err := history.Open(cfg.HistoryPath(files.Dir()))
		if err != nil {
			s.log.Warn("Transition history disabled: %v", err)
		} else {
			s.journal = journal
			manager.OnStateChange(func(t vpn.Transition) {
				journal.Observe(t.Seq, t.From.String(), t.To.String(), t.Reason, t.At)
			})
		}
	}

	bg, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.goRun(bg, "tunnel service", service.Run)
	if !waitFor(ctx, service.Alive, serviceStartWait) {
		return nil, multierr.Append(common.ErrServiceUnavailable, s.close())
	}

	if m != nil {
		server := metrics.NewServer(cfg.Metrics.Listen, m.Router(service.Alive))
		s.goRun(bg, "metrics server", server.Run)
	}
	s.goRun(bg, "reconciliation", func(ctx context.Context) error {
		manager.Run(ctx)
		return nil
	})

	return s, nil
}

func (s *session) goRun(ctx context.Context, name string, run func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := run(ctx); err != nil {
			s.log.Warn("%s stopped: %v", name, err)
			s.mu.Lock()
			s.errs = multierr.Append(s.errs, fmt.Errorf("%s: %w", name, err))
			s.mu.Unlock()
		}
	}()
}

// shutdown disconnects and waits until the session settles or timeout
// passes.
func (s *session) shutdown(timeout time.Duration) error {
	if _, err := s.manager.Disconnect(); err != nil {
		if errors.Is(err, common.ErrNotConnected) {
			return nil
		}
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		s.manager.CheckStatus(ctx)
		if settled(s.manager.State()) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("session did not stop within %s", timeout)
		case <-ticker.C:
		}
	}
}

// close stops the background goroutines and releases the journal.
func (s *session) close() error {
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	err := s.errs
	s.mu.Unlock()
	if s.journal != nil {
		err = multierr.Append(err, s.journal.Close())
	}
	return err
}

func settled(st vpn.State) bool {
	switch st {
	case vpn.StateIdle, vpn.StateDisconnected, vpn.StateFailed:
		return true
	}
	return false
}

// waitFor polls cond until it holds, ctx ends or timeout passes.
func waitFor(ctx context.Context, cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for !cond() {
		if ctx.Err() != nil || time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
	return true
}
