// Package tunnel runs the Nebula engine as a long-lived background service.
//
// Service is a single goroutine that owns the engine and processes start and
// stop commands from a queue. Commands return as soon as they are queued;
// callers observe their effect through IsRunning.
package tunnel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/yllada/nebula-manager/common"
)

// Files are the persisted configuration and key an engine runs from.
type Files struct {
	ConfigPath string
	KeyPath    string
}

// Engine runs one tunnel at a time.
type Engine interface {
	// Run brings the tunnel up and blocks until ctx is cancelled or the
	// tunnel exits. ready is called once the interface is up.
	Run(ctx context.Context, files Files, ready func()) error
	// Rebind re-binds the engine's UDP listener.
	Rebind(reason string) error
	// Hostmap returns the engine's peers keyed by overlay IP.
	Hostmap() map[string]common.HostInfo
	// Test validates files without bringing a tunnel up.
	Test(ctx context.Context, files Files) error
}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdStop
)

type command struct {
	kind  commandKind
	files Files
}

// Service owns an Engine and implements common.TunnelService.
type Service struct {
	engine Engine
	log    common.Logger

	cmds    chan command
	alive   atomic.Bool
	running atomic.Bool

	// StopTimeout bounds how long shutdown waits for the engine to exit.
	StopTimeout time.Duration

	mu      sync.Mutex
	lastErr error
}

// NewService creates a service around engine. Call Run to start processing
// commands.
func NewService(engine Engine) *Service {
	return &Service{
		engine:      engine,
		log:         common.Component("tunnel"),
		cmds:        make(chan command, 8),
		StopTimeout: common.StopWaitTimeout,
	}
}

// Run processes commands until ctx is cancelled, then stops any running
// tunnel. It must be called exactly once.
func (s *Service) Run(ctx context.Context) error {
	s.alive.Store(true)
	defer s.alive.Store(false)

	var (
		cancelRun context.CancelFunc
		runDone   chan error
		// next is a start received while the previous run was shutting down.
		next *Files
	)

	stopEngine := func() {
		if cancelRun != nil {
			cancelRun()
			cancelRun = nil
		}
	}

	launch := func(files Files) {
		runCtx, cancel := context.WithCancel(ctx)
		cancelRun = cancel
		runDone = make(chan error, 1)
		done := runDone
		s.log.Info("Starting tunnel from %s", files.ConfigPath)
		go func() {
			done <- s.engine.Run(runCtx, files, func() {
				s.log.Info("Tunnel is up")
				s.running.Store(true)
			})
		}()
	}

	for {
		select {
		case <-ctx.Done():
			stopEngine()
			var err error
			if runDone != nil {
				select {
				case runErr := <-runDone:
					err = multierr.Append(err, runErr)
				case <-time.After(s.StopTimeout):
					err = multierr.Append(err, errors.New("engine did not stop in time"))
				}
			}
			s.running.Store(false)
			return err

		case cmd := <-s.cmds:
			switch cmd.kind {
			case cmdStart:
				switch {
				case runDone == nil:
					launch(cmd.files)
				case cancelRun == nil:
					s.log.Info("Start queued until the previous tunnel exits")
					files := cmd.files
					next = &files
				default:
					s.log.Info("Start ignored, tunnel already active")
				}
			case cmdStop:
				if next != nil {
					s.log.Info("Queued start cancelled")
					next = nil
				}
				if runDone == nil {
					s.log.Debug("Stop ignored, no tunnel active")
					continue
				}
				s.log.Info("Stopping tunnel")
				stopEngine()
			}

		case err := <-runDone:
			runDone = nil
			if cancelRun != nil {
				cancelRun()
				cancelRun = nil
			}
			s.running.Store(false)
			s.setLastErr(err)
			if err != nil {
				s.log.Warn("Tunnel exited: %v", err)
			} else {
				s.log.Info("Tunnel exited")
			}
			if next != nil {
				files := *next
				next = nil
				launch(files)
			}
		}
	}
}

// Alive reports whether Run is processing commands.
func (s *Service) Alive() bool {
	return s.alive.Load()
}

func (s *Service) send(cmd command) error {
	if !s.alive.Load() {
		return common.WrapError(common.ErrServiceUnavailable, "service not running")
	}
	select {
	case s.cmds <- cmd:
		return nil
	default:
		return common.WrapError(common.ErrServiceUnavailable, "command queue full")
	}
}

// Start implements common.TunnelService.
func (s *Service) Start(configPath, keyPath string) error {
	return s.send(command{kind: cmdStart, files: Files{ConfigPath: configPath, KeyPath: keyPath}})
}

// Stop implements common.TunnelService.
func (s *Service) Stop() error {
	return s.send(command{kind: cmdStop})
}

// IsRunning implements common.TunnelService.
func (s *Service) IsRunning() bool {
	return s.running.Load()
}

// Hostmap implements common.TunnelService.
func (s *Service) Hostmap() (map[string]common.HostInfo, error) {
	if !s.running.Load() {
		return map[string]common.HostInfo{}, nil
	}
	return s.engine.Hostmap(), nil
}

// Rebind implements common.TunnelService.
func (s *Service) Rebind(reason string) error {
	if !s.running.Load() {
		return common.ErrNotConnected
	}
	s.log.Info("Rebinding tunnel: %s", reason)
	return s.engine.Rebind(reason)
}

// LastError returns the error the most recent tunnel exited with.
func (s *Service) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Service) setLastErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = err
}
