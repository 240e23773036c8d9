package tunnel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/yllada/nebula-manager/common"
	"github.com/yllada/nebula-manager/store"
)

// Log messages the engine reacts to.
const (
	msgInterfaceActive  = "Nebula interface is active"
	msgHandshake        = "Handshake message received"
	msgTunnelStatus     = "Tunnel status"
	msgCloseTunnel      = "Close tunnel received, tearing down."
	runtimeTestFileName = "runtime_test_config.yaml"
)

// ProcessEngine runs the nebula binary as a child process, elevating with
// pkexec when needed, and builds its hostmap from the process log.
type ProcessEngine struct {
	binary     string
	elevate    bool
	runtimeDir string
	isRoot     func() bool
	now        func() time.Time
	log        common.Logger

	mu    sync.Mutex
	cmd   *exec.Cmd
	hosts map[string]common.HostInfo
}

// NewProcessEngine creates an engine that writes its runtime configuration
// into runtimeDir.
func NewProcessEngine(binary string, elevate bool, runtimeDir string) *ProcessEngine {
	if binary == "" {
		binary = common.DefaultEngineBinary
	}
	return &ProcessEngine{
		binary:     binary,
		elevate:    elevate,
		runtimeDir: runtimeDir,
		isRoot:     func() bool { return os.Geteuid() == 0 },
		now:        time.Now,
		log:        common.Component("engine"),
		hosts:      make(map[string]common.HostInfo),
	}
}

func (e *ProcessEngine) command(ctx context.Context, args ...string) *exec.Cmd {
	if e.elevate && !e.isRoot() {
		return exec.CommandContext(ctx, "pkexec", append([]string{e.binary}, args...)...)
	}
	return exec.CommandContext(ctx, e.binary, args...)
}

func (e *ProcessEngine) prepare(files Files, name string) (string, []byte, error) {
	raw, err := os.ReadFile(files.ConfigPath)
	if err != nil {
		return "", nil, fmt.Errorf("read config: %w", err)
	}
	rendered, err := RenderRuntimeConfig(raw, files.KeyPath)
	if err != nil {
		return "", nil, err
	}
	path := filepath.Join(e.runtimeDir, name)
	if err := store.WriteFileAtomic(path, rendered, 0600); err != nil {
		return "", nil, err
	}
	return path, raw, nil
}

// Run implements Engine.
func (e *ProcessEngine) Run(ctx context.Context, files Files, ready func()) error {
	runtimePath, raw, err := e.prepare(files, common.RuntimeConfigFileName)
	if err != nil {
		return err
	}

	seed, err := SeedHostmap(raw)
	if err != nil {
		return err
	}

	cmd := e.command(ctx, "-config", runtimePath)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = common.StopWaitTimeout

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	e.log.Info("Command: %s", strings.Join(cmd.Args, " "))
	if err := cmd.Start(); err != nil {
		pw.Close()
		return fmt.Errorf("failed to start %s: %w", e.binary, err)
	}
	e.log.Info("Engine process started with PID %d", cmd.Process.Pid)

	e.mu.Lock()
	e.cmd = cmd
	e.hosts = seed
	e.mu.Unlock()

	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		e.monitorOutput(pr, ready)
	}()

	err = cmd.Wait()
	pw.Close()
	<-scanDone

	e.mu.Lock()
	e.cmd = nil
	e.hosts = make(map[string]common.HostInfo)
	e.mu.Unlock()

	if ctx.Err() != nil {
		e.log.Info("Engine process stopped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s exited: %w", e.binary, err)
	}
	return nil
}

// monitorOutput follows the engine log and updates the hostmap.
func (e *ProcessEngine) monitorOutput(r io.Reader, ready func()) {
	var once sync.Once
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		e.log.Debug("nebula: %s", line)

		fields := parseLogfmt(line)
		switch fields["msg"] {
		case msgInterfaceActive:
			once.Do(ready)
		case msgHandshake:
			e.recordHandshake(fields)
		case msgTunnelStatus:
			if strings.Contains(fields["tunnelCheck"], "state:dead") {
				e.markInactive(vpnAddr(fields))
			}
		case msgCloseTunnel:
			e.markInactive(vpnAddr(fields))
		}
	}
	// Drain so the writer never blocks after a scanner error.
	_, _ = io.Copy(io.Discard, r)
}

func vpnAddr(fields map[string]string) string {
	if ip := fields["vpnIp"]; ip != "" {
		return ip
	}
	addrs := strings.Trim(fields["vpnAddrs"], "[]")
	if i := strings.IndexByte(addrs, ' '); i >= 0 {
		addrs = addrs[:i]
	}
	return addrs
}

func (e *ProcessEngine) recordHandshake(fields map[string]string) {
	ip := vpnAddr(fields)
	if ip == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	info := e.hosts[ip]
	if name := fields["certName"]; name != "" && info.Name == "" {
		info.Name = name
	}
	if addr := fields["udpAddr"]; addr != "" {
		info.RemoteAddress = addr
	}
	info.ConnectionActive = true
	info.LastHandshake = e.now().Unix()
	e.hosts[ip] = info
}

func (e *ProcessEngine) markInactive(ip string) {
	if ip == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if info, ok := e.hosts[ip]; ok {
		info.ConnectionActive = false
		e.hosts[ip] = info
	}
}

// Hostmap implements Engine.
func (e *ProcessEngine) Hostmap() map[string]common.HostInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]common.HostInfo, len(e.hosts))
	for k, v := range e.hosts {
		out[k] = v
	}
	return out
}

// Rebind implements Engine. SIGHUP makes nebula reload its configuration
// and re-bind its listener.
func (e *ProcessEngine) Rebind(reason string) error {
	e.mu.Lock()
	cmd := e.cmd
	e.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return common.ErrNotConnected
	}
	e.log.Info("Sending SIGHUP to PID %d (%s)", cmd.Process.Pid, reason)
	if err := cmd.Process.Signal(syscall.SIGHUP); err != nil {
		return fmt.Errorf("rebind: %w", err)
	}
	return nil
}

// Test implements Engine with "nebula -test". A missing binary is not an
// error: the static check already passed.
func (e *ProcessEngine) Test(ctx context.Context, files Files) error {
	if _, err := exec.LookPath(e.binary); err != nil {
		e.log.Warn("%s not found, skipping engine test", e.binary)
		return nil
	}
	path, _, err := e.prepare(files, runtimeTestFileName)
	if err != nil {
		return err
	}
	defer os.Remove(path)

	out, err := exec.CommandContext(ctx, e.binary, "-test", "-config", path).CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%w: %s", common.ErrInvalidConfig, lastLine(string(out)))
		}
		return fmt.Errorf("run %s -test: %w", e.binary, err)
	}
	return nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

// parseLogfmt splits a logrus text line into key/value pairs. Quoted values
// may contain spaces and backslash escapes.
func parseLogfmt(line string) map[string]string {
	fields := make(map[string]string)
	i := 0
	for i < len(line) {
		for i < len(line) && line[i] == ' ' {
			i++
		}
		start := i
		for i < len(line) && line[i] != '=' && line[i] != ' ' {
			i++
		}
		key := line[start:i]
		if i >= len(line) || line[i] != '=' {
			if key != "" {
				fields[key] = ""
			}
			continue
		}
		i++ // '='

		var val strings.Builder
		if i < len(line) && line[i] == '"' {
			i++
			for i < len(line) && line[i] != '"' {
				if line[i] == '\\' && i+1 < len(line) {
					i++
				}
				val.WriteByte(line[i])
				i++
			}
			i++ // closing quote
		} else {
			for i < len(line) && line[i] != ' ' {
				val.WriteByte(line[i])
				i++
			}
		}
		if key != "" {
			fields[key] = val.String()
		}
	}
	return fields
}
