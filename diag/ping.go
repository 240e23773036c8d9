// Package diag runs bounded reachability probes across the tunnel.
package diag

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/yllada/nebula-manager/common"
)

// ValidateHost accepts an IP address or a syntactically valid host name.
// Anything that could be read as a command-line flag is rejected.
func ValidateHost(host string) error {
	if host == "" {
		return fmt.Errorf("%w: empty host", common.ErrInvalidArgument)
	}
	if strings.HasPrefix(host, "-") || strings.ContainsAny(host, " \t\r\n") {
		return fmt.Errorf("%w: invalid host %q", common.ErrInvalidArgument, host)
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	if _, ok := dns.IsDomainName(host); !ok {
		return fmt.Errorf("%w: invalid host %q", common.ErrInvalidArgument, host)
	}
	return nil
}

// ExecPinger runs the system ping binary.
type ExecPinger struct {
	Binary  string
	Count   int
	Wait    time.Duration
	Timeout time.Duration

	log common.Logger
}

// NewExecPinger creates a pinger sending count probes, waiting wait for
// each reply and giving up after timeout overall.
func NewExecPinger(count int, wait, timeout time.Duration) *ExecPinger {
	if count < 1 {
		count = common.PingCount
	}
	if wait <= 0 {
		wait = common.PingWait
	}
	if timeout <= 0 {
		timeout = common.PingTimeout
	}
	return &ExecPinger{
		Binary:  "ping",
		Count:   count,
		Wait:    wait,
		Timeout: timeout,
		log:     common.Component("diag"),
	}
}

// Args returns the ping arguments for host.
func (p *ExecPinger) Args(host string) []string {
	wait := int(p.Wait / time.Second)
	if wait < 1 {
		wait = 1
	}
	return []string{"-c", strconv.Itoa(p.Count), "-W", strconv.Itoa(wait), host}
}

// Ping implements common.Pinger. An unreachable host is (false, nil); an
// error means the probe itself could not run.
func (p *ExecPinger) Ping(ctx context.Context, host string) (bool, error) {
	if err := ValidateHost(host); err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.Binary, p.Args(host)...)
	out, err := cmd.CombinedOutput()
	if err == nil {
		p.log.Debug("Ping to %s succeeded", host)
		return true, nil
	}

	if ctx.Err() != nil {
		p.log.Info("Ping to %s timed out after %v", host, p.Timeout)
		return false, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		p.log.Info("Ping to %s failed with exit code %d", host, exitErr.ExitCode())
		p.log.Debug("ping output: %s", strings.TrimSpace(string(out)))
		return false, nil
	}
	return false, fmt.Errorf("run %s: %w", p.Binary, err)
}
