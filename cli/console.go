package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/yllada/nebula-manager/vpn"
)

const consoleHelp = `Commands:
  status            Show the session state
  hostmap           List known peers
  ping HOST         Ping a host across the tunnel
  rebind [REASON]   Re-bind the tunnel after a network change
  disconnect        Stop the tunnel
  quit              Disconnect and exit`

// lockedWriter serializes writes from the console and state listeners.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// console is the interactive prompt of the run command.
type console struct {
	manager *vpn.Manager
	out     io.Writer
	prompt  bool
	now     func() time.Time
}

func newConsole(manager *vpn.Manager, out io.Writer, prompt bool) *console {
	return &console{manager: manager, out: out, prompt: prompt, now: time.Now}
}

// serve reads commands from in until quit, EOF or ctx ends.
func (c *console) serve(ctx context.Context, in io.Reader) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		c.showPrompt()
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if c.execute(ctx, line) {
				return
			}
		}
	}
}

func (c *console) showPrompt() {
	if c.prompt {
		fmt.Fprint(c.out, "nebula> ")
	}
}

// execute runs one command line and reports whether the console should exit.
func (c *console) execute(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	switch cmd, args := strings.ToLower(fields[0]), fields[1:]; cmd {
	case "status":
		c.status()
	case "hostmap":
		c.hostmap()
	case "ping":
		if len(args) != 1 {
			fmt.Fprintln(c.out, "Usage: ping HOST")
			return false
		}
		c.ping(ctx, args[0])
	case "rebind":
		reason := "manual"
		if len(args) > 0 {
			reason = strings.Join(args, " ")
		}
		ok, err := c.manager.Rebind(reason)
		switch {
		case err != nil:
			fmt.Fprintf(c.out, "Error: %v\n", err)
		case ok && c.manager.State() == vpn.StateConnected:
			fmt.Fprintln(c.out, "✓ Rebind requested")
		default:
			fmt.Fprintln(c.out, "Not connected, nothing to rebind.")
		}
	case "disconnect":
		if _, err := c.manager.Disconnect(); err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
			return false
		}
		fmt.Fprintln(c.out, "Disconnecting...")
	case "quit", "exit":
		return true
	case "help", "?":
		fmt.Fprintln(c.out, consoleHelp)
	default:
		fmt.Fprintf(c.out, "Unknown command %q. Type help for a list.\n", cmd)
	}
	return false
}

func (c *console) status() {
	st := c.manager.Status()
	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "State:\t%s\n", st.State)
	fmt.Fprintf(w, "Since:\t%s ago\n", formatDuration(c.now().Sub(st.Since)))
	if st.Reason != "" {
		fmt.Fprintf(w, "Reason:\t%s\n", st.Reason)
	}
	if st.Err != nil {
		fmt.Fprintf(w, "Error:\t%v\n", st.Err)
	}
	if st.PendingID != "" {
		fmt.Fprintf(w, "Request:\t%s\n", st.PendingID)
	}
	w.Flush()
}

func (c *console) hostmap() {
	hosts, err := c.manager.GetHostmap()
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	if len(hosts) == 0 {
		fmt.Fprintln(c.out, "No peers.")
		return
	}

	addrs := make([]string, 0, len(hosts))
	for addr := range hosts {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tNAME\tREMOTE\tACTIVE\tLAST HANDSHAKE")
	fmt.Fprintln(w, "-------\t----\t------\t------\t--------------")
	for _, addr := range addrs {
		h := hosts[addr]
		active := "No"
		if h.ConnectionActive {
			active = "Yes"
		}
		handshake := "-"
		if h.LastHandshake > 0 {
			handshake = formatDuration(c.now().Sub(time.Unix(h.LastHandshake, 0))) + " ago"
		}
		remote := h.RemoteAddress
		if remote == "" {
			remote = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", addr, h.Name, remote, active, handshake)
	}
	w.Flush()
}

func (c *console) ping(ctx context.Context, host string) {
	ok, err := c.manager.PingHost(ctx, host)
	switch {
	case err != nil:
		fmt.Fprintf(c.out, "Error: %v\n", err)
	case ok:
		fmt.Fprintf(c.out, "✓ %s is reachable\n", host)
	default:
		fmt.Fprintf(c.out, "✗ %s did not answer\n", host)
	}
}

// announce prints transitions as they happen.
func (c *console) announce(t vpn.Transition) {
	if t.Reason != "" {
		fmt.Fprintf(c.out, "\n[%s] %s -> %s (%s)\n", t.At.Local().Format("15:04:05"), t.From, t.To, t.Reason)
	} else {
		fmt.Fprintf(c.out, "\n[%s] %s -> %s\n", t.At.Local().Format("15:04:05"), t.From, t.To)
	}
	c.showPrompt()
}
