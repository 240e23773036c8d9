package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/term"

	"github.com/yllada/nebula-manager/common"
	"github.com/yllada/nebula-manager/vpn"
)

func (c *CLI) runCommand() *cobra.Command {
	var (
		nebulaConfig string
		keyPath      string
		noConsole    bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect and keep the session reconciled until exit",
		Long: `Connect to the Nebula network and keep the session consistent with the
system until interrupted.

Without --nebula-config the configuration of the last session is reused.
With remember_key enabled the private key is stored in the system keyring
and --key may be omitted on later runs.`,
		Example: `  nebula-manager run -n ~/nebula/config.yml -k ~/nebula/host.key
  nebula-manager run -k -
  nebula-manager run --no-console`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run(cmd.Context(), nebulaConfig, keyPath, noConsole)
		},
	}
	cmd.Flags().StringVarP(&nebulaConfig, "nebula-config", "n", "", "Nebula configuration file (default: last session)")
	cmd.Flags().StringVarP(&keyPath, "key", "k", "", `private key file, or "-" to read it from stdin`)
	cmd.Flags().BoolVar(&noConsole, "no-console", false, "do not read commands from stdin; run until interrupted")
	return cmd
}

func (c *CLI) run(ctx context.Context, nebulaConfig, keyPath string, noConsole bool) (err error) {
	config, key, err := c.sessionInputs(nebulaConfig, keyPath)
	if err != nil {
		return err
	}

	s, err := openSession(ctx, c.cfg, c.files)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, s.close())
	}()

	out := &lockedWriter{w: c.out}
	interactive := !noConsole && keyPath != "-" && term.IsTerminal(stdinFd())
	con := newConsole(s.manager, out, interactive)
	s.manager.OnStateChange(con.announce)

	fmt.Fprintln(out, "Connecting...")
	started, err := s.manager.Connect(ctx, config, key)
	switch {
	case err != nil:
		return fmt.Errorf("connection failed: %w", err)
	case !started:
		fmt.Fprintln(out, "Waiting for authorization...")
	}

	if noConsole || keyPath == "-" {
		<-ctx.Done()
	} else {
		if interactive {
			fmt.Fprintln(out, "Type help for a list of commands.")
		}
		con.serve(ctx, c.in)
	}

	fmt.Fprintln(out, "Disconnecting...")
	if err := s.shutdown(common.StopWaitTimeout); err != nil {
		return err
	}
	if st := s.manager.Status(); st.State == vpn.StateFailed && st.Err != nil {
		fmt.Fprintf(out, "Session ended with error: %v\n", st.Err)
	}
	fmt.Fprintln(out, "✓ Disconnected")
	return nil
}
