// Package cli provides the command-line interface for Nebula Manager.
// It wires the session manager to the nebula binary, polkit and
// NetworkManager and drives it from the terminal.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yllada/nebula-manager/common"
	"github.com/yllada/nebula-manager/config"
	"github.com/yllada/nebula-manager/history"
	"github.com/yllada/nebula-manager/keyring"
	"github.com/yllada/nebula-manager/store"
	"github.com/yllada/nebula-manager/tunnel"
)

// BuildInfo is injected by main from ldflags.
type BuildInfo struct {
	Version   string
	BuildTime string
	Commit    string
}

// CLI holds the state shared by all commands.
type CLI struct {
	build BuildInfo
	out   io.Writer
	errw  io.Writer
	in    io.Reader

	configPath string
	verbose    bool

	cfg     *config.Config
	dataDir string
	files   *store.Store
}

// New creates a CLI writing to stdout and stderr.
func New(build BuildInfo) *CLI {
	return &CLI{
		build: build,
		out:   os.Stdout,
		errw:  os.Stderr,
		in:    os.Stdin,
	}
}

// RootCommand builds the command tree.
func (c *CLI) RootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "nebula-manager",
		Short:         "Nebula mesh VPN session manager",
		Long:          `Nebula Manager starts, stops and monitors a Nebula tunnel and keeps its reported state consistent with the system.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return c.setup()
		},
	}
	root.SetOut(c.out)
	root.SetErr(c.errw)
	root.SetIn(c.in)

	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "application config file (default ~/.config/nebula-manager/config.yaml)")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		c.runCommand(),
		c.testConfigCommand(),
		c.historyCommand(),
		c.forgetKeyCommand(),
		c.versionCommand(),
	)
	return root
}

// setup loads the application config, the logger and the data directory.
func (c *CLI) setup() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		if cfg == nil {
			return err
		}
		fmt.Fprintf(c.errw, "Warning: could not write default config: %v\n", err)
	}
	c.cfg = cfg

	dir, err := cfg.ResolveDataDir()
	if err != nil {
		return err
	}
	c.dataDir = dir

	level := common.ParseLogLevel(cfg.Log.Level)
	if c.verbose {
		level = common.LevelDebug
	}
	logCfg := common.LogConfig{Level: level}
	if cfg.Log.File {
		logCfg.Dir = filepath.Join(dir, "logs")
	}
	if err := common.InitLogger(logCfg); err != nil {
		fmt.Fprintf(c.errw, "Warning: Could not initialize file logging: %v\n", err)
	}

	files, err := store.New(dir)
	if err != nil {
		return err
	}
	c.files = files
	return nil
}

func (c *CLI) testConfigCommand() *cobra.Command {
	var nebulaConfig, keyPath string
	cmd := &cobra.Command{
		Use:   "test-config",
		Short: "Validate a Nebula configuration and private key",
		Long: `Validate a Nebula configuration and private key without starting a tunnel.

The files are copied to the test slots in the data directory, checked
statically and then with "nebula -test" when the binary is installed.
The files of a running session are never touched.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if nebulaConfig == "" {
				return fmt.Errorf("%w: --nebula-config is required", common.ErrInvalidArgument)
			}
			raw, err := os.ReadFile(common.ExpandHome(nebulaConfig))
			if err != nil {
				return fmt.Errorf("read nebula config: %w", err)
			}
			key, err := c.readKey(keyPath)
			if err != nil {
				return err
			}
			if key == "" {
				return fmt.Errorf("%w: --key is required", common.ErrInvalidArgument)
			}

			configFile, keyFile, err := c.files.SaveTest(string(raw), key)
			if err != nil {
				return err
			}
			engine := tunnel.NewProcessEngine(c.cfg.Engine.Binary, false, c.dataDir)
			if err := tunnel.NewChecker(engine).CheckFiles(cmd.Context(), configFile, keyFile); err != nil {
				return fmt.Errorf("configuration invalid: %w", err)
			}
			fmt.Fprintln(c.out, "Configuration is valid")
			return nil
		},
	}
	cmd.Flags().StringVarP(&nebulaConfig, "nebula-config", "n", "", "Nebula configuration file")
	cmd.Flags().StringVarP(&keyPath, "key", "k", "", `private key file, or "-" to read it from stdin`)
	return cmd
}

func (c *CLI) historyCommand() *cobra.Command {
	var (
		limit int
		prune time.Duration
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent session state changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			journal, err := history.Open(c.cfg.HistoryPath(c.dataDir))
			if err != nil {
				return err
			}
			defer journal.Close()

			if prune > 0 {
				n, err := journal.Prune(cmd.Context(), time.Now().Add(-prune))
				if err != nil {
					return err
				}
				fmt.Fprintf(c.out, "Removed %d entries older than %s\n", n, prune)
			}

			entries, err := journal.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintln(c.out, "No session history.")
				return nil
			}
			printHistory(c.out, entries)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "number of entries to show (0 for all)")
	cmd.Flags().DurationVar(&prune, "prune", 0, "delete entries older than this before listing")
	return cmd
}

func printHistory(out io.Writer, entries []history.Entry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSEQ\tFROM\tTO\tREASON")
	fmt.Fprintln(w, "----\t---\t----\t--\t------")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
			e.At.Local().Format("2006-01-02 15:04:05"), e.Seq, e.From, e.To, e.Reason)
	}
	w.Flush()
}

func (c *CLI) forgetKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "forget-key",
		Short: "Remove the remembered private key",
		RunE: func(cmd *cobra.Command, args []string) error {
			vault := keyring.Open(c.dataDir)
			if !vault.Exists(common.KeyringAccount) {
				fmt.Fprintln(c.out, "No private key is remembered.")
				return nil
			}
			if err := vault.ForgetKey(); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "✓ Private key removed from %s storage\n", vault.Backend())
			return nil
		},
	}
}

func (c *CLI) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(c.out, "%s v%s\n", common.AppName, c.build.Version)
			if c.build.BuildTime != "" && c.build.BuildTime != "unknown" {
				fmt.Fprintf(c.out, "  Build:  %s\n", c.build.BuildTime)
				fmt.Fprintf(c.out, "  Commit: %s\n", c.build.Commit)
			}
		},
	}
}

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, common.ErrInvalidArgument), errors.Is(err, common.ErrInvalidConfig):
		return 2
	default:
		return 1
	}
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
