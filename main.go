// Package main provides the entry point for Nebula Manager.
// Nebula Manager starts, stops and monitors a Nebula mesh VPN tunnel from
// the terminal and keeps its reported state consistent with the system.
//
// Features:
//   - Permission requests through polkit before the tunnel is started
//   - Reconciliation of tunnel liveness with NetworkManager's active connections
//   - Optional private key storage using the system keyring
//   - Transition history and Prometheus metrics
//
// Usage:
//
//	nebula-manager run --nebula-config config.yml --key host.key
//
// Environment:
//
//	The application requires the nebula binary to be installed on the system.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/yllada/nebula-manager/cli"
	"github.com/yllada/nebula-manager/common"
)

// Build-time variables injected via ldflags (-X main.appVersion=x.y.z)
// Default values are used for local development builds
var (
	appVersion = "dev"
	buildTime  = "unknown"
	commitSHA  = "unknown"
)

func main() {
	// Handle shutdown signals (SIGINT, SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	app := cli.New(cli.BuildInfo{
		Version:   appVersion,
		BuildTime: buildTime,
		Commit:    commitSHA,
	})
	err := app.RootCommand().ExecuteContext(ctx)
	stop()

	if err != nil {
		common.LogError("%v", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	if closeErr := common.CloseLogger(); closeErr != nil && err == nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", closeErr)
	}
	os.Exit(cli.ExitCode(err))
}
