// Package common provides shared constants, types, utilities, and interfaces
// used throughout the Nebula Manager application.
//
// This package serves as the foundation for cross-cutting concerns:
//
//   - Constants: file names, reconciliation intervals and timeouts
//   - Errors: sentinel errors and the ErrorKind tags reported to front ends
//   - Interfaces: the collaborators of the session manager (tunnel service,
//     connectivity oracle, permission gate, config store, pinger)
//   - Logger: leveled logging with optional rotating file output
//   - Utils: directory helpers and small string utilities
//
// # Usage
//
//	import "github.com/yllada/nebula-manager/common"
//
//	log := common.Component("vpn")
//	log.Info("Starting session")
//
//	if errors.Is(err, common.ErrNotConnected) {
//	    // Nothing to do while the tunnel is down
//	}
package common
