// Package vpn manages the lifecycle of a single Nebula session.
//
// This package implements the session core:
//
//   - Permission: requesting OS consent before a tunnel is started
//   - Connection management: persisting the live files and starting the service
//   - Reconciliation: keeping the reported state consistent with the tunnel
//     service and the OS interface table
//   - Diagnostics: hostmap, rebind and ping across the tunnel
//
// # Architecture
//
// The Manager is the only type with state. Everything it talks to is an
// interface from the common package, so the same core runs under the Linux
// CLI and the mobile bridge:
//
//   - common.TunnelService: the long-lived Nebula engine host
//   - common.ConnectivityOracle: whether the OS has a VPN interface up
//   - common.PermissionGate: OS consent, possibly answered asynchronously
//   - common.ConfigStore: atomic persistence of config and key
//
// # Session Flow
//
// A typical connection flow:
//
//  1. Caller invokes Manager.Connect() with a configuration and private key
//  2. Manager asks the permission gate; a deferred answer parks the request
//  3. On grant, the live files are written and the service is started
//  4. Manager.CheckStatus (or Run) moves Starting to Connected once the
//     service is running and the interface is up
//  5. Listeners registered with OnStateChange see every transition
//
// A session is only reported Connected while both signals agree. One
// disagreeing poll is tolerated; after that the session is torn down.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Calls that may block, such as the
// permission gate or a ping, run without holding the session lock.
package vpn
