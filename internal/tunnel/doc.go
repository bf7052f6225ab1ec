// Package tunnel implements SSH-tunneled TCP port forwarding for sshfwd.
//
// Features:
//   - Allocates free loopback ports for new tunnels
//   - Runs one Forwarder per tunnel that accepts local TCP connections and opens a
//     direct-tcpip channel to the remote target for each of them
//   - Relays bytes between each local connection and its channel until either side ends
//   - Tracks active tunnels in a Manager-owned registry keyed by remote host and port
//   - Tears a tunnel down when it is cancelled or when its SSH session or listener fails
//
// Usage:
//  1. Create a Manager with NewManager
//  2. Call CreateTunnel to start forwarding; it returns the local address immediately
//  3. Call CancelTunnel (or Close on shutdown) to stop forwarding
//
// The SSH session itself is provided by a Transport; the default one is built on
// the sshclient package.
package tunnel
