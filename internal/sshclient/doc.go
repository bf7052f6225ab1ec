// Package sshclient establishes the SSH sessions that carry sshfwd tunnels.
//
// Features:
//   - Public key (key file, key directory, ssh-agent), password and keyboard-interactive authentication
//   - Host key verification against known_hosts with a configurable policy for unknown hosts
//   - Proxy-aware dialing (ALL_PROXY / NO_PROXY) with connect timeouts and retries
//   - direct-tcpip channels tagged with the originating peer address
//   - Optional keepalives that close the session when the server stops answering
//
// Failures are classified so callers can tell them apart with errors.Is:
// ErrConnect, ErrAuthentication, ErrHostKey and ErrChannelOpen.
package sshclient
