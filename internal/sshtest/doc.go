// Package sshtest provides an in-process SSH jump host for testing sshfwd.
//
// Features:
//   - Listens on a random loopback port with a freshly generated ed25519 host key
//   - Password authentication against bcrypt hashes and public key authentication
//   - direct-tcpip channels dialled to the requested target and relayed with pooled buffers
//   - Knobs to reject channels and to sever every SSH connection, for failure tests
//
// Usage:
//  1. Create a server with NewServer and register credentials with AddUser or AuthorizeKey
//  2. Point an SSH client at Host() and Port()
//  3. Close the server when done
package sshtest
