package sshclient

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrConnect is returned when the SSH server cannot be reached or the handshake fails.
	ErrConnect = errors.New("ssh connection failed")

	// ErrAuthentication is returned when the server rejects every authentication method.
	ErrAuthentication = errors.New("ssh authentication failed")

	// ErrHostKey is returned when the server's host key is rejected.
	ErrHostKey = errors.New("ssh host key verification failed")

	// ErrChannelOpen is returned when the server refuses to open a channel.
	ErrChannelOpen = errors.New("ssh channel open failed")
)

// Error is a classified sshclient failure. Kind is one of the package sentinels.
type Error struct {
	Kind error
	Addr string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%v (%s): %v", e.Kind, e.Addr, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is e's kind.
func (e *Error) Is(target error) bool { return target == e.Kind }

// classifyHandshakeError maps a failed ssh.NewClientConn to an Error.
// hostKeyErr is the error produced by the host key callback, if any.
func classifyHandshakeError(addr string, err, hostKeyErr error) error {
	switch {
	case hostKeyErr != nil:
		return &Error{Kind: ErrHostKey, Addr: addr, Err: hostKeyErr}
	case strings.Contains(err.Error(), "unable to authenticate"):
		return &Error{Kind: ErrAuthentication, Addr: addr, Err: err}
	default:
		return &Error{Kind: ErrConnect, Addr: addr, Err: err}
	}
}
