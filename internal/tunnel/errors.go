package tunnel

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrTunnelExists is returned when a tunnel to the same remote target is active or being created.
	ErrTunnelExists = errors.New("tunnel already exists")

	// ErrUnknownTunnel is returned when cancelling a remote target that has no active tunnel.
	ErrUnknownTunnel = errors.New("unknown tunnel")

	// ErrBind is returned when the local listening port cannot be bound.
	ErrBind = errors.New("cannot bind local port")

	// ErrInvalidRequest is returned for malformed tunnel requests.
	ErrInvalidRequest = errors.New("invalid tunnel request")
)

// BindError reports a failure to listen on a local address.
// It matches ErrBind with errors.Is and unwraps to the underlying network error.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("%v %s: %v", ErrBind, e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// Is reports whether target is ErrBind.
func (e *BindError) Is(target error) bool { return target == ErrBind }
