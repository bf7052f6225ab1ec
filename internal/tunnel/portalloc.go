package tunnel

import (
	"net"

	"github.com/pkg/errors"
)

// LocalHost is the loopback address every tunnel listens on.
const LocalHost = "127.0.0.1"

// GetRandomPort returns a TCP port on LocalHost that was free when the call was made.
//
// The port is found by binding port 0 and releasing the listener right away, so it is
// not reserved: another process may take it before the caller binds it. Callers that
// bind the port later must be prepared for an address-in-use failure.
func GetRandomPort() (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(LocalHost, "0"))
	if err != nil {
		return 0, errors.Wrap(err, "failed to allocate local port")
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
