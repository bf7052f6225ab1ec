package tunnel

import (
	"io"
	"net"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// RelayStats reports how many bytes a relay moved in each direction.
type RelayStats struct {
	Sent     int64 // local -> remote
	Received int64 // remote -> local
}

// relay owns one local connection and its SSH channel for the lifetime of the copy.
// Each endpoint is closed exactly once, whichever side ends first.
type relay struct {
	local      io.ReadWriteCloser
	remote     io.ReadWriteCloser
	localOnce  sync.Once
	remoteOnce sync.Once
}

func newRelay(local, remote io.ReadWriteCloser) *relay {
	return &relay{local: local, remote: remote}
}

// Close closes both endpoints. It is safe to call concurrently and more than once.
func (r *relay) Close() {
	r.localOnce.Do(func() { r.local.Close() })
	r.remoteOnce.Do(func() { r.remote.Close() })
}

// run copies data bidirectionally until either direction reaches end of stream or fails.
// Both endpoints are closed before run returns.
func (r *relay) run() (RelayStats, error) {
	var stats RelayStats
	var g errgroup.Group

	// Copy local → remote
	g.Go(func() error {
		// Important: closing both sides unblocks the opposite copy
		defer r.Close()
		n, err := CopyWithBuffer(r.remote, r.local)
		stats.Sent = n
		if err != nil && !isIgnorableError(err) {
			return errors.Wrap(err, "local to remote")
		}
		return nil
	})

	// Copy remote → local
	g.Go(func() error {
		defer r.Close()
		n, err := CopyWithBuffer(r.local, r.remote)
		stats.Received = n
		if err != nil && !isIgnorableError(err) {
			return errors.Wrap(err, "remote to local")
		}
		return nil
	})

	err := g.Wait()
	return stats, err
}

// Relay copies data between local and remote until either side reaches end of stream
// or fails, then closes both. Payload bytes are forwarded unmodified and in order.
//
// The returned error is the first failure that is not a normal connection teardown.
func Relay(local, remote io.ReadWriteCloser) (RelayStats, error) {
	return newRelay(local, remote).run()
}

// isIgnorableError returns true if the error is EOF or a known benign network error.
//
// Used to suppress errors caused by the relay closing its own endpoints.
func isIgnorableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
