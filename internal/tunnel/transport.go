package tunnel

import (
	"context"
	"io"

	"sshfwd/internal/sshclient"
)

// Transport is an authenticated SSH session able to open logical channels.
// It is shared by a Forwarder and all of its relays.
type Transport interface {
	// OpenChannel opens a direct-tcpip channel to remoteAddr. originAddr is the
	// address of the local peer that triggered the channel and is only informative.
	OpenChannel(remoteAddr, originAddr string) (io.ReadWriteCloser, error)
	// Wait blocks until the session ends.
	Wait() error
	// Close terminates the session and every channel opened on it.
	Close() error
}

// DialFunc establishes the Transport for a tunnel request.
type DialFunc func(ctx context.Context, req Request) (Transport, error)

// sshTransport adapts sshclient.Client to Transport.
type sshTransport struct {
	*sshclient.Client
}

func (t sshTransport) OpenChannel(remoteAddr, originAddr string) (io.ReadWriteCloser, error) {
	ch, err := t.Client.OpenChannel(remoteAddr, originAddr)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// SSHDialer returns a DialFunc that connects with sshclient. base supplies the
// authentication and host key settings; the request supplies host, port and credentials.
func SSHDialer(base sshclient.Options) DialFunc {
	return func(ctx context.Context, req Request) (Transport, error) {
		opts := base
		opts.Host = req.SSHHost
		opts.Port = req.SSHPort
		if req.User != "" {
			opts.User = req.User
		}
		if req.Password != "" {
			opts.Password = req.Password
		}
		cl, err := sshclient.Dial(ctx, opts)
		if err != nil {
			return nil, err
		}
		return sshTransport{cl}, nil
	}
}
