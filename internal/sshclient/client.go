package sshclient

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/net/proxy"
)

// keepAliveRequest is the global request OpenSSH uses for keepalives.
const keepAliveRequest = "keepalive@openssh.com"

// Client is an authenticated SSH session.
type Client struct {
	cl   *ssh.Client
	addr string
	log  logrus.FieldLogger

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// Dial establishes an SSH session as described by o.
// Callers are responsible for calling Client.Close.
func Dial(ctx context.Context, o Options) (*Client, error) {
	o, err := o.withDefaults()
	if err != nil {
		return nil, err
	}
	addr := o.addr()
	log := o.Logger.WithField("ssh", addr)

	var cl *ssh.Client
	var lastErr error
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			cl, lastErr = o.connect(ctx, addr)
			return lastErr
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, ErrConnect) || ctx.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			if attempt <= o.ConnectRetries {
				log.WithError(err).Warnf("Retrying SSH connection in %v (attempt %d)", o.ConnectRetryInterval, attempt)
			}
		},
		Attempts: o.ConnectRetries + 1,
		Delay:    o.ConnectRetryInterval,
		Clock:    clock.WallClock,
		Stop:     ctx.Done(),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, lastErr
	}

	c := &Client{
		cl:   cl,
		addr: addr,
		log:  log,
		done: make(chan struct{}),
	}
	if o.KeepAliveInterval > 0 {
		go c.keepAlive(o.KeepAliveInterval)
	}
	log.WithField("user", o.User).Debug("SSH session established")
	return c, nil
}

// connect attempts once to connect to addr and authenticate.
// The attempt is bounded by o.ConnectTimeout and aborted when ctx is done.
func (o *Options) connect(ctx context.Context, addr string) (*ssh.Client, error) {
	var hostKeyErr error
	hkcb, err := o.hostKeyCallback(&hostKeyErr)
	if err != nil {
		return nil, &Error{Kind: ErrHostKey, Addr: addr, Err: err}
	}
	methods, closer, err := o.authMethods()
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	cfg := &ssh.ClientConfig{
		User:            o.User,
		Auth:            methods,
		HostKeyCallback: hkcb,
		Timeout:         o.ConnectTimeout,
	}

	dctx, cancel := context.WithTimeout(ctx, o.ConnectTimeout)
	defer cancel()
	conn, err := proxy.Dial(dctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Kind: ErrConnect, Addr: addr, Err: err}
	}

	// Abort the handshake if ctx is cancelled.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(o.ConnectTimeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if !stop() {
		if err == nil {
			c.Close()
		}
		return nil, ctx.Err()
	}
	if err != nil {
		conn.Close()
		return nil, classifyHandshakeError(addr, err, hostKeyErr)
	}
	conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// Addr returns the SSH server address.
func (c *Client) Addr() string {
	return c.addr
}

// channelOpenDirectMsg is the payload of a direct-tcpip channel open request.
// See RFC 4254 7.2, "TCP/IP Forwarding Channels".
type channelOpenDirectMsg struct {
	RAddr string
	RPort uint32
	LAddr string
	LPort uint32
}

// OpenChannel opens a direct-tcpip channel to remoteAddr ("host:port"), announcing
// originAddr as the connection's originator. An unparsable originAddr is sent as 0.0.0.0:0.
func (c *Client) OpenChannel(remoteAddr, originAddr string) (ssh.Channel, error) {
	rhost, rport, err := splitHostPort(remoteAddr)
	if err != nil {
		return nil, &Error{Kind: ErrChannelOpen, Addr: remoteAddr, Err: err}
	}
	ohost, oport, err := splitHostPort(originAddr)
	if err != nil {
		ohost, oport = "0.0.0.0", 0
	}
	msg := channelOpenDirectMsg{
		RAddr: rhost,
		RPort: rport,
		LAddr: ohost,
		LPort: oport,
	}
	ch, reqs, err := c.cl.OpenChannel("direct-tcpip", ssh.Marshal(&msg))
	if err != nil {
		return nil, &Error{Kind: ErrChannelOpen, Addr: remoteAddr, Err: err}
	}
	go ssh.DiscardRequests(reqs)
	return ch, nil
}

// Wait blocks until the session ends.
func (c *Client) Wait() error {
	return c.cl.Wait()
}

// Close closes the session and every channel opened on it.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = c.cl.Close()
	})
	return c.closeErr
}

// keepAlive sends keepalive requests every interval and closes the client when
// one fails or is not answered within interval.
func (c *Client) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		ch := make(chan error, 1)
		go func() {
			_, _, err := c.cl.SendRequest(keepAliveRequest, true, nil)
			ch <- err
		}()
		select {
		case err := <-ch:
			if err == nil {
				continue
			}
			c.log.WithError(err).Warn("Keepalive failed, closing SSH session")
		case <-time.After(interval):
			c.log.Warn("Keepalive timed out, closing SSH session")
		case <-c.done:
			return
		}
		c.Close()
		return
	}
}

func splitHostPort(addr string) (string, uint32, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, errors.Wrap(err, "failed to split host and port")
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return "", 0, errors.Wrap(err, "failed to parse port number")
	}
	return host, uint32(p), nil
}
