package sshclient

import (
	"net"
	"os/user"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultPort is the standard SSH port.
	DefaultPort = 22

	// DefaultConnectTimeout bounds TCP connect plus SSH handshake.
	DefaultConnectTimeout = 10 * time.Second

	defaultRetryInterval = time.Second
)

// HostKeyPolicy decides what happens when the server's host key is not in known_hosts.
// A key that contradicts a known_hosts entry is always rejected.
type HostKeyPolicy int

const (
	// AcceptAndPersist trusts unknown hosts on first use and appends them to known_hosts.
	// It is the zero value and the default: it favours usability over protection
	// against a man in the middle on the very first connection.
	AcceptAndPersist HostKeyPolicy = iota
	// WarnAndAccept logs a warning and accepts unknown hosts without recording them.
	WarnAndAccept
	// RejectUnknown refuses hosts that are not in known_hosts.
	RejectUnknown
)

var hostKeyPolicyNames = map[HostKeyPolicy]string{
	AcceptAndPersist: "accept-and-persist",
	WarnAndAccept:    "warn-and-accept",
	RejectUnknown:    "reject-unknown",
}

func (p HostKeyPolicy) String() string {
	if s, ok := hostKeyPolicyNames[p]; ok {
		return s
	}
	return "HostKeyPolicy(" + strconv.Itoa(int(p)) + ")"
}

// ParseHostKeyPolicy parses the names returned by HostKeyPolicy.String.
// An empty string yields the default policy.
func ParseHostKeyPolicy(s string) (HostKeyPolicy, error) {
	if s == "" {
		return AcceptAndPersist, nil
	}
	for p, name := range hostKeyPolicyNames {
		if name == s {
			return p, nil
		}
	}
	return 0, errors.Errorf("unknown host key policy %q (want accept-and-persist, warn-and-accept or reject-unknown)", s)
}

// Options contains options used when connecting to an SSH server.
type Options struct {
	// Host and Port name the SSH server. Port defaults to DefaultPort.
	Host string
	Port int

	// User is the username to log in as. Defaults to the current OS user.
	User string
	// Password is used for password and keyboard-interactive authentication, and to
	// decrypt passphrase-protected keys. Empty disables both.
	Password string

	// KeyFile is an optional path to a private key.
	KeyFile string
	// KeyDir is an optional directory (typically $HOME/.ssh) searched for standard key files.
	KeyDir string
	// NoKeys disables KeyFile, KeyDir and ssh-agent.
	NoKeys bool

	// KnownHostsFile is the known_hosts file used to verify the server.
	// Empty treats every host as unknown and never persists keys.
	KnownHostsFile string
	// HostKeyPolicy handles hosts missing from KnownHostsFile.
	HostKeyPolicy HostKeyPolicy

	// ConnectTimeout bounds each connection attempt. Defaults to DefaultConnectTimeout.
	ConnectTimeout time.Duration
	// ConnectRetries is the number of times to retry after a connection failure.
	// Authentication and host key failures are never retried.
	ConnectRetries int
	// ConnectRetryInterval is the delay between connection attempts.
	ConnectRetryInterval time.Duration

	// KeepAliveInterval enables keepalive requests when positive. A keepalive that
	// fails or goes unanswered for one interval closes the client.
	KeepAliveInterval time.Duration

	// Logger defaults to logrus.StandardLogger().
	Logger logrus.FieldLogger
}

func (o Options) withDefaults() (Options, error) {
	if o.Host == "" {
		return o, errors.New("ssh host is required")
	}
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.User == "" {
		u, err := user.Current()
		if err != nil {
			return o, errors.Wrap(err, "failed to determine current user")
		}
		o.User = u.Username
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.ConnectRetryInterval <= 0 {
		o.ConnectRetryInterval = defaultRetryInterval
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o, nil
}

func (o Options) addr() string {
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// ParseHostPort parses "host[:port]" into a host and port, using defaultPort when
// the port is omitted. IPv6 literals must be bracketed when a port is given.
func ParseHostPort(addr string, defaultPort int) (string, int, error) {
	if addr == "" {
		return "", 0, errors.New("empty address")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		// No port: accept a bare host or a bracketed/unbracketed IPv6 literal.
		if strings.Count(addr, ":") == 1 {
			return "", 0, errors.Wrapf(err, "couldn't parse %q as \"host[:port]\"", addr)
		}
		return strings.Trim(addr, "[]"), defaultPort, nil
	}
	if host == "" {
		return "", 0, errors.Errorf("missing host in %q", addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, errors.Errorf("invalid port %q in %q", portStr, addr)
	}
	return host, port, nil
}
