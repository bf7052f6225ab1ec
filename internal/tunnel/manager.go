package tunnel

import (
	"context"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"sshfwd/internal/sshclient"
)

const (
	// DefaultSSHHost is the SSH server used when a request names none.
	DefaultSSHHost = "localhost"

	// DefaultDrainTimeout bounds how long a cancelled tunnel waits for its relays.
	DefaultDrainTimeout = 5 * time.Second

	// DefaultBindAttempts is how many allocated ports are tried before giving up.
	DefaultBindAttempts = 3

	bindRetryDelay = 10 * time.Millisecond
)

// Request describes a tunnel to create.
type Request struct {
	// RemoteHost and RemotePort name the target, as resolved by the SSH server.
	RemoteHost string
	RemotePort int

	// SSHHost and SSHPort name the SSH server. They default to DefaultSSHHost and port 22.
	SSHHost string
	SSHPort int

	// LocalPort is the loopback port to listen on. Zero allocates a free port.
	LocalPort int

	// User and Password override the dialer's credentials when set.
	User     string
	Password string
}

func (r Request) key() Key {
	return Key{Host: r.RemoteHost, Port: r.RemotePort}
}

func (r Request) sshAddr() string {
	return net.JoinHostPort(r.SSHHost, strconv.Itoa(r.SSHPort))
}

// normalize fills defaults and validates r.
func (r Request) normalize() (Request, error) {
	if r.SSHHost == "" {
		r.SSHHost = DefaultSSHHost
	}
	if r.SSHPort == 0 {
		r.SSHPort = sshclient.DefaultPort
	}
	switch {
	case r.RemoteHost == "":
		return r, errors.Wrap(ErrInvalidRequest, "remote host is required")
	case r.RemotePort <= 0 || r.RemotePort > 65535:
		return r, errors.Wrapf(ErrInvalidRequest, "remote port %d out of range", r.RemotePort)
	case r.SSHPort < 0 || r.SSHPort > 65535:
		return r, errors.Wrapf(ErrInvalidRequest, "ssh port %d out of range", r.SSHPort)
	case r.LocalPort < 0 || r.LocalPort > 65535:
		return r, errors.Wrapf(ErrInvalidRequest, "local port %d out of range", r.LocalPort)
	}
	return r, nil
}

// Tunnel is the state of one active tunnel.
type Tunnel struct {
	key       Key
	sshAddr   string
	created   time.Time
	forwarder *Forwarder
	transport Transport

	failed    chan error    // forwarder failures
	done      chan struct{} // closed when teardown starts
	closeOnce sync.Once
}

// Info describes an active tunnel.
type Info struct {
	RemoteHost   string
	RemotePort   int
	LocalHost    string
	LocalPort    int
	SSHAddr      string
	Created      time.Time
	ActiveRelays int
}

func (t *Tunnel) info() Info {
	return Info{
		RemoteHost:   t.key.Host,
		RemotePort:   t.key.Port,
		LocalHost:    LocalHost,
		LocalPort:    t.forwarder.Port(),
		SSHAddr:      t.sshAddr,
		Created:      t.created,
		ActiveRelays: t.forwarder.ActiveRelays(),
	}
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Dial creates the Transport for each tunnel. Defaults to SSHDialer(SSH).
	Dial DialFunc
	// SSH holds the authentication and host key settings used by the default dialer.
	SSH sshclient.Options
	// DrainTimeout bounds relay draining on teardown when the caller gives no deadline.
	DrainTimeout time.Duration
	// BindAttempts is the number of allocated ports tried when binding races with another process.
	BindAttempts int
	// Clock is used for bind retries. Defaults to clock.WallClock.
	Clock clock.Clock
	// Logger defaults to logrus.StandardLogger().
	Logger logrus.FieldLogger
	// Registerer receives the tunnel metrics. Nil keeps them private.
	Registerer prometheus.Registerer
}

// Manager creates, tracks and cancels tunnels. It is safe for concurrent use.
// Each Manager owns its registry, so independent Managers never share tunnels.
type Manager struct {
	cfg     ManagerConfig
	log     logrus.FieldLogger
	metrics *Metrics
	reg     *registry

	allocPort func() (int, error)
}

// NewManager returns a Manager with no tunnels.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Dial == nil {
		cfg.Dial = SSHDialer(cfg.SSH)
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.BindAttempts <= 0 {
		cfg.BindAttempts = DefaultBindAttempts
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Manager{
		cfg:     cfg,
		log:     cfg.Logger,
		metrics: NewMetrics(cfg.Registerer),
		reg:     newRegistry(),

		allocPort: GetRandomPort,
	}
}

// Metrics returns the collectors updated by m.
func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

// CreateTunnel connects to the SSH server, binds a local port and starts forwarding it
// to the remote target in the background. It returns the local host and port as soon
// as the port is listening.
//
// A second tunnel to the same remote target fails with ErrTunnelExists. Connection,
// authentication and bind failures are returned to the caller and leave no tunnel behind.
func (m *Manager) CreateTunnel(ctx context.Context, req Request) (string, int, error) {
	req, err := req.normalize()
	if err != nil {
		return "", 0, err
	}
	key := req.key()
	if err := m.reg.reserve(key); err != nil {
		return "", 0, err
	}
	committed := false
	defer func() {
		if !committed {
			m.reg.release(key)
		}
	}()

	log := m.log.WithFields(logrus.Fields{"remote": key.String(), "ssh": req.sshAddr()})
	log.Infof("Connecting to ssh host %s ...", req.sshAddr())
	tr, err := m.cfg.Dial(ctx, req)
	if err != nil {
		log.WithError(err).Errorf("Failed to connect to %s", req.sshAddr())
		return "", 0, errors.Wrapf(err, "tunnel to %s", key)
	}

	t := &Tunnel{
		key:       key,
		sshAddr:   req.sshAddr(),
		transport: tr,
		failed:    make(chan error, 1),
		done:      make(chan struct{}),
	}
	fwd, err := m.bind(ctx, req, t, log)
	if err != nil {
		tr.Close()
		log.WithError(err).Error("Failed to start forwarding")
		return "", 0, errors.Wrapf(err, "tunnel to %s", key)
	}
	t.forwarder = fwd
	t.created = time.Now()

	m.reg.commit(key, t)
	committed = true
	m.metrics.TunnelsActive.Inc()

	go fwd.Serve()
	go m.watch(t)

	log.Infof("Now forwarding port %d to %s ...", fwd.Port(), key)
	return LocalHost, fwd.Port(), nil
}

// bind creates the Forwarder for t. A caller-supplied port is tried once; an allocated
// port that another process grabbed first is replaced by a new one, up to BindAttempts.
func (m *Manager) bind(ctx context.Context, req Request, t *Tunnel, log logrus.FieldLogger) (*Forwarder, error) {
	cfg := ForwarderConfig{
		LocalPort:  req.LocalPort,
		RemoteHost: req.RemoteHost,
		RemotePort: req.RemotePort,
		Transport:  t.transport,
		Logger:     m.log,
		Metrics:    m.metrics,
		OnFailure: func(err error) {
			select {
			case t.failed <- err:
			default:
			}
		},
	}
	if req.LocalPort != 0 {
		return NewForwarder(cfg)
	}

	var fwd *Forwarder
	var lastErr error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			port, err := m.allocPort()
			if err != nil {
				lastErr = err
				return err
			}
			cfg.LocalPort = port
			fwd, lastErr = NewForwarder(cfg)
			return lastErr
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, syscall.EADDRINUSE)
		},
		NotifyFunc: func(err error, attempt int) {
			log.WithError(err).Debugf("Bind attempt %d failed", attempt)
		},
		Attempts: m.cfg.BindAttempts,
		Delay:    bindRetryDelay,
		Clock:    m.cfg.Clock,
		Stop:     ctx.Done(),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, lastErr
	}
	return fwd, nil
}

// watch tears t down when its transport ends or its forwarder fails,
// so the registry never keeps a tunnel that stopped forwarding.
func (m *Manager) watch(t *Tunnel) {
	waitErr := make(chan error, 1)
	go func() { waitErr <- t.transport.Wait() }()

	var reason string
	var err error
	select {
	case <-t.done:
		return
	case err = <-waitErr:
		reason = "transport"
	case err = <-t.failed:
		reason = "server"
	}
	if !m.reg.removeIf(t.key, t) {
		return
	}

	log := m.log.WithFields(logrus.Fields{"remote": t.key.String(), "ssh": t.sshAddr})
	if err != nil && !isIgnorableError(err) {
		log = log.WithError(err)
	}
	log.Warnf("Tunnel lost (%s), port %d no longer forwarded", reason, t.forwarder.Port())

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DrainTimeout)
	defer cancel()
	if err := m.teardown(ctx, t, reason); err != nil {
		log.WithError(err).Warn("Teardown incomplete")
	}
}

// teardown stops t's forwarder and closes its transport. Only the first call acts.
func (m *Manager) teardown(ctx context.Context, t *Tunnel, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.forwarder.Shutdown(ctx)
		if cerr := t.transport.Close(); cerr != nil && err == nil && !isIgnorableError(cerr) {
			err = errors.Wrap(cerr, "failed to close transport")
		}
		m.metrics.TunnelsActive.Dec()
		m.metrics.TeardownsTotal.WithLabelValues(reason).Inc()
	})
	return err
}

// CancelTunnel stops the tunnel to host:port and removes it from the registry.
// Cancelling a target with no active tunnel returns ErrUnknownTunnel.
//
// In-flight relays are closed; if ctx has no deadline, DrainTimeout bounds the wait.
func (m *Manager) CancelTunnel(ctx context.Context, host string, port int) error {
	key := Key{Host: host, Port: port}
	t, err := m.reg.remove(key)
	if err != nil {
		return err
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.DrainTimeout)
		defer cancel()
	}
	m.log.WithField("remote", key.String()).Infof("Port forwarding stopped on port %d", t.forwarder.Port())
	return m.teardown(ctx, t, "cancelled")
}

// Lookup returns the active tunnel to host:port.
func (m *Manager) Lookup(host string, port int) (Info, bool) {
	t, ok := m.reg.lookup(Key{Host: host, Port: port})
	if !ok {
		return Info{}, false
	}
	return t.info(), true
}

// Done returns a channel that is closed when the tunnel to host:port stops,
// whether cancelled or lost.
func (m *Manager) Done(host string, port int) (<-chan struct{}, error) {
	key := Key{Host: host, Port: port}
	t, ok := m.reg.lookup(key)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownTunnel, "%s", key)
	}
	return t.done, nil
}

// Tunnels returns the active tunnels ordered by remote host and port.
func (m *Manager) Tunnels() []Info {
	ts := m.reg.snapshot()
	infos := make([]Info, 0, len(ts))
	for _, t := range ts {
		infos = append(infos, t.info())
	}
	return infos
}

// Close cancels every active tunnel and returns the first error encountered.
func (m *Manager) Close(ctx context.Context) error {
	var firstErr error
	for _, t := range m.reg.snapshot() {
		err := m.CancelTunnel(ctx, t.key.Host, t.key.Port)
		if err != nil && !errors.Is(err, ErrUnknownTunnel) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
