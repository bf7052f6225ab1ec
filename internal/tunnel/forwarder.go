package tunnel

import (
	"context"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ForwarderConfig configures a Forwarder.
type ForwarderConfig struct {
	// LocalPort is the loopback port to listen on. Zero lets the OS pick one.
	LocalPort int
	// RemoteHost and RemotePort name the target every channel is opened to.
	RemoteHost string
	RemotePort int
	// Transport opens the channels.
	Transport Transport
	// Logger and Metrics default to logrus.StandardLogger() and an unexported registry.
	Logger  logrus.FieldLogger
	Metrics *Metrics
	// OnFailure, if non-nil, is called once when the listener fails while not shutting down.
	OnFailure func(error)
}

// Forwarder listens on a loopback port and forwards every accepted connection to a
// fixed remote target over a Transport.
//
//	               Local               |    SSH Host    |   Remote
//	-----------------------------------+----------------+-------------
//	[client] <- TCP -> [Forwarder] <- SSH -> [sshd] <- TCP -> [server]
type Forwarder struct {
	cfg        ForwarderConfig
	remoteAddr string
	ln         net.Listener
	log        logrus.FieldLogger
	metrics    *Metrics

	mu       sync.Mutex
	closing  bool
	relays   map[*relay]struct{}
	wg       sync.WaitGroup // tracks connection handlers
	failOnce sync.Once
}

// NewForwarder binds the local listener. Serve must be called to start accepting.
// A bind failure is returned as a *BindError.
func NewForwarder(cfg ForwarderConfig) (*Forwarder, error) {
	if cfg.Transport == nil {
		return nil, errors.Wrap(ErrInvalidRequest, "forwarder needs a transport")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}

	addr := net.JoinHostPort(LocalHost, strconv.Itoa(cfg.LocalPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, &BindError{Addr: addr, Err: err}
	}

	remoteAddr := net.JoinHostPort(cfg.RemoteHost, strconv.Itoa(cfg.RemotePort))
	return &Forwarder{
		cfg:        cfg,
		remoteAddr: remoteAddr,
		ln:         ln,
		log:        cfg.Logger.WithFields(logrus.Fields{"local": ln.Addr().String(), "remote": remoteAddr}),
		metrics:    cfg.Metrics,
		relays:     make(map[*relay]struct{}),
	}, nil
}

// Addr returns the local address the Forwarder listens on.
func (f *Forwarder) Addr() net.Addr {
	return f.ln.Addr()
}

// Port returns the local port the Forwarder listens on.
func (f *Forwarder) Port() int {
	return f.ln.Addr().(*net.TCPAddr).Port
}

// ActiveRelays returns the number of connections currently being relayed.
func (f *Forwarder) ActiveRelays() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.relays)
}

// Serve accepts connections until Shutdown is called or the listener fails.
// Each connection is handled on its own goroutine; Serve never waits for relays.
func (f *Forwarder) Serve() {
	var tempDelay time.Duration
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			if f.isClosing() {
				return
			}
			if isTemporaryAcceptError(err) {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if tempDelay > time.Second {
					tempDelay = time.Second
				}
				f.log.WithError(err).Warnf("Accept error; retrying in %v", tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			f.log.WithError(err).Error("Accept failed, forwarding stopped")
			f.fail(err)
			return
		}
		tempDelay = 0

		f.mu.Lock()
		if f.closing {
			f.mu.Unlock()
			conn.Close()
			return
		}
		f.wg.Add(1)
		f.mu.Unlock()

		go f.handleConn(conn)
	}
}

// isTemporaryAcceptError reports whether Accept may succeed later without
// intervention, as when the process or system runs out of file descriptors.
func isTemporaryAcceptError(err error) bool {
	if errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// handleConn opens a channel for conn and relays between them.
// conn is closed before handleConn returns.
func (f *Forwarder) handleConn(conn net.Conn) {
	defer f.wg.Done()

	peer := conn.RemoteAddr().String()
	log := f.log.WithField("peer", peer)

	ch, err := f.cfg.Transport.OpenChannel(f.remoteAddr, peer)
	if err != nil {
		log.WithError(err).Warnf("Incoming request to %s failed", f.remoteAddr)
		f.metrics.ChannelOpenFailures.Inc()
		conn.Close()
		return
	}

	r := newRelay(conn, ch)
	if !f.addRelay(r) {
		// Shutdown started while the channel was being opened.
		r.Close()
		return
	}
	defer f.removeRelay(r)

	log.Infof("Tunnel open %s -> %s", peer, f.remoteAddr)
	f.metrics.relayStarted()
	stats, err := r.run()
	f.metrics.relayFinished(stats)
	if err != nil {
		log.WithError(err).Debug("Relay ended with error")
	}
	log.WithFields(logrus.Fields{"sent": stats.Sent, "received": stats.Received}).Infof("Tunnel closed from %s", peer)
}

func (f *Forwarder) addRelay(r *relay) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closing {
		return false
	}
	f.relays[r] = struct{}{}
	return true
}

func (f *Forwarder) removeRelay(r *relay) {
	f.mu.Lock()
	delete(f.relays, r)
	f.mu.Unlock()
}

func (f *Forwarder) isClosing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closing
}

func (f *Forwarder) fail(err error) {
	f.failOnce.Do(func() {
		if f.cfg.OnFailure != nil {
			f.cfg.OnFailure(err)
		}
	})
}

// Shutdown closes the listening socket and every in-flight relay. It then waits
// for the relay goroutines to exit or for ctx to be done, whichever comes first.
// Calling Shutdown again is a no-op.
func (f *Forwarder) Shutdown(ctx context.Context) error {
	f.mu.Lock()
	if f.closing {
		f.mu.Unlock()
		return nil
	}
	f.closing = true
	relays := make([]*relay, 0, len(f.relays))
	for r := range f.relays {
		relays = append(relays, r)
	}
	f.mu.Unlock()

	err := f.ln.Close()
	if err != nil && isIgnorableError(err) {
		err = nil
	}
	for _, r := range relays {
		r.Close()
	}

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "relays for %s did not drain", f.remoteAddr)
	}
	if err != nil {
		return errors.Wrap(err, "failed to close listener")
	}
	f.log.Debug("Forwarder stopped")
	return nil
}
