package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/subcommands"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"sshfwd/internal/config"
	"sshfwd/internal/sshclient"
	"sshfwd/internal/tunnel"
)

// forwardCmd implements subcommands.Command to forward a local port over SSH.
type forwardCmd struct {
	configPath    string
	localPort     int
	user          string
	keyFile       string
	noKey         bool
	askPassword   bool
	remote        string
	knownHosts    string
	hostKeyPolicy string
	metricsAddr   string
	logLevel      string

	// readPassword is replaced in tests.
	readPassword func(prompt string) (string, error)
}

var _ = subcommands.Command(&forwardCmd{})

func newForwardCmd() *forwardCmd {
	return &forwardCmd{readPassword: sshclient.ReadPassword}
}

func (*forwardCmd) Name() string     { return "forward" }
func (*forwardCmd) Synopsis() string { return "forward a local port to a remote host through an SSH server" }
func (*forwardCmd) Usage() string {
	return `Usage: forward [flag]... -r <host:port> <ssh-server[:port]>

Listen on 127.0.0.1 and forward every connection to host:port, as resolved by
the SSH server. Runs until interrupted or until the SSH session is lost.

`
}

func (c *forwardCmd) SetFlags(f *flag.FlagSet) {
	defPath, _ := config.GetConfigPath()
	f.StringVar(&c.configPath, "config", defPath, "config file")
	f.IntVar(&c.localPort, "p", 0, "local port to listen on; 0 allocates one (default from config, 9001)")
	f.IntVar(&c.localPort, "local-port", 0, "same as -p")
	f.StringVar(&c.user, "u", "", "SSH user (default current user)")
	f.StringVar(&c.user, "user", "", "same as -u")
	f.StringVar(&c.keyFile, "K", "", "private key file")
	f.StringVar(&c.keyFile, "key", "", "same as -K")
	f.BoolVar(&c.noKey, "no-key", false, "do not use public key or agent authentication")
	f.BoolVar(&c.askPassword, "P", false, "prompt for a password")
	f.StringVar(&c.remote, "r", "", "remote host:port to forward to (required)")
	f.StringVar(&c.remote, "remote", "", "same as -r")
	f.StringVar(&c.knownHosts, "known-hosts", "", "known_hosts file (default ~/.ssh/known_hosts)")
	f.StringVar(&c.hostKeyPolicy, "host-key-policy", "", "unknown host keys: accept-and-persist, warn-and-accept or reject-unknown")
	f.StringVar(&c.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	f.StringVar(&c.logLevel, "log-level", "", "log level (default info)")
}

// usageError is an invalid invocation; it exits with subcommands.ExitUsageError.
type usageError struct{ error }

// forwardPlan is a forward invocation with the config file and flags merged.
type forwardPlan struct {
	cfg      *config.Config
	level    logrus.Level
	req      tunnel.Request
	ssh      sshclient.Options
	password bool
}

// plan merges the config file with the flags explicitly set on f.
func (c *forwardCmd) plan(f *flag.FlagSet) (*forwardPlan, error) {
	if f.NArg() != 1 {
		return nil, usageError{errors.New("exactly one ssh-server argument is required")}
	}
	if c.remote == "" {
		return nil, usageError{errors.New("-r host:port is required")}
	}

	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool)
	f.Visit(func(fl *flag.Flag) { set[fl.Name] = true })
	if set["p"] || set["local-port"] {
		cfg.LocalPort = c.localPort
	}
	if set["u"] || set["user"] {
		cfg.User = c.user
	}
	if set["K"] || set["key"] {
		cfg.KeyFile = c.keyFile
	}
	if set["no-key"] {
		cfg.NoKeys = c.noKey
	}
	if set["known-hosts"] {
		cfg.KnownHosts = c.knownHosts
	}
	if set["host-key-policy"] {
		cfg.HostKeyPolicy = c.hostKeyPolicy
	}
	if set["metrics-addr"] {
		cfg.MetricsAddr = c.metricsAddr
	}
	if set["log-level"] {
		cfg.LogLevel = c.logLevel
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, usageError{err}
	}
	policy, err := sshclient.ParseHostKeyPolicy(cfg.HostKeyPolicy)
	if err != nil {
		return nil, usageError{err}
	}
	sshHost, sshPort, err := sshclient.ParseHostPort(f.Arg(0), cfg.SSHPort)
	if err != nil {
		return nil, usageError{err}
	}
	remoteHost, remotePort, err := sshclient.ParseHostPort(c.remote, 0)
	if err != nil {
		return nil, usageError{err}
	}
	if remotePort == 0 {
		return nil, usageError{errors.Errorf("-r %q has no port", c.remote)}
	}
	if cfg.LocalPort < 0 || cfg.LocalPort > 65535 {
		return nil, usageError{errors.Errorf("local port %d out of range", cfg.LocalPort)}
	}

	return &forwardPlan{
		cfg:   cfg,
		level: level,
		req: tunnel.Request{
			RemoteHost: remoteHost,
			RemotePort: remotePort,
			SSHHost:    sshHost,
			SSHPort:    sshPort,
			LocalPort:  cfg.LocalPort,
		},
		ssh: sshclient.Options{
			User:              cfg.User,
			KeyFile:           cfg.KeyFile,
			KeyDir:            cfg.KeyDir,
			NoKeys:            cfg.NoKeys,
			KnownHostsFile:    cfg.KnownHosts,
			HostKeyPolicy:     policy,
			ConnectTimeout:    cfg.ConnectTimeout,
			ConnectRetries:    cfg.ConnectRetries,
			KeepAliveInterval: cfg.KeepAliveInterval,
		},
		password: c.askPassword,
	}, nil
}

func (c *forwardCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	p, err := c.plan(f)
	if err != nil {
		fmt.Fprintln(os.Stderr, "sshfwd:", err)
		if _, ok := err.(usageError); ok {
			fmt.Fprint(os.Stderr, c.Usage())
			return subcommands.ExitUsageError
		}
		return subcommands.ExitFailure
	}

	log := logrus.New()
	log.SetLevel(p.level)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	p.ssh.Logger = log

	if p.password {
		pw, err := c.readPassword(fmt.Sprintf("Password for %s: ", p.req.SSHHost))
		if err != nil {
			log.WithError(err).Error("Failed to read password")
			return subcommands.ExitFailure
		}
		p.req.Password = pw
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	m := tunnel.NewManager(tunnel.ManagerConfig{
		SSH:          p.ssh,
		DrainTimeout: p.cfg.DrainTimeout,
		Logger:       log,
		Registerer:   reg,
	})
	if p.cfg.MetricsAddr != "" {
		srv := serveMetrics(p.cfg.MetricsAddr, reg, log)
		defer srv.Close()
	}

	if _, _, err := m.CreateTunnel(ctx, p.req); err != nil {
		if ctx.Err() != nil {
			log.Info("Interrupted")
			return subcommands.ExitSuccess
		}
		log.WithError(err).Error("Failed to create tunnel")
		return subcommands.ExitFailure
	}
	done, err := m.Done(p.req.RemoteHost, p.req.RemotePort)
	if err != nil {
		log.WithError(err).Error("Tunnel stopped")
		return subcommands.ExitFailure
	}

	select {
	case <-done:
		return subcommands.ExitFailure
	case <-ctx.Done():
	}
	log.Info("Interrupted, closing tunnel")
	sctx, cancel := context.WithTimeout(context.Background(), p.cfg.DrainTimeout)
	defer cancel()
	if err := m.Close(sctx); err != nil {
		log.WithError(err).Warn("Teardown incomplete")
	}
	return subcommands.ExitSuccess
}

// serveMetrics exposes reg, plus Go runtime and process collectors, on addr at /metrics.
func serveMetrics(addr string, reg *prometheus.Registry, log logrus.FieldLogger) *http.Server {
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Metrics server failed")
		}
	}()
	log.Infof("Serving metrics on http://%s/metrics", addr)
	return srv
}
