package main

import (
	"bytes"
	"context"
	"flag"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/google/subcommands"
	"github.com/stretchr/testify/require"

	"sshfwd/internal/sshclient"
	"sshfwd/internal/tunnel"
)

// parseForward parses args for a forward command whose config file is cfgData.
func parseForward(t *testing.T, cfgData string, args ...string) (*forwardCmd, *flag.FlagSet) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if cfgData != "" {
		require.NoError(t, os.WriteFile(path, []byte(cfgData), 0600))
	}
	c := newForwardCmd()
	f := flag.NewFlagSet("forward", flag.ContinueOnError)
	c.SetFlags(f)
	require.NoError(t, f.Parse(append([]string{"-config", path}, args...)))
	return c, f
}

func TestForwardPlanDefaults(t *testing.T) {
	c, f := parseForward(t, "", "-r", "db.internal:5432", "bastion")
	p, err := c.plan(f)
	require.NoError(t, err)

	require.Equal(t, tunnel.Request{
		RemoteHost: "db.internal",
		RemotePort: 5432,
		SSHHost:    "bastion",
		SSHPort:    22,
		LocalPort:  9001,
	}, p.req)
	require.Equal(t, sshclient.AcceptAndPersist, p.ssh.HostKeyPolicy)
	require.False(t, p.password)
}

func TestForwardPlanFlagsOverrideConfig(t *testing.T) {
	const cfg = `
user: alice
local_port: 7000
host_key_policy: warn-and-accept
log_level: debug
`
	c, f := parseForward(t, cfg,
		"-p", "0", "-u", "bob", "--host-key-policy", "reject-unknown", "-P", "--no-key",
		"-r", "[::1]:80", "jump.example.com:2222")
	p, err := c.plan(f)
	require.NoError(t, err)

	require.Equal(t, 0, p.req.LocalPort)
	require.Equal(t, "::1", p.req.RemoteHost)
	require.Equal(t, 80, p.req.RemotePort)
	require.Equal(t, "jump.example.com", p.req.SSHHost)
	require.Equal(t, 2222, p.req.SSHPort)
	require.Equal(t, "bob", p.ssh.User)
	require.True(t, p.ssh.NoKeys)
	require.Equal(t, sshclient.RejectUnknown, p.ssh.HostKeyPolicy)
	require.Equal(t, "debug", p.level.String())
	require.True(t, p.password)
}

func TestForwardPlanUsageErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		args []string
	}{
		{"no server", []string{"-r", "h:1"}},
		{"two servers", []string{"-r", "h:1", "a", "b"}},
		{"no remote", []string{"bastion"}},
		{"remote without port", []string{"-r", "db.internal", "bastion"}},
		{"bad policy", []string{"-host-key-policy", "sometimes", "-r", "h:1", "bastion"}},
		{"bad level", []string{"-log-level", "loud", "-r", "h:1", "bastion"}},
		{"bad local port", []string{"-p", "70000", "-r", "h:1", "bastion"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c, f := parseForward(t, "", tc.args...)
			_, err := c.plan(f)
			require.Error(t, err)
			require.IsType(t, usageError{}, err)
		})
	}
}

func TestForwardUnreachableServerFails(t *testing.T) {
	port, err := tunnel.GetRandomPort()
	require.NoError(t, err)

	c, f := parseForward(t, "connect_timeout: 2s\n",
		"--no-key", "--known-hosts", filepath.Join(t.TempDir(), "known_hosts"),
		"-p", "0", "-u", "nobody", "-r", "127.0.0.1:1", "127.0.0.1:"+strconv.Itoa(port))
	c.askPassword = true
	c.readPassword = func(string) (string, error) { return "secret", nil }
	require.Equal(t, subcommands.ExitFailure, c.Execute(context.Background(), f))
}

func TestFreePort(t *testing.T) {
	var out bytes.Buffer
	c := &freePortCmd{out: &out}
	f := flag.NewFlagSet("freeport", flag.ContinueOnError)
	c.SetFlags(f)
	require.NoError(t, f.Parse(nil))
	require.Equal(t, subcommands.ExitSuccess, c.Execute(context.Background(), f))

	port, err := strconv.Atoi(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	require.Greater(t, port, 0)
}
