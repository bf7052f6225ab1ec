package sshclient

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestParseHostPort(t *testing.T) {
	type result struct {
		Host string
		Port int
		Err  bool
	}
	for _, tc := range []struct {
		addr string
		want result
	}{
		{"bastion", result{"bastion", 22, false}},
		{"bastion:2222", result{"bastion", 2222, false}},
		{"10.0.0.1:22", result{"10.0.0.1", 22, false}},
		{"[::1]:2200", result{"::1", 2200, false}},
		{"::1", result{"::1", 22, false}},
		{"[fe80::1]", result{"fe80::1", 22, false}},
		{"bastion:ssh", result{Err: true}},
		{"bastion:0", result{Err: true}},
		{"bastion:65536", result{Err: true}},
		{":22", result{Err: true}},
		{"", result{Err: true}},
	} {
		host, port, err := ParseHostPort(tc.addr, DefaultPort)
		got := result{host, port, err != nil}
		if got.Err {
			got.Host, got.Port = "", 0
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("ParseHostPort(%q) mismatch (-want +got):\n%s", tc.addr, diff)
		}
	}
}

func TestHostKeyPolicyNames(t *testing.T) {
	for _, p := range []HostKeyPolicy{AcceptAndPersist, WarnAndAccept, RejectUnknown} {
		got, err := ParseHostKeyPolicy(p.String())
		require.NoError(t, err)
		require.Equal(t, p, got)
	}

	p, err := ParseHostKeyPolicy("")
	require.NoError(t, err)
	require.Equal(t, AcceptAndPersist, p)

	_, err = ParseHostKeyPolicy("yolo")
	require.Error(t, err)
	require.Equal(t, "HostKeyPolicy(7)", HostKeyPolicy(7).String())
}

func TestOptionsDefaults(t *testing.T) {
	o, err := Options{Host: "bastion", User: "alice"}.withDefaults()
	require.NoError(t, err)
	require.Equal(t, DefaultPort, o.Port)
	require.Equal(t, DefaultConnectTimeout, o.ConnectTimeout)
	require.Equal(t, defaultRetryInterval, o.ConnectRetryInterval)
	require.Equal(t, AcceptAndPersist, o.HostKeyPolicy)
	require.NotNil(t, o.Logger)
	require.Equal(t, "bastion:22", o.addr())

	o, err = Options{Host: "bastion"}.withDefaults()
	require.NoError(t, err)
	require.NotEmpty(t, o.User, "User not defaulted to the current user")

	_, err = Options{}.withDefaults()
	require.Error(t, err)
}
