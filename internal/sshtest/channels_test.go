package sshtest

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestParseDirectTCPIPExtra(t *testing.T) {
	full := ssh.Marshal(&struct {
		RAddr string
		RPort uint32
		LAddr string
		LPort uint32
	}{"db.internal", 5432, "127.0.0.1", 40000})

	d, err := parseDirectTCPIPExtra(full)
	require.NoError(t, err)
	require.Equal(t, directTCPIP{
		targetHost: "db.internal",
		targetPort: 5432,
		originHost: "127.0.0.1",
		originPort: 40000,
	}, d)

	// Originator fields are optional.
	d, err = parseDirectTCPIPExtra(ssh.Marshal(&struct {
		RAddr string
		RPort uint32
	}{"db.internal", 5432}))
	require.NoError(t, err)
	require.Equal(t, directTCPIP{targetHost: "db.internal", targetPort: 5432}, d)

	for _, bad := range [][]byte{nil, {0, 0, 0}, {0, 0, 0, 9, 'a'}, full[:len("db.internal")+5]} {
		_, err := parseDirectTCPIPExtra(bad)
		require.Error(t, err, "parseDirectTCPIPExtra(%v)", bad)
	}
}
