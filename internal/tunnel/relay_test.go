package tunnel

import (
	"bytes"
	"crypto/rand"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

type relayResult struct {
	stats RelayStats
	err   error
}

// startRelay relays between two TCP pairs and returns the outer ends:
// client talks to the local side, server to the remote side.
func startRelay(t *testing.T) (client, server net.Conn, res <-chan relayResult) {
	client, local := tcpPair(t)
	remote, server := tcpPair(t)
	ch := make(chan relayResult, 1)
	go func() {
		stats, err := Relay(local, remote)
		ch <- relayResult{stats, err}
	}()
	return client, server, ch
}

func waitRelay(t *testing.T, res <-chan relayResult) relayResult {
	t.Helper()
	select {
	case r := <-res:
		return r
	case <-time.After(testTimeout):
		t.Fatal("Relay did not return")
		return relayResult{}
	}
}

func TestRelayTransparentBothWays(t *testing.T) {
	client, server, res := startRelay(t)

	up := make([]byte, 1<<20+17)
	_, err := rand.Read(up)
	require.NoError(t, err)
	down := bytes.Repeat([]byte("pong\x00\xff"), 50000)

	go func() {
		client.Write(up)
	}()
	got := make([]byte, len(up))
	server.SetReadDeadline(time.Now().Add(testTimeout))
	_, err = io.ReadFull(server, got)
	require.NoError(t, err)
	if diff := cmp.Diff(up, got); diff != "" {
		t.Fatalf("Upstream payload corrupted (-want +got):\n%s", diff)
	}

	go func() {
		server.Write(down)
	}()
	got = make([]byte, len(down))
	client.SetReadDeadline(time.Now().Add(testTimeout))
	_, err = io.ReadFull(client, got)
	require.NoError(t, err)
	if diff := cmp.Diff(down, got); diff != "" {
		t.Fatalf("Downstream payload corrupted (-want +got):\n%s", diff)
	}

	client.Close()
	r := waitRelay(t, res)
	require.NoError(t, r.err)
	require.Equal(t, RelayStats{Sent: int64(len(up)), Received: int64(len(down))}, r.stats)
	requireClosed(t, server)
}

func TestRelayEmptyStream(t *testing.T) {
	client, server, res := startRelay(t)
	client.Close()

	r := waitRelay(t, res)
	require.NoError(t, r.err)
	require.Equal(t, RelayStats{}, r.stats)

	server.SetReadDeadline(time.Now().Add(testTimeout))
	b, err := io.ReadAll(server)
	require.NoError(t, err)
	require.Empty(t, b)
}

func TestRelayRemoteCloseClosesLocal(t *testing.T) {
	client, server, res := startRelay(t)

	_, err := server.Write([]byte("bye"))
	require.NoError(t, err)
	server.Close()

	client.SetReadDeadline(time.Now().Add(testTimeout))
	b, err := io.ReadAll(client)
	require.NoError(t, err)
	require.Equal(t, "bye", string(b))

	r := waitRelay(t, res)
	require.NoError(t, r.err)
	require.EqualValues(t, 3, r.stats.Received)
}

func TestRelayCloseUnblocksCopies(t *testing.T) {
	client, local := tcpPair(t)
	remote, server := tcpPair(t)
	r := newRelay(local, remote)
	res := make(chan error, 1)
	go func() {
		_, err := r.run()
		res <- err
	}()

	r.Close()
	r.Close()
	select {
	case err := <-res:
		require.NoError(t, err)
	case <-time.After(testTimeout):
		t.Fatal("run did not return after Close")
	}
	requireClosed(t, client)
	requireClosed(t, server)
}

func TestRelaysAreIsolated(t *testing.T) {
	c1, s1, res1 := startRelay(t)
	c2, s2, res2 := startRelay(t)

	_, err := c1.Write([]byte("one"))
	require.NoError(t, err)
	_, err = c2.Write([]byte("two"))
	require.NoError(t, err)
	c1.Close()
	c2.Close()

	for _, tc := range []struct {
		conn net.Conn
		want string
	}{{s1, "one"}, {s2, "two"}} {
		tc.conn.SetReadDeadline(time.Now().Add(testTimeout))
		b, err := io.ReadAll(tc.conn)
		require.NoError(t, err)
		require.Equal(t, tc.want, string(b))
	}
	require.NoError(t, waitRelay(t, res1).err)
	require.NoError(t, waitRelay(t, res2).err)
}

func TestCopyWithBufferBoundsReads(t *testing.T) {
	src := &countingReader{r: bytes.NewReader(make([]byte, 3*RelayBufferSize+1))}
	var dst bytes.Buffer
	n, err := CopyWithBuffer(&dst, src)
	require.NoError(t, err)
	require.EqualValues(t, 3*RelayBufferSize+1, n)
	require.Equal(t, RelayBufferSize, src.max)
}

type countingReader struct {
	r   io.Reader
	max int
}

func (c *countingReader) Read(p []byte) (int, error) {
	if len(p) > c.max {
		c.max = len(p)
	}
	return c.r.Read(p)
}

func TestIsIgnorableError(t *testing.T) {
	for _, tc := range []struct {
		err  error
		want bool
	}{
		{nil, false},
		{io.EOF, true},
		{net.ErrClosed, true},
		{io.ErrClosedPipe, true},
		{&net.OpError{Op: "read", Err: net.ErrClosed}, true},
		{io.ErrUnexpectedEOF, false},
	} {
		require.Equal(t, tc.want, isIgnorableError(tc.err), "isIgnorableError(%v)", tc.err)
	}
}
