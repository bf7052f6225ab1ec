package tunnel

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

const testTimeout = 10 * time.Second

// testLogger returns a logger that discards output and records entries.
func testLogger() (*logrus.Logger, *logtest.Hook) {
	l, hook := logtest.NewNullLogger()
	l.SetLevel(logrus.DebugLevel)
	return l, hook
}

// startServer listens on a loopback port and runs handle for each connection.
// It returns the listening host and port.
func startServer(t *testing.T, handle func(net.Conn)) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				handle(c)
			}()
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

// startEchoServer starts a server that echoes every byte back.
func startEchoServer(t *testing.T) (string, int) {
	return startServer(t, func(c net.Conn) { io.Copy(c, c) })
}

// startGreeter starts a server that prefixes every line it receives with name.
func startGreeter(t *testing.T, name string) (string, int) {
	return startServer(t, func(c net.Conn) {
		sc := bufio.NewScanner(c)
		for sc.Scan() {
			if _, err := io.WriteString(c, name+": "+sc.Text()+"\n"); err != nil {
				return
			}
		}
	})
}

func dialLocal(t *testing.T, port int) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", net.JoinHostPort(LocalHost, strconv.Itoa(port)), testTimeout)
	require.NoError(t, err)
	c.SetDeadline(time.Now().Add(testTimeout))
	t.Cleanup(func() { c.Close() })
	return c
}

// roundTrip writes line to c and returns the first line read back.
func roundTrip(t *testing.T, c net.Conn, line string) string {
	t.Helper()
	_, err := io.WriteString(c, line+"\n")
	require.NoError(t, err)
	got, err := bufio.NewReader(c).ReadString('\n')
	require.NoError(t, err)
	return got[:len(got)-1]
}

// requireClosed checks that the peer of c closed the connection.
func requireClosed(t *testing.T, c net.Conn) {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(testTimeout))
	_, err := c.Read(make([]byte, 1))
	require.Error(t, err)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatal("Connection was not closed")
	}
}

// fakeTransport opens "channels" by dialing the remote address directly.
type fakeTransport struct {
	mu       sync.Mutex
	origins  []string
	conns    []net.Conn
	openErr  error
	closed   bool
	done     chan struct{}
	doneOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{done: make(chan struct{})}
}

func (f *fakeTransport) OpenChannel(remoteAddr, originAddr string) (io.ReadWriteCloser, error) {
	f.mu.Lock()
	err := f.openErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c, err := net.DialTimeout("tcp", remoteAddr, testTimeout)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		c.Close()
		return nil, errors.New("transport closed")
	}
	f.origins = append(f.origins, originAddr)
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeTransport) setOpenErr(err error) {
	f.mu.Lock()
	f.openErr = err
	f.mu.Unlock()
}

func (f *fakeTransport) Origins() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.origins...)
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) Wait() error {
	<-f.done
	return io.EOF
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	conns := f.conns
	f.conns = nil
	f.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	f.doneOnce.Do(func() { close(f.done) })
	return nil
}

// tcpPair returns the two ends of a loopback TCP connection.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()
	a, err := net.DialTimeout("tcp", ln.Addr().String(), testTimeout)
	require.NoError(t, err)
	b, ok := <-accepted
	require.True(t, ok, "Accept failed")
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}
