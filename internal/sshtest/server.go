package sshtest

import (
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/ssh"
)

// Server is an SSH server listening on a random loopback port that accepts
// direct-tcpip channels only.
type Server struct {
	cfg      *ssh.ServerConfig
	listener net.Listener
	hostKey  ssh.Signer

	mu             sync.Mutex
	users          map[string][]byte // username -> bcrypt hash
	authorizedKeys [][]byte
	conns          map[*ssh.ServerConn]struct{}
	origins        []string
	closed         bool

	rejectChannels atomic.Bool
	wg             sync.WaitGroup
}

// NewServer starts a server with a new ed25519 host key and no users.
func NewServer() (*Server, error) {
	signer, _, err := GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate host key: %v", err)
	}

	ls, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		listener: ls,
		hostKey:  signer,
		users:    make(map[string][]byte),
		conns:    make(map[*ssh.ServerConn]struct{}),
	}
	s.cfg = &ssh.ServerConfig{
		PasswordCallback:  s.passwordAuth,
		PublicKeyCallback: s.publicKeyAuth,
		ServerVersion:     "SSH-2.0-sshfwd_test",
	}
	s.cfg.AddHostKey(signer)

	go s.serve()
	return s, nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.wg.Add(1)
		s.mu.Unlock()
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// handleConn performs the SSH handshake and processes port forwarding channels
// until the client disconnects.
func (s *Server) handleConn(conn net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.cfg)
	if err != nil {
		// If handshake fails, close connection.
		conn.Close()
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sshConn.Close()
		return
	}
	s.conns[sshConn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, sshConn)
		s.mu.Unlock()
		sshConn.Close()
	}()

	// Global requests (keepalives included) are answered with false.
	go ssh.DiscardRequests(reqs)
	s.handleChannels(chans)
}

// Addr returns the address on which the server is listening.
func (s *Server) Addr() *net.TCPAddr {
	return s.listener.Addr().(*net.TCPAddr)
}

// Host returns the server's IP address as a string.
func (s *Server) Host() string {
	return s.Addr().IP.String()
}

// Port returns the server's port.
func (s *Server) Port() int {
	return s.Addr().Port
}

// HostKey returns the server's public host key.
func (s *Server) HostKey() ssh.PublicKey {
	return s.hostKey.PublicKey()
}

// RejectChannels controls whether direct-tcpip channel requests are refused.
func (s *Server) RejectChannels(v bool) {
	s.rejectChannels.Store(v)
}

// Origins returns the originator addresses announced by accepted channel requests, in order.
func (s *Server) Origins() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.origins...)
}

// CloseConnections severs every established SSH connection. The server keeps listening.
func (s *Server) CloseConnections() {
	s.mu.Lock()
	conns := make([]*ssh.ServerConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		if err := c.Close(); err != nil {
			log.Printf("sshtest: closing connection from %v: %v", c.RemoteAddr(), err)
		}
	}
}

// Close stops listening, severs every connection and waits for handlers to exit.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	err := s.listener.Close()
	s.CloseConnections()
	s.wg.Wait()
	return err
}
