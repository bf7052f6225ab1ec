package sshtest

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

const dialTimeout = 5 * time.Second

// channelBufs holds 32KB scratch buffers shared by all channel copies.
var channelBufs = sync.Pool{
	New: func() interface{} {
		b := make([]byte, 32*1024)
		return &b
	},
}

func copyWithBuffer(dst io.Writer, src io.Reader) (int64, error) {
	b := channelBufs.Get().(*[]byte)
	defer channelBufs.Put(b)
	return io.CopyBuffer(dst, src, *b)
}

// directTCPIP is the decoded extra data of a direct-tcpip channel request.
type directTCPIP struct {
	targetHost string
	targetPort uint32
	originHost string
	originPort uint32
}

// handleChannels processes incoming SSH channels. Only direct-tcpip is accepted;
// each accepted channel is relayed on its own goroutine.
func (s *Server) handleChannels(chans <-chan ssh.NewChannel) {
	for newChannel := range chans {
		if newChannel.ChannelType() != "direct-tcpip" {
			newChannel.Reject(ssh.UnknownChannelType, "only port forwarding allowed")
			continue
		}

		req, err := parseDirectTCPIPExtra(newChannel.ExtraData())
		if err != nil {
			newChannel.Reject(ssh.Prohibited, err.Error())
			continue
		}
		if s.rejectChannels.Load() {
			newChannel.Reject(ssh.Prohibited, "port forwarding disabled")
			continue
		}

		// Dial before accepting so that unreachable targets surface as channel open failures.
		addr := net.JoinHostPort(req.targetHost, strconv.Itoa(int(req.targetPort)))
		target, err := net.DialTimeout("tcp", addr, dialTimeout)
		if err != nil {
			newChannel.Reject(ssh.ConnectionFailed, err.Error())
			continue
		}

		ch, reqs, err := newChannel.Accept()
		if err != nil {
			log.Printf("sshtest: error accepting channel: %v", err)
			target.Close()
			continue
		}
		go ssh.DiscardRequests(reqs)

		s.mu.Lock()
		s.origins = append(s.origins, net.JoinHostPort(req.originHost, strconv.Itoa(int(req.originPort))))
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			forwardData(ch, target)
		}()
	}
}

// forwardData relays data bidirectionally between an SSH channel and a target
// connection. Both are closed as soon as either direction ends.
func forwardData(ch ssh.Channel, target net.Conn) {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			target.Close()
			ch.Close()
		})
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer closeBoth()
		copyWithBuffer(target, ch)
	}()
	go func() {
		defer wg.Done()
		defer closeBoth()
		copyWithBuffer(ch, target)
	}()
	wg.Wait()
}

// parseDirectTCPIPExtra decodes the target and originator of a direct-tcpip request
// (RFC 4254 7.2): string host, uint32 port, string originator, uint32 originator port.
func parseDirectTCPIPExtra(extra []byte) (directTCPIP, error) {
	var d directTCPIP
	host, rest, err := readString(extra)
	if err != nil {
		return d, fmt.Errorf("invalid direct-tcpip request: %v", err)
	}
	if len(rest) < 4 {
		return d, fmt.Errorf("invalid direct-tcpip request: insufficient data for port")
	}
	d.targetHost = host
	d.targetPort = binary.BigEndian.Uint32(rest[:4])
	rest = rest[4:]

	origin, rest, err := readString(rest)
	if err != nil || len(rest) < 4 {
		// Originator fields are informative; tolerate their absence.
		return d, nil
	}
	d.originHost = origin
	d.originPort = binary.BigEndian.Uint32(rest[:4])
	return d, nil
}

// readString reads a uint32 length-prefixed string.
func readString(b []byte) (string, []byte, error) {
	if len(b) < 4 {
		return "", nil, fmt.Errorf("insufficient data for string length")
	}
	l := int(binary.BigEndian.Uint32(b[:4]))
	if l < 0 || len(b) < 4+l {
		return "", nil, fmt.Errorf("insufficient data for %d-byte string", l)
	}
	return string(b[4 : 4+l]), b[4+l:], nil
}
