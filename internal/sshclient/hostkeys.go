package sshclient

import (
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// knownHostsMu serializes appends to known_hosts files within the process.
var knownHostsMu sync.Mutex

// hostKeyCallback returns a callback that verifies host keys against
// o.KnownHostsFile and applies o.HostKeyPolicy to unknown hosts.
// Every rejection is also reported through rejected, so that it can be told
// apart from other handshake failures.
func (o *Options) hostKeyCallback(rejected *error) (ssh.HostKeyCallback, error) {
	check := func(string, net.Addr, ssh.PublicKey) error {
		return &knownhosts.KeyError{}
	}
	if o.KnownHostsFile != "" {
		if o.HostKeyPolicy == AcceptAndPersist {
			if err := ensureFile(o.KnownHostsFile); err != nil {
				return nil, err
			}
		}
		if _, err := os.Stat(o.KnownHostsFile); err == nil {
			kh, err := knownhosts.New(o.KnownHostsFile)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to load %s", o.KnownHostsFile)
			}
			check = kh
		} else if !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "failed to stat %s", o.KnownHostsFile)
		}
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := o.verifyHostKey(check, hostname, remote, key)
		if err != nil {
			*rejected = err
		}
		return err
	}, nil
}

func (o *Options) verifyHostKey(check ssh.HostKeyCallback, hostname string, remote net.Addr, key ssh.PublicKey) error {
	err := check(hostname, remote, key)
	if err == nil {
		return nil
	}
	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) {
		return err
	}
	fp := ssh.FingerprintSHA256(key)
	log := o.Logger.WithFields(logrus.Fields{"host": hostname, "fingerprint": fp})
	if len(keyErr.Want) > 0 {
		// The host is known under a different key.
		log.Errorf("Host key for %s has changed; possible man-in-the-middle attack", hostname)
		return errors.Errorf("host key mismatch for %s (%s %s)", hostname, key.Type(), fp)
	}

	switch o.HostKeyPolicy {
	case RejectUnknown:
		return errors.Errorf("unknown host %s (%s %s)", hostname, key.Type(), fp)
	case WarnAndAccept:
		log.Warnf("Accepting unknown host key for %s", hostname)
		return nil
	default:
		if o.KnownHostsFile == "" {
			log.Warnf("Accepting unknown host key for %s (no known_hosts file)", hostname)
			return nil
		}
		if err := appendKnownHost(o.KnownHostsFile, hostname, remote, key); err != nil {
			return err
		}
		log.Infof("Permanently added %s to %s", hostname, o.KnownHostsFile)
		return nil
	}
}

// appendKnownHost records key for hostname (and its address, if different) in path.
func appendKnownHost(path, hostname string, remote net.Addr, key ssh.PublicKey) error {
	addrs := []string{knownhosts.Normalize(hostname)}
	if remote != nil {
		if r := knownhosts.Normalize(remote.String()); r != addrs[0] {
			addrs = append(addrs, r)
		}
	}

	knownHostsMu.Lock()
	defer knownHostsMu.Unlock()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0600)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", path)
	}
	defer f.Close()
	if _, err := f.WriteString(knownhosts.Line(addrs, key) + "\n"); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}

// ensureFile creates path and its directory if they do not exist.
func ensureFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return errors.Wrapf(err, "failed to create %s", filepath.Dir(path))
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", path)
	}
	return f.Close()
}
