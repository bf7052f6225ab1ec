package sshclient

import (
	"io"
	"net"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// defaultKeyNames are looked up in Options.KeyDir, in order.
var defaultKeyNames = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// authMethods returns authentication methods to use when connecting, in the order
// they are offered: public keys, ssh-agent, password, keyboard-interactive.
// The returned closer releases the agent connection, if one was opened; it must
// be called once the handshake has finished.
func (o *Options) authMethods() ([]ssh.AuthMethod, io.Closer, error) {
	var methods []ssh.AuthMethod
	var closer io.Closer = nopCloser{}

	if !o.NoKeys {
		// Start with SSH keys.
		var signers []ssh.Signer
		if o.KeyFile != "" {
			s, _, err := o.readPrivateKey(o.KeyFile)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "failed to read private key %s", o.KeyFile)
			}
			signers = append(signers, s)
		}
		if o.KeyDir != "" {
			for _, fn := range defaultKeyNames {
				p := filepath.Join(o.KeyDir, fn)
				if p == o.KeyFile {
					continue
				} else if _, err := os.Stat(p); os.IsNotExist(err) {
					continue
				}
				if s, rok, err := o.readPrivateKey(p); err == nil {
					signers = append(signers, s)
				} else if rok {
					o.Logger.WithError(err).Debugf("Skipping private key %s", p)
				} else {
					o.Logger.WithError(err).Warnf("Failed to read %s", p)
				}
			}
		}
		if len(signers) > 0 {
			methods = append(methods, ssh.PublicKeys(signers...))
		}

		// Connect to ssh-agent if it's running.
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			if a, err := net.Dial("unix", sock); err == nil {
				methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(a).Signers))
				closer = a
			} else {
				o.Logger.WithError(err).Warnf("Failed to connect to ssh-agent at %s", sock)
			}
		}
	}

	if o.Password != "" {
		password := o.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(user, inst string, qs []string, es []bool) ([]string, error) {
				answers := make([]string, len(qs))
				for i := range qs {
					answers[i] = password
				}
				return answers, nil
			}))
	}

	if len(methods) == 0 {
		closer.Close()
		return nil, nil, &Error{Kind: ErrAuthentication, Addr: o.addr(), Err: errors.New("no authentication methods available")}
	}
	return methods, closer, nil
}

// readPrivateKey reads and decodes a private SSH key from path, decrypting it with
// the password when the key is passphrase-protected.
// rok is true if the key data was read successfully off disk and false if it wasn't.
// Note that err may be set while rok is true if the key was malformed or could not be decrypted.
func (o *Options) readPrivateKey(path string) (s ssh.Signer, rok bool, err error) {
	k, err := os.ReadFile(path)
	if err != nil {
		return nil, false, err
	}
	s, err = ssh.ParsePrivateKey(k)
	var missing *ssh.PassphraseMissingError
	if errors.As(err, &missing) && o.Password != "" {
		s, err = ssh.ParsePrivateKeyWithPassphrase(k, []byte(o.Password))
	}
	return s, true, err
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
