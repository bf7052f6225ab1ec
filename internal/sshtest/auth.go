package sshtest

import (
	"bytes"
	"fmt"
	"log"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/ssh"
)

// AddUser allows username to log in with password.
func (s *Server) AddUser(username, password string) error {
	if username == "" {
		return fmt.Errorf("username cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.users[username] = hash
	s.mu.Unlock()
	return nil
}

// AuthorizeKey allows any user to log in with the private key matching pub.
func (s *Server) AuthorizeKey(pub ssh.PublicKey) {
	s.mu.Lock()
	s.authorizedKeys = append(s.authorizedKeys, pub.Marshal())
	s.mu.Unlock()
}

// passwordAuth is an ssh.PasswordCallback checking the bcrypt hashes added with AddUser.
func (s *Server) passwordAuth(c ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	s.mu.Lock()
	hash, ok := s.users[c.User()]
	s.mu.Unlock()
	if ok && bcrypt.CompareHashAndPassword(hash, password) == nil {
		return nil, nil
	}
	log.Printf("sshtest: failed password login for user '%s'", c.User())
	return nil, fmt.Errorf("invalid credentials")
}

// publicKeyAuth is an ssh.PublicKeyCallback checking the keys added with AuthorizeKey.
func (s *Server) publicKeyAuth(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
	want := pubKey.Marshal()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.authorizedKeys {
		if bytes.Equal(k, want) {
			return &ssh.Permissions{}, nil
		}
	}
	return nil, fmt.Errorf("unknown public key for %q", c.User())
}
