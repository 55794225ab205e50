// Package transport provides the authenticated, encrypted channel
// replication runs over (spec §6): Ed25519 host keys identify peers,
// and the channel itself is an SSH session restricted to a single
// "vaultsync" command, used purely as a secure pipe for replication
// frames rather than a general remote shell.
package transport

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"io"
	"net"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// SyncCommand is the only remote command a server will execute; it
// exists purely to obtain a full-duplex byte channel, not to run an
// arbitrary shell.
const SyncCommand = "vaultsync"

// Channel adapts an ssh.Channel (or the stdin/stdout pipes of an
// ssh.Session) into the io.Reader/Writer/Closer shape
// replication.Conn and replication.Reader both expect.
type Channel struct {
	r io.Reader
	w io.Writer
	c io.Closer
}

func (c *Channel) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *Channel) Write(p []byte) (int, error) { return c.w.Write(p) }
func (c *Channel) Close() error {
	if c.c != nil {
		return c.c.Close()
	}
	return nil
}

// Server accepts authenticated replication connections. The identity
// of a node on the wire is the stringified entity UUID, used as the
// SSH user name (spec §6).
type Server struct {
	listener net.Listener
	config   *ssh.ServerConfig
	logger   *logrus.Logger
}

// NewServer builds a replication server bound to addr, authenticating
// peers by Ed25519 public key only (no password auth).
func NewServer(addr string, hostKey ssh.Signer, authorizedKeys func(entityID string, key ssh.PublicKey) bool, lg *logrus.Logger) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen: %w", err)
	}
	config := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if !authorizedKeys(conn.User(), key) {
				return nil, fmt.Errorf("transport: unauthorized key for entity %s", conn.User())
			}
			return &ssh.Permissions{Extensions: map[string]string{"entity-id": conn.User()}}, nil
		},
	}
	config.AddHostKey(hostKey)
	return &Server{listener: listener, config: config, logger: lg}, nil
}

// Accept blocks for one incoming connection, completes the SSH
// handshake, and returns a Channel for the peer's first session channel
// plus the authenticated entity id. The Channel is returned as soon as
// the session channel is accepted; exec requests on it are answered in
// the background (true only for "vaultsync").
func (s *Server) Accept(ctx context.Context) (*Channel, string, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	accepted := make(chan result, 1)
	go func() {
		c, err := s.listener.Accept()
		accepted <- result{c, err}
	}()
	var raw net.Conn
	select {
	case <-ctx.Done():
		return nil, "", ctx.Err()
	case r := <-accepted:
		if r.err != nil {
			return nil, "", fmt.Errorf("transport: accept: %w", r.err)
		}
		raw = r.conn
	}

	sshConn, chans, reqs, err := ssh.NewServerConn(raw, s.config)
	if err != nil {
		raw.Close()
		return nil, "", fmt.Errorf("transport: handshake: %w", err)
	}
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "only session channels supported")
			continue
		}
		channel, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go serveSessionRequests(requests, channel)
		entityID := sshConn.Permissions.Extensions["entity-id"]
		return &Channel{r: channel, w: channel, c: channel}, entityID, nil
	}
	return nil, "", fmt.Errorf("transport: connection closed before session channel opened")
}

func serveSessionRequests(requests <-chan *ssh.Request, channel ssh.Channel) {
	for req := range requests {
		ok := req.Type == "exec"
		if req.Type == "exec" {
			// Accept only the sync command payload; the first 4 bytes
			// are a length prefix per the SSH exec request encoding.
			if len(req.Payload) < 4 {
				ok = false
			} else {
				cmd := string(req.Payload[4:])
				ok = cmd == SyncCommand
			}
		}
		if req.WantReply {
			req.Reply(ok, nil)
		}
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error { return s.listener.Close() }

// Dial connects to addr as entityID, authenticating with signKey (an
// Ed25519 signer), verifying the server's host key against
// expectedHostKey.
func Dial(ctx context.Context, addr, entityID string, signKey ssh.Signer, expectedHostKey ssh.PublicKey) (*Channel, error) {
	config := &ssh.ClientConfig{
		User:            entityID,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signKey)},
		HostKeyCallback: ssh.FixedHostKey(expectedHostKey),
	}
	dialer := net.Dialer{}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial: %w", err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(raw, addr, config)
	if err != nil {
		raw.Close()
		return nil, fmt.Errorf("transport: handshake: %w", err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("transport: session: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		client.Close()
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		client.Close()
		return nil, err
	}
	if err := session.Start(SyncCommand); err != nil {
		client.Close()
		return nil, fmt.Errorf("transport: start sync command: %w", err)
	}
	return &Channel{r: stdout, w: stdin, c: closerFunc(func() error {
		session.Close()
		return client.Close()
	})}, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// HostKeyFromEd25519 wraps a raw Ed25519 private key (as produced by
// internal/crypto.KeypairSign) into an ssh.Signer for use as a host or
// client key, so transport never needs its own key type.
func HostKeyFromEd25519(priv ed25519.PrivateKey) (ssh.Signer, error) {
	return ssh.NewSignerFromKey(priv)
}
