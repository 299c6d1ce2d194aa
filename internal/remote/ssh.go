// Package remote implements the remote-capture SSH shell transport
// (§1 "the SSH transport used to run a remote capture tool"): an
// external-collaborator boundary that runs a capture helper on a remote
// host and streams its stdout (raw pcap bytes) back to the caller.
//
// Credentials are accepted in-memory only for the lifetime of a single
// Dial call; this package never persists them, matching the Non-goal
// "persistent storage of saved remote-host credentials".
package remote

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ssh"
)

// Credentials are supplied by the caller for one connection attempt.
type Credentials struct {
	User     string
	Password string // may be combined with PrivateKeyPEM; Dial offers every method supplied
	PrivateKeyPEM []byte
	HostKeyCallback ssh.HostKeyCallback // required; InsecureIgnoreHostKey is the caller's explicit choice
}

// Session wraps one SSH connection used to drive a remote capture.
type Session struct {
	client *ssh.Client
}

// Dial opens an SSH connection to addr ("host:22") using creds.
func Dial(addr string, creds Credentials) (*Session, error) {
	var auths []ssh.AuthMethod
	if len(creds.PrivateKeyPEM) > 0 {
		signer, err := ssh.ParsePrivateKey(creds.PrivateKeyPEM)
		if err != nil {
			return nil, errors.Wrap(err, "parsing private key")
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}
	if creds.Password != "" {
		auths = append(auths, ssh.Password(creds.Password))
	}
	if len(auths) == 0 {
		return nil, errors.New("no usable SSH credentials supplied")
	}
	if creds.HostKeyCallback == nil {
		return nil, errors.New("a host key callback is required")
	}

	config := &ssh.ClientConfig{
		User:            creds.User,
		Auth:            auths,
		HostKeyCallback: creds.HostKeyCallback,
	}

	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, errors.Wrap(err, "dialing remote host")
	}

	return &Session{client: client}, nil
}

// Close terminates the underlying SSH connection.
func (s *Session) Close() error {
	return s.client.Close()
}

// RunCapture runs a remote packet-capture command (e.g.
// "tcpdump -i any -w - <filterExpr>") and returns its stdout as a
// streaming reader of raw capture bytes. The returned ReadCloser must be
// closed by the caller; closing it also ends the remote session.
func (s *Session) RunCapture(ctx context.Context, command string) (io.ReadCloser, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, errors.Wrap(err, "opening ssh session")
	}

	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, errors.Wrap(err, "attaching to remote stdout")
	}

	if err := sess.Start(command); err != nil {
		sess.Close()
		return nil, errors.Wrap(err, "starting remote capture command")
	}

	go func() {
		<-ctx.Done()
		sess.Signal(ssh.SIGTERM) //nolint:errcheck // best-effort on cancellation
	}()

	return &captureStream{stdout: stdout, session: sess}, nil
}

// captureStream adapts an ssh.Session's stdout pipe into an io.ReadCloser
// that also tears down the session on Close.
type captureStream struct {
	stdout io.Reader
	session *ssh.Session
}

func (c *captureStream) Read(p []byte) (int, error) {
	return c.stdout.Read(p)
}

func (c *captureStream) Close() error {
	return c.session.Close()
}
