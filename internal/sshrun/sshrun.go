// Package sshrun executes single commands on remote hosts over SSH. Every
// call is bounded by explicit connect and command timeouts, and transport
// failures are retried once with backoff before surfacing as ErrTransient.
package sshrun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/crypto/ssh"
)

const (
	connectTimeout = 15 * time.Second
	commandTimeout = 15 * time.Second
)

// ErrTransient marks a remote failure the caller may retry later.
var ErrTransient = errors.New("remote temporarily unavailable")

// Runner executes a shell command on a fixed remote host.
type Runner interface {
	Run(ctx context.Context, command string) (string, error)
}

// Config identifies a remote host and its credentials. Exactly one of
// Password or PrivateKeyPEM must be set.
type Config struct {
	Host          string
	Port          int
	User          string
	Password      string
	PrivateKeyPEM []byte
	Label         string // log prefix, e.g. "vpn" or "region"
}

// Client is the production Runner over golang.org/x/crypto/ssh. Connections
// are per-command: the broker issues a handful of commands per tick, so a
// persistent session is not worth the reconnect bookkeeping.
type Client struct {
	cfg  Config
	auth []ssh.AuthMethod
}

// NewClient validates credentials and prepares auth methods.
func NewClient(cfg Config) (*Client, error) {
	var auth []ssh.AuthMethod
	if len(cfg.PrivateKeyPEM) > 0 {
		signer, err := ssh.ParsePrivateKey(cfg.PrivateKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("sshrun: parse private key for %s: %w", cfg.Host, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("sshrun: no credentials for %s", cfg.Host)
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	return &Client{cfg: cfg, auth: auth}, nil
}

// Run executes command remotely and returns its stdout. A failed attempt is
// retried once after a short backoff; the final failure wraps ErrTransient.
// A non-zero remote exit status is not retried: the command reached the host
// and the host said no.
func (c *Client) Run(ctx context.Context, command string) (string, error) {
	bo := backoff.WithContext(newRetryPolicy(), ctx)

	var out string
	err := backoff.Retry(func() error {
		var attemptErr error
		out, attemptErr = c.runOnce(ctx, command)
		if attemptErr == nil {
			return nil
		}
		var exitErr *ssh.ExitError
		if errors.As(attemptErr, &exitErr) {
			return backoff.Permanent(attemptErr)
		}
		log.Printf("[ssh:%s] retrying after error: %v", c.cfg.Label, attemptErr)
		return attemptErr
	}, bo)
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return out, fmt.Errorf("sshrun: %s: command %q exited %d", c.cfg.Host, firstWord(command), exitErr.ExitStatus())
		}
		return out, fmt.Errorf("sshrun: %s: %v: %w", c.cfg.Host, err, ErrTransient)
	}
	return out, nil
}

func (c *Client) runOnce(ctx context.Context, command string) (string, error) {
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	dialer := net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", addr, err)
	}

	clientCfg := &ssh.ClientConfig{
		User: c.cfg.User,
		Auth: c.auth,
		// Hosts are operator-provisioned VMs addressed by IP from env config.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         connectTimeout,
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("handshake %s: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("session %s: %w", addr, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()
	select {
	case <-cmdCtx.Done():
		// Closing the session tears down the remote command.
		session.Close()
		return stdout.String(), fmt.Errorf("command timed out: %w", cmdCtx.Err())
	case err := <-done:
		if err != nil {
			return stdout.String(), fmt.Errorf("run: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
		}
		return stdout.String(), nil
	}
}

func newRetryPolicy() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	return backoff.WithMaxRetries(bo, 1)
}

func firstWord(s string) string {
	if i := strings.IndexByte(s, ' '); i > 0 {
		return s[:i]
	}
	return s
}
