// Package rcc implements the remote control channel to the PBX host: command
// execution over SSH and file transfer over SFTP.
package rcc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Channel is the contract the call orchestrator and PBX helpers consume.
type Channel interface {
	Execute(ctx context.Context, cmd string) (string, error)
	Upload(ctx context.Context, localPath, remotePath string) error
	WriteFile(ctx context.Context, remotePath string, content []byte) error
	IsConnected() bool
}

// Config holds SSH connection parameters for the PBX host.
type Config struct {
	Addr       string // host:port
	User       string
	Password   string
	KeyFile    string
	KnownHosts string
	Timeout    time.Duration
}

// Client is an SSH backed Channel that connects lazily and reconnects when
// the session has dropped.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	conn *ssh.Client
	fs   *sftp.Client
}

// NewClient creates a Client. No connection is made until the first command
// or an explicit Connect.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		logger: logger.With("subsystem", "rcc", "addr", cfg.Addr),
	}
}

// Connect establishes the SSH connection, replacing any existing one.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return c.connectLocked(ctx)
}

// Close tears down the SFTP and SSH sessions.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

// IsConnected reports whether the SSH connection is up and answering
// keepalive requests.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return false
	}
	// The reply flag is irrelevant; only a transport error means the link is gone.
	_, _, err := conn.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}

// Execute runs cmd on the PBX host and returns its standard output. A non-zero
// exit status is returned as *CommandError. If the session cannot be opened
// the connection is re-established once before giving up.
func (c *Client) Execute(ctx context.Context, cmd string) (string, error) {
	session, err := c.newSession(ctx)
	if err != nil {
		return "", err
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		return "", fmt.Errorf("executing %q: %w", cmd, ctx.Err())
	case err = <-done:
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), &CommandError{
				Command:    cmd,
				ExitStatus: exitErr.ExitStatus(),
				Stderr:     stderr.String(),
			}
		}
		c.dropConnection()
		return "", &ConnectionError{Addr: c.cfg.Addr, Op: "exec", Err: err}
	}

	c.logger.Debug("command executed", "command", cmd)
	return stdout.String(), nil
}

// Upload copies a local file to remotePath, creating parent directories and
// truncating any existing file.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer f.Close()

	if err := c.writeRemote(ctx, remotePath, f); err != nil {
		return err
	}
	c.logger.Info("file uploaded", "local", localPath, "remote", remotePath)
	return nil
}

// WriteFile writes content to remotePath verbatim. No newline is appended.
func (c *Client) WriteFile(ctx context.Context, remotePath string, content []byte) error {
	return c.writeRemote(ctx, remotePath, bytes.NewReader(content))
}

func (c *Client) writeRemote(ctx context.Context, remotePath string, r io.Reader) error {
	fs, err := c.sftpClient(ctx)
	if err != nil {
		return err
	}

	if err := fs.MkdirAll(path.Dir(remotePath)); err != nil {
		c.dropConnection()
		return &ConnectionError{Addr: c.cfg.Addr, Op: "mkdir", Err: err}
	}
	dst, err := fs.Create(remotePath)
	if err != nil {
		return fmt.Errorf("creating remote %s: %w", remotePath, err)
	}
	if _, err := io.Copy(dst, r); err != nil {
		dst.Close()
		return fmt.Errorf("writing remote %s: %w", remotePath, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("closing remote %s: %w", remotePath, err)
	}
	return nil
}

func (c *Client) newSession(ctx context.Context) (*ssh.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		if err := c.connectLocked(ctx); err != nil {
			return nil, err
		}
	}

	session, err := c.conn.NewSession()
	if err == nil {
		return session, nil
	}

	c.logger.Warn("ssh session failed, reconnecting", "error", err)
	c.closeLocked()
	if err := c.connectLocked(ctx); err != nil {
		return nil, err
	}
	session, err = c.conn.NewSession()
	if err != nil {
		c.closeLocked()
		return nil, &ConnectionError{Addr: c.cfg.Addr, Op: "session", Err: err}
	}
	return session, nil
}

func (c *Client) sftpClient(ctx context.Context) (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fs != nil {
		return c.fs, nil
	}
	if c.conn == nil {
		if err := c.connectLocked(ctx); err != nil {
			return nil, err
		}
	}

	fs, err := sftp.NewClient(c.conn)
	if err != nil {
		// The connection may be stale; retry once on a fresh one.
		c.closeLocked()
		if err := c.connectLocked(ctx); err != nil {
			return nil, err
		}
		fs, err = sftp.NewClient(c.conn)
		if err != nil {
			return nil, &ConnectionError{Addr: c.cfg.Addr, Op: "sftp", Err: err}
		}
	}
	c.fs = fs
	return fs, nil
}

func (c *Client) dropConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.cfg.Addr == "" {
		return ErrNotConfigured
	}

	clientCfg, err := c.clientConfig()
	if err != nil {
		return err
	}

	dialer := net.Dialer{Timeout: c.cfg.Timeout}
	nc, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return classifyDialError(c.cfg.Addr, err)
	}

	// Bound the handshake and abort it if ctx ends first.
	nc.SetDeadline(time.Now().Add(c.cfg.Timeout))
	stop := context.AfterFunc(ctx, func() { nc.Close() })
	sc, chans, reqs, err := ssh.NewClientConn(nc, c.cfg.Addr, clientCfg)
	stop()
	if err != nil {
		nc.Close()
		if ctx.Err() != nil {
			return classifyDialError(c.cfg.Addr, ctx.Err())
		}
		return classifyDialError(c.cfg.Addr, err)
	}
	nc.SetDeadline(time.Time{})

	c.conn = ssh.NewClient(sc, chans, reqs)
	c.logger.Info("ssh connection established", "user", c.cfg.User)
	return nil
}

func (c *Client) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if c.cfg.KeyFile != "" {
		pem, err := os.ReadFile(c.cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parsing ssh key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if c.cfg.Password != "" {
		password := c.cfg.Password
		auth = append(auth,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	hostKeys := ssh.InsecureIgnoreHostKey()
	if c.cfg.KnownHosts != "" {
		cb, err := knownhosts.New(c.cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("loading known_hosts: %w", err)
		}
		hostKeys = cb
	} else {
		c.logger.Warn("pbx host key not verified, set pbx-known-hosts to pin it")
	}

	return &ssh.ClientConfig{
		User:            c.cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         c.cfg.Timeout,
	}, nil
}

func (c *Client) closeLocked() error {
	var errs []error
	if c.fs != nil {
		errs = append(errs, c.fs.Close())
		c.fs = nil
	}
	if c.conn != nil {
		errs = append(errs, c.conn.Close())
		c.conn = nil
		c.logger.Info("ssh connection closed")
	}
	return errors.Join(errs...)
}
