// Package sshclient implements transport.Client over SSH using
// golang.org/x/crypto/ssh, with SFTP (github.com/pkg/sftp) as the secondary
// file-transfer channel.
package sshclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/havenssh/core/internal/logutil"
	"github.com/havenssh/core/internal/transport"
)

const (
	// defaultConnectTimeout applies when Config.Timeout is zero.
	defaultConnectTimeout = 15 * time.Second

	keepaliveRequest = "keepalive@openssh.com"
)

// Client is a transport.Client backed by a single SSH connection. All shells,
// exec channels and SFTP sessions are multiplexed over that connection.
type Client struct {
	mu     sync.Mutex
	client *ssh.Client
	addr   string
	cancel context.CancelFunc // stops keepalive
	dead   chan struct{}      // closed when the connection terminates
}

var _ transport.Client = (*Client)(nil)

// New returns an unconnected Client.
func New() *Client {
	return &Client{}
}

// Connect dials and authenticates. Calling Connect on a connected Client
// replaces the previous connection.
func (c *Client) Connect(ctx context.Context, cfg transport.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	auth, err := authMethods(cfg.Auth)
	if err != nil {
		return err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback(cfg.HostKeyFingerprint),
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", logutil.SanitizeForLog(addr), err)
	}

	// Bound the handshake by the same deadline as the dial.
	if deadline, ok := dialCtx.Deadline(); ok {
		netConn.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, clientCfg)
	if err != nil {
		netConn.Close()
		return fmt.Errorf("ssh handshake with %s: %w", logutil.SanitizeForLog(addr), err)
	}
	netConn.SetDeadline(time.Time{})

	client := ssh.NewClient(sshConn, chans, reqs)
	dead := make(chan struct{})
	go func() {
		client.Wait()
		close(dead)
	}()

	keepCtx, keepCancel := context.WithCancel(context.Background())

	c.mu.Lock()
	old, oldCancel := c.client, c.cancel
	c.client = client
	c.addr = addr
	c.cancel = keepCancel
	c.dead = dead
	c.mu.Unlock()

	if old != nil {
		oldCancel()
		old.Close()
	}

	if cfg.KeepaliveInterval > 0 {
		go c.keepalive(keepCtx, client, cfg.KeepaliveInterval)
	}

	log.Printf("[ssh] connected to %s as %s", logutil.SanitizeForLog(addr), logutil.SanitizeForLog(cfg.Username))
	return nil
}

func authMethods(a transport.AuthMethod) ([]ssh.AuthMethod, error) {
	switch a.Kind {
	case transport.AuthPassword:
		password := a.Password
		return []ssh.AuthMethod{
			ssh.Password(password),
			// Many servers only offer keyboard-interactive for passwords.
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		}, nil
	case transport.AuthKey:
		signer, err := ParsePrivateKey(a.PrivateKey, a.Passphrase)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	default:
		return nil, fmt.Errorf("unsupported auth kind %q", a.Kind)
	}
}

// ParsePrivateKey parses a PEM private key, decrypting it with passphrase
// when one is given.
func ParsePrivateKey(pemBytes []byte, passphrase string) (ssh.Signer, error) {
	var (
		signer ssh.Signer
		err    error
	)
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pemBytes, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(pemBytes)
	}
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

func hostKeyCallback(fingerprint string) ssh.HostKeyCallback {
	if fingerprint == "" {
		return ssh.InsecureIgnoreHostKey()
	}
	return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
		if got := ssh.FingerprintSHA256(key); got != fingerprint {
			return fmt.Errorf("host key mismatch for %s: got %s, want %s",
				logutil.SanitizeForLog(hostname), got, fingerprint)
		}
		return nil
	}
}

func (c *Client) current() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, transport.ErrNotConnected
	}
	return c.client, nil
}

// OpenShell starts a login shell with a PTY of the given size.
func (c *Client) OpenShell(ctx context.Context, termType string, cols, rows int) (transport.Shell, error) {
	client, err := c.current()
	if err != nil {
		return nil, err
	}
	return openShell(client, termType, cols, rows)
}

// Resize changes the PTY size of shell.
func (c *Client) Resize(shell transport.Shell, cols, rows int) error {
	return shell.Resize(cols, rows)
}

// Exec runs command on a fresh session and returns its stdout. A non-zero
// exit is reported as *transport.ExitError alongside the captured output.
func (c *Client) Exec(ctx context.Context, command string) ([]byte, error) {
	client, err := c.current()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open ssh session: %w", err)
	}
	defer session.Close()

	var outBuf bytes.Buffer
	session.Stdout = &outBuf

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	var runErr error
	select {
	case <-ctx.Done():
		session.Close()
		return nil, ctx.Err()
	case runErr = <-done:
	}

	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		label := command
		if len(label) > 80 {
			label = label[:80] + "..."
		}
		log.Printf("[ssh] SLOW command (%s): %s", elapsed, logutil.SanitizeForLog(label))
	}

	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			return outBuf.Bytes(), &transport.ExitError{Code: exitErr.ExitStatus()}
		}
		return outBuf.Bytes(), fmt.Errorf("run command: %w", runErr)
	}
	return outBuf.Bytes(), nil
}

// OpenSecondaryChannel opens an SFTP session over the existing connection.
func (c *Client) OpenSecondaryChannel(ctx context.Context) (transport.FileChannel, error) {
	client, err := c.current()
	if err != nil {
		return nil, err
	}
	sc, err := sftp.NewClient(client)
	if err != nil {
		return nil, fmt.Errorf("open sftp channel: %w", err)
	}
	return &FileChannel{SFTP: sc}, nil
}

// Disconnect closes the connection and stops keepalive. It is safe to call
// more than once.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	client, cancel, addr := c.client, c.cancel, c.addr
	c.client = nil
	c.cancel = nil
	c.mu.Unlock()

	if client == nil {
		return nil
	}
	cancel()
	if err := client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close ssh connection to %s: %w", logutil.SanitizeForLog(addr), err)
	}
	log.Printf("[ssh] disconnected from %s", logutil.SanitizeForLog(addr))
	return nil
}

// IsConnected reports whether the connection is established and has not
// terminated. It never blocks on the network.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	client, dead := c.client, c.dead
	c.mu.Unlock()
	if client == nil {
		return false
	}
	select {
	case <-dead:
		return false
	default:
		return true
	}
}

// keepalive pings the connection periodically. A failed or unanswered ping
// closes the client so blocked readers observe the drop.
func (c *Client) keepalive(ctx context.Context, client *ssh.Client, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ping(client, interval); err != nil {
				log.Printf("[ssh] keepalive failed: %v, closing connection", err)
				client.Close()
				return
			}
		}
	}
}

func ping(client *ssh.Client, timeout time.Duration) error {
	errc := make(chan error, 1)
	go func() {
		_, _, err := client.SendRequest(keepaliveRequest, true, nil)
		errc <- err
	}()
	select {
	case err := <-errc:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("no keepalive reply within %s", timeout)
	}
}

// FileChannel wraps an SFTP client as a transport.FileChannel.
type FileChannel struct {
	SFTP *sftp.Client
}

// Alive issues a cheap round trip to detect a channel closed by the peer.
func (f *FileChannel) Alive() bool {
	_, err := f.SFTP.Getwd()
	return err == nil
}

// ReadDir lists the remote directory at path.
func (f *FileChannel) ReadDir(path string) ([]os.FileInfo, error) {
	return f.SFTP.ReadDir(path)
}

func (f *FileChannel) Close() error {
	return f.SFTP.Close()
}
