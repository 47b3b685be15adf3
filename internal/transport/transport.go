// Package transport defines the Transport Client capability consumed by the
// session core: an authenticated connection to a remote host that can open an
// interactive shell, run one-off commands, and open a secondary file-transfer
// channel.
//
// Two implementations live in subpackages:
//   - sshclient: SSH via golang.org/x/crypto/ssh.
//   - overlay: a remote shell carried over a yamux-multiplexed WebSocket link
//     to an overlay-network relay.
//
// The session core never touches wire protocols directly; it only uses the
// interfaces below.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	// ErrNotConnected is returned by operations that need an established
	// connection when Connect has not succeeded or Disconnect was called.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrUnsupported is returned when a transport lacks a capability, e.g.
	// secondary channels over the overlay network.
	ErrUnsupported = errors.New("transport: operation not supported")
)

// ExitError reports that a command run with Client.Exec finished with a
// non-zero exit status. Output captured before exit is still returned.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("remote command exited with status %d", e.Code)
}

// Kind identifies a transport implementation.
type Kind string

const (
	KindSSH     Kind = "ssh"
	KindOverlay Kind = "overlay"
)

// AuthKind selects how a Client authenticates.
type AuthKind string

const (
	AuthPassword AuthKind = "password"
	AuthKey      AuthKind = "key"
)

// AuthMethod carries the credentials for one authentication attempt.
type AuthMethod struct {
	Kind       AuthKind
	Password   string
	PrivateKey []byte // PEM
	Passphrase string // optional, for encrypted private keys
}

// Config is everything needed to (re)open a connection. The supervisor keeps
// a copy only for sessions it is allowed to replay.
type Config struct {
	Kind     Kind
	Host     string
	Port     int
	Username string
	Auth     AuthMethod
	Timeout  time.Duration

	// HostKeyFingerprint pins the server key (SHA256:... form). Empty accepts
	// any key.
	HostKeyFingerprint string
	// KeepaliveInterval is how often liveness pings are sent. Zero disables
	// keepalive.
	KeepaliveInterval time.Duration
}

// Validate checks the fields every transport requires.
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("transport config: host is empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("transport config: invalid port %d", c.Port)
	}
	switch c.Auth.Kind {
	case AuthPassword:
	case AuthKey:
		if len(c.Auth.PrivateKey) == 0 {
			return fmt.Errorf("transport config: key auth without private key")
		}
	default:
		return fmt.Errorf("transport config: unknown auth kind %q", c.Auth.Kind)
	}
	return nil
}

// Client is an authenticated connection to one remote host.
type Client interface {
	Connect(ctx context.Context, cfg Config) error
	OpenShell(ctx context.Context, termType string, cols, rows int) (Shell, error)
	Resize(shell Shell, cols, rows int) error
	Exec(ctx context.Context, command string) ([]byte, error)
	OpenSecondaryChannel(ctx context.Context) (FileChannel, error)
	Disconnect() error
	IsConnected() bool
}

// Shell is an interactive shell sub-channel with a PTY.
type Shell interface {
	Stdout() io.Reader
	Stdin() io.Writer
	Resize(cols, rows int) error
	// ExitStatus reports the remote process exit code. ok is false while the
	// process is running and when the channel closed without reporting one.
	ExitStatus() (code int, ok bool)
	// Done is closed once the underlying channel is fully closed.
	Done() <-chan struct{}
	Close() error
}

// FileChannel is a secondary sub-channel used for file transfer.
type FileChannel interface {
	// Alive reports whether the remote end still answers on the channel.
	Alive() bool
	Close() error
}

// Factory creates an unconnected Client for the given kind.
type Factory func(kind Kind) (Client, error)

// NewFactory builds a Factory from per-kind constructors.
func NewFactory(ctors map[Kind]func() Client) Factory {
	return func(kind Kind) (Client, error) {
		ctor, ok := ctors[kind]
		if !ok {
			return nil, fmt.Errorf("transport: unknown kind %q", kind)
		}
		return ctor(), nil
	}
}
