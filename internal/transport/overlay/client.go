// Package overlay implements transport.Client for hosts reached through an
// overlay-network relay. The relay exposes a WebSocket endpoint carrying a
// yamux session; each shell or command runs on its own yamux stream.
package overlay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/hashicorp/yamux"

	"github.com/havenssh/core/internal/logutil"
	"github.com/havenssh/core/internal/transport"
)

const (
	defaultConnectTimeout = 15 * time.Second
	linkPath              = "/link"
	wsReadLimit           = 4 << 20
)

// Client is a transport.Client over a single relay link.
type Client struct {
	mu      sync.Mutex
	session *yamux.Session
	addr    string
}

var _ transport.Client = (*Client)(nil)

// New returns an unconnected Client.
func New() *Client {
	return &Client{}
}

// Connect dials the relay link and starts a yamux client session. A non-empty
// password is presented as a bearer token. Key authentication is not
// available on overlay links.
func (c *Client) Connect(ctx context.Context, cfg transport.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Auth.Kind != transport.AuthPassword {
		return fmt.Errorf("overlay: %s auth: %w", cfg.Auth.Kind, transport.ErrUnsupported)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	u := url.URL{Scheme: "ws", Host: addr, Path: linkPath}
	if cfg.Username != "" {
		u.RawQuery = url.Values{"user": {cfg.Username}}.Encode()
	}

	header := http.Header{}
	if cfg.Auth.Password != "" {
		header.Set("Authorization", "Bearer "+cfg.Auth.Password)
	}

	wsConn, _, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("websocket dial to %s: %w", logutil.SanitizeForLog(addr), err)
	}
	wsConn.SetReadLimit(wsReadLimit)

	// The link outlives the dial context.
	netConn := websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary)

	ymCfg := yamux.DefaultConfig()
	ymCfg.LogOutput = log.Writer()
	ymCfg.EnableKeepAlive = cfg.KeepaliveInterval > 0
	if ymCfg.EnableKeepAlive {
		ymCfg.KeepAliveInterval = cfg.KeepaliveInterval
	}
	session, err := yamux.Client(netConn, ymCfg)
	if err != nil {
		wsConn.CloseNow()
		return fmt.Errorf("yamux client init: %w", err)
	}

	c.mu.Lock()
	old := c.session
	c.session = session
	c.addr = addr
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}

	log.Printf("[overlay] link established to %s", logutil.SanitizeForLog(addr))
	return nil
}

// openChannel opens a stream and writes the channel header followed by a
// JSON request line.
func (c *Client) openChannel(channel string, request any) (net.Conn, error) {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil || s.IsClosed() {
		return nil, transport.ErrNotConnected
	}

	conn, err := s.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s stream: %w", channel, err)
	}
	if _, err := conn.Write([]byte(channel + "\n")); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write channel header %q: %w", channel, err)
	}
	if err := json.NewEncoder(conn).Encode(request); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write %s request: %w", channel, err)
	}
	return conn, nil
}

// OpenShell opens a terminal stream sized cols x rows.
func (c *Client) OpenShell(ctx context.Context, termType string, cols, rows int) (transport.Shell, error) {
	conn, err := c.openChannel(ChannelTerminal, initHeader{Term: termType, Cols: cols, Rows: rows})
	if err != nil {
		return nil, err
	}
	return newShell(conn), nil
}

func (c *Client) Resize(shell transport.Shell, cols, rows int) error {
	return shell.Resize(cols, rows)
}

// Exec runs command on an exec stream and collects its output until the relay
// reports an exit status or closes the stream.
func (c *Client) Exec(ctx context.Context, command string) ([]byte, error) {
	conn, err := c.openChannel(ChannelExec, execRequest{Command: command})
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := collectExec(bufio.NewReader(conn))
		done <- result{out, err}
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		return nil, ctx.Err()
	case r := <-done:
		return r.out, r.err
	}
}

func collectExec(r *bufio.Reader) ([]byte, error) {
	var out []byte
	for {
		typ, payload, err := readFrame(r)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || isEOF(err) {
				return out, fmt.Errorf("exec stream closed without exit status")
			}
			return out, err
		}
		if typ == frameData {
			out = append(out, payload...)
			continue
		}
		var msg controlMsg
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case controlExit:
			if msg.Code != 0 {
				return out, &transport.ExitError{Code: msg.Code}
			}
			return out, nil
		case controlError:
			return out, fmt.Errorf("relay: %s", msg.Message)
		}
	}
}

// OpenSecondaryChannel is not available over overlay links.
func (c *Client) OpenSecondaryChannel(ctx context.Context) (transport.FileChannel, error) {
	return nil, transport.ErrUnsupported
}

// Disconnect closes the yamux session and the WebSocket beneath it. It is
// safe to call more than once.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	s, addr := c.session, c.addr
	c.session = nil
	c.mu.Unlock()

	if s == nil {
		return nil
	}
	err := s.Close()
	log.Printf("[overlay] link to %s closed", logutil.SanitizeForLog(addr))
	return err
}

// IsConnected reports whether the yamux session is open.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil && !c.session.IsClosed()
}
