package supervisor

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/havenssh/core/internal/bridge"
	"github.com/havenssh/core/internal/profile"
	"github.com/havenssh/core/internal/sessionstate"
	"github.com/havenssh/core/internal/transport"
)

// fakeNet hands out fakeClients and scripts their behaviour. All client
// state is guarded by mu.
type fakeNet struct {
	mu           sync.Mutex
	clients      []*fakeClient
	connects     int
	failConnects int // >0 fails the next n connects, <0 fails all
	shellErr     error
	secondaryErr error
	exec         map[string]execResult
	execs        []string
}

type execResult struct {
	out string
	err error
}

func newFakeNet() *fakeNet {
	return &fakeNet{exec: make(map[string]execResult)}
}

func (n *fakeNet) factory(kind transport.Kind) (transport.Client, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := &fakeClient{net: n}
	n.clients = append(n.clients, c)
	return c, nil
}

func (n *fakeNet) setFailConnects(v int) {
	n.mu.Lock()
	n.failConnects = v
	n.mu.Unlock()
}

func (n *fakeNet) connectCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connects
}

func (n *fakeNet) client(i int) *fakeClient {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.clients[i]
}

func (n *fakeNet) clientCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.clients)
}

func (n *fakeNet) execLog() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.execs...)
}

type fakeClient struct {
	net          *fakeNet
	connected    bool
	disconnects  int
	shells       []*fakeShell
	fileChannels []*fakeFileChannel
}

func (c *fakeClient) Connect(ctx context.Context, cfg transport.Config) error {
	n := c.net
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connects++
	if n.failConnects != 0 {
		if n.failConnects > 0 {
			n.failConnects--
		}
		return errors.New("connection refused")
	}
	c.connected = true
	return nil
}

func (c *fakeClient) OpenShell(ctx context.Context, termType string, cols, rows int) (transport.Shell, error) {
	n := c.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if !c.connected {
		return nil, transport.ErrNotConnected
	}
	if n.shellErr != nil {
		return nil, n.shellErr
	}
	sh := newFakeShell()
	c.shells = append(c.shells, sh)
	return sh, nil
}

func (c *fakeClient) Resize(shell transport.Shell, cols, rows int) error {
	return shell.Resize(cols, rows)
}

func (c *fakeClient) Exec(ctx context.Context, command string) ([]byte, error) {
	n := c.net
	n.mu.Lock()
	defer n.mu.Unlock()
	n.execs = append(n.execs, command)
	res, ok := n.exec[command]
	if !ok {
		return nil, &transport.ExitError{Code: 127}
	}
	return []byte(res.out), res.err
}

func (c *fakeClient) OpenSecondaryChannel(ctx context.Context) (transport.FileChannel, error) {
	n := c.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.secondaryErr != nil {
		return nil, n.secondaryErr
	}
	fc := &fakeFileChannel{alive: true}
	c.fileChannels = append(c.fileChannels, fc)
	return fc, nil
}

func (c *fakeClient) Disconnect() error {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	c.connected = false
	c.disconnects++
	return nil
}

func (c *fakeClient) IsConnected() bool {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	return c.connected
}

func (c *fakeClient) disconnectCount() int {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	return c.disconnects
}

func (c *fakeClient) shell(i int) *fakeShell {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	return c.shells[i]
}

func (c *fakeClient) fileChannelCount() int {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	return len(c.fileChannels)
}

type fakeShell struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	mu       sync.Mutex
	written  strings.Builder
	exitCode int
	hasExit  bool
	closed   bool

	done     chan struct{}
	doneOnce sync.Once
}

func newFakeShell() *fakeShell {
	pr, pw := io.Pipe()
	return &fakeShell{pr: pr, pw: pw, done: make(chan struct{})}
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func (s *fakeShell) Stdout() io.Reader { return s.pr }

func (s *fakeShell) Stdin() io.Writer {
	return writerFunc(func(p []byte) (int, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return 0, io.ErrClosedPipe
		}
		s.written.Write(p)
		return len(p), nil
	})
}

func (s *fakeShell) Resize(cols, rows int) error { return nil }

func (s *fakeShell) ExitStatus() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode, s.hasExit
}

func (s *fakeShell) Done() <-chan struct{} { return s.done }

func (s *fakeShell) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.pw.Close()
	s.finish()
	return nil
}

func (s *fakeShell) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

// emit writes remote output; it returns once the bridge has read it.
func (s *fakeShell) emit(out string) {
	s.pw.Write([]byte(out))
}

// exit ends the shell cleanly with code.
func (s *fakeShell) exit(code int) {
	s.mu.Lock()
	s.exitCode, s.hasExit = code, true
	s.mu.Unlock()
	s.pw.Close()
	s.finish()
}

// drop simulates a lost connection.
func (s *fakeShell) drop() {
	s.pw.CloseWithError(errors.New("connection lost"))
	s.finish()
}

func (s *fakeShell) input() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written.String()
}

type fakeFileChannel struct {
	mu     sync.Mutex
	alive  bool
	closes int
}

func (f *fakeFileChannel) Alive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeFileChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = false
	f.closes++
	return nil
}

func (f *fakeFileChannel) kill() {
	f.mu.Lock()
	f.alive = false
	f.mu.Unlock()
}

type fakeProfiles struct {
	mu        sync.Mutex
	connected []string
	names     map[string]string

	// onMarkConnected, when set, runs after the nth MarkConnected call is
	// recorded.
	onMarkConnected func(n int)
}

func (p *fakeProfiles) MarkConnected(profileID string) error {
	p.mu.Lock()
	p.connected = append(p.connected, profileID)
	n, hook := len(p.connected), p.onMarkConnected
	p.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return nil
}

func (p *fakeProfiles) SetWrapperSessionName(profileID, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.names == nil {
		p.names = make(map[string]string)
	}
	p.names[profileID] = name
	return nil
}

func (p *fakeProfiles) connectedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.connected)
}

// sleepRecorder records backoff delays. While gate is non-nil each sleep
// blocks until the gate is closed or the context is cancelled.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
	gate   chan struct{}
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	gate := r.gate
	r.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ctx.Err()
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

type harness struct {
	sup      *Supervisor
	store    *sessionstate.Store
	net      *fakeNet
	profiles *fakeProfiles
	sleeps   *sleepRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    sessionstate.NewStore(),
		net:      newFakeNet(),
		profiles: &fakeProfiles{},
		sleeps:   &sleepRecorder{},
	}
	opts := DefaultOptions()
	opts.Sleep = h.sleeps.sleep
	opts.Bridge = bridge.Options{ExitStatusWait: 50 * time.Millisecond}
	h.sup = New(h.store, h.net.factory, h.profiles, opts)
	t.Cleanup(func() {
		h.sup.DisconnectAll()
		h.store.Close()
	})
	return h
}

func testProfile(id string) profile.Profile {
	return profile.Profile{
		ID:                  id,
		Label:               "prod",
		Transport:           transport.KindSSH,
		Host:                "10.0.0.5",
		Port:                22,
		Username:            "deploy",
		Auth:                transport.AuthMethod{Kind: transport.AuthPassword, Password: "pw"},
		RememberCredentials: true,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) status(id string) sessionstate.Status {
	sess, ok := h.store.Get(id)
	if !ok {
		return sessionstate.StatusDisconnected
	}
	return sess.Status
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}
