package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/havenssh/core/internal/bridge"
	"github.com/havenssh/core/internal/logging"
	"github.com/havenssh/core/internal/profile"
	"github.com/havenssh/core/internal/sessionstate"
	"github.com/havenssh/core/internal/supervisor"
	"github.com/havenssh/core/internal/transport"
)

// fakeRemote is a scripted remote host shared by every client the factory
// creates.
type fakeRemote struct {
	mu      sync.Mutex
	refuse  bool
	shells  []*fakeShell
	exec    map[string]string
	clients []*fakeClient
}

func (h *fakeRemote) factory(kind transport.Kind) (transport.Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := &fakeClient{remote: h}
	h.clients = append(h.clients, c)
	return c, nil
}

func (h *fakeRemote) lastShell() *fakeShell {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.shells) == 0 {
		return nil
	}
	return h.shells[len(h.shells)-1]
}

type fakeClient struct {
	remote    *fakeRemote
	connected bool
}

func (c *fakeClient) Connect(ctx context.Context, cfg transport.Config) error {
	c.remote.mu.Lock()
	defer c.remote.mu.Unlock()
	if c.remote.refuse {
		return errors.New("connection refused")
	}
	c.connected = true
	return nil
}

func (c *fakeClient) OpenShell(ctx context.Context, termType string, cols, rows int) (transport.Shell, error) {
	c.remote.mu.Lock()
	defer c.remote.mu.Unlock()
	sh := newFakeShell()
	c.remote.shells = append(c.remote.shells, sh)
	return sh, nil
}

func (c *fakeClient) Resize(shell transport.Shell, cols, rows int) error {
	return shell.Resize(cols, rows)
}

func (c *fakeClient) Exec(ctx context.Context, command string) ([]byte, error) {
	c.remote.mu.Lock()
	defer c.remote.mu.Unlock()
	out, ok := c.remote.exec[command]
	if !ok {
		return nil, &transport.ExitError{Code: 127}
	}
	return []byte(out), nil
}

func (c *fakeClient) OpenSecondaryChannel(ctx context.Context) (transport.FileChannel, error) {
	return nil, transport.ErrUnsupported
}

func (c *fakeClient) Disconnect() error {
	c.remote.mu.Lock()
	c.connected = false
	c.remote.mu.Unlock()
	return nil
}

func (c *fakeClient) IsConnected() bool {
	c.remote.mu.Lock()
	defer c.remote.mu.Unlock()
	return c.connected
}

type fakeShell struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	mu      sync.Mutex
	input   strings.Builder
	resizes []string
	code    int
	hasExit bool

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
		s.input.Write(p)
		return len(p), nil
	})
}

func (s *fakeShell) Resize(cols, rows int) error {
	s.mu.Lock()
	s.resizes = append(s.resizes, fmt.Sprintf("%dx%d", cols, rows))
	s.mu.Unlock()
	return nil
}

func (s *fakeShell) ExitStatus() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code, s.hasExit
}

func (s *fakeShell) Done() <-chan struct{} { return s.done }

func (s *fakeShell) Close() error {
	s.pw.Close()
	s.doneOnce.Do(func() { close(s.done) })
	return nil
}

func (s *fakeShell) exit(code int) {
	s.mu.Lock()
	s.code, s.hasExit = code, true
	s.mu.Unlock()
	s.Close()
}

func (s *fakeShell) typed() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input.String()
}

func (s *fakeShell) resized() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.resizes...)
}

type testEnv struct {
	srv      *httptest.Server
	api      *API
	remote   *fakeRemote
	store    *sessionstate.Store
	profiles *profile.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	profiles, err := profile.Open(filepath.Join(t.TempDir(), "haven.db"), "")
	if err != nil {
		t.Fatalf("open profile store: %v", err)
	}
	remote := &fakeRemote{exec: map[string]string{}}
	store := sessionstate.NewStore()
	opts := supervisor.DefaultOptions()
	opts.Bridge = bridge.Options{ExitStatusWait: 50 * time.Millisecond}
	sup := supervisor.New(store, remote.factory, profiles, opts)

	logFile, err := logging.Open(filepath.Join(t.TempDir(), "haven.log"))
	if err != nil {
		t.Fatalf("open log file: %v", err)
	}

	api := &API{Sup: sup, Profiles: profiles, Log: logFile}
	srv := httptest.NewServer(api.Router())
	t.Cleanup(func() {
		sup.DisconnectAll()
		store.Close()
		srv.Close()
		profiles.Close()
		logFile.Close()
	})
	return &testEnv{srv: srv, api: api, remote: remote, store: store, profiles: profiles}
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

// emit writes remote output; it returns once the bridge has read it.
func (s *fakeShell) emit(out string) {
	s.pw.Write([]byte(out))
}
