package bridge

import (
	"fmt"
	"io"
	"sync"
	"testing"
	"time"
)

// fakeShell is a transport.Shell driven by the test. Output written with emit
// shows up on Stdout; writes and resizes are recorded in ops.
type fakeShell struct {
	outR *io.PipeReader
	outW *io.PipeWriter

	mu       sync.Mutex
	ops      []string
	exitCode int
	hasExit  bool
	closed   int

	done     chan struct{}
	doneOnce sync.Once

	// gate, when set, holds every stdin write until it is closed.
	gate chan struct{}
}

func newFakeShell() *fakeShell {
	r, w := io.Pipe()
	return &fakeShell{outR: r, outW: w, done: make(chan struct{})}
}

func (f *fakeShell) Stdout() io.Reader { return f.outR }

func (f *fakeShell) Stdin() io.Writer { return fakeStdin{f} }

type fakeStdin struct{ f *fakeShell }

func (w fakeStdin) Write(p []byte) (int, error) {
	if w.f.gate != nil {
		<-w.f.gate
	}
	w.f.mu.Lock()
	w.f.ops = append(w.f.ops, "w:"+string(p))
	w.f.mu.Unlock()
	return len(p), nil
}

func (f *fakeShell) Resize(cols, rows int) error {
	f.mu.Lock()
	f.ops = append(f.ops, fmt.Sprintf("r:%dx%d", cols, rows))
	f.mu.Unlock()
	return nil
}

func (f *fakeShell) ExitStatus() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exitCode, f.hasExit
}

func (f *fakeShell) Done() <-chan struct{} { return f.done }

func (f *fakeShell) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	f.outW.CloseWithError(io.ErrClosedPipe)
	f.finish()
	return nil
}

func (f *fakeShell) finish() { f.doneOnce.Do(func() { close(f.done) }) }

func (f *fakeShell) emit(t *testing.T, s string) {
	t.Helper()
	if _, err := f.outW.Write([]byte(s)); err != nil {
		t.Fatalf("emit %q: %v", s, err)
	}
}

// exit reports status code and ends the stream like a remote process exit.
func (f *fakeShell) exit(code int) {
	f.mu.Lock()
	f.exitCode, f.hasExit = code, true
	f.mu.Unlock()
	f.outW.Close()
	f.finish()
}

// hangup ends the stream without an exit status and without closing the
// channel.
func (f *fakeShell) hangup() { f.outW.Close() }

// fail ends the stream with a read error.
func (f *fakeShell) fail(err error) {
	f.outW.CloseWithError(err)
	f.finish()
}

func (f *fakeShell) opsSnapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakeShell) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// waitOps polls until the shell has recorded n operations.
func (f *fakeShell) waitOps(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ops := f.opsSnapshot(); len(ops) >= n {
			return ops
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %d ops, got %v", n, f.opsSnapshot())
	return nil
}

func nextEvent(t *testing.T, b *Bridge) Event {
	t.Helper()
	select {
	case ev, ok := <-b.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return Event{}
}

// fakeClock is a manually advanced clock for dedup tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
