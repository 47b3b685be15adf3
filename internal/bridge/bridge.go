// Package bridge pumps bytes between a remote shell and a single terminal
// consumer. Each Bridge owns one reader goroutine per shell generation and
// one writer goroutine for its whole life. Output and disconnect
// notifications are delivered as Events on a channel that survives Rebind.
package bridge

import (
	"bytes"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/havenssh/core/internal/logutil"
	"github.com/havenssh/core/internal/transport"
)

var (
	// ErrClosed is returned by operations on a closed Bridge.
	ErrClosed = errors.New("bridge: closed")
	// ErrQueueFull is returned when the write queue cannot accept more work.
	ErrQueueFull = errors.New("bridge: write queue full")
)

const readBufferSize = 8 * 1024

// promptTerminators are the trailing characters that mark a shell prompt.
const promptTerminators = "$#%>"

// Options tunes a Bridge. Zero fields take the defaults.
type Options struct {
	// ExitStatusWait bounds how long a finished reader waits for the channel
	// to close and report an exit status.
	ExitStatusWait time.Duration
	// DedupWindow is the window in which an identical repeated input is
	// dropped.
	DedupWindow time.Duration
	// QueueSize bounds the writer queue.
	QueueSize int
	// MaxBufferedOutput bounds output held for a slow consumer.
	MaxBufferedOutput int
	// Now is the clock used for input deduplication.
	Now func() time.Time

	// OnDisconnect and PendingCommand are installed before the first reader
	// starts, so a stream that ends or prompts immediately is not missed.
	OnDisconnect   func(Termination)
	PendingCommand string
}

// DefaultOptions returns the standard tuning.
func DefaultOptions() Options {
	return Options{
		ExitStatusWait:    500 * time.Millisecond,
		DedupWindow:       50 * time.Millisecond,
		QueueSize:         256,
		MaxBufferedOutput: 1 << 20,
		Now:               time.Now,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ExitStatusWait <= 0 {
		o.ExitStatusWait = d.ExitStatusWait
	}
	if o.DedupWindow <= 0 {
		o.DedupWindow = d.DedupWindow
	}
	if o.QueueSize <= 0 {
		o.QueueSize = d.QueueSize
	}
	if o.MaxBufferedOutput <= 0 {
		o.MaxBufferedOutput = d.MaxBufferedOutput
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	return o
}

type writeReq struct {
	data   []byte
	resize bool
	cols   int
	rows   int
}

// Bridge connects one session's shell to its consumer.
type Bridge struct {
	id   string
	opts Options

	writes chan writeReq
	events chan Event
	out    *outbox
	quit   chan struct{}

	mu           sync.Mutex
	shell        transport.Shell
	gen          uint64
	closed       bool
	attached     bool
	pending      string
	onDisconnect func(Termination)
	lastInput    []byte
	lastInputAt  time.Time
}

// New starts a Bridge on shell. id is used only for logging.
func New(id string, shell transport.Shell, opts Options) *Bridge {
	opts = opts.withDefaults()
	b := &Bridge{
		id:     id,
		opts:   opts,
		writes: make(chan writeReq, opts.QueueSize),
		events: make(chan Event),
		out:    newOutbox(id, opts.MaxBufferedOutput),
		quit:   make(chan struct{}),
		shell:  shell,
		gen:    1,

		onDisconnect: opts.OnDisconnect,
		pending:      opts.PendingCommand,
	}
	go b.out.run(b.events, b.quit)
	go b.writeLoop()
	go b.readLoop(shell, 1)
	return b
}

// Events returns the consumer channel. It is closed after Close.
func (b *Bridge) Events() <-chan Event {
	return b.events
}

// OnDisconnect registers the owner's hook, called at most once per reader
// generation when a stream ends on its own. It is never called after Close or
// for a reader replaced by Rebind.
func (b *Bridge) OnDisconnect(fn func(Termination)) {
	b.mu.Lock()
	b.onDisconnect = fn
	b.mu.Unlock()
}

// Shell returns the current shell handle.
func (b *Bridge) Shell() transport.Shell {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shell
}

// TryAttach claims the bridge for an interactive consumer. It returns false
// if another consumer holds it.
func (b *Bridge) TryAttach() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.attached || b.closed {
		return false
	}
	b.attached = true
	return true
}

// Detach releases the claim taken by TryAttach.
func (b *Bridge) Detach() {
	b.mu.Lock()
	b.attached = false
	b.mu.Unlock()
}

// Closed reports whether Close has been called.
func (b *Bridge) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// SetPendingCommand arms cmd to be sent once a prompt is seen. An empty cmd
// disarms.
func (b *Bridge) SetPendingCommand(cmd string) {
	b.mu.Lock()
	b.pending = cmd
	b.mu.Unlock()
}

// PendingCommand returns the armed command, if any.
func (b *Bridge) PendingCommand() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// SendInput queues data for the shell. An input identical to the last
// delivered one within the dedup window is dropped silently.
func (b *Bridge) SendInput(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	now := b.opts.Now()
	if b.lastInput != nil && bytes.Equal(data, b.lastInput) && now.Sub(b.lastInputAt) < b.opts.DedupWindow {
		b.mu.Unlock()
		return nil
	}
	// enqueue never blocks, so it runs under mu. Only a queued input
	// counts for deduplication.
	defer b.mu.Unlock()
	if err := b.enqueue(writeReq{data: append([]byte(nil), data...)}); err != nil {
		return err
	}
	b.lastInput = append(b.lastInput[:0], data...)
	b.lastInputAt = now
	return nil
}

// Resize changes the PTY size through the writer so it never races with
// data writes.
func (b *Bridge) Resize(cols, rows int) error {
	if b.Closed() {
		return ErrClosed
	}
	return b.enqueue(writeReq{resize: true, cols: cols, rows: rows})
}

func (b *Bridge) enqueue(req writeReq) error {
	select {
	case <-b.quit:
		return ErrClosed
	default:
	}
	select {
	case b.writes <- req:
		return nil
	default:
		return ErrQueueFull
	}
}

// Rebind swaps in a new shell and starts a reader on it. The writer queue and
// the consumer channel are kept.
func (b *Bridge) Rebind(shell transport.Shell) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	old := b.shell
	b.shell = shell
	b.gen++
	gen := b.gen
	b.mu.Unlock()

	if old != nil && old != shell {
		if err := old.Close(); err != nil {
			log.Printf("[bridge] %s: close previous shell: %v", b.id, err)
		}
	}
	go b.readLoop(shell, gen)
	log.Printf("[bridge] %s: rebound to new shell (generation %d)", b.id, gen)
	return nil
}

// Close stops the writer, closes the shell and the event channel. It is safe
// to call more than once.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	sh := b.shell
	b.mu.Unlock()

	close(b.quit)
	if sh != nil {
		if err := sh.Close(); err != nil {
			log.Printf("[bridge] %s: close shell: %v", b.id, err)
		}
	}
	return nil
}

func (b *Bridge) current(gen uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed && b.gen == gen
}

func (b *Bridge) readLoop(sh transport.Shell, gen uint64) {
	var readErr error
	buf := make([]byte, readBufferSize)
	for {
		n, err := sh.Stdout().Read(buf)
		if n > 0 {
			if !b.current(gen) {
				return
			}
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			b.checkPrompt(chunk)
			b.out.push(Event{Kind: EventData, Data: chunk})
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
	}

	// The exit status arrives with the channel close, which can trail the
	// end of stdout.
	select {
	case <-sh.Done():
	case <-time.After(b.opts.ExitStatusWait):
	}
	code, hasExit := sh.ExitStatus()
	term := Classify(readErr, code, hasExit)

	b.mu.Lock()
	if b.closed || b.gen != gen {
		b.mu.Unlock()
		return
	}
	hook := b.onDisconnect
	b.mu.Unlock()

	log.Printf("[bridge] %s: stream ended: %s", b.id, term)
	b.out.push(Event{Kind: EventDisconnected, Termination: term})
	if hook != nil {
		hook(term)
	}
}

// checkPrompt sends the pending command once the chunk ends in a prompt.
func (b *Bridge) checkPrompt(chunk []byte) {
	b.mu.Lock()
	if b.pending == "" {
		b.mu.Unlock()
		return
	}
	trimmed := strings.TrimRightFunc(string(chunk), unicode.IsSpace)
	last, _ := utf8.DecodeLastRuneInString(trimmed)
	if trimmed == "" || !strings.ContainsRune(promptTerminators, last) {
		b.mu.Unlock()
		return
	}
	cmd := b.pending
	b.pending = ""
	b.mu.Unlock()

	log.Printf("[bridge] %s: prompt detected, sending %s", b.id, logutil.SanitizeForLog(cmd))
	if err := b.enqueue(writeReq{data: []byte(cmd + "\n")}); err != nil {
		log.Printf("[bridge] %s: queue pending command: %v", b.id, err)
	}
}

func (b *Bridge) writeLoop() {
	for {
		select {
		case <-b.quit:
			return
		case req := <-b.writes:
			sh := b.Shell()
			var err error
			if req.resize {
				err = sh.Resize(req.cols, req.rows)
			} else {
				_, err = sh.Stdin().Write(req.data)
			}
			if err != nil {
				log.Printf("[bridge] %s: write: %v", b.id, err)
			}
		}
	}
}
