package overlay

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/havenssh/core/internal/logutil"
)

// Shell is a remote terminal carried on one yamux stream.
type Shell struct {
	conn   net.Conn
	stdout *io.PipeReader
	pw     *io.PipeWriter

	writeMu sync.Mutex // serialises frames on conn

	mu       sync.Mutex
	exitCode int
	hasExit  bool
	done     chan struct{}
}

func newShell(conn net.Conn) *Shell {
	pr, pw := io.Pipe()
	s := &Shell{
		conn:   conn,
		stdout: pr,
		pw:     pw,
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// readLoop demultiplexes frames from the relay: data frames feed Stdout,
// control frames carry exit and error notifications.
func (s *Shell) readLoop() {
	defer close(s.done)

	r := bufio.NewReader(s.conn)
	for {
		typ, payload, err := readFrame(r)
		if err != nil {
			if isEOF(err) {
				s.pw.Close()
			} else {
				s.pw.CloseWithError(err)
			}
			return
		}

		if typ == frameData {
			if _, err := s.pw.Write(payload); err != nil {
				return
			}
			continue
		}

		var msg controlMsg
		if err := json.Unmarshal(payload, &msg); err != nil {
			log.Printf("[overlay] bad control frame: %v", err)
			continue
		}
		switch msg.Type {
		case controlExit:
			s.mu.Lock()
			s.exitCode, s.hasExit = msg.Code, true
			s.mu.Unlock()
		case controlError:
			log.Printf("[overlay] relay error (fatal=%v): %s", msg.Fatal, logutil.SanitizeForLog(msg.Message))
			if msg.Fatal {
				s.pw.CloseWithError(errors.New("relay: " + msg.Message))
				s.conn.Close()
				return
			}
		}
	}
}

func (s *Shell) Stdout() io.Reader { return s.stdout }

func (s *Shell) Stdin() io.Writer { return stdinWriter{s} }

// stdinWriter wraps each write in a data frame.
type stdinWriter struct{ s *Shell }

func (w stdinWriter) Write(p []byte) (int, error) {
	w.s.writeMu.Lock()
	defer w.s.writeMu.Unlock()
	if err := writeFrame(w.s.conn, frameData, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *Shell) Resize(cols, rows int) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return writeControl(s.conn, controlMsg{Type: controlResize, Cols: cols, Rows: rows})
}

func (s *Shell) ExitStatus() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode, s.hasExit
}

func (s *Shell) Done() <-chan struct{} { return s.done }

// Close half-closes the stream and unblocks the reader so Done fires without
// waiting for the relay.
func (s *Shell) Close() error {
	err := s.conn.Close()
	s.conn.SetReadDeadline(time.Now())
	s.stdout.Close()
	return err
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
