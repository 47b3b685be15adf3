package sshclient

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/ssh"
)

// Shell is a PTY-backed login shell on an SSH session.
type Shell struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader

	mu       sync.Mutex
	exitCode int
	hasExit  bool
	done     chan struct{}
}

func openShell(client *ssh.Client, termType string, cols, rows int) (*Shell, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create ssh session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(termType, rows, cols, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	sh := &Shell{
		session: session,
		stdin:   stdin,
		stdout:  stdout,
		done:    make(chan struct{}),
	}
	go sh.wait()
	return sh, nil
}

// wait records the exit status once the remote side closes the channel.
// A channel closed without an exit-status request leaves hasExit false.
func (s *Shell) wait() {
	err := s.session.Wait()

	s.mu.Lock()
	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		s.exitCode, s.hasExit = 0, true
	case errors.As(err, &exitErr):
		s.exitCode, s.hasExit = exitErr.ExitStatus(), true
	}
	s.mu.Unlock()

	close(s.done)
}

func (s *Shell) Stdout() io.Reader { return s.stdout }

func (s *Shell) Stdin() io.Writer { return s.stdin }

func (s *Shell) Resize(cols, rows int) error {
	return s.session.WindowChange(rows, cols)
}

func (s *Shell) ExitStatus() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode, s.hasExit
}

func (s *Shell) Done() <-chan struct{} { return s.done }

// Close terminates the session. Closing an already closed session is not an
// error.
func (s *Shell) Close() error {
	if err := s.session.Close(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
