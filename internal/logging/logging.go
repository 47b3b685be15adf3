// Package logging tees the standard logger into an append-only file and
// serves the end of that file to the logs API.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// tailBlock is how much of the file Tail reads per step, from the end.
const tailBlock = 64 * 1024

// File is the log file the standard logger writes to alongside stdout.
type File struct {
	path string

	mu sync.Mutex
	f  *os.File
}

// Open creates path (and its directory) for appending and redirects the
// standard logger to stdout plus the file.
func Open(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	lf := &File{path: path, f: f}
	log.SetOutput(io.MultiWriter(os.Stdout, lf))
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("[logging] writing to %s", path)
	return lf, nil
}

// Path returns the file location.
func (l *File) Path() string { return l.path }

// Write appends p. Writes after Close are discarded.
func (l *File) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return len(p), nil
	}
	return l.f.Write(p)
}

// Close points the standard logger back at stdout and closes the file.
func (l *File) Close() error {
	log.SetOutput(os.Stdout)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// Clear empties the file. Later writes start at offset zero since the file
// is in append mode.
func (l *File) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f != nil {
		if err := l.f.Truncate(0); err != nil {
			return fmt.Errorf("truncate log file: %w", err)
		}
		return nil
	}
	return os.Truncate(l.path, 0)
}

// Tail returns the last n lines of the file. A missing file has no lines.
func (l *File) Tail(n int) (string, error) {
	if n <= 0 {
		return "", nil
	}
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat log file: %w", err)
	}
	return tail(f, info.Size(), n)
}

// tail reads r backwards from size in blocks until it holds n complete lines.
func tail(r io.ReaderAt, size int64, n int) (string, error) {
	var buf []byte
	for off := size; off > 0; {
		step := min(int64(tailBlock), off)
		off -= step
		chunk := make([]byte, step)
		if _, err := r.ReadAt(chunk, off); err != nil && err != io.EOF {
			return "", fmt.Errorf("read log file: %w", err)
		}
		buf = append(chunk, buf...)
		if bytes.Count(bytes.TrimSuffix(buf, []byte("\n")), []byte("\n")) >= n {
			break
		}
	}
	text := strings.TrimSuffix(string(buf), "\n")
	if text == "" {
		return "", nil
	}
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n"), nil
}
