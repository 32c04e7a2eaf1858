// Package termio provides non-blocking console writers. Hot paths (the
// receive loop, observer callbacks) print through them so a slow terminal
// never stalls a socket.
package termio

import (
	"io"
	"os"
	"sync"

	"golang.org/x/term"
)

// Writer copies each Write into a queue drained by a background goroutine.
type Writer struct {
	file      *os.File
	ch        chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewWriter starts a queued writer for f.
func NewWriter(f *os.File) *Writer {
	w := &Writer{
		file: f,
		ch:   make(chan []byte, 1024),
		done: make(chan struct{}),
	}
	go func() {
		defer close(w.done)
		for buf := range w.ch {
			_, _ = w.file.Write(buf)
		}
	}()
	return w
}

func (w *Writer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	w.ch <- buf
	return len(p), nil
}

// File returns the underlying file.
func (w *Writer) File() *os.File {
	return w.file
}

// IsTerminal reports whether the underlying file is a terminal.
func (w *Writer) IsTerminal() bool {
	return IsTerminal(w.file)
}

// Close drains pending writes. Writing after Close panics.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() { close(w.ch) })
	<-w.done
	return nil
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// Width returns the terminal width of f, or 80 when it cannot be read.
func Width(f *os.File) int {
	if !IsTerminal(f) {
		return 80
	}
	w, _, err := term.GetSize(int(f.Fd()))
	if err != nil || w <= 0 {
		return 80
	}
	return w
}

type manager struct {
	once   sync.Once
	stdout *Writer
	stderr *Writer
}

var global manager

func Init() {
	global.once.Do(func() {
		global.stdout = NewWriter(os.Stdout)
		global.stderr = NewWriter(os.Stderr)
	})
}

func Stdout() io.Writer {
	Init()
	return global.stdout
}

func Stderr() io.Writer {
	Init()
	return global.stderr
}

func StdoutFile() *os.File {
	Init()
	return global.stdout.file
}

// Flush drains the global writers. Call it once right before exiting.
func Flush() {
	Init()
	_ = global.stdout.Close()
	_ = global.stderr.Close()
}
