package acquisition

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Session is one plasma run: the log sink, the cancellation token and the
// ignition signal shared between the control goroutine and the scheduler.
type Session struct {
	path string
	file io.WriteCloser
	w    *bufio.Writer
	mem  *bytes.Buffer

	cancelled *atomic.Bool
	written   *atomic.Int64

	cancel     chan struct{}
	cancelOnce sync.Once
	ignited    chan struct{}
	igniteOnce sync.Once
	finished   chan struct{}
	finishOnce sync.Once
	closeErr   error
}

// NewSession opens the log sink. An empty path keeps the log in memory and
// discards it when the session ends.
func NewSession(path string) (*Session, error) {
	s := &Session{
		path:      path,
		cancelled: atomic.NewBool(false),
		written:   atomic.NewInt64(0),
		cancel:    make(chan struct{}),
		ignited:   make(chan struct{}),
		finished:  make(chan struct{}),
	}

	if path == "" {
		s.mem = &bytes.Buffer{}
		s.w = bufio.NewWriter(s.mem)
		return s, nil
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file %s: %w", path, err)
	}
	s.file = f
	s.w = bufio.NewWriter(f)
	return s, nil
}

// Path returns the log file path, or "" for an in-memory session.
func (s *Session) Path() string {
	return s.path
}

// Ignite signals that the device accepted the strike.
func (s *Session) Ignite() {
	s.igniteOnce.Do(func() { close(s.ignited) })
}

// Ignited is closed once the plasma is struck.
func (s *Session) Ignited() <-chan struct{} {
	return s.ignited
}

// Cancel asks the scheduler to stop at its next tick boundary.
func (s *Session) Cancel() {
	s.cancelOnce.Do(func() {
		s.cancelled.Store(true)
		close(s.cancel)
	})
}

// Cancelled reports whether Cancel was called.
func (s *Session) Cancelled() bool {
	return s.cancelled.Load()
}

// Done is closed by Cancel.
func (s *Session) Done() <-chan struct{} {
	return s.cancel
}

// Finished is closed after the scheduler has closed the sink and returned.
func (s *Session) Finished() <-chan struct{} {
	return s.finished
}

// Wait blocks until the scheduler finished or the timeout elapsed. It reports
// whether the scheduler finished.
func (s *Session) Wait(timeout time.Duration) bool {
	select {
	case <-s.finished:
		return true
	default:
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case <-s.finished:
		return true
	case <-t.C:
		return false
	}
}

// Written returns the number of bytes written to the sink.
func (s *Session) Written() int64 {
	return s.written.Load()
}

// Err returns the error from closing the sink, once finished.
func (s *Session) Err() error {
	select {
	case <-s.finished:
		return s.closeErr
	default:
		return nil
	}
}

// write appends raw bytes to the sink. Only the scheduler goroutine writes.
func (s *Session) write(p []byte) error {
	n, err := s.w.Write(p)
	s.written.Add(int64(n))
	return err
}

// finish flushes and closes the sink and marks the session finished.
func (s *Session) finish() {
	s.finishOnce.Do(func() {
		err := s.w.Flush()
		if s.file != nil {
			if cerr := s.file.Close(); err == nil {
				err = cerr
			}
		}
		s.closeErr = err
		close(s.finished)
	})
}
